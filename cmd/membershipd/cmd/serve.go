package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/mcastellin/membership/internal/adminrpc"
	"github.com/mcastellin/membership/internal/events"
	"github.com/mcastellin/membership/internal/gossip"
	"github.com/mcastellin/membership/internal/service"
	"github.com/mcastellin/membership/internal/state"
	"github.com/mcastellin/membership/internal/store"
	"github.com/mcastellin/membership/internal/transport"
	"github.com/rs/xid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the membership node: peer listener, admin listener, gossip loop",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := zap.Must(zap.NewProduction())
		defer logger.Sync()

		selfID := defaultFromEnv("MEMBERSHIP_SELF_ID", "")
		if selfID == "" {
			selfID = xid.New().String()
		}
		dataDir := defaultFromEnv("MEMBERSHIP_DATA_DIR", "./data")
		bindAddr := defaultFromEnv("MEMBERSHIP_BIND_ADDR", ":7946")
		testMode, _ := strconv.ParseBool(defaultFromEnv("MEMBERSHIP_TEST_MODE", "false"))
		auditDSN := os.Getenv("MEMBERSHIP_AUDIT_DSN")

		app, err := createApp(selfID, bindAddr, adminAddr, dataDir, auditDSN, testMode, logger)
		if err != nil {
			return err
		}

		logger.Info("membershipd starting",
			zap.String("self_id", selfID),
			zap.String("bind_addr", bindAddr),
			zap.String("admin_addr", adminAddr),
			zap.Bool("test_mode", testMode))

		return app.Run()
	},
}

// runStopper is the composition root's worker contract, matching
// distributed-queue/main.go's workerStarterStopper interface exactly.
type runStopper interface {
	Run() error
	Stop() error
}

// App is the process composition root, grounded on distributed-queue's App:
// a logger, an ordered list of workers started on Run and stopped (in
// reverse, via defer) on shutdown, and a signal-driven wait.
type App struct {
	logger  *zap.Logger
	workers []runStopper
}

func (a *App) AddWorker(w runStopper) {
	a.workers = append(a.workers, w)
}

func (a *App) Run() error {
	for _, w := range a.workers {
		if err := w.Run(); err != nil {
			return fmt.Errorf("starting worker %T: %w", w, err)
		}
		defer w.Stop()
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	<-ctx.Done()
	a.logger.Info("shutdown signal received, stopping")
	return nil
}

type serviceWorker struct{ svc *service.Service }

func (w serviceWorker) Run() error  { return w.svc.Start() }
func (w serviceWorker) Stop() error { return w.svc.Stop() }

type transportWorker struct{ t *transport.RPCTransport }

func (w transportWorker) Run() error  { return w.t.Serve() }
func (w transportWorker) Stop() error { return w.t.Shutdown() }

type adminWorker struct {
	s    *adminrpc.Server
	addr string
}

func (w adminWorker) Run() error  { return w.s.Serve(w.addr) }
func (w adminWorker) Stop() error { return w.s.Shutdown() }

// createApp wires every component together: the State Store, Transport
// Adapter, Gossip Engine, Event Emitter, Service Shell, and the admin RPC
// surface. Transport and Service have a construction-time cycle (the
// transport needs the Service's callbacks, the Service needs the
// transport); svc is forward-declared and assigned before the closures are
// ever invoked, the same pattern the test suite uses.
func createApp(selfID, bindAddr, adminAddr, dataDir, auditDSN string, testMode bool, logger *zap.Logger) (*App, error) {
	var audit store.AuditSink
	if auditDSN != "" {
		sink, err := store.NewPostgresAuditSink(auditDSN, selfID)
		if err != nil {
			return nil, fmt.Errorf("connecting audit sink: %w", err)
		}
		audit = sink
	}

	fs := store.NewFileStore(dataDir, logger, audit)
	bus := events.NewBus()

	var svc *service.Service
	tr := transport.NewRPCTransport(bindAddr, logger,
		func() state.MemberState { return svc.State() },
		func(sender string, remote state.MemberState) (transport.GossipResult, error) {
			return svc.GossipHandler()(sender, remote)
		},
	)

	engine := gossip.NewEngine(selfID, tr, logger, testMode)
	svc = service.New(service.Deps{
		Self:      selfID,
		TestMode:  testMode,
		Logger:    logger,
		Store:     fs,
		Transport: tr,
		Events:    bus,
		Engine:    engine,
	})

	adminSrv := adminrpc.NewServer(svc)

	app := &App{logger: logger}
	app.AddWorker(serviceWorker{svc})
	app.AddWorker(transportWorker{tr})
	app.AddWorker(adminWorker{s: adminSrv, addr: adminAddr})
	return app, nil
}
