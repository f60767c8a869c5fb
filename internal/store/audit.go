package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/mcastellin/membership/internal/state"
)

// AuditSink mirrors a persisted MemberState somewhere outside the node's own
// data directory, for fleet-wide operational history. It is never
// load-bearing for the service's own correctness.
type AuditSink interface {
	Record(state.MemberState) error
}

// createAuditTableStatement matches distributed-queue/domain.go's raw SQL
// style: no ORM, positional placeholders, hand-written DDL run once at
// startup.
const createAuditTableStatement = `
CREATE TABLE IF NOT EXISTS membership_snapshots (
	id         BIGSERIAL PRIMARY KEY,
	node_id    TEXT NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL,
	clock      JSONB NOT NULL,
	ring       JSONB NOT NULL
)`

const insertAuditStatement = `
INSERT INTO membership_snapshots (node_id, recorded_at, clock, ring)
VALUES ($1, $2, $3, $4)`

// NewPostgresAuditSink opens a connection pool to dsn and ensures the audit
// table exists. Grounded on distributed-queue/main.go's
// _ "github.com/lib/pq" driver registration and
// distributed-queue/domain.go's raw database/sql usage.
func NewPostgresAuditSink(dsn string, self string) (*PostgresAuditSink, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening audit sink connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging audit sink: %w", err)
	}
	if _, err := db.Exec(createAuditTableStatement); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensuring audit table: %w", err)
	}
	return &PostgresAuditSink{db: db, self: self}, nil
}

// PostgresAuditSink is the optional audit mirror backing AuditSink: every
// snapshot written locally is also appended to a Postgres table, purely as
// fleet-wide operational history.
type PostgresAuditSink struct {
	db   *sql.DB
	self string
}

// Record inserts one audit row for s.
func (a *PostgresAuditSink) Record(s state.MemberState) error {
	clockJSON, err := json.Marshal(s.Clock)
	if err != nil {
		return fmt.Errorf("marshalling clock for audit: %w", err)
	}
	ringJSON, err := json.Marshal(s.Ring)
	if err != nil {
		return fmt.Errorf("marshalling ring for audit: %w", err)
	}

	_, err = a.db.Exec(insertAuditStatement, a.self, time.Now().UTC(), clockJSON, ringJSON)
	return err
}

// Close releases the underlying connection pool.
func (a *PostgresAuditSink) Close() error {
	return a.db.Close()
}
