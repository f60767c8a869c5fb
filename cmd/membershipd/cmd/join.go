package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mcastellin/membership/internal/adminrpc"
	"github.com/mcastellin/membership/internal/ring"
	"github.com/mcastellin/membership/internal/statemachine"
	"github.com/spf13/cobra"
)

var (
	joinType     string
	joinEntries  []string
	joinPingNode string
	oldNodeID    string
	leaveNodeID  string
)

var joinCmd = &cobra.Command{
	Use:   "join",
	Short: "init/join/replace/leave against a running node",
	Long: `join drives the four membership mutations:

  --type init    seed a brand-new cluster from --entry values
  --type join    add this node to an existing cluster, via --ping-node
  --type replace take over --old-node's Ring position, via --ping-node
  --type leave   announce --leave-node's departure

--entry takes "position:nodeid" pairs, repeatable.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		jt := statemachine.JoinType(joinType)

		entries, err := parseEntries(joinEntries)
		if err != nil {
			return err
		}

		ctx, cancel := adminContext()
		defer cancel()

		reply, err := adminClient().Join(ctx, adminrpc.JoinArgs{
			Type:     jt,
			Entries:  entries,
			Replace:  statemachine.ReplacePayload{OldNodeId: oldNodeID},
			Leave:    statemachine.LeavePayload{NodeId: leaveNodeID},
			PingNode: joinPingNode,
		})
		if err != nil {
			return err
		}
		return printJSON(reply)
	},
}

func parseEntries(raw []string) (ring.Ring, error) {
	out := make(ring.Ring, 0, len(raw))
	for _, r := range raw {
		parts := strings.SplitN(r, ":", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid --entry %q, expected position:nodeid", r)
		}
		pos, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid position in --entry %q: %w", r, err)
		}
		out = append(out, ring.NodeEntry{Position: pos, NodeId: parts[1]})
	}
	return out, nil
}

func init() {
	joinCmd.Flags().StringVar(&joinType, "type", "init", "init|join|replace|leave")
	joinCmd.Flags().StringArrayVar(&joinEntries, "entry", nil, "position:nodeid, repeatable (init/join)")
	joinCmd.Flags().StringVar(&joinPingNode, "ping-node", "", "a live member's peer address (join/replace)")
	joinCmd.Flags().StringVar(&oldNodeID, "old-node", "", "NodeId being replaced (replace)")
	joinCmd.Flags().StringVar(&leaveNodeID, "leave-node", "", "NodeId departing (leave)")
}
