package cmd

import "github.com/spf13/cobra"

var clockCmd = &cobra.Command{
	Use:   "clock",
	Short: "print this node's VectorClock",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext()
		defer cancel()
		clock, err := adminClient().Clock(ctx)
		if err != nil {
			return err
		}
		return printJSON(clock)
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "print this node's full MemberState",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext()
		defer cancel()
		st, err := adminClient().State(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	},
}

var statesCmd = &cobra.Command{
	Use:   "states",
	Short: "query every Ring member's state and group the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext()
		defer cancel()
		result, err := adminClient().States(ctx)
		if err != nil {
			return err
		}
		return printJSON(result)
	},
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "list the Ring's NodeIds",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext()
		defer cancel()
		ids, err := adminClient().Nodes(ctx)
		if err != nil {
			return err
		}
		return printJSON(ids)
	},
}

var fullnodesCmd = &cobra.Command{
	Use:   "fullnodes",
	Short: "list the Ring's full NodeEntry records",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext()
		defer cancel()
		entries, err := adminClient().FullNodes(ctx)
		if err != nil {
			return err
		}
		return printJSON(entries)
	},
}

var gossipCmd = &cobra.Command{
	Use:   "gossip",
	Short: "trigger a single synchronous gossip round",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext()
		defer cancel()
		return adminClient().Gossip(ctx)
	},
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "clear local state (test mode only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext()
		defer cancel()
		return adminClient().Reset(ctx)
	},
}

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "list persisted snapshot filenames, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := adminContext()
		defer cancel()
		names, err := adminClient().Snapshots(ctx)
		if err != nil {
			return err
		}
		return printJSON(names)
	},
}
