// Package cmd implements the membershipd CLI, following
// remote-procedure-call/cmd/root.go's shape: one rootCmd, one subcommand per
// operation, Execute() wrapping os.Exit(1) on error.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const usage = `membershipd runs and administers a cluster membership node.

EXAMPLES:
  Start a node:
    membershipd serve

  Initialize a new cluster on this node:
    membershipd join --type init --entry 1:node-a

  Join an existing cluster through a known member:
    membershipd join --type join --entry 2:node-b --ping-node node-a:7946

  Inspect a running node:
    membershipd state
    membershipd nodes`

var rootCmd = &cobra.Command{
	Use:   "membershipd",
	Short: "Cluster membership service",
	Long:  usage,
}

// adminAddr is the address of a running node's admin RPC port, used by every
// subcommand except serve.
var adminAddr string

func init() {
	rootCmd.PersistentFlags().StringVar(&adminAddr, "admin-addr", defaultFromEnv("MEMBERSHIP_ADMIN_ADDR", ":7947"),
		"address of a running membershipd's admin RPC port")

	rootCmd.AddCommand(serveCmd, joinCmd, clockCmd, stateCmd, statesCmd, nodesCmd, fullnodesCmd, gossipCmd, resetCmd,
		snapshotsCmd)
}

func defaultFromEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Execute runs the CLI.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
