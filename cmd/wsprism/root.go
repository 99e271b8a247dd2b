// Command wsprism is the gateway's CLI entry point: it loads the YAML
// config, wires the core collaborators together, and runs the HTTP
// server until a shutdown signal drains every connection.
package main

import (
	"github.com/spf13/cobra"
)

var configFile string

// NewRootCmd creates the root command for the wsPrism CLI.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wsprism",
		Short: "wsPrism - realtime multi-tenant WebSocket gateway",
		Long: `wsPrism terminates long-lived client WebSocket connections, authenticates
and isolates them per tenant, enforces admission and rate policies, and
routes validated messages to internal services on the Ext (JSON) or Hot
(binary) lane.`,
	}

	cmd.PersistentFlags().StringVar(&configFile, "config", "config.yaml", "path to the YAML config file")
	cmd.AddCommand(newStartCmd())

	return cmd
}
