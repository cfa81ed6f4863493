package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ezaigents/agentmesh/internal/daemonrt"
)

func init() {
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator daemon in the foreground",
	Long:  `serve wires every component to Redis and runs the orchestrator loop until interrupted, equivalent to running the agentmeshd binary directly.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := daemonrt.New()
		if err != nil {
			return err
		}
		logger := d.Config.Logger()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		logger.Info("agentmeshctl serve started", map[string]interface{}{"namespace": d.Config.Namespace})
		return d.Run(ctx)
	},
}
