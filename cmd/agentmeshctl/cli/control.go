package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ezaigents/agentmesh/core"
	"github.com/ezaigents/agentmesh/orchestrator"
)

func init() {
	rootCmd.AddCommand(pauseCmd, resumeCmd, rebalanceCmd, healthCmd, clearDLQCmd)
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "Stop dispatcher claims globally",
	RunE:  publishSimple(core.ControlPause),
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume dispatcher claims",
	RunE:  publishSimple(core.ControlResume),
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance [model]",
	Short: "Trigger a rebalance pass, optionally scoped to one model",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		model := ""
		if len(args) == 1 {
			model = args[0]
		}
		return publishControl(cmd.Context(), core.ControlRebalance, model)
	},
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Request an immediate health report",
	RunE:  publishSimple(core.ControlHealthCheck),
}

var clearDLQCmd = &cobra.Command{
	Use:   "clear-dlq MODEL",
	Short: "Archive and clear a model's dead-letter queue",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return publishControl(cmd.Context(), core.ControlClearDLQ, args[0])
	},
}

func publishSimple(cmd core.ControlCommand) func(*cobra.Command, []string) error {
	return func(c *cobra.Command, args []string) error {
		return publishControl(c.Context(), cmd, "")
	}
}

func publishControl(ctx context.Context, cmd core.ControlCommand, model string) error {
	client, _, err := connect()
	if err != nil {
		return err
	}
	defer client.Close()

	if err := orchestrator.PublishControl(ctx, client, cmd, model); err != nil {
		return err
	}
	fmt.Printf("published %s", cmd)
	if model != "" {
		fmt.Printf(" model=%s", model)
	}
	fmt.Println()
	return nil
}
