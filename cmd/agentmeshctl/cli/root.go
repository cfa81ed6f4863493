// Package cli implements the agentmeshctl command-line interface
// using cobra, the way the teacher pack's CLI examples structure a
// root command plus one file per subcommand.
package cli

import (
	"fmt"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/ezaigents/agentmesh/core"
)

var rootCmd = &cobra.Command{
	Use:           "agentmeshctl",
	Short:         "Administer an agentmesh orchestrator",
	Long:          `agentmeshctl publishes control commands to a running agentmeshd, or runs the daemon in the foreground with serve.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command. Called from main.go.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// connect builds a Redis client and resolves the namespace from the
// process's standard configuration, used by every subcommand.
func connect() (*redis.Client, string, error) {
	cfg, err := core.NewConfig()
	if err != nil {
		return nil, "", err
	}
	client, err := core.NewRedisClient(cfg.Redis)
	if err != nil {
		return nil, "", err
	}
	return client, cfg.Namespace, nil
}
