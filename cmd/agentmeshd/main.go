// Command agentmeshd is the orchestrator daemon: it wires the
// coordinator, dispatcher, DLQ manager, and key rotator to a live
// Redis connection and runs the orchestrator loop until signaled to
// stop.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ezaigents/agentmesh/internal/daemonrt"
)

func main() {
	os.Exit(run())
}

func run() int {
	d, err := daemonrt.New()
	if err != nil {
		os.Stderr.WriteString("agentmeshd: " + err.Error() + "\n")
		return 1
	}
	logger := d.Config.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("agentmeshd started", map[string]interface{}{
		"namespace": d.Config.Namespace, "models": d.Config.Queue.Models,
	})

	if err := d.Run(ctx); err != nil {
		logger.Error("agentmeshd exited with error", map[string]interface{}{"error": err.Error()})
		return 1
	}
	logger.Info("agentmeshd shutting down", nil)
	return 0
}
