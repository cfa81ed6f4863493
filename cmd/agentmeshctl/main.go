// Command agentmeshctl is the administrative CLI: it publishes
// control commands onto the orchestrator's control channel, per the
// daemon's external command contract. It does not read any state
// back; results show up in the daemon's own logs.
package main

import (
	"github.com/ezaigents/agentmesh/cmd/agentmeshctl/cli"
)

func main() {
	cli.Execute()
}
