// Package main provides the dockyard binary, which deploys a Compose file's
// services on the local Docker Engine in dependency order.
//
// Usage:
//
//	dockyard [--config FILE] [-f compose.yaml] [-p project] <command> [args...]
//
// Commands:
//
//	up [service...]        - Bring services up and supervise them until interrupted
//	down                   - Tear services down, dependents first
//	ps                     - List services, their state and the project health
//	config                 - Validate the compose file and print the resolved graph
//	build [service...]     - Build the images of services with a build section
//	volume ls|rm           - List or remove project volumes
//	network ls|rm          - List or remove project networks
//	events [service]       - Show recorded lifecycle transitions
//	logs [service...]      - Show the output of the project's containers
//	version                - Show version
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Version information (set by build flags)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd := newRootCmd(stdout, stderr)
	cmd.SetArgs(args)

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return ExitSuccess
}
