// ════════════════════════════════════════════════════════════════════════════════════════════════
// tagring - Main Entry Point
// ────────────────────────────────────────────────────────────────────────────────────────────────
// Project: Shared-memory timetag buffers for TCSPC hardware
// Component: Command-line entry point
//
// Description:
//   Installs signal handling and hands the argument list to the cli package.
//   SIGINT/SIGTERM raise control's stop flag and cancel the command context,
//   so holding commands (create, ingest --hold) detach cleanly.
//
// ════════════════════════════════════════════════════════════════════════════════════════════════

package main

import (
	"context"
	"os"

	"tagring/cli"
	"tagring/control"
)

func main() {
	ctx, stop := control.Watch(context.Background())
	code := cli.Execute(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}
