// Command roguepatch applies unified diffs to a source tree and manages the
// snapshots used to roll them back.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/asynkron/roguepatch/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
