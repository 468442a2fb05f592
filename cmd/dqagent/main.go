package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/harun/dqagent/internal/cli"
	"github.com/harun/dqagent/pkg/dqerr"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.Execute(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", describe(err))
		stop()
		os.Exit(1)
	}
}

// describe prefixes agent failures with the user-facing message for their kind.
func describe(err error) string {
	if kind := dqerr.KindOf(err); kind != dqerr.KindInternal {
		return dqerr.Message(kind) + "\n  " + err.Error()
	}
	return err.Error()
}
