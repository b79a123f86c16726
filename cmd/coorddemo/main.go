package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		var logged *loggedError
		if !errors.As(err, &logged) {
			// Flag and logger setup errors happen before any logger exists.
			fmt.Fprintln(os.Stderr, "coorddemo:", err)
		}
		stop()
		os.Exit(1)
	}
}
