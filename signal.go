package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

// exitInterrupted is the conventional exit status after SIGINT.
const exitInterrupted = 130

// interruptedError is the cancellation cause of the command context after a
// signal.
type interruptedError struct {
	sig os.Signal
}

func (e *interruptedError) Error() string {
	return "interrupted by " + e.sig.String()
}

// shutdownContext returns the command context. The first SIGINT or SIGTERM
// cancels it; a second one exits at once.
func shutdownContext(parent context.Context, logger *slog.Logger) context.Context {
	return watchSignals(parent, logger, func() { os.Exit(exitInterrupted) })
}

// watchSignals cancels the returned context with an *interruptedError on the
// first signal. Storage instances built on it abort their running calls and
// drain within shutdown_timeout. A second signal calls forceExit.
func watchSignals(parent context.Context, logger *slog.Logger, forceExit func()) context.Context {
	ctx, cancel := context.WithCancelCause(parent)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		defer signal.Stop(sigCh)

		var sig os.Signal

		select {
		case sig = <-sigCh:
		case <-ctx.Done():
			return
		}

		logger.Info("interrupted, stopping running calls (repeat to force exit)",
			slog.String("signal", sig.String()),
		)
		cancel(&interruptedError{sig: sig})

		select {
		case sig = <-sigCh:
			logger.Warn("exiting without waiting for calls",
				slog.String("signal", sig.String()),
			)
			forceExit()
		case <-parent.Done():
		}
	}()

	return ctx
}

// exitStatus is the process status for a failed command run under ctx.
func exitStatus(ctx context.Context) int {
	var intr *interruptedError
	if errors.As(context.Cause(ctx), &intr) {
		return exitInterrupted
	}

	return 1
}
