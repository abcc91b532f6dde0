package main

import (
	"context"
	"log/slog"
)

func main() {
	ctx := shutdownContext(context.Background(), slog.Default())

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		exitOnError(err, exitStatus(ctx))
	}
}
