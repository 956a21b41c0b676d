package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sheerbytes/dropline/cmd/drop/commands"
	"github.com/sheerbytes/dropline/internal/termio"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := commands.Execute(ctx)
	stop()
	termio.Flush()
	if err != nil {
		os.Exit(1)
	}
}
