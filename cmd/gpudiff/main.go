package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gpudiff/internal/cli"
)

// main only wires signals and streams; everything else lives in internal/cli.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	result, err := cli.Run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "gpudiff:", err)
	}
	os.Exit(result.ExitCode)
}
