package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
)

func main() {
	runner := NewRunner(os.Stdout, os.Getenv("LOG_LEVEL"))

	app := &cli.Command{
		Name:     "leadctl",
		Usage:    "Run lead batches and maintain delivery history offline",
		Version:  "0.3.0",
		Commands: runner.register(),
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "leadctl: %v\n", err)
		os.Exit(1)
	}
}
