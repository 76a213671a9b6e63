// Package main is the entry point for the deepaudit risk engine.
package main

import (
	"context"
	"fmt"
	"os"

	"deepaudit/bootstrap"
	"deepaudit/cmd"
)

// run initializes and starts the risk engine server.
func run() error {
	ctx := context.Background()

	app, err := bootstrap.NewApp(ctx)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	if err := app.Start(ctx); err != nil {
		app.Shutdown()
		return fmt.Errorf("failed to start application: %w", err)
	}

	app.WaitForShutdown()
	app.Shutdown()
	return nil
}

func main() {
	// CLI subcommands run without the full server.
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "check":
			os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
			if err := cmd.NewCheckCmd().Execute(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		case "config-publish":
			os.Args = append([]string{os.Args[0]}, os.Args[2:]...)
			if err := cmd.NewConfigCmd().Execute(); err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: %v\n", err)
		os.Exit(1)
	}
}
