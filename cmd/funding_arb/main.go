package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"funding_arb/internal/bootstrap"
)

var (
	configFile = flag.String("config", "", "Path to configuration file (empty uses paper defaults)")
	envFile    = flag.String("env", ".env", "Path to .env file loaded before the config")
	dryRun     = flag.Bool("dry-run", false, "Evaluate and log opportunities without placing orders")
)

func main() {
	flag.Parse()

	if envConfig := os.Getenv("CONFIG_FILE"); envConfig != "" && *configFile == "" {
		*configFile = envConfig
	}

	app, err := bootstrap.NewApp(bootstrap.Options{
		ConfigPath: *configFile,
		EnvFile:    *envFile,
		DryRun:     *dryRun,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start: %v\n", err)
		os.Exit(1)
	}
	defer app.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.Run(ctx); err != nil {
		app.Logger.Error("Engine exited", "error", err)
		app.Close()
		os.Exit(1)
	}
}
