package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/meridian-orchestrator/meridian/internal/app"
	"github.com/meridian-orchestrator/meridian/internal/common"
	"github.com/meridian-orchestrator/meridian/internal/tasks"
)

func main() {
	a, err := app.NewApp(os.Getenv("ORCH_CONFIG"), tasks.Builtin())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize app: %v\n", err)
		os.Exit(1)
	}

	common.PrintBanner(a.Config, a.Logger)

	a.Worker.Start()
	a.Logger.Info().Msg("Worker ready")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	a.Logger.Info().Msg("Shutdown signal received")

	a.Close()
	common.PrintShutdownBanner(a.Logger)
}
