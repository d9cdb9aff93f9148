package cmd

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/application"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator (webhook gateway + metrics + worker supervision)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	app, err := application.NewAPI(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}
