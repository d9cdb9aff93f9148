package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/jcarpenter-uam/calc-translation-sub000/internal/config"
	"github.com/jcarpenter-uam/calc-translation-sub000/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:    "worker",
	Short:  "Run one stream worker (spawned by the orchestrator, not for interactive use)",
	Hidden: true,
	RunE:   runWorker,
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	// Stdout belongs to the parent IPC channel; all logging goes to stderr.
	logCfg := zap.NewProductionConfig()
	if cfg.AppEnv == "development" {
		logCfg = zap.NewDevelopmentConfig()
	}
	logCfg.OutputPaths = []string{"stderr"}
	logCfg.ErrorOutputPaths = []string{"stderr"}
	logger, err := logCfg.Build()
	if err != nil {
		return err
	}
	defer logger.Sync()

	return worker.Run(worker.Options{Config: cfg, Log: logger})
}
