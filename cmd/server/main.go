package main

import (
	"context"
	"os"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"rentwatch/internal/app"
	"rentwatch/internal/config"
	"rentwatch/internal/logging"
)

func main() {
	cliApp := &cli.App{
		Name:  "rentwatch",
		Usage: "rental listing watcher backend",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "env-file",
				Usage:   "path to the environment file",
				EnvVars: []string{"ENV_FILE"},
				Value:   config.DefaultEnvFile,
			},
		},
		Action: run,
	}

	if err := cliApp.Run(os.Args); err != nil {
		// cli.Exit errors have already been handled by the framework.
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	bootLogger := logging.Bootstrap()
	defer func() { _ = bootLogger.Sync() }()

	cfg, err := config.NewService(c.String("env-file"), bootLogger).Get()
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer func() { _ = logger.Sync() }()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("failed to construct application", zap.Error(err))
		return cli.Exit(err.Error(), 1)
	}

	if err := application.Run(context.Background()); err != nil {
		logger.Error("exiting", zap.Error(err))
		return cli.Exit(err.Error(), 1)
	}

	logger.Info("exited cleanly")
	return nil
}
