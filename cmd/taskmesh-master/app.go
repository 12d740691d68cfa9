package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"taskmesh/pkg/config"
	"taskmesh/pkg/master"
	"taskmesh/pkg/observability"
	"taskmesh/pkg/task"
)

// run is the main entry point after CLI parsing.
func run(opts Options) int {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to load config: " + err.Error() + "\n")
		return 1
	}

	logger, err := observability.SetupLogger(cfg.Log)
	if err != nil {
		_, _ = os.Stderr.WriteString("failed to setup logger: " + err.Error() + "\n")
		return 1
	}
	defer func() { _ = logger.Sync() }()

	zap.L().Info("taskmesh-master started", zap.String("app", cfg.AppName))
	zap.L().Info("effective configuration", zap.Any("config", cfg))

	m, err := master.New(logger, master.Options{
		Name:     cfg.AppName,
		Identity: cfg.Identity,
	})
	if err != nil {
		zap.L().Error("failed to build master", zap.Error(err))
		return 1
	}
	defer m.Close()

	// Built-in inline command: echoes its params back. Handy for probing a
	// deployment without any worker attached.
	m.Execute("echo", func(t *task.Task, done task.DoneFunc, progress task.ProgressFunc, cancel task.CancelFunc) {
		done(nil, t.Params())
	})

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()

	if err := m.Listen(ctx, cfg.Transports); err != nil {
		zap.L().Error("failed to start transports", zap.Error(err))
		return 1
	}

	zap.L().Info("master is running; press Ctrl+C to exit",
		zap.String("peer_id", string(m.PeerID())))
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	zap.L().Info("shutting down")
	return 0
}
