package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"moneycheck/internal/amqp"
	"moneycheck/internal/backend"
	"moneycheck/internal/backup"
	"moneycheck/internal/cli"
	"moneycheck/internal/config"
	applog "moneycheck/internal/log"
	"moneycheck/internal/storage"
	"moneycheck/internal/syncengine"
	"moneycheck/internal/worker"
)

func main() {
	restoreUser := flag.String("restore", "", "restore the latest backup snapshot of this user id and exit")
	flag.Parse()

	// Load .env file for local development (ignore errors in production/docker)
	cli.LoadEnvFile()

	cfg := cli.LoadAndValidateConfig()
	logger := cli.SetupLogger(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting moneycheck-sync", applog.FieldOperation, applog.OpStartup, applog.FieldBackend, cfg.RemoteBackend)

	if err := run(cfg, logger, *restoreUser); err != nil {
		logger.Error("moneycheck-sync stopped", applog.FieldError, err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *applog.Logger, restoreUser string) error {
	ctx, cancel := cli.SignalContext(logger)
	defer cancel()

	store := cli.OpenStore(ctx, logger, cfg.SQLiteDBPath,
		storage.WithLogger(logger.WithComponent(applog.ComponentStorage)))
	defer store.Close()

	var snapshots *backup.Service
	if cfg.Backup.Enabled {
		svc, err := backup.New(ctx, backup.Config{
			Endpoint:  cfg.Backup.Endpoint,
			AccessKey: cfg.Backup.AccessKey,
			SecretKey: cfg.Backup.SecretKey,
			Bucket:    cfg.Backup.Bucket,
			UseSSL:    cfg.Backup.UseSSL,
			Logger:    logger.WithComponent(applog.ComponentBackup),
		}, store)
		if err != nil {
			return fmt.Errorf("initialize backup store: %w", err)
		}
		snapshots = svc
		logger.Info("Backups enabled", "bucket", cfg.Backup.Bucket)
	}

	if restoreUser != "" {
		if snapshots == nil {
			return errors.New("restore requested but backups are disabled")
		}
		stats, err := snapshots.Restore(ctx, restoreUser)
		if err != nil {
			return fmt.Errorf("restore %s: %w", restoreUser, err)
		}
		logger.Info("Restore complete",
			applog.FieldUserID, restoreUser,
			"snapshot", stats.Snapshot,
			"user_created", stats.UserCreated,
			"categories", stats.Categories,
			"transactions", stats.Transactions)
		return nil
	}

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		return err
	}
	result, err := backend.NewFactory(logger.WithComponent(applog.ComponentBackend)).CreateBackend(ctx, backendCfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := result.Cleanup(); err != nil {
			logger.Warn("Failed to close remote backend", applog.FieldError, err)
		}
	}()

	policy, ok := syncengine.ParsePolicy(cfg.Sync.Checkpoint, cfg.Sync.PullWindow)
	if !ok {
		return fmt.Errorf("unknown checkpoint policy %q", cfg.Sync.Checkpoint)
	}
	engine := syncengine.NewEngine(store, result.Store,
		syncengine.WithCheckpoint(policy),
		syncengine.WithInterval(cfg.Sync.Interval),
		syncengine.WithLogger(logger.WithComponent(applog.ComponentSync)))

	var syncer worker.Syncer = engine
	if snapshots != nil {
		syncer = &snapshottingSyncer{next: engine, snapshots: snapshots, logger: logger.WithComponent(applog.ComponentBackup)}
	}

	syncWorker := worker.NewSyncWorker(syncer, store, worker.Config{
		SweepInterval: cfg.Sync.SweepInterval,
		Logger:        logger.WithComponent(applog.ComponentWorker),
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := syncWorker.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return nil
	})

	if cfg.AMQP.URL != "" {
		amqpClient, err := amqp.NewClient(cfg.AMQP.URL, cfg.AMQP.Exchange, cfg.AMQP.Queue,
			amqp.WithLogger(logger.WithComponent(applog.ComponentAMQP)))
		if err != nil {
			return fmt.Errorf("initialize AMQP client: %w", err)
		}
		defer amqpClient.Close()

		g.Go(func() error {
			err := amqpClient.ConsumeSyncRequests(gctx, syncWorker.HandleSyncRequest)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	} else {
		logger.Info("AMQP disabled, relying on scheduled sweeps only")
	}

	err = g.Wait()

	shutdownLog := logger.WithFields(applog.NewFields().WithOperation(applog.OpShutdown))
	shutdownLog.Info("Shutting down worker...")
	cli.RunCleanup(shutdownLog, 30*time.Second, func(ctx context.Context) {
		if err := syncWorker.Stop(ctx); err != nil {
			shutdownLog.Warn("Worker did not stop cleanly", applog.FieldError, err)
		}
	})

	return err
}

// snapshottingSyncer exports a backup snapshot after every successful sync.
// Export failures are logged and never fail the sync.
type snapshottingSyncer struct {
	next      worker.Syncer
	snapshots *backup.Service
	logger    *applog.Logger
}

func (s *snapshottingSyncer) SyncTransactions(ctx context.Context, userID string) (syncengine.Result, error) {
	res, err := s.next.SyncTransactions(ctx, userID)
	if err != nil {
		return res, err
	}
	key, exportErr := s.snapshots.Export(ctx, userID)
	if exportErr != nil {
		s.logger.WarnContext(ctx, "Snapshot export failed", applog.FieldUserID, userID, applog.FieldError, exportErr)
		return res, nil
	}
	s.logger.DebugContext(ctx, "Snapshot exported", applog.FieldUserID, userID, "key", key)
	return res, nil
}
