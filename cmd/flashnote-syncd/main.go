package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Xperiamol/flashnote-sync/internal/auth"
	"github.com/Xperiamol/flashnote-sync/internal/config"
	"github.com/Xperiamol/flashnote-sync/internal/database"
	"github.com/Xperiamol/flashnote-sync/internal/localstore"
	"github.com/Xperiamol/flashnote-sync/internal/logging"
	"github.com/Xperiamol/flashnote-sync/internal/remote"
	"github.com/Xperiamol/flashnote-sync/internal/server"
	syncengine "github.com/Xperiamol/flashnote-sync/internal/sync"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "flashnote-syncd",
		Short: "FlashNote multi-device sync daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one incremental sync pass and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), false)
		},
	}
	snapshotCmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Publish a full-state bundle and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOnce(cmd.Context(), true)
		},
	}
	rootCmd.AddCommand(syncCmd, snapshotCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("data-dir", defaults.GetString("data.dir"), "Local state directory")
	cmd.PersistentFlags().String("remote-root", defaults.GetString("remote.root"), "Mounted remote store root directory")
	cmd.PersistentFlags().Duration("sync-interval", defaults.GetDuration("sync.interval"), "Background sync interval")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Log file path (empty for stderr)")
	cmd.PersistentFlags().String("signing-secret", "", "Token signing secret (overrides env)")
	cmd.PersistentFlags().String("api-secret", "", "Shared API secret for token exchange (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "data.dir", "data-dir")
	bindFlag(cmd, "remote.root", "remote-root")
	bindFlag(cmd, "sync.interval", "sync-interval")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.api_secret", "api-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	// Absent .env is fine; it only matters for local development.
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}
	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}
	return nil
}

// engine bundles everything a command needs after wiring.
type engine struct {
	logger       *zap.Logger
	orchestrator *syncengine.Orchestrator
	snapshots    *syncengine.SnapshotManager
	local        *localstore.Store
	issuer       *auth.TokenIssuer
	appConfig    config.AppConfig
	closeDB      func() error
}

func buildEngine(ctx context.Context) (*engine, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFile)
	if err != nil {
		return nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}

	local, err := localstore.NewStore(localstore.StoreConfig{
		Database: db,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	fileStore, err := remote.NewFileStore(appConfig.RemoteRoot)
	if err != nil {
		return nil, err
	}
	objectStore := remote.NewRetrying(remote.RetryConfig{
		Store:  fileStore,
		Logger: logger,
	})

	deviceID, err := syncengine.LoadOrCreateDeviceID(appConfig.DataDir)
	if err != nil {
		return nil, err
	}

	ledger := syncengine.LoadRevisionLedger(
		filepath.Join(appConfig.DataDir, "revision-ledger.json"), time.Now, logger)

	snapshots, err := syncengine.NewSnapshotManager(syncengine.SnapshotManagerConfig{
		Store:                 objectStore,
		Local:                 local,
		Ledger:                ledger,
		DeviceID:              deviceID,
		PolicyPath:            filepath.Join(appConfig.DataDir, "snapshot-policy.json"),
		ModificationThreshold: appConfig.SnapshotModThreshold,
		TimeThreshold:         appConfig.SnapshotInterval,
		Logger:                logger,
	})
	if err != nil {
		return nil, err
	}

	changelog, err := syncengine.NewChangelogManager(syncengine.ChangelogManagerConfig{
		Store:    objectStore,
		Ledger:   ledger,
		Logger:   logger,
		OnAppend: snapshots.RecordModification,
	})
	if err != nil {
		return nil, err
	}

	backups, err := syncengine.NewBackupManager(
		filepath.Join(appConfig.DataDir, "backups"), appConfig.LocalBackupsPerNote, logger)
	if err != nil {
		return nil, err
	}

	orchestrator, err := syncengine.NewOrchestrator(syncengine.OrchestratorConfig{
		Remote:                 objectStore,
		Local:                  local,
		Ledger:                 ledger,
		Changelog:              changelog,
		Snapshots:              snapshots,
		Backups:                backups,
		DeviceID:               deviceID,
		Logger:                 logger,
		RestoreBatchSize:       appConfig.RestoreBatchSize,
		RestoreInterBatchDelay: appConfig.RestoreInterBatchDelay,
	})
	if err != nil {
		return nil, err
	}

	if err := orchestrator.EnsureLayout(ctx); err != nil {
		return nil, err
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		APISecret:     []byte(appConfig.APISecret),
		TokenTTL:      appConfig.TokenTTL,
	})

	logger.Info("engine wired",
		zap.String("device_id", deviceID),
		zap.String("remote_root", appConfig.RemoteRoot))

	return &engine{
		logger:       logger,
		orchestrator: orchestrator,
		snapshots:    snapshots,
		local:        local,
		issuer:       issuer,
		appConfig:    appConfig,
		closeDB:      sqlDB.Close,
	}, nil
}

func (e *engine) close() {
	e.orchestrator.Flush()
	if err := e.closeDB(); err != nil {
		e.logger.Warn("database close failed", zap.Error(err))
	}
	_ = e.logger.Sync()
}

func runServe(ctx context.Context) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(signalCtx)
	if err != nil {
		return err
	}
	defer eng.close()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Orchestrator: eng.orchestrator,
		TokenManager: eng.issuer,
		LocalStore:   eng.local,
		Snapshots:    eng.snapshots,
		Logger:       eng.logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    eng.appConfig.HTTPAddress,
		Handler: handler,
	}

	errCh := make(chan error, 1)
	go func() {
		eng.logger.Info("server starting", zap.String("address", eng.appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	go runSyncTicker(signalCtx, eng)

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// runSyncTicker drives periodic incremental syncs until the context ends.
// Pass failures are logged and retried on the next tick; a pass blocked by
// unresolved conflicts stays quiet until the user acts.
func runSyncTicker(ctx context.Context, eng *engine) {
	interval := eng.appConfig.SyncInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := eng.orchestrator.IncrementalSync(ctx)
			switch {
			case errors.Is(err, syncengine.ErrConflictPending):
				eng.logger.Info("periodic sync skipped, conflicts pending")
			case errors.Is(err, syncengine.ErrSyncInFlight):
			case err != nil:
				eng.logger.Warn("periodic sync failed", zap.Error(err))
			case report.Total > 0:
				eng.logger.Info("periodic sync applied changes",
					zap.Int("total", report.Total),
					zap.Int("applied", report.Applied),
					zap.Int("failed", report.Failed),
					zap.Int("conflicts", report.Conflicts))
			}
		}
	}
}

func runOnce(ctx context.Context, snapshot bool) error {
	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eng, err := buildEngine(signalCtx)
	if err != nil {
		return err
	}
	defer eng.close()

	if snapshot {
		bundle, err := eng.snapshots.Generate(signalCtx)
		if err != nil {
			return err
		}
		eng.logger.Info("snapshot published",
			zap.Int64("version", bundle.Version),
			zap.Int("notes", bundle.NotesCount))
		return nil
	}

	report, err := eng.orchestrator.IncrementalSync(signalCtx)
	if err != nil {
		return err
	}
	eng.logger.Info("sync pass complete",
		zap.Int("total", report.Total),
		zap.Int("applied", report.Applied),
		zap.Int("failed", report.Failed),
		zap.Int("conflicts", report.Conflicts),
		zap.Bool("full_restore", report.FullRestore))
	if report.Conflicts > 0 {
		return fmt.Errorf("sync finished with %d unresolved conflicts", report.Conflicts)
	}
	return nil
}
