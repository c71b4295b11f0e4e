package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/movetrace/fieldsync/internal/config"
	"github.com/movetrace/fieldsync/internal/remote"
	"github.com/movetrace/fieldsync/internal/store"
	"github.com/movetrace/fieldsync/internal/syncer"
	"github.com/movetrace/fieldsync/internal/upload"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync engine for movement recording sessions",
	Long: `fieldsync keeps movement recording sessions, phase annotations, and
session videos synchronized with a remote training server.

All mutations are captured locally first and pushed through a durable
sync queue, so the tool is fully usable offline. Videos upload in
resumable chunks that survive restarts.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		return err
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./fieldsync.yaml or ~/.fieldsync/fieldsync.yaml)")

	rootCmd.AddGroup(
		&cobra.Group{ID: "records", Title: "Recording Commands:"},
		&cobra.Group{ID: "sync", Title: "Sync Commands:"},
	)
}

// newLogger builds the shared logger. With log.file configured the log
// rotates via lumberjack; otherwise it writes to stderr.
func newLogger(prefix string) *log.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
		}
	}
	return log.New(out, prefix, log.LstdFlags)
}

// app bundles the store, remote client, and orchestrator a command needs.
type app struct {
	store    *store.Store
	api      remote.API
	uploader *upload.Engine
	orch     *syncer.Orchestrator
	logger   *log.Logger
}

// newApp opens the local database and wires the sync stack. Callers must
// Close when done.
func newApp(ctx context.Context) (*app, error) {
	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := st.InitSchemaContext(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := newLogger("[fieldsync] ")

	var token remote.TokenProvider
	if cfg.API.Token != "" {
		apiToken := cfg.API.Token
		token = func(context.Context) (string, error) { return apiToken, nil }
	}
	api := remote.NewClient(cfg.API.BaseURL, token, logger)

	uploader := upload.New(st, api, &upload.Config{
		ChunkSize:       cfg.Upload.ChunkSize,
		Workers:         cfg.Upload.Workers,
		MaxChunkRetries: cfg.Upload.MaxRetries,
		Logger:          logger,
	})

	orch, err := syncer.New(ctx, st, api, uploader, syncer.NewStaticNetwork(syncer.NetworkType(cfg.Sync.Network)), &syncer.Config{
		Interval:       cfg.Sync.Interval,
		BatchSize:      cfg.Sync.BatchSize,
		SyncOnCellular: cfg.Sync.OnCellular,
		Backoff:        syncer.Backoff{Base: cfg.Sync.BackoffBase, Max: cfg.Sync.BackoffMax, Jitter: true},
		Logger:         logger,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	return &app{store: st, api: api, uploader: uploader, orch: orch, logger: logger}, nil
}

func (a *app) Close() {
	a.orch.Close()
	if err := a.store.Close(); err != nil {
		a.logger.Printf("Error closing database: %v", err)
	}
}
