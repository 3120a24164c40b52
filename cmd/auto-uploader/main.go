// Command auto-uploader mirrors an S3-compatible bucket onto a local
// directory, polling for new and changed objects until interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/nicexxd/auto-uploader/internal/config"
	"github.com/nicexxd/auto-uploader/internal/engine"
	"github.com/nicexxd/auto-uploader/internal/logger"
	"github.com/nicexxd/auto-uploader/internal/remote"
	"github.com/nicexxd/auto-uploader/internal/remote/minio"
	"github.com/nicexxd/auto-uploader/internal/state"
	"github.com/nicexxd/auto-uploader/internal/status"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
		once       bool
	)

	cmd := &cobra.Command{
		Use:          "auto-uploader",
		Short:        "Mirror an S3-compatible bucket onto a local directory",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			return run(cmd.Context(), cfg, once)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (environment overrides it)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "override log level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&once, "once", false, "run a single sync cycle and exit")

	return cmd
}

func run(parent context.Context, cfg *config.Config, once bool) error {
	fs := afero.NewOsFs()
	if err := fs.MkdirAll(cfg.StateDir(), 0o755); err != nil {
		return err
	}

	log := logger.New(&logger.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
		Output: os.Stdout,
		File:   filepath.Join(cfg.StateDir(), "agent.log"),
	})

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := minio.New(ctx, &remote.Config{
		Endpoint:  cfg.Endpoint,
		AccessKey: cfg.AccessKey,
		SecretKey: cfg.SecretKey,
		UseSSL:    cfg.UseSSL,
		Region:    cfg.Region,
		Bucket:    cfg.Bucket,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	st := state.New(fs, cfg.StateDir(), log)
	st.Load()

	eng := engine.New(cfg, engine.Options{
		Remote: store,
		State:  st,
		Logger: log,
		FS:     fs,
	})

	if cfg.StatusAddr != "" {
		srv := status.New(cfg.StatusAddr, eng.Stats, log)
		go func() {
			if err := srv.Run(ctx); err != nil {
				log.Warnf("status endpoint stopped: %v", err)
			}
		}()
	}

	log.With().
		Str("bucket", cfg.Bucket).
		Str("prefix", cfg.Prefix).
		Str("dest", cfg.Destination).
		Logger().
		Info("agent starting")

	if once {
		rep, err := eng.RunOnce(ctx)
		if err != nil {
			return err
		}
		log.Infof("cycle complete: listed=%d fetched=%d failed=%d pruned=%d",
			rep.Listed, rep.Fetched, rep.Failed, rep.Pruned)
		return nil
	}

	return eng.Run(ctx)
}
