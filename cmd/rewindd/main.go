// rewindd - local code-history daemon
//
// rewindd watches a workspace, groups file changes into sessions, and
// persists per-session manifests that can later be reverted with rewindctl.
//
//	rewindd -workspace <dir>          Run the daemon over a workspace
//	rewindd -config <path>            Use an explicit config file
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"rewindd/internal/blob"
	"rewindd/internal/catalog"
	"rewindd/internal/config"
	"rewindd/internal/logging"
	"rewindd/internal/rollback"
	"rewindd/internal/session"
	"rewindd/internal/watcher"
	"rewindd/internal/workspace"
)

var (
	configPath    = flag.String("config", "", "path to config file")
	workspacePath = flag.String("workspace", "", "workspace directory to track (overrides config)")
)

func main() {
	flag.Parse()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "rewindd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *workspacePath != "" {
		cfg.Workspace.Root = *workspacePath
	}
	if cfg.Workspace.Root == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return fmt.Errorf("determine workspace: %w", err)
		}
		cfg.Workspace.Root = cwd
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	ws, err := workspace.NewRoot(cfg.Workspace.Root, ignorePatterns(cfg))
	if err != nil {
		return err
	}

	cat, err := openCatalog(cfg)
	if err != nil {
		return err
	}
	defer cat.Close()

	blobs, err := blob.Open(cfg.BlobDir(), cat)
	if err != nil {
		return err
	}

	// Recovery runs once before anything can touch the workspace.
	sweeper := rollback.NewSweeper(cfg.JournalDir(),
		time.Duration(cfg.Rollback.JournalRetentionMs)*time.Millisecond, cat, log.Logger)
	report := sweeper.Sweep(time.Now())
	if report.JournalsCleared > 0 || report.BackupsRestored > 0 {
		log.Info("recovery sweep finished",
			"journalsCleared", report.JournalsCleared,
			"backupsRestored", report.BackupsRestored,
			"committedPruned", report.CommittedPruned)
	}

	mgr, err := session.NewManager(session.Options{
		Config:      cfg,
		Workspace:   ws,
		Blobs:       blobs,
		Catalog:     cat,
		Logger:      log.Logger,
		ScratchPath: filepath.Join(cfg.Storage.DataDir, "active-session.json"),
	})
	if err != nil {
		return err
	}

	if cfg.Rollback.SweepOrphanBackups {
		keep := make(map[string]bool)
		if id, _ := mgr.Current(); id != "" {
			keep[id] = true
		}
		sweeper.SweepOrphans(ws.Dir(), keep)
	}

	w, err := watcher.New(ws, mgr,
		time.Duration(cfg.Workspace.DebounceMs)*time.Millisecond, log.Logger)
	if err != nil {
		return err
	}
	if err := w.Start(); err != nil {
		return err
	}

	log.Info("rewindd running",
		"workspace", ws.Dir(),
		"workspaceKey", ws.Key(),
		"dataDir", cfg.Storage.DataDir)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down")
	if err := w.Stop(); err != nil {
		log.Warn("watcher stop failed", "error", err)
	}
	if err := mgr.Close(); err != nil {
		log.Warn("final session finalize failed", "error", err)
	}
	return nil
}

func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format := logging.FormatText
	if cfg.Logging.Format == "json" {
		format = logging.FormatJSON
	}
	lcfg := logging.DefaultConfig()
	lcfg.Level = level
	lcfg.Format = format
	if cfg.Logging.Output != "" {
		lcfg.Output = cfg.Logging.Output
	}
	if cfg.Logging.FilePath != "" {
		lcfg.FilePath = cfg.Logging.FilePath
	}
	return logging.New(lcfg)
}

func openCatalog(cfg *config.Config) (catalog.Catalog, error) {
	if cfg.Storage.Type == "memory" {
		return catalog.NewMemory(), nil
	}
	return catalog.OpenSQLite(cfg.CatalogPath(), catalog.SQLiteOptions{
		LockTimeout: time.Duration(cfg.Storage.WriterLockTimeoutMs) * time.Millisecond,
	})
}

func ignorePatterns(cfg *config.Config) []string {
	if len(cfg.Workspace.IgnorePatterns) == 0 {
		return nil // package defaults
	}
	return cfg.Workspace.IgnorePatterns
}
