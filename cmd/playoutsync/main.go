// Package main implements the playoutsync daemon, the dual-layer video
// playout synchronization controller.
//
// playoutsync is designed for 24/7 unattended operation, driving one or
// more remote playout engines over AMCP and keeping every configured slot
// within tolerance of a shared loop clock.
//
// Usage:
//
//	playoutsync [options]
//
// Options:
//
//	--config=PATH   Path to config file (default: /etc/playoutsync/config.json)
//	--log-level=LEVEL Log level: debug, info, warn, error (default: info)
//	--help          Show this help message
//
// The PORT environment variable, if set, overrides the configured HTTP
// listen port (spec.md §6). SIGINT/SIGTERM trigger graceful shutdown.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/playoutsync/engine/internal/amcp"
	"github.com/playoutsync/engine/internal/config"
	"github.com/playoutsync/engine/internal/drift"
	"github.com/playoutsync/engine/internal/httpapi"
	"github.com/playoutsync/engine/internal/lock"
	"github.com/playoutsync/engine/internal/playout"
	"github.com/playoutsync/engine/internal/supervisor"
)

// Build information (set by ldflags)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const (
	exitSuccess = 0
	exitError   = 1

	// defaultLockPath guards against two playoutsync processes running
	// against the same config directory at once.
	defaultLockPath = "/var/run/playoutsync/playoutsync.lock"

	// defaultAuditPath records every AMCP batch sent to a remote engine.
	defaultAuditPath = "/var/log/playoutsync/amcp-audit.jsonl"
)

// Command line flags
var (
	configPath = flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	showHelp   = flag.Bool("help", false, "Show help message")
)

func main() {
	flag.Parse()

	if *showHelp {
		printUsage()
		os.Exit(exitSuccess)
	}

	logger := newLogger(*logLevel)
	logger.Info("starting playoutsync", "version", Version, "commit", Commit, "built", BuildTime)

	if err := run(context.Background(), logger); err != nil {
		logger.Error("fatal", "error", err)
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

// run builds and serves the process, returning only once every supervised
// service has stopped (or an unrecoverable startup error occurs).
func run(parent context.Context, logger *slog.Logger) error {
	fl, err := lock.NewFileLock(defaultLockPath)
	if err != nil {
		return fmt.Errorf("create lock: %w", err)
	}
	if err := fl.Acquire(lock.DefaultAcquireTimeout); err != nil {
		return fmt.Errorf("acquire single-instance lock (another playoutsync running?): %w", err)
	}
	defer func() {
		if err := fl.Release(); err != nil {
			logger.Warn("release lock failed", "error", err)
		}
	}()

	doc, err := loadConfiguration(*configPath)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	logger.Info("loaded configuration", "path", *configPath, "slots", len(doc.Slots))

	addr := listenAddr(doc.Settings.ListenAddr)

	audit, err := amcp.NewAuditLog(defaultAuditPath)
	if err != nil {
		logger.Warn("audit log unavailable, continuing without one", "error", err)
		audit = nil
	}

	sup := supervisor.New(supervisor.Config{
		Name:            "playoutsync",
		ShutdownTimeout: 10 * time.Second,
		Logger:          logger,
	})

	registry := amcp.NewRegistry(nil, logger, audit, func(c *amcp.Conn) {
		if err := sup.Add(c); err != nil {
			logger.Warn("failed to register connection", "addr", c.Addr(), "error", err)
		}
	})

	pc := playout.NewController(doc.Settings.ToSettings(), doc.RuntimeSlots(), registry, logger)

	dc := drift.New(pc, logger)
	if err := sup.Add(dc); err != nil {
		return fmt.Errorf("register drift controller: %w", err)
	}

	persist := &fileConfigPersister{
		configPath:  *configPath,
		backupDir:   doc.Settings.BackupDir,
		keepBackups: doc.Settings.KeepBackups,
		listenAddr:  doc.Settings.ListenAddr,
		logger:      logger,
	}

	server := httpapi.New(addr, pc, registry, dc, logger, httpapi.WithPersister(persist))
	if err := sup.Add(server); err != nil {
		return fmt.Errorf("register http server: %w", err)
	}

	// Connections referenced by the initial, already-enabled slot set are
	// created eagerly so they start dialing immediately rather than
	// waiting for the first batch dispatch.
	for _, s := range pc.Slots() {
		if s.Enabled {
			registry.Get(amcp.Addr(s.Host, s.Port))
		}
	}

	ctx := setupSignalHandler(parent, logger)

	logger.Info("supervisor starting", "services", sup.ServiceCount(), "listen", addr)
	err = sup.Run(ctx)
	if err != nil && errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("shutdown complete")
	return err
}

// setupSignalHandler returns a context cancelled on SIGINT/SIGTERM.
func setupSignalHandler(parent context.Context, logger *slog.Logger) context.Context {
	ctx, cancel := context.WithCancel(parent)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()
	return ctx
}

// loadConfiguration loads the config file, writing and using the default
// document if none exists yet.
func loadConfiguration(path string) (*config.Document, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		doc := config.DefaultDocument()
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("create config directory: %w", err)
		}
		if err := doc.Save(path); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return doc, nil
	}
	return config.LoadFile(path)
}

// listenAddr applies the PORT environment variable override (spec.md §6)
// on top of the configured listen address's host part.
func listenAddr(configured string) string {
	port := os.Getenv("PORT")
	if port == "" {
		if configured == "" {
			return ":8080"
		}
		return configured
	}
	host, _, err := net.SplitHostPort(configured)
	if err != nil {
		host = ""
	}
	return net.JoinHostPort(host, port)
}

// fileConfigPersister implements httpapi.Persister against the on-disk
// config document: every save is preceded by a timestamped backup of the
// previous file, with old backups pruned to keepBackups.
type fileConfigPersister struct {
	configPath  string
	backupDir   string
	keepBackups int
	listenAddr  string
	logger      *slog.Logger
}

func (p *fileConfigPersister) Save(settings playout.Settings, slots []playout.Slot) error {
	doc := &config.Document{
		Settings: config.FromSettings(settings, p.configPath, p.backupDir, p.keepBackups, p.listenAddr),
		Slots:    make([]config.SlotDoc, len(slots)),
	}
	for i, s := range slots {
		doc.Slots[i] = config.FromSlot(s)
	}

	backupDir := p.backupDir
	if backupDir == "" {
		backupDir = config.GetBackupDir(p.configPath)
	}

	if _, err := config.BackupBeforeSave(doc, p.configPath, backupDir); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	keep := p.keepBackups
	if keep <= 0 {
		keep = config.DefaultKeepBackups
	}
	if _, err := config.CleanOldBackups(backupDir, filepath.Base(p.configPath), keep); err != nil {
		p.logger.Warn("prune old backups failed", "error", err)
	}
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func printUsage() {
	fmt.Println("playoutsync - dual-layer video playout synchronization controller")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  playoutsync [options]")
	fmt.Println()
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  PORT   overrides the configured HTTP listen port")
}
