// Package daemon wires the villaged services together and owns their
// lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/villagemind/villaged/internal/config"
	"github.com/villagemind/villaged/internal/hub"
	"github.com/villagemind/villaged/internal/llm"
	"github.com/villagemind/villaged/internal/lockfile"
	"github.com/villagemind/villaged/internal/monitor"
	"github.com/villagemind/villaged/internal/server"
	"github.com/villagemind/villaged/internal/store"
	"github.com/villagemind/villaged/internal/tools"
)

type Options struct {
	Config *config.Config
	// ConfigPath is the path used to load the config file (used to derive
	// the default database location).
	ConfigPath string

	Version   string
	Commit    string
	BuildTime string
}

type Daemon struct {
	cfg *config.Config
	log *slog.Logger

	version string

	lock  *lockfile.Lock
	store *store.Store
	hub   *hub.Hub
	srv   *server.Server
}

func New(opts Options) (*Daemon, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config

	logger, err := newLogger(strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		return nil, err
	}

	cfgPath := strings.TrimSpace(opts.ConfigPath)
	if cfgPath == "" {
		cfgPath = config.DefaultConfigPath()
	}

	root := strings.TrimSpace(cfg.WorkspaceRoot)
	if root == "" {
		home, _ := os.UserHomeDir()
		root = strings.TrimSpace(home)
	}
	if root == "" {
		root = "."
	}
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}

	dbPath := cfg.DBPathOrDefault(cfgPath)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, err
	}
	lock, err := lockfile.Acquire(filepath.Join(filepath.Dir(dbPath), "villaged.lock"))
	if err != nil {
		if errors.Is(err, lockfile.ErrAlreadyLocked) {
			return nil, errors.New("another villaged instance is already running")
		}
		return nil, err
	}
	st, err := store.Open(dbPath)
	if err != nil {
		_ = lock.Release()
		return nil, fmt.Errorf("open store: %w", err)
	}

	zones := hub.DefaultZoneTable()
	if p := strings.TrimSpace(cfg.ZonesPath); p != "" {
		zones, err = hub.LoadZoneTable(p)
		if err != nil {
			_ = st.Close()
			_ = lock.Release()
			return nil, fmt.Errorf("load zones: %w", err)
		}
	}

	h := hub.New(hub.Options{
		Logger:       logger,
		Zones:        zones,
		DefaultAgent: strings.TrimSpace(cfg.DefaultAgent),
		QueueSize:    cfg.EventQueueSize,
		SendTimeout:  cfg.SendTimeoutOrDefault(),
	})

	runner := tools.NewRunner(logger, h)
	for _, def := range tools.Builtins(rootAbs, st) {
		if err := runner.Register(def); err != nil {
			h.Close()
			_ = st.Close()
			_ = lock.Release()
			return nil, err
		}
	}

	var llmSvc *llm.Service
	if len(cfg.Providers) > 0 {
		llmSvc = llm.NewService()
		for _, pc := range cfg.Providers {
			p, err := llm.NewProvider(pc.Kind, pc.APIKey, pc.BaseURL)
			if err != nil {
				h.Close()
				_ = st.Close()
				_ = lock.Release()
				return nil, err
			}
			if err := llmSvc.AddProvider(p, pc.Models); err != nil {
				h.Close()
				_ = st.Close()
				_ = lock.Release()
				return nil, err
			}
		}
	}

	srv, err := server.New(server.Options{
		Logger:  logger,
		Addr:    cfg.ListenAddrOrDefault(),
		Hub:     h,
		Runner:  runner,
		Store:   st,
		LLM:     llmSvc,
		Monitor: monitor.NewService(logger),
	})
	if err != nil {
		h.Close()
		_ = st.Close()
		_ = lock.Release()
		return nil, err
	}

	return &Daemon{
		cfg:     cfg,
		log:     logger,
		version: strings.TrimSpace(opts.Version),
		lock:    lock,
		store:   st,
		hub:     h,
		srv:     srv,
	}, nil
}

// Run serves until ctx is cancelled, then shuts everything down in reverse
// order.
func (d *Daemon) Run(ctx context.Context) error {
	if d == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if err := d.srv.Start(ctx); err != nil {
		return err
	}
	d.log.Info("villaged started", "version", d.version, "addr", d.srv.Addr())

	<-ctx.Done()

	d.log.Info("shutting down")
	err := d.srv.Close()
	d.hub.Close()
	if cerr := d.store.Close(); err == nil {
		err = cerr
	}
	_ = d.lock.Release()
	return err
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
