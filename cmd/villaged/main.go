package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/villagemind/villaged/internal/config"
	"github.com/villagemind/villaged/internal/daemon"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "init":
		initCmd(os.Args[2:])
	case "run":
		runCmd(os.Args[2:])
	case "version":
		fmt.Printf("villaged %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `villaged

Usage:
  villaged init [flags]
  villaged run [flags]
  villaged version

Commands:
  init        Write a default config file.
  run         Run the village daemon using the local config file.
  version     Print build information.

`)
}

func initCmd(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	addr := fs.String("addr", "", "HTTP bind address (default: 127.0.0.1:8765)")
	_ = fs.Parse(args)

	p := filepath.Clean(*cfgPath)
	if _, err := os.Stat(p); err == nil {
		fmt.Fprintf(os.Stderr, "config already exists: %s\n", p)
		os.Exit(1)
	}

	cfg := &config.Config{ListenAddr: *addr}
	if err := config.Save(p, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write config: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Config written: %s\n", p)
}

func runCmd(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	_ = fs.Parse(args)

	p := filepath.Clean(*cfgPath)
	cfg, err := config.Load(p)
	if errors.Is(err, os.ErrNotExist) {
		// Run with defaults when no config was ever written; everything has
		// a workable local default except model providers.
		cfg = &config.Config{}
	} else if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	d, err := daemon.New(daemon.Options{
		Config:     cfg,
		ConfigPath: p,
		Version:    Version,
		Commit:     Commit,
		BuildTime:  BuildTime,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init daemon: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-stop
		cancel()
	}()

	if err := d.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "daemon exited with error: %v\n", err)
		os.Exit(1)
	}
}
