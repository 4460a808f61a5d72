// Package main provides the forgevisord daemon, which supervises the game
// server and serves the operator API.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/forgevisor/pkg/daemon"
	"github.com/jamesainslie/forgevisor/pkg/forge/config"
	"github.com/jamesainslie/forgevisor/pkg/forge/logging"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "forgevisord",
	Short:        "Game server supervisor daemon",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/forgevisor/config.yaml)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logCfg, err := cfg.LoggingOptions()
	if err != nil {
		return err
	}
	if err := logging.Init(logCfg); err != nil {
		return fmt.Errorf("initializing logging: %w", err)
	}
	defer func() { _ = logging.Close() }()

	if daemon.IsDaemonRunning(cfg.PIDPath()) {
		return errors.New("forgevisord is already running")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log := logging.Get("daemon")
	log.Info("forgevisord starting", "config", cfgFile, "pid", os.Getpid())

	if err := daemon.Run(ctx, cfg); err != nil {
		log.Error("forgevisord stopped", "error", err)
		return err
	}
	log.Info("forgevisord stopped")
	return nil
}
