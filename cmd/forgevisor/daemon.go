package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/forgevisor/pkg/client"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the forgevisord daemon",
	Long: `Manage the forgevisord daemon.

The daemon owns the game server process. It keeps running when the CLI
exits, and stopping it waits for the server to stop first.`,
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the forgevisord daemon",
	Long:  `Start the forgevisord daemon in the background and wait until it is ready.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStart,
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the forgevisord daemon",
	Long:  `Stop the forgevisord daemon gracefully, stopping the game server first.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStop,
}

var daemonRestartCmd = &cobra.Command{
	Use:   "restart",
	Short: "Restart the forgevisord daemon",
	Long:  `Stop and start the forgevisord daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonRestart,
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the forgevisord daemon.`,
	Args:  cobra.NoArgs,
	RunE:  runDaemonStatus,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonRestartCmd)
	daemonCmd.AddCommand(daemonStatusCmd)

	daemonStopCmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait for the daemon to exit")
}

func runDaemonStart(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	paths := daemonPaths(cfg)
	if client.IsDaemonRunning(paths.PID) {
		printInfo("Daemon already running")
		return nil
	}

	printVerbose("starting daemon (pid file %s)", paths.PID)
	if err := client.StartDaemon(paths); err != nil {
		printVerbose("start failed: %v", err)
		return err
	}
	printInfo("Daemon started")
	return nil
}

func runDaemonStop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	paths := daemonPaths(cfg)
	printVerbose("checking PID file: %s", paths.PID)
	if !client.IsDaemonRunning(paths.PID) {
		return errors.New("daemon is not running")
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	printVerbose("sending shutdown request...")
	if err := client.StopDaemon(ctx, newClient(cfg), paths); err != nil {
		return err
	}
	printInfo("Daemon stopped")
	return nil
}

func runDaemonRestart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if client.IsDaemonRunning(daemonPaths(cfg).PID) {
		if err := runDaemonStop(cmd, args); err != nil {
			return fmt.Errorf("failed to stop daemon: %w", err)
		}
	}

	if err := runDaemonStart(cmd, args); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	return nil
}

func runDaemonStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if !client.IsDaemonRunning(daemonPaths(cfg).PID) {
		printInfo("Daemon status: not running")
		return nil
	}

	c := newClient(cfg)
	ctx, cancel := requestContext()
	defer cancel()

	report, err := c.Status(ctx)
	if err != nil {
		printInfo("Daemon status: running (but not responding)")
		printVerbose("status: %v", err)
		return nil
	}

	d := report.Daemon
	printInfo("Daemon status: running")
	printInfo("  PID: %d", d.PID)
	printInfo("  API: %s", c.Addr())
	printInfo("  Uptime: %s", d.Uptime)
	printInfo("  Watching mods: %t", d.Watching)
	printInfo("  Webhooks: %d", d.Webhooks)
	printInfo("  Console listeners: %d", d.Listeners)
	printInfo("  Server: %s", report.Server.State)
	return nil
}
