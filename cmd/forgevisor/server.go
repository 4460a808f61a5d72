package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/forgevisor/pkg/client"
	"github.com/jamesainslie/forgevisor/pkg/forge/output"
	"github.com/jamesainslie/forgevisor/pkg/forge/supervisor"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the game server",
	Long: `Start the game server, launching forgevisord first if it is not running.

Before spawning, the daemon reconciles the installed version and mods.json.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the game server",
	Long:  `Send "stop" to the server console. The server is never killed.`,
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var sendCmd = &cobra.Command{
	Use:   "send <command...>",
	Short: "Send a console command",
	Example: `  forgevisor send say hello
  forgevisor send whitelist add Steve`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

var opCmd = &cobra.Command{
	Use:   "op <player>",
	Short: "Grant operator status",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runPlayer(args[0], (*client.Client).Op, "Opped")
	},
}

var deopCmd = &cobra.Command{
	Use:   "deop <player>",
	Short: "Revoke operator status",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return runPlayer(args[0], (*client.Client).Deop, "Deopped")
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server and daemon status",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var worldCmd = &cobra.Command{
	Use:   "world",
	Short: "Manage world directories",
}

var worldRmCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"remove"},
	Short:   "Delete a world directory",
	Long:    `Delete a world directory inside the server directory. The server must be stopped.`,
	Args:    cobra.ExactArgs(1),
	RunE:    runWorldRm,
}

func init() {
	startCmd.Flags().Bool("wait", false, "wait until the server is running")
	startCmd.Flags().Duration("timeout", 10*time.Minute, "how long --wait waits")
	stopCmd.Flags().Bool("wait", false, "wait until the server has exited")
	stopCmd.Flags().Duration("timeout", 5*time.Minute, "how long --wait waits")

	worldCmd.AddCommand(worldRmCmd)
	rootCmd.AddCommand(startCmd, stopCmd, sendCmd, opCmd, deopCmd, statusCmd, worldCmd)
}

func runStart(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	printVerbose("ensuring daemon is running")
	if err := client.EnsureDaemon(daemonPaths(cfg)); err != nil {
		return err
	}

	c := newClient(cfg)
	ctx, cancel := requestContext()
	defer cancel()

	if err := c.Start(ctx); err != nil {
		if client.IsStatus(err, http.StatusConflict) && strings.Contains(err.Error(), supervisor.ErrAlreadyRunning.Error()) {
			printInfo("Server is already running")
			return nil
		}
		return err
	}
	printInfo("Server starting")

	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return waitForState(c, timeout, supervisor.Running)
	}
	return nil
}

func runStop(cmd *cobra.Command, _ []string) error {
	_, c, err := connect()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()
	if err := c.Stop(ctx); err != nil {
		return err
	}
	printInfo("Stop sent")

	if wait, _ := cmd.Flags().GetBool("wait"); wait {
		timeout, _ := cmd.Flags().GetDuration("timeout")
		return waitForState(c, timeout, supervisor.Exited, supervisor.Stopped)
	}
	return nil
}

// waitForState polls status until the server reaches one of want. Reaching
// Exited while waiting for Running is an error.
func waitForState(c *client.Client, timeout time.Duration, want ...supervisor.State) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		report, err := c.Status(ctx)
		if err != nil {
			return err
		}
		state := report.Server.State
		for _, w := range want {
			if state == w {
				printInfo("Server %s", state)
				return nil
			}
		}
		if state == supervisor.Exited {
			return fmt.Errorf("server exited: %s", report.Server.LastExit)
		}
		printVerbose("server %s", state)

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return fmt.Errorf("server still %s after %s", state, timeout)
		}
	}
}

func runSend(_ *cobra.Command, args []string) error {
	_, c, err := connect()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()
	return c.Command(ctx, strings.Join(args, " "))
}

func runPlayer(player string, fn func(*client.Client, context.Context, string) error, verb string) error {
	_, c, err := connect()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()
	if err := fn(c, ctx, player); err != nil {
		return err
	}
	printInfo("%s %s", verb, player)
	return nil
}

func runStatus(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if v.GetString("cli.addr") == "" && !client.IsDaemonRunning(cfg.PIDPath()) {
		return render(&output.Result{
			Server:   &output.ServerInfo{State: supervisor.Stopped.String(), Dir: cfg.Server.Dir, Command: cfg.Server.Command},
			Warnings: []string{"forgevisord is not running"},
		})
	}

	c := newClient(cfg)
	ctx, cancel := requestContext()
	defer cancel()

	report, err := c.Status(ctx)
	if err != nil {
		return err
	}

	health := ""
	if status, err := c.Health(ctx); err == nil {
		health = status.String()
	} else {
		printVerbose("health check: %v", err)
	}
	return render(statusResult(report, health))
}

func runWorldRm(_ *cobra.Command, args []string) error {
	_, c, err := connect()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()
	if err := c.RemoveWorld(ctx, args[0]); err != nil {
		return err
	}
	printInfo("Removed world %s", args[0])
	return nil
}
