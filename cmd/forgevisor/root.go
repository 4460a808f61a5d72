package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jamesainslie/forgevisor/pkg/client"
	"github.com/jamesainslie/forgevisor/pkg/forge/config"
	"github.com/jamesainslie/forgevisor/pkg/forge/output"
)

// requestTimeout bounds one CLI request to the daemon.
const requestTimeout = 30 * time.Second

var (
	cfgFile string
	v       *viper.Viper
	vErr    error

	rootCmd = &cobra.Command{
		Use:   "forgevisor",
		Short: "Supervise a modded game server",
		Long: `forgevisor controls a game server supervised by forgevisord.

The daemon owns the server process, tracks the mod directory in mods.json,
journals events and delivers webhooks. This CLI talks to its HTTP API.

Examples:
  forgevisor init --accept-eula   # Create directories, config and eula.txt
  forgevisor start                # Start the daemon (if needed) and the server
  forgevisor send say hello       # Run a console command
  forgevisor console              # Live console
  forgevisor mods scan            # Reconcile mods.json now
  forgevisor history -e status    # Recent lifecycle events`,
		SilenceUsage: true,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	// Persistent flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ~/.config/forgevisor/config.yaml)")
	rootCmd.PersistentFlags().String("addr", "", "daemon API address (default: from the daemon status file, then api.listen)")
	rootCmd.PersistentFlags().String("token", "", "API bearer token")
	rootCmd.PersistentFlags().StringP("output", "o", "pretty", fmt.Sprintf("output format %v", output.Available()))
	rootCmd.PersistentFlags().String("template", "", "Go template for -o template")
	rootCmd.PersistentFlags().BoolP("quiet", "q", false, "minimal output")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug output")
}

// initConfig reads in config file and environment variables, then binds the
// persistent flags on top.
func initConfig() {
	v, vErr = config.New(cfgFile)
	if vErr != nil {
		return
	}

	flags := rootCmd.PersistentFlags()
	_ = v.BindPFlag("cli.addr", flags.Lookup("addr"))
	_ = v.BindPFlag("daemon.token", flags.Lookup("token"))
	_ = v.BindPFlag("cli.output", flags.Lookup("output"))
	_ = v.BindPFlag("cli.template", flags.Lookup("template"))
	_ = v.BindPFlag("cli.quiet", flags.Lookup("quiet"))
	_ = v.BindPFlag("cli.verbose", flags.Lookup("verbose"))
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// loadConfig returns the merged configuration.
func loadConfig() (*config.Config, error) {
	if vErr != nil {
		return nil, vErr
	}
	if v == nil {
		return nil, fmt.Errorf("configuration not initialised")
	}
	return config.FromViper(v)
}

// daemonPaths returns the daemon paths for cfg.
func daemonPaths(cfg *config.Config) client.DaemonPaths {
	return client.PathsFromConfig(cfg, v.ConfigFileUsed())
}

// newClient returns an API client. The address comes from --addr, then the
// running daemon's status file, then api.listen.
func newClient(cfg *config.Config) *client.Client {
	addr := v.GetString("cli.addr")
	if addr == "" {
		if listen, err := client.ListenAddr(daemonPaths(cfg)); err == nil {
			addr = listen
		} else {
			addr = cfg.API.Listen
		}
	}
	printVerbose("api: %s", addr)

	return client.New(addr,
		client.WithToken(cfg.Daemon.Token),
		client.WithSocket(cfg.SocketPath()))
}

// connect loads configuration and returns a client for a running daemon.
func connect() (*config.Config, *client.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if v.GetString("cli.addr") == "" && !client.IsDaemonRunning(cfg.PIDPath()) {
		return nil, nil, fmt.Errorf("forgevisord is not running (start it with: forgevisor daemon start)")
	}
	return cfg, newClient(cfg), nil
}

func requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), requestTimeout)
}

// render prints r in the selected output format.
func render(r *output.Result) error {
	name := v.GetString("cli.output")
	var f output.Formatter
	if tmpl := v.GetString("cli.template"); tmpl != "" {
		f = output.NewTemplateFormatter(tmpl)
	} else {
		var err error
		if f, err = output.Get(name); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := f.Format(&buf, r); err != nil {
		return err
	}
	_, err := os.Stdout.Write(buf.Bytes())
	return err
}

// getVerbose returns true if verbose mode is enabled.
func getVerbose() bool {
	return v != nil && v.GetBool("cli.verbose")
}

// getQuiet returns true if quiet mode is enabled.
func getQuiet() bool {
	return v != nil && v.GetBool("cli.quiet")
}

// printVerbose prints a message if verbose mode is enabled.
func printVerbose(format string, args ...interface{}) {
	if getVerbose() && !getQuiet() {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// printInfo prints a message if quiet mode is not enabled.
func printInfo(format string, args ...interface{}) {
	if !getQuiet() {
		fmt.Printf(format+"\n", args...)
	}
}
