package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/forgevisor/pkg/client"
	"github.com/jamesainslie/forgevisor/pkg/daemon"
	"github.com/jamesainslie/forgevisor/pkg/daemon/store"
	"github.com/jamesainslie/forgevisor/pkg/forge/config"
	"github.com/jamesainslie/forgevisor/pkg/forge/output"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "View the event journal",
	Long: `View recent events recorded by the daemon, newest first.

The journal holds status, mod and version events. Console output is not
journaled; use "forgevisor console" for that. When the daemon is stopped
the journal is read from disk.`,
	Example: `  forgevisor history
  forgevisor history -e status --since 24h
  forgevisor history -e modAddition -o json`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

var (
	historyLimit int
	historyEvent string
	historySince time.Duration
)

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "l", 20, "maximum number of entries to show")
	historyCmd.Flags().StringVarP(&historyEvent, "event", "e", "", "only show this event (status, modAddition, ...)")
	historyCmd.Flags().DurationVar(&historySince, "since", 0, "only show events newer than this (e.g. 1h)")

	rootCmd.AddCommand(historyCmd)
}

func historyQuery() (store.Query, error) {
	if historyLimit < 0 {
		return store.Query{}, fmt.Errorf("invalid --limit %d", historyLimit)
	}
	q := store.Query{Limit: historyLimit, Event: historyEvent}
	if historySince > 0 {
		q.Since = time.Now().Add(-historySince)
	}
	return q, nil
}

// runHistory lists journal entries.
func runHistory(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	q, err := historyQuery()
	if err != nil {
		return err
	}

	var entries []store.Entry
	if v.GetString("cli.addr") != "" || client.IsDaemonRunning(cfg.PIDPath()) {
		c := newClient(cfg)
		ctx, cancel := requestContext()
		defer cancel()

		if entries, err = c.History(ctx, q); err != nil {
			return err
		}
	} else if entries, err = localHistory(cfg, q); err != nil {
		return err
	}

	return render(&output.Result{History: historyFrom(entries)})
}

// localHistory reads the journal directly. Only valid while the daemon,
// which holds the journal lock, is stopped.
func localHistory(cfg *config.Config, q store.Query) ([]store.Entry, error) {
	dir := daemon.JournalDir(cfg.DataPath())
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil, nil
	}

	printVerbose("reading journal %s", dir)
	journal, err := store.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	return journal.List(q)
}
