package main

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/forgevisor/pkg/client"
	"github.com/jamesainslie/forgevisor/pkg/forge/config"
	"github.com/jamesainslie/forgevisor/pkg/forge/manifest"
	"github.com/jamesainslie/forgevisor/pkg/forge/moddiff"
	"github.com/jamesainslie/forgevisor/pkg/forge/output"
)

var modsCmd = &cobra.Command{
	Use:   "mods",
	Short: "Inspect and reconcile the mod directory",
}

var modsListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List mods recorded in mods.json",
	Long: `List the mods recorded in mods.json with their SHA-512 hashes.

When the daemon is not running the manifest is read from disk.`,
	Args: cobra.NoArgs,
	RunE: runModsList,
}

var modsScanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Reconcile mods.json with the mod directory",
	Long: `Scan the mod directory, diff it against mods.json and publish
modAddition, modUpdate and modDeletion events through the daemon.

--dry-run only reports the diff. --offline reconciles mods.json directly
without the daemon; no events are published.`,
	Example: `  forgevisor mods scan
  forgevisor mods scan --dry-run
  forgevisor mods scan --offline -o json`,
	Args: cobra.NoArgs,
	RunE: runModsScan,
}

func init() {
	modsScanCmd.Flags().Bool("dry-run", false, "report changes without writing mods.json")
	modsScanCmd.Flags().Bool("offline", false, "reconcile mods.json without the daemon")
	modsScanCmd.MarkFlagsMutuallyExclusive("dry-run", "offline")

	modsCmd.AddCommand(modsListCmd, modsScanCmd)
	rootCmd.AddCommand(modsCmd)
}

func runModsList(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if v.GetString("cli.addr") != "" || client.IsDaemonRunning(cfg.PIDPath()) {
		c := newClient(cfg)
		ctx, cancel := requestContext()
		defer cancel()

		report, err := c.Mods(ctx)
		if err == nil {
			return render(&output.Result{
				Mods: modsFromRecords(report.Records, report.Dir),
				Scan: scanInfoFromSummary(report.LastScan),
			})
		}
		printVerbose("daemon mods: %v", err)
	}

	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return err
	}
	return render(&output.Result{
		Mods:     modsFromRecords(m.Records(), cfg.ModsDir()),
		Warnings: []string{"forgevisord is not running; showing " + cfg.ManifestPath()},
	})
}

func runModsScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	offline, _ := cmd.Flags().GetBool("offline")

	switch {
	case dryRun:
		return dryRunScan(cfg)
	case offline:
		if client.IsDaemonRunning(cfg.PIDPath()) {
			return errors.New("forgevisord is running and owns mods.json; scan without --offline")
		}
		return offlineScan(cfg)
	}

	_, c, err := connect()
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()
	report, err := c.Scan(ctx)
	if err != nil {
		return err
	}

	info := scanInfoFrom(report.Scanned, report.Changes, report.Skipped)
	info.Time = time.Now()
	return render(&output.Result{Scan: info, Changes: changesFrom(report.Changes)})
}

func localEngine(cfg *config.Config) *moddiff.Engine {
	return moddiff.New(moddiff.Options{
		ModDir:       cfg.ModsDir(),
		ManifestPath: cfg.ManifestPath(),
		HashWorkers:  cfg.Mods.HashWorkers,
	})
}

func dryRunScan(cfg *config.Config) error {
	m, err := manifest.Load(cfg.ManifestPath())
	if err != nil {
		return err
	}

	ctx, cancel := requestContext()
	defer cancel()
	res, err := localEngine(cfg).Scan(ctx, cfg.ModsDir(), m)
	if err != nil {
		return err
	}

	info := scanInfoFrom(res.Scanned, res.Changes, res.Skipped)
	info.Time = time.Now()
	info.Offline = true
	return render(&output.Result{Scan: info, Changes: changesFrom(res.Changes)})
}

func offlineScan(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	res, err := localEngine(cfg).Reconcile(ctx, nil)
	if err != nil {
		return err
	}

	info := scanInfoFrom(res.Scanned, res.Changes, res.Skipped)
	info.Time = time.Now()
	info.Offline = true
	return render(&output.Result{Scan: info, Changes: changesFrom(res.Changes)})
}
