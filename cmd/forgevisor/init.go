package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jamesainslie/forgevisor/pkg/forge/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Prepare the server directory",
	Long: `Create the server, mod and data directories and a default config file.

The game server refuses to start until its EULA is accepted. Pass
--accept-eula to write eula.txt after reading https://aka.ms/MinecraftEULA.`,
	Args: cobra.NoArgs,
	RunE: runInit,
}

func init() {
	initCmd.Flags().Bool("accept-eula", false, "accept the Minecraft EULA (writes eula.txt)")
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, _ []string) error {
	if cfgFile == "" {
		path, err := config.WriteDefault()
		if err != nil {
			return err
		}
		printInfo("Config: %s", path)
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	for _, dir := range []string{cfg.Server.Dir, cfg.ModsDir(), cfg.DataPath()} {
		printVerbose("creating %s", dir)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}
	printInfo("Server directory: %s", cfg.Server.Dir)
	printInfo("Mods directory: %s", cfg.ModsDir())

	accept, _ := cmd.Flags().GetBool("accept-eula")
	if !accept {
		printInfo("EULA not accepted; rerun with --accept-eula before starting the server")
		return nil
	}
	path, err := writeEULA(cfg.Server.Dir)
	if err != nil {
		return err
	}
	printInfo("Accepted EULA: %s", path)
	return nil
}

// writeEULA writes an accepted eula.txt into dir.
func writeEULA(dir string) (string, error) {
	path := filepath.Join(dir, "eula.txt")
	content := "# Accepted with forgevisor init --accept-eula\neula=true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("writing eula.txt: %w", err)
	}
	return path, nil
}
