package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/offload/internal/config"
)

var (
	configInitPath  string
	configInitForce bool
)

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
		Long: `Manage offload configuration. Subcommands allow viewing the resolved
configuration and writing a starter file.`,
		Example: `  offload config show
  offload config init --path offload.yaml`,
	}

	cmd.AddCommand(
		newConfigShowCmd(),
		newConfigInitCmd(),
	)

	return cmd
}

func newConfigShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Display current configuration",
		Long: `Display the current configuration in YAML format, followed by any
validation problems. If a config file is loaded, shows the loaded
configuration; otherwise the defaults.`,
		Example: `  offload config show
  offload config show --config /etc/offload/offload.yaml`,
		RunE: configShowRun,
	}

	return cmd
}

func configShowRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	log.Debug("showing configuration", "path", cfgPath)

	data, err := globalCfg.Marshal()
	if err != nil {
		return err
	}

	fmt.Println("Current Configuration:")
	fmt.Println("======================")
	fmt.Println(string(data))

	if err := globalCfg.Validate(); err != nil {
		fmt.Println("Problems:")
		fmt.Println(err)
	}

	return nil
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Write a config file with the defaults filled in and placeholder source
and destination paths. The overwrite policy is set to fail; change it
deliberately if re-runs should skip or overwrite existing files.`,
		Example: `  offload config init
  offload config init --path ~/.config/offload/offload.yaml`,
		Args: cobra.NoArgs,
		RunE: configInitRun,
	}

	cmd.Flags().StringVar(&configInitPath, "path", "offload.yaml", "where to write the config file")
	cmd.Flags().BoolVar(&configInitForce, "force", false, "replace an existing file")

	return cmd
}

func configInitRun(cmd *cobra.Command, args []string) error {
	log := slog.Default()

	if _, err := os.Stat(configInitPath); err == nil && !configInitForce {
		return fmt.Errorf("%s already exists (use --force to replace it)", configInitPath)
	} else if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("checking %s: %w", configInitPath, err)
	}

	cfg := config.DefaultConfig()
	cfg.Source = "/media/CARD_A"
	cfg.Destinations = []string{"/mnt/raid/offload", "/mnt/shuttle/offload"}
	cfg.OverwritePolicy = "fail"
	cfg.Exclude = []string{".DS_Store", "._*", ".Spotlight-V100/**", ".Trashes/**"}
	cfg.ReportPath = "offload-report.json.zst"

	data, err := cfg.Marshal()
	if err != nil {
		return err
	}
	if dir := filepath.Dir(configInitPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(configInitPath, data, 0o644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info("config written", "path", configInitPath)
	fmt.Printf("Wrote %s\n", configInitPath)
	return nil
}
