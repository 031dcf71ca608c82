package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/zoobzio/treez/internal/config"
	"github.com/zoobzio/treez/internal/logger"
)

var (
	versionMajorColor = color.New(color.FgYellow, color.Bold)
	versionMinorColor = color.New(color.FgGreen, color.Bold)

	// Version is the version of the binary. Overridden at build time via -ldflags.
	Version = versionMajorColor.Sprint("0") + "." + versionMinorColor.Sprint("1") + ".0-dev"
)

var rootCmd = &cobra.Command{
	Use:   "treez",
	Short: "Real-time trace tree aggregation",
	Long:  `treez assembles span lifecycle notifications into trace trees and prints or publishes them`,
	// Commands print their own errors through the logger.
	SilenceUsage: true,
}

func main() {
	rootCmd.Version = Version

	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(listenCmd)

	rootCmd.PersistentFlags().String("config", "", "path to a TOML configuration file")
	rootCmd.PersistentFlags().String("color", "", "colorize output (auto|on|off)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (trace|debug|info|warn|error)")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the configuration file and applies command line overrides,
// then initializes the global logger.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Root().PersistentFlags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if v, _ := cmd.Root().PersistentFlags().GetString("color"); v != "" {
		cfg.Render.Color = v
	}
	if v, _ := cmd.Root().PersistentFlags().GetString("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return config.Config{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

func useColor(setting string, f *os.File) bool {
	return setting == "on" || (setting == "auto" && isTerminal(f))
}

func isTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd())) //nolint:gosec // file descriptors fit in int
}
