// Command skillhost manages and runs skills: external helper processes the
// host supervises behind a capability gate.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/skillhost-dev/skillhost/config"
	"github.com/skillhost-dev/skillhost/daemon"
)

var (
	flagConfig  string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:   "skillhost",
	Short: "Manage and run sandboxed skill processes",
	Long: "skillhost runs external helper processes (\"skills\") behind a\n" +
		"line-oriented control protocol, a supervisor with restart policy,\n" +
		"and a capability gate requiring user approval for privileged access.",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		level := slog.LevelInfo
		if flagVerbose {
			level = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.skillhost/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(removeCmd)
	rootCmd.AddCommand(enableCmd)
	rootCmd.AddCommand(disableCmd)
	rootCmd.AddCommand(invokeCmd)
	rootCmd.AddCommand(authorizeCmd)
	rootCmd.AddCommand(revokeCmd)
	rootCmd.AddCommand(grantsCmd)
	rootCmd.AddCommand(credentialsCmd)
	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(doctorCmd)
	rootCmd.AddCommand(daemonCmd)
}

// loadSettings merges defaults, the config file, and SKILLHOST_* overrides.
func loadSettings() (config.Settings, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return config.Settings{}, fmt.Errorf("load config: %w", err)
	}
	if err := config.EnsureDir(cfg.DataDir); err != nil {
		return config.Settings{}, err
	}
	return cfg, nil
}

// buildContainer wires the runtime for one command invocation.
func buildContainer() (*daemon.Container, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, err
	}
	return daemon.New(cfg, daemon.WithLogger(slog.Default()))
}
