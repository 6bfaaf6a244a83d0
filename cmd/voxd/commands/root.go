package commands

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/tiroq/voxd/internal/config"
	"github.com/tiroq/voxd/internal/ipc"
)

var (
	// Version is set at build time via
	// -ldflags "-X github.com/tiroq/voxd/cmd/voxd/commands.Version=..."
	Version = "dev"

	// Global flags
	verbose    bool
	configPath string
)

var rootCmd = &cobra.Command{
	Use:   "voxd",
	Short: "Voice dictation daemon with backend failover",
	Long: `voxd - a dictation daemon that captures speech and routes it to the
first healthy recognition backend.

The daemon is started with 'voxd run'. The other commands talk to a running
daemon through ~/.cache/voxd (status.json and cmd.txt).

Configuration is read from ~/.config/voxd/config.yaml unless --config is
given. Without a file the built-in defaults (a local Vosk model) are used.

Examples:
  # Start the daemon
  voxd run

  # Inspect it
  voxd status
  voxd errors --limit 20

  # Pin a backend, or return to priority order
  voxd switch whisper-local
  voxd switch`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath(), "config file")
}

// loadConfig reads the config file. A missing file is not an error; the
// defaults apply.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil && !errors.Is(err, config.ErrNotFound) {
		return nil, err
	}
	return cfg, nil
}

// stateDir is where status.json and cmd.txt live.
func stateDir(cfg *config.Config) string {
	if cfg != nil && cfg.Daemon.StatusDir != "" {
		return cfg.Daemon.StatusDir
	}
	return ipc.Dir()
}

// IsVerbose returns whether verbose mode is enabled.
func IsVerbose() bool {
	return verbose
}
