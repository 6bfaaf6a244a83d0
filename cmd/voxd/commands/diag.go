package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiroq/voxd/internal/diaglog"
	"github.com/tiroq/voxd/internal/ipc"
)

var diagDest string

var exportDiagCmd = &cobra.Command{
	Use:   "export-diag",
	Short: "Write a diagnostics bundle from the event log",
	Long: `Copy the NDJSON diagnostic event log into a bundle file, headed by the
current daemon status when one is available.

The event log is only written when the daemon runs with VOXD_DEBUG=true or
logging.diagnostic enabled.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		var status interface{}
		if snap, err := ipc.ReadStatus(stateDir(cfg)); err == nil {
			status = snap
		}
		diaglog.Version = Version
		path, n, err := diaglog.Export(diaglog.DefaultPath(), diagDest, status)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("%w\nhint: run the daemon with VOXD_DEBUG=true to enable the event log", err)
			}
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote: %s (%d lines)\n", path, n)
		return nil
	},
}

func init() {
	exportDiagCmd.Flags().StringVarP(&diagDest, "output", "o", ".", "directory for the bundle")
	rootCmd.AddCommand(exportDiagCmd)
}
