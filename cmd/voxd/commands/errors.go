package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tiroq/voxd/internal/faults"
	"github.com/tiroq/voxd/internal/ipc"
)

var (
	errorsLimit int
	errorsJSON  bool
)

var errorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "Show recent classified failures",
	Long: `Show the most recent failures recorded by the daemon, newest last, with
their category, severity and the recovery action taken.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		snap, err := ipc.ReadStatus(stateDir(cfg))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("voxd is not running")
			}
			return fmt.Errorf("failed to read status: %w", err)
		}
		if errorsLimit > recentErrors {
			fmt.Fprintf(cmd.ErrOrStderr(), "the daemon publishes only its last %d records\n", recentErrors)
		}
		recs := snap.RecentErrors
		if errorsLimit > 0 && len(recs) > errorsLimit {
			recs = recs[len(recs)-errorsLimit:]
		}
		if errorsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}
		renderErrors(cmd.OutOrStdout(), recs)
		return nil
	},
}

func init() {
	errorsCmd.Flags().IntVarP(&errorsLimit, "limit", "n", 10, fmt.Sprintf("number of records to show, at most %d", recentErrors))
	errorsCmd.Flags().BoolVar(&errorsJSON, "json", false, "print records as JSON")
	rootCmd.AddCommand(errorsCmd)
}

func renderErrors(w io.Writer, recs []faults.Record) {
	s := newStyles()
	if len(recs) == 0 {
		fmt.Fprintln(w, s.Good.Render("no errors recorded"))
		return
	}
	for _, r := range recs {
		sev := s.Warn
		switch r.Severity {
		case faults.SeverityFatal:
			sev = s.Bad
		case faults.SeverityRecoverable:
			sev = s.Dim
		}
		fmt.Fprintf(w, "%s %-11s %-13s %-8s %s: %s",
			s.Dim.Render(r.Timestamp.Format("15:04:05")),
			sev.Render(string(r.Severity)),
			r.Category, r.Action, r.Op, r.Message)
		if r.Retries > 0 {
			fmt.Fprintf(w, " (retry %d)", r.Retries)
		}
		fmt.Fprintln(w)
	}
}
