package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/tiroq/voxd/internal/health"
	"github.com/tiroq/voxd/internal/ipc"
	"github.com/tiroq/voxd/internal/lifecycle"
	"github.com/tiroq/voxd/internal/pidfile"
	"github.com/tiroq/voxd/internal/router"
)

// staleAfter marks a status file nobody has rewritten for a while.
const staleAfter = 3 * statusInterval

var statusJSON bool

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running daemon's state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		snap, err := ipc.ReadStatus(stateDir(cfg))
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("voxd is not running (no status file in %s)", stateDir(cfg))
			}
			return fmt.Errorf("failed to read status: %w", err)
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(snap)
		}
		_, alive := pidfile.Running(pidfile.Path("voxd"))
		renderStatus(cmd.OutOrStdout(), snap, alive && !snap.Stale(staleAfter))
		return nil
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print the raw status snapshot")
	rootCmd.AddCommand(statusCmd)
}

// styles for status output.
type styles struct {
	Title lipgloss.Style
	Label lipgloss.Style
	Dim   lipgloss.Style
	Good  lipgloss.Style
	Warn  lipgloss.Style
	Bad   lipgloss.Style
}

func newStyles() styles {
	return styles{
		Title: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f")),
		Label: lipgloss.NewStyle().Bold(true),
		Dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681")),
		Good:  lipgloss.NewStyle().Foreground(lipgloss.Color("#3fb950")),
		Warn:  lipgloss.NewStyle().Foreground(lipgloss.Color("#d29922")),
		Bad:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f85149")),
	}
}

func (s styles) daemonState(st lifecycle.State) string {
	switch st {
	case lifecycle.StateRunning:
		return s.Good.Render(string(st))
	case lifecycle.StateDegraded, lifecycle.StateStarting, lifecycle.StateStopping:
		return s.Warn.Render(string(st))
	case lifecycle.StateFailed:
		return s.Bad.Render(string(st))
	default:
		return s.Dim.Render(string(st))
	}
}

func (s styles) backendState(st router.State) string {
	switch st {
	case router.StateReady:
		return s.Good.Render(string(st))
	case router.StateDegraded:
		return s.Warn.Render(string(st))
	case router.StateFailed:
		return s.Bad.Render(string(st))
	default:
		return s.Dim.Render(string(st))
	}
}

func (s styles) check(st health.Status) string {
	switch st {
	case health.StatusHealthy:
		return s.Good.Render(string(st))
	case health.StatusWarning:
		return s.Warn.Render(string(st))
	default:
		return s.Bad.Render(string(st))
	}
}

func renderStatus(w io.Writer, snap *ipc.StatusSnapshot, alive bool) {
	s := newStyles()
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s  %s\n", s.Title.Render("voxd"), s.Dim.Render(snap.Version), s.daemonState(snap.State))
	if !alive {
		fmt.Fprintf(&b, "%s\n", s.Bad.Render(fmt.Sprintf(
			"status is stale: last written %s ago, the daemon is probably not running",
			time.Since(snap.Timestamp).Round(time.Second))))
	}
	fmt.Fprintf(&b, "%s pid %d, up %s, state since %s\n", s.Label.Render("Process:"),
		snap.PID, time.Since(snap.StartedAt).Round(time.Second), snap.Since.Format(time.Kitchen))
	if snap.Reason != "" {
		fmt.Fprintf(&b, "%s %s\n", s.Label.Render("Reason:"), snap.Reason)
	}

	active := snap.Active
	if active == "" {
		active = s.Bad.Render("none")
	}
	fmt.Fprintf(&b, "\n%s %s\n", s.Label.Render("Active backend:"), active)
	for _, d := range snap.Backends {
		marker := " "
		if d.Active {
			marker = "*"
		}
		line := fmt.Sprintf("  %s %-16s p%-2d %-10s %d/%d ok", marker, d.Name, d.Priority,
			s.backendState(d.State), d.Successes, d.Requests)
		if d.AvgLatency > 0 {
			line += fmt.Sprintf(", avg %s", d.AvgLatency.Round(time.Millisecond))
		}
		if d.LastError != "" && d.State != router.StateReady {
			line += s.Dim.Render("  " + d.LastError)
		}
		fmt.Fprintln(&b, line)
	}

	r := snap.Requests
	fmt.Fprintf(&b, "\n%s %d total, %d ok, %d canceled, %d unavailable (%.1f%% success)\n",
		s.Label.Render("Requests:"), r.Requests, r.Successes, r.Canceled, r.Unavailable, r.SuccessRate*100)
	fmt.Fprintf(&b, "%s %d/%d queued, %d forced cancels\n",
		s.Label.Render("Queue:"), snap.Queued, snap.QueueDepth, snap.ForcedCancels)

	h := snap.Health
	if h.Ticks > 0 {
		fmt.Fprintf(&b, "\n%s %s after %d ticks\n", s.Label.Render("Health:"), s.check(h.Overall), h.Ticks)
		names := make([]string, 0, len(h.Checks))
		for name := range h.Checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			res := h.Checks[name]
			fmt.Fprintf(&b, "  %-12s %-10s %s\n", name, s.check(res.Status), res.Message)
		}
	}

	rs := snap.Resources
	fmt.Fprintf(&b, "\n%s %d registered, %d released, %d forced",
		s.Label.Render("Resources:"), rs.Registered, rs.Released, rs.Forced)
	if rs.LastRSS > 0 {
		fmt.Fprintf(&b, ", rss %d MB", rs.LastRSS/mb)
	}
	fmt.Fprintln(&b)

	e := snap.Errors
	fmt.Fprintf(&b, "%s %d total, %d in the last %s\n",
		s.Label.Render("Errors:"), e.Total, e.RecentCount, e.Window)
	if e.LastError != nil {
		fmt.Fprintf(&b, "  last: %s %s: %s\n", e.LastError.Category, e.LastError.Op, e.LastError.Message)
	}

	fmt.Fprint(w, b.String())
}
