package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tiroq/voxd/internal/ipc"
	"github.com/tiroq/voxd/internal/pidfile"
)

// send writes cmd for the running daemon to pick up.
func send(cmd *cobra.Command, c ipc.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if _, ok := pidfile.Running(pidfile.Path("voxd")); !ok {
		return fmt.Errorf("voxd is not running")
	}
	if err := ipc.WriteCommand(stateDir(cfg), c); err != nil {
		return fmt.Errorf("failed to send %q: %w", c.Name, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sent: %s\n", c)
	return nil
}

var switchCmd = &cobra.Command{
	Use:   "switch [backend]",
	Short: "Pin a recognition backend; no argument returns to priority order",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := ipc.Command{Name: ipc.CmdSwitch}
		if len(args) == 1 {
			c.Arg = args[0]
		}
		return send(cmd, c)
	},
}

var reprobeCmd = &cobra.Command{
	Use:   "reprobe",
	Short: "Re-probe failed backends whose cooldown has elapsed",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, ipc.Command{Name: ipc.CmdReprobe})
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Run one health tick now",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, ipc.Command{Name: ipc.CmdCheck})
	},
}

var dictateLimit time.Duration

var dictateCmd = &cobra.Command{
	Use:   "dictate",
	Short: "Capture one utterance and transcribe it",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c := ipc.Command{Name: ipc.CmdDictate}
		if dictateLimit > 0 {
			c.Arg = dictateLimit.String()
		}
		return send(cmd, c)
	},
}

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-read the config file and restart the backends",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, ipc.Command{Name: ipc.CmdReload})
	},
}

var quitCmd = &cobra.Command{
	Use:   "quit",
	Short: "Stop the daemon",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return send(cmd, ipc.Command{Name: ipc.CmdQuit})
	},
}

func init() {
	dictateCmd.Flags().DurationVarP(&dictateLimit, "max", "m", 0, "longest recording (default from config)")
	rootCmd.AddCommand(switchCmd, reprobeCmd, checkCmd, dictateCmd, reloadCmd, quitCmd)
}
