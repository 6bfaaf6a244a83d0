// Package ipc is the file-based control channel between the voxd CLI and a
// running daemon: a command file the daemon watches and a status snapshot
// it rewrites atomically.
package ipc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// CommandName is the verb of a control command.
type CommandName string

const (
	CmdSwitch  CommandName = "switch"  // pin a backend; no argument returns to priority order
	CmdReprobe CommandName = "reprobe" // re-probe failed backends now
	CmdCheck   CommandName = "check"   // run one health tick now
	CmdDictate CommandName = "dictate" // capture and transcribe, optional max duration argument
	CmdReload  CommandName = "reload"  // re-read the config and restart the backends
	CmdQuit    CommandName = "quit"    // shut the daemon down
)

// Command is one line of the command file: a verb and an optional argument.
type Command struct {
	Name CommandName
	Arg  string
}

func (c Command) String() string {
	if c.Arg == "" {
		return string(c.Name)
	}
	return string(c.Name) + " " + c.Arg
}

// ParseCommand parses "verb [arg]". Unknown verbs are an error.
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Command{}, nil
	}
	cmd := Command{Name: CommandName(strings.ToLower(fields[0]))}
	if len(fields) > 1 {
		cmd.Arg = strings.Join(fields[1:], " ")
	}
	switch cmd.Name {
	case CmdSwitch, CmdReprobe, CmdCheck, CmdDictate, CmdReload, CmdQuit:
		return cmd, nil
	default:
		return Command{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

// Dir returns ~/.cache/voxd, where the command and status files live.
func Dir() string {
	return filepath.Join(os.Getenv("HOME"), ".cache", "voxd")
}

func commandPath(dir string) string { return filepath.Join(dir, "cmd.txt") }

// WriteCommand writes cmd to dir/cmd.txt.
func WriteCommand(dir string, cmd Command) error {
	if _, err := ParseCommand(cmd.String()); err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	return os.WriteFile(commandPath(dir), []byte(cmd.String()), 0644)
}

// ReadCommand reads and clears dir/cmd.txt. A missing or empty file yields
// a zero Command; an unknown verb is cleared and reported as an error.
func ReadCommand(dir string) (Command, error) {
	path := commandPath(dir)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Command{}, nil
		}
		return Command{}, err
	}
	// Clear the file immediately to prevent re-execution
	if err := os.WriteFile(path, []byte(""), 0644); err != nil {
		return Command{}, err
	}
	return ParseCommand(string(data))
}
