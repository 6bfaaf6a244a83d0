// Package main is the entry point for voxd, the dictation daemon and its
// control CLI.
//
// Usage:
//
//	voxd [flags] <command> [args]
//
// Commands:
//
//	run          - Run the daemon in the foreground
//	status       - Show the running daemon's state
//	errors       - Show recent classified failures
//	switch       - Pin a recognition backend
//	reprobe      - Re-probe failed backends now
//	check        - Run a health tick now
//	dictate      - Capture and transcribe one utterance
//	reload       - Re-read the config and restart backends
//	quit         - Stop the daemon
//	export-diag  - Write a diagnostics bundle
//	version      - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/tiroq/voxd/cmd/voxd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
