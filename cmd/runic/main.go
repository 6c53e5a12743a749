// Command runic is the CLI entrypoint for the distributed state
// synchronization core: hosting a table (GM + Signaling Router), joining
// one as a player, and inspecting the local identity registry.
package main

import (
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	// Dispatch on the subcommand name, the same way the teacher's
	// server/main.go defers to RunCLI(os.Args[1:], ...); each subcommand
	// parses its own flags.
	if len(os.Args) > 1 {
		if RunCLI(os.Args[1:]) {
			return
		}
	}

	fmt.Fprintln(os.Stderr, "usage: runic <host|join|identity> [flags]")
	os.Exit(1)
}

// RunCLI dispatches a subcommand. Returns true if args named one.
func RunCLI(args []string) bool {
	if len(args) == 0 {
		return false
	}
	switch args[0] {
	case "host":
		runHost(args[1:])
		return true
	case "join":
		runJoin(args[1:])
		return true
	case "identity":
		runIdentity(args[1:])
		return true
	case "version":
		fmt.Printf("runic %s\n", version)
		return true
	default:
		return false
	}
}
