package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/rustyguts/runic/internal/identity"
)

func runIdentity(args []string) {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	identityPath := fs.String("identity", "runic-identity.db", "identity registry file path")
	fs.Parse(args)

	rest := fs.Args()
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "usage: runic identity [-identity path] <show|set> <table-id> [username]")
		os.Exit(1)
	}

	idents, err := identity.Open(*identityPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "identity: open registry: %v\n", err)
		os.Exit(1)
	}

	switch rest[0] {
	case "show":
		if len(rest) < 2 {
			fmt.Fprintln(os.Stderr, "usage: runic identity show <table-id>")
			os.Exit(1)
		}
		tableID, err := strconv.ParseUint(rest[1], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "identity: invalid table id %q\n", rest[1])
			os.Exit(1)
		}
		fmt.Println(idents.ResolveUsername(tableID, ""))

	case "set":
		if len(rest) < 3 {
			fmt.Fprintln(os.Stderr, "usage: runic identity set <table-id> <username>")
			os.Exit(1)
		}
		tableID, err := strconv.ParseUint(rest[1], 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "identity: invalid table id %q\n", rest[1])
			os.Exit(1)
		}
		idents.SetUsername(tableID, rest[2])
		if err := idents.Save(); err != nil {
			fmt.Fprintf(os.Stderr, "identity: save: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Saved username %q for table %d\n", rest[2], tableID)

	default:
		fmt.Fprintf(os.Stderr, "identity: unknown subcommand %q\n", rest[0])
		os.Exit(1)
	}
}
