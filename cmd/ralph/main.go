package main

import (
	"fmt"
	"os"
)

// version is bumped by hand; the teacher pack has no internal/version
// package in scope for this binary, so ralph prints a literal constant
// the way a small standalone CLI would.
const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--version", "-v", "version":
		fmt.Printf("ralph %s\n", version)
		os.Exit(0)
	case "loop":
		loop(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage:")
	fmt.Fprintln(os.Stderr, "  ralph --version")
	fmt.Fprintln(os.Stderr, "  ralph loop start --config <loop.yaml> --state-dir <dir>")
	fmt.Fprintln(os.Stderr, "  ralph loop stop --id <loopId> --state-dir <dir> [--reason <text>]")
	fmt.Fprintln(os.Stderr, "  ralph loop status --id <loopId> --state-dir <dir> [--json] [--watch] [--interval <sec>]")
	fmt.Fprintln(os.Stderr, "  ralph loop inject --id <loopId> --state-dir <dir> --message <text>")
	fmt.Fprintln(os.Stderr, "  ralph loop inject --id <loopId> --state-dir <dir> --plan-feedback <text>")
	fmt.Fprintln(os.Stderr, "  ralph loop inject --id <loopId> --state-dir <dir> --accept-plan")
	fmt.Fprintln(os.Stderr, "  ralph loop inject --id <loopId> --state-dir <dir> --push")
}

func loop(args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "start":
		loopStart(args[1:])
	case "stop":
		loopStop(args[1:])
	case "status":
		loopStatus(args[1:])
	case "inject":
		loopInject(args[1:])
	default:
		usage()
		os.Exit(1)
	}
}
