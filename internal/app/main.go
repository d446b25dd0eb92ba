package app

import (
	"fmt"
	"io"
	"os"
)

var (
	version   = "0.0.0-dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func Main(args []string) int {
	if len(args) < 2 {
		printHelp(os.Stderr)
		return 2
	}

	switch args[1] {
	case "run":
		return run(args[2:])
	case "enqueue":
		return enqueueCmd(args[2:])
	case "stats":
		return statsCmd(args[2:])
	case "version":
		return versionCmd(args[2:])
	case "help", "-h", "--help":
		printHelp(os.Stdout)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[1])
		printHelp(os.Stderr)
		return 2
	}
}

func printHelp(w io.Writer) {
	fmt.Fprintln(w, "accountdelete")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  accountdelete run --config ./accountdelete.yaml [--pid-file ./accountdelete.pid] [--watch] [--dotenv ./.env] [--processors 4] [--log-level info]")
	fmt.Fprintln(w, "  accountdelete enqueue --config ./accountdelete.yaml [--file requests.jsonl]")
	fmt.Fprintln(w, "  accountdelete stats --config ./accountdelete.yaml")
	fmt.Fprintln(w, "  accountdelete version [--long] [--json]")
}
