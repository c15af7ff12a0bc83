package main

import (
	"fmt"
	"io"
	"os"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "serve", "server":
		return startServer(stderr)
	case "policy":
		return runPolicyCmd(args[2:], stdout, stderr)
	case "audit":
		return runAuditCmd(args[2:], stdout, stderr)
	case "health":
		return runHealthCmd(args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprint(w, `Usage: guard <command>

Commands:
  serve                         Run the guard server (default)
  policy validate <file>        Parse and validate a policy document
  policy eval <file> <action>   Show the materialized policy for an action
  audit export [flags]          Export audit events as JSON lines
  health [--url URL]            Probe a running server
`)
}
