package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/Mindburn-Labs/helm/guard/pkg/policy"
)

func runPolicyCmd(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		_, _ = fmt.Fprintln(stderr, "Usage: guard policy <validate|eval> <file> [action]")
		return 2
	}
	doc, err := readPolicy(args[1])
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	switch args[0] {
	case "validate":
		actions := make([]string, 0, len(doc.Actions))
		for name := range doc.Actions {
			actions = append(actions, name)
		}
		slices.Sort(actions)
		_, _ = fmt.Fprintf(stdout, "OK: %d actions, hash %s\n", len(actions), doc.Hash)
		for _, name := range actions {
			_, _ = fmt.Fprintf(stdout, "  %s\n", name)
		}
		return 0
	case "eval":
		if len(args) < 3 {
			_, _ = fmt.Fprintln(stderr, "Usage: guard policy eval <file> <action>")
			return 2
		}
		ev, err := policy.Evaluate(args[2], doc)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "%s: %v\n", args[2], err)
			return 1
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(ev); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown policy command: %s\n", args[0])
		return 2
	}
}

func readPolicy(path string) (*policy.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return policy.Parse(data)
}
