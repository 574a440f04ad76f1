// Package main implements a mock agent binary that speaks the
// claude-code stream-json protocol over stdin/stdout. Point
// agents.claudeBinary at it to exercise the daemon without burning
// tokens; prompt markers like ::permission and ::error select the
// simulated behavior.
package main

import (
	"fmt"
	"os"
)

func main() {
	opts := parseArgs(os.Args[1:])
	m := newMock(os.Stdout, opts)
	if err := m.serve(os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: %v\n", err)
		os.Exit(1)
	}
}

// options are the subset of the real CLI's flags the mock honors.
// Unknown flags are accepted and ignored so the daemon's full argv
// works unchanged.
type options struct {
	Model       string
	Resume      string
	ForkSession bool
	Partials    bool
}

func parseArgs(args []string) options {
	opts := options{Model: "mock-model"}

	// Flags the real CLI takes a value for; everything else is boolean.
	valued := map[string]bool{
		"--model": true, "--resume": true, "--permission-mode": true,
		"--add-dir": true, "--max-thinking-tokens": true,
		"--mcp-config": true, "--allowedTools": true,
		"--output-format": true, "--input-format": true,
		"--permission-prompt-tool": true,
	}

	for i := 0; i < len(args); i++ {
		arg := args[i]
		var value string
		hasValue := false
		for j := 0; j < len(arg); j++ {
			if arg[j] == '=' {
				value = arg[j+1:]
				arg = arg[:j]
				hasValue = true
				break
			}
		}
		if !hasValue && valued[arg] && i+1 < len(args) {
			value = args[i+1]
			i++
		}

		switch arg {
		case "--model":
			opts.Model = value
		case "--resume":
			opts.Resume = value
		case "--fork-session":
			opts.ForkSession = true
		case "--include-partial-messages":
			opts.Partials = true
		}
	}
	return opts
}
