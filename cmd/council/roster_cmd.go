package main

import (
	"flag"
	"fmt"
	"io"

	"github.com/quorumworks/council/pkg/contracts"
	"github.com/quorumworks/council/pkg/roster"
)

// runRosterCmd validates a roster file and reports quorum eligibility.
//
// Exit codes:
//
//	0 = roster valid and quorum-eligible
//	1 = roster valid but not quorum-eligible
//	2 = roster invalid or runtime error
func runRosterCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("roster", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var path string
	cmd.StringVar(&path, "file", "config/roster.yaml", "Path to the roster file")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	file, err := roster.ReadFile(path)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	registry, err := file.Registry()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	for _, group := range contracts.RoleGroups() {
		_, _ = fmt.Fprintf(stdout, "%-10s %d active\n", group, len(registry.ListActive(group)))
	}
	_, _ = fmt.Fprintf(stdout, "total      %d agents\n", registry.Size())

	if !registry.Eligible() {
		_, _ = fmt.Fprintf(stdout, "NOT ELIGIBLE: each role group needs at least %d active agents\n", registry.GroupMinimum())
		return 1
	}
	_, _ = fmt.Fprintln(stdout, "eligible for quorum")
	return 0
}
