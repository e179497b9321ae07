package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/quorumworks/council/pkg/audit"
	"github.com/quorumworks/council/pkg/store"
)

// runVerifyCmd walks the audit trail hash chain from genesis and
// reports whether any entry has been altered.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath     string
		jsonOutput bool
	)
	cmd.StringVar(&dbPath, "db", "data/council.db", "Path to the engine database")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	db, err := store.Open(dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open database: %v\n", err)
		return 2
	}
	defer db.Close()

	trail, err := audit.NewLog(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open audit trail: %v\n", err)
		return 2
	}

	ctx := context.Background()
	verifyErr := trail.Verify(ctx)
	if errors.Is(verifyErr, audit.ErrEmptyLog) {
		verifyErr = nil
	}

	entries, err := trail.Entries(ctx, "")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: read audit trail: %v\n", err)
		return 2
	}

	if jsonOutput {
		report := map[string]interface{}{
			"entries": len(entries),
			"intact":  verifyErr == nil,
		}
		if verifyErr != nil {
			report["error"] = verifyErr.Error()
		}
		_ = json.NewEncoder(stdout).Encode(report)
	} else if verifyErr == nil {
		_, _ = fmt.Fprintf(stdout, "audit trail intact: %d entries\n", len(entries))
	} else {
		_, _ = fmt.Fprintf(stdout, "audit trail BROKEN: %v\n", verifyErr)
	}

	if verifyErr != nil {
		return 1
	}
	return 0
}
