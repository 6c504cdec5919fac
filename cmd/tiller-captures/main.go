// Copyright 2026 The Tiller Authors
// SPDX-License-Identifier: Apache-2.0

// tiller-captures inspects a Tiller capture store: recent turns,
// failures, one full turn with its raw captures, and the retry queue
// depth.
//
// Usage:
//
//	tiller-captures --db /var/lib/tiller/captures.db recent [-n 20]
//	tiller-captures --db /var/lib/tiller/captures.db failures [-n 20]
//	tiller-captures --db /var/lib/tiller/captures.db get <turn-id>
//	tiller-captures --db /var/lib/tiller/captures.db queue
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/tiller-foundation/tiller/capture"
	"github.com/tiller-foundation/tiller/lib/clock"
	"github.com/tiller-foundation/tiller/lib/config"
	"github.com/tiller-foundation/tiller/lib/process"
	"github.com/tiller-foundation/tiller/lib/version"
	"github.com/tiller-foundation/tiller/relay"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var dbPath string
	var showVersion bool
	flag.StringVar(&dbPath, "db", "", "capture store path (default: capture.path from TILLER_CONFIG)")
	flag.BoolVar(&showVersion, "version", false, "print version information and exit")
	flag.Parse()

	if showVersion {
		version.Print("tiller-captures")
		return nil
	}

	if dbPath == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("no --db and no usable TILLER_CONFIG: %w", err)
		}
		dbPath = cfg.Capture.Path
	}

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		return fmt.Errorf("missing command (recent, failures, get, queue)")
	}

	store, err := capture.Open(capture.StoreConfig{
		Path:  dbPath,
		Clock: clock.Real(),
	})
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()
	switch command := args[0]; command {
	case "recent":
		return listTurns(ctx, store, args[1:], store.Recent)
	case "failures":
		return listTurns(ctx, store, args[1:], store.RecentFailures)
	case "get":
		if len(args) != 2 {
			return fmt.Errorf("usage: get <turn-id>")
		}
		return showTurn(ctx, store, args[1])
	case "queue":
		depth, err := store.QueueDepth(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("%d queued deliveries\n", depth)
		return nil
	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

func listTurns(ctx context.Context, store *capture.Store, args []string, query func(context.Context, int) ([]relay.Turn, error)) error {
	flags := flag.NewFlagSet("list", flag.ContinueOnError)
	limit := flags.Int("n", 20, "number of turns to list")
	if err := flags.Parse(args); err != nil {
		return err
	}

	turns, err := query(ctx, *limit)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "STARTED\tTURN\tKIND\tCONTEXT\tOUTCOME\tDURATION\tLEAK")
	for _, turn := range turns {
		leak := ""
		if turn.LeakDetected {
			leak = "leak"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			turn.StartedAt.Format(time.RFC3339),
			turn.ID,
			turn.Kind,
			turn.ContextID,
			turn.Outcome,
			turn.EndedAt.Sub(turn.StartedAt).Round(time.Millisecond),
			leak,
		)
	}
	return writer.Flush()
}

func showTurn(ctx context.Context, store *capture.Store, id string) error {
	turn, err := store.Get(ctx, id)
	if err != nil {
		return err
	}

	fmt.Printf("turn:        %s\n", turn.ID)
	fmt.Printf("kind:        %s\n", turn.Kind)
	fmt.Printf("context:     %s\n", turn.ContextID)
	fmt.Printf("destination: %s\n", turn.Destination)
	fmt.Printf("outcome:     %s\n", turn.Outcome)
	fmt.Printf("started:     %s\n", turn.StartedAt.Format(time.RFC3339))
	fmt.Printf("ended:       %s\n", turn.EndedAt.Format(time.RFC3339))
	fmt.Printf("patterns:    v%d\n", turn.PatternVersion)
	fmt.Printf("leak:        %v\n", turn.LeakDetected)
	fmt.Printf("sentinel:    %s\n", turn.Sentinel)

	fmt.Printf("\n--- prompt ---\n%s\n", turn.Prompt)
	fmt.Printf("\n--- sanitized response ---\n%s\n", turn.Sanitized)
	fmt.Printf("\n--- extracted (pre-sanitization) ---\n%s\n", turn.Extracted)
	fmt.Printf("\n--- capture before ---\n%s\n", turn.CaptureBefore)
	fmt.Printf("\n--- capture after ---\n%s\n", turn.CaptureAfter)
	return nil
}
