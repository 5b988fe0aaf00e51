package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/eventstore"
	"github.com/loqalabs/loqa-capture/internal/objective"
	"github.com/loqalabs/loqa-capture/internal/protocol"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'objectives', 'events' or 'version'")
		os.Exit(2)
	}

	var configPath, traceID string
	flags := flag.NewFlagSet(os.Args[1], flag.ExitOnError)
	flags.StringVar(&configPath, "config", "capture.yaml", "Path to configuration file")
	flags.StringVar(&traceID, "trace", "", "Trace ID of the conversation to replay")

	var run func(context.Context, eventstore.Log, string, io.Writer) error
	switch os.Args[1] {
	case "objectives":
		run = printObjectives
	case "events":
		run = printEvents
	case "version":
		fmt.Println(version)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	flags.Parse(os.Args[2:])
	if traceID == "" {
		fmt.Fprintln(os.Stderr, "-trace is required")
		os.Exit(2)
	}

	if err := replay(configPath, traceID, run); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func replay(configPath, traceID string, run func(context.Context, eventstore.Log, string, io.Writer) error) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.EventStore.RetentionMode == "ephemeral" {
		return errors.New("ephemeral event stores keep nothing to replay")
	}
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, err := eventstore.OpenStore(ctx, cfg.EventStore, logger)
	if err != nil {
		return err
	}
	defer store.Close()
	return run(ctx, store, traceID, os.Stdout)
}

// printObjectives folds the trace and prints every objective it mentions.
func printObjectives(ctx context.Context, log eventstore.Log, traceID string, w io.Writer) error {
	events, err := log.Events(ctx, traceID)
	if err != nil {
		return err
	}
	replayed, err := objective.Replay(events)
	if err != nil {
		return err
	}
	objs := make([]objective.Objective, 0, len(replayed))
	for _, obj := range replayed {
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].CreatedAt.Before(objs[j].CreatedAt) })
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(objs)
}

// printEvents prints the trace's envelopes, one JSON document per line,
// failing on the first one that does not match the event schema.
func printEvents(ctx context.Context, log eventstore.Log, traceID string, w io.Writer) error {
	schema, err := protocol.LoadEventSchema()
	if err != nil {
		return err
	}
	events, err := log.Events(ctx, traceID)
	if err != nil {
		return err
	}
	for _, ev := range events {
		data, err := schema.Encode(protocol.EnvelopeOf(ev))
		if err != nil {
			return fmt.Errorf("event #%d %s: %w", ev.Sequence, ev.Type, err)
		}
		if _, err := fmt.Fprintln(w, string(data)); err != nil {
			return err
		}
	}
	return nil
}
