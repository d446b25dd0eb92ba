package app

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/nuetzliches/accountdelete/internal/accountdelete"
	"github.com/nuetzliches/accountdelete/internal/config"
)

// maxRequestLine bounds one JSON line of enqueue input.
const maxRequestLine = 1 << 20

// queueCmdFlags are shared by the commands that only touch the queues.
type queueCmdFlags struct {
	fs         *flag.FlagSet
	configPath *string
	overrides  *config.Flags
}

func newQueueCmdFlags(name string) *queueCmdFlags {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return &queueCmdFlags{
		fs:         fs,
		configPath: fs.String("config", "", "path to config file"),
		overrides:  config.BindFlags(fs),
	}
}

// load resolves the config without requiring partner settings.
func (f *queueCmdFlags) load() (config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	f.overrides.Apply(&cfg)
	if err := config.ValidateQueue(cfg).Err(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func enqueueCmd(args []string) int {
	return runEnqueueCmd(args, os.Stdin, os.Stdout, os.Stderr)
}

type enqueuePayload struct {
	Enqueued   int      `json:"enqueued"`
	Queues     []string `json:"queues"`
	CommandIDs []string `json:"command_ids"`
}

// runEnqueueCmd reads account delete requests as JSON lines and spreads them
// over the configured queues.
func runEnqueueCmd(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	f := newQueueCmdFlags("enqueue")
	file := f.fs.String("file", "-", "JSON lines input, - for stdin")
	if err := f.fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 2
	}
	if f.fs.NArg() != 0 {
		fmt.Fprintln(stderr, "enqueue: unexpected positional arguments")
		return 2
	}

	cfg, err := f.load()
	if err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}

	in := stdin
	if p := strings.TrimSpace(*file); p != "" && p != "-" {
		fh, err := os.Open(p)
		if err != nil {
			fmt.Fprintf(stderr, "enqueue: %v\n", err)
			return 1
		}
		defer fh.Close()
		in = fh
	}

	items, err := readRequests(in, time.Now())
	if err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}

	set, closeQueues, err := openQueueSet(cfg.Queue, newDiscardLogger())
	if err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}
	defer func() { _ = closeQueues() }()

	if err := set.Enqueue(context.Background(), items); err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}

	payload := enqueuePayload{
		Enqueued:   len(items),
		Queues:     cfg.Queue.Names,
		CommandIDs: make([]string, 0, len(items)),
	}
	for _, it := range items {
		payload.CommandIDs = append(payload.CommandIDs, it.CommandID.String())
	}
	if err := json.NewEncoder(stdout).Encode(payload); err != nil {
		fmt.Fprintf(stderr, "enqueue: %v\n", err)
		return 1
	}
	return 0
}

// readRequests decodes one Info per non-empty line and fills missing command
// ids and timestamps.
func readRequests(r io.Reader, now time.Time) ([]accountdelete.Info, error) {
	var items []accountdelete.Info
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxRequestLine)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var info accountdelete.Info
		if err := json.Unmarshal([]byte(line), &info); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if info.Puid <= 0 {
			return nil, fmt.Errorf("line %d: Puid must be positive", lineNo)
		}
		info.Normalize(now)
		items = append(items, info)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

func statsCmd(args []string) int {
	return runStatsCmd(args, os.Stdout, os.Stderr)
}

type queueStats struct {
	Queue      string  `json:"queue"`
	Size       int     `json:"size"`
	AgeSeconds float64 `json:"age_seconds"`
}

// runStatsCmd prints the size and oldest message age of every queue.
func runStatsCmd(args []string, stdout, stderr io.Writer) int {
	f := newQueueCmdFlags("stats")
	if err := f.fs.Parse(args); err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 2
	}
	cfg, err := f.load()
	if err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}

	set, closeQueues, err := openQueueSet(cfg.Queue, newDiscardLogger())
	if err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	defer func() { _ = closeQueues() }()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	out := make([]queueStats, 0, len(cfg.Queue.Names))
	for _, q := range set.Queues() {
		size, err := q.Size(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "stats: queue %q: %v\n", q.Name(), err)
			return 1
		}
		age, err := q.Age(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "stats: queue %q: %v\n", q.Name(), err)
			return 1
		}
		out = append(out, queueStats{Queue: q.Name(), Size: size, AgeSeconds: age.Seconds()})
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(stderr, "stats: %v\n", err)
		return 1
	}
	return 0
}
