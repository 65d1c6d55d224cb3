package main

// main.go implements the cachetracker inspector CLI: it parses
// command-line flags, fetches the Registry snapshot from a running
// cachetrackerd's debug endpoint, and prints it either as pretty text or
// JSON. It also supports periodic watch mode.
//
// The target daemon is expected to expose (via WithDebugAddr):
//   • GET /debug/cachetracker/snapshot — JSON map of key -> descriptor.
//   • GET /debug/cachetracker/stats    — lifetime allocation/live-byte counters.
//   • GET /metrics                    — Prometheus metrics, if enabled.
//
// © 2025 compsssqaaas authors.

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

var version = "dev"

type options struct {
	target   string
	json     bool
	watch    bool
	interval time.Duration
	version  bool
}

func parseFlags() *options {
	o := &options{}
	flag.StringVar(&o.target, "target", "http://127.0.0.1:6061", "cachetrackerd debug HTTP base URL")
	flag.BoolVar(&o.json, "json", false, "print raw JSON instead of a formatted summary")
	flag.BoolVar(&o.watch, "watch", false, "repeat the snapshot fetch until interrupted")
	flag.DurationVar(&o.interval, "interval", 2*time.Second, "polling interval in watch mode")
	flag.BoolVar(&o.version, "version", false, "print version and exit")
	flag.Parse()
	return o
}

func main() {
	opts := parseFlags()

	if opts.version {
		fmt.Println(version)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
	}()

	if opts.watch {
		ticker := time.NewTicker(opts.interval)
		defer ticker.Stop()
		for {
			if err := dumpOnce(ctx, opts); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
			}
			select {
			case <-ticker.C:
				continue
			case <-ctx.Done():
				return
			}
		}
	}

	if err := dumpOnce(ctx, opts); err != nil {
		fatal(err)
	}
}

// dumpOnce fetches the snapshot and stats once and prints them. Snapshot
// entries, which carry internal/registry.Descriptor's exported fields, are
// decoded generically (map[string]any) to avoid version skew between this
// CLI and the daemon it targets.
func dumpOnce(ctx context.Context, opts *options) error {
	snap, err := fetchJSON(ctx, opts.target, "/debug/cachetracker/snapshot")
	if err != nil {
		return err
	}
	stats, err := fetchJSON(ctx, opts.target, "/debug/cachetracker/stats")
	if err != nil {
		return err
	}

	if opts.json {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{"entries": snap, "stats": stats})
	}
	return prettyPrint(snap, stats)
}

func fetchJSON(ctx context.Context, base, path string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+path, nil)
	if err != nil {
		return nil, err
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s for %s", res.Status, path)
	}
	var data map[string]any
	if err := json.NewDecoder(res.Body).Decode(&data); err != nil {
		return nil, err
	}
	return data, nil
}

func prettyPrint(data, stats map[string]any) error {
	fmt.Printf("entries: %d\n", len(data))
	var hostBytes, deviceBytes int64
	for key, v := range data {
		d, ok := v.(map[string]any)
		if !ok {
			continue
		}
		size := toInt64(d["Size"])
		kind, _ := d["Kind"].(string)
		if kind == "DeviceArray" {
			deviceBytes += size
		} else {
			hostBytes += size
		}
		fmt.Printf("  %-40s kind=%-16s size=%-10d hits=%v\n", key, kind, size, d["Hits"])
	}
	fmt.Printf("host bytes:   %d\n", hostBytes)
	fmt.Printf("device bytes: %d\n", deviceBytes)
	fmt.Printf("lifetime allocations: %v\n", stats["allocations"])
	return nil
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case float64:
		return int64(t)
	case int64:
		return t
	case json.Number:
		n, _ := t.Int64()
		return n
	default:
		return 0
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "cachetracker-inspect:", err)
	os.Exit(1)
}
