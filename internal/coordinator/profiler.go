package coordinator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// Profiler restores the cache tracker's profiling bookkeeping (spec §4.C,
// §9 supplemented feature), dropped from the distilled spec's happy path
// but present throughout the original tracker: a per-(function, parameter,
// kind) access-count table plus a per-function append-only list of keys
// touched, used offline to infer reuse patterns across tasks.
//
// Updated from the Coordinator's single goroutine only, so it needs no
// locking of its own for that path; mu exists solely to let the periodic
// flush goroutine take a consistent snapshot concurrently with it.
type Profiler struct {
	mu sync.Mutex
	// dict[function][parameter][kind][key] = count
	dict map[string]map[string]map[string]map[string]uint64
	// getStruct[function] = ordered list of keys accessed, duplicates kept
	getStruct map[string][]string

	logDir        string
	flushInterval time.Duration
	logger        *zap.Logger

	stop chan struct{}
	done chan struct{}
}

// NewProfiler constructs a Profiler. logDir == "" disables periodic
// snapshotting; Record still accumulates in memory (diagnostics can still
// query it via Snapshot without ever touching disk).
func NewProfiler(logDir string, flushInterval time.Duration, logger *zap.Logger) *Profiler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if flushInterval <= 0 {
		flushInterval = 30 * time.Second
	}
	return &Profiler{
		dict:          make(map[string]map[string]map[string]map[string]uint64),
		getStruct:     make(map[string][]string),
		logDir:        logDir,
		flushInterval: flushInterval,
		logger:        logger,
	}
}

// Record increments profiler_dict[function][parameter][kind][key] and
// appends key to profiler_get_struct[function]. Called on PUT, PUT_GPU and
// GET (spec §4.C: "Updated on PUT, PUT_GPU, and GET").
func (p *Profiler) Record(function, parameter, kind, key string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	byParam, ok := p.dict[function]
	if !ok {
		byParam = make(map[string]map[string]map[string]uint64)
		p.dict[function] = byParam
	}
	byKind, ok := byParam[parameter]
	if !ok {
		byKind = make(map[string]map[string]uint64)
		byParam[parameter] = byKind
	}
	byKey, ok := byKind[kind]
	if !ok {
		byKey = make(map[string]uint64)
		byKind[kind] = byKey
	}
	byKey[key]++

	p.getStruct[function] = append(p.getStruct[function], key)
}

// entrySnapshot is one flattened row of profiler_dict, the shape persisted
// to the JSON Lines snapshot.
type entrySnapshot struct {
	Function  string `json:"function"`
	Parameter string `json:"parameter"`
	Kind      string `json:"kind"`
	Key       string `json:"key"`
	Count     uint64 `json:"count"`
}

// Snapshot returns a flattened, point-in-time copy of profiler_dict plus
// profiler_get_struct, used by the periodic flush and by Close's final
// snapshot.
func (p *Profiler) Snapshot() (entries []entrySnapshot, getStruct map[string][]string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for fn, byParam := range p.dict {
		for param, byKind := range byParam {
			for kind, byKey := range byKind {
				for key, count := range byKey {
					entries = append(entries, entrySnapshot{Function: fn, Parameter: param, Kind: kind, Key: key, Count: count})
				}
			}
		}
	}
	getStruct = make(map[string][]string, len(p.getStruct))
	for fn, keys := range p.getStruct {
		cp := make([]string, len(keys))
		copy(cp, keys)
		getStruct[fn] = cp
	}
	return entries, getStruct
}

// Run starts the periodic snapshot-to-disk loop; it returns immediately and
// stops when Close is called. A no-op if logDir is empty.
func (p *Profiler) Run() {
	if p.logDir == "" {
		return
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.flushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stop:
				return
			case <-ticker.C:
				if err := p.flush(); err != nil {
					p.logger.Warn("profiler snapshot failed", zap.Error(err))
				}
			}
		}
	}()
}

// Close stops the periodic loop (if running) and writes one final snapshot.
func (p *Profiler) Close() error {
	if p.stop != nil {
		close(p.stop)
		<-p.done
	}
	if p.logDir == "" {
		return nil
	}
	return p.flush()
}

// flush writes the current snapshot as zstd-compressed JSON Lines to
// logDir/profiler-<unixnano>.jsonl.zst, one entrySnapshot object per line,
// followed by a trailing getStruct line tagged "__get_struct__".
func (p *Profiler) flush() error {
	if err := os.MkdirAll(p.logDir, 0o755); err != nil {
		return fmt.Errorf("profiler: mkdir %s: %w", p.logDir, err)
	}
	name := filepath.Join(p.logDir, fmt.Sprintf("profiler-%d.jsonl.zst", time.Now().UnixNano()))
	f, err := os.Create(name)
	if err != nil {
		return fmt.Errorf("profiler: create %s: %w", name, err)
	}
	defer f.Close()

	zw, err := zstd.NewWriter(f)
	if err != nil {
		return fmt.Errorf("profiler: zstd writer: %w", err)
	}
	defer zw.Close()

	bw := bufio.NewWriter(zw)
	entries, getStruct := p.Snapshot()

	enc := json.NewEncoder(bw)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("profiler: encode entry: %w", err)
		}
	}
	if err := enc.Encode(struct {
		Tag       string              `json:"tag"`
		GetStruct map[string][]string `json:"get_struct"`
	}{Tag: "__get_struct__", GetStruct: getStruct}); err != nil {
		return fmt.Errorf("profiler: encode get_struct: %w", err)
	}
	return bw.Flush()
}
