// Package coordinator implements the Cache Coordinator (component C): a
// single-threaded actor that owns the Registry, processes the command
// stream from every connected Client over one inbound channel, applies the
// eviction policy, and answers the two query commands on a reply channel
// (spec §4.C).
//
// The daemon process (cmd/cachetrackerd) fans every connection's commands
// into Coordinator.Submit, which is safe to call from many goroutines; the
// actor loop itself (Run) is the only goroutine that ever touches the
// Registry, exactly mirroring the teacher's pkg/shard.go split between
// "many callers enqueue" and "one owner mutates".
//
// © 2025 compsssqaaas authors.
package coordinator

import (
	"context"
	"encoding/base64"
	"fmt"

	"go.uber.org/zap"

	"github.com/lezzidan/compsssqaaas/internal/eviction"
	"github.com/lezzidan/compsssqaaas/internal/metrics"
	"github.com/lezzidan/compsssqaaas/internal/registry"
	"github.com/lezzidan/compsssqaaas/internal/segment"
	"github.com/lezzidan/compsssqaaas/internal/wire"
)

// Config carries the host/device capacities and profiler settings from
// spec §6's configuration surface relevant to the Coordinator.
type Config struct {
	HostCapacity   int64
	DeviceCapacity int64
	Profiler       *Profiler // nil disables profiling bookkeeping
	Logger         *zap.Logger
	Metrics        metrics.Sink
}

// request wraps one inbound wire.Command with the reply path IS_LOCKED and
// IS_IN_CACHE need; every other action leaves reply nil (spec §4.C: "—"
// under Reply), matching the fire-and-forget half of the Python source's
// queue-based protocol.
type request struct {
	cmd   wire.Command
	reply chan<- wire.CommandReply
}

// Coordinator is the actor. Construct with New, then run its loop with Run
// in its own goroutine; feed it commands with Submit from any goroutine.
type Coordinator struct {
	reg     *registry.Registry
	segSrv  *segment.Server
	cfg     Config
	logger  *zap.Logger
	metrics metrics.Sink

	inbound  chan request
	snapshot chan chan map[string]registry.Descriptor
	describe chan describeRequest
}

// describeReply is what a DescriptorRequest (spec §6 Registry view) gets
// back: the descriptor and whether key was present.
type describeReply struct {
	d     registry.Descriptor
	found bool
}

type describeRequest struct {
	key string
	out chan describeReply
}

// New constructs a Coordinator bound to segSrv, which it calls into to
// release segments on REMOVE and on host-budget eviction.
func New(segSrv *segment.Server, cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New(nil)
	}
	return &Coordinator{
		reg:     registry.New(),
		segSrv:  segSrv,
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics:  cfg.Metrics,
		inbound:  make(chan request, 256),
		snapshot: make(chan chan map[string]registry.Descriptor),
		describe: make(chan describeRequest),
	}
}

// Submit enqueues cmd for processing and blocks until the actor loop has
// accepted it onto its inbound channel (not until it has been processed).
// For IS_LOCKED/IS_IN_CACHE, the caller must read exactly one value off the
// returned channel before issuing further query commands on the same
// connection (spec §4.C ordering guarantee).
func (c *Coordinator) Submit(ctx context.Context, cmd wire.Command) (<-chan wire.CommandReply, error) {
	var reply chan wire.CommandReply
	if cmd.Action == wire.ActionIsLocked || cmd.Action == wire.ActionIsInCache {
		reply = make(chan wire.CommandReply, 1)
	}
	select {
	case c.inbound <- request{cmd: cmd, reply: reply}:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run is the actor loop. It returns when ctx is cancelled, after draining
// and discarding nothing further — in-flight Submit callers blocked on a
// full channel will unblock via their own ctx instead.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.inbound:
			c.dispatch(req)
		case out := <-c.snapshot:
			out <- c.reg.Snapshot()
		case dreq := <-c.describe:
			d, ok := c.reg.Peek(dreq.key)
			dreq.out <- describeReply{d: d, found: ok}
		}
	}
}

// Describe answers a single-key Registry view lookup (spec §6 "Registry
// view"), bypassing the ordered command path the same way Snapshot does —
// a dirty read, acceptable per spec §9's design note since Clients
// re-verify via IS_LOCKED/IS_IN_CACHE before mutating.
func (c *Coordinator) Describe(ctx context.Context, key string) (registry.Descriptor, bool, error) {
	out := make(chan describeReply, 1)
	select {
	case c.describe <- describeRequest{key: key, out: out}:
	case <-ctx.Done():
		return registry.Descriptor{}, false, ctx.Err()
	}
	select {
	case r := <-out:
		return r.d, r.found, nil
	case <-ctx.Done():
		return registry.Descriptor{}, false, ctx.Err()
	}
}

func (c *Coordinator) dispatch(req request) {
	cmd := req.cmd
	switch cmd.Action {
	case wire.ActionIsLocked:
		c.reply(req, wire.CommandReply{Bool: c.handleIsLocked(cmd)})
	case wire.ActionIsInCache:
		c.reply(req, wire.CommandReply{Bool: c.handleIsInCache(cmd)})
	case wire.ActionLock:
		c.handleLock(cmd)
	case wire.ActionUnlock:
		c.handleUnlock(cmd)
	case wire.ActionPut, wire.ActionPutGPU:
		c.handlePut(cmd)
	case wire.ActionGet:
		c.handleGet(cmd)
	case wire.ActionRemove:
		c.handleRemove(cmd)
	case wire.UnlockAllAction:
		c.handleUnlockAll(cmd)
	default:
		c.protocolViolation(cmd, fmt.Sprintf("unknown action %q", cmd.Action))
	}
}

func (c *Coordinator) reply(req request, r wire.CommandReply) {
	if req.reply == nil {
		return
	}
	req.reply <- r
}

func (c *Coordinator) protocolViolation(cmd wire.Command, reason string) {
	c.metrics.IncProtocolViolation()
	c.logger.Warn("protocol violation, dropping command",
		zap.String("action", string(cmd.Action)), zap.String("reason", reason))
}

func keyOf(cmd wire.Command) (string, bool) {
	if len(cmd.Messages) < 1 {
		return "", false
	}
	return cmd.Messages[0], true
}

func (c *Coordinator) handleIsLocked(cmd wire.Command) bool {
	key, ok := keyOf(cmd)
	if !ok {
		c.protocolViolation(cmd, "IS_LOCKED missing key")
		return false
	}
	return c.reg.IsLocked(key)
}

func (c *Coordinator) handleIsInCache(cmd wire.Command) bool {
	key, ok := keyOf(cmd)
	if !ok {
		c.protocolViolation(cmd, "IS_IN_CACHE missing key")
		return false
	}
	return c.reg.IsPresent(key)
}

// handleLock inserts key into the lock set. The precondition (key neither
// locked nor present) is caller-enforced under the node-local mutex per
// spec §4.C; the Coordinator does not re-check it; a LOCK for an already
// locked-or-present key is accepted idempotently rather than rejected,
// since by the time it reaches here the race window the mutex exists to
// close has already passed.
func (c *Coordinator) handleLock(cmd wire.Command) {
	key, ok := keyOf(cmd)
	if !ok {
		c.protocolViolation(cmd, "LOCK missing key")
		return
	}
	c.reg.Lock(key, cmd.ConnID)
	c.metrics.IncLock(budgetLabel(cmd.Kind))
}

func (c *Coordinator) handleUnlock(cmd wire.Command) {
	key, ok := keyOf(cmd)
	if !ok {
		c.protocolViolation(cmd, "UNLOCK missing key")
		return
	}
	c.reg.Unlock(key)
}

func (c *Coordinator) handleUnlockAll(cmd wire.Command) {
	released := c.reg.UnlockAll(cmd.ConnID)
	if len(released) > 0 {
		c.logger.Info("released stale locks on disconnect",
			zap.String("conn_id", cmd.ConnID), zap.Int("count", len(released)))
	}
}

// handlePut implements both PUT and PUT_GPU (spec §4.C): Messages carries
// [key, segmentNameOrHandleB64, parameter, function]. PUT_GPU additionally
// sets DeviceID and always carries Kind == KindDeviceArray.
func (c *Coordinator) handlePut(cmd wire.Command) {
	if len(cmd.Messages) < 4 {
		c.protocolViolation(cmd, fmt.Sprintf("%s expects 4 messages, got %d", cmd.Action, len(cmd.Messages)))
		return
	}
	key, segmentOrHandle, parameter, function := cmd.Messages[0], cmd.Messages[1], cmd.Messages[2], cmd.Messages[3]

	if !c.reg.IsLocked(key) {
		c.protocolViolation(cmd, fmt.Sprintf("%s for %q without a preceding LOCK", cmd.Action, key))
		return
	}

	d := registry.Descriptor{
		SegmentName: segmentOrHandle,
		Shape:       cmd.Shape,
		DType:       cmd.DType,
		Size:        cmd.Size,
		Kind:        cmd.Kind,
		DeviceID:    cmd.DeviceID,
	}
	if !c.reg.Put(key, d) {
		c.protocolViolation(cmd, fmt.Sprintf("%s for %q already present", cmd.Action, key))
		return
	}

	if c.cfg.Profiler != nil {
		c.cfg.Profiler.Record(function, parameter, cmd.Kind.String(), key)
	}

	budget := budgetLabel(cmd.Kind)
	c.metrics.SetEntries(budget, int64(c.reg.Len()))
	c.evictIfNeeded(cmd.Kind, key)
}

func budgetLabel(k registry.Kind) string {
	if k == registry.KindDeviceArray {
		return "device"
	}
	return "host"
}

// evictIfNeeded runs the least-hits-first policy (spec §4.C) for the
// budget that kind belongs to, protecting justInserted from being the
// first victim in this step.
func (c *Coordinator) evictIfNeeded(kind registry.Kind, justInserted string) {
	isDevice := kind == registry.KindDeviceArray
	pred := func(k registry.Kind) bool { return (k == registry.KindDeviceArray) == isDevice }
	capacity := c.cfg.HostCapacity
	budget := "host"
	if isDevice {
		capacity = c.cfg.DeviceCapacity
		budget = "device"
	}

	total := c.reg.TotalSize(pred)
	c.metrics.SetLiveBytes(budget, total)
	if capacity <= 0 || total <= capacity {
		return
	}

	victims := eviction.Select(c.reg.HitLog(), total, capacity, justInserted, func(key string) bool {
		d, ok := c.reg.Peek(key)
		return ok && pred(d.Kind)
	}, func(key string) int64 {
		d, _ := c.reg.Peek(key)
		return d.Size
	})

	for _, key := range victims {
		d, ok := c.reg.Remove(key)
		if !ok {
			continue
		}
		// Eviction of a DeviceArray entry does not free device memory
		// (spec §4.C); only host-kind segments are released back to the
		// Region Server.
		if d.Kind != registry.KindDeviceArray {
			if err := c.segSrv.Release(d.SegmentName); err != nil {
				c.logger.Warn("release segment on eviction failed", zap.String("key", key), zap.Error(err))
			}
		}
		c.metrics.IncEvict(budget)
		c.logger.Debug("evicted", zap.String("key", key), zap.Uint64("hits", d.Hits))
	}
	c.metrics.SetEntries(budget, int64(c.reg.Len()))
}

// handleGet implements GET (spec §4.C): Messages carries
// [key, parameter, function]. No reply is sent; a miss is silently a no-op
// (the Client already resolved presence via its Registry view before
// emitting GET).
func (c *Coordinator) handleGet(cmd wire.Command) {
	if len(cmd.Messages) < 3 {
		c.protocolViolation(cmd, fmt.Sprintf("GET expects 3 messages, got %d", len(cmd.Messages)))
		return
	}
	key, parameter, function := cmd.Messages[0], cmd.Messages[1], cmd.Messages[2]

	d, ok := c.reg.Get(key)
	if !ok {
		// B4: GET on an evicted/absent key is a recorded miss, not an error.
		// The budget is unknown once the descriptor is gone, so misses are
		// counted under a dedicated label rather than guessed at.
		c.metrics.IncMiss("unknown")
		return
	}
	c.metrics.IncHit(budgetLabel(d.Kind))
	if c.cfg.Profiler != nil {
		c.cfg.Profiler.Record(function, parameter, d.Kind.String(), key)
	}
}

func (c *Coordinator) handleRemove(cmd wire.Command) {
	key, ok := keyOf(cmd)
	if !ok {
		c.protocolViolation(cmd, "REMOVE missing key")
		return
	}
	d, ok := c.reg.Remove(key)
	if !ok {
		return // no-op on absent key, per spec §4.C
	}
	if d.Kind != registry.KindDeviceArray {
		if err := c.segSrv.Release(d.SegmentName); err != nil {
			c.logger.Warn("release segment on REMOVE failed", zap.String("key", key), zap.Error(err))
		}
	}
	c.metrics.SetEntries(budgetLabel(d.Kind), int64(c.reg.Len()))
}

// DecodeHandle base64-decodes a PUT_GPU handle carried in Messages[1] (and
// stored as the descriptor's SegmentName). The Coordinator itself keeps the
// handle encoded; pkg.Client calls this when it opens a pooled device
// handle and when it builds a retrieved DeviceArray.
func DecodeHandle(handleB64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(handleB64)
}

// Snapshot exposes a read-only copy of the Registry for diagnostics and for
// constructing a Client's read-through Registry view refresh. It round-trips
// through the actor loop (rather than reading c.reg directly) because the
// Registry is owned exclusively by that goroutine.
func (c *Coordinator) Snapshot(ctx context.Context) (map[string]registry.Descriptor, error) {
	out := make(chan map[string]registry.Descriptor, 1)
	select {
	case c.snapshot <- out:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case snap := <-out:
		return snap, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
