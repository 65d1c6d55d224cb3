package cachetracker

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/lezzidan/compsssqaaas/internal/coordinator"
	"github.com/lezzidan/compsssqaaas/internal/nodelock"
	"github.com/lezzidan/compsssqaaas/internal/registry"
	"github.com/lezzidan/compsssqaaas/internal/segment"
	"github.com/lezzidan/compsssqaaas/internal/wire"
)

// ErrCacheMiss is returned by Retrieve when key has no live descriptor, and
// wrapped together with ErrAttachFailed when its segment cannot be attached.
// Unlike the other sentinels in errors.go, this is an ordinary, expected
// outcome: callers fall back to recomputation, exactly as a miss on any
// other cache would be handled.
var ErrCacheMiss = errors.New("cachetracker: cache miss")

// DeviceHandle is an opened device-memory IPC handle, pooled per Client
// (spec §4.D, §9: "keep opened IPC handles pooled per Client; release all
// at executor teardown").
type DeviceHandle interface {
	Close() error
}

// DeviceOpener opens an IPC handle for device-memory bytes on deviceID.
// The cache tracker core never touches device memory directly (spec §1:
// array-library bindings are out of scope); real deployments plug in a
// CUDA/ROCm-backed implementation via WithDeviceOpener. The default
// stubDeviceOpener always fails, which is the correct behavior absent a
// real binding: every DeviceArray probe and retrieval is reported as a
// miss rather than crashing.
type DeviceOpener interface {
	Open(deviceID int, handle []byte) (DeviceHandle, error)
}

type stubDeviceOpener struct{}

func (stubDeviceOpener) Open(int, []byte) (DeviceHandle, error) {
	return nil, ErrDeviceHandleOpenFailed
}

// KeyFromPath derives the stable logical key for a value from the absolute
// path the runtime would persist it under (spec §3, resolving §9's open
// question in favor of basename-only derivation).
func KeyFromPath(path string) string {
	return filepath.Base(path)
}

// Client is the per-executor Cache Tracker Client facade (component D).
// Per spec §5, a Client is used single-threaded by its owning executor;
// the internal mutex around its wire connection exists only to make
// accidental concurrent use fail safely rather than corrupt the
// connection's framing.
type Client struct {
	cfg  *config
	conn net.Conn
	wmu  sync.Mutex
	wire *wire.Codec

	dir      string
	nodeLock *nodelock.Striped
	dedup    singleflight.Group

	deviceOpener  DeviceOpener
	deviceMu      sync.Mutex
	deviceHandles map[string]DeviceHandle

	tracer Tracer
	logger *zap.Logger
}

// New dials the daemon endpoint and authenticates. opts must include at
// least WithHostCapacity/WithDeviceCapacity matching the daemon's own
// configuration (the Client does not enforce capacity itself — only the
// Coordinator does — but needs the same policy value to validate).
func New(opts ...Option) (*Client, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	conn, err := net.Dial(cfg.network, cfg.address)
	if err != nil {
		return nil, fmt.Errorf("cachetracker: dial %s %s: %w", cfg.network, cfg.address, err)
	}
	codec := wire.NewCodec(conn)
	if err := codec.Send(wire.Frame{Kind: wire.FrameAuth, AuthKey: cfg.authKey}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("cachetracker: auth: %w", err)
	}

	dir := segment.BackingDir()
	nl, err := nodelock.Open(dir)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("cachetracker: open node lock: %w", err)
	}

	return &Client{
		cfg:           cfg,
		conn:          conn,
		wire:          codec,
		dir:           dir,
		nodeLock:      nl,
		deviceOpener:  stubDeviceOpener{},
		deviceHandles: make(map[string]DeviceHandle),
		tracer:        cfg.tracer,
		logger:        cfg.logger,
	}, nil
}

// SetDeviceOpener overrides the default stub device opener. Not a
// functional Option because it is usually wired in after construction,
// once the executor has selected a concrete device backend.
func (c *Client) SetDeviceOpener(o DeviceOpener) {
	if o != nil {
		c.deviceOpener = o
	}
}

// Close releases every pooled device handle, the node-local lock stripes,
// and the daemon connection.
func (c *Client) Close() error {
	var errs error
	if err := c.CloseDeviceHandles(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.nodeLock.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	if err := c.conn.Close(); err != nil {
		errs = multierr.Append(errs, err)
	}
	return errs
}

// CloseDeviceHandles releases every pooled device IPC handle (spec §9:
// "Do not release per retrieval ... release all at executor teardown").
func (c *Client) CloseDeviceHandles() error {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()

	var errs error
	for name, h := range c.deviceHandles {
		if err := h.Close(); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("close device handle %s: %w", name, err))
		}
		delete(c.deviceHandles, name)
	}
	return errs
}

// --- wire round trips -------------------------------------------------

// applyDeadline propagates ctx's deadline (if any) onto the connection, so
// a cancelled or timed-out ctx unblocks an in-flight Send/Recv instead of
// hanging forever on a wedged daemon.
func (c *Client) applyDeadline(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
	} else {
		_ = c.conn.SetDeadline(time.Time{})
	}
}

func (c *Client) doCommand(ctx context.Context, cmd wire.Command, expectReply bool) (wire.CommandReply, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.applyDeadline(ctx)

	if err := c.wire.Send(wire.Frame{Kind: wire.FrameCommand, Command: &cmd}); err != nil {
		return wire.CommandReply{}, err
	}
	if !expectReply {
		return wire.CommandReply{}, nil
	}
	f, err := c.wire.Recv()
	if err != nil {
		return wire.CommandReply{}, err
	}
	if f.Kind != wire.FrameCommandReply || f.CommandReply == nil {
		return wire.CommandReply{}, fmt.Errorf("cachetracker: unexpected reply frame kind %q", f.Kind)
	}
	return *f.CommandReply, nil
}

func (c *Client) doSegmentRequest(ctx context.Context, req wire.SegmentRequest) (wire.SegmentReply, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.applyDeadline(ctx)

	if err := c.wire.Send(wire.Frame{Kind: wire.FrameSegmentRequest, SegmentRequest: &req}); err != nil {
		return wire.SegmentReply{}, err
	}
	f, err := c.wire.Recv()
	if err != nil {
		return wire.SegmentReply{}, err
	}
	if f.Kind != wire.FrameSegmentReply || f.SegmentReply == nil {
		return wire.SegmentReply{}, fmt.Errorf("cachetracker: unexpected reply frame kind %q", f.Kind)
	}
	if f.SegmentReply.Err != "" {
		return *f.SegmentReply, segmentReplyError(*f.SegmentReply)
	}
	return *f.SegmentReply, nil
}

// segmentReplyError reconstructs an error from a failed SegmentReply,
// wrapping the pkg-level sentinel ErrKind identifies (when set) so
// errors.Is(err, ErrOutOfSharedMemory) survives the reply having crossed
// the wire as a plain string.
func segmentReplyError(r wire.SegmentReply) error {
	switch r.ErrKind {
	case wire.SegmentErrOutOfSharedMemory:
		return fmt.Errorf("%w: %s", ErrOutOfSharedMemory, r.Err)
	default:
		return errors.New(r.Err)
	}
}

func (c *Client) describe(ctx context.Context, key string) (registry.Descriptor, bool, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.applyDeadline(ctx)

	req := wire.DescriptorRequest{Key: key}
	if err := c.wire.Send(wire.Frame{Kind: wire.FrameDescriptorRequest, DescriptorRequest: &req}); err != nil {
		return registry.Descriptor{}, false, err
	}
	f, err := c.wire.Recv()
	if err != nil {
		return registry.Descriptor{}, false, err
	}
	if f.Kind != wire.FrameDescriptorReply || f.DescriptorReply == nil {
		return registry.Descriptor{}, false, fmt.Errorf("cachetracker: unexpected reply frame kind %q", f.Kind)
	}
	r := f.DescriptorReply
	if !r.Found {
		return registry.Descriptor{}, false, nil
	}
	return registry.Descriptor{
		SegmentName: r.SegmentName,
		Shape:       r.Shape,
		DType:       r.DType,
		Size:        r.Size,
		Hits:        r.Hits,
		Kind:        r.Kind,
		DeviceID:    r.DeviceID,
	}, true, nil
}

// --- Insert -------------------------------------------------------------

// Insert implements the Cache Tracker Client's insert flow (spec §4.D).
// It never returns an error for conditions spec §7 marks best-effort:
// unsupported kinds, zero-byte candidates, and mid-flight allocation
// failures are all swallowed (logged at debug) since missing the cache
// only forces recomputation. Errors are only returned for wire-level
// failures (the connection itself is broken).
func (c *Client) Insert(ctx context.Context, key, parameter, function string, v any) error {
	payload, err := Classify(v)
	if err != nil {
		c.logger.Debug("insert: unsupported kind, skipping", zap.String("key", key))
		return nil
	}

	_, err, _ = c.dedup.Do(key, func() (any, error) {
		return nil, c.insertLocked(ctx, key, parameter, function, payload)
	})
	return err
}

func (c *Client) insertLocked(ctx context.Context, key, parameter, function string, payload Payload) error {
	unlock, err := c.nodeLock.Lock(key)
	if err != nil {
		return fmt.Errorf("cachetracker: node lock: %w", err)
	}

	locked, err := c.doCommand(ctx, wire.Command{Action: wire.ActionIsLocked, Messages: []string{key}}, true)
	if err != nil {
		unlock()
		return err
	}
	present, err := c.doCommand(ctx, wire.Command{Action: wire.ActionIsInCache, Messages: []string{key}}, true)
	if err != nil {
		unlock()
		return err
	}

	abandon := locked.Bool || present.Bool
	if !abandon {
		if _, err := c.doCommand(ctx, wire.Command{Action: wire.ActionLock, Messages: []string{key}}, false); err != nil {
			unlock()
			return err
		}
	}
	if err := unlock(); err != nil {
		return err
	}
	if abandon {
		return nil
	}

	exit := c.tracer.Enter(insertEventFor(payload.Kind))
	defer exit()

	if err := c.put(ctx, key, parameter, function, payload); err != nil {
		c.logger.Debug("insert: put failed, unlocking", zap.String("key", key), zap.Error(err))
		_, _ = c.doCommand(ctx, wire.Command{Action: wire.ActionUnlock, Messages: []string{key}}, false)
		return nil
	}
	return nil
}

func insertEventFor(k registry.Kind) string {
	if k == registry.KindDeviceArray {
		return EventInsertIntoGPUCache
	}
	return EventInsertIntoCache
}

// put dispatches by payload kind (spec §4.D step 5) and emits PUT/PUT_GPU.
func (c *Client) put(ctx context.Context, key, parameter, function string, payload Payload) error {
	switch payload.Kind {
	case registry.KindHostArray:
		return c.putHostArray(ctx, key, parameter, function, payload.Host)
	case registry.KindDeviceArray:
		return c.putDeviceArray(ctx, key, parameter, function, payload.Device)
	default:
		return c.putSequence(ctx, key, parameter, function, payload.Seq, payload.Kind)
	}
}

func (c *Client) putHostArray(ctx context.Context, key, parameter, function string, a *HostArray) error {
	size := int64(len(a.Bytes))
	if size == 0 {
		return c.unlockOnly(ctx, key) // B1: zero-byte candidate is a no-op, still unlocked
	}

	sr, err := c.doSegmentRequest(ctx, wire.SegmentRequest{Op: wire.SegmentOpAllocate, Size: size})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSegmentAllocationFailed, err)
	}
	buf, err := segment.OpenWritable(c.dir, sr.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSegmentAllocationFailed, err)
	}
	copy(buf, a.Bytes)
	c.tracer.Size(EventSerializationCacheSize, size)

	_, err = c.doCommand(ctx, wire.Command{
		Action:   wire.ActionPut,
		Messages: []string{key, sr.Name, parameter, function},
		Size:     size,
		DType:    a.DType,
		Shape:    a.Shape,
		Kind:     registry.KindHostArray,
	}, false)
	return err
}

func (c *Client) putDeviceArray(ctx context.Context, key, parameter, function string, a *DeviceArray) error {
	if a.Size == 0 {
		return c.unlockOnly(ctx, key)
	}
	handleB64 := base64.StdEncoding.EncodeToString(a.Handle)
	_, err := c.doCommand(ctx, wire.Command{
		Action:   wire.ActionPutGPU,
		Messages: []string{key, handleB64, parameter, function},
		Size:     a.Size,
		DType:    a.DType,
		Shape:    a.Shape,
		Kind:     registry.KindDeviceArray,
		DeviceID: a.DeviceID,
	}, false)
	return err
}

func (c *Client) putSequence(ctx context.Context, key, parameter, function string, s *Sequence, kind registry.Kind) error {
	if len(s.Elements) == 0 {
		return c.unlockOnly(ctx, key)
	}
	slotSize := 0
	dtype := s.Elements[0].DType
	for _, el := range s.Elements {
		if len(el.Bytes) > slotSize {
			slotSize = len(el.Bytes)
		}
	}
	if slotSize == 0 {
		slotSize = 8
	}

	sr, err := c.doSegmentRequest(ctx, wire.SegmentRequest{
		Op:       wire.SegmentOpAllocateSequence,
		Elements: len(s.Elements),
		SlotSize: slotSize,
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSegmentAllocationFailed, err)
	}
	buf, err := segment.OpenWritable(c.dir, sr.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSegmentAllocationFailed, err)
	}
	for i, el := range s.Elements {
		copy(segment.SequenceSlot(buf, i, slotSize), el.Bytes)
	}

	size := int64(len(s.Elements)) * int64(slotSize)
	_, err = c.doCommand(ctx, wire.Command{
		Action:   wire.ActionPut,
		Messages: []string{key, sr.Name, parameter, function},
		Size:     size,
		DType:    dtype,
		Kind:     kind,
	}, false)
	return err
}

func (c *Client) unlockOnly(ctx context.Context, key string) error {
	_, err := c.doCommand(ctx, wire.Command{Action: wire.ActionUnlock, Messages: []string{key}}, false)
	return err
}

// --- Retrieve -------------------------------------------------------------

// Retrieve implements the Cache Tracker Client's retrieve flow (spec
// §4.D). ErrCacheMiss (possibly wrapped; test with errors.Is) is returned
// whenever the executor should fall back to recomputation, including when
// the key's segment cannot be attached. ErrUnknownCacheableType and
// ErrDeviceHandleOpenFailed fail the retrieval; any other error comes from
// the connection to the daemon.
func (c *Client) Retrieve(ctx context.Context, key, parameter, function string) (any, error) {
	d, found, err := c.describe(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrCacheMiss
	}

	exit := c.tracer.Enter(retrieveEventFor(d.Kind))
	defer exit()

	var out any
	switch d.Kind {
	case registry.KindHostArray:
		out, err = c.retrieveHostArray(ctx, d)
	case registry.KindDeviceArray:
		out, err = c.retrieveDeviceArray(d)
	case registry.KindSequenceList, registry.KindSequenceTuple:
		out, err = c.retrieveSequence(ctx, d)
	default:
		return nil, ErrUnknownCacheableType
	}
	if err != nil {
		return nil, err
	}

	_, _ = c.doCommand(ctx, wire.Command{Action: wire.ActionGet, Messages: []string{key, parameter, function}}, false)
	return out, nil
}

func retrieveEventFor(k registry.Kind) string {
	if k == registry.KindDeviceArray {
		return EventRetrieveFromGPUCache
	}
	return EventRetrieveFromCache
}

// attachRetryBudget bounds the retry window for attaching a segment named by
// a descriptor this Client just read: the Coordinator evicts concurrently
// with other keys' inserts, so a segment can in principle be released
// between the descriptor read and the attach. The window is short because a
// true miss (the key was genuinely evicted) should surface quickly rather
// than stall the executor.
func attachRetryBudget() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewConstant(10*time.Millisecond))
}

// attachWithRetry wraps segment.Attach with a short bounded retry on
// ErrNoSuchSegment, following the teacher pack's Retry/ShouldRetry pattern
// for the same "transient vs. permanent" distinction: any other error (or a
// ctx cancellation) is treated as permanent and returned immediately.
func (c *Client) attachWithRetry(ctx context.Context, name string) ([]byte, error) {
	var buf []byte
	err := retry.Do(ctx, attachRetryBudget(), func(ctx context.Context) error {
		b, err := segment.Attach(c.dir, name)
		if err != nil {
			if errors.Is(err, segment.ErrNoSuchSegment) {
				return retry.RetryableError(err)
			}
			return err
		}
		buf = b
		return nil
	})
	return buf, err
}

// attachError wraps a failed attachWithRetry call as ErrCacheMiss and
// ErrAttachFailed, additionally chaining the pkg-level ErrNoSuchSegment
// sentinel when the underlying cause was the segment genuinely not existing,
// so callers can distinguish that case from a transient local mmap failure
// via errors.Is.
func attachError(err error) error {
	if errors.Is(err, segment.ErrNoSuchSegment) {
		return fmt.Errorf("%w: %w: %w: %v", ErrCacheMiss, ErrAttachFailed, ErrNoSuchSegment, err)
	}
	return fmt.Errorf("%w: %w: %v", ErrCacheMiss, ErrAttachFailed, err)
}

func (c *Client) retrieveHostArray(ctx context.Context, d registry.Descriptor) (HostArray, error) {
	buf, err := c.attachWithRetry(ctx, d.SegmentName)
	if err != nil {
		return HostArray{}, attachError(err)
	}
	out := make([]byte, len(buf))
	copy(out, buf)
	c.tracer.Size(EventDeserializationCacheSize, int64(len(out)))
	return HostArray{Shape: d.Shape, DType: d.DType, Bytes: out}, nil
}

func (c *Client) retrieveSequence(ctx context.Context, d registry.Descriptor) (Sequence, error) {
	buf, err := c.attachWithRetry(ctx, d.SegmentName)
	if err != nil {
		return Sequence{}, attachError(err)
	}
	elements, slotSize, err := segment.ReadSequenceHeader(buf)
	if err != nil {
		return Sequence{}, attachError(err)
	}
	out := make([]Scalar, elements)
	for i := 0; i < elements; i++ {
		raw := segment.SequenceSlot(buf, i, slotSize)
		cp := make([]byte, len(raw))
		copy(cp, raw)
		out[i] = Scalar{DType: d.DType, Bytes: cp}
	}
	return Sequence{Elements: out, Mutable: d.Kind == registry.KindSequenceList}, nil
}

func (c *Client) retrieveDeviceArray(d registry.Descriptor) (DeviceArray, error) {
	handle, err := c.openDeviceHandle(d.SegmentName, d.DeviceID)
	if err != nil {
		return DeviceArray{}, err
	}
	_ = handle // pooled; the view itself is constructed by the caller's device binding
	raw, err := coordinator.DecodeHandle(d.SegmentName)
	if err != nil {
		return DeviceArray{}, fmt.Errorf("%w: %v", ErrDeviceHandleOpenFailed, err)
	}
	return DeviceArray{Shape: d.Shape, DType: d.DType, DeviceID: d.DeviceID, Handle: raw, Size: d.Size}, nil
}

// openDeviceHandle opens (or reuses a pooled) IPC handle for a
// base64-encoded handle string, keyed by that string itself (spec §4.D:
// "cache the opened handle keyed by segment-name (the base64 handle
// bytes)").
func (c *Client) openDeviceHandle(handleB64 string, deviceID int) (DeviceHandle, error) {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()

	if h, ok := c.deviceHandles[handleB64]; ok {
		return h, nil
	}
	raw, err := coordinator.DecodeHandle(handleB64)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceHandleOpenFailed, err)
	}
	h, err := c.deviceOpener.Open(deviceID, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDeviceHandleOpenFailed, err)
	}
	c.deviceHandles[handleB64] = h
	return h, nil
}

// --- Replace / Remove / InCache ------------------------------------------

// Replace implements REMOVE followed by Insert under the same guarantees
// (spec §4.D "Replace").
func (c *Client) Replace(ctx context.Context, key, parameter, function string, v any) error {
	if err := c.Remove(ctx, key); err != nil {
		return err
	}
	return c.Insert(ctx, key, parameter, function, v)
}

// Remove emits REMOVE for key (spec §4.C REMOVE; §4.D "Replace").
func (c *Client) Remove(ctx context.Context, key string) error {
	exit := c.tracer.Enter(EventRemoveFromCache)
	defer exit()
	_, err := c.doCommand(ctx, wire.Command{Action: wire.ActionRemove, Messages: []string{key}}, false)
	return err
}

// InCache answers a presence query without going through the Coordinator's
// ordered command path (spec §4.D "Presence query"). For DeviceArray
// entries, presence additionally requires that this Client's device can
// open the IPC handle; failure is reported as a miss, matching §4.D and
// the EventCacheHitGPU/EventCacheMissGPU/EventCheckAccessGPU tracing
// triple.
func (c *Client) InCache(ctx context.Context, key string) (bool, error) {
	exit := c.tracer.Enter(EventCheckAccessGPU)
	defer exit()

	d, found, err := c.describe(ctx, key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	if d.Kind != registry.KindDeviceArray {
		return true, nil
	}

	_, err = c.openDeviceHandle(d.SegmentName, d.DeviceID)
	if err != nil {
		c.tracer.Enter(EventCacheMissGPU)()
		return false, nil
	}
	c.tracer.Enter(EventCacheHitGPU)()
	return true, nil
}
