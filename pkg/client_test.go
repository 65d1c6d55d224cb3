package cachetracker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/lezzidan/compsssqaaas/internal/segment"
	"github.com/lezzidan/compsssqaaas/internal/wire"
)

// newTestPair starts a daemon over a fresh Unix socket under t.TempDir() and
// dials one Client against it, mirroring bench/bench_test.go's setup but
// with testify assertions and a tighter dial-retry loop since unit tests run
// far more of these than the benchmarks do.
func newTestPair(t *testing.T, opts ...Option) (*Client, *Daemon) {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "cachetracker-test.sock")

	daemonOpts := append([]Option{
		WithHostCapacity(1 << 20),
		WithDeviceCapacity(1 << 20),
		WithEndpoint("unix", sock),
	}, opts...)
	daemon, err := NewDaemon(daemonOpts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = daemon.Run(ctx)
		close(done)
	}()

	var client *Client
	for i := 0; i < 200; i++ {
		client, err = New(WithHostCapacity(1<<20), WithDeviceCapacity(1<<20), WithEndpoint("unix", sock))
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err, "dial daemon")

	t.Cleanup(func() {
		_ = client.Close()
		cancel()
		<-done
		os.Remove(sock)
	})
	return client, daemon
}

func TestInsertRetrieveHostArray(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	payload := HostArray{DType: "uint8", Bytes: []byte("hello")}
	require.NoError(t, client.Insert(ctx, "k1.pkl", "p1", "fn1", payload))

	v, err := client.Retrieve(ctx, "k1.pkl", "p1", "fn1")
	require.NoError(t, err)
	ha, ok := v.(HostArray)
	require.True(t, ok)
	require.Equal(t, "hello", string(ha.Bytes))
}

func TestRetrieveMissReturnsErrCacheMiss(t *testing.T) {
	client, _ := newTestPair(t)
	_, err := client.Retrieve(context.Background(), "never-inserted.pkl", "p1", "fn1")
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestInsertThenRemoveIsAMiss(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	payload := HostArray{Bytes: []byte("data")}
	require.NoError(t, client.Insert(ctx, "k1.pkl", "p", "fn", payload))
	require.NoError(t, client.Remove(ctx, "k1.pkl"))

	_, err := client.Retrieve(ctx, "k1.pkl", "p", "fn")
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestReplaceOverwritesValue(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	require.NoError(t, client.Insert(ctx, "k1.pkl", "p", "fn", HostArray{Bytes: []byte("old")}))
	require.NoError(t, client.Replace(ctx, "k1.pkl", "p", "fn", HostArray{Bytes: []byte("new-value")}))

	v, err := client.Retrieve(ctx, "k1.pkl", "p", "fn")
	require.NoError(t, err)
	ha := v.(HostArray)
	require.Equal(t, "new-value", string(ha.Bytes))
}

func TestInCacheReportsPresenceForHostArray(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	ok, err := client.InCache(ctx, "k1.pkl")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, client.Insert(ctx, "k1.pkl", "p", "fn", HostArray{Bytes: []byte("x")}))

	ok, err = client.InCache(ctx, "k1.pkl")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestInCacheForDeviceArrayFailsWithoutDeviceOpener(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	require.NoError(t, client.Insert(ctx, "dk.pkl", "p", "fn", DeviceArray{DeviceID: 0, Handle: []byte("h"), Size: 8}))

	// The default stubDeviceOpener always fails to open, so presence must be
	// reported as a miss even though the Registry entry exists.
	ok, err := client.InCache(ctx, "dk.pkl")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestInsertDuplicateKeyIsAbandonedSilently(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	require.NoError(t, client.Insert(ctx, "k1.pkl", "p", "fn", HostArray{Bytes: []byte("first")}))
	// A second Insert for the same key must not error and must not replace
	// the first value (spec: abandon on already-present).
	require.NoError(t, client.Insert(ctx, "k1.pkl", "p", "fn", HostArray{Bytes: []byte("second")}))

	v, err := client.Retrieve(ctx, "k1.pkl", "p", "fn")
	require.NoError(t, err)
	require.Equal(t, "first", string(v.(HostArray).Bytes))
}

func TestInsertUnsupportedKindIsSilentlySkipped(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	require.NoError(t, client.Insert(ctx, "k1.pkl", "p", "fn", 12345))
	_, err := client.Retrieve(ctx, "k1.pkl", "p", "fn")
	require.ErrorIs(t, err, ErrCacheMiss)
}

func TestInsertSequenceRoundTrip(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	seq := Sequence{
		Elements: []Scalar{
			{DType: "int64", Bytes: []byte{1, 0, 0, 0, 0, 0, 0, 0}},
			{DType: "int64", Bytes: []byte{2, 0, 0, 0, 0, 0, 0, 0}},
		},
		Mutable: true,
	}
	require.NoError(t, client.Insert(ctx, "seq.pkl", "p", "fn", seq))

	v, err := client.Retrieve(ctx, "seq.pkl", "p", "fn")
	require.NoError(t, err)
	got := v.(Sequence)
	require.True(t, got.Mutable)
	require.Len(t, got.Elements, 2)
	require.Equal(t, byte(1), got.Elements[0].Bytes[0])
	require.Equal(t, byte(2), got.Elements[1].Bytes[0])
}

func TestKeyFromPathIsBasename(t *testing.T) {
	require.Equal(t, "d1v1_0.pkl", KeyFromPath("/tmp/compss-sandbox/worker1/d1v1_0.pkl"))
}

func TestConcurrentInsertsAcrossKeysSucceed(t *testing.T) {
	client, _ := newTestPair(t)
	ctx := context.Background()

	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		i := i
		go func() {
			key := fmt.Sprintf("k%d.pkl", i)
			errs <- client.Insert(ctx, key, "p", "fn", HostArray{Bytes: []byte(fmt.Sprintf("v%d", i))})
		}()
	}
	for i := 0; i < 20; i++ {
		require.NoError(t, <-errs)
	}
}

// TestSegmentReplyErrorPreservesOutOfSharedMemorySentinel verifies that
// ErrOutOfSharedMemory's identity survives a SegmentReply that crossed the
// wire as a plain string, via the ErrKind tag daemon.go sets.
func TestSegmentReplyErrorPreservesOutOfSharedMemorySentinel(t *testing.T) {
	reply := wire.SegmentReply{Err: "segment: out of shared memory: create x: no space left on device", ErrKind: wire.SegmentErrOutOfSharedMemory}
	err := segmentReplyError(reply)
	require.ErrorIs(t, err, ErrOutOfSharedMemory)
}

func TestSegmentReplyErrorWithoutKindIsPlain(t *testing.T) {
	reply := wire.SegmentReply{Err: "boom"}
	err := segmentReplyError(reply)
	require.EqualError(t, err, "boom")
	require.NotErrorIs(t, err, ErrOutOfSharedMemory)
}

// TestSegmentErrKindClassification mirrors daemon.go's segmentErrKind
// classification directly against the segment package's sentinels.
func TestSegmentErrKindClassification(t *testing.T) {
	require.Equal(t, wire.SegmentErrOutOfSharedMemory, segmentErrKind(fmt.Errorf("wrap: %w", segment.ErrOutOfSharedMemory)))
	require.Equal(t, wire.SegmentErrNone, segmentErrKind(errors.New("unrelated")))
}

// TestAttachErrorPreservesNoSuchSegmentSentinel verifies ErrNoSuchSegment's
// identity survives being wrapped as ErrAttachFailed.
func TestAttachErrorPreservesNoSuchSegmentSentinel(t *testing.T) {
	err := attachError(fmt.Errorf("wrap: %w", segment.ErrNoSuchSegment))
	require.ErrorIs(t, err, ErrAttachFailed)
	require.ErrorIs(t, err, ErrNoSuchSegment)
}

func TestAttachErrorWithoutNoSuchSegmentOmitsSentinel(t *testing.T) {
	err := attachError(errors.New("transient mmap failure"))
	require.ErrorIs(t, err, ErrAttachFailed)
	require.NotErrorIs(t, err, ErrNoSuchSegment)
}
