// Package bench provides reproducible micro-benchmarks for the cache
// tracker's insert/retrieve round trip over a real Unix domain socket
// connection to a cachetrackerd daemon. Run via:
//
//	go test ./bench -bench=. -benchmem -cpu 1,4,16
//
// Every benchmark uses the same value shape — a 4 KiB host-array payload —
// so results are comparable across versions. We measure:
//  1. Insert        — write-only workload
//  2. Retrieve      — read-only workload (after warm-up, all hits)
//  3. RetrieveMiss  — read-only workload, all misses
//  4. RetrieveParallel — concurrent reads across goroutines sharing one Client
//
// NOTE: correctness tests live in the package _test.go files; this file is
// only for performance.
//
// © 2025 compsssqaaas authors.
package bench

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	cachetracker "github.com/lezzidan/compsssqaaas/pkg"
)

const (
	keys      = 1 << 16
	valueSize = 4 << 10
	// capBytes holds the whole keys*valueSize dataset, so warm-up inserts
	// never evict and every Retrieve after warm-up is a hit.
	capBytes = keys * valueSize
)

var ds = func() []string {
	arr := make([]string, keys)
	for i := range arr {
		arr[i] = fmt.Sprintf("d%dv1_%d.pkl", rand.Uint64(), i)
	}
	return arr
}()

var payloadBytes = func() []byte {
	b := make([]byte, valueSize)
	rand.New(rand.NewSource(7)).Read(b)
	return b
}()

// newBenchPair starts a daemon and one Client over a fresh Unix socket. b
// registers cleanup to tear both down.
func newBenchPair(b *testing.B) *cachetracker.Client {
	b.Helper()
	sock := filepath.Join(b.TempDir(), "cachetracker-bench.sock")

	daemon, err := cachetracker.NewDaemon(
		cachetracker.WithHostCapacity(capBytes),
		cachetracker.WithEndpoint("unix", sock),
	)
	if err != nil {
		b.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		daemon.Run(ctx)
		close(done)
	}()

	var client *cachetracker.Client
	for i := 0; i < 100; i++ {
		client, err = cachetracker.New(
			cachetracker.WithHostCapacity(capBytes),
			cachetracker.WithEndpoint("unix", sock),
		)
		if err == nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if client == nil {
		cancel()
		b.Fatalf("dial daemon: %v", err)
	}

	b.Cleanup(func() {
		client.Close()
		cancel()
		<-done
		os.Remove(sock)
	})
	return client
}

func BenchmarkInsert(b *testing.B) {
	client := newBenchPair(b)
	payload := cachetracker.HostArray{DType: "uint8", Bytes: payloadBytes}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		key := ds[i&(keys-1)]
		_ = client.Insert(context.Background(), key, "v", "bench", payload)
	}
}

func BenchmarkRetrieve(b *testing.B) {
	client := newBenchPair(b)
	payload := cachetracker.HostArray{DType: "uint8", Bytes: payloadBytes}
	for _, k := range ds {
		_ = client.Insert(context.Background(), k, "v", "bench", payload)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := ds[i&(keys-1)]
		_, _ = client.Retrieve(context.Background(), k, "v", "bench")
	}
}

func BenchmarkRetrieveMiss(b *testing.B) {
	client := newBenchPair(b)

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		k := fmt.Sprintf("never-inserted-%d.pkl", i)
		_, _ = client.Retrieve(context.Background(), k, "v", "bench")
	}
}

// BenchmarkRetrieveParallel deliberately shares one Client across
// goroutines, exercising the wire mutex's serialization rather than the
// single-executor-per-Client usage spec §5 assumes.
func BenchmarkRetrieveParallel(b *testing.B) {
	client := newBenchPair(b)
	payload := cachetracker.HostArray{DType: "uint8", Bytes: payloadBytes}
	for _, k := range ds {
		_ = client.Insert(context.Background(), k, "v", "bench", payload)
	}

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		idx := rand.Intn(keys)
		for pb.Next() {
			idx = (idx + 1) & (keys - 1)
			_, _ = client.Retrieve(context.Background(), ds[idx], "v", "bench")
		}
	})
}
