package cachetracker

// daemon.go hosts the Shared-Memory Region Server (component A) and the
// Cache Coordinator (component C) behind one listener, matching the
// cachetrackerd process spec §2 describes as the Server+Coordinator half
// of the system. cmd/cachetrackerd is a thin wrapper that parses flags and
// calls NewDaemon and Daemon.Run; the substance lives here so it can share config.go's
// option machinery with the Client side.
//
// © 2025 compsssqaaas authors.
import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/lezzidan/compsssqaaas/internal/coordinator"
	"github.com/lezzidan/compsssqaaas/internal/segment"
	"github.com/lezzidan/compsssqaaas/internal/wire"
)

// Daemon hosts the Region Server and Coordinator and serves Client
// connections.
type Daemon struct {
	cfg    *config
	segSrv *segment.Server
	coord  *coordinator.Coordinator
	prof   *coordinator.Profiler

	listener net.Listener
	debugSrv *http.Server
}

// NewDaemon constructs a Daemon from Options. Capacity options are
// required (WithHostCapacity at minimum); see applyOptions.
func NewDaemon(opts ...Option) (*Daemon, error) {
	cfg, err := applyOptions(opts)
	if err != nil {
		return nil, err
	}

	segSrv := segment.NewServer(cfg.logger)

	var prof *coordinator.Profiler
	if cfg.profiler {
		prof = coordinator.NewProfiler(cfg.logDir, cfg.profilerFlush, cfg.logger)
		prof.Run()
	}

	coord := coordinator.New(segSrv, coordinator.Config{
		HostCapacity:   cfg.hostCapacity,
		DeviceCapacity: cfg.deviceCapacity,
		Profiler:       prof,
		Logger:         cfg.logger,
		Metrics:        newMetricsSink(cfg.registry),
	})

	return &Daemon{cfg: cfg, segSrv: segSrv, coord: coord, prof: prof}, nil
}

// Run listens on the configured endpoint and serves connections until ctx
// is cancelled. It blocks until shutdown completes.
func (d *Daemon) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, d.cfg.network, d.cfg.address)
	if err != nil {
		return fmt.Errorf("cachetrackerd: listen %s %s: %w", d.cfg.network, d.cfg.address, err)
	}
	d.listener = ln
	d.cfg.logger.Info("cachetrackerd listening", zap.String("network", d.cfg.network), zap.String("address", d.cfg.address))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.coord.Run(ctx)
	}()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	if d.cfg.debugAddr != "" {
		d.startDebugServer(ctx)
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			d.cfg.logger.Warn("accept failed", zap.Error(err))
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.serveConn(ctx, conn)
		}()
	}

	wg.Wait()
	if d.prof != nil {
		return d.prof.Close()
	}
	return nil
}

// Shutdown stops accepting connections and releases every live segment.
// force mirrors segment.Server.Shutdown: pass true to reclaim segments that
// were never explicitly REMOVEd.
func (d *Daemon) Shutdown(force bool) error {
	if d.listener != nil {
		_ = d.listener.Close()
	}
	if d.debugSrv != nil {
		_ = d.debugSrv.Close()
	}
	return d.segSrv.Shutdown(force)
}

// startDebugServer starts the diagnostics HTTP listener: a Registry
// snapshot endpoint consumed by cmd/cachetracker-inspect, following the
// teacher's examples/basic /debug/<name>/snapshot convention, plus
// Prometheus /metrics when a registry was configured via WithMetrics.
func (d *Daemon) startDebugServer(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/cachetracker/snapshot", func(w http.ResponseWriter, r *http.Request) {
		snap, err := d.coord.Snapshot(r.Context())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})
	mux.HandleFunc("/debug/cachetracker/stats", func(w http.ResponseWriter, r *http.Request) {
		stats := map[string]any{
			"allocations":     d.segSrv.Allocations(),
			"host_live_bytes": d.segSrv.LiveBytes(segment.BudgetHost),
			"dev_live_bytes":  d.segSrv.LiveBytes(segment.BudgetDevice),
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(stats)
	})
	if d.cfg.registry != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(d.cfg.registry, promhttp.HandlerOpts{}))
	}

	d.debugSrv = &http.Server{Addr: d.cfg.debugAddr, Handler: mux}
	go func() {
		<-ctx.Done()
		_ = d.debugSrv.Close()
	}()
	go func() {
		if err := d.debugSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			d.cfg.logger.Warn("debug server stopped", zap.Error(err))
		}
	}()
}

var errBadAuth = errors.New("cachetrackerd: bad auth key")

func (d *Daemon) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	codec := wire.NewCodec(conn)

	first, err := codec.Recv()
	if err != nil {
		return
	}
	if first.Kind != wire.FrameAuth || string(first.AuthKey) != string(d.cfg.authKey) {
		d.cfg.logger.Warn("rejecting connection", zap.Error(errBadAuth))
		return
	}

	connID := uuid.NewString()
	defer func() {
		cmd := wire.Command{Action: wire.UnlockAllAction, ConnID: connID}
		_, _ = d.coord.Submit(context.Background(), cmd)
	}()

	for {
		f, err := codec.Recv()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				d.cfg.logger.Debug("connection read error", zap.Error(err))
			}
			return
		}
		if err := d.handleFrame(ctx, codec, connID, f); err != nil {
			d.cfg.logger.Warn("frame handling error", zap.Error(err))
			return
		}
	}
}

func (d *Daemon) handleFrame(ctx context.Context, codec *wire.Codec, connID string, f wire.Frame) error {
	switch f.Kind {
	case wire.FrameCommand:
		return d.handleCommandFrame(ctx, codec, connID, f)
	case wire.FrameSegmentRequest:
		return d.handleSegmentFrame(codec, f)
	case wire.FrameDescriptorRequest:
		return d.handleDescriptorFrame(ctx, codec, f)
	default:
		return fmt.Errorf("cachetrackerd: unexpected frame kind %q", f.Kind)
	}
}

func (d *Daemon) handleCommandFrame(ctx context.Context, codec *wire.Codec, connID string, f wire.Frame) error {
	if f.Command == nil {
		return fmt.Errorf("cachetrackerd: command frame missing Command")
	}
	cmd := *f.Command
	cmd.ConnID = connID

	reply, err := d.coord.Submit(ctx, cmd)
	if err != nil {
		return err
	}
	if reply == nil {
		return nil
	}
	r := <-reply
	return codec.Send(wire.Frame{Kind: wire.FrameCommandReply, CommandReply: &r})
}

func (d *Daemon) handleSegmentFrame(codec *wire.Codec, f wire.Frame) error {
	if f.SegmentRequest == nil {
		return fmt.Errorf("cachetrackerd: segment frame missing SegmentRequest")
	}
	req := f.SegmentRequest
	reply := wire.SegmentReply{}

	switch req.Op {
	case wire.SegmentOpAllocate:
		name, _, err := d.segSrv.AllocateSegment(req.Size)
		if err != nil {
			reply.Err = err.Error()
			reply.ErrKind = segmentErrKind(err)
		} else {
			reply.Name, reply.Size = name, req.Size
		}
	case wire.SegmentOpAllocateSequence:
		name, buf, err := d.segSrv.AllocateSequence(req.Elements, req.SlotSize)
		if err != nil {
			reply.Err = err.Error()
			reply.ErrKind = segmentErrKind(err)
		} else {
			reply.Name, reply.Size = name, int64(len(buf))
		}
	default:
		reply.Err = fmt.Sprintf("unknown segment op %q", req.Op)
	}
	return codec.Send(wire.Frame{Kind: wire.FrameSegmentReply, SegmentReply: &reply})
}

// segmentErrKind classifies a Region Server error into the SegmentErrKind
// tag the Client uses to recover the matching pkg-level sentinel, so
// errors.Is(err, pkg.ErrOutOfSharedMemory) can succeed on the Client side
// even though the error crossed the wire as a plain string.
func segmentErrKind(err error) wire.SegmentErrKind {
	if errors.Is(err, segment.ErrOutOfSharedMemory) {
		return wire.SegmentErrOutOfSharedMemory
	}
	return wire.SegmentErrNone
}

func (d *Daemon) handleDescriptorFrame(ctx context.Context, codec *wire.Codec, f wire.Frame) error {
	if f.DescriptorRequest == nil {
		return fmt.Errorf("cachetrackerd: descriptor frame missing DescriptorRequest")
	}
	desc, found, err := d.coord.Describe(ctx, f.DescriptorRequest.Key)
	if err != nil {
		return err
	}
	reply := wire.DescriptorReply{Found: found}
	if found {
		reply.SegmentName = desc.SegmentName
		reply.Shape = desc.Shape
		reply.DType = desc.DType
		reply.Size = desc.Size
		reply.Hits = desc.Hits
		reply.Kind = desc.Kind
		reply.DeviceID = desc.DeviceID
	}
	return codec.Send(wire.Frame{Kind: wire.FrameDescriptorReply, DescriptorReply: &reply})
}
