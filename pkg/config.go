// Package cachetracker is the Cache Tracker Client (component D): the
// per-executor facade that classifies candidate values, drives the
// insert/retrieve protocol against the Shared-Memory Region Server and the
// Cache Coordinator, and manages device IPC handles.
//
// config.go carries the functional-options pattern over from the teacher's
// pkg/config.go: a private config struct, a generic-free Option closure
// type (this package has no K/V type parameter to thread through), and a
// defaultConfig plus validating applyOptions.
//
// © 2025 compsssqaaas authors.
package cachetracker

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"sigs.k8s.io/yaml"

	"github.com/lezzidan/compsssqaaas/internal/metrics"
)

// newMetricsSink adapts a possibly-nil *prometheus.Registry to the
// internal/metrics.Sink the Coordinator consumes.
func newMetricsSink(reg *prometheus.Registry) metrics.Sink {
	return metrics.New(reg)
}

// Policy identifies an eviction policy. Only PolicyLeastHits is specified
// (spec §9: "currently no policies defined" in the source; least-hits-first
// is what this tracker implements).
type Policy string

// PolicyLeastHits is the only validated policy identifier (spec §6).
const PolicyLeastHits Policy = "least-hits"

// DefaultAuthKey is the fixed byte string clients and the daemon agree on
// out of band when no explicit key is configured (spec §6).
const DefaultAuthKey = "compss_cache"

// DefaultNetwork/DefaultAddress give the tracker's default endpoint. The
// spec's Python original defaults to ("127.0.0.1", 50000); this port is
// kept as the TCP fallback default, with a Unix domain socket preferred
// when Network is left at its own default ("unix") since all producers and
// consumers are node-local (spec §5 scheduling model).
const (
	DefaultNetwork = "unix"
	DefaultAddress = "/tmp/compss-cache-50000.sock"

	DefaultTCPNetwork = "tcp"
	DefaultTCPAddress = "127.0.0.1:50000"
)

// config bundles every knob recognized by spec §6 plus the ambient
// logging/metrics/tracing surface. All fields are immutable once a Client
// or daemon is constructed.
type config struct {
	hostCapacity   int64
	deviceCapacity int64
	policy         Policy
	logDir         string
	profiler       bool
	profilerFlush  time.Duration

	network   string
	address   string
	authKey   []byte
	debugAddr string

	logger   *zap.Logger
	registry *prometheus.Registry
	tracer   Tracer
}

// Option configures a Client or a daemon-side Coordinator/Server pair.
type Option func(*config)

func defaultConfig() *config {
	return &config{
		hostCapacity:   0, // must be set by the caller
		deviceCapacity: 0,
		policy:         PolicyLeastHits,
		profilerFlush:  30 * time.Second,
		network:        DefaultNetwork,
		address:        DefaultAddress,
		authKey:        []byte(DefaultAuthKey),
		logger:         zap.NewNop(),
		tracer:         noopTracer{},
	}
}

// WithHostCapacity sets the host shared-memory budget in bytes (spec §6
// "size").
func WithHostCapacity(bytes int64) Option {
	return func(c *config) { c.hostCapacity = bytes }
}

// WithDeviceCapacity sets the device-array bookkeeping budget in bytes
// (spec §6 "gpu_cache_size").
func WithDeviceCapacity(bytes int64) Option {
	return func(c *config) { c.deviceCapacity = bytes }
}

// WithPolicy overrides the eviction policy identifier. Only PolicyLeastHits
// validates; anything else fails applyOptions.
func WithPolicy(p Policy) Option {
	return func(c *config) { c.policy = p }
}

// WithLogDir sets the directory debug logs and profiler snapshots are
// written to (spec §6 "log_dir"). Empty disables profiler snapshotting.
func WithLogDir(dir string) Option {
	return func(c *config) { c.logDir = dir }
}

// WithProfiler enables the profiling bookkeeping (spec §6 "cache_profiler",
// §4.C, §9).
func WithProfiler(enabled bool) Option {
	return func(c *config) { c.profiler = enabled }
}

// WithProfilerFlushInterval overrides how often the profiler snapshots to
// log_dir. Default 30s.
func WithProfilerFlushInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.profilerFlush = d
		}
	}
}

// WithEndpoint overrides the transport and address the Client dials and
// the daemon listens on. network is "unix" or "tcp" (spec §6 endpoint).
func WithEndpoint(network, address string) Option {
	return func(c *config) {
		c.network = network
		c.address = address
	}
}

// WithAuthKey overrides the fixed authentication key (spec §6, default
// "compss_cache").
func WithAuthKey(key []byte) Option {
	return func(c *config) { c.authKey = key }
}

// WithDebugAddr enables the daemon's HTTP diagnostics listener (Registry
// snapshot JSON plus Prometheus /metrics when WithMetrics is also set),
// following the same /debug/<name>/snapshot + /metrics convention the
// teacher's examples/basic service uses. Empty (the default) disables it.
func WithDebugAddr(addr string) Option {
	return func(c *config) { c.debugAddr = addr }
}

// WithLogger plugs an external zap.Logger. Passing nil is a no-op (keeps
// the default no-op logger).
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics collection. Passing nil disables
// metrics (default).
func WithMetrics(reg *prometheus.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithTracer plugs an external Tracer (spec §6 tracing sink). Passing nil
// is a no-op (keeps the default no-op tracer).
func WithTracer(t Tracer) Option {
	return func(c *config) {
		if t != nil {
			c.tracer = t
		}
	}
}

var (
	errInvalidHostCapacity   = errors.New("cachetracker: host capacity must be > 0")
	errInvalidDeviceCapacity = errors.New("cachetracker: device capacity must be >= 0")
	errInvalidPolicy         = errors.New("cachetracker: unsupported eviction policy")
	errInvalidEndpoint       = errors.New("cachetracker: network must be \"unix\" or \"tcp\"")
)

// applyOptions copies opts into a fresh default config and validates it.
func applyOptions(opts []Option) (*config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.hostCapacity <= 0 {
		return nil, errInvalidHostCapacity
	}
	if cfg.deviceCapacity < 0 {
		return nil, errInvalidDeviceCapacity
	}
	if cfg.policy != PolicyLeastHits {
		return nil, errInvalidPolicy
	}
	if cfg.network != "unix" && cfg.network != "tcp" {
		return nil, errInvalidEndpoint
	}
	return cfg, nil
}

// fileConfig mirrors spec §6's recognized configuration options for
// loading from a YAML document on disk (the daemon's config file).
type fileConfig struct {
	Size          int64  `json:"size"`
	GPUCacheSize  int64  `json:"gpu_cache_size"`
	Policy        string `json:"policy"`
	LogDir        string `json:"log_dir"`
	CacheProfiler bool   `json:"cache_profiler"`
	Network       string `json:"network"`
	Address       string `json:"address"`
}

// LoadConfigFile parses the contents of a YAML config file into Options,
// following the same recognized keys as spec §6. Returns the Options to pass
// to New or NewDaemon alongside any programmatic overrides (e.g. WithLogger).
func LoadConfigFile(data []byte) ([]Option, error) {
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, err
	}
	opts := []Option{
		WithHostCapacity(fc.Size),
		WithDeviceCapacity(fc.GPUCacheSize),
		WithLogDir(fc.LogDir),
		WithProfiler(fc.CacheProfiler),
	}
	if fc.Policy != "" {
		opts = append(opts, WithPolicy(Policy(fc.Policy)))
	}
	if fc.Network != "" && fc.Address != "" {
		opts = append(opts, WithEndpoint(fc.Network, fc.Address))
	}
	return opts, nil
}
