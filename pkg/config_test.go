package cachetracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyOptionsRequiresHostCapacity(t *testing.T) {
	_, err := applyOptions(nil)
	assert.ErrorIs(t, err, errInvalidHostCapacity)
}

func TestApplyOptionsRejectsBadEndpoint(t *testing.T) {
	_, err := applyOptions([]Option{WithHostCapacity(1), WithEndpoint("carrier-pigeon", "roost")})
	assert.ErrorIs(t, err, errInvalidEndpoint)
}

func TestApplyOptionsRejectsUnknownPolicy(t *testing.T) {
	_, err := applyOptions([]Option{WithHostCapacity(1), WithPolicy("newest-first")})
	assert.ErrorIs(t, err, errInvalidPolicy)
}

func TestApplyOptionsDefaults(t *testing.T) {
	cfg, err := applyOptions([]Option{WithHostCapacity(1024)})
	require.NoError(t, err)
	assert.EqualValues(t, 1024, cfg.hostCapacity)
	assert.Equal(t, DefaultNetwork, cfg.network)
	assert.Equal(t, DefaultAddress, cfg.address)
	assert.Equal(t, PolicyLeastHits, cfg.policy)
}

func TestLoadConfigFileRecognizedKeys(t *testing.T) {
	doc := []byte(`
size: 1048576
gpu_cache_size: 2097152
log_dir: /tmp/cache-logs
cache_profiler: true
network: unix
address: /tmp/compss-cache-test.sock
`)
	opts, err := LoadConfigFile(doc)
	require.NoError(t, err)

	cfg, err := applyOptions(opts)
	require.NoError(t, err)
	assert.EqualValues(t, 1048576, cfg.hostCapacity)
	assert.EqualValues(t, 2097152, cfg.deviceCapacity)
	assert.Equal(t, "/tmp/cache-logs", cfg.logDir)
	assert.True(t, cfg.profiler)
	assert.Equal(t, "unix", cfg.network)
	assert.Equal(t, "/tmp/compss-cache-test.sock", cfg.address)
}

func TestLoadConfigFileRejectsMalformedYAML(t *testing.T) {
	_, err := LoadConfigFile([]byte("not: [valid"))
	assert.Error(t, err)
}
