package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestDefaults(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, uint64(0x1_8000_0000), cfg.PhysMemEnd())
	assert.Equal(t, uint64(16<<20), cfg.KernelHeapSize)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("overrides", func(t *testing.T) {
		path := filepath.Join(dir, "ok.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
phys_mem_size: 0x8000000
frame_order: 20
log:
  level: debug
metrics:
  enabled: true
`), 0644))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, uint64(0x800_0000), cfg.PhysMemSize)
		assert.Equal(t, 20, cfg.FrameOrder)
		assert.Equal(t, 32, cfg.HeapOrder)
		assert.Equal(t, zapcore.DebugLevel, cfg.Log.Level)
		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, ":9100", cfg.Metrics.Addr)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("heap_order: [1"), 0644))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("unknown log level", func(t *testing.T) {
		path := filepath.Join(dir, "level.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: loud\n"), 0644))
		_, err := Load(path)
		require.Error(t, err)
	})

	t.Run("invalid", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.yaml")
		require.NoError(t, os.WriteFile(path, []byte("phys_mem_start: 0x80000123\n"), 0644))
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	specs := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero heap", func(c *Config) { c.KernelHeapSize = 0 }},
		{"zero memory", func(c *Config) { c.PhysMemSize = 0 }},
		{"unaligned size", func(c *Config) { c.PhysMemSize = 4097 }},
		{"unaligned start", func(c *Config) { c.PhysMemStart = 0x8020_0000 }},
		{"overflow", func(c *Config) { c.PhysMemStart = 0xFFFF_FFFF_C000_0000 }},
		{"heap fills memory", func(c *Config) { c.PhysMemSize = c.KernelHeapSize }},
		{"unaligned kernel window", func(c *Config) { c.KernelVirtStart++ }},
		{"empty kernel window", func(c *Config) { c.KernelVirtEnd = c.KernelVirtStart }},
		{"heap order", func(c *Config) { c.HeapOrder = 0 }},
		{"frame order", func(c *Config) { c.FrameOrder = 64 }},
	}

	for _, spec := range specs {
		t.Run(spec.name, func(t *testing.T) {
			cfg := Defaults()
			spec.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
