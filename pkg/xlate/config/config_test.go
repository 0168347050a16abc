package config

import (
	"os"
	"path/filepath"
	"testing"

	"gotest.tools/v3/assert"
)

func TestDefaultMatchesDocumentedToggles(t *testing.T) {
	cfg := Default()
	assert.Assert(t, cfg.SRA)
	assert.Assert(t, !cfg.ParanoidTSO)
	assert.Assert(t, cfg.HalfBarrierTSOEnabled)
	assert.Assert(t, cfg.StaticRegisterAllocation)
	assert.Assert(t, cfg.SignalSafeCompile)
}

func TestLoadFileOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "engine.toml")
	err := os.WriteFile(path, []byte(`
paranoid_tso = true
initial_code_buffer_bytes = 4096
`), 0o644)
	assert.NilError(t, err)

	cfg, err := LoadFile(path)
	assert.NilError(t, err)
	assert.Assert(t, cfg.ParanoidTSO)
	assert.Equal(t, cfg.InitialCodeBufferBytes, uint64(4096))
	// Untouched keys keep their defaults rather than zeroing out.
	assert.Assert(t, cfg.SRA)
}

func TestLoadFileMissingPathErrors(t *testing.T) {
	_, err := LoadFile("/nonexistent/engine.toml")
	assert.ErrorContains(t, err, "config:")
}

func TestOverrideAppliesFlagOnTopOfFile(t *testing.T) {
	cfg := Default().Override(func(c *EngineConfig) {
		c.SignalSafeCompile = false
	})
	assert.Assert(t, !cfg.SignalSafeCompile)
}
