package archivist

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "archivist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("ARCHIVIST_DIR", "")
	t.Setenv("ARCHIVIST_BASE_URL", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	home, _ := os.UserHomeDir()
	assert.Equal(t, filepath.Join(home, ".cache", "archivist"), cfg.Dir)
	assert.Equal(t, "archivist/1.0", cfg.Catalog.UserAgent)
	assert.Equal(t, 60, cfg.Catalog.TimeoutSec)
	assert.Equal(t, int64(512), cfg.Ingest.MaxEntryMB)
	assert.Equal(t, 4096, cfg.Ingest.RecordCacheSize)
	require.NotNil(t, cfg.Ingest.Journal)
	assert.True(t, *cfg.Ingest.Journal)
	assert.Equal(t, []string{FieldName, FieldTag}, cfg.Search.DefaultFields)
	assert.Equal(t, 20, cfg.Search.Limit)
	assert.Equal(t, "localhost:8080", cfg.HTTP.Addr)
	assert.Equal(t, "info", cfg.Logging.Level)

	opts := cfg.Options()
	assert.Equal(t, int64(512)<<20, opts.MaxEntrySize)
	assert.False(t, opts.NoJournal)
}

func TestLoadConfigFile(t *testing.T) {
	t.Setenv("ARCHIVIST_DIR", "")
	t.Setenv("ARCHIVIST_BASE_URL", "")
	t.Setenv("TEST_ARCHIVE_ROOT", "/srv/archive")
	t.Setenv("TEST_CATALOG_URL", "")

	path := writeConfig(t, `
dir: ${TEST_ARCHIVE_ROOT}
catalog:
  base_url: ${TEST_CATALOG_URL:-https://catalog.example}
  delay_ms: 250
ingest:
  max_entry_mb: 64
  journal: false
search:
  default_fields: [name, creator]
logging:
  level: debug
  json: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/archive", cfg.Dir)
	assert.Equal(t, "https://catalog.example", cfg.Catalog.BaseURL)
	assert.Equal(t, 250, cfg.Catalog.DelayMs)
	assert.Equal(t, []string{FieldName, FieldCreator}, cfg.Search.DefaultFields)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.True(t, cfg.Logging.JSON)

	opts := cfg.Options()
	assert.Equal(t, "/srv/archive", opts.Dir)
	assert.Equal(t, int64(64)<<20, opts.MaxEntrySize)
	assert.True(t, opts.NoJournal)
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("ARCHIVIST_DIR", "/from/env")
	t.Setenv("ARCHIVIST_BASE_URL", "http://mirror.local")

	cfg, err := LoadConfig(writeConfig(t, "dir: /from/file\n"))
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.Dir)
	assert.Equal(t, "http://mirror.local", cfg.Catalog.BaseURL)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("ARCHIVIST_DIR", "")
	t.Setenv("ARCHIVIST_BASE_URL", "")

	for name, body := range map[string]string{
		"unknown field": "search:\n  default_fields: [title]\n",
		"bad url":       "catalog:\n  base_url: ftp://example\n",
		"bad level":     "logging:\n  level: loud\n",
		"bad yaml":      "dir: [unclosed\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			assert.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	for _, json := range []bool{false, true} {
		log, err := NewLogger("warn", json)
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(zap.DebugLevel), "debug must be disabled at warn")
		assert.True(t, log.Core().Enabled(zap.ErrorLevel), "error must be enabled at warn")
	}

	_, err := NewLogger("loud", false)
	assert.Error(t, err)
}
