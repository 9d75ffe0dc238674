package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roxy.env")
	content := "# comment\n\nROXY_TEST_PLAIN=one\nexport ROXY_TEST_EXPORTED=two\nROXY_TEST_QUOTED=\"three four\"\nnot a pair\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	for _, key := range []string{"ROXY_TEST_PLAIN", "ROXY_TEST_EXPORTED", "ROXY_TEST_QUOTED"} {
		t.Setenv(key, "")
	}

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "one", os.Getenv("ROXY_TEST_PLAIN"))
	assert.Equal(t, "two", os.Getenv("ROXY_TEST_EXPORTED"))
	assert.Equal(t, "three four", os.Getenv("ROXY_TEST_QUOTED"))
}

func TestLoadEnvFileMissing(t *testing.T) {
	assert.Error(t, loadEnvFile(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"listen-address": "127.0.0.1:6666", "workers": 2}`), 0o600))

	cfg, err := loadConfig(options{configPath: path, port: 7777, workers: 5, debug: true})
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:7777", cfg.ListenAddress)
	assert.Equal(t, 5, cfg.Workers)
}

func TestLoadConfigRejectsInvalidOverride(t *testing.T) {
	_, err := loadConfig(options{workers: -1, debug: true})
	assert.Error(t, err)
}

func TestLoadConfigUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`workers = 2`), 0o600))

	_, err := loadConfig(options{configPath: path, debug: true})
	assert.Error(t, err)
}
