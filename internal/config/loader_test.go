package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{EnvConfig, EnvLibraryPath, EnvLogLevel, EnvNeo4jURI, EnvNeo4jUser, EnvNeo4jPassword} {
		t.Setenv(key, "")
	}
}

func TestLoad_MissingDefaultFileYieldsDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_ExplicitMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_FileAndEnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
search_paths:
  - /opt/lib
tree:
  root: _start
  max_depth: 4
log:
  level: info
jobs: 2
`), 0600))

	clearEnv(t)
	t.Setenv(EnvLibraryPath, "/first:/second")
	t.Setenv(EnvLogLevel, "DEBUG")
	t.Setenv(EnvNeo4jURI, "bolt://graph:7687")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/first", "/second", "/opt/lib"}, cfg.SearchPaths)
	assert.Equal(t, "_start", cfg.Tree.Root)
	assert.Equal(t, 4, cfg.Tree.MaxDepth)
	assert.Equal(t, 100000, cfg.Tree.MaxLines, "unset keys keep their default")
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "bolt://graph:7687", cfg.Neo4j.URI)
	assert.Equal(t, 2, cfg.Jobs)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("search_paths: [unterminated"), 0600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no search paths", mutate: func(c *Config) { c.SearchPaths = nil }, wantErr: true},
		{name: "negative depth", mutate: func(c *Config) { c.Tree.MaxDepth = -1 }, wantErr: true},
		{name: "zero jobs", mutate: func(c *Config) { c.Jobs = 0 }, wantErr: true},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", ConfigFile)
	cfg := Default()
	cfg.Tree.Root = "start"

	require.NoError(t, Save(cfg, path))
	clearEnv(t)

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}
