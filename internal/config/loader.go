package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultDir is the per-user configuration directory under $HOME.
	DefaultDir = ".elfscope"
	// ConfigFile is the configuration file name.
	ConfigFile = "config.yaml"
)

// Environment variables overriding the configuration file.
const (
	EnvConfig        = "ELFSCOPE_CONFIG"
	EnvLibraryPath   = "ELFSCOPE_LIBRARY_PATH"
	EnvLogLevel      = "ELFSCOPE_LOG_LEVEL"
	EnvNeo4jURI      = "ELFSCOPE_NEO4J_URI"
	EnvNeo4jUser     = "ELFSCOPE_NEO4J_USER"
	EnvNeo4jPassword = "ELFSCOPE_NEO4J_PASSWORD"
)

// Path returns the configuration file to use. An explicit path wins, then
// $ELFSCOPE_CONFIG, then ~/.elfscope/config.yaml. The second return value is
// false when the file was not requested explicitly and may be missing.
func Path(explicit string) (string, bool) {
	if explicit != "" {
		return explicit, true
	}
	if p := os.Getenv(EnvConfig); p != "" {
		return p, true
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", false
	}
	return filepath.Join(home, DefaultDir, ConfigFile), false
}

// Load reads the configuration. A missing file that was not explicitly
// requested yields the defaults. Environment overrides are applied last and
// the result is validated.
func Load(explicit string) (*Config, error) {
	cfg := Default()

	path, required := Path(explicit)
	if path != "" {
		//nolint:gosec // G304: path comes from the user or their home directory.
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !required:
		default:
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	MergeFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// MergeFromEnv applies environment overrides. Directories in
// $ELFSCOPE_LIBRARY_PATH are searched before the configured ones, like
// LD_LIBRARY_PATH.
func MergeFromEnv(cfg *Config) {
	if v := os.Getenv(EnvLibraryPath); v != "" {
		var dirs []string
		for _, d := range filepath.SplitList(v) {
			if d = strings.TrimSpace(d); d != "" {
				dirs = append(dirs, d)
			}
		}
		cfg.SearchPaths = append(dirs, cfg.SearchPaths...)
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
	if v := os.Getenv(EnvNeo4jURI); v != "" {
		cfg.Neo4j.URI = v
	}
	if v := os.Getenv(EnvNeo4jUser); v != "" {
		cfg.Neo4j.User = v
	}
	if v := os.Getenv(EnvNeo4jPassword); v != "" {
		cfg.Neo4j.Password = v
	}
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	//nolint:gosec // G301: directory needs standard permissions for traversal.
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
