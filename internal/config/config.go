// Package config provides configuration loading for elfscope.
package config

import (
	"fmt"

	"github.com/maxgio92/elfscope"
)

// Config is the elfscope configuration file schema.
type Config struct {
	// SearchPaths lists library directories in priority order.
	SearchPaths []string `yaml:"search_paths"`
	// UseRunPaths searches DT_RUNPATH/DT_RPATH directories first.
	UseRunPaths bool `yaml:"use_run_paths"`

	Tree  TreeConfig  `yaml:"tree"`
	Log   LogConfig   `yaml:"log"`
	Neo4j Neo4jConfig `yaml:"neo4j"`

	// Jobs bounds the number of images analyzed in parallel.
	Jobs int `yaml:"jobs"`
}

// TreeConfig configures the call tree pipeline.
type TreeConfig struct {
	// Root is the symbol the tree starts from. Empty selects the entry point.
	Root     string `yaml:"root"`
	MaxDepth int    `yaml:"max_depth"`
	MaxLines int    `yaml:"max_lines"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty *bool  `yaml:"pretty,omitempty"`
}

// Neo4jConfig configures the call graph export.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		SearchPaths: append([]string(nil), elfscope.DefaultSearchPaths...),
		UseRunPaths: true,
		Tree: TreeConfig{
			Root:     "main",
			MaxDepth: 32,
			MaxLines: 100000,
		},
		Log: LogConfig{
			Level: "warn",
		},
		Neo4j: Neo4jConfig{
			URI:  "neo4j://localhost:7687",
			User: "neo4j",
		},
		Jobs: 4,
	}
}

var validLevels = map[string]bool{
	"trace": true, "debug": true, "info": true, "warn": true, "error": true, "off": true, "disabled": true,
}

// Validate checks the configuration for values that cannot be used.
func (c *Config) Validate() error {
	if len(c.SearchPaths) == 0 {
		return fmt.Errorf("search_paths cannot be empty")
	}
	if c.Tree.MaxDepth < 0 {
		return fmt.Errorf("tree.max_depth must be >= 0, got %d", c.Tree.MaxDepth)
	}
	if c.Tree.MaxLines < 0 {
		return fmt.Errorf("tree.max_lines must be >= 0, got %d", c.Tree.MaxLines)
	}
	if c.Jobs < 1 {
		return fmt.Errorf("jobs must be >= 1, got %d", c.Jobs)
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}
	return nil
}
