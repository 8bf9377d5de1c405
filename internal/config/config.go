// Package config loads and validates the optional .p4json YAML file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file.
const FileName = ".p4json"

// Default values.
const (
	DefaultBinary = "p4"
	DefaultIndent = 4
)

// Config holds the parsed .p4json configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Version    int    `yaml:"version"`
	RawBinary  string `yaml:"binary"`  // p4 executable, resolved via PATH
	RawShell   *bool  `yaml:"shell"`   // run through sh -c (default true)
	User       string `yaml:"user"`    // p4 -u
	Client     string `yaml:"client"`  // p4 -c
	Port       string `yaml:"port"`    // p4 -p
	Dir        string `yaml:"dir"`     // working directory for p4, relative to the config file
	RawIndent  int    `yaml:"indent"`  // spaces, default 4
	Bytes      string `yaml:"bytes"`   // strict, replace, latin1, base64
	RawTimeout string `yaml:"timeout"` // e.g. "30s"; empty means no timeout
}

// Binary returns the configured p4 executable or the default.
func (c *Config) Binary() string {
	if c.RawBinary != "" {
		return c.RawBinary
	}
	return DefaultBinary
}

// Shell reports whether queries run through the shell.
func (c *Config) Shell() bool {
	if c.RawShell != nil {
		return *c.RawShell
	}
	return true
}

// Indent returns the configured indent width or the default.
func (c *Config) Indent() int {
	if c.RawIndent > 0 {
		return c.RawIndent
	}
	return DefaultIndent
}

// Timeout returns the configured timeout, or zero when queries may run
// indefinitely.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return 0
}

// Globals returns the p4 global options implied by user, client and port.
func (c *Config) Globals() []string {
	var args []string
	if c.User != "" {
		args = append(args, "-u", c.User)
	}
	if c.Client != "" {
		args = append(args, "-c", c.Client)
	}
	if c.Port != "" {
		args = append(args, "-p", c.Port)
	}
	return args
}

// LoadResult holds the parsed config and the directory it was found in.
type LoadResult struct {
	Config *Config
	Root   string // directory containing .p4json; falls back to the start directory
	Path   string // full path of the file, empty when none was found
}

// WorkDir returns the directory p4 should run in.
func (r *LoadResult) WorkDir() string {
	switch {
	case r.Config.Dir == "":
		return ""
	case filepath.IsAbs(r.Config.Dir):
		return r.Config.Dir
	}
	return filepath.Join(r.Root, r.Config.Dir)
}

// Load reads the nearest .p4json file found by walking upward from dir.
// If no file exists, a default Config is returned.
func Load(dir string) (*LoadResult, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", dir, err)
	}

	path, err := findConfig(dir)
	if err != nil {
		return &LoadResult{Config: &Config{}, Root: dir}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if cfg.RawTimeout != "" {
		if _, err := time.ParseDuration(cfg.RawTimeout); err != nil {
			return nil, fmt.Errorf("parsing %s: timeout: %w", FileName, err)
		}
	}
	return &LoadResult{Config: cfg, Root: filepath.Dir(path), Path: path}, nil
}

// findConfig walks upward from dir looking for a .p4json file.
func findConfig(dir string) (string, error) {
	for {
		path := filepath.Join(dir, FileName)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("%s not found", FileName)
		}
		dir = parent
	}
}
