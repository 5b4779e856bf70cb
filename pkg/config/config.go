package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

const (
	configDir  string = ".binscan"
	configFile string = "config.yml"
)

const (
	ColorAuto   = "auto"
	ColorAlways = "always"
	ColorNever  = "never"

	OutputText = "text"
	OutputYAML = "yaml"
)

// SubstitutePathRule describes a rule for substitution of path to source code file.
type SubstitutePathRule struct {
	// Directory path will be substituted if it matches `From`.
	From string
	// Path to which substitution is performed.
	To string
}

// SubstitutePathRules is a slice of source code path substitution rules.
type SubstitutePathRules []SubstitutePathRule

// Substitute applies the first rule whose From is a directory prefix of
// path. Paths no rule matches are returned unchanged.
func (rules SubstitutePathRules) Substitute(path string) string {
	for _, r := range rules {
		from := strings.TrimSuffix(r.From, "/")
		if from == "" {
			continue
		}
		if path == from {
			return r.To
		}
		if strings.HasPrefix(path, from+"/") {
			to := strings.TrimSuffix(r.To, "/")
			return to + path[len(from):]
		}
	}
	return path
}

// Config defines all configuration options available to be set through the config file.
type Config struct {
	// MaxConcurrency is the number of targets scanned in parallel.
	MaxConcurrency int `yaml:"max-concurrency"`
	// TargetTimeout bounds the time spent on a single target. Zero means
	// no limit.
	TargetTimeout time.Duration `yaml:"target-timeout"`
	// StringCacheSize is the number of resolved string table entries kept
	// per section.
	StringCacheSize int `yaml:"string-cache-size"`
	// NormalizeBackslash rewrites '\' to '/' in line table paths.
	NormalizeBackslash bool `yaml:"normalize-backslash"`
	// Source code path substitution rules, applied to reported paths.
	SubstitutePath SubstitutePathRules `yaml:"substitute-path,omitempty"`
	// Color is one of auto, always or never.
	Color string `yaml:"color"`
	// OutputFormat is one of text or yaml.
	OutputFormat string `yaml:"output-format"`
}

// Default returns the configuration used when no file sets an option.
func Default() *Config {
	return &Config{
		MaxConcurrency:  runtime.NumCPU(),
		TargetTimeout:   2 * time.Minute,
		StringCacheSize: 1024,
		Color:           ColorAuto,
		OutputFormat:    OutputText,
	}
}

// Validate checks option values that cannot be fixed up silently.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 0 {
		return fmt.Errorf("max-concurrency must not be negative: %d", c.MaxConcurrency)
	}
	if c.TargetTimeout < 0 {
		return fmt.Errorf("target-timeout must not be negative: %v", c.TargetTimeout)
	}
	if c.StringCacheSize < 0 {
		return fmt.Errorf("string-cache-size must not be negative: %d", c.StringCacheSize)
	}
	switch c.Color {
	case "", ColorAuto, ColorAlways, ColorNever:
	default:
		return fmt.Errorf("unknown color mode %q", c.Color)
	}
	switch c.OutputFormat {
	case "", OutputText, OutputYAML:
	default:
		return fmt.Errorf("unknown output format %q", c.OutputFormat)
	}
	return nil
}

// UseColor decides whether output should be colored given whether it
// goes to a terminal.
func (c *Config) UseColor(terminal bool) bool {
	switch c.Color {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	}
	return terminal
}

// LoadConfig attempts to populate a Config object from the config.yml file.
// If path is empty the file in the user's home directory is used, and
// created with default contents if it does not exist yet.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		if err := createConfigPath(); err != nil {
			return nil, fmt.Errorf("could not create config directory: %w", err)
		}
		fullConfigFile, err := GetConfigFilePath(configFile)
		if err != nil {
			return nil, fmt.Errorf("unable to get config file path: %w", err)
		}
		path = fullConfigFile
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			if err := createDefaultConfig(path); err != nil {
				return nil, fmt.Errorf("error creating default config file: %w", err)
			}
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return readConfig(f)
}

func readConfig(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("unable to read config data: %w", err)
	}

	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("unable to decode config file: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = runtime.NumCPU()
	}
	return c, nil
}

// SaveConfig will marshal and save the config struct
// to disk.
func SaveConfig(conf *Config, path string) error {
	if path == "" {
		fullConfigFile, err := GetConfigFilePath(configFile)
		if err != nil {
			return err
		}
		path = fullConfigFile
	}

	out, err := yaml.Marshal(conf)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(out)
	return err
}

func createDefaultConfig(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("unable to create config file: %w", err)
	}
	defer f.Close()
	if err := writeDefaultConfig(f); err != nil {
		return fmt.Errorf("unable to write default configuration: %w", err)
	}
	return nil
}

func writeDefaultConfig(w io.Writer) error {
	_, err := io.WriteString(w,
		`# Configuration file for binscan.

# This is the default configuration file. Available options are provided, but disabled.
# Delete the leading hash mark to enable an item.

# Number of binaries scanned in parallel (defaults to the number of CPUs).
# max-concurrency: 4

# Time allowed for a single binary, as a Go duration. 0 disables the limit.
# target-timeout: 2m

# Number of decoded strings cached per string section.
# string-cache-size: 1024

# Rewrite '\' to '/' in source paths of the line tables.
# normalize-backslash: true

# Define sources path substitution rules. Can be used to rewrite a source path stored
# in the binary's debug information, for example to map a build directory to a checkout.
substitute-path:
  # - {from: path, to: path}

# Colored output: auto, always or never.
# color: auto

# Report format: text or yaml.
# output-format: text
`)
	return err
}

// createConfigPath creates the directory structure at which all config files are saved.
func createConfigPath() error {
	path, err := GetConfigFilePath("")
	if err != nil {
		return err
	}
	return os.MkdirAll(path, 0700)
}

// GetConfigFilePath gets the full path to the given config file name.
func GetConfigFilePath(file string) (string, error) {
	userHomeDir, err := homedir.Dir()
	if err != nil {
		userHomeDir = "."
	}
	return filepath.Join(userHomeDir, configDir, file), nil
}
