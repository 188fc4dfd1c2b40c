package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend selects the git implementation used to materialize the source tree
type Backend string

const (
	BackendGoGit Backend = "go-git"
	BackendExec  Backend = "exec"
)

const (
	DefaultRepoURL    = "https://github.com/Lucaslhm/Flipper-IRDB"
	DefaultStagingDir = "_IR_"
	DefaultDest       = "/ext/infrared"
	DefaultPort       = "auto"
	DefaultBaudRate   = 230400
	DefaultChunkSize  = 8192
	DefaultTimeout    = 10 * time.Second
)

// Config represents the complete irdbsync configuration
type Config struct {
	Repo   RepoConfig   `yaml:"repo"`
	Paths  PathsConfig  `yaml:"paths"`
	Device DeviceConfig `yaml:"device"`
}

// RepoConfig configures the Git repository source
type RepoConfig struct {
	URL            string  `yaml:"url"`
	Backend        Backend `yaml:"backend"`
	SSHKeyFile     string  `yaml:"ssh_key_file"`
	HTTPSTokenFile string  `yaml:"https_token_file"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	Source     string `yaml:"source"`
	StagingDir string `yaml:"staging_dir"`
}

// DeviceConfig configures the serial transport and the remote destination
type DeviceConfig struct {
	Port      string        `yaml:"port"`
	Dest      string        `yaml:"dest"`
	BaudRate  int           `yaml:"baud_rate"`
	ChunkSize int           `yaml:"chunk_size"`
	Timeout   time.Duration `yaml:"timeout"`
}

// Default returns a configuration with every optional field populated.
// Paths.Source has no default and must be supplied by the caller.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads and parses the configuration file. An empty path yields the
// defaults. Callers are expected to overlay CLI flags and then call Validate.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadOptional behaves like Load but returns the defaults when the file
// does not exist.
func LoadOptional(path string) (*Config, error) {
	cfg, err := Load(path)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.URL = os.ExpandEnv(c.Repo.URL)
	c.Repo.SSHKeyFile = os.ExpandEnv(c.Repo.SSHKeyFile)
	c.Repo.HTTPSTokenFile = os.ExpandEnv(c.Repo.HTTPSTokenFile)
	c.Paths.Source = os.ExpandEnv(c.Paths.Source)
	c.Paths.StagingDir = os.ExpandEnv(c.Paths.StagingDir)
	c.Device.Port = os.ExpandEnv(c.Device.Port)
	c.Device.Dest = os.ExpandEnv(c.Device.Dest)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.URL == "" {
		c.Repo.URL = DefaultRepoURL
	}
	if c.Repo.Backend == "" {
		c.Repo.Backend = BackendGoGit
	}
	if c.Paths.StagingDir == "" {
		c.Paths.StagingDir = DefaultStagingDir
	}
	if c.Device.Port == "" {
		c.Device.Port = DefaultPort
	}
	if c.Device.Dest == "" {
		c.Device.Dest = DefaultDest
	}
	if c.Device.BaudRate == 0 {
		c.Device.BaudRate = DefaultBaudRate
	}
	if c.Device.ChunkSize == 0 {
		c.Device.ChunkSize = DefaultChunkSize
	}
	if c.Device.Timeout == 0 {
		c.Device.Timeout = DefaultTimeout
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.URL == "" {
		return fmt.Errorf("repo.url is required")
	}

	switch c.Repo.Backend {
	case BackendGoGit, BackendExec:
		// valid
	default:
		return fmt.Errorf("invalid repo.backend: %s (must be go-git or exec)", c.Repo.Backend)
	}

	// Only one auth method may be configured, and its scheme must match the URL
	if c.Repo.SSHKeyFile != "" && c.Repo.HTTPSTokenFile != "" {
		return fmt.Errorf("repo: only one of ssh_key_file or https_token_file may be set")
	}
	if c.Repo.SSHKeyFile != "" && !c.IsSSH() {
		return fmt.Errorf("repo.ssh_key_file is set but repo.url does not use an SSH scheme (git@ or ssh://)")
	}
	if c.Repo.HTTPSTokenFile != "" && !c.IsHTTPS() {
		return fmt.Errorf("repo.https_token_file is set but repo.url does not use HTTPS scheme")
	}

	if c.Paths.Source == "" {
		return fmt.Errorf("paths.source is required")
	}

	// The staging directory lives inside the source tree and must never be
	// picked up as payload itself.
	staging := c.Paths.StagingDir
	if staging == "" || staging != filepath.Base(staging) {
		return fmt.Errorf("paths.staging_dir must be a single directory name: %q", staging)
	}
	if !strings.HasPrefix(staging, "_") && !strings.HasPrefix(staging, ".") {
		return fmt.Errorf("paths.staging_dir must start with '_' or '.': %q", staging)
	}

	if c.Device.Port == "" {
		return fmt.Errorf("device.port is required")
	}
	if !path.IsAbs(c.Device.Dest) {
		return fmt.Errorf("device.dest must be an absolute device path: %s", c.Device.Dest)
	}
	if c.Device.BaudRate < 0 {
		return fmt.Errorf("device.baud_rate must be positive: %d", c.Device.BaudRate)
	}
	if c.Device.ChunkSize < 0 {
		return fmt.Errorf("device.chunk_size must be positive: %d", c.Device.ChunkSize)
	}
	if c.Device.Timeout < 0 {
		return fmt.Errorf("device.timeout must be positive: %s", c.Device.Timeout)
	}

	return nil
}

// SourceDir returns the local working copy of the source repository
func (c *Config) SourceDir() string {
	return filepath.Clean(c.Paths.Source)
}

// StagingPath returns the absolute-or-relative path of the staging directory
func (c *Config) StagingPath() string {
	return filepath.Join(c.SourceDir(), c.Paths.StagingDir)
}

// AuthMethod returns a description of the configured auth method
func (c *Config) AuthMethod() string {
	if c.Repo.SSHKeyFile != "" {
		return "ssh"
	}
	if c.Repo.HTTPSTokenFile != "" {
		return "https"
	}
	return "none"
}

// IsHTTPS returns true if the repo URL uses HTTPS
func (c *Config) IsHTTPS() bool {
	return strings.HasPrefix(c.Repo.URL, "https://")
}

// IsSSH returns true if the repo URL uses SSH
func (c *Config) IsSSH() bool {
	return strings.HasPrefix(c.Repo.URL, "git@") || strings.HasPrefix(c.Repo.URL, "ssh://")
}
