package hesokuri

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-yaml"

	"github.com/runt18/hesokuri/protocol"
)

// ConfigEnvVar names the environment variable that overrides the default
// configuration file location.
const ConfigEnvVar = "HESOCFG"

// Config is the on-disk swarm configuration.
type Config struct {
	// Identity is this host's name as it appears in host-to-path maps.
	// Defaults to os.Hostname when empty.
	Identity string `yaml:"identity,omitempty"`

	Sources []SourceConfig `yaml:"sources"`
}

// SourceConfig describes one synced repository.
type SourceConfig struct {
	// Name labels the source in logs. Defaults to the base name of this
	// host's path.
	Name string `yaml:"name,omitempty"`

	// HostToPath maps each participating host to the repository path on
	// that host. Only hosts listed here exchange this source.
	HostToPath map[string]string `yaml:"host-to-path"`

	// LiveEditBranches selects the branches eligible for automatic
	// promotion. Defaults to only master.
	LiveEditBranches *BranchSelector `yaml:"live-edit-branches,omitempty"`

	// UnwantedBranches maps branch names to the hashes that mark them for
	// deletion wherever they appear.
	UnwantedBranches map[string][]string `yaml:"unwanted-branches,omitempty"`
}

// BranchSelector picks branch names either by allow list or by exclusion.
// Only one of the two may be set.
type BranchSelector struct {
	Only   []string `yaml:"only,omitempty"`
	Except []string `yaml:"except,omitempty"`
}

// DefaultConfigPath returns the configuration file location: $HESOCFG when
// set, otherwise ~/.hesocfg.
func DefaultConfigPath() string {
	if p := os.Getenv(ConfigEnvVar); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hesocfg"
	}
	return filepath.Join(home, ".hesocfg")
}

// LoadConfig reads and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the configuration for the mistakes a constructor cannot
// repair with defaults.
func (c *Config) Validate() error {
	if c.Identity != "" && protocol.ContainsMarker(c.Identity) {
		return fmt.Errorf("identity %q contains the attribution marker", c.Identity)
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("no sources configured")
	}
	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if _, err := NewSourceDef(src); err != nil {
			return err
		}
		name := src.Name
		if name == "" {
			continue
		}
		if seen[name] {
			return fmt.Errorf("duplicate source name %q (source %d)", name, i)
		}
		seen[name] = true
	}
	return nil
}

// ResolveIdentity returns the configured identity, falling back to the
// host's name.
func (c *Config) ResolveIdentity() (string, error) {
	if c.Identity != "" {
		return c.Identity, nil
	}
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to detect hostname: %w", err)
	}
	if protocol.ContainsMarker(hostname) {
		return "", fmt.Errorf("hostname %q contains the attribution marker", hostname)
	}
	return hostname, nil
}
