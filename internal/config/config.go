package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"

	"github.com/posit-dev/positron-sub005/internal/framing"
)

// Config holds relay settings loaded from relay.toml plus environment
// overrides.
type Config struct {
	// Framing selects the frame-boundary policy for relay instances
	// created from this config: "lines" or "content-length".
	Framing string `toml:"framing"`

	// PortMin/PortMax constrain the relay's listening port. Both zero
	// means an OS-assigned ephemeral port.
	PortMin int `toml:"port_min"`
	PortMax int `toml:"port_max"`

	// ReadBufferSize is the per-connection read chunk size in bytes.
	ReadBufferSize int `toml:"read_buffer_size"`

	// DiagnosticsLimit bounds the in-memory diagnostics ring.
	DiagnosticsLimit int `toml:"diagnostics_limit"`

	// InstancesDir overrides where relay instance files are written
	// for discovery by surrounding tooling.
	InstancesDir string `toml:"instances_dir"`

	Debug bool `toml:"debug"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Framing:          string(framing.PolicyLines),
		ReadBufferSize:   4096,
		DiagnosticsLimit: 200,
	}
}

// DefaultPath returns the user-level config file location.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".testrelay", "relay.toml"), nil
}

// Load reads configuration from the given path. An empty path falls
// back to ./relay.toml, then the user-level file; a missing file is
// not an error and yields defaults. Environment overrides apply last.
func Load(path string) (Config, error) {
	cfg := Default()

	candidates := []string{path}
	if path == "" {
		candidates = []string{"relay.toml"}
		if userPath, err := DefaultPath(); err == nil {
			candidates = append(candidates, userPath)
		}
	}

	for _, candidate := range candidates {
		if candidate == "" {
			continue
		}
		data, err := os.ReadFile(candidate)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return cfg, fmt.Errorf("failed to read config %s: %w", candidate, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config %s: %w", candidate, err)
		}
		break
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("TESTRELAY_FRAMING"); v != "" {
		c.Framing = v
	}
	if v := os.Getenv("TESTRELAY_PORT_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PortMin = n
		}
	}
	if v := os.Getenv("TESTRELAY_PORT_MAX"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.PortMax = n
		}
	}
	if v := os.Getenv("TESTRELAY_DEBUG"); v != "" {
		c.Debug = v == "1" || v == "true"
	}
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if _, err := framing.ParsePolicy(c.Framing); err != nil {
		return err
	}
	if c.PortMin < 0 || c.PortMax < 0 || c.PortMin > c.PortMax {
		return fmt.Errorf("invalid port range %d-%d", c.PortMin, c.PortMax)
	}
	if c.ReadBufferSize < 0 {
		return fmt.Errorf("read_buffer_size must be positive")
	}
	return nil
}

// Policy returns the parsed framing policy. Call Validate first.
func (c *Config) Policy() framing.Policy {
	policy, err := framing.ParsePolicy(c.Framing)
	if err != nil {
		return framing.PolicyLines
	}
	return policy
}

// Save writes the configuration to the given path.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
