// Package config loads the control plane's bootstrap configuration. The
// document is read once at process start and is immutable afterwards.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values like "10s" parse.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: bad duration %q,%w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Adapter selects and parameterizes the workload adapter.
type Adapter struct {
	// Class is the registered adapter identifier.
	Class string `yaml:"class"`
	// PrimaryPayloadKey is the field every start payload must carry.
	PrimaryPayloadKey string `yaml:"primary_payload_key"`
	// RunAsUser, when set, is the unprivileged account workload commands
	// run under if the control plane itself is privileged.
	RunAsUser string `yaml:"run_as_user"`
	// Settings is passed to the adapter factory unmodified.
	Settings map[string]any `yaml:"settings"`
}

// Server configures the HTTP surface.
type Server struct {
	Listen          string   `yaml:"listen"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Config is the root document.
type Config struct {
	Adapter Adapter `yaml:"adapter"`
	Server  Server  `yaml:"server"`
}

// DefaultConfig returns the baseline every loaded document is merged over.
func DefaultConfig() *Config {
	return &Config{
		Server: Server{
			Listen:          ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
	}
}

// Verify checks the invariants a usable configuration must hold.
func Verify(c *Config) error {
	if c.Adapter.Class == "" {
		return errors.New("config: adapter.class is required")
	}
	if c.Adapter.PrimaryPayloadKey == "" {
		return errors.New("config: adapter.primary_payload_key is required")
	}
	if c.Server.Listen == "" {
		return errors.New("config: server.listen must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("config: server.shutdown_timeout must be positive")
	}
	return nil
}

// Load reads, parses and verifies the document at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s failed,%w", path, err)
	}
	c := DefaultConfig()
	if err := yaml.Unmarshal(raw, c); err != nil {
		return nil, fmt.Errorf("config: parse %s failed,%w", path, err)
	}
	if err := Verify(c); err != nil {
		return nil, err
	}
	return c, nil
}
