// Package config loads a replica's configuration from a JSON or YAML file
// and LENS_* environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"lens/pkg/auth"
	"lens/pkg/federation"
	"lens/pkg/identity"
	"lens/pkg/store"
	"lens/pkg/utils"
)

// EnvPrefix prefixes every environment override, e.g. LENS_LISTEN.
const EnvPrefix = "LENS"

const (
	DefaultListen         = ":7400"
	DefaultMetricsListen  = ":7401"
	DefaultDataDir        = "./data"
	DefaultGossipPeriod   = 10 * time.Second
	DefaultFanout         = 3
	DefaultMaxPayloadSize = utils.DataSize(utils.MegaByte)
)

// Config is a replica's configuration.
type Config struct {
	// Site is this replica's site address, e.g. films@alice.lens.local.
	Site     string `json:"site" yaml:"site" envconfig:"SITE" validate:"required"`
	SiteName string `json:"site_name,omitempty" yaml:"site_name,omitempty" envconfig:"SITE_NAME"`

	Listen        string `json:"listen" yaml:"listen" envconfig:"LISTEN" validate:"required"`
	MetricsListen string `json:"metrics_listen" yaml:"metrics_listen" envconfig:"METRICS_LISTEN"`
	DataDir       string `json:"data_dir" yaml:"data_dir" envconfig:"DATA_DIR" validate:"required"`

	// RootAdmin holds every permission in the role store. Defaults to the
	// replica's own identity.
	RootAdmin identity.Identity `json:"root_admin,omitempty" yaml:"root_admin,omitempty" envconfig:"ROOT_ADMIN"`

	MaxPayloadSize utils.DataSize `json:"max_payload_size" yaml:"max_payload_size" envconfig:"MAX_PAYLOAD_SIZE"`
	// MaxClockSkew is how far past the local Lamport clock an incoming
	// operation may be stamped.
	MaxClockSkew uint64 `json:"max_clock_skew" yaml:"max_clock_skew" envconfig:"MAX_CLOCK_SKEW" validate:"min=1"`

	Gossip GossipConfig `json:"gossip" yaml:"gossip" envconfig:"GOSSIP"`

	// TLS secures replication between replicas and from the CLI.
	TLS auth.TLSConfig `json:"tls" yaml:"tls" envconfig:"TLS"`

	Peers        []PeerConfig      `json:"peers,omitempty" yaml:"peers,omitempty" ignored:"true" validate:"dive"`
	TrustedSites []federation.Site `json:"trusted_sites,omitempty" yaml:"trusted_sites,omitempty" ignored:"true" validate:"dive"`

	LogLevel string `json:"log_level,omitempty" yaml:"log_level,omitempty" envconfig:"LOG_LEVEL" validate:"omitempty,oneof=debug info warn error"`
}

// GossipConfig tunes anti-entropy.
type GossipConfig struct {
	Period Duration `json:"period" yaml:"period" envconfig:"PERIOD"`
	Fanout int      `json:"fanout" yaml:"fanout" envconfig:"FANOUT" validate:"min=1"`
}

// PeerConfig names a replica to gossip with.
type PeerConfig struct {
	Site     string `json:"site" yaml:"site"`
	Endpoint string `json:"endpoint" yaml:"endpoint" validate:"required"`
}

// Duration is a time.Duration written as "10s" in config files.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Listen:         DefaultListen,
		MetricsListen:  DefaultMetricsListen,
		DataDir:        DefaultDataDir,
		MaxPayloadSize: DefaultMaxPayloadSize,
		MaxClockSkew:   store.DefaultMaxClockSkew,
		Gossip: GossipConfig{
			Period: Duration(DefaultGossipPeriod),
			Fanout: DefaultFanout,
		},
		LogLevel: "info",
	}
}

// Load reads and validates the configuration.
func Load(path string) (*Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Read reads path (if non-empty) over the defaults and applies environment
// overrides without validating, so callers can apply flags first. The
// format follows the extension: .json, .yaml or .yml.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		err = json.Unmarshal(data, c)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config format %q (use .json, .yaml or .yml)", filepath.Ext(path))
	}
	if err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and that every site is a valid site
// address.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if _, err := federation.ParseSiteAddress(c.Site); err != nil {
		return fmt.Errorf("invalid config: site: %w", err)
	}
	for _, site := range c.TrustedSites {
		if _, err := federation.ParseSiteAddress(site.ID); err != nil {
			return fmt.Errorf("invalid config: trusted site: %w", err)
		}
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Root returns the root administrator, defaulting to self.
func (c *Config) Root(self identity.Identity) identity.Identity {
	if c.RootAdmin.IsZero() {
		return self
	}
	return c.RootAdmin
}

// Directory builds the recognized-site directory: the trusted sites plus
// this replica's own site keyed by self.
func (c *Config) Directory(self identity.Identity) (*federation.SiteDirectory, error) {
	d, err := federation.NewSiteDirectory(c.TrustedSites...)
	if err != nil {
		return nil, err
	}
	local := federation.Site{ID: c.Site, Name: c.SiteName, Key: self, Endpoint: c.Listen}
	if err := d.Add(local); err != nil {
		return nil, err
	}
	return d, nil
}

// KeyDir is where the replica's signing key lives.
func (c *Config) KeyDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// DatabasePath is the operation log location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "lens.db")
}
