package cache

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Category names one independently configured cache within a tenant.
type Category string

const (
	CategoryObject        Category = "object"
	CategoryProperties    Category = "properties"
	CategoryType          Category = "type"
	CategoryVersionSeries Category = "versionSeries"
	CategoryAttachment    Category = "attachment"
	CategoryChangeEvent   Category = "changeEvent"
	CategoryUser          Category = "user"
	CategoryGroup         Category = "group"
)

// Categories lists every cache a tenant owns, in creation order.
var Categories = []Category{
	CategoryObject,
	CategoryProperties,
	CategoryType,
	CategoryVersionSeries,
	CategoryAttachment,
	CategoryChangeEvent,
	CategoryUser,
	CategoryGroup,
}

// Settings configures one cache category.
type Settings struct {
	Enabled           *bool `yaml:"enabled"`
	MaxEntries        *int  `yaml:"maxEntries"`
	Eternal           *bool `yaml:"eternal"`
	TimeToLiveSeconds *int  `yaml:"timeToLiveSeconds"`
	TimeToIdleSeconds *int  `yaml:"timeToIdleSeconds"`
}

// merge overlays non-nil fields of other on top of s.
func (s Settings) merge(other Settings) Settings {
	if other.Enabled != nil {
		s.Enabled = other.Enabled
	}
	if other.MaxEntries != nil {
		s.MaxEntries = other.MaxEntries
	}
	if other.Eternal != nil {
		s.Eternal = other.Eternal
	}
	if other.TimeToLiveSeconds != nil {
		s.TimeToLiveSeconds = other.TimeToLiveSeconds
	}
	if other.TimeToIdleSeconds != nil {
		s.TimeToIdleSeconds = other.TimeToIdleSeconds
	}
	return s
}

func (s Settings) enabled() bool { return s.Enabled == nil || *s.Enabled }

func (s Settings) maxEntries() int {
	if s.MaxEntries == nil || *s.MaxEntries <= 0 {
		return 1000
	}
	return *s.MaxEntries
}

// ttl returns the entry lifetime; zero means no expiration.
func (s Settings) ttl() time.Duration {
	if s.Eternal != nil && *s.Eternal {
		return 0
	}
	// Idle-based expiry wins over TTL when both are set, matching the
	// behaviour of the deployment profiles this format comes from.
	if s.TimeToIdleSeconds != nil && *s.TimeToIdleSeconds > 0 {
		return time.Duration(*s.TimeToIdleSeconds) * time.Second
	}
	if s.TimeToLiveSeconds != nil && *s.TimeToLiveSeconds > 0 {
		return time.Duration(*s.TimeToLiveSeconds) * time.Second
	}
	return 0
}

// Config is the layered cache-settings document: a default profile merged
// into each named category override.
type Config struct {
	Disabled   bool                  `yaml:"disabled"`
	Default    Settings              `yaml:"default"`
	Categories map[Category]Settings `yaml:"categories"`
}

// Resolve returns the effective settings for one category.
func (c Config) Resolve(cat Category) Settings {
	s := c.Default
	if override, ok := c.Categories[cat]; ok {
		s = s.merge(override)
	}
	return s
}

// DefaultConfig is used when no settings document is provided.
func DefaultConfig() Config {
	ttl := 3600
	size := 1000
	return Config{
		Default: Settings{MaxEntries: &size, TimeToLiveSeconds: &ttl},
	}
}

// LoadConfig reads a YAML settings document from disk.
func LoadConfig(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read cache config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse cache config: %w", err)
	}
	if cfg.Default == (Settings{}) {
		cfg.Default = DefaultConfig().Default
	}
	return cfg, nil
}
