package engctx

import (
	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Config carries the engine-open options the spec leaves external:
// page size, cache geometry, mmap threshold (spec §9 "local open-time
// parameters", explicitly not a network/env-var surface). It loads
// from an optional TOML file, then functional Options apply on top so
// callers can override individual fields in code.
type Config struct {
	PageSize         uint32 `toml:"page_size"`
	NumRegions       int    `toml:"num_regions"`
	FramesPerRegion  int    `toml:"frames_per_region"`
	BucketsPerRegion int    `toml:"buckets_per_region"`
	MmapThreshold    uint32 `toml:"mmap_threshold"`
	DataDir          string `toml:"data_dir"`
	NoSync           bool   `toml:"no_sync"`

	Logger *logrus.Logger `toml:"-"`
}

func (c *Config) setDefaults() {
	if c.PageSize == 0 {
		c.PageSize = 4096
	}
	if c.NumRegions == 0 {
		c.NumRegions = 1
	}
	if c.FramesPerRegion == 0 {
		c.FramesPerRegion = 256
	}
	if c.MmapThreshold == 0 {
		c.MmapThreshold = 10 << 20
	}
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
}

// Option mutates a Config after it has been loaded from file, letting
// callers override individual knobs without hand-editing TOML.
type Option func(*Config)

func WithPageSize(n uint32) Option        { return func(c *Config) { c.PageSize = n } }
func WithNumRegions(n int) Option         { return func(c *Config) { c.NumRegions = n } }
func WithMmapThreshold(n uint32) Option   { return func(c *Config) { c.MmapThreshold = n } }
func WithLogger(l *logrus.Logger) Option  { return func(c *Config) { c.Logger = l } }
func WithNoSync(v bool) Option            { return func(c *Config) { c.NoSync = v } }

// LoadConfig reads path (a TOML document) and applies opts on top of
// whatever it contains. An empty path skips the file and applies opts
// directly onto a zero-valued Config, which New then defaults.
func LoadConfig(path string, opts ...Option) (Config, error) {
	var cfg Config
	if path != "" {
		tree, err := toml.LoadFile(path)
		if err != nil {
			return Config{}, errors.Wrapf(err, "engctx: loading config %q", path)
		}
		if err := tree.Unmarshal(&cfg); err != nil {
			return Config{}, errors.Wrapf(err, "engctx: decoding config %q", path)
		}
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg, nil
}
