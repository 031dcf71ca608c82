// Package config loads the treez binary configuration from a TOML file and
// TREEZ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/zoobzio/treez"
	"github.com/zoobzio/treez/internal/logger"
)

// Config is the complete binary configuration.
//
//nolint:govet // Field order follows the file layout
type Config struct {
	// Capacity is the number of trees retained for slow subscribers.
	Capacity int `toml:"capacity"`
	// Watermark warns when this many spans are resident; 0 disables the warning.
	Watermark int           `toml:"watermark"`
	Logging   logger.Config `toml:"logging"`
	Render    Render        `toml:"render"`
	NATS      NATS          `toml:"nats"`
}

// Render controls how trees are printed.
type Render struct {
	Format string `toml:"format"` // text, json or msgpack
	Color  string `toml:"color"`  // auto, on or off
	Width  int    `toml:"width"`  // 0 detects the terminal width
}

// NATS controls publishing of trees to NATS.
type NATS struct {
	Enabled bool   `toml:"enabled"`
	URL     string `toml:"url"`
	Subject string `toml:"subject"`
	Format  string `toml:"format"` // json or msgpack
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Capacity:  64,
		Watermark: 10000,
		Logging:   logger.DefaultConfig(),
		Render: Render{
			Format: "text",
			Color:  "auto",
		},
		NATS: NATS{
			URL:     "nats://127.0.0.1:4222",
			Subject: "treez.trees",
			Format:  "msgpack",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		meta, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("%s: failed to parse TOML: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("%s: unknown keys: %s", path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	ints := map[string]*int{
		"TREEZ_CAPACITY":     &c.Capacity,
		"TREEZ_WATERMARK":    &c.Watermark,
		"TREEZ_RENDER_WIDTH": &c.Render.Width,
	}
	for key, dst := range ints {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	strs := map[string]*string{
		"TREEZ_LOG_LEVEL":    &c.Logging.Level,
		"TREEZ_LOG_OUTPUT":   &c.Logging.Output,
		"TREEZ_FORMAT":       &c.Render.Format,
		"TREEZ_COLOR":        &c.Render.Color,
		"TREEZ_NATS_SUBJECT": &c.NATS.Subject,
		"TREEZ_NATS_FORMAT":  &c.NATS.Format,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}

	// Setting a server URL turns publishing on.
	if v, ok := lookup("TREEZ_NATS_URL"); ok && v != "" {
		c.NATS.URL = v
		c.NATS.Enabled = true
	}
	return nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error

	if c.Capacity < 1 {
		errs = append(errs, fmt.Errorf("capacity must be > 0, got %d", c.Capacity))
	}
	if c.Watermark < 0 {
		errs = append(errs, fmt.Errorf("watermark must be >= 0, got %d", c.Watermark))
	}
	if c.Render.Width < 0 {
		errs = append(errs, fmt.Errorf("render.width must be >= 0, got %d", c.Render.Width))
	}

	switch c.Render.Format {
	case "text", "json", "msgpack":
	default:
		errs = append(errs, fmt.Errorf("render.format: invalid format %q (expected: text|json|msgpack)", c.Render.Format))
	}
	switch c.Render.Color {
	case "auto", "on", "off":
	default:
		errs = append(errs, fmt.Errorf("render.color: invalid value %q (expected: auto|on|off)", c.Render.Color))
	}

	if c.NATS.Enabled {
		if c.NATS.URL == "" {
			errs = append(errs, errors.New("nats.url is required when nats is enabled"))
		}
		if c.NATS.Subject == "" {
			errs = append(errs, errors.New("nats.subject is required when nats is enabled"))
		}
		if _, err := treez.ParseFormat(c.NATS.Format); err != nil {
			errs = append(errs, fmt.Errorf("nats.format: %w", err))
		}
	}

	return errors.Join(errs...)
}

// NATSFormat returns the wire format of published trees.
func (c *Config) NATSFormat() treez.Format {
	f, err := treez.ParseFormat(c.NATS.Format)
	if err != nil {
		return treez.FormatMsgPack
	}
	return f
}
