// Package config loads the optimizer's YAML configuration.
package config

import (
	"appointment-optimizer/controller"
	"appointment-optimizer/errors"
	"appointment-optimizer/fatigue"
	"appointment-optimizer/models"
	"appointment-optimizer/optimizer"
	"appointment-optimizer/simulator"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Logging    LoggingConfig     `yaml:"logging"`
	Timezone   string            `yaml:"timezone"`
	Simulator  simulator.Config  `yaml:"simulator"`
	Fatigue    fatigue.Config    `yaml:"fatigue"`
	Optimizer  optimizer.Config  `yaml:"optimizer"`
	Controller controller.Config `yaml:"controller"`
	Calendars  []CalendarConfig  `yaml:"calendars"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// CalendarConfig describes a resource's day as clock ranges like "08:00-12:00".
type CalendarConfig struct {
	Resource string        `yaml:"resource"`
	Working  []string      `yaml:"working"`
	Breaks   []string      `yaml:"breaks"`
	Buffer   time.Duration `yaml:"buffer"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Logging:    LoggingConfig{Level: "info", Format: "console"},
		Timezone:   "UTC",
		Simulator:  simulator.DefaultConfig(),
		Fatigue:    fatigue.DefaultConfig(),
		Optimizer:  optimizer.DefaultConfig(),
		Controller: controller.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidInput, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", errors.ErrInvalidInput, fmt.Sprintf(format, args...))
	}

	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return invalid("timezone %q: %v", c.Timezone, err)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return invalid("logging.format %q must be console or json", c.Logging.Format)
	}

	w := c.Optimizer.Weights
	if w.Waiting < 0 || w.Variance < 0 || w.Overrun < 0 {
		return invalid("optimizer.weights must not be negative")
	}
	if c.Optimizer.OverbookThreshold < 0 || c.Optimizer.OverbookThreshold > 1 {
		return invalid("optimizer.overbook_threshold %v outside [0, 1]", c.Optimizer.OverbookThreshold)
	}
	if c.Fatigue.Smoothing < 0 || c.Fatigue.Smoothing > 1 {
		return invalid("fatigue.smoothing %v outside [0, 1]", c.Fatigue.Smoothing)
	}
	if c.Fatigue.Ceiling < 1 {
		return invalid("fatigue.ceiling %v below 1", c.Fatigue.Ceiling)
	}
	if c.Controller.ReoptimizeBudget < 0 {
		return invalid("controller.reoptimize_budget must not be negative")
	}

	seen := make(map[string]bool)
	for _, cal := range c.Calendars {
		if cal.Resource == "" {
			return invalid("calendar without resource")
		}
		if seen[cal.Resource] {
			return invalid("duplicate calendar %s", cal.Resource)
		}
		seen[cal.Resource] = true
		if len(cal.Working) == 0 {
			return invalid("calendar %s has no working hours", cal.Resource)
		}
		for _, r := range append(append([]string(nil), cal.Working...), cal.Breaks...) {
			if _, _, err := parseRange(r); err != nil {
				return invalid("calendar %s: %v", cal.Resource, err)
			}
		}
	}
	return nil
}

// Location returns the configured timezone.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CalendarsFor builds the resource calendars of the calendar day of day, in the configured
// timezone, sorted by resource.
func (c *Config) CalendarsFor(day time.Time) ([]models.ResourceCalendar, error) {
	loc := c.Location()
	y, m, d := day.In(loc).Date()
	midnight := time.Date(y, m, d, 0, 0, 0, 0, loc)

	windows := func(ranges []string) ([]models.Window, error) {
		out := make([]models.Window, 0, len(ranges))
		for _, r := range ranges {
			from, to, err := parseRange(r)
			if err != nil {
				return nil, err
			}
			out = append(out, models.Window{Start: midnight.Add(from), End: midnight.Add(to)})
		}
		return out, nil
	}

	cals := make([]models.ResourceCalendar, 0, len(c.Calendars))
	for _, cc := range c.Calendars {
		working, err := windows(cc.Working)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: %w", cc.Resource, err)
		}
		breaks, err := windows(cc.Breaks)
		if err != nil {
			return nil, fmt.Errorf("calendar %s: %w", cc.Resource, err)
		}
		cals = append(cals, models.ResourceCalendar{
			ResourceID:     cc.Resource,
			WorkingWindows: working,
			Breaks:         breaks,
			MinBuffer:      cc.Buffer,
		})
	}
	sort.Slice(cals, func(i, j int) bool { return cals[i].ResourceID < cals[j].ResourceID })
	return cals, nil
}

// parseRange parses "HH:MM-HH:MM" into offsets from midnight.
func parseRange(s string) (time.Duration, time.Duration, error) {
	from, to, ok := strings.Cut(strings.TrimSpace(s), "-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: range %q is not HH:MM-HH:MM", errors.ErrInvalidInput, s)
	}
	start, err := parseClock(from)
	if err != nil {
		return 0, 0, err
	}
	end, err := parseClock(to)
	if err != nil {
		return 0, 0, err
	}
	if end <= start {
		return 0, 0, fmt.Errorf("%w: range %q ends before it starts", errors.ErrInvalidInput, s)
	}
	return start, end, nil
}

func parseClock(s string) (time.Duration, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: clock %q: %v", errors.ErrInvalidInput, s, err)
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}
