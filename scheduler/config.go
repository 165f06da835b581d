package scheduler

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// TimeOfDay is a wall-clock "HH:MM" trigger.
type TimeOfDay struct {
	Hour   int
	Minute int
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) minutes() int {
	return t.Hour*60 + t.Minute
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return TimeOfDay{}, fmt.Errorf("invalid time of day %q: expected HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || len(hh) > 2 || h < 0 || h > 23 {
		return TimeOfDay{}, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 || m < 0 || m > 59 {
		return TimeOfDay{}, fmt.Errorf("invalid minute in %q", s)
	}
	return TimeOfDay{Hour: h, Minute: m}, nil
}

// ParseTriggers parses and sorts trigger times. Duplicates are an error.
func ParseTriggers(times []string) ([]TimeOfDay, error) {
	out := make([]TimeOfDay, 0, len(times))
	seen := map[int]bool{}
	for _, s := range times {
		t, err := ParseTimeOfDay(s)
		if err != nil {
			return nil, err
		}
		if seen[t.minutes()] {
			return nil, fmt.Errorf("duplicate trigger time %s", t)
		}
		seen[t.minutes()] = true
		out = append(out, t)
	}
	slices.SortFunc(out, func(a, b TimeOfDay) int { return a.minutes() - b.minutes() })
	return out, nil
}

type Config struct {
	// daily post times, unique and sorted
	Triggers []TimeOfDay
	// scheduled posts rotate through these categories; empty means any
	Categories []string
	// random delay added after each trigger, up to this long
	Jitter time.Duration
	// how long a posted template stays blocked
	TemplateTTL time.Duration

	// zero disables the quote scan loop
	ScanInterval  time.Duration
	TimelineLimit int
	// how long a quoted post's fingerprint stays blocked
	QuoteTTL       time.Duration
	RateWindow     time.Duration
	RateMax        int
	RateMinSpacing time.Duration

	// consecutive publish failures before an operator alert
	FailureAlertThreshold int
	// triggers are interpreted in this zone
	Location *time.Location

	// loops compose and consult the limiter but never publish, mark or count
	DryRun bool
}

func DefaultConfig() Config {
	return Config{
		Triggers:              []TimeOfDay{{9, 0}, {13, 30}, {19, 0}},
		Categories:            []string{"お肉", "日常", "季節"},
		Jitter:                15 * time.Minute,
		TemplateTTL:           24 * time.Hour,
		ScanInterval:          30 * time.Minute,
		TimelineLimit:         20,
		QuoteTTL:              7 * 24 * time.Hour,
		RateWindow:            time.Hour,
		RateMax:               2,
		RateMinSpacing:        30 * time.Minute,
		FailureAlertThreshold: 3,
		Location:              time.Local,
	}
}

func (c Config) Validate() error {
	var errs []error
	if len(c.Triggers) == 0 {
		errs = append(errs, errors.New("at least one trigger time is required"))
	}
	seen := map[int]bool{}
	for i, t := range c.Triggers {
		if t.Hour < 0 || t.Hour > 23 || t.Minute < 0 || t.Minute > 59 {
			errs = append(errs, fmt.Errorf("trigger out of range: %s", t))
		}
		if seen[t.minutes()] {
			errs = append(errs, fmt.Errorf("duplicate trigger time %s", t))
		}
		seen[t.minutes()] = true
		if i > 0 && c.Triggers[i-1].minutes() > t.minutes() {
			errs = append(errs, errors.New("trigger times must be sorted"))
		}
	}
	if c.Jitter < 0 {
		errs = append(errs, errors.New("jitter must not be negative"))
	}
	if c.TemplateTTL <= 0 {
		errs = append(errs, errors.New("template TTL must be positive"))
	}
	if c.ScanInterval < 0 {
		errs = append(errs, errors.New("scan interval must not be negative"))
	}
	if c.ScanInterval > 0 {
		if c.TimelineLimit < 1 || c.TimelineLimit > 100 {
			errs = append(errs, errors.New("timeline limit must be between 1 and 100"))
		}
		if c.QuoteTTL <= 0 {
			errs = append(errs, errors.New("quote TTL must be positive"))
		}
		if c.RateWindow <= 0 || c.RateMax < 1 {
			errs = append(errs, errors.New("rate window and max must be positive"))
		}
		if c.RateMinSpacing < 0 {
			errs = append(errs, errors.New("rate min spacing must not be negative"))
		}
	}
	if c.Location == nil {
		errs = append(errs, errors.New("location is required"))
	}
	return errors.Join(errs...)
}

// on-disk form; unset fields keep the base value
type fileConfig struct {
	Triggers              []string `yaml:"triggers"`
	Categories            []string `yaml:"categories"`
	Jitter                string   `yaml:"jitter"`
	TemplateTTL           string   `yaml:"template_ttl"`
	ScanInterval          string   `yaml:"scan_interval"`
	TimelineLimit         *int     `yaml:"timeline_limit"`
	QuoteTTL              string   `yaml:"quote_ttl"`
	RateWindow            string   `yaml:"rate_window"`
	RateMax               *int     `yaml:"rate_max"`
	RateMinSpacing        string   `yaml:"rate_min_spacing"`
	FailureAlertThreshold *int     `yaml:"failure_alert_threshold"`
	Timezone              string   `yaml:"timezone"`
}

func parseDuration(field, s string, dst *time.Duration) error {
	if s == "" {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	*dst = d
	return nil
}

// LoadConfigFile overlays a YAML schedule file onto base and validates the
// result.
func LoadConfigFile(path string, base Config) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("reading schedule config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return base, fmt.Errorf("parsing schedule config: %w", err)
	}

	cfg := base
	if fc.Triggers != nil {
		if cfg.Triggers, err = ParseTriggers(fc.Triggers); err != nil {
			return base, err
		}
	}
	if fc.Categories != nil {
		cfg.Categories = fc.Categories
	}
	for _, d := range []struct {
		field string
		val   string
		dst   *time.Duration
	}{
		{"jitter", fc.Jitter, &cfg.Jitter},
		{"template_ttl", fc.TemplateTTL, &cfg.TemplateTTL},
		{"scan_interval", fc.ScanInterval, &cfg.ScanInterval},
		{"quote_ttl", fc.QuoteTTL, &cfg.QuoteTTL},
		{"rate_window", fc.RateWindow, &cfg.RateWindow},
		{"rate_min_spacing", fc.RateMinSpacing, &cfg.RateMinSpacing},
	} {
		if err := parseDuration(d.field, d.val, d.dst); err != nil {
			return base, err
		}
	}
	if fc.TimelineLimit != nil {
		cfg.TimelineLimit = *fc.TimelineLimit
	}
	if fc.RateMax != nil {
		cfg.RateMax = *fc.RateMax
	}
	if fc.FailureAlertThreshold != nil {
		cfg.FailureAlertThreshold = *fc.FailureAlertThreshold
	}
	if fc.Timezone != "" {
		loc, err := time.LoadLocation(fc.Timezone)
		if err != nil {
			return base, fmt.Errorf("timezone: %w", err)
		}
		cfg.Location = loc
	}
	if err := cfg.Validate(); err != nil {
		return base, fmt.Errorf("invalid schedule config: %w", err)
	}
	return cfg, nil
}

// NextTrigger returns the first trigger instant strictly after the given
// time, wrapping to the next day once today's triggers have passed.
func NextTrigger(after time.Time, triggers []TimeOfDay, loc *time.Location) time.Time {
	if loc == nil {
		loc = after.Location()
	}
	local := after.In(loc)
	y, m, d := local.Date()
	// two days covers a wrap; the third absorbs DST gaps
	for offset := 0; offset < 3; offset++ {
		var best time.Time
		for _, t := range triggers {
			at := time.Date(y, m, d+offset, t.Hour, t.Minute, 0, 0, loc)
			if at.After(after) && (best.IsZero() || at.Before(best)) {
				best = at
			}
		}
		if !best.IsZero() {
			return best
		}
	}
	return time.Time{}
}
