// Package config loads the categorization rule set.  Each rule family
// is a typed block with an explicit enable flag; malformed files are
// rejected at load time rather than interpreted ad hoc during
// evaluation.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Sender categorization modes.  Mutually exclusive per run.
const (
	SenderByDomain       = "domain"
	SenderByOrganization = "organization"
	SenderByPerson       = "person"
)

// DateRule labels messages with their received year and month.
type DateRule struct {
	Enabled bool `yaml:"enabled"`

	// Timezone the received date is interpreted in.  An IANA
	// name; empty means the process's local zone.
	Timezone string `yaml:"timezone,omitempty"`
}

// SenderRule labels messages by who sent them.
type SenderRule struct {
	Enabled bool   `yaml:"enabled"`
	Mode    string `yaml:"mode"`

	// Organizations maps a sender domain to an organization name
	// for the organization mode.  Unmapped domains fall back to
	// the domain itself.
	Organizations map[string]string `yaml:"organizations,omitempty"`
}

// KeywordRule labels messages whose subject or snippet contains any
// of a category's keywords.
type KeywordRule struct {
	Enabled bool `yaml:"enabled"`

	// Categories maps a category name to its match terms.
	Categories map[string][]string `yaml:"categories,omitempty"`
}

// Config is the full rule-set configuration.
type Config struct {
	Date    DateRule    `yaml:"date"`
	Sender  SenderRule  `yaml:"sender"`
	Keyword KeywordRule `yaml:"keywords"`

	// Messages carrying any of these label IDs are excluded from
	// processing entirely.
	IgnoreLabels []string `yaml:"ignore_labels"`

	// MaxBatch is the page size used when listing messages.
	MaxBatch int `yaml:"max_batch"`

	// MaxChunk bounds one batch-modify request.  The API limit is
	// well above this, but label mutations are charged per call,
	// so keep chunks modest.
	MaxChunk int `yaml:"max_chunk"`
}

// Default returns the configuration written on first run: date
// labeling on, everything else off, with the stock keyword table and
// organization map ready to enable.
func Default() Config {
	return Config{
		Date:   DateRule{Enabled: true},
		Sender: SenderRule{Mode: SenderByDomain, Organizations: defaultOrganizations()},
		Keyword: KeywordRule{
			Categories: defaultKeywords(),
		},
		IgnoreLabels: []string{"SPAM", "TRASH"},
		MaxBatch:     100,
		MaxChunk:     100,
	}
}

func defaultKeywords() map[string][]string {
	return map[string][]string{
		"urgent":     {"urgent", "asap", "emergency", "immediate", "priority"},
		"meeting":    {"meeting", "conference", "call", "zoom", "teams", "appointment"},
		"financial":  {"invoice", "payment", "bill", "receipt", "bank", "transaction"},
		"travel":     {"flight", "hotel", "booking", "ticket", "travel", "reservation"},
		"newsletter": {"newsletter", "unsubscribe", "weekly", "monthly", "digest"},
		"social":     {"facebook", "twitter", "linkedin", "instagram", "notification"},
		"shopping":   {"order", "shipping", "delivery", "cart", "purchase", "amazon"},
		"work":       {"project", "deadline", "report", "task", "assignment", "review"},
	}
}

func defaultOrganizations() map[string]string {
	return map[string]string{
		"google.com":    "Google",
		"microsoft.com": "Microsoft",
		"apple.com":     "Apple",
		"amazon.com":    "Amazon",
		"facebook.com":  "Meta",
		"linkedin.com":  "LinkedIn",
		"github.com":    "GitHub",
		"slack.com":     "Slack",
		"zoom.us":       "Zoom",
		"dropbox.com":   "Dropbox",
	}
}

// Validate rejects configurations the rule engine would have to guess
// about.
func (c *Config) Validate() error {
	if c.Date.Timezone != "" {
		if _, err := time.LoadLocation(c.Date.Timezone); err != nil {
			return errors.Wrapf(err, "date.timezone %q", c.Date.Timezone)
		}
	}
	if c.Sender.Enabled {
		switch c.Sender.Mode {
		case SenderByDomain, SenderByOrganization, SenderByPerson:
		default:
			return errors.Errorf("sender.mode %q: must be one of %q, %q, %q",
				c.Sender.Mode, SenderByDomain, SenderByOrganization, SenderByPerson)
		}
	}
	if c.Keyword.Enabled {
		if len(c.Keyword.Categories) == 0 {
			return errors.New("keywords enabled with no categories")
		}
		for name, terms := range c.Keyword.Categories {
			if name == "" {
				return errors.New("keywords: empty category name")
			}
			if len(terms) == 0 {
				return errors.Errorf("keywords.%s: no match terms", name)
			}
		}
	}
	if c.MaxBatch <= 0 {
		return errors.Errorf("max_batch %d: must be positive", c.MaxBatch)
	}
	if c.MaxChunk <= 0 || c.MaxChunk > 100 {
		return errors.Errorf("max_chunk %d: must be in 1..100", c.MaxChunk)
	}
	return nil
}

// Load reads the configuration at path, creating it with defaults
// when absent.  Fields missing from the file keep their defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := writeDefault(path, cfg); err != nil {
			return Config{}, err
		}
		return cfg, nil
	}
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config %q", path)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config %q", path)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, errors.Wrapf(err, "invalid config %q", path)
	}
	return cfg, nil
}

func writeDefault(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating config directory")
	}
	raw, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "encoding default config")
	}
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return errors.Wrapf(err, "writing default config %q", path)
	}
	return nil
}
