package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds the simulator service settings read from the environment.
type Config struct {
	Host      string        `env:"PCSC_SIM_HOST"       envDefault:"127.0.0.1"`
	Port      int           `env:"PCSC_SIM_PORT"       envDefault:"32146"`
	LogLevel  string        `env:"PCSC_SIM_LOG_LEVEL"  envDefault:"info"`
	LogFormat string        `env:"PCSC_SIM_LOG_FORMAT" envDefault:"text"`
	LogBuffer int           `env:"PCSC_SIM_LOG_BUFFER" envDefault:"1000"`
	MaxWait   time.Duration `env:"PCSC_SIM_MAX_WAIT"   envDefault:"5m"`
	CrashDir  string        `env:"PCSC_SIM_CRASH_DIR"`

	// Readers are base names attached to the seeded context at startup.
	Readers []string `env:"PCSC_SIM_READERS" envSeparator:","`
	// Cards are "reader id=card name" pairs inserted into the seeded context.
	Cards []string `env:"PCSC_SIM_CARDS" envSeparator:","`
}

// Insertion is one parsed entry of Cards.
type Insertion struct {
	Reader string
	Card   string
}

// Parse reads the configuration from the environment.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads the configuration from the environment, falling back to
// defaults for anything that does not parse.
func Load() *Config {
	cfg, err := Parse()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns the configuration used when the environment is empty.
func Default() *Config {
	return &Config{
		Host:      "127.0.0.1",
		Port:      32146,
		LogLevel:  "info",
		LogFormat: "text",
		LogBuffer: 1000,
		MaxWait:   5 * time.Minute,
	}
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.MaxWait < 0 {
		return fmt.Errorf("invalid max wait %s", c.MaxWait)
	}
	if _, err := c.Insertions(); err != nil {
		return err
	}
	return nil
}

// Address returns the host:port the HTTP server listens on.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Insertions parses Cards.
func (c *Config) Insertions() ([]Insertion, error) {
	list := make([]Insertion, 0, len(c.Cards))
	for _, pair := range c.Cards {
		reader, card, ok := strings.Cut(pair, "=")
		reader, card = strings.TrimSpace(reader), strings.TrimSpace(card)
		if !ok || reader == "" || card == "" {
			return nil, fmt.Errorf("invalid card insertion %q: want \"reader=card\"", pair)
		}
		list = append(list, Insertion{Reader: reader, Card: card})
	}
	return list, nil
}

// ReaderNames returns Readers with surrounding blanks trimmed and empty
// entries dropped.
func (c *Config) ReaderNames() []string {
	names := make([]string, 0, len(c.Readers))
	for _, r := range c.Readers {
		if r = strings.TrimSpace(r); r != "" {
			names = append(names, r)
		}
	}
	return names
}
