// Package config loads the server configuration: a YAML file over built-in
// defaults, then ZHABA_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"zhaba.dev/internal/bbcode"
)

const (
	EnvPrefix   = "ZHABA_"
	DefaultPath = "zhaba.yaml"
)

type Config struct {
	Listen   string `yaml:"listen" env:"LISTEN"`
	DB       string `yaml:"db" env:"DB"`
	ImageDir string `yaml:"image_dir" env:"IMAGE_DIR"`

	// WhoisServer is host:port of a WHOIS service. Empty disables lookups and
	// "!" returns a fixed stub record.
	WhoisServer  string        `yaml:"whois_server" env:"WHOIS_SERVER"`
	WhoisTimeout time.Duration `yaml:"whois_timeout" env:"WHOIS_TIMEOUT"`

	// AdminToken guards /v1/admin. Empty disables the admin API.
	AdminToken     string `yaml:"admin_token" env:"ADMIN_TOKEN"`
	TrustForwarded bool   `yaml:"trust_forwarded" env:"TRUST_FORWARDED"`

	PageSize      int   `yaml:"page_size" env:"PAGE_SIZE"`
	MaxPostLength int   `yaml:"max_post_length" env:"MAX_POST_LENGTH"`
	MaxUploadSize int64 `yaml:"max_upload_size" env:"MAX_UPLOAD_SIZE"`
	MaxPending    int   `yaml:"max_pending" env:"MAX_PENDING"`

	PostRatePerMinute float64 `yaml:"post_rate_per_minute" env:"POST_RATE_PER_MINUTE"`
	PostBurst         int     `yaml:"post_burst" env:"POST_BURST"`

	Debug      bool     `yaml:"debug" env:"DEBUG"`
	AuditDir   string   `yaml:"audit_dir" env:"AUDIT_DIR"`
	BBCodeTags []string `yaml:"bbcode_tags" env:"BBCODE_TAGS" envSeparator:","`

	Mirror MirrorConfig `yaml:"mirror" envPrefix:"MIRROR_"`
}

// MirrorConfig points at an S3-compatible bucket that receives a copy of every
// stored image. An empty Endpoint disables mirroring.
type MirrorConfig struct {
	Endpoint        string `yaml:"endpoint" env:"ENDPOINT"`
	Bucket          string `yaml:"bucket" env:"BUCKET"`
	Region          string `yaml:"region" env:"REGION"`
	AccessKeyID     string `yaml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
	Prefix          string `yaml:"prefix" env:"PREFIX"`
	Workers         int    `yaml:"workers" env:"WORKERS"`
}

func (m MirrorConfig) Enabled() bool { return strings.TrimSpace(m.Endpoint) != "" }

func Defaults() Config {
	return Config{
		Listen:            ":8080",
		DB:                "data/zhaba.db",
		ImageDir:          "data/images",
		WhoisTimeout:      5 * time.Second,
		PageSize:          50,
		MaxPostLength:     4000,
		MaxUploadSize:     8 << 20,
		PostRatePerMinute: 6,
		PostBurst:         3,
		BBCodeTags:        append([]string(nil), bbcode.DefaultTags...),
		Mirror: MirrorConfig{
			Region:  "auto",
			Prefix:  "images",
			Workers: 2,
		},
	}
}

// Path picks the config file: the flag value, then ZHABA_CONFIG, then
// zhaba.yaml when it exists. It returns "" when none applies.
func Path(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return p
	}
	if p := strings.TrimSpace(os.Getenv(EnvPrefix + "CONFIG")); p != "" {
		return p
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return DefaultPath
	}
	return ""
}

// Load reads path (skipped when empty) over the defaults and applies
// environment overrides from the process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, nil)
}

// LoadWithEnv is Load with an explicit environment; nil means os.Environ.
func LoadWithEnv(path string, environ map[string]string) (Config, error) {
	cfg := Defaults()
	name := "config"
	if strings.TrimSpace(path) != "" {
		name = path
		b, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", name, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix, Environment: environ}); err != nil {
		return cfg, fmt.Errorf("%s: env: %w", name, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%s: %w", name, err)
	}
	return cfg, nil
}

func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Listen = strings.TrimSpace(c.Listen)
	c.DB = strings.TrimSpace(c.DB)
	c.ImageDir = strings.TrimSpace(c.ImageDir)
	c.WhoisServer = strings.TrimSpace(c.WhoisServer)
	c.AuditDir = strings.TrimSpace(c.AuditDir)
	if c.WhoisTimeout <= 0 {
		c.WhoisTimeout = 5 * time.Second
	}
	if c.PostBurst <= 0 {
		c.PostBurst = 1
	}
	tags := c.BBCodeTags[:0]
	for _, t := range c.BBCodeTags {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			tags = append(tags, t)
		}
	}
	c.BBCodeTags = tags
	c.Mirror.Endpoint = strings.TrimRight(strings.TrimSpace(c.Mirror.Endpoint), "/")
	c.Mirror.Prefix = strings.Trim(strings.TrimSpace(c.Mirror.Prefix), "/")
	if c.Mirror.Region == "" {
		c.Mirror.Region = "auto"
	}
	if c.Mirror.Workers <= 0 {
		c.Mirror.Workers = 1
	}
}

func (c Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen is required"))
	} else if _, _, err := net.SplitHostPort(c.Listen); err != nil {
		errs = append(errs, fmt.Errorf("listen %q: %w", c.Listen, err))
	}
	if c.DB == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if c.ImageDir == "" {
		errs = append(errs, errors.New("image_dir is required"))
	}
	if c.PageSize <= 0 {
		errs = append(errs, fmt.Errorf("page_size must be > 0, got %d", c.PageSize))
	}
	if c.MaxPostLength <= 0 {
		errs = append(errs, fmt.Errorf("max_post_length must be > 0, got %d", c.MaxPostLength))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_size must be > 0, got %d", c.MaxUploadSize))
	}
	if c.MaxPending < 0 {
		errs = append(errs, fmt.Errorf("max_pending must be >= 0, got %d", c.MaxPending))
	}
	if c.PostRatePerMinute < 0 {
		errs = append(errs, fmt.Errorf("post_rate_per_minute must be >= 0, got %v", c.PostRatePerMinute))
	}
	if c.WhoisServer != "" && c.WhoisServer != "!" {
		if _, _, err := net.SplitHostPort(c.WhoisServer); err != nil {
			errs = append(errs, fmt.Errorf("whois_server %q: %w", c.WhoisServer, err))
		}
	}
	if _, err := bbcode.New(bbcode.Config{AcceptedTags: c.BBCodeTags}); err != nil {
		errs = append(errs, err)
	}
	if c.Mirror.Enabled() {
		if c.Mirror.Bucket == "" {
			errs = append(errs, errors.New("mirror.bucket is required when mirror.endpoint is set"))
		}
		if c.Mirror.AccessKeyID == "" || c.Mirror.SecretAccessKey == "" {
			errs = append(errs, errors.New("mirror credentials are required when mirror.endpoint is set"))
		}
	}
	return errors.Join(errs...)
}
