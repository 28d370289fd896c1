// Package config loads stationbot settings.
//
// Precedence, lowest first: built-in defaults, an optional YAML or TOML
// file, then environment variables. Durations are Go duration strings
// ("5m", "200ms").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"
	_ "time/tzdata"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// ErrMissingSetting marks a required setting that was not provided.
var ErrMissingSetting = errors.New("missing required setting")

// Duration is a time.Duration read from text.
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration as a Go duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full service configuration.
type Config struct {
	Timezone string         `yaml:"timezone" toml:"timezone"`
	Misskey  MisskeyConfig  `yaml:"misskey" toml:"misskey"`
	State    StateConfig    `yaml:"state" toml:"state"`
	Welcome  WelcomeConfig  `yaml:"welcome" toml:"welcome"`
	Backup   BackupConfig   `yaml:"backup" toml:"backup"`
	Ranking  RankingConfig  `yaml:"ranking" toml:"ranking"`
	Metrics  MetricsConfig  `yaml:"metrics" toml:"metrics"`

	// envErrs collects malformed environment overrides for Validate.
	envErrs []error
}

// MisskeyConfig addresses the instance.
type MisskeyConfig struct {
	URL       string   `yaml:"url" toml:"url"`
	Token     string   `yaml:"token" toml:"token"`
	Timeout   Duration `yaml:"timeout" toml:"timeout"`
	UserAgent string   `yaml:"user_agent" toml:"user_agent"`
}

// StateConfig selects the watermark store.
type StateConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // sqlite, postgres or memory
	Path   string `yaml:"path" toml:"path"`
	DSN    string `yaml:"dsn" toml:"dsn"`
}

// WelcomeConfig drives the new-user stream.
type WelcomeConfig struct {
	Enabled      bool     `yaml:"enabled" toml:"enabled"`
	Interval     Duration `yaml:"interval" toml:"interval"`
	InitialDelay Duration `yaml:"initial_delay" toml:"initial_delay"`
	Limit        int      `yaml:"limit" toml:"limit"`
	Ceiling      int      `yaml:"ceiling" toml:"ceiling"`
	Delay        Duration `yaml:"delay" toml:"delay"`
	Visibility   string   `yaml:"visibility" toml:"visibility"`
	Template     string   `yaml:"template" toml:"template"`
}

// BackupConfig drives the backup-artifact stream.
type BackupConfig struct {
	Enabled    bool     `yaml:"enabled" toml:"enabled"`
	Dir        string   `yaml:"dir" toml:"dir"`
	Pattern    string   `yaml:"pattern" toml:"pattern"`
	Interval   Duration `yaml:"interval" toml:"interval"`
	Settle     Duration `yaml:"settle" toml:"settle"`
	Ceiling    int      `yaml:"ceiling" toml:"ceiling"`
	Delay      Duration `yaml:"delay" toml:"delay"`
	Visibility string   `yaml:"visibility" toml:"visibility"`
	Watch      bool     `yaml:"watch" toml:"watch"`
}

// RankingConfig drives the daily leaderboard.
type RankingConfig struct {
	Enabled        bool     `yaml:"enabled" toml:"enabled"`
	Schedule       string   `yaml:"schedule" toml:"schedule"`
	CutoffHour     int      `yaml:"cutoff_hour" toml:"cutoff_hour"`
	CutoffMinute   int      `yaml:"cutoff_minute" toml:"cutoff_minute"`
	IncludeReplies bool     `yaml:"include_replies" toml:"include_replies"`
	IncludeRenotes bool     `yaml:"include_renotes" toml:"include_renotes"`
	ExcludeBots    bool     `yaml:"exclude_bots" toml:"exclude_bots"`
	PageSize       int      `yaml:"page_size" toml:"page_size"`
	PageDelay      Duration `yaml:"page_delay" toml:"page_delay"`
	TopN           int      `yaml:"top_n" toml:"top_n"`
	Hashtags       string   `yaml:"hashtags" toml:"hashtags"`
	Visibility     string   `yaml:"visibility" toml:"visibility"`
}

// MetricsConfig exposes /metrics when Addr is set.
type MetricsConfig struct {
	Addr string `yaml:"addr" toml:"addr"`
}

// DefaultWelcomeTemplate is the greeting posted for each new user.
const DefaultWelcomeTemplate = `@{{.Username}} さん、{{.Host}} へようこそ！🎉

【はじめての方へ】
🔰 プロフィールを設定してアイコンを変えてみよう
📝 #自己紹介 タグで投稿してみよう
🎁 「@loginbonus ログボ」と呟くとログボが貰えます！
📊 サーバー状況は @vnstat で確認できます

困ったことがあれば #質問 タグで聞いてください
ゆっくりしていってね！`

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Timezone: "Asia/Tokyo",
		Misskey:  MisskeyConfig{Timeout: Duration{30 * time.Second}},
		State:    StateConfig{Driver: "sqlite", Path: filepath.Join("data", "database.db")},
		Welcome: WelcomeConfig{
			Enabled:      true,
			Interval:     Duration{5 * time.Minute},
			InitialDelay: Duration{10 * time.Second},
			Limit:        100,
			Ceiling:      10,
			Delay:        Duration{3 * time.Second},
			Visibility:   "public",
			Template:     DefaultWelcomeTemplate,
		},
		Backup: BackupConfig{
			Interval:   Duration{time.Minute},
			Settle:     Duration{2 * time.Minute},
			Ceiling:    10,
			Delay:      Duration{3 * time.Second},
			Visibility: "home",
			Watch:      true,
		},
		Ranking: RankingConfig{
			Enabled:        true,
			Schedule:       "45 23 * * *",
			CutoffHour:     23,
			CutoffMinute:   30,
			IncludeReplies: true,
			IncludeRenotes: true,
			ExcludeBots:    true,
			PageSize:       100,
			PageDelay:      Duration{200 * time.Millisecond},
			TopN:           10,
			Hashtags:       "#bot #すてーしょんランキング",
			Visibility:     "public",
		},
	}
}

// Load reads path (if non-empty), applies environment overrides, fills
// defaults and validates the result.
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

// Read is Load without validation, for commands that only touch state.
func Read(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv()
	cfg.withDefaults()
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("config %s: unsupported extension (want .yaml, .yml or .toml)", path)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Misskey.URL = envOr("MISSKEY_URL", c.Misskey.URL)
	c.Misskey.Token = envOr("MISSKEY_TOKEN", c.Misskey.Token)
	c.State.Driver = envOr("STATIONBOT_STATE_DRIVER", c.State.Driver)
	c.State.Path = envOr("STATIONBOT_DB", c.State.Path)
	if dsn := os.Getenv("STATIONBOT_PG_DSN"); dsn != "" {
		c.State.DSN = dsn
		c.State.Driver = "postgres"
	}
	if dir := os.Getenv("STATIONBOT_BACKUP_DIR"); dir != "" {
		c.Backup.Dir = dir
		c.Backup.Enabled = true
	}
	c.Metrics.Addr = envOr("STATIONBOT_METRICS_ADDR", c.Metrics.Addr)
	c.Timezone = envOr("STATIONBOT_TIMEZONE", c.Timezone)
	c.Welcome.Enabled = c.envBool("STATIONBOT_WELCOME", c.Welcome.Enabled)
	c.Ranking.Enabled = c.envBool("STATIONBOT_RANKING", c.Ranking.Enabled)
	c.Welcome.Ceiling = c.envInt("STATIONBOT_CEILING", c.Welcome.Ceiling)
}

// withDefaults fills zero values a file may have introduced.
func (c *Config) withDefaults() {
	d := Default()
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.Misskey.Timeout.Duration <= 0 {
		c.Misskey.Timeout = d.Misskey.Timeout
	}
	if c.State.Driver == "" {
		c.State.Driver = d.State.Driver
	}
	if c.State.Path == "" {
		c.State.Path = d.State.Path
	}

	w := &c.Welcome
	if w.Interval.Duration <= 0 {
		w.Interval = d.Welcome.Interval
	}
	if w.Limit <= 0 {
		w.Limit = d.Welcome.Limit
	}
	if w.Ceiling <= 0 {
		w.Ceiling = d.Welcome.Ceiling
	}
	if w.Delay.Duration <= 0 {
		w.Delay = d.Welcome.Delay
	}
	if w.Visibility == "" {
		w.Visibility = d.Welcome.Visibility
	}
	if w.Template == "" {
		w.Template = d.Welcome.Template
	}

	b := &c.Backup
	if b.Interval.Duration <= 0 {
		b.Interval = d.Backup.Interval
	}
	if b.Settle.Duration < 0 {
		b.Settle = d.Backup.Settle
	}
	if b.Ceiling <= 0 {
		b.Ceiling = d.Backup.Ceiling
	}
	if b.Delay.Duration <= 0 {
		b.Delay = d.Backup.Delay
	}
	if b.Visibility == "" {
		b.Visibility = d.Backup.Visibility
	}

	r := &c.Ranking
	if r.Schedule == "" {
		r.Schedule = d.Ranking.Schedule
	}
	if r.PageSize <= 0 {
		r.PageSize = d.Ranking.PageSize
	}
	if r.PageDelay.Duration < 0 {
		r.PageDelay = d.Ranking.PageDelay
	}
	if r.TopN <= 0 {
		r.TopN = d.Ranking.TopN
	}
	if r.Visibility == "" {
		r.Visibility = d.Ranking.Visibility
	}
}

// Validate reports the first invalid or missing setting.
func (c *Config) Validate() error {
	if err := errors.Join(c.envErrs...); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	if c.Misskey.URL == "" {
		return fmt.Errorf("%w: MISSKEY_URL", ErrMissingSetting)
	}
	if c.Misskey.Token == "" {
		return fmt.Errorf("%w: MISSKEY_TOKEN", ErrMissingSetting)
	}
	if err := c.ValidateState(); err != nil {
		return err
	}
	if c.Backup.Enabled && c.Backup.Dir == "" {
		return fmt.Errorf("%w: backup.dir (STATIONBOT_BACKUP_DIR)", ErrMissingSetting)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.Ranking.Enabled {
		if _, err := cron.ParseStandard(c.Ranking.Schedule); err != nil {
			return fmt.Errorf("ranking.schedule %q: %w", c.Ranking.Schedule, err)
		}
	}
	if h, m := c.Ranking.CutoffHour, c.Ranking.CutoffMinute; h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return fmt.Errorf("ranking cutoff %02d:%02d out of range", h, m)
	}
	if _, err := c.WelcomeTemplate(); err != nil {
		return err
	}
	return nil
}

// ValidateState checks only the watermark store settings.
func (c *Config) ValidateState() error {
	switch c.State.Driver {
	case "sqlite", "memory":
	case "postgres":
		if c.State.DSN == "" {
			return fmt.Errorf("%w: state.dsn (STATIONBOT_PG_DSN) for the postgres driver", ErrMissingSetting)
		}
	default:
		return fmt.Errorf("state.driver %q: want sqlite, postgres or memory", c.State.Driver)
	}
	return nil
}

// Location loads the configured time zone.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// WelcomeTemplate parses the welcome text template.
func (c *Config) WelcomeTemplate() (*template.Template, error) {
	t, err := template.New("welcome").Option("missingkey=error").Parse(c.Welcome.Template)
	if err != nil {
		return nil, fmt.Errorf("welcome.template: %w", err)
	}
	return t, nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt reads an integer override. A malformed value keeps def and is
// reported by Validate.
func (c *Config) envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Errorf("%s=%q: not an integer", key, v))
		return def
	}
	return n
}

func (c *Config) envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		c.envErrs = append(c.envErrs, fmt.Errorf("%s=%q: not a boolean", key, v))
		return def
	}
	return b
}
