package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/jessevdk/go-flags"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/alphabot-ai/newsboard/internal/model"
)

type Config struct {
	Addr     string `long:"addr" env:"NEWSBOARD_ADDR" default:":8080" description:"HTTP listen address"`
	DBPath   string `long:"db" env:"NEWSBOARD_DB" default:"newsboard.db" description:"SQLite database path"`
	LogLevel string `long:"log-level" env:"NEWSBOARD_LOG_LEVEL" default:"info" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Log level"`
	SiteFile string `long:"site" env:"NEWSBOARD_SITE" description:"Optional YAML site file (config, scrub rules, banned sites)"`

	TokenTTL     time.Duration `long:"token-ttl" env:"NEWSBOARD_TOKEN_TTL" default:"720h" description:"Session lifetime"`
	EditorWeight float64       `long:"editor-weight" env:"NEWSBOARD_EDITOR_WEIGHT" default:"1" description:"Vote weight given to promoted editors"`
	Admins       []string      `long:"admin" env:"NEWSBOARD_ADMINS" env-delim:"," description:"Account with admin rights (repeatable)"`
	TrustProxy   bool          `long:"trust-proxy" env:"NEWSBOARD_TRUST_PROXY" description:"Take the client ip from X-Real-IP / X-Forwarded-For"`

	Ranking  Ranking  `group:"ranking" namespace:"rank" env-namespace:"NEWSBOARD_RANK"`
	Voting   Voting   `group:"voting" namespace:"vote" env-namespace:"NEWSBOARD_VOTE"`
	Throttle Throttle `group:"throttles" namespace:"rl" env-namespace:"NEWSBOARD_RL"`
}

type Ranking struct {
	PageSize  int           `long:"page-size" env:"PAGE_SIZE" default:"30" description:"Items per listing page"`
	Gravity   float64       `long:"gravity" env:"GRAVITY" default:"1.8" description:"Exponent of the age decay"`
	Offset    float64       `long:"offset" env:"OFFSET" default:"2" description:"Hours added to item age before decay"`
	NoobKarma float64       `long:"noob-karma" env:"NOOB_KARMA" default:"10" description:"Authors below this karma count as new"`
	NoobAge   time.Duration `long:"noob-age" env:"NOOB_AGE" default:"336h" description:"Accounts younger than this count as new"`
}

type Voting struct {
	DownvoteThreshold float64       `long:"downvote-karma" env:"DOWNVOTE_KARMA" default:"20" description:"Karma needed to vote down"`
	SockWindow        time.Duration `long:"sock-window" env:"SOCK_WINDOW" default:"1h" description:"Window for same-ip vote rings"`
	SockRing          int           `long:"sock-ring" env:"SOCK_RING" default:"2" description:"Same-ip voters that mark a ring (0 disables)"`
	HistoryWindow     time.Duration `long:"history-window" env:"HISTORY_WINDOW" default:"720h" description:"How far back sessions and submissions count as shared ips (0 keeps all)"`
}

type Throttle struct {
	SubmitPerMinute int `long:"submit-per-min" env:"SUBMIT_PER_MIN" default:"5" description:"Submissions per ip per minute (0 disables)"`
	VotePerMinute   int `long:"vote-per-min" env:"VOTE_PER_MIN" default:"120" description:"Votes per ip per minute (0 disables)"`
	FlagPerMinute   int `long:"flag-per-min" env:"FLAG_PER_MIN" default:"20" description:"Flags per ip per minute (0 disables)"`
}

// Load reads an optional .env file and then parses flags and environment.
// It returns nil, nil when help was requested.
func Load(args []string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	parser := flags.NewParser(&cfg, flags.Default)
	if _, err := parser.ParseArgs(args); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// Site is the content of the optional YAML site file.
type Site struct {
	Config      *model.SiteConfig `yaml:"site"`
	ScrubRules  []model.ScrubRule `yaml:"scrub"`
	BannedSites map[string]string `yaml:"banned_sites"`
	BannedIPs   map[string]string `yaml:"banned_ips"`
}

// LoadSite reads a site file. A missing path yields an empty Site.
func LoadSite(path string) (*Site, error) {
	if path == "" {
		return &Site{}, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return &Site{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read site file: %w", err)
	}
	var site Site
	if err := yaml.Unmarshal(data, &site); err != nil {
		return nil, fmt.Errorf("failed to parse site file %s: %w", path, err)
	}
	for key, kind := range site.BannedSites {
		if err := checkBan(kind); err != nil {
			return nil, fmt.Errorf("banned site %s: %w", key, err)
		}
	}
	for key, kind := range site.BannedIPs {
		if err := checkBan(kind); err != nil {
			return nil, fmt.Errorf("banned ip %s: %w", key, err)
		}
	}
	return &site, nil
}

func checkBan(kind string) error {
	switch model.BanKind(strings.ToLower(kind)) {
	case model.BanKill, model.BanIgnore:
		return nil
	}
	return fmt.Errorf("unknown ban kind %q", kind)
}
