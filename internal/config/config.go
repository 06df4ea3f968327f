// Package config loads the bot configuration from an optional YAML file and
// the environment. Environment values win over the file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

const (
	TransportDiscord = "discord"
	TransportIris    = "iris"
)

type AppConfig struct {
	Transport string        `yaml:"transport"`
	Discord   DiscordConfig `yaml:"discord"`
	Iris      IrisConfig    `yaml:"iris"`
	Engine    EngineConfig  `yaml:"engine"`
	Chess     ChessConfig   `yaml:"chess"`
	RedisURL  string        `yaml:"redis_url"`
	OpsAddr   string        `yaml:"ops_addr"`
}

type DiscordConfig struct {
	Token         string `yaml:"token"`
	GuildID       string `yaml:"guild_id"`
	HubChannel    string `yaml:"hub_channel"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

type IrisConfig struct {
	BaseURL      string   `yaml:"base_url"`
	WSURL        string   `yaml:"ws_url"`
	BotPrefix    string   `yaml:"bot_prefix"`
	XUserID      string   `yaml:"x_user_id"`
	XUserEmail   string   `yaml:"x_user_email"`
	XSessionID   string   `yaml:"x_session_id"`
	AllowedRooms []string `yaml:"allowed_rooms"`
}

type EngineConfig struct {
	StockfishPath string `yaml:"stockfish_path"`
	Threads       int    `yaml:"threads"`
	HashMB        int    `yaml:"hash_mb"`
	ReplyDepth    int    `yaml:"reply_depth"`
	AnalysisDepth int    `yaml:"analysis_depth"`
	HintDepth     int    `yaml:"hint_depth"`
	TimeoutSec    int    `yaml:"timeout_sec"`
}

type ChessConfig struct {
	RecordDir      string `yaml:"record_dir"`
	Site           string `yaml:"site"`
	SessionIdleMin int    `yaml:"session_idle_min"`
	SweepSpec      string `yaml:"sweep_spec"`
	MessagesDir    string `yaml:"messages_dir"`
}

func (e EngineConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSec) * time.Second
}

func (c ChessConfig) IdleAfter() time.Duration {
	return time.Duration(c.SessionIdleMin) * time.Minute
}

func defaults() *AppConfig {
	return &AppConfig{
		Transport: TransportDiscord,
		Discord: DiscordConfig{
			HubChannel:    "chess-hub",
			ChannelPrefix: "chess-",
		},
		Engine: EngineConfig{
			Threads:       1,
			HashMB:        64,
			ReplyDepth:    15,
			AnalysisDepth: 10,
			HintDepth:     15,
			TimeoutSec:    20,
		},
		Chess: ChessConfig{
			RecordDir:      "data/games",
			Site:           "cheese-chess-bot",
			SessionIdleMin: 60,
			SweepSpec:      "@every 1m",
		},
	}
}

// Load builds the configuration from CHESS_CONFIG_FILE (if set) and the
// environment, and reports every invalid setting at once.
func Load() (*AppConfig, error) {
	return load(os.Getenv)
}

func load(getenv func(string) string) (*AppConfig, error) {
	cfg := defaults()
	if path := strings.TrimSpace(getenv("CHESS_CONFIG_FILE")); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	var errs *multierror.Error
	env := envReader{get: getenv}

	env.str("CHESS_TRANSPORT", &cfg.Transport)
	cfg.Transport = strings.ToLower(cfg.Transport)

	env.str("DISCORD_TOKEN", &cfg.Discord.Token)
	env.str("DISCORD_GUILD_ID", &cfg.Discord.GuildID)
	env.str("CHESS_HUB_CHANNEL", &cfg.Discord.HubChannel)
	env.str("CHESS_CHANNEL_PREFIX", &cfg.Discord.ChannelPrefix)

	env.str("IRIS_BASE_URL", &cfg.Iris.BaseURL)
	env.str("IRIS_WS_URL", &cfg.Iris.WSURL)
	env.str("BOT_PREFIX", &cfg.Iris.BotPrefix)
	env.str("X_USER_ID", &cfg.Iris.XUserID)
	env.str("X_USER_EMAIL", &cfg.Iris.XUserEmail)
	env.str("X_SESSION_ID", &cfg.Iris.XSessionID)
	env.list("ALLOWED_ROOMS", &cfg.Iris.AllowedRooms)

	env.str("STOCKFISH_PATH", &cfg.Engine.StockfishPath)
	env.integer("ENGINE_THREADS", &cfg.Engine.Threads)
	env.integer("ENGINE_HASH_MB", &cfg.Engine.HashMB)
	env.integer("ENGINE_REPLY_DEPTH", &cfg.Engine.ReplyDepth)
	env.integer("ENGINE_ANALYSIS_DEPTH", &cfg.Engine.AnalysisDepth)
	env.integer("ENGINE_HINT_DEPTH", &cfg.Engine.HintDepth)
	env.integer("ENGINE_TIMEOUT_SEC", &cfg.Engine.TimeoutSec)

	env.str("CHESS_RECORD_DIR", &cfg.Chess.RecordDir)
	env.str("CHESS_SITE", &cfg.Chess.Site)
	env.integer("CHESS_SESSION_IDLE_MIN", &cfg.Chess.SessionIdleMin)
	env.str("CHESS_SWEEP_SPEC", &cfg.Chess.SweepSpec)
	env.str("CHESS_MESSAGES_DIR", &cfg.Chess.MessagesDir)

	env.str("REDIS_URL", &cfg.RedisURL)
	env.str("OPS_ADDR", &cfg.OpsAddr)

	errs = multierror.Append(errs, env.errs...)
	errs = multierror.Append(errs, cfg.validate()...)
	if err := errs.ErrorOrNil(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *AppConfig) validate() []error {
	var errs []error
	switch c.Transport {
	case TransportDiscord:
		if c.Discord.Token == "" {
			errs = append(errs, fmt.Errorf("DISCORD_TOKEN is required"))
		}
		if c.Discord.GuildID == "" {
			errs = append(errs, fmt.Errorf("DISCORD_GUILD_ID is required"))
		}
	case TransportIris:
		if c.Iris.BaseURL == "" {
			errs = append(errs, fmt.Errorf("IRIS_BASE_URL is required"))
		}
		if c.Iris.WSURL == "" {
			errs = append(errs, fmt.Errorf("IRIS_WS_URL is required"))
		}
		if c.Iris.BotPrefix == "" {
			errs = append(errs, fmt.Errorf("BOT_PREFIX is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("CHESS_TRANSPORT must be %q or %q, got %q", TransportDiscord, TransportIris, c.Transport))
	}

	if c.Engine.StockfishPath == "" {
		errs = append(errs, fmt.Errorf("STOCKFISH_PATH is required"))
	}
	if c.Engine.Threads <= 0 || c.Engine.HashMB <= 0 {
		errs = append(errs, fmt.Errorf("engine threads and hash must be positive"))
	}
	if c.Engine.AnalysisDepth <= 0 || c.Engine.HintDepth <= 0 {
		errs = append(errs, fmt.Errorf("engine depths must be positive"))
	}
	if c.Engine.ReplyDepth <= c.Engine.AnalysisDepth {
		errs = append(errs, fmt.Errorf("ENGINE_REPLY_DEPTH (%d) must exceed ENGINE_ANALYSIS_DEPTH (%d)", c.Engine.ReplyDepth, c.Engine.AnalysisDepth))
	}
	if c.Engine.TimeoutSec <= 0 {
		errs = append(errs, fmt.Errorf("ENGINE_TIMEOUT_SEC must be positive"))
	}
	if c.Chess.RecordDir == "" {
		errs = append(errs, fmt.Errorf("CHESS_RECORD_DIR is required"))
	}
	if c.Chess.SessionIdleMin <= 0 {
		errs = append(errs, fmt.Errorf("CHESS_SESSION_IDLE_MIN must be positive"))
	}
	if _, err := cron.ParseStandard(c.Chess.SweepSpec); err != nil {
		errs = append(errs, fmt.Errorf("CHESS_SWEEP_SPEC %q: %w", c.Chess.SweepSpec, err))
	}
	return errs
}

// envReader overlays set environment values and collects parse errors.
type envReader struct {
	get  func(string) string
	errs []error
}

func (e *envReader) str(key string, dst *string) {
	if v := strings.TrimSpace(e.get(key)); v != "" {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %q is not a number", key, v))
		return
	}
	*dst = n
}

func (e *envReader) list(key string, dst *[]string) {
	v := strings.TrimSpace(e.get(key))
	if v == "" {
		return
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
