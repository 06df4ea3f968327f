// Package bot wires the chess components together and runs them against a
// chat transport.
package bot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/chess"
	"github.com/park285/cheese-chess-bot/internal/chess/uci"
	"github.com/park285/cheese-chess-bot/internal/config"
	"github.com/park285/cheese-chess-bot/internal/game"
	"github.com/park285/cheese-chess-bot/internal/msgcat"
	"github.com/park285/cheese-chess-bot/internal/presenter"
	"github.com/park285/cheese-chess-bot/internal/record"
	"github.com/park285/cheese-chess-bot/internal/render"
	"github.com/park285/cheese-chess-bot/internal/session"
	"github.com/park285/cheese-chess-bot/internal/transport"
	"github.com/park285/cheese-chess-bot/internal/transport/discord"
	"github.com/park285/cheese-chess-bot/internal/transport/iris"
)

const engineName = "Stockfish"

type buildOptions struct {
	adapter  transport.Adapter
	launcher chess.Launcher
	version  string
}

type Option func(*buildOptions)

// WithAdapter replaces the transport chosen by the config.
func WithAdapter(a transport.Adapter) Option {
	return func(o *buildOptions) { o.adapter = a }
}

// WithLauncher replaces the Stockfish process launcher.
func WithLauncher(l chess.Launcher) Option {
	return func(o *buildOptions) { o.launcher = l }
}

func WithVersion(v string) Option {
	return func(o *buildOptions) { o.version = v }
}

// Build assembles the application from cfg. Nothing talks to the chat
// platform until Run.
func Build(ctx context.Context, cfg *config.AppConfig, logger *zap.Logger, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var bo buildOptions
	for _, opt := range opts {
		opt(&bo)
	}

	adapter := bo.adapter
	if adapter == nil {
		var err error
		if adapter, err = newAdapter(cfg, logger); err != nil {
			return nil, err
		}
	}

	floor, err := record.HighestID(cfg.Chess.RecordDir)
	if err != nil {
		return nil, fmt.Errorf("scan records: %w", err)
	}
	writer, err := record.NewFileWriter(cfg.Chess.RecordDir, logger)
	if err != nil {
		return nil, err
	}

	var (
		rdb    *redis.Client
		seq    session.Sequence = session.NewMemorySequence(floor)
		claims session.Claims
	)
	if strings.TrimSpace(cfg.RedisURL) != "" {
		rdb, err = session.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("init redis: %w", err)
		}
		rseq, err := session.NewRedisSequence(ctx, rdb, floor)
		if err != nil {
			rdb.Close()
			return nil, err
		}
		seq = rseq
		claims = session.NewRedisClaims(rdb, 0)
	}
	registry := session.NewRegistry(seq, claims, logger.Named("registry"))

	catalog, err := msgcat.New(cfg.Chess.MessagesDir)
	if err != nil {
		closeRedis(rdb)
		return nil, fmt.Errorf("load messages: %w", err)
	}
	pres, err := presenter.New(adapter, catalog, render.New(0), logger.Named("presenter"))
	if err != nil {
		closeRedis(rdb)
		return nil, err
	}

	launcher := bo.launcher
	if launcher == nil {
		launcher = chess.ProcessLauncher{
			BinaryPath: cfg.Engine.StockfishPath,
			Options:    uci.Options{Threads: cfg.Engine.Threads, HashMB: cfg.Engine.HashMB},
			Logger:     logger.Named("engine"),
		}
	}

	orch, err := game.New(game.Deps{
		Registry: registry,
		Launcher: launcher,
		Records:  writer,
		Notifier: pres,
		Channels: adapter,
	}, game.Config{
		ReplyDepth:    cfg.Engine.ReplyDepth,
		AnalysisDepth: cfg.Engine.AnalysisDepth,
		HintDepth:     cfg.Engine.HintDepth,
		SearchTimeout: cfg.Engine.Timeout(),
		Site:          cfg.Chess.Site,
		EngineName:    engineName,
	}, logger.Named("game"))
	if err != nil {
		closeRedis(rdb)
		return nil, err
	}

	logger.Info("bot_built",
		zap.String("transport", adapter.Name()),
		zap.Int64("record_floor", floor),
		zap.Bool("redis", rdb != nil),
		zap.String("record_dir", cfg.Chess.RecordDir),
	)

	return &App{
		cfg:       cfg,
		adapter:   adapter,
		registry:  registry,
		orch:      orch,
		presenter: pres,
		router:    NewRouter(orch, registry, adapter, pres, logger.Named("router")),
		rdb:       rdb,
		logger:    logger,
		version:   bo.version,
		lanes:     defaultLanes,
		drain:     30 * time.Second,
	}, nil
}

func newAdapter(cfg *config.AppConfig, logger *zap.Logger) (transport.Adapter, error) {
	switch cfg.Transport {
	case config.TransportDiscord:
		return discord.New(discord.AdapterOpts{
			BotToken:      cfg.Discord.Token,
			GuildID:       cfg.Discord.GuildID,
			HubName:       cfg.Discord.HubChannel,
			ChannelPrefix: cfg.Discord.ChannelPrefix,
			Logger:        logger.Named("discord"),
		})
	case config.TransportIris:
		return iris.New(iris.AdapterOpts{
			BaseURL:      cfg.Iris.BaseURL,
			WSURL:        cfg.Iris.WSURL,
			Prefix:       cfg.Iris.BotPrefix,
			AllowedRooms: cfg.Iris.AllowedRooms,
			Headers:      irisHeaders(cfg.Iris),
			Logger:       logger.Named("iris"),
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func irisHeaders(c config.IrisConfig) iris.HeaderProvider {
	return func() map[string]string {
		h := map[string]string{}
		if c.XUserID != "" {
			h["X-User-Id"] = c.XUserID
		}
		if c.XUserEmail != "" {
			h["X-User-Email"] = c.XUserEmail
		}
		if c.XSessionID != "" {
			h["X-Session-Id"] = c.XSessionID
		}
		return h
	}
}

func closeRedis(rdb *redis.Client) {
	if rdb != nil {
		_ = rdb.Close()
	}
}
