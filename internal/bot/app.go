package bot

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-chess-bot/internal/config"
	"github.com/park285/cheese-chess-bot/internal/game"
	"github.com/park285/cheese-chess-bot/internal/ops"
	"github.com/park285/cheese-chess-bot/internal/presenter"
	"github.com/park285/cheese-chess-bot/internal/session"
	"github.com/park285/cheese-chess-bot/internal/transport"
)

const (
	defaultLanes = 16
	laneBuffer   = 32
)

var ErrTransportClosed = errors.New("transport stopped delivering messages")

// App is a built bot ready to Run.
type App struct {
	cfg       *config.AppConfig
	adapter   transport.Adapter
	registry  *session.Registry
	orch      *game.Orchestrator
	presenter *presenter.Presenter
	router    *Router
	rdb       *redis.Client
	logger    *zap.Logger
	version   string

	lanes int
	drain time.Duration
}

func (a *App) Registry() *session.Registry { return a.registry }

// Run connects the transport and serves until ctx is cancelled. On the way
// out every live game is abandoned and its engine released.
func (a *App) Run(ctx context.Context) error {
	started := time.Now()
	if err := a.adapter.Connect(ctx); err != nil {
		_ = a.closeResources()
		return fmt.Errorf("connect %s: %w", a.adapter.Name(), err)
	}
	inbound, err := a.adapter.Listen(ctx)
	if err != nil {
		_ = a.closeResources()
		return fmt.Errorf("listen %s: %w", a.adapter.Name(), err)
	}
	a.postHub(ctx)

	sched := cron.New()
	if _, err := sched.AddFunc(a.cfg.Chess.SweepSpec, func() { a.orch.Sweep(ctx, a.cfg.Chess.IdleAfter()) }); err != nil {
		_ = a.closeResources()
		return fmt.Errorf("schedule sweep: %w", err)
	}
	sched.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.serve(gctx, inbound) })
	if a.cfg.OpsAddr != "" {
		handler := ops.NewRouter(a.registry, ops.Info{Version: a.version, Transport: a.adapter.Name(), StartedAt: started})
		g.Go(func() error { return ops.Serve(gctx, a.cfg.OpsAddr, handler, a.logger.Named("ops")) })
	}
	a.logger.Info("bot_running", zap.String("transport", a.adapter.Name()), zap.String("version", a.version))

	runErr := g.Wait()
	<-sched.Stop().Done()

	var result *multierror.Error
	if runErr != nil {
		result = multierror.Append(result, runErr)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.drain)
	defer cancel()
	if err := a.orch.Shutdown(shutdownCtx); err != nil {
		result = multierror.Append(result, err)
	}
	if err := a.closeResources(); err != nil {
		result = multierror.Append(result, err)
	}
	a.logger.Info("bot_stopped", zap.Error(result.ErrorOrNil()))
	return result.ErrorOrNil()
}

// serve fans inbound traffic out to lanes. A channel always maps to the
// same lane, so one game sees its events in arrival order while other
// games proceed in parallel.
func (a *App) serve(ctx context.Context, inbound <-chan transport.Inbound) error {
	n := a.lanes
	if n <= 0 {
		n = 1
	}
	// In-flight events finish after ctx ends; queued ones are dropped.
	hctx := context.WithoutCancel(ctx)
	lanes := make([]chan transport.Inbound, n)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan transport.Inbound, laneBuffer)
		wg.Add(1)
		go func(ch <-chan transport.Inbound) {
			defer wg.Done()
			for in := range ch {
				if ctx.Err() != nil {
					continue
				}
				a.handle(hctx, in)
			}
		}(lanes[i])
	}
	defer func() {
		for _, ch := range lanes {
			close(ch)
		}
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case in, ok := <-inbound:
			if !ok {
				return ErrTransportClosed
			}
			select {
			case lanes[laneOf(in, n)] <- in:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (a *App) handle(ctx context.Context, in transport.Inbound) {
	if err := a.router.HandleInbound(ctx, in); err != nil {
		a.logger.Warn("inbound_failed",
			zap.String("platform", in.Platform),
			zap.String("channel_id", in.ChannelID),
			zap.String("sender_id", in.SenderID),
			zap.Error(err),
		)
	}
}

// laneOf keys start requests by sender, since they all arrive in the hub.
func laneOf(in transport.Inbound, n int) int {
	key := in.ChannelID
	if in.Selection != nil && in.Selection.ChoiceID == transport.ChoiceStart {
		key = in.SenderID
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}

func (a *App) postHub(ctx context.Context) {
	hub, ok := a.adapter.(transport.Hub)
	if !ok {
		return
	}
	id, err := hub.HubChannel(ctx)
	if err != nil {
		a.logger.Warn("hub_unavailable", zap.Error(err))
		return
	}
	if err := a.presenter.Hub(ctx, id); err != nil {
		a.logger.Warn("hub_post_failed", zap.String("channel_id", id), zap.Error(err))
	}
}

func (a *App) closeResources() error {
	var result *multierror.Error
	if err := a.adapter.Close(); err != nil {
		result = multierror.Append(result, fmt.Errorf("close %s: %w", a.adapter.Name(), err))
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close redis: %w", err))
		}
	}
	return result.ErrorOrNil()
}
