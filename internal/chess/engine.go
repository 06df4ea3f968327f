package chess

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/chess/uci"
)

var (
	ErrEngineUnavailable = errors.New("chess engine unavailable")
	ErrEngineTimeout     = fmt.Errorf("%w: search timed out", ErrEngineUnavailable)
	ErrEngineReleased    = fmt.Errorf("%w: handle released", ErrEngineUnavailable)
)

// Budget bounds one search. Timeout of zero leaves only the session's own
// depth-derived read deadline in place.
type Budget struct {
	Depth   int
	Timeout time.Duration
}

// Analysis is what the engine reports for a position. Score is from the
// side to move and is nil when the engine gave no evaluation or saw a
// forced mate, which Mate then carries.
type Analysis struct {
	PV    []string
	Score *int
	Mate  int
}

// FirstMove returns the head of the principal variation.
func (a Analysis) FirstMove() (string, bool) {
	if len(a.PV) == 0 {
		return "", false
	}
	return a.PV[0], true
}

// Engine is the per-game engine contract the orchestrator consumes. Moves
// are the game so far in coordinate notation from the initial position.
type Engine interface {
	ConfigureStrength(ctx context.Context, elo int) error
	BestMove(ctx context.Context, moves []string, budget Budget) (string, error)
	Analyse(ctx context.Context, moves []string, budget Budget) (Analysis, error)
	Release()
}

// Launcher starts a fresh engine for one game.
type Launcher interface {
	Launch(ctx context.Context) (Engine, error)
}

type searcher interface {
	Search(ctx context.Context, req uci.SearchRequest) (uci.SearchResponse, error)
	SetStrength(ctx context.Context, elo int) error
	Close() error
}

// EngineHandle owns one engine process for the whole life of a game.
type EngineHandle struct {
	session searcher
	logger  *zap.Logger

	mu       sync.Mutex
	released bool
	once     sync.Once
}

func newEngineHandle(s searcher, logger *zap.Logger) *EngineHandle {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EngineHandle{session: s, logger: logger}
}

func (h *EngineHandle) ConfigureStrength(ctx context.Context, elo int) error {
	if err := h.alive(); err != nil {
		return err
	}
	if err := h.session.SetStrength(ctx, elo); err != nil {
		return mapEngineError(err)
	}
	return nil
}

func (h *EngineHandle) BestMove(ctx context.Context, moves []string, budget Budget) (string, error) {
	resp, err := h.search(ctx, moves, budget)
	if err != nil {
		return "", err
	}
	move := strings.ToLower(strings.TrimSpace(resp.BestMove))
	if move == "" {
		if best, ok := resp.Best(); ok {
			move = strings.ToLower(best.Move)
		}
	}
	if move == "" {
		return "", fmt.Errorf("%w: engine returned no move", ErrEngineUnavailable)
	}
	return move, nil
}

// Analyse never fails on an empty report; only process failures are errors.
func (h *EngineHandle) Analyse(ctx context.Context, moves []string, budget Budget) (Analysis, error) {
	resp, err := h.search(ctx, moves, budget)
	if err != nil {
		return Analysis{}, err
	}
	best, ok := resp.Best()
	if !ok {
		if resp.BestMove != "" {
			return Analysis{PV: []string{strings.ToLower(resp.BestMove)}}, nil
		}
		return Analysis{}, nil
	}
	out := Analysis{
		PV:   lowerAll(best.Principal),
		Mate: best.Mate,
	}
	if best.HasScore && best.Mate == 0 {
		score := best.EvalCP
		out.Score = &score
	}
	return out, nil
}

// Release stops the engine. Errors are logged and dropped.
func (h *EngineHandle) Release() {
	h.once.Do(func() {
		h.mu.Lock()
		h.released = true
		h.mu.Unlock()
		if err := h.session.Close(); err != nil {
			h.logger.Debug("engine_release_failed", zap.Error(err))
		}
	})
}

func (h *EngineHandle) search(ctx context.Context, moves []string, budget Budget) (uci.SearchResponse, error) {
	if err := h.alive(); err != nil {
		return uci.SearchResponse{}, err
	}
	if budget.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.Timeout)
		defer cancel()
	}
	resp, err := h.session.Search(ctx, uci.SearchRequest{
		FEN:    "startpos",
		Moves:  moves,
		Limits: uci.Limits{Depth: budget.Depth},
	})
	if err != nil {
		h.logger.Warn("engine_search_failed",
			zap.Error(err),
			zap.Int("depth", budget.Depth),
			zap.Int("moves", len(moves)),
		)
		return uci.SearchResponse{}, mapEngineError(err)
	}
	return resp, nil
}

func (h *EngineHandle) alive() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrEngineReleased
	}
	return nil
}

func mapEngineError(err error) error {
	if err == nil {
		return ErrEngineUnavailable
	}
	if errors.Is(err, ErrEngineUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || engineTimeoutMessage(err) {
		return fmt.Errorf("%w: %v", ErrEngineTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
}

func engineTimeoutMessage(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

// ProcessLauncher spawns one UCI process per game.
type ProcessLauncher struct {
	BinaryPath string
	Options    uci.Options
	Logger     *zap.Logger
}

func (l ProcessLauncher) Launch(ctx context.Context) (Engine, error) {
	sess, err := uci.NewSession(ctx, l.BinaryPath, l.Options, l.Logger)
	if err != nil {
		return nil, mapEngineError(err)
	}
	if err := sess.NewGame(ctx); err != nil {
		_ = sess.Close()
		return nil, mapEngineError(err)
	}
	return newEngineHandle(sess, l.Logger), nil
}
