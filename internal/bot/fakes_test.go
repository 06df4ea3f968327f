package bot

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/park285/cheese-chess-bot/internal/chess"
	"github.com/park285/cheese-chess-bot/internal/config"
	"github.com/park285/cheese-chess-bot/internal/game"
	"github.com/park285/cheese-chess-bot/internal/transport"
)

type fakeEngine struct {
	mu       sync.Mutex
	replies  []string
	elo      int
	released int
}

func (f *fakeEngine) ConfigureStrength(_ context.Context, elo int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elo = elo
	return nil
}

func (f *fakeEngine) BestMove(context.Context, []string, chess.Budget) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.replies) == 0 {
		return "", fmt.Errorf("%w: no scripted reply", chess.ErrEngineUnavailable)
	}
	mv := f.replies[0]
	f.replies = f.replies[1:]
	return mv, nil
}

func (f *fakeEngine) Analyse(context.Context, []string, chess.Budget) (chess.Analysis, error) {
	zero := 0
	return chess.Analysis{Score: &zero}, nil
}

func (f *fakeEngine) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

func (f *fakeEngine) releases() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.released
}

type fakeLauncher struct {
	mu      sync.Mutex
	engines []*fakeEngine
	err     error
}

func (l *fakeLauncher) Launch(context.Context) (chess.Engine, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return nil, l.err
	}
	if len(l.engines) == 0 {
		return nil, fmt.Errorf("no engine left")
	}
	e := l.engines[0]
	l.engines = l.engines[1:]
	return e, nil
}

type fakeAdapter struct {
	mu      sync.Mutex
	sent    []transport.Outbound
	opened  []game.ChannelRequest
	openErr error
	closed  int
	inbound chan transport.Inbound
	// inPlace hosts each game in the channel it was started from.
	inPlace bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{inbound: make(chan transport.Inbound, 16)}
}

func (a *fakeAdapter) Name() string { return "fake" }
func (a *fakeAdapter) Connect(context.Context) error { return nil }

func (a *fakeAdapter) Listen(context.Context) (<-chan transport.Inbound, error) {
	return a.inbound, nil
}

func (a *fakeAdapter) Send(_ context.Context, msg transport.Outbound) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sent = append(a.sent, msg)
	return nil
}

func (a *fakeAdapter) OpenSessionChannel(_ context.Context, req game.ChannelRequest) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.openErr != nil {
		return "", a.openErr
	}
	a.opened = append(a.opened, req)
	if a.inPlace {
		return req.Origin, nil
	}
	return fmt.Sprintf("game-%d", req.RecordID), nil
}

func (a *fakeAdapter) Mention(channelID string) string { return "#" + channelID }

func (a *fakeAdapter) HubChannel(context.Context) (string, error) { return "hub", nil }

func (a *fakeAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed++
	return nil
}

func (a *fakeAdapter) messages() []transport.Outbound {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]transport.Outbound(nil), a.sent...)
}

func (a *fakeAdapter) channels() []game.ChannelRequest {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]game.ChannelRequest(nil), a.opened...)
}

func (a *fakeAdapter) closes() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// textsTo joins everything sent to channelID.
func (a *fakeAdapter) textsTo(channelID string) string {
	var parts []string
	for _, m := range a.messages() {
		if m.ChannelID == channelID {
			parts = append(parts, m.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	return &config.AppConfig{
		Transport: config.TransportDiscord,
		Engine: config.EngineConfig{
			StockfishPath: "/usr/bin/stockfish",
			Threads:       1,
			HashMB:        16,
			ReplyDepth:    15,
			AnalysisDepth: 10,
			HintDepth:     15,
			TimeoutSec:    5,
		},
		Chess: config.ChessConfig{
			RecordDir:      filepath.Join(t.TempDir(), "games"),
			Site:           "test",
			SessionIdleMin: 60,
			SweepSpec:      "@every 1h",
		},
	}
}

func buildTestApp(t *testing.T, cfg *config.AppConfig, adapter *fakeAdapter, engines ...*fakeEngine) *App {
	t.Helper()
	app, err := Build(context.Background(), cfg, nil,
		WithAdapter(adapter),
		WithLauncher(&fakeLauncher{engines: engines}),
		WithVersion("test"),
	)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return app
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
