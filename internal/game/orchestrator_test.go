package game

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/cheese-chess-bot/internal/chess"
	"github.com/park285/cheese-chess-bot/internal/record"
	"github.com/park285/cheese-chess-bot/internal/session"
)

type fakeEngine struct {
	mu        sync.Mutex
	replies   []string
	scores    []*int
	pv        []string
	bestErr   error
	elo       int
	bestCalls int
	analyses  int
	released  int
	delay     time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeEngine) enter() func() {
	n := f.active.Add(1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	return func() { f.active.Add(-1) }
}

func (f *fakeEngine) ConfigureStrength(_ context.Context, elo int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.elo = elo
	return nil
}

func (f *fakeEngine) BestMove(_ context.Context, _ []string, budget chess.Budget) (string, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bestCalls++
	if f.bestErr != nil {
		return "", f.bestErr
	}
	if len(f.replies) == 0 {
		return "", fmt.Errorf("%w: no scripted reply", chess.ErrEngineUnavailable)
	}
	mv := f.replies[0]
	f.replies = f.replies[1:]
	return mv, nil
}

func (f *fakeEngine) Analyse(_ context.Context, _ []string, _ chess.Budget) (chess.Analysis, error) {
	defer f.enter()()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses++
	var score *int
	if len(f.scores) > 0 {
		score = f.scores[0]
		f.scores = f.scores[1:]
	} else {
		zero := 0
		score = &zero
	}
	return chess.Analysis{PV: f.pv, Score: score}, nil
}

func (f *fakeEngine) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
}

type fakeLauncher struct {
	engines []*fakeEngine
	err     error
	next    int
}

func (l *fakeLauncher) Launch(context.Context) (chess.Engine, error) {
	if l.err != nil {
		return nil, l.err
	}
	e := l.engines[l.next]
	l.next++
	return e, nil
}

type sent struct {
	channel string
	notices []Notice
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, channelID string, notices []Notice) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sent{channel: channelID, notices: append([]Notice(nil), notices...)})
	return n.err
}

func (n *fakeNotifier) keys() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []string
	for _, s := range n.sent {
		for _, nt := range s.notices {
			if nt.Key != "" {
				out = append(out, nt.Key)
			}
		}
	}
	return out
}

func (n *fakeNotifier) find(key string) (Notice, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, s := range n.sent {
		for _, nt := range s.notices {
			if nt.Key == key {
				return nt, true
			}
		}
	}
	return Notice{}, false
}

func (n *fakeNotifier) last() Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	batch := n.sent[len(n.sent)-1].notices
	return batch[len(batch)-1]
}

type fakeRecords struct {
	mu      sync.Mutex
	written []record.Record
}

func (r *fakeRecords) Write(_ context.Context, rec record.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, rec)
	return nil
}

func (r *fakeRecords) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.written)
}

func (r *fakeRecords) last() record.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.written[len(r.written)-1]
}

type fakeChannels struct {
	mu     sync.Mutex
	opened int
	err    error
}

func (c *fakeChannels) OpenSessionChannel(_ context.Context, req ChannelRequest) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return "", c.err
	}
	c.opened++
	return fmt.Sprintf("chess-%d", req.RecordID), nil
}

type harness struct {
	orch     *Orchestrator
	registry *session.Registry
	notifier *fakeNotifier
	records  *fakeRecords
	launcher *fakeLauncher
	channels *fakeChannels
}

func newHarness(t *testing.T, engines ...*fakeEngine) *harness {
	t.Helper()
	h := &harness{
		registry: session.NewRegistry(session.NewMemorySequence(0), nil, nil),
		notifier: &fakeNotifier{},
		records:  &fakeRecords{},
		launcher: &fakeLauncher{engines: engines},
		channels: &fakeChannels{},
	}
	orch, err := New(Deps{
		Registry: h.registry,
		Launcher: h.launcher,
		Records:  h.records,
		Notifier: h.notifier,
		Channels: h.channels,
	}, Config{}, nil)
	require.NoError(t, err)
	h.orch = orch
	return h
}

func (h *harness) start(t *testing.T, owner string) *session.Session {
	t.Helper()
	s, err := h.orch.Start(context.Background(), StartRequest{OwnerID: owner, OwnerName: owner, Origin: "chess-hub"})
	require.NoError(t, err)
	return s
}

func (h *harness) send(s *session.Session, sender string, ev Event) error {
	return h.orch.Dispatch(context.Background(), Inbound{ChannelID: s.ChannelID, SenderID: sender, SenderName: sender, Event: ev})
}

func (h *harness) playAsWhite(t *testing.T, s *session.Session) {
	t.Helper()
	require.NoError(t, h.send(s, s.OwnerID, RatingSelected{Value: "1500"}))
	require.NoError(t, h.send(s, s.OwnerID, ColorSelected{Value: "white"}))
}

func intp(v int) *int { return &v }

func TestStartWritesEmptyRecordAndPromptsRating(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	s := h.start(t, "alice")

	assert.Equal(t, session.AwaitingRating, s.Stage)
	assert.Equal(t, int64(1), s.RecordID)
	assert.Equal(t, "chess-1", s.ChannelID)
	require.Equal(t, 1, h.records.count())
	assert.Empty(t, h.records.last().Moves)
	assert.Equal(t, PromptRating, h.notifier.last().Prompt)
}

func TestFullOpening(t *testing.T) {
	eng := &fakeEngine{replies: []string{"e7e5"}}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.playAsWhite(t, s)
	assert.Equal(t, 1500, eng.elo)

	before := h.records.count()
	require.NoError(t, h.send(s, "alice", MoveSubmitted{Text: "e2e4"}))

	assert.Equal(t, 2, h.records.count()-before, "one write per ply")
	assert.Equal(t, session.AwaitingHumanMove, s.Stage)
	assert.Equal(t, []string{"e2e4", "e7e5"}, s.Moves())
	assert.Equal(t, 1, eng.bestCalls)
	assert.Contains(t, h.notifier.keys(), "move.engine")
}

func TestIllegalThenLegal(t *testing.T) {
	eng := &fakeEngine{replies: []string{"e7e5"}}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	writes := h.records.count()
	err := h.send(s, "alice", MoveSubmitted{Text: "e2e5"})
	require.ErrorIs(t, err, ErrIllegalMove)
	assert.Equal(t, session.AwaitingHumanMove, s.Stage)
	assert.Empty(t, s.Moves())
	assert.Equal(t, writes, h.records.count())
	assert.Equal(t, 0, eng.analyses, "illegal moves never reach the engine")

	require.NoError(t, h.send(s, "alice", MoveSubmitted{Text: "E2E4"}))
	assert.Len(t, s.Moves(), 2)
}

func TestInvalidSyntax(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	err := h.send(s, "alice", MoveSubmitted{Text: "e2-e4"})
	require.ErrorIs(t, err, ErrInvalidMoveSyntax)
	assert.Equal(t, "error.invalid_move_syntax", h.notifier.keys()[len(h.notifier.keys())-1])
}

func TestResignFromEveryStage(t *testing.T) {
	stages := map[string]func(t *testing.T, h *harness, s *session.Session){
		"awaiting_rating": func(*testing.T, *harness, *session.Session) {},
		"awaiting_color": func(t *testing.T, h *harness, s *session.Session) {
			require.NoError(t, h.send(s, "alice", RatingSelected{Value: "club"}))
		},
		"awaiting_human_move": func(t *testing.T, h *harness, s *session.Session) {
			h.playAsWhite(t, s)
		},
	}
	for name, prepare := range stages {
		t.Run(name, func(t *testing.T) {
			eng := &fakeEngine{}
			h := newHarness(t, eng)
			s := h.start(t, "alice")
			prepare(t, h, s)

			require.NoError(t, h.send(s, "alice", ResignRequested{}))

			assert.Equal(t, session.Terminated, s.Stage)
			assert.Equal(t, 1, eng.released)
			_, ok := h.registry.Get(s.ChannelID)
			assert.False(t, ok)
			assert.Equal(t, "outcome.opponent_win", h.notifier.last().Key)
			assert.Equal(t, "resignation", h.notifier.last().Data["method"])
		})
	}
}

func TestResignRecordsResultForHumanColor(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	s := h.start(t, "alice")
	h.playAsWhite(t, s)
	require.NoError(t, h.send(s, "alice", ResignRequested{}))

	last := h.records.last()
	assert.Equal(t, chess.ResultBlackWins, last.Result)
	assert.Equal(t, record.TerminationNormal, last.Termination)
}

func TestCheckmateEndsWithoutEngineReply(t *testing.T) {
	eng := &fakeEngine{replies: []string{"f7f6", "g7g5", "a7a6"}}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	require.NoError(t, h.send(s, "alice", MoveSubmitted{Text: "e2e4"}))
	require.NoError(t, h.send(s, "alice", MoveSubmitted{Text: "d2d4"}))
	require.Equal(t, 2, eng.bestCalls)

	require.NoError(t, h.send(s, "alice", MoveSubmitted{Text: "d1h5"}))

	assert.Equal(t, 2, eng.bestCalls, "no engine reply after mate")
	assert.Equal(t, session.Terminated, s.Stage)
	assert.Equal(t, 1, eng.released)
	assert.Equal(t, "outcome.human_win", h.notifier.last().Key)
	assert.Equal(t, chess.ResultWhiteWins, h.records.last().Result)
	mate, ok := h.notifier.find("commentary.excellent")
	require.True(t, ok)
	assert.Equal(t, 1000, mate.Data["magnitude"])
}

func TestUnauthorizedSender(t *testing.T) {
	h := newHarness(t, &fakeEngine{replies: []string{"e7e5"}})
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	err := h.send(s, "mallory", MoveSubmitted{Text: "e2e4"})
	require.ErrorIs(t, err, ErrUnauthorizedSender)
	assert.Empty(t, s.Moves())

	err = h.send(s, "mallory", ResignRequested{})
	require.ErrorIs(t, err, ErrUnauthorizedSender)
	assert.Equal(t, session.AwaitingHumanMove, s.Stage)
}

func TestPrerequisitesAndLockedSettings(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	s := h.start(t, "alice")

	require.ErrorIs(t, h.send(s, "alice", MoveSubmitted{Text: "e2e4"}), ErrPrerequisiteNotSet)
	require.ErrorIs(t, h.send(s, "alice", ColorSelected{Value: "white"}), ErrPrerequisiteNotSet)
	require.ErrorIs(t, h.send(s, "alice", RatingSelected{Value: "1234"}), ErrInvalidSelection)
	assert.Equal(t, session.AwaitingRating, s.Stage)

	require.NoError(t, h.send(s, "alice", RatingSelected{Value: "1500"}))
	require.ErrorIs(t, h.send(s, "alice", RatingSelected{Value: "2850"}), ErrSettingLocked)
	require.ErrorIs(t, h.send(s, "alice", AnalyseRequested{}), ErrPrerequisiteNotSet)
	assert.Equal(t, 1500, s.Rating.Elo)

	require.NoError(t, h.send(s, "alice", ColorSelected{Value: "white"}))
	require.ErrorIs(t, h.send(s, "alice", ColorSelected{Value: "black"}), ErrSettingLocked)
	assert.Equal(t, chess.White, s.HumanColor)
}

func TestChoosingBlackTriggersEngineMove(t *testing.T) {
	eng := &fakeEngine{replies: []string{"d2d4"}}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	require.NoError(t, h.send(s, "alice", RatingSelected{Value: "1500"}))

	writes := h.records.count()
	require.NoError(t, h.send(s, "alice", ColorSelected{Value: "black"}))

	assert.Equal(t, session.AwaitingHumanMove, s.Stage)
	assert.Equal(t, []string{"d2d4"}, s.Moves())
	assert.Equal(t, writes+1, h.records.count())
	assert.Equal(t, "turn.your_move", h.notifier.last().Key)
}

func TestCommentaryUsesHumanPerspective(t *testing.T) {
	// before: +20 with the human to move; after: -150 with the engine to
	// move, i.e. +150 for the human; delta +130.
	eng := &fakeEngine{replies: []string{"e7e5"}, scores: []*int{intp(20), intp(-150)}}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	require.NoError(t, h.send(s, "alice", MoveSubmitted{Text: "e2e4"}))
	assert.Contains(t, h.notifier.keys(), "commentary.excellent")
}

func TestCommentaryUnratableWithoutScore(t *testing.T) {
	eng := &fakeEngine{replies: []string{"e7e5"}, scores: []*int{nil, intp(0)}}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	require.NoError(t, h.send(s, "alice", MoveSubmitted{Text: "e2e4"}))
	assert.Contains(t, h.notifier.keys(), "commentary.unratable")
}

func TestCommentaryMagnitudeIsBounded(t *testing.T) {
	eng := &fakeEngine{replies: []string{"e7e5"}, scores: []*int{intp(0), intp(-5000)}}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	require.NoError(t, h.send(s, "alice", MoveSubmitted{Text: "e2e4"}))
	n, ok := h.notifier.find("commentary.excellent")
	require.True(t, ok)
	assert.Equal(t, 1000, n.Data["magnitude"])
}

func TestAnalyse(t *testing.T) {
	eng := &fakeEngine{pv: []string{"g1f3", "g8f6"}}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	require.NoError(t, h.send(s, "alice", AnalyseRequested{}))
	n := h.notifier.last()
	assert.Equal(t, "analyse.best", n.Key)
	assert.Equal(t, "Nf3", n.Data["san"])
	assert.Equal(t, session.AwaitingHumanMove, s.Stage)

	eng.pv = nil
	require.NoError(t, h.send(s, "alice", AnalyseRequested{}))
	assert.Equal(t, "analyse.inconclusive", h.notifier.last().Key)
}

func TestEngineFailureTerminatesSession(t *testing.T) {
	eng := &fakeEngine{bestErr: chess.ErrEngineTimeout}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	require.NoError(t, h.send(s, "alice", MoveSubmitted{Text: "e2e4"}))

	assert.Equal(t, session.Terminated, s.Stage)
	assert.Equal(t, 1, eng.released)
	assert.Equal(t, "outcome.engine_failure", h.notifier.last().Key)
	last := h.records.last()
	assert.Equal(t, record.TerminationEmergency, last.Termination)
	assert.Equal(t, []string{"e2e4"}, last.Moves)
	_, ok := h.registry.Get(s.ChannelID)
	assert.False(t, ok)
}

func TestReleaseHappensEvenWhenNotifyFails(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.notifier.err = errors.New("transport down")

	require.NoError(t, h.send(s, "alice", ResignRequested{}))
	assert.Equal(t, 1, eng.released)
	_, ok := h.registry.Get(s.ChannelID)
	assert.False(t, ok)
}

func TestDuplicateStartRejected(t *testing.T) {
	h := newHarness(t, &fakeEngine{}, &fakeEngine{})
	first := h.start(t, "alice")

	_, err := h.orch.Start(context.Background(), StartRequest{OwnerID: "alice", OwnerName: "alice"})
	require.ErrorIs(t, err, ErrDuplicateSession)
	var gerr *Error
	require.True(t, errors.As(err, &gerr))
	assert.Equal(t, first.ChannelID, gerr.Data["channel"])

	got, ok := h.registry.Get(first.ChannelID)
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestStartEngineFailureFreesOwner(t *testing.T) {
	h := newHarness(t)
	h.launcher.err = chess.ErrEngineUnavailable

	_, err := h.orch.Start(context.Background(), StartRequest{OwnerID: "alice"})
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Zero(t, h.channels.opened, "no channel for a game that cannot start")

	h.launcher.err = nil
	h.launcher.engines = []*fakeEngine{{}}
	h.start(t, "alice")
}

func TestStartChannelFailureReleasesEngine(t *testing.T) {
	eng := &fakeEngine{}
	h := newHarness(t, eng, &fakeEngine{})
	h.channels.err = errors.New("missing permissions")

	_, err := h.orch.Start(context.Background(), StartRequest{OwnerID: "alice"})
	require.Error(t, err)
	assert.Equal(t, 1, eng.released)
	assert.Zero(t, h.registry.Len())

	h.channels.err = nil
	h.start(t, "alice")
	assert.Equal(t, 1, h.channels.opened)
}

func TestTerminatedChannelAnswersWithRematchHint(t *testing.T) {
	h := newHarness(t, &fakeEngine{})
	s := h.start(t, "alice")
	require.NoError(t, h.send(s, "alice", ResignRequested{}))

	err := h.send(s, "alice", MoveSubmitted{Text: "e2e4"})
	require.ErrorIs(t, err, ErrSessionAlreadyTerminal)
	assert.Equal(t, PromptRematch, h.notifier.last().Prompt)

	err = h.orch.Dispatch(context.Background(), Inbound{ChannelID: "general", SenderID: "alice", Event: ResignRequested{}})
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestSweepAbandonsIdleSessions(t *testing.T) {
	idleEng, busyEng := &fakeEngine{}, &fakeEngine{}
	h := newHarness(t, idleEng, busyEng)
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	h.orch.now = func() time.Time { return base }

	idle := h.start(t, "alice")
	h.orch.now = func() time.Time { return base.Add(50 * time.Minute) }
	busy := h.start(t, "bob")

	h.orch.now = func() time.Time { return base.Add(70 * time.Minute) }
	assert.Equal(t, 1, h.orch.Sweep(context.Background(), time.Hour))

	assert.Equal(t, session.Terminated, idle.Stage)
	assert.Equal(t, 1, idleEng.released)
	assert.Equal(t, record.TerminationAbandoned, h.records.last().Termination)
	assert.Equal(t, session.AwaitingRating, busy.Stage)
	assert.Equal(t, 0, busyEng.released)
}

func TestShutdownReleasesEverything(t *testing.T) {
	engines := []*fakeEngine{{}, {}, {}}
	h := newHarness(t, engines...)
	for _, owner := range []string{"a", "b", "c"} {
		h.start(t, owner)
	}

	require.NoError(t, h.orch.Shutdown(context.Background()))
	assert.Equal(t, 0, h.registry.Len())
	for i, e := range engines {
		assert.Equal(t, 1, e.released, "engine %d", i)
	}
}

func TestEventsForOneSessionNeverInterleave(t *testing.T) {
	eng := &fakeEngine{replies: []string{"g8f6", "b8c6"}, delay: 5 * time.Millisecond}
	h := newHarness(t, eng)
	s := h.start(t, "alice")
	h.playAsWhite(t, s)

	var wg sync.WaitGroup
	for _, mv := range []string{"e2e4", "d2d4"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.send(s, "alice", MoveSubmitted{Text: mv}))
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), eng.maxActive.Load())
	assert.Len(t, s.Moves(), 4)

	// every move batch is delivered whole: human move, board, commentary,
	// engine move, board, prompt
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	var moveBatches int
	for _, b := range h.notifier.sent {
		if len(b.notices) > 0 && b.notices[0].Key == "move.human" {
			moveBatches++
			require.Len(t, b.notices, 6)
			assert.Equal(t, "turn.your_move", b.notices[5].Key)
		}
	}
	assert.Equal(t, 2, moveBatches)
}

func TestNewValidatesDepths(t *testing.T) {
	_, err := New(Deps{
		Registry: session.NewRegistry(nil, nil, nil),
		Launcher: &fakeLauncher{},
		Records:  &fakeRecords{},
		Notifier: &fakeNotifier{},
		Channels: h.channels,
	}, Config{ReplyDepth: 8, AnalysisDepth: 10}, nil)
	require.Error(t, err)
}
