package game

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/cheese-chess-bot/internal/chess"
	"github.com/park285/cheese-chess-bot/internal/record"
	"github.com/park285/cheese-chess-bot/internal/session"
)

const (
	defaultReplyDepth    = 15
	defaultAnalysisDepth = 10
	defaultHintDepth     = 15
	defaultSearchTimeout = 20 * time.Second
)

type Config struct {
	// ReplyDepth must exceed AnalysisDepth.
	ReplyDepth    int
	AnalysisDepth int
	HintDepth     int
	SearchTimeout time.Duration
	Site          string
	EngineName    string
}

func (c Config) withDefaults() Config {
	if c.ReplyDepth <= 0 {
		c.ReplyDepth = defaultReplyDepth
	}
	if c.AnalysisDepth <= 0 {
		c.AnalysisDepth = defaultAnalysisDepth
	}
	if c.HintDepth <= 0 {
		c.HintDepth = defaultHintDepth
	}
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = defaultSearchTimeout
	}
	return c
}

type Deps struct {
	Registry *session.Registry
	Launcher chess.Launcher
	Records  record.Writer
	Notifier Notifier
	Channels ChannelOpener
}

// Orchestrator drives every session through its lifecycle. Events for one
// session run strictly one at a time; different sessions run in parallel.
type Orchestrator struct {
	registry *session.Registry
	launcher chess.Launcher
	records  record.Writer
	notifier Notifier
	channels ChannelOpener
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time
}

func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	if deps.Registry == nil {
		return nil, fmt.Errorf("registry is nil")
	}
	if deps.Launcher == nil {
		return nil, fmt.Errorf("engine launcher is nil")
	}
	if deps.Records == nil {
		return nil, fmt.Errorf("record writer is nil")
	}
	if deps.Notifier == nil {
		return nil, fmt.Errorf("notifier is nil")
	}
	if deps.Channels == nil {
		return nil, fmt.Errorf("channel opener is nil")
	}
	cfg = cfg.withDefaults()
	if cfg.ReplyDepth <= cfg.AnalysisDepth {
		return nil, fmt.Errorf("reply depth %d must exceed analysis depth %d", cfg.ReplyDepth, cfg.AnalysisDepth)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry: deps.Registry,
		launcher: deps.Launcher,
		records:  deps.Records,
		notifier: deps.Notifier,
		channels: deps.Channels,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}, nil
}

type StartRequest struct {
	OwnerID   string
	OwnerName string
	Origin    string
}

// Start creates a session for the owner: reserve the owner's slot, spawn the
// engine, open the private channel, register, write the empty record and
// prompt for a rating. Any failure before registration undoes the slot and
// releases the engine. No channel is opened when the engine cannot start.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (*session.Session, error) {
	res, err := o.registry.Reserve(ctx, req.OwnerID)
	if err != nil {
		if errors.Is(err, session.ErrDuplicate) {
			data := map[string]any{"owner": req.OwnerName}
			if ch, ok := o.registry.ChannelOf(req.OwnerID); ok {
				data["channel"] = ch
			}
			return nil, reject(CodeDuplicateSession, data, err)
		}
		return nil, err
	}

	eng, err := o.launcher.Launch(ctx)
	if err != nil {
		res.Cancel()
		return nil, reject(CodeEngineUnavailable, nil, err)
	}

	channelID, err := o.channels.OpenSessionChannel(ctx, ChannelRequest{
		OwnerID:   res.OwnerID,
		OwnerName: req.OwnerName,
		RecordID:  res.RecordID,
		Origin:    req.Origin,
	})
	if err != nil {
		eng.Release()
		res.Cancel()
		return nil, fmt.Errorf("open session channel: %w", err)
	}

	now := o.now()
	s := &session.Session{
		ChannelID:  channelID,
		OwnerName:  req.OwnerName,
		Site:       o.cfg.Site,
		Stage:      session.AwaitingRating,
		Game:       nchess.NewGame(),
		Engine:     eng,
		StartedAt:  now,
		LastActive: now,
	}
	s.Lock()
	defer s.Unlock()
	if err := res.Commit(s); err != nil {
		eng.Release()
		res.Cancel()
		return nil, fmt.Errorf("register session: %w", err)
	}

	o.persist(ctx, s, chess.ResultOngoing, record.TerminationUnterminated)
	s.Publish()
	o.logger.Info("session_started", o.fields(s)...)

	welcome := notice("session.welcome", map[string]any{
		"owner":     s.OwnerName,
		"record_id": s.RecordID,
	})
	welcome.Prompt = PromptRating
	o.deliver(ctx, s, []Notice{welcome})
	return s, nil
}

// Dispatch routes one inbound event to its session and runs it to
// completion, notifications included, before the next event for the same
// session may start. Rejections are reported to the channel and returned.
func (o *Orchestrator) Dispatch(ctx context.Context, in Inbound) error {
	s, ok := o.registry.Get(in.ChannelID)
	if !ok {
		if o.registry.Tombstoned(in.ChannelID) {
			e := reject(CodeSessionAlreadyTerminal, nil, nil)
			o.deliverTo(ctx, in.ChannelID, []Notice{errorNotice(e)})
			return e
		}
		return ErrNoSession
	}

	s.Lock()
	defer s.Unlock()

	if s.Stage == session.Terminated {
		e := reject(CodeSessionAlreadyTerminal, nil, nil)
		o.deliver(ctx, s, []Notice{errorNotice(e)})
		return e
	}

	st := o.transition(ctx, s, in)
	if st.err != nil {
		st.notices = append([]Notice{errorNotice(st.err)}, st.notices...)
		o.logger.Debug("event_rejected",
			append(o.fields(s), zap.String("code", st.err.Code.String()), zap.String("sender_id", in.SenderID))...)
	}
	if st.end != nil {
		o.finish(ctx, s, *st.end, st.notices)
		if st.err != nil {
			return st.err
		}
		return nil
	}

	s.LastActive = o.now()
	s.Publish()
	o.deliver(ctx, s, st.notices)
	if st.err != nil {
		return st.err
	}
	return nil
}

// Sweep abandons sessions idle for longer than idle and returns how many
// were ended.
func (o *Orchestrator) Sweep(ctx context.Context, idle time.Duration) int {
	cutoff := o.now().Add(-idle)
	n := 0
	for _, s := range o.registry.Live() {
		if o.abandonIf(ctx, s, "idle", func(s *session.Session) bool {
			return s.LastActive.Before(cutoff)
		}) {
			n++
		}
	}
	if n > 0 {
		o.logger.Info("idle_sessions_swept", zap.Int("count", n), zap.Duration("idle", idle))
	}
	o.registry.PruneTombstones(24 * time.Hour)
	return n
}

// Shutdown abandons every live session, releasing the engines concurrently.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	var (
		mu     sync.Mutex
		result *multierror.Error
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range o.registry.Live() {
		g.Go(func() error {
			o.abandonIf(gctx, s, "shutdown", func(*session.Session) bool { return true })
			if _, still := o.registry.Get(s.ChannelID); still {
				mu.Lock()
				result = multierror.Append(result, fmt.Errorf("session %d still registered after shutdown", s.RecordID))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result.ErrorOrNil()
}

func (o *Orchestrator) abandonIf(ctx context.Context, s *session.Session, reason string, cond func(*session.Session) bool) bool {
	s.Lock()
	defer s.Unlock()
	if s.Stage == session.Terminated || !cond(s) {
		return false
	}
	st := o.transition(ctx, s, Inbound{ChannelID: s.ChannelID, Event: abandoned{reason: reason}})
	if st.end == nil {
		return false
	}
	o.finish(ctx, s, *st.end, st.notices)
	return true
}

type endKind int

const (
	endBoard endKind = iota
	endResigned
	endAbandoned
	endEngineFailure
)

type ending struct {
	kind   endKind
	reason string
}

// finish runs the terminal steps in a fixed order: release the engine,
// write the final record, classify, unregister, then notify. Delivery
// failures cannot skip the release.
func (o *Orchestrator) finish(ctx context.Context, s *session.Session, end ending, notices []Notice) {
	if s.Engine != nil {
		s.Engine.Release()
	}

	result, termination := o.finalResult(s, end)
	o.persist(ctx, s, result, termination)
	outcome := chess.ClassifyResult(result, s.HumanColor, s.Resigned)
	o.registry.Remove(s.ChannelID)

	data := map[string]any{
		"result":    result,
		"method":    strings.ToLower(s.Game.Method().String()),
		"record_id": s.RecordID,
		"reason":    end.reason,
	}
	var key string
	switch end.kind {
	case endEngineFailure:
		key = "outcome.engine_failure"
	case endAbandoned:
		key = "outcome.abandoned"
	default:
		key = "outcome." + outcome.String()
	}
	if s.Resigned {
		data["method"] = "resignation"
	}
	final := notice(key, data)
	final.Prompt = PromptRematch
	notices = append(notices, final)

	o.logger.Info("session_terminated",
		append(o.fields(s),
			zap.String("result", result),
			zap.String("outcome", outcome.String()),
			zap.String("termination", termination),
		)...)
	o.deliver(ctx, s, notices)
}

func (o *Orchestrator) finalResult(s *session.Session, end ending) (string, string) {
	switch end.kind {
	case endResigned:
		if s.HumanColor == chess.NoColor {
			return chess.ResultOngoing, record.TerminationNormal
		}
		return string(s.Game.Outcome()), record.TerminationNormal
	case endAbandoned:
		return chess.ResultOngoing, record.TerminationAbandoned
	case endEngineFailure:
		return chess.ResultOngoing, record.TerminationEmergency
	default:
		return string(s.Game.Outcome()), record.TerminationNormal
	}
}

func (o *Orchestrator) persist(ctx context.Context, s *session.Session, result, termination string) {
	r := record.Record{
		ID:          s.RecordID,
		SessionID:   s.ID.String(),
		Site:        s.Site,
		StartedAt:   s.StartedAt,
		Human:       s.OwnerName,
		HumanColor:  s.HumanColor,
		EngineName:  o.cfg.EngineName,
		EngineElo:   s.Rating.Elo,
		Moves:       s.Moves(),
		Result:      result,
		Termination: termination,
	}
	if err := o.records.Write(ctx, r); err != nil {
		o.logger.Warn("record_write_failed", append(o.fields(s), zap.Error(err))...)
	}
}

func (o *Orchestrator) deliver(ctx context.Context, s *session.Session, notices []Notice) {
	o.deliverTo(ctx, s.ChannelID, notices)
}

func (o *Orchestrator) deliverTo(ctx context.Context, channelID string, notices []Notice) {
	if len(notices) == 0 {
		return
	}
	if err := o.notifier.Notify(ctx, channelID, notices); err != nil {
		o.logger.Warn("notify_failed",
			zap.String("channel_id", channelID),
			zap.Int("notices", len(notices)),
			zap.Error(err),
		)
	}
}

func (o *Orchestrator) fields(s *session.Session) []zap.Field {
	return []zap.Field{
		zap.String("session_id", s.ID.String()),
		zap.Int64("record_id", s.RecordID),
		zap.String("channel_id", s.ChannelID),
		zap.String("owner_id", s.OwnerID),
		zap.String("stage", s.Stage.String()),
	}
}
