package game

import (
	"context"
	"errors"
	"fmt"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/chess"
	"github.com/park285/cheese-chess-bot/internal/record"
	"github.com/park285/cheese-chess-bot/internal/session"
)

// decisiveScore bounds every evaluation swing. A finished decisive board
// scores exactly this much.
const decisiveScore = 1000

var (
	uciNotation = nchess.UCINotation{}
	sanNotation = nchess.AlgebraicNotation{}
)

// step is the result of one transition: what to tell the channel, whether
// the session ended, and the rejection if the event was refused.
type step struct {
	notices []Notice
	end     *ending
	err     *Error
}

func rejected(code Code, data map[string]any) step {
	return step{err: reject(code, data, nil)}
}

// transition is the only place that assigns s.Stage.
func (o *Orchestrator) transition(ctx context.Context, s *session.Session, in Inbound) step {
	if ev, ok := in.Event.(abandoned); ok {
		s.Stage = session.Terminated
		return step{end: &ending{kind: endAbandoned, reason: ev.reason}}
	}
	if in.SenderID != s.OwnerID {
		return rejected(CodeUnauthorizedSender, map[string]any{"sender": in.SenderName})
	}
	if _, ok := in.Event.(ResignRequested); ok {
		return o.resign(s)
	}

	switch s.Stage {
	case session.AwaitingRating:
		return o.onAwaitingRating(ctx, s, in.Event)
	case session.AwaitingColor:
		return o.onAwaitingColor(ctx, s, in.Event)
	case session.AwaitingHumanMove:
		return o.onAwaitingHumanMove(ctx, s, in.Event)
	default:
		return rejected(CodeSessionAlreadyTerminal, nil)
	}
}

func (o *Orchestrator) onAwaitingRating(ctx context.Context, s *session.Session, ev Event) step {
	switch ev := ev.(type) {
	case RatingSelected:
		tier, err := chess.ParseRating(ev.Value)
		if err != nil {
			st := rejected(CodeInvalidSelection, map[string]any{"value": ev.Value, "setting": "rating"})
			st.notices = []Notice{{Prompt: PromptRating}}
			return st
		}
		if err := s.Engine.ConfigureStrength(ctx, tier.Elo); err != nil {
			return o.engineFailed(s, err)
		}
		s.Rating = tier
		s.Stage = session.AwaitingColor
		n := notice("rating.set", map[string]any{"label": tier.Label, "elo": tier.Elo})
		n.Prompt = PromptColor
		return step{notices: []Notice{n}}
	case Unrecognized:
		st := rejected(CodeUnrecognized, map[string]any{"text": ev.Text, "stage": s.Stage.String()})
		st.notices = []Notice{{Prompt: PromptRating}}
		return st
	default:
		st := rejected(CodePrerequisiteNotSet, map[string]any{"missing": "rating"})
		st.notices = []Notice{{Prompt: PromptRating}}
		return st
	}
}

func (o *Orchestrator) onAwaitingColor(ctx context.Context, s *session.Session, ev Event) step {
	switch ev := ev.(type) {
	case ColorSelected:
		color, ok := chess.ParseColor(ev.Value)
		if !ok {
			st := rejected(CodeInvalidSelection, map[string]any{"value": ev.Value, "setting": "color"})
			st.notices = []Notice{{Prompt: PromptColor}}
			return st
		}
		s.HumanColor = color
		notices := []Notice{notice("color.set", map[string]any{"color": color.String()})}
		if color == chess.White {
			s.Stage = session.AwaitingHumanMove
			notices = append(notices, o.boardNotice(s, nil), notice("turn.your_move", nil))
			return step{notices: notices}
		}
		s.Stage = session.AwaitingEngineMove
		return o.engineReply(ctx, s, notices)
	case RatingSelected:
		return rejected(CodeSettingLocked, map[string]any{"setting": "rating"})
	case Unrecognized:
		st := rejected(CodeUnrecognized, map[string]any{"text": ev.Text, "stage": s.Stage.String()})
		st.notices = []Notice{{Prompt: PromptColor}}
		return st
	default:
		st := rejected(CodePrerequisiteNotSet, map[string]any{"missing": "color"})
		st.notices = []Notice{{Prompt: PromptColor}}
		return st
	}
}

func (o *Orchestrator) onAwaitingHumanMove(ctx context.Context, s *session.Session, ev Event) step {
	switch ev := ev.(type) {
	case MoveSubmitted:
		return o.humanMove(ctx, s, ev.Text)
	case AnalyseRequested:
		return o.analyse(ctx, s)
	case RatingSelected:
		return rejected(CodeSettingLocked, map[string]any{"setting": "rating"})
	case ColorSelected:
		return rejected(CodeSettingLocked, map[string]any{"setting": "color"})
	case Unrecognized:
		return rejected(CodeUnrecognized, map[string]any{"text": ev.Text, "stage": s.Stage.String()})
	default:
		return rejected(CodeUnrecognized, map[string]any{"stage": s.Stage.String()})
	}
}

func (o *Orchestrator) humanMove(ctx context.Context, s *session.Session, text string) step {
	if terminal(s.Game) {
		s.Stage = session.Terminated
		return step{end: &ending{kind: endBoard}}
	}
	moveText := chess.NormalizeMoveText(text)
	if !chess.IsCoordinateMove(moveText) {
		return rejected(CodeInvalidMoveSyntax, map[string]any{"text": text})
	}

	pos := s.Game.Position()
	move, err := uciNotation.Decode(pos, moveText)
	if err != nil {
		return rejected(CodeIllegalMove, map[string]any{"move": moveText})
	}
	if err := s.Game.Clone().Move(move, nil); err != nil {
		return rejected(CodeIllegalMove, map[string]any{"move": moveText})
	}

	before, err := o.humanScore(ctx, s, true)
	if err != nil {
		return o.engineFailed(s, err)
	}

	san := sanNotation.Encode(pos, move)
	if err := s.Game.Move(move, nil); err != nil {
		return rejected(CodeIllegalMove, map[string]any{"move": moveText})
	}

	var after *int
	if terminal(s.Game) {
		after = terminalScore(s.Game, s.HumanColor)
	} else {
		after, err = o.humanScore(ctx, s, false)
		if err != nil {
			return o.engineFailed(s, err)
		}
	}

	commentary := chess.Grade(delta(before, after))
	o.persist(ctx, s, chess.ResultOngoing, record.TerminationUnterminated)

	notices := []Notice{
		notice("move.human", map[string]any{"san": san, "uci": moveText}),
		o.boardNotice(s, move),
		notice(commentary.Band.Key(), map[string]any{"magnitude": commentary.Magnitude}),
	}
	o.logger.Debug("human_move",
		append(o.fields(s),
			zap.String("move", moveText),
			zap.String("band", commentary.Band.String()),
		)...)

	if terminal(s.Game) {
		s.Stage = session.Terminated
		return step{notices: notices, end: &ending{kind: endBoard}}
	}
	s.Stage = session.AwaitingEngineMove
	return o.engineReply(ctx, s, notices)
}

// engineReply asks for, applies and announces one engine move. The session
// must be in AwaitingEngineMove.
func (o *Orchestrator) engineReply(ctx context.Context, s *session.Session, notices []Notice) step {
	budget := chess.Budget{Depth: o.cfg.ReplyDepth, Timeout: o.cfg.SearchTimeout}
	moveText, err := s.Engine.BestMove(ctx, s.Moves(), budget)
	if err != nil {
		st := o.engineFailed(s, err)
		st.notices = append(notices, st.notices...)
		return st
	}

	pos := s.Game.Position()
	move, err := uciNotation.Decode(pos, moveText)
	if err == nil {
		err = s.Game.Move(move, nil)
	}
	if err != nil {
		st := o.engineFailed(s, fmt.Errorf("engine played %q: %w", moveText, err))
		st.notices = append(notices, st.notices...)
		return st
	}
	san := sanNotation.Encode(pos, move)
	o.persist(ctx, s, chess.ResultOngoing, record.TerminationUnterminated)

	notices = append(notices,
		notice("move.engine", map[string]any{"san": san, "uci": moveText}),
		o.boardNotice(s, move),
	)
	o.logger.Debug("engine_reply", append(o.fields(s), zap.String("move", moveText))...)

	if terminal(s.Game) {
		s.Stage = session.Terminated
		return step{notices: notices, end: &ending{kind: endBoard}}
	}
	s.Stage = session.AwaitingHumanMove
	notices = append(notices, notice("turn.your_move", nil))
	return step{notices: notices}
}

func (o *Orchestrator) analyse(ctx context.Context, s *session.Session) step {
	if terminal(s.Game) {
		return rejected(CodeSessionAlreadyTerminal, nil)
	}
	budget := chess.Budget{Depth: o.cfg.HintDepth, Timeout: o.cfg.SearchTimeout}
	a, err := s.Engine.Analyse(ctx, s.Moves(), budget)
	if err != nil {
		return o.engineFailed(s, err)
	}
	first, ok := a.FirstMove()
	if !ok {
		return step{notices: []Notice{notice("analyse.inconclusive", nil)}}
	}
	pos := s.Game.Position()
	move, err := uciNotation.Decode(pos, first)
	if err != nil {
		return step{notices: []Notice{notice("analyse.inconclusive", nil)}}
	}
	data := map[string]any{
		"san": sanNotation.Encode(pos, move),
		"uci": first,
	}
	if a.Score != nil {
		data["score"] = *a.Score
	}
	if a.Mate != 0 {
		data["mate"] = a.Mate
	}
	return step{notices: []Notice{notice("analyse.best", data)}}
}

func (o *Orchestrator) resign(s *session.Session) step {
	s.Resigned = true
	if s.HumanColor != chess.NoColor && !terminal(s.Game) {
		s.Game.Resign(s.HumanColor.Board())
	}
	s.Stage = session.Terminated
	return step{end: &ending{kind: endResigned}}
}

// engineFailed ends the session. The engine error is logged,
// the user only learns the opponent could not respond.
func (o *Orchestrator) engineFailed(s *session.Session, err error) step {
	o.logger.Warn("engine_unavailable", append(o.fields(s), zap.Error(err))...)
	s.Stage = session.Terminated
	return step{end: &ending{kind: endEngineFailure, reason: "engine"}}
}

// humanScore evaluates the current position from the human's side. When
// humanToMove is false the engine's side-to-move score is negated.
func (o *Orchestrator) humanScore(ctx context.Context, s *session.Session, humanToMove bool) (*int, error) {
	budget := chess.Budget{Depth: o.cfg.AnalysisDepth, Timeout: o.cfg.SearchTimeout}
	a, err := s.Engine.Analyse(ctx, s.Moves(), budget)
	if err != nil {
		if errors.Is(err, chess.ErrEngineUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", chess.ErrEngineUnavailable, err)
	}
	if a.Score == nil {
		return nil, nil
	}
	v := *a.Score
	if !humanToMove {
		v = -v
	}
	return &v, nil
}

func delta(before, after *int) *int {
	if before == nil || after == nil {
		return nil
	}
	d := min(max(*after-*before, -decisiveScore), decisiveScore)
	return &d
}

func terminal(g *nchess.Game) bool {
	return g.Outcome() != nchess.NoOutcome
}

// terminalScore scores a finished board without consulting the engine.
func terminalScore(g *nchess.Game, human chess.Color) *int {
	v := 0
	switch chess.ClassifyResult(string(g.Outcome()), human, false) {
	case chess.OutcomeHumanWin:
		v = decisiveScore
	case chess.OutcomeOpponentWin:
		v = -decisiveScore
	}
	return &v
}

func (o *Orchestrator) boardNotice(s *session.Session, last *nchess.Move) Notice {
	perspective := s.HumanColor
	if perspective == chess.NoColor {
		perspective = chess.White
	}
	return Notice{
		Key:  "board.caption",
		Data: map[string]any{"plies": len(s.Game.Moves()), "fen": strings.TrimSpace(s.Game.FEN())},
		Diagram: &Diagram{
			Position:    s.Game.Position(),
			Perspective: perspective,
			LastMove:    last,
		},
	}
}
