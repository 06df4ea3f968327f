package session

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	nchess "github.com/corentings/chess/v2"
	"github.com/google/uuid"

	"github.com/park285/cheese-chess-bot/internal/chess"
)

// Stage is the explicit lifecycle position of a session. Only the game
// orchestrator's transition function assigns it.
type Stage int

const (
	AwaitingRating Stage = iota
	AwaitingColor
	AwaitingHumanMove
	AwaitingEngineMove
	Terminated
)

func (s Stage) String() string {
	switch s {
	case AwaitingRating:
		return "awaiting_rating"
	case AwaitingColor:
		return "awaiting_color"
	case AwaitingHumanMove:
		return "awaiting_human_move"
	case AwaitingEngineMove:
		return "awaiting_engine_move"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Session is one game between one owner and the engine, bound to one
// channel. Callers hold Lock for the whole handling of an event.
type Session struct {
	ID         uuid.UUID
	RecordID   int64
	ChannelID  string
	OwnerID    string
	OwnerName  string
	Site       string
	Rating     chess.RatingTier
	HumanColor chess.Color
	Stage      Stage
	Game       *nchess.Game
	Engine     chess.Engine
	Resigned   bool
	StartedAt  time.Time
	LastActive time.Time

	mu   sync.Mutex
	last atomic.Pointer[Snapshot]
}

func (s *Session) Lock()   { s.mu.Lock() }
func (s *Session) Unlock() { s.mu.Unlock() }

// RatingSet reports whether a strength tier has been chosen.
func (s *Session) RatingSet() bool { return s.Rating.Elo > 0 }

// Moves returns the game so far in lower-case coordinate notation.
func (s *Session) Moves() []string {
	if s.Game == nil {
		return nil
	}
	moves := s.Game.Moves()
	positions := s.Game.Positions()
	notation := nchess.UCINotation{}
	out := make([]string, 0, len(moves))
	for i, mv := range moves {
		if i >= len(positions) {
			break
		}
		out = append(out, strings.ToLower(notation.Encode(positions[i], mv)))
	}
	return out
}

// Publish records the current state for lock-free readers. The caller
// holds Lock.
func (s *Session) Publish() {
	snap := Snapshot{
		ID:         s.ID.String(),
		RecordID:   s.RecordID,
		ChannelID:  s.ChannelID,
		OwnerID:    s.OwnerID,
		Stage:      s.Stage,
		StartedAt:  s.StartedAt,
		LastActive: s.LastActive,
	}
	if s.Game != nil {
		snap.Plies = len(s.Game.Moves())
	}
	s.last.Store(&snap)
}

// Snapshot returns the last published state, if any.
func (s *Session) Snapshot() (Snapshot, bool) {
	p := s.last.Load()
	if p == nil {
		return Snapshot{}, false
	}
	return *p, true
}

// Snapshot is a lock-free copy for listings.
type Snapshot struct {
	ID         string
	RecordID   int64
	ChannelID  string
	OwnerID    string
	Stage      Stage
	Plies      int
	StartedAt  time.Time
	LastActive time.Time
}
