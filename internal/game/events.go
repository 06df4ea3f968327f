package game

import (
	"strings"

	"github.com/park285/cheese-chess-bot/internal/chess"
)

// Event is the closed set of inputs the state machine understands.
type Event interface {
	isEvent()
}

type RatingSelected struct{ Value string }

type ColorSelected struct{ Value string }

type MoveSubmitted struct{ Text string }

type ResignRequested struct{}

type AnalyseRequested struct{}

// Unrecognized carries text that matched nothing, for the guidance reply.
type Unrecognized struct{ Text string }

// abandoned is raised internally by the idle sweep and at shutdown.
type abandoned struct{ reason string }

func (RatingSelected) isEvent()   {}
func (ColorSelected) isEvent()    {}
func (MoveSubmitted) isEvent()    {}
func (ResignRequested) isEvent()  {}
func (AnalyseRequested) isEvent() {}
func (Unrecognized) isEvent()     {}
func (abandoned) isEvent()        {}

// Inbound is one event addressed to a session channel.
type Inbound struct {
	ChannelID  string
	SenderID   string
	SenderName string
	Event      Event
}

var analyseKeywords = []string{"best", "analyse", "analyze", "meilleur", "hint"}

// ParseText turns free chat text into an event. Coordinate moves win over
// everything else; then resign, analyse keywords, explicit settings.
func ParseText(text string) Event {
	norm := chess.NormalizeMoveText(text)
	if norm == "" {
		return Unrecognized{Text: text}
	}
	if chess.IsCoordinateMove(norm) {
		return MoveSubmitted{Text: norm}
	}
	if rest, ok := strings.CutPrefix(norm, "move "); ok {
		return MoveSubmitted{Text: strings.TrimSpace(rest)}
	}
	if norm == "resign" {
		return ResignRequested{}
	}
	for _, kw := range analyseKeywords {
		if strings.Contains(norm, kw) {
			return AnalyseRequested{}
		}
	}
	if rest, ok := strings.CutPrefix(norm, "rating "); ok {
		return RatingSelected{Value: strings.TrimSpace(rest)}
	}
	if _, ok := chess.ParseColor(norm); ok {
		return ColorSelected{Value: norm}
	}
	if rest, ok := strings.CutPrefix(norm, "color "); ok {
		return ColorSelected{Value: strings.TrimSpace(rest)}
	}
	return Unrecognized{Text: text}
}
