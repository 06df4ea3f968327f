package game

import (
	"context"

	nchess "github.com/corentings/chess/v2"

	"github.com/park285/cheese-chess-bot/internal/chess"
)

type Prompt int

const (
	PromptNone Prompt = iota
	PromptRating
	PromptColor
	PromptRematch
)

// Diagram asks the presenter for a board image from the human's side.
type Diagram struct {
	Position    *nchess.Position
	Perspective chess.Color
	LastMove    *nchess.Move
}

// Notice is one outbound effect of a transition. Key selects the message
// template, Data fills it.
type Notice struct {
	Key     string
	Data    map[string]any
	Diagram *Diagram
	Prompt  Prompt
}

// Notifier delivers notices to a session channel in order.
type Notifier interface {
	Notify(ctx context.Context, channelID string, notices []Notice) error
}

// ChannelRequest describes the private channel a new game needs.
type ChannelRequest struct {
	OwnerID   string
	OwnerName string
	RecordID  int64
	Origin    string
}

// ChannelOpener creates the isolated channel a session is bound to.
type ChannelOpener interface {
	OpenSessionChannel(ctx context.Context, req ChannelRequest) (string, error)
}

func notice(key string, data map[string]any) Notice {
	return Notice{Key: key, Data: data}
}

func errorNotice(e *Error) Notice {
	n := Notice{Key: e.Code.Key(), Data: e.Data}
	if e.Code == CodeSessionAlreadyTerminal {
		n.Prompt = PromptRematch
	}
	return n
}
