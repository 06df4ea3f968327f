// Package transport is the contract between the bot and a chat platform.
package transport

import (
	"context"

	"github.com/park285/cheese-chess-bot/internal/game"
)

// Adapter is implemented once per chat platform. Listen may only be called
// after Connect; the returned channel closes when the adapter is closed.
type Adapter interface {
	Name() string
	Connect(ctx context.Context) error
	Listen(ctx context.Context) (<-chan Inbound, error)
	Send(ctx context.Context, msg Outbound) error
	OpenSessionChannel(ctx context.Context, req game.ChannelRequest) (string, error)
	// Mention formats a channel reference the platform renders as a link.
	Mention(channelID string) string
	Close() error
}

// Hub is implemented by platforms that keep a lobby channel with a start
// button.
type Hub interface {
	HubChannel(ctx context.Context) (string, error)
}

// Selection values for Choice IDs.
const (
	ChoiceStart  = "start"
	ChoiceRating = "rating"
	ChoiceColor  = "color"
)

// Inbound is one message or UI interaction from a user.
type Inbound struct {
	Platform   string
	ChannelID  string
	SenderID   string
	SenderName string
	Text       string
	// Selection is set when the user picked from a menu or pressed a
	// button instead of typing.
	Selection *Selection
	// ReplyTo identifies the interaction to answer privately, if any.
	ReplyTo string
}

type Selection struct {
	ChoiceID string
	Value    string
}

type Outbound struct {
	ChannelID string
	ReplyTo   string // answer only the user behind this interaction
	Text      string
	Image     *Image
	Choices   *Choices
}

type Image struct {
	Name string
	Data []byte
}

type ChoiceStyle int

const (
	StyleButtons ChoiceStyle = iota
	StyleMenu
)

// Choices is a set of options rendered as buttons or a select menu.
// Platforms without components fall back to Fallback text.
type Choices struct {
	ID          string
	Style       ChoiceStyle
	Placeholder string
	Options     []Option
	Fallback    string
}

type Option struct {
	Label string
	Value string
}
