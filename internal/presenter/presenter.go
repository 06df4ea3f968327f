// Package presenter turns orchestrator notices into platform messages.
package presenter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	nchess "github.com/corentings/chess/v2"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/chess"
	"github.com/park285/cheese-chess-bot/internal/game"
	"github.com/park285/cheese-chess-bot/internal/render"
	"github.com/park285/cheese-chess-bot/internal/transport"
)

// Sender is the slice of a transport the presenter needs.
type Sender interface {
	Send(ctx context.Context, msg transport.Outbound) error
	Mention(channelID string) string
}

type Catalog interface {
	Render(key string, data any) (string, error)
}

type Renderer interface {
	RenderPNG(ctx context.Context, pos *nchess.Position, opts render.Options) ([]byte, error)
}

// Presenter implements game.Notifier. Consecutive notices are merged into
// one message; a board diagram or a prompt closes the message it belongs to.
type Presenter struct {
	sender   Sender
	catalog  Catalog
	renderer Renderer
	logger   *zap.Logger
}

func New(sender Sender, catalog Catalog, renderer Renderer, logger *zap.Logger) (*Presenter, error) {
	if sender == nil {
		return nil, fmt.Errorf("presenter: sender is nil")
	}
	if catalog == nil {
		return nil, fmt.Errorf("presenter: catalog is nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Presenter{sender: sender, catalog: catalog, renderer: renderer, logger: logger}, nil
}

var _ game.Notifier = (*Presenter)(nil)

func (p *Presenter) Notify(ctx context.Context, channelID string, notices []game.Notice) error {
	var (
		result *multierror.Error
		lines  []string
	)
	flush := func(image *transport.Image, choices *transport.Choices) {
		text := strings.Join(lines, "\n")
		lines = nil
		if text == "" && image == nil && choices == nil {
			return
		}
		msg := transport.Outbound{ChannelID: channelID, Text: text, Image: image, Choices: choices}
		if err := p.sender.Send(ctx, msg); err != nil {
			result = multierror.Append(result, err)
		}
	}

	for _, n := range notices {
		if n.Diagram != nil {
			flush(p.diagram(ctx, n), nil)
			continue
		}
		if n.Key != "" {
			lines = append(lines, p.Text(n.Key, n.Data))
		}
		if n.Prompt != game.PromptNone {
			text, choices := p.prompt(n.Prompt)
			if text != "" {
				lines = append(lines, text)
			}
			flush(nil, choices)
		}
	}
	flush(nil, nil)
	return result.ErrorOrNil()
}

// Text renders key with data, substituting the platform's channel mention
// for a "channel" entry. Rendering problems fall back to the key itself.
func (p *Presenter) Text(key string, data map[string]any) string {
	if ch, ok := data["channel"].(string); ok && ch != "" {
		copied := make(map[string]any, len(data))
		for k, v := range data {
			copied[k] = v
		}
		copied["channel"] = p.sender.Mention(ch)
		data = copied
	}
	text, err := p.catalog.Render(key, data)
	if err != nil {
		p.logger.Warn("message_render_failed", zap.String("key", key), zap.Error(err))
		return key
	}
	return text
}

// Hub posts the lobby message with its start button.
func (p *Presenter) Hub(ctx context.Context, channelID string) error {
	return p.sender.Send(ctx, transport.Outbound{
		ChannelID: channelID,
		Text:      p.Text("hub.intro", nil),
		Choices: &transport.Choices{
			ID:      transport.ChoiceStart,
			Options: []transport.Option{{Label: p.Text("hub.button", nil), Value: "new"}},
		},
	})
}

func (p *Presenter) diagram(ctx context.Context, n game.Notice) *transport.Image {
	if p.renderer == nil || n.Diagram.Position == nil {
		return nil
	}
	caption := ""
	if n.Key != "" {
		caption = p.Text(n.Key, n.Data)
	}
	data, err := p.renderer.RenderPNG(ctx, n.Diagram.Position, render.Options{
		Perspective: n.Diagram.Perspective,
		LastMove:    n.Diagram.LastMove,
		Caption:     caption,
	})
	if err != nil {
		p.logger.Warn("board_render_failed", zap.Error(err))
		return nil
	}
	return &transport.Image{Name: "board.png", Data: data}
}

func (p *Presenter) prompt(pr game.Prompt) (string, *transport.Choices) {
	switch pr {
	case game.PromptRating:
		tiers := chess.Tiers()
		options := make([]transport.Option, 0, len(tiers))
		for _, t := range tiers {
			options = append(options, transport.Option{
				Label: fmt.Sprintf("%s (%d)", t.Label, t.Elo),
				Value: strconv.Itoa(t.Elo),
			})
		}
		fallback := p.Text("prompt.rating_text", nil) + "\n" + p.Text("hub.tiers", map[string]any{"tiers": tiers})
		return "", &transport.Choices{
			ID:          transport.ChoiceRating,
			Style:       transport.StyleMenu,
			Placeholder: p.Text("prompt.rating", nil),
			Options:     options,
			Fallback:    fallback,
		}
	case game.PromptColor:
		return p.Text("prompt.color", nil), &transport.Choices{
			ID:    transport.ChoiceColor,
			Style: transport.StyleButtons,
			Options: []transport.Option{
				{Label: p.Text("prompt.white", nil), Value: chess.White.String()},
				{Label: p.Text("prompt.black", nil), Value: chess.Black.String()},
			},
			Fallback: p.Text("prompt.color_text", nil),
		}
	case game.PromptRematch:
		return p.Text("prompt.rematch", nil), nil
	default:
		return "", nil
	}
}
