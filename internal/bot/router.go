package bot

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/chess"
	"github.com/park285/cheese-chess-bot/internal/game"
	"github.com/park285/cheese-chess-bot/internal/session"
	"github.com/park285/cheese-chess-bot/internal/transport"
)

type Orchestrator interface {
	Start(ctx context.Context, req game.StartRequest) (*session.Session, error)
	Dispatch(ctx context.Context, in game.Inbound) error
}

// Sessions tells the router which channels belong to a game.
type Sessions interface {
	Get(channelID string) (*session.Session, bool)
	Tombstoned(channelID string) bool
}

type Replier interface {
	Send(ctx context.Context, msg transport.Outbound) error
}

type Texts interface {
	Text(key string, data map[string]any) string
}

// Router turns transport traffic into orchestrator calls. Channels that do
// not host a game only understand the lobby commands.
type Router struct {
	orch     Orchestrator
	sessions Sessions
	out      Replier
	texts    Texts
	logger   *zap.Logger
}

func NewRouter(orch Orchestrator, sessions Sessions, out Replier, texts Texts, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{orch: orch, sessions: sessions, out: out, texts: texts, logger: logger}
}

// HandleInbound processes one message or interaction. Rejections already
// reported to the user are not returned.
func (r *Router) HandleInbound(ctx context.Context, in transport.Inbound) error {
	if sel := in.Selection; sel != nil {
		switch sel.ChoiceID {
		case transport.ChoiceStart:
			return r.start(ctx, in)
		case transport.ChoiceRating:
			return r.dispatch(ctx, in, game.RatingSelected{Value: sel.Value})
		case transport.ChoiceColor:
			return r.dispatch(ctx, in, game.ColorSelected{Value: sel.Value})
		default:
			r.logger.Debug("unknown_choice", zap.String("choice", sel.ChoiceID), zap.String("channel_id", in.ChannelID))
			return nil
		}
	}

	if _, live := r.sessions.Get(in.ChannelID); live {
		return r.dispatch(ctx, in, game.ParseText(in.Text))
	}
	cmd := strings.ToLower(strings.TrimSpace(in.Text))
	// A finished channel still hosts lobby commands. Iris reuses the
	// player's own channel for every game.
	if r.sessions.Tombstoned(in.ChannelID) && !isLobbyCommand(cmd) {
		return r.dispatch(ctx, in, game.ParseText(in.Text))
	}

	switch cmd {
	case "start", "play", "new":
		return r.start(ctx, in)
	case "help":
		return r.reply(ctx, in, r.texts.Text("hub.help", nil))
	case "tiers", "ratings":
		return r.reply(ctx, in, r.texts.Text("hub.tiers", map[string]any{"tiers": chess.Tiers()}))
	default:
		return nil
	}
}

func (r *Router) start(ctx context.Context, in transport.Inbound) error {
	s, err := r.orch.Start(ctx, game.StartRequest{
		OwnerID:   in.SenderID,
		OwnerName: in.SenderName,
		Origin:    in.ChannelID,
	})
	if err != nil {
		var gerr *game.Error
		if errors.As(err, &gerr) {
			r.logger.Debug("start_rejected", zap.String("owner_id", in.SenderID), zap.String("code", gerr.Code.String()))
			return r.reply(ctx, in, r.texts.Text(gerr.Code.Key(), gerr.Data))
		}
		r.logger.Error("start_failed", zap.String("owner_id", in.SenderID), zap.Error(err))
		if rerr := r.reply(ctx, in, r.texts.Text("error.start_failed", nil)); rerr != nil {
			r.logger.Warn("reply_failed", zap.Error(rerr))
		}
		return err
	}
	// The session was unlocked by Start, so only the immutable fields are read.
	return r.reply(ctx, in, r.texts.Text("hub.created", map[string]any{"channel": s.ChannelID}))
}

func (r *Router) dispatch(ctx context.Context, in transport.Inbound, ev game.Event) error {
	err := r.orch.Dispatch(ctx, game.Inbound{
		ChannelID:  in.ChannelID,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Event:      ev,
	})
	var gerr *game.Error
	switch {
	case err == nil, errors.Is(err, game.ErrNoSession):
		return nil
	case errors.As(err, &gerr):
		return nil
	default:
		return err
	}
}

func (r *Router) reply(ctx context.Context, in transport.Inbound, text string) error {
	return r.out.Send(ctx, transport.Outbound{
		ChannelID: in.ChannelID,
		ReplyTo:   in.ReplyTo,
		Text:      text,
	})
}

func isLobbyCommand(cmd string) bool {
	switch cmd {
	case "start", "play", "new", "help", "tiers", "ratings":
		return true
	}
	return false
}
