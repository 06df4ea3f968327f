// Package iris implements the transport Adapter for KakaoTalk rooms bridged
// by an Iris server: messages arrive over a WebSocket, replies go out over
// HTTP.
package iris

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/game"
	"github.com/park285/cheese-chess-bot/internal/transport"
)

const (
	platform = "iris"

	// channelSep joins room and user into a per-player channel id. Rooms are
	// shared, so each player's game is addressed by room plus owner.
	channelSep    = "|"
	inboundBuffer = 100
)

var ErrNotConnected = errors.New("iris: not connected")

type AdapterOpts struct {
	BaseURL      string
	WSURL        string
	Prefix       string   // command prefix, e.g. "!chess"; empty accepts every line
	AllowedRooms []string // empty allows every room
	Headers      HeaderProvider
	Logger       *zap.Logger
	// MaxReconnect bounds WebSocket redial attempts.
	MaxReconnect int
	// FoldLines folds longer messages behind "see more". Zero uses the
	// default, negative disables folding.
	FoldLines    int
}

type Adapter struct {
	client  *Client
	ws      *WebSocket
	prefix  string
	allowed map[string]struct{}
	fold    int
	logger  *zap.Logger

	mu        sync.Mutex
	connected bool

	sendMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
	inbound   chan transport.Inbound
}

func New(opts AdapterOpts) (*Adapter, error) {
	if strings.TrimSpace(opts.BaseURL) == "" {
		return nil, fmt.Errorf("iris: base url is required")
	}
	if strings.TrimSpace(opts.WSURL) == "" {
		return nil, fmt.Errorf("iris: websocket url is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxReconnect == 0 {
		opts.MaxReconnect = 5
	}
	if opts.FoldLines == 0 {
		opts.FoldLines = defaultFoldLines
	}
	allowed := make(map[string]struct{}, len(opts.AllowedRooms))
	for _, r := range opts.AllowedRooms {
		if r = strings.TrimSpace(r); r != "" {
			allowed[r] = struct{}{}
		}
	}
	return &Adapter{
		client:  NewClient(opts.BaseURL, WithHeaderProvider(opts.Headers)),
		ws:      NewWebSocket(opts.WSURL, opts.MaxReconnect, opts.Headers, opts.Logger),
		prefix:  strings.TrimSpace(opts.Prefix),
		allowed: allowed,
		fold:    opts.FoldLines,
		logger:  opts.Logger,
		done:    make(chan struct{}),
		inbound: make(chan transport.Inbound, inboundBuffer),
	}, nil
}

func (a *Adapter) Name() string { return platform }

// Client exposes the HTTP client for diagnostics.
func (a *Adapter) Client() *Client { return a.client }

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isClosed() {
		return fmt.Errorf("iris: adapter already closed")
	}
	if a.connected {
		return nil
	}
	a.ws.OnMessage(a.handleMessage)
	if err := a.ws.Connect(ctx); err != nil {
		return fmt.Errorf("iris: connect websocket: %w", err)
	}
	a.connected = true
	return nil
}

func (a *Adapter) Listen(ctx context.Context) (<-chan transport.Inbound, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil, ErrNotConnected
	}
	return a.inbound, nil
}

// Send posts text and then the image. Choices render as their text fallback.
func (a *Adapter) Send(ctx context.Context, msg transport.Outbound) error {
	room := roomOf(msg.ChannelID)
	if room == "" {
		return fmt.Errorf("iris: no room specified")
	}
	text := msg.Text
	if msg.Choices != nil && msg.Choices.Fallback != "" {
		if text != "" {
			text += "\n"
		}
		text += msg.Choices.Fallback
	}
	if strings.TrimSpace(text) != "" {
		if err := a.client.SendMessage(ctx, room, foldLong(text, a.fold)); err != nil {
			return fmt.Errorf("iris: send text: %w", err)
		}
	}
	if msg.Image != nil && len(msg.Image.Data) > 0 {
		if err := a.client.SendImage(ctx, room, msg.Image.Data); err != nil {
			return fmt.Errorf("iris: send image: %w", err)
		}
	}
	return nil
}

// OpenSessionChannel addresses the game in the room it was started from.
// KakaoTalk has no private channels; the owner check keeps others out.
func (a *Adapter) OpenSessionChannel(_ context.Context, req game.ChannelRequest) (string, error) {
	room := roomOf(req.Origin)
	if room == "" {
		return "", fmt.Errorf("iris: start request has no room")
	}
	return ChannelID(room, req.OwnerID), nil
}

func (a *Adapter) Mention(string) string { return "this room" }

func (a *Adapter) Close() error {
	first := false
	a.closeOnce.Do(func() {
		first = true
		close(a.done)
		a.sendMu.Lock()
		a.closed = true
		close(a.inbound)
		a.sendMu.Unlock()
	})
	if !first {
		return nil
	}
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return a.ws.Close(context.Background())
}

func (a *Adapter) handleMessage(msg *Message) {
	if msg == nil || strings.TrimSpace(msg.Msg) == "" || msg.Room == "" {
		return
	}
	if len(a.allowed) > 0 {
		if _, ok := a.allowed[msg.Room]; !ok {
			a.logger.Debug("iris_room_ignored", zap.String("room", msg.Room))
			return
		}
	}
	text := strings.TrimSpace(msg.Msg)
	if a.prefix != "" {
		rest, ok := strings.CutPrefix(text, a.prefix)
		if !ok {
			return
		}
		text = strings.TrimSpace(rest)
	}
	sender := msg.SenderID()
	if sender == "" {
		return
	}
	a.emit(transport.Inbound{
		Platform:   platform,
		ChannelID:  ChannelID(msg.Room, sender),
		SenderID:   sender,
		SenderName: msg.SenderName(),
		Text:       text,
	})
}

func (a *Adapter) emit(in transport.Inbound) {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.inbound <- in:
	case <-a.done:
	}
}

func (a *Adapter) isClosed() bool {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	return a.closed
}

// ChannelID builds the per-player channel id for a room.
func ChannelID(room, userID string) string {
	return room + channelSep + userID
}

func roomOf(channelID string) string {
	room, _, _ := strings.Cut(channelID, channelSep)
	return strings.TrimSpace(room)
}
