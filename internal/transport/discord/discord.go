// Package discord implements the transport Adapter over the Discord gateway.
package discord

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"github.com/park285/cheese-chess-bot/internal/game"
	"github.com/park285/cheese-chess-bot/internal/transport"
)

const (
	platform = "discord"

	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries  = 3
	baseBackoff = 2 * time.Second
	maxBackoff  = 30 * time.Second

	customIDPrefix = "chess:"
	inboundBuffer  = 100
)

var ErrNotConnected = errors.New("discord: not connected")

// Adapter implements transport.Adapter for one Discord guild.
type Adapter struct {
	sess          session
	botToken      string
	guildID       string
	hubName       string
	channelPrefix string
	logger        *zap.Logger
	baseBackoff   time.Duration
	maxBackoff    time.Duration

	mu        sync.Mutex
	connected bool
	botUserID string
	hubID     string
	pending   map[string]*discordgo.Interaction
	removers  []func()

	sendMu    sync.RWMutex
	closed    bool
	closeOnce sync.Once
	done      chan struct{}
	inbound   chan transport.Inbound
}

type AdapterOpts struct {
	BotToken      string
	GuildID       string
	HubName       string // lobby channel holding the start button
	ChannelPrefix string // per-game channels are named prefix + record id
	Logger        *zap.Logger
	// Session replaces the real gateway in tests.
	Session session
}

func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && strings.TrimSpace(opts.BotToken) == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if strings.TrimSpace(opts.GuildID) == "" {
		return nil, fmt.Errorf("discord: guild id is required")
	}
	if opts.HubName == "" {
		opts.HubName = "chess-hub"
	}
	if opts.ChannelPrefix == "" {
		opts.ChannelPrefix = "chess-"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{
		sess:          opts.Session,
		botToken:      opts.BotToken,
		guildID:       opts.GuildID,
		hubName:       opts.HubName,
		channelPrefix: opts.ChannelPrefix,
		logger:        opts.Logger,
		baseBackoff:   baseBackoff,
		maxBackoff:    maxBackoff,
		pending:       make(map[string]*discordgo.Interaction),
		done:          make(chan struct{}),
		inbound:       make(chan transport.Inbound, inboundBuffer),
	}, nil
}

func (a *Adapter) Name() string { return platform }

// Connect opens the gateway. Calling it again while connected is a no-op.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.isClosed() {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.sess == nil {
		dg, err := discordgo.New("Bot " + a.botToken)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		a.sess = &realSession{s: dg}
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
			a.SetBotUserID(r.User.ID)
			a.logger.Info("discord_connected", zap.String("user", r.User.Username), zap.String("user_id", r.User.ID))
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			a.logger.Warn("discord_disconnected")
		}),
	)

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
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
	a.removers = append(a.removers,
		a.sess.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) {
			a.handleMessage(m)
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) {
			a.handleInteraction(ctx, i)
		}),
	)
	return a.inbound, nil
}

func (a *Adapter) Send(ctx context.Context, msg transport.Outbound) error {
	if !a.isConnected() {
		return ErrNotConnected
	}
	if msg.ReplyTo != "" {
		if interaction := a.takePending(msg.ReplyTo); interaction != nil {
			return a.followup(ctx, interaction, msg)
		}
	}
	if msg.ChannelID == "" {
		return fmt.Errorf("discord: no channel specified")
	}
	data := buildMessageSend(msg)
	err := a.retryOnRateLimit(ctx, func() error {
		// readers are consumed on every attempt
		data.Files = buildFiles(msg)
		_, sendErr := a.sess.ChannelMessageSendComplex(msg.ChannelID, data)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// OpenSessionChannel creates a text channel only the owner and the bot can
// see.
func (a *Adapter) OpenSessionChannel(ctx context.Context, req game.ChannelRequest) (string, error) {
	if !a.isConnected() {
		return "", ErrNotConnected
	}
	data := discordgo.GuildChannelCreateData{
		Name:                 a.channelPrefix + strconv.FormatInt(req.RecordID, 10),
		Type:                 discordgo.ChannelTypeGuildText,
		Topic:                fmt.Sprintf("Chess game #%d for %s", req.RecordID, req.OwnerName),
		PermissionOverwrites: a.privateOverwrites(req.OwnerID),
	}
	var ch *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		ch, apiErr = a.sess.GuildChannelCreateComplex(a.guildID, data)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: create channel: %w", err)
	}
	a.logger.Info("session_channel_created",
		zap.String("channel_id", ch.ID),
		zap.String("name", data.Name),
		zap.String("owner_id", req.OwnerID),
	)
	return ch.ID, nil
}

// HubChannel returns the lobby channel, creating it when the guild has none.
func (a *Adapter) HubChannel(ctx context.Context) (string, error) {
	if !a.isConnected() {
		return "", ErrNotConnected
	}
	a.mu.Lock()
	cached := a.hubID
	a.mu.Unlock()
	if cached != "" {
		return cached, nil
	}

	var channels []*discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		channels, apiErr = a.sess.GuildChannels(a.guildID)
		return apiErr
	})
	if err != nil {
		return "", fmt.Errorf("discord: list channels: %w", err)
	}
	id := ""
	for _, ch := range channels {
		if ch.Type == discordgo.ChannelTypeGuildText && ch.Name == a.hubName {
			id = ch.ID
			break
		}
	}
	if id == "" {
		var ch *discordgo.Channel
		err = a.retryOnRateLimit(ctx, func() error {
			var apiErr error
			ch, apiErr = a.sess.GuildChannelCreateComplex(a.guildID, discordgo.GuildChannelCreateData{
				Name: a.hubName,
				Type: discordgo.ChannelTypeGuildText,
			})
			return apiErr
		})
		if err != nil {
			return "", fmt.Errorf("discord: create hub: %w", err)
		}
		id = ch.ID
	}

	a.mu.Lock()
	a.hubID = id
	a.mu.Unlock()
	return id, nil
}

func (a *Adapter) Mention(channelID string) string {
	return "<#" + channelID + ">"
}

// Close shuts the gateway. The inbound channel is closed after in-flight
// handlers drain.
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
	defer a.mu.Unlock()
	a.connected = false
	for _, remove := range a.removers {
		if remove != nil {
			remove()
		}
	}
	a.removers = nil
	if a.sess != nil {
		return a.sess.Close()
	}
	return nil
}

func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) SetBotUserID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.botUserID = id
}

func (a *Adapter) handleMessage(m *discordgo.MessageCreate) {
	if m == nil || m.Message == nil || m.Author == nil {
		return
	}
	if m.Author.Bot || m.Author.ID == a.BotUserID() {
		return
	}
	if m.GuildID != "" && m.GuildID != a.guildID {
		return
	}
	a.emit(transport.Inbound{
		Platform:   platform,
		ChannelID:  m.ChannelID,
		SenderID:   m.Author.ID,
		SenderName: displayName(m.Member, m.Author),
		Text:       m.Content,
	})
}

// handleInteraction acknowledges component clicks right away; Discord
// rejects interactions left unanswered for three seconds.
func (a *Adapter) handleInteraction(ctx context.Context, i *discordgo.InteractionCreate) {
	if i == nil || i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData()
	sel, ok := parseCustomID(data.CustomID, data.Values)
	if !ok {
		return
	}
	user := i.User
	if i.Member != nil && i.Member.User != nil {
		user = i.Member.User
	}
	if user == nil {
		return
	}

	resp := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	replyTo := ""
	if sel.ChoiceID == transport.ChoiceStart {
		resp = &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Flags: discordgo.MessageFlagsEphemeral},
		}
		replyTo = i.ID
		a.mu.Lock()
		a.pending[i.ID] = i.Interaction
		a.mu.Unlock()
	}
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.InteractionRespond(i.Interaction, resp)
	})
	if err != nil {
		a.logger.Warn("discord_interaction_ack_failed", zap.String("custom_id", data.CustomID), zap.Error(err))
	}

	a.emit(transport.Inbound{
		Platform:   platform,
		ChannelID:  i.ChannelID,
		SenderID:   user.ID,
		SenderName: displayName(i.Member, user),
		Selection:  &sel,
		ReplyTo:    replyTo,
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

func (a *Adapter) followup(ctx context.Context, interaction *discordgo.Interaction, msg transport.Outbound) error {
	params := &discordgo.WebhookParams{
		Content: msg.Text,
		Flags:   discordgo.MessageFlagsEphemeral,
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.FollowupMessageCreate(interaction, true, params)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: followup: %w", err)
	}
	return nil
}

func (a *Adapter) takePending(id string) *discordgo.Interaction {
	a.mu.Lock()
	defer a.mu.Unlock()
	interaction := a.pending[id]
	delete(a.pending, id)
	return interaction
}

func (a *Adapter) privateOverwrites(ownerID string) []*discordgo.PermissionOverwrite {
	allow := int64(discordgo.PermissionViewChannel | discordgo.PermissionSendMessages |
		discordgo.PermissionReadMessageHistory | discordgo.PermissionAttachFiles)
	out := []*discordgo.PermissionOverwrite{
		// @everyone shares the guild id
		{ID: a.guildID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
		{ID: ownerID, Type: discordgo.PermissionOverwriteTypeMember, Allow: allow},
	}
	if bot := a.BotUserID(); bot != "" {
		out = append(out, &discordgo.PermissionOverwrite{ID: bot, Type: discordgo.PermissionOverwriteTypeMember, Allow: allow})
	}
	return out
}

func (a *Adapter) isConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

func (a *Adapter) isClosed() bool {
	a.sendMu.RLock()
	defer a.sendMu.RUnlock()
	return a.closed
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		a.logger.Warn("discord_rate_limited", zap.Int("attempt", attempt+1), zap.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func buildMessageSend(msg transport.Outbound) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: msg.Text}
	if msg.Choices != nil && len(msg.Choices.Options) > 0 {
		data.Components = buildComponents(msg.Choices)
	}
	return data
}

func buildFiles(msg transport.Outbound) []*discordgo.File {
	if msg.Image == nil || len(msg.Image.Data) == 0 {
		return nil
	}
	name := msg.Image.Name
	if name == "" {
		name = "board.png"
	}
	return []*discordgo.File{{
		Name:        name,
		ContentType: "image/png",
		Reader:      bytes.NewReader(msg.Image.Data),
	}}
}

func buildComponents(c *transport.Choices) []discordgo.MessageComponent {
	if c.Style == transport.StyleMenu {
		options := make([]discordgo.SelectMenuOption, 0, len(c.Options))
		for _, o := range c.Options {
			options = append(options, discordgo.SelectMenuOption{Label: o.Label, Value: o.Value})
		}
		return []discordgo.MessageComponent{discordgo.ActionsRow{Components: []discordgo.MessageComponent{
			discordgo.SelectMenu{
				CustomID:    customIDPrefix + c.ID,
				Placeholder: c.Placeholder,
				Options:     options,
			},
		}}}
	}
	buttons := make([]discordgo.MessageComponent, 0, len(c.Options))
	for _, o := range c.Options {
		buttons = append(buttons, discordgo.Button{
			Label:    o.Label,
			Style:    discordgo.PrimaryButton,
			CustomID: customIDPrefix + c.ID + ":" + o.Value,
		})
	}
	return []discordgo.MessageComponent{discordgo.ActionsRow{Components: buttons}}
}

// parseCustomID reads "chess:<choice>[:<value>]". Menus carry the value in
// values instead.
func parseCustomID(customID string, values []string) (transport.Selection, bool) {
	rest, ok := strings.CutPrefix(customID, customIDPrefix)
	if !ok || rest == "" {
		return transport.Selection{}, false
	}
	choice, value, _ := strings.Cut(rest, ":")
	if value == "" && len(values) > 0 {
		value = values[0]
	}
	return transport.Selection{ChoiceID: choice, Value: value}, true
}

func displayName(member *discordgo.Member, user *discordgo.User) string {
	if member != nil && member.Nick != "" {
		return member.Nick
	}
	if user.GlobalName != "" {
		return user.GlobalName
	}
	return user.Username
}
