package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/park285/cheese-chess-bot/internal/game"
	"github.com/park285/cheese-chess-bot/internal/transport"
)

// --- Mock Discord session ---

type mockSession struct {
	mu          sync.Mutex
	opened      bool
	closeCalled bool
	openErr     error
	sendErrs    []error
	sent        []sentMessage
	created     []discordgo.GuildChannelCreateData
	createErr   error
	guildChans  []*discordgo.Channel
	responses   []*discordgo.InteractionResponse
	followups   []*discordgo.WebhookParams
	handlers    []interface{}
	removeCount int
	nextChanID  int
}

type sentMessage struct {
	channelID string
	data      *discordgo.MessageSend
	image     []byte
}

func newMockSession() *mockSession {
	return &mockSession{nextChanID: 900}
}

func (m *mockSession) Open() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.openErr != nil {
		return m.openErr
	}
	m.opened = true
	return nil
}

func (m *mockSession) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalled = true
	return nil
}

func (m *mockSession) AddHandler(handler interface{}) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.removeCount++
	}
}

func (m *mockSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sendErrs) > 0 {
		err := m.sendErrs[0]
		m.sendErrs = m.sendErrs[1:]
		return nil, err
	}
	msg := sentMessage{channelID: channelID, data: data}
	if len(data.Files) > 0 {
		msg.image, _ = io.ReadAll(data.Files[0].Reader)
	}
	m.sent = append(m.sent, msg)
	return &discordgo.Message{ID: "msg-1"}, nil
}

func (m *mockSession) GuildChannels(guildID string, options ...discordgo.RequestOption) ([]*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.guildChans, nil
}

func (m *mockSession) GuildChannelCreateComplex(guildID string, data discordgo.GuildChannelCreateData, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, data)
	m.nextChanID++
	return &discordgo.Channel{ID: fmt.Sprintf("C%d", m.nextChanID), Name: data.Name, Type: data.Type}, nil
}

func (m *mockSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
	return nil
}

func (m *mockSession) FollowupMessageCreate(interaction *discordgo.Interaction, wait bool, data *discordgo.WebhookParams, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.followups = append(m.followups, data)
	return &discordgo.Message{ID: "followup-1"}, nil
}

func (m *mockSession) lastSent(t *testing.T) sentMessage {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		t.Fatal("nothing sent")
	}
	return m.sent[len(m.sent)-1]
}

func newTestAdapter(t *testing.T) (*Adapter, *mockSession) {
	t.Helper()
	sess := newMockSession()
	a, err := New(AdapterOpts{Session: sess, GuildID: "G1"})
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	a.baseBackoff = time.Millisecond
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	a.SetBotUserID("BOT")
	t.Cleanup(func() { _ = a.Close() })
	return a, sess
}

func receive(t *testing.T, ch <-chan transport.Inbound) transport.Inbound {
	t.Helper()
	select {
	case in := <-ch:
		return in
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for inbound")
		return transport.Inbound{}
	}
}

func TestNew_RequiresTokenAndGuild(t *testing.T) {
	if _, err := New(AdapterOpts{GuildID: "G1"}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Fatalf("err = %v, want bot token error", err)
	}
	if _, err := New(AdapterOpts{BotToken: "x"}); err == nil || !strings.Contains(err.Error(), "guild") {
		t.Fatalf("err = %v, want guild error", err)
	}
}

func TestConnect_OpenError(t *testing.T) {
	sess := newMockSession()
	sess.openErr = fmt.Errorf("gateway down")
	a, _ := New(AdapterOpts{Session: sess, GuildID: "G1"})
	if err := a.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Fatalf("err = %v, want open gateway error", err)
	}
}

func TestConnect_IdempotentAndClosed(t *testing.T) {
	a, _ := newTestAdapter(t)
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("second connect: %v", err)
	}
	_ = a.Close()
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected error after close")
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestListen_NotConnected(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newMockSession(), GuildID: "G1"})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Fatal("expected error")
	}
}

func TestHandleMessage_FiltersBotsAndForeignGuilds(t *testing.T) {
	a, _ := newTestAdapter(t)
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "C1", GuildID: "G1", Content: "self", Author: &discordgo.User{ID: "BOT"},
	}})
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "C1", GuildID: "G1", Content: "other bot", Author: &discordgo.User{ID: "B2", Bot: true},
	}})
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "C1", GuildID: "G2", Content: "elsewhere", Author: &discordgo.User{ID: "U1"},
	}})
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "C1", GuildID: "G1", Content: "e2e4", Author: &discordgo.User{ID: "U1", Username: "alice"},
	}})

	in := receive(t, ch)
	if in.Text != "e2e4" || in.SenderID != "U1" || in.SenderName != "alice" || in.ChannelID != "C1" {
		t.Fatalf("inbound = %+v", in)
	}
	if in.Platform != "discord" {
		t.Fatalf("platform = %q", in.Platform)
	}
}

func componentClick(id, channel, customID string, values ...string) *discordgo.InteractionCreate {
	return &discordgo.InteractionCreate{Interaction: &discordgo.Interaction{
		ID:        id,
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: channel,
		Member:    &discordgo.Member{User: &discordgo.User{ID: "U1", Username: "alice"}, Nick: "Al"},
		Data:      discordgo.MessageComponentInteractionData{CustomID: customID, Values: values},
	}}
}

func TestStartButton_AnsweredPrivately(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	a.handleInteraction(context.Background(), componentClick("I1", "HUB", "chess:start:go"))
	in := receive(t, ch)
	if in.Selection == nil || in.Selection.ChoiceID != transport.ChoiceStart {
		t.Fatalf("selection = %+v", in.Selection)
	}
	if in.ReplyTo != "I1" || in.SenderName != "Al" {
		t.Fatalf("inbound = %+v", in)
	}
	if got := sess.responses[0]; got.Type != discordgo.InteractionResponseDeferredChannelMessageWithSource || got.Data.Flags != discordgo.MessageFlagsEphemeral {
		t.Fatalf("ack = %+v", got)
	}

	if err := a.Send(context.Background(), transport.Outbound{ChannelID: "HUB", ReplyTo: "I1", Text: "Game created"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(sess.followups) != 1 || sess.followups[0].Content != "Game created" {
		t.Fatalf("followups = %+v", sess.followups)
	}
	if len(sess.sent) != 0 {
		t.Fatalf("private reply leaked to channel")
	}
}

func TestRatingMenu_ValueFromSelection(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())

	a.handleInteraction(context.Background(), componentClick("I2", "C5", "chess:rating", "1900"))
	in := receive(t, ch)
	if in.Selection.ChoiceID != transport.ChoiceRating || in.Selection.Value != "1900" || in.ReplyTo != "" {
		t.Fatalf("inbound = %+v", in)
	}
	if sess.responses[0].Type != discordgo.InteractionResponseDeferredMessageUpdate {
		t.Fatalf("ack type = %v", sess.responses[0].Type)
	}
}

func TestSend_ComponentsAndImage(t *testing.T) {
	a, sess := newTestAdapter(t)
	err := a.Send(context.Background(), transport.Outbound{
		ChannelID: "C5",
		Text:      "Pick",
		Image:     &transport.Image{Data: []byte("png")},
		Choices: &transport.Choices{
			ID:      transport.ChoiceColor,
			Options: []transport.Option{{Label: "White", Value: "white"}, {Label: "Black", Value: "black"}},
		},
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	got := sess.lastSent(t)
	if string(got.image) != "png" || got.data.Files[0].Name != "board.png" {
		t.Fatalf("image not attached: %+v", got.data.Files)
	}
	row := got.data.Components[0].(discordgo.ActionsRow)
	if len(row.Components) != 2 {
		t.Fatalf("buttons = %d", len(row.Components))
	}
	if b := row.Components[1].(discordgo.Button); b.CustomID != "chess:color:black" {
		t.Fatalf("custom id = %q", b.CustomID)
	}

	err = a.Send(context.Background(), transport.Outbound{
		ChannelID: "C5",
		Choices: &transport.Choices{
			ID:      transport.ChoiceRating,
			Style:   transport.StyleMenu,
			Options: []transport.Option{{Label: "Club (1900)", Value: "1900"}},
		},
	})
	if err != nil {
		t.Fatalf("send menu: %v", err)
	}
	menu := sess.lastSent(t).data.Components[0].(discordgo.ActionsRow).Components[0].(discordgo.SelectMenu)
	if menu.CustomID != "chess:rating" || menu.Options[0].Value != "1900" {
		t.Fatalf("menu = %+v", menu)
	}
}

func TestSend_RetriesOnRateLimit(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErrs = []error{&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}}
	if err := a.Send(context.Background(), transport.Outbound{ChannelID: "C1", Text: "hi", Image: &transport.Image{Data: []byte("x")}}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if string(sess.lastSent(t).image) != "x" {
		t.Fatalf("image not resent after retry")
	}
}

func TestSend_OtherErrorsNotRetried(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.sendErrs = []error{fmt.Errorf("boom")}
	if err := a.Send(context.Background(), transport.Outbound{ChannelID: "C1", Text: "hi"}); err == nil {
		t.Fatal("expected error")
	}
}

func TestOpenSessionChannel_Private(t *testing.T) {
	a, sess := newTestAdapter(t)
	id, err := a.OpenSessionChannel(context.Background(), game.ChannelRequest{OwnerID: "U1", OwnerName: "alice", RecordID: 7})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if id == "" {
		t.Fatal("empty channel id")
	}
	data := sess.created[0]
	if data.Name != "chess-7" {
		t.Fatalf("name = %q", data.Name)
	}
	if len(data.PermissionOverwrites) != 3 {
		t.Fatalf("overwrites = %d", len(data.PermissionOverwrites))
	}
	everyone := data.PermissionOverwrites[0]
	if everyone.ID != "G1" || everyone.Deny&discordgo.PermissionViewChannel == 0 {
		t.Fatalf("everyone overwrite = %+v", everyone)
	}
	if owner := data.PermissionOverwrites[1]; owner.ID != "U1" || owner.Allow&discordgo.PermissionViewChannel == 0 {
		t.Fatalf("owner overwrite = %+v", owner)
	}
	if a.Mention(id) != "<#"+id+">" {
		t.Fatalf("mention = %q", a.Mention(id))
	}
}

func TestHubChannel_FindOrCreate(t *testing.T) {
	a, sess := newTestAdapter(t)
	sess.guildChans = []*discordgo.Channel{{ID: "H1", Name: "chess-hub", Type: discordgo.ChannelTypeGuildText}}
	id, err := a.HubChannel(context.Background())
	if err != nil || id != "H1" {
		t.Fatalf("hub = %q, %v", id, err)
	}

	b, sess2 := newTestAdapter(t)
	id, err = b.HubChannel(context.Background())
	if err != nil {
		t.Fatalf("hub create: %v", err)
	}
	if len(sess2.created) != 1 || sess2.created[0].Name != "chess-hub" {
		t.Fatalf("created = %+v", sess2.created)
	}
	again, _ := b.HubChannel(context.Background())
	if again != id || len(sess2.created) != 1 {
		t.Fatalf("hub not cached")
	}
}

func TestClose_StopsEmitting(t *testing.T) {
	a, sess := newTestAdapter(t)
	ch, _ := a.Listen(context.Background())
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	a.handleMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ChannelID: "C1", Content: "late", Author: &discordgo.User{ID: "U1"},
	}})
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel")
	}
	if !sess.closeCalled || sess.removeCount == 0 {
		t.Fatalf("session not closed or handlers not removed")
	}
}

func TestParseCustomID(t *testing.T) {
	cases := []struct {
		in     string
		values []string
		want   transport.Selection
		ok     bool
	}{
		{"chess:start:go", nil, transport.Selection{ChoiceID: "start", Value: "go"}, true},
		{"chess:rating", []string{"2100"}, transport.Selection{ChoiceID: "rating", Value: "2100"}, true},
		{"other:thing", nil, transport.Selection{}, false},
		{"chess:", nil, transport.Selection{}, false},
	}
	for _, tc := range cases {
		got, ok := parseCustomID(tc.in, tc.values)
		if ok != tc.ok || got != tc.want {
			t.Errorf("parseCustomID(%q) = %+v, %v", tc.in, got, ok)
		}
	}
}
