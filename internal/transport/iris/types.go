package iris

// Message is one chat line pushed over the Iris WebSocket.
type Message struct {
	Msg    string       `json:"msg"`
	Room   string       `json:"room"`
	Sender *string      `json:"sender,omitempty"`
	JSON   *MessageJSON `json:"json,omitempty"`
}

type MessageJSON struct {
	UserID string `json:"user_id"`
	ChatID string `json:"chat_id,omitempty"`
}

// SenderID prefers the stable user id over the display name.
func (m *Message) SenderID() string {
	if m.JSON != nil && m.JSON.UserID != "" {
		return m.JSON.UserID
	}
	if m.Sender != nil {
		return *m.Sender
	}
	return ""
}

func (m *Message) SenderName() string {
	if m.Sender != nil && *m.Sender != "" {
		return *m.Sender
	}
	return m.SenderID()
}

type ReplyRequest struct {
	Type string `json:"type"`
	Room string `json:"room"`
	Data string `json:"data"`
}

type Config struct {
	BotName string `json:"bot_name"`
	BotID   string `json:"bot_id,omitempty"`
	WebPort int    `json:"web_server_port,omitempty"`
}
