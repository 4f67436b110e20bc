package bus

import "time"

// InboundMessage is a chat message delivered by a host transport for
// orchestration. Platform is an opaque tag; the core never interprets it.
type InboundMessage struct {
	Platform  string            `json:"platform"`
	ChannelID string            `json:"channel_id"`
	SenderID  string            `json:"sender_id"`
	Content   string            `json:"content"`
	IsHuman   bool              `json:"is_human"`
	AgentID   string            `json:"agent_id,omitempty"`
	Thread    string            `json:"thread,omitempty"`
	Source    string            `json:"source,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Notification is an outbound message on its way to a chat surface.
type Notification struct {
	ChannelID string `json:"channel_id"`
	Text      string `json:"text"`
	Platform  string `json:"platform"`
}

// ChatNotifyFunc is the host-registered delivery callback.
type ChatNotifyFunc func(channelID, text, platform string)
