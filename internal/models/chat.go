package models

import "time"

type MessageType string

const (
	MessageText    MessageType = "text"
	MessageImage   MessageType = "image"
	MessageVoice   MessageType = "voice"
	MessageVideo   MessageType = "video"
	MessageFile    MessageType = "file"
	MessageCallLog MessageType = "call_log"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageText, MessageImage, MessageVoice, MessageVideo, MessageFile, MessageCallLog:
		return true
	}
	return false
}

type ChatRoom struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	IsGroup         bool      `json:"is_group"`
	Members         []string  `json:"members"`
	LatestMessageID string    `json:"latest_message_id,omitempty"`
	LatestSeq       int64     `json:"-"`
	CreatedAt       time.Time `json:"created_at"`
}

// ChatMessage is one entry of a room timeline. Content is either text or an
// opaque media reference; Seq is the commit order assigned by the store.
type ChatMessage struct {
	ID           string      `json:"id"`
	RoomID       string      `json:"room_id"`
	SenderID     string      `json:"sender_id"`
	Content      string      `json:"content"`
	Type         MessageType `json:"type"`
	FileName     string      `json:"file_name,omitempty"`
	CallDuration int         `json:"call_duration,omitempty"`
	Ephemeral    bool        `json:"ephemeral"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty"`
	ReadBy       []string    `json:"read_by"`
	Seq          int64       `json:"seq"`
	CreatedAt    time.Time   `json:"created_at"`
}
