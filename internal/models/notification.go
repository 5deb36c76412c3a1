package models

import "time"

type NotificationType string

const (
	NotifyNewMessage     NotificationType = "NEW_MESSAGE"
	NotifyGroupInvite    NotificationType = "GROUP_INVITE"
	NotifyFriendRequest  NotificationType = "FRIEND_REQUEST"
	NotifyFriendAccepted NotificationType = "FRIEND_ACCEPTED"
	NotifySystem         NotificationType = "SYSTEM"
	NotifyMissedCall     NotificationType = "MISSED_CALL"
)

func (t NotificationType) Valid() bool {
	switch t {
	case NotifyNewMessage, NotifyGroupInvite, NotifyFriendRequest, NotifyFriendAccepted, NotifySystem, NotifyMissedCall:
		return true
	}
	return false
}

type Notification struct {
	ID          string           `json:"id"`
	RecipientID string           `json:"recipient_id"`
	SenderID    string           `json:"sender_id,omitempty"`
	Content     string           `json:"content"`
	Type        NotificationType `json:"type"`
	RoomID      string           `json:"room_id,omitempty"`
	IsRead      bool             `json:"is_read"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NotificationTarget holds the out-of-band addresses for a recipient.
type NotificationTarget struct {
	UserID         string `json:"user_id"`
	Email          string `json:"email,omitempty"`
	TelegramChatID int64  `json:"telegram_chat_id,omitempty"`
}
