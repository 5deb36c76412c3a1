package models

import (
	"encoding/json"
	"time"
)

type MediaKind string

const (
	MediaVoice MediaKind = "voice"
	MediaVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaVoice || k == MediaVideo
}

// Label is the human form used in call log bubbles.
func (k MediaKind) Label() string {
	if k == MediaVideo {
		return "Video"
	}
	return "Voice"
}

type CallStatus string

const (
	CallRinging   CallStatus = "ringing"
	CallAccepted  CallStatus = "accepted"
	CallRejected  CallStatus = "rejected"
	CallCompleted CallStatus = "completed"
	CallMissed    CallStatus = "missed"
)

func (s CallStatus) Terminal() bool {
	return s == CallRejected || s == CallCompleted || s == CallMissed
}

type CallSession struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	CalleeID   string     `json:"callee_id"`
	Kind       MediaKind  `json:"media_kind"`
	Status     CallStatus `json:"status"`
	RoomID     string     `json:"room_id"`
	StartedAt  time.Time  `json:"started_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Duration   int        `json:"duration"`
}

// Peer returns the other participant, or "" if identity is not a participant.
func (c *CallSession) Peer(identity string) string {
	switch identity {
	case c.CallerID:
		return c.CalleeID
	case c.CalleeID:
		return c.CallerID
	}
	return ""
}

type SignalKind string

const (
	SignalOffer     SignalKind = "offer"
	SignalAnswer    SignalKind = "answer"
	SignalCandidate SignalKind = "candidate"
)

func (k SignalKind) Valid() bool {
	return k == SignalOffer || k == SignalAnswer || k == SignalCandidate
}

// Signal is a peer negotiation payload. The server never looks inside Payload.
type Signal struct {
	Kind    SignalKind      `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}
