package realtime

import "encoding/json"

// Inbound events.
const (
	EventJoinRoom      = "join_room"
	EventLeaveRoom     = "leave_room"
	EventSendMessage   = "send_message"
	EventDeleteMessage = "delete_message"
	EventTyping        = "typing"
	EventStopTyping    = "stop_typing"
	EventCallInitiate  = "call_initiate"
	EventCallAccept    = "call_accept"
	EventCallReject    = "call_reject"
	EventCallTerminate = "call_terminate"
	EventCallSignal    = "call_signal"
)

// Outbound events.
const (
	EventRoomJoined           = "room_joined"
	EventMessageReceived      = "message_received"
	EventMessageSendAck       = "message_send_ack"
	EventMessagePurged        = "message_purged"
	EventMessageDeleted       = "message_deleted"
	EventPresenceChanged      = "presence_changed"
	EventIncomingCall         = "incoming_call"
	EventCallInitiated        = "call_initiated"
	EventCallAccepted         = "call_accepted"
	EventCallRejected         = "call_rejected"
	EventCallEnded            = "call_ended"
	EventNotificationReceived = "notification_received"
	EventError                = "error"
)

// Envelope is the frame format in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type outbound struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// Encode renders one outbound frame.
func Encode(event string, payload any) ([]byte, error) {
	return json.Marshal(outbound{Event: event, Data: payload})
}

type PresencePayload struct {
	Identity string `json:"identity"`
	IsOnline bool   `json:"isOnline"`
}

type ErrorPayload struct {
	Event   string `json:"event"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
