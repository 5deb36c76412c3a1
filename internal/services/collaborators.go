package services

import "context"

// Broadcaster delivers events to connected clients. realtime.Router
// implements it.
type Broadcaster interface {
	Fanout(ctx context.Context, roomID, event string, payload any, excludeConn string) error
	SendToIdentity(ctx context.Context, identity, event string, payload any) error
	SendToConn(ctx context.Context, connID, event string, payload any) error
}

// Presence answers whether an identity can be reached right now.
// realtime.Registry implements it.
type Presence interface {
	HasLiveConnections(ctx context.Context, identity string) (bool, error)
}
