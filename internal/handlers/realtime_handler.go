package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"gossiphub/internal/middleware"
	"gossiphub/internal/models"
	"gossiphub/internal/realtime"
	"gossiphub/internal/services"
)

// RealtimeHandler upgrades authenticated requests to websockets and
// dispatches their events. Each connection is served by its own read and
// write goroutines; a failure in one dispatch only affects that connection.
type RealtimeHandler struct {
	auth     *middleware.Authenticator
	upgrader *websocket.Upgrader
	registry *realtime.Registry
	router   *realtime.Router
	chats    *services.ChatService
	messages *services.MessageService
	calls    *services.CallService
	opt      realtime.ClientOptions
	log      *zap.Logger
}

type RealtimeDeps struct {
	Auth     *middleware.Authenticator
	Upgrader *websocket.Upgrader
	Registry *realtime.Registry
	Router   *realtime.Router
	Chats    *services.ChatService
	Messages *services.MessageService
	Calls    *services.CallService
	Options  realtime.ClientOptions
	Log      *zap.Logger
}

func NewRealtimeHandler(d RealtimeDeps) *RealtimeHandler {
	return &RealtimeHandler{
		auth:     d.Auth,
		upgrader: d.Upgrader,
		registry: d.Registry,
		router:   d.Router,
		chats:    d.Chats,
		messages: d.Messages,
		calls:    d.Calls,
		opt:      d.Options,
		log:      d.Log,
	}
}

type roomRef struct {
	RoomID string `json:"roomId"`
}

type sendMessageEvent struct {
	Content   string             `json:"content"`
	Type      models.MessageType `json:"type"`
	RoomID    string             `json:"roomId"`
	Ephemeral bool               `json:"ephemeral"`
	TempID    string             `json:"tempId"`
	FileName  string             `json:"fileName"`
}

type messageRef struct {
	MessageID string `json:"messageId"`
}

type callInitiateEvent struct {
	CalleeID  string           `json:"calleeId"`
	Offer     json.RawMessage  `json:"offer"`
	MediaKind models.MediaKind `json:"mediaKind"`
	RoomID    string           `json:"roomId"`
}

type callAcceptEvent struct {
	SessionID string          `json:"sessionId"`
	Answer    json.RawMessage `json:"answer"`
}

type callRef struct {
	SessionID string `json:"sessionId"`
}

type callTerminateEvent struct {
	SessionID string `json:"sessionId"`
	Duration  int    `json:"duration"`
}

type callSignalEvent struct {
	SessionID string        `json:"sessionId"`
	Signal    models.Signal `json:"signal"`
}

// @Summary      Realtime websocket
// @Description  Bearer token in the Authorization header or the token query parameter. Frames are {"event","data"} JSON objects.
// @Tags         Realtime
// @Param        token  query  string  false  "Access token"
// @Success      101
// @Failure      401  {object}  map[string]string
// @Router       /ws [get]
func (h *RealtimeHandler) Serve(c *gin.Context) {
	identity, err := h.auth.Authenticate(c.Request)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid or expired token", "code": "unauthenticated"})
		return
	}
	ws, err := realtime.Upgrade(h.upgrader, c.Writer, c.Request)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.String("identity", identity), zap.Error(err))
		return
	}

	ctx := context.WithoutCancel(c.Request.Context())
	client := realtime.NewClient(identity, ws, h.opt)
	if err := h.registry.Register(ctx, client); err != nil {
		h.log.Error("register connection failed", zap.String("identity", identity), zap.Error(err))
		client.Close()
		return
	}
	log := h.log.With(zap.String("identity", identity), zap.String("conn", client.ID))
	log.Info("connection opened")

	go client.WritePump()
	err = client.ReadPump(
		func(env realtime.Envelope) { h.dispatch(ctx, client, env) },
		func() {
			if err := h.registry.Touch(ctx, client); err != nil {
				log.Debug("heartbeat failed", zap.Error(err))
			}
		},
	)
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Debug("connection read ended", zap.Error(err))
	}
	h.disconnect(ctx, client, log)
}

func (h *RealtimeHandler) disconnect(ctx context.Context, client *realtime.Client, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	h.router.Detach(client)
	client.Close()
	localLeft, err := h.registry.Deregister(ctx, client)
	if err != nil {
		log.Warn("deregister failed", zap.Error(err))
	}
	log.Info("connection closed")
	if localLeft {
		return
	}
	live, err := h.registry.HasLiveConnections(ctx, client.Identity)
	if err != nil || live {
		return
	}
	if err := h.calls.HandleDisconnect(ctx, client.Identity); err != nil {
		log.Warn("closing calls failed", zap.Error(err))
	}
}

func (h *RealtimeHandler) dispatch(ctx context.Context, client *realtime.Client, env realtime.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("panic in event handler", zap.String("event", env.Event), zap.String("conn", client.ID), zap.Any("panic", r), zap.Stack("stack"))
			client.Send(realtime.EventError, realtime.ErrorPayload{Event: env.Event, Code: "internal", Message: "internal error"})
		}
	}()
	if err := h.handle(ctx, client, env); err != nil {
		status, code := classify(err)
		if status >= http.StatusInternalServerError {
			h.log.Warn("event failed", zap.String("event", env.Event), zap.String("conn", client.ID), zap.Error(err))
		}
		client.Send(realtime.EventError, realtime.ErrorPayload{Event: env.Event, Code: code, Message: publicMessage(err, status)})
	}
}

var errUnknownEvent = errors.New("unknown event")

func decode(env realtime.Envelope, v any) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s needs a payload", services.ErrInvalidInput, env.Event)
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("%w: %v", services.ErrInvalidInput, err)
	}
	return nil
}

func (h *RealtimeHandler) handle(ctx context.Context, client *realtime.Client, env realtime.Envelope) error {
	who := client.Identity
	switch env.Event {
	case realtime.EventJoinRoom:
		var req roomRef
		if err := decode(env, &req); err != nil {
			return err
		}
		if err := h.chats.RequireMember(ctx, req.RoomID, who); err != nil {
			return err
		}
		h.router.Join(req.RoomID, client)
		client.Send(realtime.EventRoomJoined, req)
		return nil

	case realtime.EventLeaveRoom:
		var req roomRef
		if err := decode(env, &req); err != nil {
			return err
		}
		h.router.Leave(req.RoomID, client)
		return nil

	case realtime.EventSendMessage:
		var req sendMessageEvent
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := h.messages.Send(ctx, services.SendInput{
			Sender:    who,
			RoomID:    req.RoomID,
			Content:   req.Content,
			Type:      req.Type,
			Ephemeral: req.Ephemeral,
			TempID:    req.TempID,
			FileName:  req.FileName,
			Origin:    client.ID,
		})
		return err

	case realtime.EventDeleteMessage:
		var req messageRef
		if err := decode(env, &req); err != nil {
			return err
		}
		return h.messages.Delete(ctx, who, req.MessageID)

	case realtime.EventTyping, realtime.EventStopTyping:
		var req roomRef
		if err := decode(env, &req); err != nil {
			return err
		}
		return h.messages.Typing(ctx, who, req.RoomID, client.ID, env.Event == realtime.EventStopTyping)

	case realtime.EventCallInitiate:
		var req callInitiateEvent
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := h.calls.Initiate(ctx, services.InitiateInput{
			Caller: who,
			Callee: req.CalleeID,
			Kind:   req.MediaKind,
			RoomID: req.RoomID,
			Offer:  req.Offer,
			Origin: client.ID,
		})
		return err

	case realtime.EventCallAccept:
		var req callAcceptEvent
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := h.calls.Accept(ctx, who, req.SessionID, req.Answer)
		return err

	case realtime.EventCallReject:
		var req callRef
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := h.calls.Reject(ctx, who, req.SessionID)
		return err

	case realtime.EventCallTerminate:
		var req callTerminateEvent
		if err := decode(env, &req); err != nil {
			return err
		}
		_, err := h.calls.Terminate(ctx, who, req.SessionID, req.Duration)
		return err

	case realtime.EventCallSignal:
		var req callSignalEvent
		if err := decode(env, &req); err != nil {
			return err
		}
		return h.calls.Relay(ctx, who, req.SessionID, req.Signal)
	}
	return fmt.Errorf("%w: %w %q", services.ErrInvalidInput, errUnknownEvent, env.Event)
}
