package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const maxFrameSize = 1 << 20

type ClientOptions struct {
	QueueSize    int
	WriteTimeout time.Duration
	PongWait     time.Duration
}

func DefaultClientOptions() ClientOptions {
	return ClientOptions{
		QueueSize:    256,
		WriteTimeout: 5 * time.Second,
		PongWait:     60 * time.Second,
	}
}

// Client is one live connection of an identity. Outbound frames go through a
// bounded queue drained by WritePump; a full queue drops the frame.
type Client struct {
	ID       string
	Identity string

	ws   *websocket.Conn
	opt  ClientOptions
	out  chan []byte
	done chan struct{}
	once sync.Once
}

// NewClient wraps ws. ws may be nil for connections that are only drained
// through Outbound.
func NewClient(identity string, ws *websocket.Conn, opt ClientOptions) *Client {
	if opt.QueueSize <= 0 {
		opt.QueueSize = DefaultClientOptions().QueueSize
	}
	return &Client{
		ID:       uuid.NewString(),
		Identity: identity,
		ws:       ws,
		opt:      opt,
		out:      make(chan []byte, opt.QueueSize),
		done:     make(chan struct{}),
	}
}

// Enqueue queues frame without blocking. It reports false when the client is
// closed or its queue is full.
func (c *Client) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// Send encodes and queues one event for this connection only.
func (c *Client) Send(event string, payload any) bool {
	frame, err := Encode(event, payload)
	if err != nil {
		return false
	}
	return c.Enqueue(frame)
}

func (c *Client) Outbound() <-chan []byte { return c.out }

func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		if c.ws != nil {
			_ = c.ws.Close()
		}
	})
}

// ReadPump reads frames until the connection fails. onPong runs on every pong
// so callers can refresh heartbeats.
func (c *Client) ReadPump(handle func(Envelope), onPong func()) error {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	c.ws.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return c.ws.SetReadDeadline(time.Now().Add(c.opt.PongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return err
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			c.Send(EventError, ErrorPayload{Code: "bad_request", Message: "malformed frame"})
			continue
		}
		handle(env)
	}
}

// WritePump drains the outbound queue and keeps the connection alive with
// pings until the client is closed.
func (c *Client) WritePump() {
	ping := time.NewTicker(c.opt.PongWait * 9 / 10)
	defer func() {
		ping.Stop()
		c.Close()
	}()
	for {
		select {
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return
		case frame := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.opt.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ping.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.opt.WriteTimeout)); err != nil {
				return
			}
		}
	}
}
