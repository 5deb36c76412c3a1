package realtime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Delivery scopes.
const (
	ScopeRoom     = "room"
	ScopeIdentity = "identity"
	ScopeConn     = "conn"
	ScopeAll      = "all"
)

// Delivery is one encoded frame addressed to a set of connections. It is
// what travels between processes.
type Delivery struct {
	Scope   string          `json:"scope"`
	Target  string          `json:"target,omitempty"`
	Exclude string          `json:"exclude,omitempty"`
	Frame   json.RawMessage `json:"frame"`
}

// Bus moves deliveries to every process that may hold a recipient. Each
// process hands received deliveries to its own Router.
type Bus interface {
	Publish(ctx context.Context, d Delivery) error
	Run(ctx context.Context) error
}

type localBus struct {
	deliver func(Delivery) int
}

// NewLocalBus delivers synchronously within this process.
func NewLocalBus(deliver func(Delivery) int) Bus {
	return &localBus{deliver: deliver}
}

func (b *localBus) Publish(_ context.Context, d Delivery) error {
	b.deliver(d)
	return nil
}

func (b *localBus) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

type redisBus struct {
	cli     *redis.Client
	channel string
	deliver func(Delivery) int
	log     *zap.Logger
	ready   chan struct{}
}

// NewRedisBus publishes every delivery on one pub/sub channel. Publishers
// receive their own messages back, so local delivery also goes through Redis
// and keeps per-room order.
func NewRedisBus(cli *redis.Client, channel string, deliver func(Delivery) int, log *zap.Logger) Bus {
	return &redisBus{
		cli:     cli,
		channel: channel,
		deliver: deliver,
		log:     log,
		ready:   make(chan struct{}),
	}
}

func (b *redisBus) Publish(ctx context.Context, d Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return b.cli.Publish(ctx, b.channel, data).Err()
}

func (b *redisBus) Run(ctx context.Context) error {
	sub := b.cli.Subscribe(ctx, b.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	close(b.ready)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var d Delivery
			if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
				b.log.Warn("bad delivery on bus", zap.Error(err))
				continue
			}
			b.deliver(d)
		}
	}
}

// Ready is closed once the subscription is confirmed.
func (b *redisBus) Ready() <-chan struct{} { return b.ready }
