package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel carries frames between relay instances.
const DefaultChannel = "pairchat:deliver"

// Delivery is a frame addressed to a participant connected to some relay
// instance.
type Delivery struct {
	To    string          `json:"to"`
	Frame json.RawMessage `json:"frame"`
}

// Bus fans frames out to every relay instance over Redis Pub/Sub. Each
// instance delivers the frames whose recipient it holds and ignores the
// rest.
type Bus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
}

func NewBus(client redis.UniversalClient, channel string, logger *slog.Logger) *Bus {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{client: client, channel: channel, logger: logger.With("component", "bus")}
}

func (b *Bus) Publish(ctx context.Context, to string, frame []byte) error {
	data, err := json.Marshal(Delivery{To: to, Frame: frame})
	if err != nil {
		return fmt.Errorf("marshal delivery: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish delivery for %s: %w", to, err)
	}
	return nil
}

// Subscribe calls deliver for every frame published until ctx is done. The
// subscription is established before Subscribe returns.
func (b *Bus) Subscribe(ctx context.Context, deliver func(to string, frame []byte)) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return fmt.Errorf("subscribe %s: %w", b.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var d Delivery
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					b.logger.Warn("dropping malformed delivery", "err", err)
					continue
				}
				deliver(d.To, d.Frame)
			}
		}
	}()
	return nil
}
