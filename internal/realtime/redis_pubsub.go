package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/invigilo/backend/internal/models"
)

const (
	channelPrefix  = "room:"
	publishTimeout = 5 * time.Second
)

// relayPayload is the message published to Redis for cross-instance room
// broadcast. Origin lets the publishing instance skip its own messages.
type relayPayload struct {
	Origin string          `json:"origin"`
	Event  string          `json:"event"`
	Data   json.RawMessage `json:"data"`
	Roles  []models.Role   `json:"roles,omitempty"`
	At     int64           `json:"at"`
}

// RedisRelay implements RoomRelay over Redis pub/sub.
type RedisRelay struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisRelay creates a Redis-backed room relay.
func NewRedisRelay(client *redis.Client, logger *zap.Logger) *RedisRelay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisRelay{client: client, logger: logger}
}

// PublishRoomEvent publishes an event to the room's Redis channel.
func (r *RedisRelay) PublishRoomEvent(origin, room, event string, payload []byte, roles []models.Role) error {
	body, err := json.Marshal(relayPayload{
		Origin: origin,
		Event:  event,
		Data:   payload,
		Roles:  roles,
		At:     time.Now().Unix(),
	})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return r.client.Publish(ctx, channelPrefix+room, body).Err()
}

// SubscribeRoom subscribes to a room's Redis channel and calls handler for
// each message. Returns a cancel function to stop the subscription.
func (r *RedisRelay) SubscribeRoom(room string, handler func(origin, event string, payload []byte, roles []models.Role)) (cancel func(), err error) {
	ctx, cancelCtx := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, channelPrefix+room)
	if _, err = pubsub.Receive(ctx); err != nil {
		cancelCtx()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	ch := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var p relayPayload
				if err := json.Unmarshal([]byte(msg.Payload), &p); err != nil {
					r.logger.Warn("malformed relay payload dropped", zap.String("room", room), zap.Error(err))
					continue
				}
				handler(p.Origin, p.Event, p.Data, p.Roles)
			}
		}
	}()
	return func() { cancelCtx() }, nil
}
