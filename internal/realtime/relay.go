package realtime

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quizarena/live/internal/domain"
	"github.com/quizarena/live/pkg/http/ws"
)

const (
	opJoin  = "join"
	opLeave = "leave"
	opRoom  = "room"
	opUser  = "user"
)

type envelope struct {
	Op      string      `json:"op"`
	Room    string      `json:"room,omitempty"`
	UserID  string      `json:"user_id,omitempty"`
	Message *ws.Message `json:"message,omitempty"`
}

// Relay is an Emitter that fans every operation out over Redis Pub/Sub so
// each API instance applies it to the sockets it holds. Operations are only
// applied on receipt, including on the publishing instance.
type Relay struct {
	redis   *redis.Client
	hub     *ws.Hub
	channel string
	logger  zerolog.Logger
}

// NewRelay creates a Pub/Sub powered emitter.
func NewRelay(redis *redis.Client, hub *ws.Hub, channel string, logger zerolog.Logger) *Relay {
	if channel == "" {
		channel = "live:realtime"
	}
	return &Relay{
		redis:   redis,
		hub:     hub,
		channel: channel,
		logger:  logger.With().Str("component", "realtime_relay").Logger(),
	}
}

func (r *Relay) Join(ctx context.Context, room, userID string) error {
	return r.publish(ctx, envelope{Op: opJoin, Room: room, UserID: userID})
}

func (r *Relay) Leave(ctx context.Context, room, userID string) error {
	return r.publish(ctx, envelope{Op: opLeave, Room: room, UserID: userID})
}

func (r *Relay) ToRoom(ctx context.Context, room string, msg ws.Message) error {
	return r.publish(ctx, envelope{Op: opRoom, Room: room, Message: &msg})
}

func (r *Relay) ToUser(ctx context.Context, userID string, msg ws.Message) error {
	return r.publish(ctx, envelope{Op: opUser, UserID: userID, Message: &msg})
}

func (r *Relay) publish(ctx context.Context, env envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if err := r.redis.Publish(ctx, r.channel, data).Err(); err != nil {
		return fmt.Errorf("%w: publish realtime event: %v", domain.ErrUnavailable, err)
	}
	return nil
}

// Run subscribes to the relay channel and blocks until the context is cancelled.
// ready, if non-nil, is closed once the subscription is confirmed.
func (r *Relay) Run(ctx context.Context, ready chan<- struct{}) error {
	sub := r.redis.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}
	if ready != nil {
		close(ready)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.apply(msg.Payload)
		}
	}
}

func (r *Relay) apply(payload string) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		r.logger.Warn().Err(err).Msg("failed to decode relay payload")
		return
	}

	switch env.Op {
	case opJoin:
		r.hub.Join(env.Room, env.UserID)
	case opLeave:
		r.hub.Leave(env.Room, env.UserID)
	case opRoom:
		if env.Message != nil {
			_ = r.hub.BroadcastToRoom(env.Room, *env.Message)
		}
	case opUser:
		if env.Message != nil {
			_ = r.hub.SendToUser(env.UserID, *env.Message)
		}
	default:
		r.logger.Warn().Str("op", env.Op).Msg("unknown relay op")
	}
}
