package stream

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"conduit/internal/observability"
)

// Relay publishes and subscribes chat frames over Redis pub/sub.
type Relay struct {
	rdb redis.UniversalClient
}

func NewRelay(rdb redis.UniversalClient) *Relay {
	return &Relay{rdb: rdb}
}

// Publish sends one frame to a channel. Workers call this per chunk.
func (r *Relay) Publish(ctx context.Context, channel string, f Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return r.rdb.Publish(ctx, channel, b).Err()
}

// Subscribe forwards frames from a channel to emit until a terminal frame, an
// idle timeout without traffic, emit failure, or context cancellation.
func (r *Relay) Subscribe(ctx context.Context, channel string, idleTimeout time.Duration, emit func(Frame) error) error {
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	sub := r.rdb.Subscribe(ctx, channel)
	defer func() { _ = sub.Close() }()

	// Confirm the subscription before the caller assumes delivery.
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	log := observability.LoggerWithTrace(ctx)
	ch := sub.Channel()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(idleTimeout)

			var f Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				log.Warn().Err(err).Str("channel", channel).Msg("relay_bad_frame")
				continue
			}
			if err := emit(f); err != nil {
				return err
			}
			if f.Terminal() {
				return nil
			}
		case <-idle.C:
			log.Debug().Str("channel", channel).Msg("relay_idle_timeout")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
