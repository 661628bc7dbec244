package telemetry

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the redis publisher.
type RedisOptions struct {
	Addr     string
	Password string
	// Channel receives one JSON message per round.
	Channel string
	// PresenceTTL bounds how long a participant hash outlives its last update.
	PresenceTTL time.Duration
}

// RedisPublisher publishes rounds on a pub/sub channel and keeps a presence
// hash per participant.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	ttl     time.Duration
}

// NewRedisPublisher connects and pings redis. Callers are expected to run
// without telemetry when it fails.
func NewRedisPublisher(ctx context.Context, opts RedisOptions) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       0,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("telemetry: redis ping %s: %w", opts.Addr, err)
	}

	if opts.Channel == "" {
		opts.Channel = "gambiarra:rounds"
	}
	if opts.PresenceTTL <= 0 {
		opts.PresenceTTL = 30 * time.Minute
	}
	return &RedisPublisher{client: client, channel: opts.Channel, ttl: opts.PresenceTTL}, nil
}

// PublishRound publishes r and refreshes the participant's last round.
func (p *RedisPublisher) PublishRound(ctx context.Context, r Round) error {
	payload, err := sonic.Marshal(r)
	if err != nil {
		return fmt.Errorf("telemetry: encode round: %w", err)
	}

	key := presenceKey(r.ParticipantID)
	_, err = p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Publish(ctx, p.channel, payload)
		pipe.HSet(ctx, key, map[string]interface{}{
			"last_round":   r.Round,
			"last_outcome": r.Outcome,
			"last_seen":    r.FinishedAt.Format(time.RFC3339),
		})
		pipe.HIncrBy(ctx, key, "tokens", int64(r.Tokens))
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("telemetry: publish round %d: %w", r.Round, err)
	}
	return nil
}

// Announce records the participant's connection state.
func (p *RedisPublisher) Announce(ctx context.Context, participantID, nickname, state string) error {
	key := presenceKey(participantID)
	_, err := p.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]interface{}{
			"nickname":  nickname,
			"state":     state,
			"last_seen": time.Now().UTC().Format(time.RFC3339),
		})
		pipe.SAdd(ctx, "participants", participantID)
		pipe.Expire(ctx, key, p.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("telemetry: announce %s: %w", participantID, err)
	}
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

func presenceKey(participantID string) string {
	return "participant:" + participantID
}
