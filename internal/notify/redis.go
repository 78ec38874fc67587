package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const publishTimeout = 2 * time.Second

// RedisPublisher publishes events as JSON on a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
	log     *logrus.Entry
}

// NewRedisPublisher connects to Redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, addr, password string, db int, channel string, log *logrus.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisPublisher{
		client:  client,
		channel: channel,
		log:     log.WithField("component", "notify"),
	}, nil
}

// Publish sends the event in the background with a bounded timeout.
// Failures are logged and swallowed.
func (p *RedisPublisher) Publish(ctx context.Context, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		p.log.WithError(err).WithField("type", event.Type).Warn("failed to encode event")
		return
	}

	go func() {
		pubCtx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()

		if err := p.client.Publish(pubCtx, p.channel, payload).Err(); err != nil {
			p.log.WithError(err).WithFields(logrus.Fields{
				"type":    event.Type,
				"file_id": event.FileID,
			}).Warn("failed to publish event")
		}
	}()
}

// Close closes the Redis client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}

// LogPublisher writes events to the structured log. Used when no Redis
// address is configured.
type LogPublisher struct {
	log *logrus.Entry
}

// NewLogPublisher creates a publisher that only logs.
func NewLogPublisher(log *logrus.Logger) *LogPublisher {
	return &LogPublisher{log: log.WithField("component", "notify")}
}

// Publish logs the event at debug level.
func (p *LogPublisher) Publish(ctx context.Context, event Event) {
	p.log.WithFields(logrus.Fields{
		"type":    event.Type,
		"file_id": event.FileID,
		"payload": event.Payload,
	}).Debug("upload event")
}

// Close is a no-op.
func (p *LogPublisher) Close() error { return nil }
