// Package relay fans applied log entries out over Redis pub/sub so other
// consumers can tail a task without opening their own stream.
package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/gosuda/auditwatch/internal/domain"
)

// Message is the payload published for every applied log entry.
type Message struct {
	Instance string          `json:"instance"`
	TaskID   string          `json:"task_id"`
	Entry    domain.LogEntry `json:"entry"`
}

type Relay struct {
	client   *redis.Client
	instance string
}

// New connects to the Redis server at url (redis://[:password@]host:port/db).
func New(ctx context.Context, url string) (*Relay, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("relay.New: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("relay.New: ping: %w", err)
	}

	return &Relay{client: client, instance: uuid.NewString()}, nil
}

// Instance identifies this consumer in published messages.
func (r *Relay) Instance() string {
	return r.instance
}

func (r *Relay) Close() error {
	if err := r.client.Close(); err != nil {
		return fmt.Errorf("relay.Relay.Close: %w", err)
	}
	return nil
}

func (r *Relay) PublishLog(ctx context.Context, taskID string, entry domain.LogEntry) error {
	payload, err := json.Marshal(Message{Instance: r.instance, TaskID: taskID, Entry: entry})
	if err != nil {
		return fmt.Errorf("relay.Relay.PublishLog: %w", err)
	}
	if err := r.client.Publish(ctx, LogsChannel(taskID), payload).Err(); err != nil {
		return fmt.Errorf("relay.Relay.PublishLog: %w", err)
	}
	return nil
}

// Subscribe tails the log channel of taskID. Undecodable payloads are skipped.
// The returned channel closes when ctx is done or the subscription ends.
func (r *Relay) Subscribe(ctx context.Context, taskID string) (<-chan Message, func(), error) {
	sub := r.client.Subscribe(ctx, LogsChannel(taskID))

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("relay.Relay.Subscribe: receive confirmation: %w", err)
	}

	out := make(chan Message, 64)
	redisCh := sub.Channel()

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-redisCh:
				if !ok {
					return
				}
				m, err := DecodeMessage([]byte(msg.Payload))
				if err != nil {
					continue
				}
				select {
				case out <- m:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func DecodeMessage(payload []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(payload, &m); err != nil {
		return Message{}, fmt.Errorf("relay.DecodeMessage: %w", err)
	}
	return m, nil
}

// LogsChannel returns the Redis channel carrying a task's log entries.
func LogsChannel(taskID string) string {
	return "audit:" + taskID + ":logs"
}
