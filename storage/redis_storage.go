package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/vultisig/txrelay/config"
	"github.com/vultisig/txrelay/contexthelper"
	"github.com/vultisig/txrelay/internal/types"
)

const statusChannelPrefix = "txrelay:tx:"

// StatusChannel is the pub/sub channel carrying status events of queueID.
func StatusChannel(queueID uuid.UUID) string {
	return statusChannelPrefix + queueID.String()
}

type RedisStorage struct {
	cfg    config.Config
	client *redis.Client
}

func NewRedisStorage(cfg config.Config) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Host + ":" + cfg.Redis.Port,
		Username: cfg.Redis.User,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	status := client.Ping(context.Background())
	if status.Err() != nil {
		return nil, status.Err()
	}
	return &RedisStorage{
		cfg:    cfg,
		client: client,
	}, nil
}

// NewRedisStorageFromClient wraps an existing client.
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client}
}

func (r *RedisStorage) PublishStatus(ctx context.Context, event types.StatusEvent) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("fail to serialize status event to json, err: %w", err)
	}
	return r.client.Publish(ctx, StatusChannel(event.QueueID), eventJSON).Err()
}

// SubscribeStatus streams status events of queueID until ctx is done or the
// returned close function is called.
func (r *RedisStorage) SubscribeStatus(ctx context.Context, queueID uuid.UUID) (<-chan types.StatusEvent, func() error, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, nil, ctx.Err()
	}
	sub := r.client.Subscribe(ctx, StatusChannel(queueID))
	// wait for the subscription confirmation so no event published after return is missed
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("fail to subscribe to status events, err: %w", err)
	}

	events := make(chan types.StatusEvent, 8)
	go func() {
		defer close(events)
		for msg := range sub.Channel() {
			var event types.StatusEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				continue
			}
			select {
			case events <- event:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, sub.Close, nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}
