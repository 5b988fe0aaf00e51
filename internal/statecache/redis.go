package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-capture/internal/config"
	"github.com/loqalabs/loqa-capture/internal/objective"
	"github.com/redis/go-redis/v9"
)

// Redis stores one hash per trace, objective ID to JSON snapshot, expiring
// ttl after the last write.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(cfg config.CacheConfig) *Redis {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Redis{client: rdb, ttl: time.Duration(cfg.TTLSeconds) * time.Second}
}

// Open returns the cache cfg selects.
func Open(ctx context.Context, cfg config.CacheConfig) (Cache, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	c := NewRedis(cfg)
	if err := c.Ping(ctx); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

func key(traceID string) string {
	return fmt.Sprintf("capture:objectives:%s", traceID)
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *Redis) Put(ctx context.Context, traceID string, obj objective.Objective) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("encode objective %s: %w", obj.ID, err)
	}
	k := key(traceID)
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, k, obj.ID, data)
	if r.ttl > 0 {
		pipe.Expire(ctx, k, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache objective %s: %w", obj.ID, err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, traceID, objectiveID string) (objective.Objective, bool, error) {
	data, err := r.client.HGet(ctx, key(traceID), objectiveID).Bytes()
	if errors.Is(err, redis.Nil) {
		return objective.Objective{}, false, nil
	}
	if err != nil {
		return objective.Objective{}, false, fmt.Errorf("read cached objective %s: %w", objectiveID, err)
	}
	var obj objective.Objective
	if err := json.Unmarshal(data, &obj); err != nil {
		return objective.Objective{}, false, fmt.Errorf("decode cached objective %s: %w", objectiveID, err)
	}
	return obj, true, nil
}

func (r *Redis) List(ctx context.Context, traceID string) ([]objective.Objective, error) {
	fields, err := r.client.HGetAll(ctx, key(traceID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list cached objectives: %w", err)
	}
	objs := make(map[string]objective.Objective, len(fields))
	for id, data := range fields {
		var obj objective.Objective
		if err := json.Unmarshal([]byte(data), &obj); err != nil {
			return nil, fmt.Errorf("decode cached objective %s: %w", id, err)
		}
		objs[id] = obj
	}
	return sortedObjectives(objs), nil
}

func (r *Redis) Drop(ctx context.Context, traceID string) error {
	if err := r.client.Del(ctx, key(traceID)).Err(); err != nil {
		return fmt.Errorf("drop cached trace: %w", err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
