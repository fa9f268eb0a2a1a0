package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisLog 把每个房间的日志存成一个 Redis list，RPUSH 保序。
type RedisLog struct {
	client *redis.Client
}

func NewRedisLog(ctx context.Context, redisURL string) (*RedisLog, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &RedisLog{client: client}, nil
}

func roomLogKey(room string) string {
	return fmt.Sprintf("room:%s:log", room)
}

func (l *RedisLog) Append(ctx context.Context, rec *Record) error {
	if rec.ID == "" || rec.Room == "" {
		return ErrEmptyRecord
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return l.client.RPush(ctx, roomLogKey(rec.Room), data).Err()
}

func (l *RedisLog) Replay(ctx context.Context, room string) ([]Record, error) {
	items, err := l.client.LRange(ctx, roomLogKey(room), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	recs := make([]Record, 0, len(items))
	for _, item := range items {
		var r Record
		if err := json.Unmarshal([]byte(item), &r); err != nil {
			return nil, err
		}
		recs = append(recs, r)
	}
	return recs, nil
}

func (l *RedisLog) Close() error { return l.client.Close() }
