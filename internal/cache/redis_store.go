package cache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisKey = "nlflow:selector-cache"

// RedisStore keeps the document as one JSON value, so workers on several
// hosts share the same cache.
type RedisStore struct {
	client redis.Cmdable
	key    string
}

func NewRedisStore(client redis.Cmdable, key string) *RedisStore {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) String() string { return "redis:" + s.key }

func (s *RedisStore) Load(ctx context.Context) (*Document, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, &IOError{Op: "read", Path: s.String(), Err: err}
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, &IOError{Op: "decode", Path: s.String(), Err: err}
	}
	return &doc, nil
}

func (s *RedisStore) Save(ctx context.Context, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return &IOError{Op: "encode", Path: s.String(), Err: err}
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return &IOError{Op: "write", Path: s.String(), Err: err}
	}
	return nil
}
