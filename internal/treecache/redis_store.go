// Package treecache provides a Redis-backed cache for rendered trees and
// materialized node paths. Entries are invalidated with the id sets the path
// maintainer reports after a mutation.
package treecache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultTTL = 5 * time.Minute

// RedisStore implements tree and path caching using Redis
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a new Redis-backed tree cache
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, ttl: defaultTTL}, nil
}

// NewRedisStoreWithClient creates a cache from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, ttl: defaultTTL}
}

func treeKey(kind string) string {
	return "tree:" + kind
}

func pathKey(kind, nodeID string) string {
	return "path:" + kind + ":" + nodeID
}

// GetTree returns the cached rendered tree for a kind, if present
func (s *RedisStore) GetTree(ctx context.Context, kind string) ([]byte, bool, error) {
	payload, err := s.client.Get(ctx, treeKey(kind)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached tree: %w", err)
	}
	return payload, true, nil
}

// SetTree caches the rendered tree for a kind
func (s *RedisStore) SetTree(ctx context.Context, kind string, payload []byte) error {
	if err := s.client.Set(ctx, treeKey(kind), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache tree: %w", err)
	}
	return nil
}

// GetPath returns the cached materialized path of a node, if present
func (s *RedisStore) GetPath(ctx context.Context, kind, nodeID string) (string, bool, error) {
	path, err := s.client.Get(ctx, pathKey(kind, nodeID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get cached path: %w", err)
	}
	return path, true, nil
}

// SetPath caches the materialized path of a node
func (s *RedisStore) SetPath(ctx context.Context, kind, nodeID, path string) error {
	if err := s.client.Set(ctx, pathKey(kind, nodeID), path, s.ttl).Err(); err != nil {
		return fmt.Errorf("cache path: %w", err)
	}
	return nil
}

// InvalidateNodes drops the cached paths of the given nodes plus the rendered
// tree of their kind. Called with the changed-id set a batch mutation returns.
func (s *RedisStore) InvalidateNodes(ctx context.Context, kind string, nodeIDs []string) error {
	keys := make([]string, 0, len(nodeIDs)+1)
	keys = append(keys, treeKey(kind))
	for _, id := range nodeIDs {
		keys = append(keys, pathKey(kind, id))
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("invalidate nodes: %w", err)
	}
	return nil
}

// InvalidateTree drops only the rendered tree for a kind
func (s *RedisStore) InvalidateTree(ctx context.Context, kind string) error {
	if err := s.client.Del(ctx, treeKey(kind)).Err(); err != nil {
		return fmt.Errorf("invalidate tree: %w", err)
	}
	return nil
}

// Close closes the Redis connection
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
