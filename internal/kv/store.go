// Package kv is the Redis-backed key-value store behind the Linear mirror
// and the admin layer.
package kv

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"signoff/api/internal/util"
)

var ErrNotFound = errors.New("kv: key not found")

const (
	fieldData      = "data"
	fieldHash      = "hash"
	fieldUpdatedAt = "updated_at"

	scanBatch = 200
)

// Store keeps JSON documents as Redis hashes carrying a content hash, and
// plain Redis sets for membership lists.
type Store struct {
	client *redis.Client
}

// Open connects to the Redis instance at redisURL.
func Open(redisURL string) (*Store, error) {
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
	return &Store{client: client}, nil
}

func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

// Client exposes the underlying connection for stores sharing it.
func (s *Store) Client() *redis.Client { return s.client }

func (s *Store) Close() error { return s.client.Close() }

func (s *Store) Ping(ctx context.Context) error { return s.client.Ping(ctx).Err() }

// ContentHash is the hex SHA-256 of a value's JSON encoding.
func ContentHash(value any) (string, []byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", nil, err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), data, nil
}

// Put upserts value at key. When the stored content hash already matches,
// nothing is written and changed is false.
func (s *Store) Put(ctx context.Context, key string, value any) (bool, error) {
	hash, data, err := ContentHash(value)
	if err != nil {
		return false, fmt.Errorf("marshal %s: %w", key, err)
	}
	current, err := s.client.HGet(ctx, key, fieldHash).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("read hash %s: %w", key, err)
	}
	if err == nil && current == hash {
		return false, nil
	}
	if err := s.client.HSet(ctx, key,
		fieldData, data,
		fieldHash, hash,
		fieldUpdatedAt, time.Now().UTC().Format(time.RFC3339Nano),
	).Err(); err != nil {
		return false, fmt.Errorf("write %s: %w", key, err)
	}
	return true, nil
}

// Get decodes the document at key into out.
func (s *Store) Get(ctx context.Context, key string, out any) error {
	data, err := s.client.HGet(ctx, key, fieldData).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %w", key, err)
	}
	return nil
}

// GetMany reads several documents in one round trip. Missing keys are
// skipped; the returned slice holds the raw JSON of found keys in key order.
func (s *Store) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGet(ctx, key, fieldData)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read batch: %w", err)
	}
	out := make([][]byte, 0, len(keys))
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read batch: %w", err)
		}
		out = append(out, data)
	}
	return out, nil
}

// Exists reports whether key holds a value.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (s *Store) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return n, nil
}

// Scan lists keys starting with prefix.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	pattern := escapeGlob(prefix) + "*"
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, scanBatch).Result()
		if err != nil {
			return nil, fmt.Errorf("scan %s: %w", prefix, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	sort.Strings(keys)
	return dedupeSorted(keys), nil
}

// InvalidatePrefix deletes every key starting with prefix, in batches.
func (s *Store) InvalidatePrefix(ctx context.Context, prefix string) (int64, error) {
	if prefix == "" {
		return 0, errors.New("kv: refusing to invalidate empty prefix")
	}
	keys, err := s.Scan(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var deleted int64
	for start := 0; start < len(keys); start += scanBatch {
		end := min(start+scanBatch, len(keys))
		n, err := s.Delete(ctx, keys[start:end]...)
		if err != nil {
			return deleted, err
		}
		deleted += n
	}
	return deleted, nil
}

// Members returns the sorted members of the set at key.
func (s *Store) Members(ctx context.Context, key string) ([]string, error) {
	members, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("members %s: %w", key, err)
	}
	sort.Strings(members)
	return members, nil
}

func (s *Store) AddMembers(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.SAdd(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("add members %s: %w", key, err)
	}
	return nil
}

func (s *Store) RemoveMembers(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	if err := s.client.SRem(ctx, key, toAny(members)...).Err(); err != nil {
		return fmt.Errorf("remove members %s: %w", key, err)
	}
	return nil
}

// ReplaceSet swaps the set at key for members. The new set is staged under a
// unique key and renamed over the old one, so readers see either the old or
// the new membership. An empty member list deletes the set.
func (s *Store) ReplaceSet(ctx context.Context, key string, members []string) error {
	if len(members) == 0 {
		if _, err := s.Delete(ctx, key); err != nil {
			return err
		}
		return nil
	}
	staging := key + ":staging:" + util.NewID("")
	pipe := s.client.TxPipeline()
	for start := 0; start < len(members); start += scanBatch {
		end := min(start+scanBatch, len(members))
		pipe.SAdd(ctx, staging, toAny(members[start:end])...)
	}
	pipe.Rename(ctx, staging, key)
	if _, err := pipe.Exec(ctx); err != nil {
		_ = s.client.Del(ctx, staging).Err()
		return fmt.Errorf("replace set %s: %w", key, err)
	}
	return nil
}

// escapeGlob quotes the characters SCAN MATCH treats specially.
func escapeGlob(value string) string {
	var b strings.Builder
	for _, r := range value {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteRune('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

func toAny(values []string) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func dedupeSorted(values []string) []string {
	if len(values) < 2 {
		return values
	}
	out := values[:1]
	for _, v := range values[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
