// Package session mirrors collaboration sessions into Redis so other
// processes and tools can see who is editing what, and announces flushes.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/golang/glog"
	"github.com/redis/go-redis/v9"

	"chronicle/collab/internal/collab"
	"chronicle/collab/internal/replica"
)

const FlushChannel = "collab:flushed"

// Entry is the stored form of one attached session.
type Entry struct {
	replica.Presence
	JoinedAt time.Time `json:"joined_at"`
}

// FlushNotice is published on FlushChannel after every successful flush.
type FlushNotice struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Version    uint64    `json:"version"`
	At         time.Time `json:"at"`
}

// RedisStore keeps one hash per document: presence:{document} maps session
// id to Entry. The hash expires if no session joins for ttl, which cleans up
// after processes that died without detaching.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

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

	return NewRedisStoreWithClient(client), nil
}

func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: "presence:",
		ttl:    12 * time.Hour,
	}
}

func (s *RedisStore) key(documentID string) string {
	return s.prefix + documentID
}

// Join records an attached session.
func (s *RedisStore) Join(ctx context.Context, documentID string, p replica.Presence) error {
	data, err := json.Marshal(Entry{Presence: p, JoinedAt: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	key := s.key(documentID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, p.SessionID, data)
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save presence: %w", err)
	}
	return nil
}

// Leave removes a session. Unknown sessions are not an error.
func (s *RedisStore) Leave(ctx context.Context, documentID, sessionID string) error {
	if err := s.client.HDel(ctx, s.key(documentID), sessionID).Err(); err != nil {
		return fmt.Errorf("remove presence: %w", err)
	}
	return nil
}

// List returns the sessions recorded for a document, oldest first.
func (s *RedisStore) List(ctx context.Context, documentID string) ([]Entry, error) {
	values, err := s.client.HGetAll(ctx, s.key(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}
	entries := make([]Entry, 0, len(values))
	for sessionID, raw := range values {
		var entry Entry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			glog.Warningf("presence %s/%s: %v", documentID, sessionID, err)
			continue
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].SessionID < entries[j].SessionID
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries, nil
}

// PublishFlush announces a flushed snapshot on FlushChannel.
func (s *RedisStore) PublishFlush(ctx context.Context, notice FlushNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal flush notice: %w", err)
	}
	if err := s.client.Publish(ctx, FlushChannel, data).Err(); err != nil {
		return fmt.Errorf("publish flush notice: %w", err)
	}
	return nil
}

// Flushed implements collab.FlushObserver.
func (s *RedisStore) Flushed(ctx context.Context, event collab.FlushEvent) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	err := s.PublishFlush(ctx, FlushNotice{
		ID:         event.ID,
		DocumentID: event.DocumentID,
		Version:    event.Version,
		At:         event.At,
	})
	if err != nil {
		glog.Warningf("flush notice for %s: %v", event.DocumentID, err)
	}
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
