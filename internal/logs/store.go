// Package logs persists a queryable history of invocations in Redis
// Streams, keyed by function key and capped by age and count. This is the
// "what happened, and when" record; internal/logstream instead follows a
// single running container's stdout/stderr live and is never persisted.
package logs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	streamKeyPrefix = "kestrel:invocations:"
	entryTTL        = 24 * time.Hour
	maxEntries      = 10000 // per function key, approximate (XADD MAXLEN ~)
)

// Entry records one invocation's outcome. It has no notion of a container
// log line (that's logstream.Message); it's a summary row written once per
// Runtime.Invoke call.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	FunctionID string    `json:"function_id"`
	Function   string    `json:"function"`
	DurationMs int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
}

// Store is a Redis Streams-backed invocation history.
type Store struct {
	rdb *redis.Client
}

// NewStore wraps an existing Redis client. Callers share the persistence
// layer's connection rather than dialing a second one.
func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) key(functionKey string) string {
	return streamKeyPrefix + functionKey
}

// Append records one invocation entry, trimming the stream to roughly
// maxEntries and (re)setting its TTL.
func (s *Store) Append(ctx context.Context, entry Entry) error {
	key := s.key(entry.FunctionID)

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal invocation entry: %w", err)
	}

	if err := s.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: maxEntries,
		Approx: true,
		Values: map[string]interface{}{"data": string(data)},
	}).Err(); err != nil {
		return fmt.Errorf("append invocation entry for %s: %w", entry.FunctionID, err)
	}

	s.rdb.Expire(ctx, key, entryTTL)
	return nil
}

// QueryOptions narrows a Query call to a time window and a result cap.
type QueryOptions struct {
	FunctionKey string
	Since       time.Time
	Until       time.Time
	Limit       int64
}

// Query returns entries for a function within [Since, Until], oldest first.
func (s *Store) Query(ctx context.Context, opts QueryOptions) ([]Entry, error) {
	key := s.key(opts.FunctionKey)

	start, end := "-", "+"
	if !opts.Since.IsZero() {
		start = fmt.Sprintf("%d", opts.Since.UnixMilli())
	}
	if !opts.Until.IsZero() {
		end = fmt.Sprintf("%d", opts.Until.UnixMilli())
	}

	limit := opts.Limit
	if limit == 0 {
		limit = 100
	}

	messages, err := s.rdb.XRange(ctx, key, start, end).Result()
	if err != nil {
		return nil, fmt.Errorf("query invocation history for %s: %w", opts.FunctionKey, err)
	}

	entries := make([]Entry, 0, len(messages))
	for _, msg := range messages {
		entry, ok := decodeEntry(msg)
		if !ok {
			continue
		}
		entries = append(entries, entry)
		if int64(len(entries)) >= limit {
			break
		}
	}
	return entries, nil
}

// Recent returns the most recent count entries for a function, newest last.
func (s *Store) Recent(ctx context.Context, functionKey string, count int64) ([]Entry, error) {
	key := s.key(functionKey)
	if count == 0 {
		count = 50
	}

	messages, err := s.rdb.XRevRangeN(ctx, key, "+", "-", count).Result()
	if err != nil {
		return nil, fmt.Errorf("load recent invocations for %s: %w", functionKey, err)
	}

	entries := make([]Entry, 0, len(messages))
	for i := len(messages) - 1; i >= 0; i-- {
		if entry, ok := decodeEntry(messages[i]); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

// Tail streams newly appended entries for a function until ctx is canceled.
func (s *Store) Tail(ctx context.Context, functionKey string) (<-chan Entry, error) {
	key := s.key(functionKey)
	out := make(chan Entry, 100)

	go func() {
		defer close(out)
		lastID := "$"

		for {
			if ctx.Err() != nil {
				return
			}

			streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   100,
				Block:   time.Second,
			}).Result()
			if err == redis.Nil {
				continue
			}
			if err != nil {
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					entry, ok := decodeEntry(msg)
					if !ok {
						continue
					}
					select {
					case out <- entry:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

// Clear deletes a function's entire invocation history.
func (s *Store) Clear(ctx context.Context, functionKey string) error {
	return s.rdb.Del(ctx, s.key(functionKey)).Err()
}

func decodeEntry(msg redis.XMessage) (Entry, bool) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}
