package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const streamPrefix = "conductor:conversation:"

const (
	tailBackoffMin = 100 * time.Millisecond
	tailBackoffMax = 5 * time.Second
)

// RedisMirror copies bus history into Redis Streams, one stream per
// conversation trimmed to MaxHistory entries, so other processes can
// replay or tail conversations.
type RedisMirror struct {
	rdb    *redis.Client
	queue  chan Message
	done   chan struct{}
	mu     sync.RWMutex
	closed bool
	logger *zap.Logger
}

// NewRedisMirror connects to Redis and starts the write loop.
func NewRedisMirror(redisURL string, logger *zap.Logger) (*RedisMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	m := &RedisMirror{
		rdb:    rdb,
		queue:  make(chan Message, 256),
		done:   make(chan struct{}),
		logger: logger,
	}
	go m.loop()
	return m, nil
}

// Record enqueues msg for mirroring. It never blocks SendMessage; when the
// queue is full the message is dropped from the mirror only.
func (m *RedisMirror) Record(msg Message) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return
	}
	select {
	case m.queue <- msg:
	default:
		m.logger.Warn("redis mirror queue full, dropping message", zap.String("id", msg.ID))
	}
}

func (m *RedisMirror) loop() {
	defer close(m.done)
	for msg := range m.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := m.write(ctx, msg); err != nil {
			m.logger.Warn("mirror message failed", zap.String("id", msg.ID), zap.Error(err))
		}
		cancel()
	}
}

func (m *RedisMirror) write(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	stream := streamPrefix + msg.Conversation()
	_, err = m.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: MaxHistory,
		Values: map[string]interface{}{
			"data": string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", stream, err)
	}
	return nil
}

// History reads up to limit of the most recent mirrored messages of a
// conversation, oldest first.
func (m *RedisMirror) History(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > MaxHistory {
		limit = MaxHistory
	}
	entries, err := m.rdb.XRevRangeN(ctx, streamPrefix+conversationID, "+", "-", int64(limit)).Result()
	if err != nil {
		return nil, fmt.Errorf("read history %s: %w", conversationID, err)
	}
	out := make([]Message, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		if msg, ok := decodeEntry(entries[i]); ok {
			out = append(out, msg)
		}
	}
	return out, nil
}

// Tail streams messages appended to a conversation after the call.
// Cancel the context to stop.
func (m *RedisMirror) Tail(ctx context.Context, conversationID string) <-chan Message {
	ch := make(chan Message, 16)
	stream := streamPrefix + conversationID

	go func() {
		defer close(ch)
		lastID := "$"
		backoff := tailBackoffMin

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			results, err := m.rdb.XRead(ctx, &redis.XReadArgs{
				Streams: []string{stream, lastID},
				Count:   10,
				Block:   2 * time.Second,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, redis.ErrClosed) {
					return
				}
				m.logger.Warn("tail read failed",
					zap.String("conversation", conversationID),
					zap.Duration("retry_in", backoff),
					zap.Error(err))
				select {
				case <-time.After(backoff):
				case <-ctx.Done():
					return
				}
				backoff = min(backoff*2, tailBackoffMax)
				continue
			}
			backoff = tailBackoffMin

			for _, r := range results {
				for _, entry := range r.Messages {
					lastID = entry.ID
					msg, ok := decodeEntry(entry)
					if !ok {
						continue
					}
					select {
					case ch <- msg:
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch
}

func decodeEntry(entry redis.XMessage) (Message, bool) {
	data, ok := entry.Values["data"].(string)
	if !ok {
		return Message{}, false
	}
	var msg Message
	if json.Unmarshal([]byte(data), &msg) != nil {
		return Message{}, false
	}
	return msg, true
}

// Close drains pending writes and closes the Redis connection.
func (m *RedisMirror) Close() error {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.queue)
	}
	m.mu.Unlock()
	<-m.done
	return m.rdb.Close()
}
