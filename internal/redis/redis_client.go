package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/pulsegram/realtime/internal/domain"
)

// Client wraps the Redis connection used for message history, conversation
// participants, read markers and last-seen timestamps. Per-room sequences
// come from a Redis counter, so ordering stays authoritative even with
// concurrent senders.
type Client struct {
	rdb *redis.Client
}

func NewClient(ctx context.Context, redisURL string) (*Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	rdb := redis.NewClient(opts)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

func seqKey(room string) string  { return "chat:seq:" + room }
func msgKey(room string) string  { return "chat:messages:" + room }
func partKey(room string) string { return "chat:participants:" + room }
func readKey(room string) string { return "chat:read:" + room }

const lastSeenKey = "chat:last_seen"

// Append durably stores a message and returns the canonical event carrying
// the server-assigned sequence.
func (c *Client) Append(ctx context.Context, room, sender, correlationID, content string) (domain.MessageEvent, error) {
	seq, err := c.rdb.Incr(ctx, seqKey(room)).Result()
	if err != nil {
		return domain.MessageEvent{}, fmt.Errorf("sequence for room %s: %w", room, err)
	}

	ev := domain.MessageEvent{
		ID:            uuid.NewString(),
		Room:          room,
		Sender:        sender,
		Content:       content,
		Sequence:      seq,
		SentAt:        time.Now().UTC(),
		CorrelationID: correlationID,
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return domain.MessageEvent{}, fmt.Errorf("serialize message: %w", err)
	}
	if err := c.rdb.ZAdd(ctx, msgKey(room), redis.Z{Score: float64(seq), Member: string(data)}).Err(); err != nil {
		return domain.MessageEvent{}, fmt.Errorf("append to room %s: %w", room, err)
	}
	return ev, nil
}

// FetchSince returns the room's events with sequence strictly greater than
// seq, in sequence order.
func (c *Client) FetchSince(ctx context.Context, room string, seq int64) ([]domain.MessageEvent, error) {
	vals, err := c.rdb.ZRangeByScore(ctx, msgKey(room), &redis.ZRangeBy{
		Min: fmt.Sprintf("(%d", seq),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("fetch room %s since %d: %w", room, seq, err)
	}

	events := make([]domain.MessageEvent, 0, len(vals))
	for _, v := range vals {
		var ev domain.MessageEvent
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			continue // skip unreadable entries
		}
		events = append(events, ev)
	}
	return events, nil
}

// IsParticipant reports whether the user belongs to the conversation.
func (c *Client) IsParticipant(ctx context.Context, user, room string) (bool, error) {
	return c.rdb.SIsMember(ctx, partKey(room), user).Result()
}

// Participants returns the conversation's authorized participant set.
func (c *Client) Participants(ctx context.Context, room string) ([]string, error) {
	return c.rdb.SMembers(ctx, partKey(room)).Result()
}

// AddParticipant authorizes a user for a conversation. Conversation
// management proper lives outside this service; this is the seam it writes
// through.
func (c *Client) AddParticipant(ctx context.Context, room, user string) error {
	return c.rdb.SAdd(ctx, partKey(room), user).Err()
}

// RemoveParticipant revokes a user's access to a conversation.
func (c *Client) RemoveParticipant(ctx context.Context, room, user string) error {
	return c.rdb.SRem(ctx, partKey(room), user).Err()
}

// MarkRead records the newest message the user has read in the room.
func (c *Client) MarkRead(ctx context.Context, room, user, messageID string) error {
	return c.rdb.HSet(ctx, readKey(room), user, messageID).Err()
}

// ReadMarkers returns the per-user read markers of a room.
func (c *Client) ReadMarkers(ctx context.Context, room string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, readKey(room)).Result()
}

// SetLastSeen records when the user was last seen online.
func (c *Client) SetLastSeen(ctx context.Context, user string, at time.Time) error {
	return c.rdb.HSet(ctx, lastSeenKey, user, at.UTC().Format(time.RFC3339)).Err()
}

// LastSeen returns the user's recorded last-seen time, if any.
func (c *Client) LastSeen(ctx context.Context, user string) (time.Time, bool, error) {
	v, err := c.rdb.HGet(ctx, lastSeenKey, user).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last seen for %s: %w", user, err)
	}
	return t, true, nil
}

// FlushAll clears the database. Test helper.
func (c *Client) FlushAll(ctx context.Context) error {
	return c.rdb.FlushAll(ctx).Err()
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
