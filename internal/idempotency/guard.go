// Package idempotency holds the per-user, per-day, per-type scheduling
// markers. A marker is created with SET NX, so for a given key at most one
// caller ever observes Claimed until the marker expires.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type ClaimResult int

const (
	Claimed ClaimResult = iota
	AlreadyClaimed
)

func (c ClaimResult) String() string {
	if c == Claimed {
		return "claimed"
	}
	return "already_claimed"
}

type Status string

const (
	StatusClaimed       Status = "claimed"
	StatusScheduled     Status = "scheduled"
	StatusEnqueueFailed Status = "enqueue_failed"
)

type Marker struct {
	Status       Status    `json:"status"`
	ScheduledFor time.Time `json:"scheduledFor,omitempty"`
	UpdatedAt    time.Time `json:"updatedAt"`
	Error        string    `json:"error,omitempty"`
}

var ErrNotFound = errors.New("idempotency: marker not found")

type Guard struct {
	rdb *redis.Client
	ttl time.Duration
	now func() time.Time
}

func NewGuard(rdb *redis.Client, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &Guard{rdb: rdb, ttl: ttl, now: time.Now}
}

func Key(userID, localDate, notificationType string) string {
	return fmt.Sprintf("marker:%s:%s:%s", userID, localDate, notificationType)
}

// TryClaim creates the marker if it does not exist yet.
func (g *Guard) TryClaim(ctx context.Context, userID, localDate, notificationType string) (ClaimResult, error) {
	body, err := json.Marshal(Marker{Status: StatusClaimed, UpdatedAt: g.now().UTC()})
	if err != nil {
		return AlreadyClaimed, err
	}
	ok, err := g.rdb.SetNX(ctx, Key(userID, localDate, notificationType), body, g.ttl).Result()
	if err != nil {
		return AlreadyClaimed, fmt.Errorf("claim %s/%s/%s: %w", userID, localDate, notificationType, err)
	}
	if !ok {
		return AlreadyClaimed, nil
	}
	return Claimed, nil
}

// MarkScheduled records the delivery instant chosen for a claimed slot.
func (g *Guard) MarkScheduled(ctx context.Context, userID, localDate, notificationType string, scheduledFor time.Time) error {
	return g.update(ctx, Key(userID, localDate, notificationType), Marker{
		Status:       StatusScheduled,
		ScheduledFor: scheduledFor.UTC(),
		UpdatedAt:    g.now().UTC(),
	})
}

// MarkFailed records that the slot was claimed but never enqueued. The
// slot stays claimed, so it is skipped for the rest of the day.
func (g *Guard) MarkFailed(ctx context.Context, userID, localDate, notificationType string, cause error) error {
	m := Marker{Status: StatusEnqueueFailed, UpdatedAt: g.now().UTC()}
	if cause != nil {
		m.Error = cause.Error()
	}
	return g.update(ctx, Key(userID, localDate, notificationType), m)
}

func (g *Guard) update(ctx context.Context, key string, m Marker) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	err = g.rdb.SetArgs(ctx, key, body, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("update marker %s: %w", key, err)
	}
	return nil
}

func (g *Guard) Get(ctx context.Context, userID, localDate, notificationType string) (Marker, error) {
	raw, err := g.rdb.Get(ctx, Key(userID, localDate, notificationType)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Marker{}, ErrNotFound
	}
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(raw, &m); err != nil {
		return Marker{}, fmt.Errorf("decode marker: %w", err)
	}
	return m, nil
}
