// Package notifications stores NotificationRecords, the in-app source of
// truth for every dispatched notification.
package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/franzego/habitpush/internal/models"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNotFound         = errors.New("notifications: record not found")
	ErrStatusRegression = errors.New("notifications: status cannot move backwards")
)

const maxRetries = 20

type Store struct {
	rdb *redis.Client
	now func() time.Time
}

func NewStore(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, now: time.Now}
}

func recordKey(id string) string {
	return "notification:" + id
}

func userIndexKey(userID string) string {
	return fmt.Sprintf("user:%s:notifications", userID)
}

// CreatePending writes rec with status pending unless a record with the
// same id exists. It returns the stored record and whether it was created.
func (s *Store) CreatePending(ctx context.Context, rec models.NotificationRecord) (models.NotificationRecord, bool, error) {
	key := recordKey(rec.ID)
	var (
		stored  models.NotificationRecord
		created bool
	)

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(vals) > 0 {
			stored, err = parseRecord(vals)
			created = false
			return err
		}

		now := s.now().UTC()
		rec.Status = models.StatusPending
		rec.CreatedAt = now
		rec.UpdatedAt = now
		payload, err := json.Marshal(rec.Payload)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key,
				"id", rec.ID,
				"user_id", rec.UserID,
				"type", rec.Type,
				"payload", payload,
				"status", string(rec.Status),
				"created_at", now.UnixMilli(),
				"updated_at", now.UnixMilli(),
			)
			pipe.ZAdd(ctx, userIndexKey(rec.UserID), redis.Z{Score: float64(now.UnixMilli()), Member: rec.ID})
			return nil
		})
		stored = rec
		created = err == nil
		return err
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return models.NotificationRecord{}, false, fmt.Errorf("create notification %s: %w", rec.ID, err)
	}
	return stored, created, nil
}

// Finalize moves a record to a final status. Re-applying the current status
// is a no-op; any other move away from a final status is a regression.
func (s *Store) Finalize(ctx context.Context, id string, status models.NotificationStatus) error {
	if !status.Final() {
		return fmt.Errorf("%w: %s is not a final status", ErrStatusRegression, status)
	}
	key := recordKey(id)

	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGet(ctx, key, "status").Result()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		current := models.NotificationStatus(cur)
		if current == status {
			return nil
		}
		if current.Final() {
			return fmt.Errorf("%w: %s to %s", ErrStatusRegression, current, status)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "status", string(status), "updated_at", s.now().UnixMilli())
			return nil
		})
		return err
	}

	err := s.watch(ctx, txf, key)
	if err != nil && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrStatusRegression) {
		return fmt.Errorf("finalize notification %s: %w", id, err)
	}
	return err
}

// MarkCounted sets the counted flag once. Only the first caller gets true.
func (s *Store) MarkCounted(ctx context.Context, id string) (bool, error) {
	return s.rdb.HSetNX(ctx, recordKey(id), "counted", s.now().UnixMilli()).Result()
}

// UnmarkCounted releases the flag when counting failed after the flag was
// taken, so a retry can count again.
func (s *Store) UnmarkCounted(ctx context.Context, id string) error {
	return s.rdb.HDel(ctx, recordKey(id), "counted").Err()
}

func (s *Store) Get(ctx context.Context, id string) (models.NotificationRecord, error) {
	vals, err := s.rdb.HGetAll(ctx, recordKey(id)).Result()
	if err != nil {
		return models.NotificationRecord{}, err
	}
	if len(vals) == 0 {
		return models.NotificationRecord{}, ErrNotFound
	}
	return parseRecord(vals)
}

// ListForUser returns the newest records first.
func (s *Store) ListForUser(ctx context.Context, userID string, limit int64) ([]models.NotificationRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.rdb.ZRevRange(ctx, userIndexKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("list notifications for %s: %w", userID, err)
	}
	out := make([]models.NotificationRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxRetries; i++ {
		err := s.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func parseRecord(vals map[string]string) (models.NotificationRecord, error) {
	rec := models.NotificationRecord{
		ID:     vals["id"],
		UserID: vals["user_id"],
		Type:   vals["type"],
		Status: models.NotificationStatus(vals["status"]),
	}
	if p := vals["payload"]; p != "" {
		if err := json.Unmarshal([]byte(p), &rec.Payload); err != nil {
			return rec, fmt.Errorf("decode payload of %s: %w", rec.ID, err)
		}
	}
	if ms, err := strconv.ParseInt(vals["created_at"], 10, 64); err == nil {
		rec.CreatedAt = time.UnixMilli(ms).UTC()
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}
