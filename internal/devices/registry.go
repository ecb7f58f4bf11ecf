package devices

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/franzego/habitpush/internal/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("devices: registration not found")

const maxRetries = 20

type Registry struct {
	rdb *redis.Client
	log *zap.Logger
	now func() time.Time
}

func NewRegistry(rdb *redis.Client, log *zap.Logger) *Registry {
	return &Registry{
		rdb: rdb,
		log: log.Named("devices"),
		now: time.Now,
	}
}

func deviceKey(token string) string {
	return "device:" + token
}

func userKey(userID string) string {
	return fmt.Sprintf("user:%s:devices", userID)
}

// Register creates or updates the registration for a token. A token moving
// to another user is removed from the previous owner's index. The badge
// count survives re-registration.
func (r *Registry) Register(ctx context.Context, userID string, req models.RegisterDeviceRequest) (models.DeviceRegistration, error) {
	key := deviceKey(req.Token)
	var out models.DeviceRegistration

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		prev, exists := parseDevice(req.Token, vals)

		out = models.DeviceRegistration{
			Token:                 req.Token,
			UserID:                userID,
			Platform:              req.Platform,
			NotificationsEnabled:  true,
			TimeZoneOffsetMinutes: req.TimeZoneOffsetMinutes,
			UpdatedAt:             r.now().UTC(),
		}
		if exists {
			out.BadgeCount = prev.BadgeCount
			out.NotificationsEnabled = prev.NotificationsEnabled
			if out.Platform == "" {
				out.Platform = prev.Platform
			}
			if out.TimeZoneOffsetMinutes == nil {
				out.TimeZoneOffsetMinutes = prev.TimeZoneOffsetMinutes
			}
		}
		if req.NotificationsEnabled != nil {
			out.NotificationsEnabled = *req.NotificationsEnabled
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if exists && prev.UserID != userID {
				pipe.SRem(ctx, userKey(prev.UserID), req.Token)
			}
			pipe.HSet(ctx, key, deviceFields(out))
			if out.TimeZoneOffsetMinutes == nil {
				pipe.HDel(ctx, key, "tz_offset_minutes")
			}
			pipe.SAdd(ctx, userKey(userID), req.Token)
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		return models.DeviceRegistration{}, fmt.Errorf("register device: %w", err)
	}
	r.log.Debug("device registered",
		zap.String("user_id", userID),
		zap.String("platform", out.Platform),
	)
	return out, nil
}

// ListForUser returns every registration indexed under the user. Index
// entries whose registration is gone are pruned.
func (r *Registry) ListForUser(ctx context.Context, userID string) ([]models.DeviceRegistration, error) {
	tokens, err := r.rdb.SMembers(ctx, userKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list devices for %s: %w", userID, err)
	}
	if len(tokens) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(tokens))
	_, err = r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, tok := range tokens {
			cmds[i] = pipe.HGetAll(ctx, deviceKey(tok))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load devices for %s: %w", userID, err)
	}

	out := make([]models.DeviceRegistration, 0, len(tokens))
	var stale []interface{}
	for i, cmd := range cmds {
		d, ok := parseDevice(tokens[i], cmd.Val())
		if !ok || d.UserID != userID {
			stale = append(stale, tokens[i])
			continue
		}
		out = append(out, d)
	}
	if len(stale) > 0 {
		if err := r.rdb.SRem(ctx, userKey(userID), stale...).Err(); err != nil {
			r.log.Warn("failed to prune device index", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return out, nil
}

func (r *Registry) ListEnabled(ctx context.Context, userID string) ([]models.DeviceRegistration, error) {
	all, err := r.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	enabled := all[:0]
	for _, d := range all {
		if d.NotificationsEnabled {
			enabled = append(enabled, d)
		}
	}
	return enabled, nil
}

func (r *Registry) Get(ctx context.Context, token string) (models.DeviceRegistration, error) {
	vals, err := r.rdb.HGetAll(ctx, deviceKey(token)).Result()
	if err != nil {
		return models.DeviceRegistration{}, err
	}
	d, ok := parseDevice(token, vals)
	if !ok {
		return models.DeviceRegistration{}, ErrNotFound
	}
	return d, nil
}

// IncrementBadge atomically adds one to the badge count and returns the new
// value. A deleted registration is never recreated.
func (r *Registry) IncrementBadge(ctx context.Context, token string) (int, error) {
	return r.updateBadge(ctx, token, func(n int) int { return n + 1 })
}

func (r *Registry) ResetBadge(ctx context.Context, token string) error {
	_, err := r.updateBadge(ctx, token, func(int) int { return 0 })
	return err
}

func (r *Registry) updateBadge(ctx context.Context, token string, next func(int) int) (int, error) {
	key := deviceKey(token)
	var badge int

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "user_id", "badge").Result()
		if err != nil {
			return err
		}
		if vals[0] == nil {
			return ErrNotFound
		}
		cur := 0
		if s, ok := vals[1].(string); ok {
			cur, _ = strconv.Atoi(s)
		}
		badge = next(cur)
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "badge", badge, "updated_at", r.now().UnixMilli())
			return nil
		})
		return err
	}

	if err := r.watch(ctx, txf, key); err != nil {
		if errors.Is(err, ErrNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("update badge: %w", err)
	}
	return badge, nil
}

func (r *Registry) SetEnabled(ctx context.Context, token string, enabled bool) error {
	key := deviceKey(token)
	txf := func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "enabled", boolField(enabled), "updated_at", r.now().UnixMilli())
			return nil
		})
		return err
	}
	return r.watch(ctx, txf, key)
}

// Delete removes a registration and its index entry. Deleting a missing
// token is not an error.
func (r *Registry) Delete(ctx context.Context, token string) error {
	key := deviceKey(token)
	txf := func(tx *redis.Tx) error {
		userID, err := tx.HGet(ctx, key, "user_id").Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.SRem(ctx, userKey(userID), token)
			return nil
		})
		return err
	}
	if err := r.watch(ctx, txf, key); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	return nil
}

func (r *Registry) watch(ctx context.Context, txf func(*redis.Tx) error, key string) error {
	for i := 0; i < maxRetries; i++ {
		err := r.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return redis.TxFailedErr
}

func deviceFields(d models.DeviceRegistration) map[string]interface{} {
	f := map[string]interface{}{
		"user_id":    d.UserID,
		"platform":   d.Platform,
		"enabled":    boolField(d.NotificationsEnabled),
		"badge":      d.BadgeCount,
		"updated_at": d.UpdatedAt.UnixMilli(),
	}
	if d.TimeZoneOffsetMinutes != nil {
		f["tz_offset_minutes"] = *d.TimeZoneOffsetMinutes
	}
	return f
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func parseDevice(token string, vals map[string]string) (models.DeviceRegistration, bool) {
	userID, ok := vals["user_id"]
	if !ok {
		return models.DeviceRegistration{}, false
	}
	d := models.DeviceRegistration{
		Token:                token,
		UserID:               userID,
		Platform:             vals["platform"],
		NotificationsEnabled: vals["enabled"] != "0",
	}
	d.BadgeCount, _ = strconv.Atoi(vals["badge"])
	if s, ok := vals["tz_offset_minutes"]; ok {
		if off, err := strconv.Atoi(s); err == nil {
			d.TimeZoneOffsetMinutes = &off
		}
	}
	if ms, err := strconv.ParseInt(vals["updated_at"], 10, 64); err == nil {
		d.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return d, true
}
