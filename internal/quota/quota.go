package quota

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

type Verdict string

const (
	Allow          Verdict = "allow"
	AllowWithDelay Verdict = "allow_with_delay"
	Deny           Verdict = "deny"
)

// Reason distinguishes denials so callers can render the right prompt.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonAnonymousLimit Reason = "anonymous_limit"
	ReasonFreeTierLimit  Reason = "free_tier_limit"
)

type Decision struct {
	Verdict Verdict
	Reason  Reason
	Delay   time.Duration
}

func (d Decision) Allowed() bool {
	return d.Verdict != Deny
}

type Limits struct {
	AnonymousMessages int
	FreeMessages      int
	FreeNotifications int
	PremiumDaily      int
	PremiumPenalty    time.Duration
}

// SubscriptionLookup is the read-only subscription collaborator.
type SubscriptionLookup interface {
	IsPremium(ctx context.Context, userID string) (bool, error)
}

// Record is the stored UserQuotaRecord.
type Record struct {
	UserID                    string
	Tier                      models.Tier
	LifetimeNotificationCount int
	LifetimeMessageCount      int
	DailyCount                int
	DailyCountDate            string
	TotalReceived             int
	LastActiveAt              time.Time
}

const (
	keyPrefix  = "quota:"
	dateLayout = "2006-01-02"
	maxRetries = 20
)

var ErrContention = errors.New("quota: too much contention on record")

type Gate struct {
	rdb    *redis.Client
	subs   SubscriptionLookup
	limits Limits
	log    *zap.Logger
	loc    *time.Location
	now    func() time.Time
}

type Option func(g *Gate)

// WithDayBoundary sets the location whose midnight rolls daily counters.
func WithDayBoundary(loc *time.Location) Option {
	return func(g *Gate) {
		g.loc = loc
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

func NewGate(rdb *redis.Client, subs SubscriptionLookup, limits Limits, log *zap.Logger, opts ...Option) *Gate {
	g := &Gate{
		rdb:    rdb,
		subs:   subs,
		limits: limits,
		log:    log.Named("quota"),
		loc:    time.UTC,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Gate) Limits() Limits {
	return g.limits
}

func (g *Gate) today() string {
	return g.now().In(g.loc).Format(dateLayout)
}

// Classify resolves the user's tier. A failed subscription lookup is
// classified as free; errors never upgrade a user.
func (g *Gate) Classify(ctx context.Context, userID string, anonymous bool) models.Tier {
	tier := models.TierFree
	if anonymous {
		tier = models.TierAnonymous
	} else if premium, err := g.subs.IsPremium(ctx, userID); err != nil {
		g.log.Warn("subscription lookup failed, classifying as free",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	} else if premium {
		tier = models.TierPremium
	}

	if err := g.rdb.HSet(ctx, keyPrefix+userID, "tier", string(tier)).Err(); err != nil {
		g.log.Warn("failed to store tier", zap.String("user_id", userID), zap.Error(err))
	}
	return tier
}

// Admit decides whether one unit of work may proceed. It does not consume
// quota; callers record usage once the work is done.
func (g *Gate) Admit(ctx context.Context, userID string, tier models.Tier, kind models.WorkKind) (Decision, error) {
	rec, err := g.Get(ctx, userID)
	if err != nil {
		return Decision{}, err
	}
	return g.decide(rec, tier, kind), nil
}

func (g *Gate) decide(rec Record, tier models.Tier, kind models.WorkKind) Decision {
	switch tier {
	case models.TierAnonymous:
		if kind == models.WorkNotification || rec.LifetimeMessageCount >= g.limits.AnonymousMessages {
			return Decision{Verdict: Deny, Reason: ReasonAnonymousLimit}
		}
	case models.TierPremium:
		// chat and notifications share the daily ceiling
		if rec.dailyOn(g.today()) > g.limits.PremiumDaily {
			return Decision{Verdict: AllowWithDelay, Delay: g.limits.PremiumPenalty}
		}
	default:
		if kind == models.WorkNotification && rec.LifetimeNotificationCount >= g.limits.FreeNotifications {
			return Decision{Verdict: Deny, Reason: ReasonFreeTierLimit}
		}
		if kind == models.WorkChatMessage && rec.LifetimeMessageCount >= g.limits.FreeMessages {
			return Decision{Verdict: Deny, Reason: ReasonFreeTierLimit}
		}
	}
	return Decision{Verdict: Allow}
}

// Wait blocks for the penalty of an allow-with-delay decision.
func (g *Gate) Wait(ctx context.Context, d Decision) error {
	if d.Verdict != AllowWithDelay || d.Delay <= 0 {
		return nil
	}
	t := time.NewTimer(d.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Acquire classifies, admits and, for throttled premium users, waits out
// the penalty before returning.
func (g *Gate) Acquire(ctx context.Context, userID string, anonymous bool, kind models.WorkKind) (models.Tier, Decision, error) {
	tier := g.Classify(ctx, userID, anonymous)
	d, err := g.Admit(ctx, userID, tier, kind)
	if err != nil {
		return tier, d, err
	}
	if d.Verdict == AllowWithDelay {
		g.log.Info("soft throttling premium user",
			zap.String("user_id", userID),
			zap.Duration("delay", d.Delay),
		)
	}
	if err := g.Wait(ctx, d); err != nil {
		return tier, d, err
	}
	return tier, d, nil
}

// RecordUsage increments the counters for one completed unit of work. It
// reports whether a counter changed; the free notification counter never
// moves past its ceiling. Premium work of either kind advances the daily
// counter.
func (g *Gate) RecordUsage(ctx context.Context, userID string, tier models.Tier, kind models.WorkKind) (bool, error) {
	key := keyPrefix + userID
	var changed bool

	txf := func(tx *redis.Tx) error {
		vals, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		rec := parseRecord(userID, vals)
		now := g.now()
		today := g.today()

		fields := map[string]interface{}{}
		switch kind {
		case models.WorkNotification:
			switch tier {
			case models.TierPremium:
				fields["total_received"] = rec.TotalReceived + 1
				fields["daily_count"] = rec.dailyOn(today) + 1
				fields["daily_count_date"] = today
			case models.TierFree:
				if rec.LifetimeNotificationCount < g.limits.FreeNotifications {
					fields["lifetime_notification_count"] = rec.LifetimeNotificationCount + 1
				}
			}
		case models.WorkChatMessage:
			fields["last_active_at"] = now.Unix()
			if tier == models.TierPremium {
				fields["daily_count"] = rec.dailyOn(today) + 1
				fields["daily_count_date"] = today
			} else {
				fields["lifetime_message_count"] = rec.LifetimeMessageCount + 1
			}
		}
		if len(fields) == 0 {
			changed = false
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, fields)
			return nil
		})
		changed = err == nil
		return err
	}

	for i := 0; i < maxRetries; i++ {
		err := g.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return false, fmt.Errorf("record usage for %s: %w", userID, err)
		}
		return changed, nil
	}
	return false, ErrContention
}

// dailyOn is the premium daily counter as seen on day; a stale date reads
// as zero.
func (r Record) dailyOn(day string) int {
	if r.DailyCountDate != day {
		return 0
	}
	return r.DailyCount
}

func (g *Gate) Get(ctx context.Context, userID string) (Record, error) {
	vals, err := g.rdb.HGetAll(ctx, keyPrefix+userID).Result()
	if err != nil {
		return Record{}, fmt.Errorf("load quota record for %s: %w", userID, err)
	}
	return parseRecord(userID, vals), nil
}

// DeleteUser removes the record; only called on account deletion.
func (g *Gate) DeleteUser(ctx context.Context, userID string) error {
	return g.rdb.Del(ctx, keyPrefix+userID).Err()
}

func parseRecord(userID string, vals map[string]string) Record {
	rec := Record{
		UserID:         userID,
		Tier:           models.Tier(vals["tier"]),
		DailyCountDate: vals["daily_count_date"],
	}
	rec.LifetimeNotificationCount, _ = strconv.Atoi(vals["lifetime_notification_count"])
	rec.LifetimeMessageCount, _ = strconv.Atoi(vals["lifetime_message_count"])
	rec.DailyCount, _ = strconv.Atoi(vals["daily_count"])
	rec.TotalReceived, _ = strconv.Atoi(vals["total_received"])
	if s, ok := vals["last_active_at"]; ok {
		if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
			rec.LastActiveAt = time.Unix(sec, 0).UTC()
		}
	}
	return rec
}
