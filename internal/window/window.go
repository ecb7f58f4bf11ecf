// Package window decides when, in the user's local day, each configured
// delivery slot fires. Everything here is pure; randomness and the clock
// are supplied by the caller.
package window

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/franzego/habitpush/internal/config"
	"github.com/franzego/habitpush/internal/models"
)

const dateLayout = "2006-01-02"

type ZoneState int

const (
	TimeZoneKnown ZoneState = iota
	// TimeZoneUnknown means no registered device reported an offset and
	// the user is scheduled on UTC.
	TimeZoneUnknown
)

func (s ZoneState) String() string {
	if s == TimeZoneKnown {
		return "known"
	}
	return "unknown"
}

type Zone struct {
	State         ZoneState
	OffsetMinutes int
}

func (z Zone) Location() *time.Location {
	if z.State == TimeZoneUnknown || z.OffsetMinutes == 0 {
		return time.UTC
	}
	sign := '+'
	if z.OffsetMinutes < 0 {
		sign = '-'
	}
	m := abs(z.OffsetMinutes)
	return time.FixedZone(fmt.Sprintf("UTC%c%02d:%02d", sign, m/60, m%60), z.OffsetMinutes*60)
}

// ResolveZone takes the offset of the first device that reports one.
func ResolveZone(devices []models.DeviceRegistration) Zone {
	for _, d := range devices {
		if d.TimeZoneOffsetMinutes != nil {
			return Zone{State: TimeZoneKnown, OffsetMinutes: *d.TimeZoneOffsetMinutes}
		}
	}
	return Zone{State: TimeZoneUnknown}
}

// Slot is a daily delivery window, [Start, End) in minutes after local
// midnight.
type Slot struct {
	Type      string
	Start     int
	End       int
	Recurring bool
}

func ParseSlots(cfg []config.WindowConfig) ([]Slot, error) {
	slots := make([]Slot, 0, len(cfg))
	for _, w := range cfg {
		start, err := parseClock(w.Start)
		if err != nil {
			return nil, fmt.Errorf("window %s: start: %w", w.Type, err)
		}
		end, err := parseClock(w.End)
		if err != nil {
			return nil, fmt.Errorf("window %s: end: %w", w.Type, err)
		}
		if end <= start {
			return nil, fmt.Errorf("window %s: end %s must be after start %s", w.Type, w.End, w.Start)
		}
		slots = append(slots, Slot{Type: w.Type, Start: start, End: end, Recurring: w.Recurring})
	}
	return slots, nil
}

// parseClock reads "HH:MM" into minutes after midnight.
func parseClock(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("invalid time %q, want HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil || h < 0 || h > 24 {
		return 0, fmt.Errorf("invalid hour in %q", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("invalid minute in %q", s)
	}
	if h*60+m > 24*60 {
		return 0, fmt.Errorf("time %q is past midnight", s)
	}
	return h*60 + m, nil
}

// Eligibility is what the calculator needs to know about a user.
type Eligibility struct {
	UserID                    string
	Tier                      models.Tier
	Verified                  bool
	LifetimeNotificationCount int
}

type Window struct {
	Slot
	LocalDate    string
	ScheduledFor time.Time

	// Clamped is set when the random instant was already past and the
	// window was moved to now plus the safety margin.
	Clamped bool

	// QuotaExhausting marks the send that brings a free user to the
	// lifetime ceiling.
	QuotaExhausting bool
}

type Calculator struct {
	slots     []Slot
	freeLimit int
	margin    time.Duration
	intn      func(n int) int
}

type Option func(c *Calculator)

// WithRandom replaces the uniform source used to pick offsets. intn must
// return a value in [0, n).
func WithRandom(intn func(n int) int) Option {
	return func(c *Calculator) {
		c.intn = intn
	}
}

func NewCalculator(slots []Slot, freeLimit int, margin time.Duration, opts ...Option) *Calculator {
	c := &Calculator{
		slots:     slots,
		freeLimit: freeLimit,
		margin:    margin,
		intn:      rand.IntN,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Calculator) Slots() []Slot {
	return c.slots
}

func (c *Calculator) Slot(windowType string) (Slot, bool) {
	for _, s := range c.slots {
		if s.Type == windowType {
			return s, true
		}
	}
	return Slot{}, false
}

// Remaining reports how many notifications the user may still be sent.
// -1 means unbounded.
func (c *Calculator) Remaining(e Eligibility) int {
	switch {
	case e.Tier == models.TierAnonymous || !e.Verified:
		return 0
	case e.Tier == models.TierPremium:
		return -1
	}
	r := c.freeLimit - e.LifetimeNotificationCount
	if r < 0 {
		return 0
	}
	return r
}

// Plan returns today's windows for the user, in slot order. Free users with
// r sends left get at most the first r slots.
func (c *Calculator) Plan(e Eligibility, zone Zone, now time.Time) []Window {
	remaining := c.Remaining(e)
	if remaining == 0 {
		return nil
	}
	loc := zone.Location()
	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	var out []Window
	for i, s := range c.slots {
		if remaining > 0 && i >= remaining {
			break
		}
		w := c.place(s, day, now)
		if e.Tier == models.TierFree && e.LifetimeNotificationCount+i+1 == c.freeLimit {
			w.QuotaExhausting = true
		}
		out = append(out, w)
	}
	return out
}

// NextOccurrence places slot on the local day after localDate. An empty or
// unparsable localDate is taken as today in the zone.
func (c *Calculator) NextOccurrence(s Slot, zone Zone, localDate string, now time.Time) Window {
	loc := zone.Location()
	day, err := time.ParseInLocation(dateLayout, localDate, loc)
	if err != nil {
		local := now.In(loc)
		day = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	}
	return c.place(s, day.AddDate(0, 0, 1), now)
}

func (c *Calculator) place(s Slot, day time.Time, now time.Time) Window {
	span := (s.End - s.Start) * 60
	offset := time.Duration(s.Start)*time.Minute + time.Duration(c.intn(span))*time.Second
	at := day.Add(offset).UTC()

	w := Window{Slot: s, LocalDate: day.Format(dateLayout), ScheduledFor: at}
	if earliest := now.Add(c.margin); at.Before(earliest) {
		w.ScheduledFor = earliest.UTC()
		w.Clamped = true
	}
	return w
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
