package risk

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"margind/internal/logger"
	"margind/internal/store"
)

type SuspensionType string

const (
	SuspensionDailyLoss       SuspensionType = "daily_loss"
	SuspensionConsecutiveLoss SuspensionType = "consecutive_loss"
	SuspensionTierViolation   SuspensionType = "tier_violation"
)

const (
	// ConsecutiveLossThreshold losing closes in a row trigger a
	// cooling-off suspension regardless of daily-loss totals.
	ConsecutiveLossThreshold = 5
	CoolOffDuration          = 2 * time.Hour
)

const (
	suspensionKeyPrefix = "risk/suspension/"
	dailyKeyPrefix      = "risk/daily/"
)

// Suspension blocks a user from opening new positions until it expires
// or is force-cleared.
type Suspension struct {
	UserID    string         `json:"user_id"`
	Reason    string         `json:"reason"`
	Type      SuspensionType `json:"type"`
	Until     time.Time      `json:"until"`
	CreatedAt time.Time      `json:"created_at"`
}

// Remaining reports how long the suspension still holds.
func (s Suspension) Remaining(now time.Time) time.Duration {
	if now.After(s.Until) {
		return 0
	}
	return s.Until.Sub(now)
}

type dailyLoss struct {
	Date string  `json:"date"` // UTC day, YYYY-MM-DD
	Loss float64 `json:"loss"`
}

// Guard tracks daily realized losses and derives temporary trading
// suspensions. The ledger consults it before accepting any new
// position; expiry is lazy, cleared as a side effect of the read.
type Guard struct {
	mu          sync.Mutex
	kv          store.Store
	suspensions map[string]*Suspension
	daily       map[string]*dailyLoss

	nowFn func() time.Time
}

func NewGuard(kv store.Store) (*Guard, error) {
	g := &Guard{
		kv:          kv,
		suspensions: make(map[string]*Suspension),
		daily:       make(map[string]*dailyLoss),
		nowFn:       time.Now,
	}
	if kv != nil {
		if err := g.recover(); err != nil {
			return nil, err
		}
	}
	return g, nil
}

func (g *Guard) recover() error {
	susp, err := g.kv.List(suspensionKeyPrefix)
	if err != nil {
		return fmt.Errorf("recovering suspensions: %w", err)
	}
	for key, raw := range susp {
		var s Suspension
		if err := json.Unmarshal(raw, &s); err != nil {
			logger.Warnf("risk: skipping corrupt suspension %s: %v", key, err)
			continue
		}
		g.suspensions[s.UserID] = &s
	}
	counters, err := g.kv.List(dailyKeyPrefix)
	if err != nil {
		return fmt.Errorf("recovering daily counters: %w", err)
	}
	for key, raw := range counters {
		var d dailyLoss
		if err := json.Unmarshal(raw, &d); err != nil {
			logger.Warnf("risk: skipping corrupt daily counter %s: %v", key, err)
			continue
		}
		g.daily[key[len(dailyKeyPrefix):]] = &d
	}
	return nil
}

func (g *Guard) persistSuspension(s *Suspension) {
	if g.kv == nil {
		return
	}
	raw, _ := json.Marshal(s)
	if err := g.kv.Put(suspensionKeyPrefix+s.UserID, raw); err != nil {
		logger.Errorf("risk: persist suspension %s: %v", s.UserID, err)
	}
}

func (g *Guard) dropSuspension(userID string) {
	delete(g.suspensions, userID)
	if g.kv != nil {
		if err := g.kv.Delete(suspensionKeyPrefix + userID); err != nil {
			logger.Errorf("risk: delete suspension %s: %v", userID, err)
		}
	}
}

func (g *Guard) persistDaily(userID string, d *dailyLoss) {
	if g.kv == nil {
		return
	}
	raw, _ := json.Marshal(d)
	if err := g.kv.Put(dailyKeyPrefix+userID, raw); err != nil {
		logger.Errorf("risk: persist daily counter %s: %v", userID, err)
	}
}

func utcDay(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextUTCDayStart is when a daily-loss suspension lifts.
func NextUTCDayStart(now time.Time) time.Time {
	u := now.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// Active returns the user's unexpired suspension, if any. An expired
// one is cleared on the spot.
func (g *Guard) Active(userID string) (Suspension, bool) {
	now := g.nowFn()
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.suspensions[userID]
	if !ok {
		return Suspension{}, false
	}
	if now.After(s.Until) {
		logger.Infof("risk: suspension for %s expired (%s), clearing", userID, s.Type)
		g.dropSuspension(userID)
		return Suspension{}, false
	}
	return *s, true
}

// Suspend records a suspension; an existing one is replaced only when
// the new expiry is later.
func (g *Guard) Suspend(userID string, typ SuspensionType, reason string, until time.Time) Suspension {
	now := g.nowFn()
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.suspensions[userID]; ok && prev.Until.After(until) {
		return *prev
	}
	s := &Suspension{
		UserID:    userID,
		Reason:    reason,
		Type:      typ,
		Until:     until,
		CreatedAt: now,
	}
	g.suspensions[userID] = s
	g.persistSuspension(s)
	logger.Warnf("risk: user %s suspended (%s) until %s: %s", userID, typ, until.Format(time.RFC3339), reason)
	return *s
}

// Clear force-removes a suspension (administrative action).
func (g *Guard) Clear(userID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.suspensions[userID]
	if ok {
		g.dropSuspension(userID)
		logger.Infof("risk: suspension for %s force-cleared", userID)
	}
	return ok
}

// RecordRealizedLoss adds a realized loss (positive magnitude) to the
// user's counter for the current UTC day and returns the running total.
func (g *Guard) RecordRealizedLoss(userID string, loss float64) float64 {
	if loss <= 0 {
		return g.DailyLoss(userID)
	}
	now := g.nowFn()
	g.mu.Lock()
	defer g.mu.Unlock()

	day := utcDay(now)
	d, ok := g.daily[userID]
	if !ok || d.Date != day {
		d = &dailyLoss{Date: day}
		g.daily[userID] = d
	}
	d.Loss += loss
	g.persistDaily(userID, d)
	return d.Loss
}

// DailyLoss reports realized losses for the current UTC day.
func (g *Guard) DailyLoss(userID string) float64 {
	now := g.nowFn()
	g.mu.Lock()
	defer g.mu.Unlock()

	d, ok := g.daily[userID]
	if !ok || d.Date != utcDay(now) {
		return 0
	}
	return d.Loss
}

// NoteLossStreak trips the cooling-off suspension once the streak
// reaches the threshold.
func (g *Guard) NoteLossStreak(userID string, streak int) (Suspension, bool) {
	if streak < ConsecutiveLossThreshold {
		return Suspension{}, false
	}
	now := g.nowFn()
	s := g.Suspend(userID, SuspensionConsecutiveLoss,
		fmt.Sprintf("%d consecutive losing trades", streak),
		now.Add(CoolOffDuration))
	return s, true
}

// SetClock overrides the time source for tests.
func (g *Guard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if now != nil {
		g.nowFn = now
	}
}
