package risk

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"margind/internal/logger"
	"margind/internal/store"
)

const profileKeyPrefix = "risk/profile/"

// Violation is one recorded policy breach on a profile.
type Violation struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Profile carries per-user trading statistics and tier state. Updated
// after every closed trade; read by promotion and demotion logic.
type Profile struct {
	UserID            string      `json:"user_id"`
	TierLevel         int         `json:"tier_level"`
	EducationModules  int         `json:"education_modules"`
	FirstTradeAt      time.Time   `json:"first_trade_at,omitempty"`
	TradeCount        int         `json:"trade_count"`
	WinCount          int         `json:"win_count"`
	ConsecutiveLosses int         `json:"consecutive_losses"`
	TotalVolume       float64     `json:"total_volume"`
	LargestWin        float64     `json:"largest_win"`
	LargestLoss       float64     `json:"largest_loss"`
	Violations        []Violation `json:"violations,omitempty"`
	NextTierReviewAt  time.Time   `json:"next_tier_review_at,omitempty"`
}

// WinRatePct is the profile's win percentage over all closed trades.
func (p Profile) WinRatePct() float64 {
	if p.TradeCount == 0 {
		return 0
	}
	return float64(p.WinCount) / float64(p.TradeCount) * 100
}

// ExperienceDays counts days since the first recorded trade.
func (p Profile) ExperienceDays(now time.Time) int {
	if p.FirstTradeAt.IsZero() {
		return 0
	}
	return int(now.Sub(p.FirstTradeAt).Hours() / 24)
}

// TradeOutcome is what the ledger reports after a close.
type TradeOutcome struct {
	PnL          float64
	Volume       float64
	Win          bool
	HoldDuration time.Duration
}

// Provider is the tier registry plus per-user tier assignment. Tiers
// are immutable configuration; a user's current tier is mutable state
// advanced by promotion and retreated by demotion-on-violation.
type Provider struct {
	mu       sync.RWMutex
	tiers    []Tier
	profiles map[string]*Profile
	kv       store.Store

	nowFn func() time.Time
}

func NewProvider(tiers []Tier, kv store.Store) (*Provider, error) {
	if err := validateTiers(tiers); err != nil {
		return nil, err
	}
	p := &Provider{
		tiers:    tiers,
		profiles: make(map[string]*Profile),
		kv:       kv,
		nowFn:    time.Now,
	}
	if kv != nil {
		if err := p.recover(); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Provider) recover() error {
	entries, err := p.kv.List(profileKeyPrefix)
	if err != nil {
		return fmt.Errorf("recovering risk profiles: %w", err)
	}
	for key, raw := range entries {
		var prof Profile
		if err := json.Unmarshal(raw, &prof); err != nil {
			logger.Warnf("risk: skipping corrupt profile %s: %v", key, err)
			continue
		}
		p.profiles[prof.UserID] = &prof
	}
	if len(p.profiles) > 0 {
		logger.Infof("risk: recovered %d profiles", len(p.profiles))
	}
	return nil
}

func (p *Provider) persist(prof *Profile) {
	if p.kv == nil {
		return
	}
	raw, err := json.Marshal(prof)
	if err != nil {
		logger.Errorf("risk: marshal profile %s: %v", prof.UserID, err)
		return
	}
	if err := p.kv.Put(profileKeyPrefix+prof.UserID, raw); err != nil {
		logger.Errorf("risk: persist profile %s: %v", prof.UserID, err)
	}
}

// ReplaceTiers swaps in a new tier ladder (hot reload). Users whose
// level no longer exists are clamped to the nearest valid level.
func (p *Provider) ReplaceTiers(tiers []Tier) error {
	if err := validateTiers(tiers); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tiers = tiers
	for _, prof := range p.profiles {
		if _, ok := p.tierByLevelLocked(prof.TierLevel); !ok {
			prof.TierLevel = p.tiers[0].Level
			p.persist(prof)
		}
	}
	logger.Infof("risk: tier definitions reloaded (%d tiers)", len(tiers))
	return nil
}

func (p *Provider) Tiers() []Tier {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Tier, len(p.tiers))
	copy(out, p.tiers)
	return out
}

func (p *Provider) tierByLevelLocked(level int) (Tier, bool) {
	for _, t := range p.tiers {
		if t.Level == level {
			return t, true
		}
	}
	return Tier{}, false
}

func (p *Provider) profileLocked(userID string) *Profile {
	prof, ok := p.profiles[userID]
	if !ok {
		prof = &Profile{UserID: userID, TierLevel: p.tiers[0].Level}
		p.profiles[userID] = prof
		p.persist(prof)
	}
	return prof
}

// TierFor returns the user's current tier, creating a lowest-tier
// profile on first access.
func (p *Provider) TierFor(userID string) Tier {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := p.profileLocked(userID)
	tier, ok := p.tierByLevelLocked(prof.TierLevel)
	if !ok {
		tier = p.tiers[0]
	}
	return tier
}

// Profile returns a copy of the user's risk profile.
func (p *Provider) Profile(userID string) Profile {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := p.profileLocked(userID)
	cp := *prof
	cp.Violations = append([]Violation(nil), prof.Violations...)
	return cp
}

// SetEducationModules records completed education modules, one of the
// promotion requirements.
func (p *Provider) SetEducationModules(userID string, modules int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := p.profileLocked(userID)
	if modules > prof.EducationModules {
		prof.EducationModules = modules
		p.persist(prof)
	}
}

// RecordTrade folds a closed trade into the user's statistics and then
// evaluates promotion. It returns the updated profile and whether the
// user moved up a tier.
func (p *Provider) RecordTrade(userID string, outcome TradeOutcome) (Profile, bool) {
	now := p.nowFn()

	p.mu.Lock()
	defer p.mu.Unlock()

	prof := p.profileLocked(userID)
	if prof.FirstTradeAt.IsZero() {
		prof.FirstTradeAt = now
	}
	prof.TradeCount++
	prof.TotalVolume += outcome.Volume
	if outcome.Win {
		prof.WinCount++
		prof.ConsecutiveLosses = 0
		if outcome.PnL > prof.LargestWin {
			prof.LargestWin = outcome.PnL
		}
	} else {
		prof.ConsecutiveLosses++
		if outcome.PnL < prof.LargestLoss {
			prof.LargestLoss = outcome.PnL
		}
	}

	promoted := p.tryPromoteLocked(prof, now)
	p.persist(prof)

	cp := *prof
	return cp, promoted
}

// tryPromoteLocked advances the user exactly when every requirement of
// the next tier is simultaneously satisfied.
func (p *Provider) tryPromoteLocked(prof *Profile, now time.Time) bool {
	next, ok := p.nextTierLocked(prof.TierLevel)
	if !ok {
		return false
	}
	if len(missingRequirements(prof, next, now)) > 0 {
		return false
	}
	prof.TierLevel = next.Level
	logger.Infof("risk: user %s promoted to tier %d (%s)", prof.UserID, next.Level, next.Name)
	return true
}

func (p *Provider) nextTierLocked(level int) (Tier, bool) {
	for i, t := range p.tiers {
		if t.Level == level && i+1 < len(p.tiers) {
			return p.tiers[i+1], true
		}
	}
	return Tier{}, false
}

func missingRequirements(prof *Profile, next Tier, now time.Time) []string {
	req := next.Requirements
	var missing []string
	if prof.EducationModules < req.EducationModules {
		missing = append(missing, fmt.Sprintf("education modules %d/%d", prof.EducationModules, req.EducationModules))
	}
	if prof.ExperienceDays(now) < req.ExperienceDays {
		missing = append(missing, fmt.Sprintf("experience days %d/%d", prof.ExperienceDays(now), req.ExperienceDays))
	}
	if prof.TotalVolume < req.Volume {
		missing = append(missing, fmt.Sprintf("volume %.0f/%.0f", prof.TotalVolume, req.Volume))
	}
	if prof.WinRatePct() < req.WinRatePct {
		missing = append(missing, fmt.Sprintf("win rate %.1f%%/%.1f%%", prof.WinRatePct(), req.WinRatePct))
	}
	if req.MaxConsecutiveLosses > 0 && prof.ConsecutiveLosses > req.MaxConsecutiveLosses {
		missing = append(missing, fmt.Sprintf("consecutive losses %d exceeds ceiling %d", prof.ConsecutiveLosses, req.MaxConsecutiveLosses))
	}
	return missing
}

// MissingRequirements lists what still blocks promotion to the next
// tier, for UI purposes. Empty slice with ok=false means the user is
// already at the top tier.
func (p *Provider) MissingRequirements(userID string) ([]string, bool) {
	now := p.nowFn()
	p.mu.Lock()
	defer p.mu.Unlock()
	prof := p.profileLocked(userID)
	next, ok := p.nextTierLocked(prof.TierLevel)
	if !ok {
		return nil, false
	}
	return missingRequirements(prof, next, now), true
}

// ErrAtLowestTier signals a demotion request for a level-1 user.
var ErrAtLowestTier = errors.New("user already at lowest tier")

// RecordViolation notes a tier violation and demotes the user exactly
// one level, never below the lowest tier. The next mandatory tier
// review is pushed out.
func (p *Provider) RecordViolation(userID, reason string) error {
	now := p.nowFn()
	p.mu.Lock()
	defer p.mu.Unlock()

	prof := p.profileLocked(userID)
	prof.Violations = append(prof.Violations, Violation{Reason: reason, At: now})
	prof.NextTierReviewAt = now.Add(30 * 24 * time.Hour)

	var demoted bool
	for i, t := range p.tiers {
		if t.Level == prof.TierLevel && i > 0 {
			prof.TierLevel = p.tiers[i-1].Level
			demoted = true
			break
		}
	}
	p.persist(prof)
	if !demoted {
		return ErrAtLowestTier
	}
	logger.Warnf("risk: user %s demoted to tier %d after violation: %s", userID, prof.TierLevel, reason)
	return nil
}

// SetClock overrides the time source for tests.
func (p *Provider) SetClock(now func() time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if now != nil {
		p.nowFn = now
	}
}
