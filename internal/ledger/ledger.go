package ledger

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"margind/internal/audit"
	"margind/internal/logger"
	"margind/internal/risk"
	"margind/internal/store"
	"margind/internal/store/archive"

	"github.com/google/uuid"
)

const (
	positionKeyPrefix  = "ledger/position/"
	portfolioKeyPrefix = "ledger/portfolio/"
)

// Config tunes ledger behavior.
type Config struct {
	// InitialBalance seeds a portfolio on first access.
	InitialBalance float64
	// AutoAssignStop controls whether a tier-mandated stop-loss is
	// silently assigned when the caller omits one. When false the open
	// is rejected instead.
	AutoAssignStop bool
}

func (c Config) withDefaults() Config {
	if c.InitialBalance <= 0 {
		c.InitialBalance = 10000
	}
	return c
}

// Ledger owns positions and portfolios. Every mutation happens under a
// single lock so repricing, liquidation and user-initiated closes can
// never interleave on the same aggregate; reference prices are always
// resolved before the lock is taken, so no network call ever runs
// inside it.
type Ledger struct {
	cfg   Config
	kv    store.Store
	risk  *risk.Provider
	guard *risk.Guard
	sink  audit.Sink
	arc   *archive.Archive

	mu         sync.Mutex
	positions  map[string]*Position
	openBySym  map[string]map[string]struct{}
	openByUser map[string]map[string]struct{}
	portfolios map[string]*Portfolio

	nowFn func() time.Time
	idFn  func() string
}

func New(cfg Config, kv store.Store, provider *risk.Provider, guard *risk.Guard, sink audit.Sink, arc *archive.Archive) (*Ledger, error) {
	if kv == nil {
		return nil, fmt.Errorf("ledger: store is required")
	}
	if provider == nil || guard == nil {
		return nil, fmt.Errorf("ledger: risk provider and guard are required")
	}
	if sink == nil {
		sink = audit.NopSink{}
	}
	l := &Ledger{
		cfg:        cfg.withDefaults(),
		kv:         kv,
		risk:       provider,
		guard:      guard,
		sink:       sink,
		arc:        arc,
		positions:  make(map[string]*Position),
		openBySym:  make(map[string]map[string]struct{}),
		openByUser: make(map[string]map[string]struct{}),
		portfolios: make(map[string]*Portfolio),
		nowFn:      time.Now,
		idFn:       uuid.NewString,
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	return l, nil
}

// recover rebuilds the in-memory indexes from the store so open
// positions survive a restart.
func (l *Ledger) recover() error {
	posEntries, err := l.kv.List(positionKeyPrefix)
	if err != nil {
		return fmt.Errorf("recovering positions: %w", err)
	}
	for key, raw := range posEntries {
		var pos Position
		if err := json.Unmarshal(raw, &pos); err != nil {
			logger.Warnf("ledger: skipping corrupt position %s: %v", key, err)
			continue
		}
		l.positions[pos.ID] = &pos
		if pos.Status == StatusOpen {
			l.indexOpen(&pos)
		}
	}
	pfEntries, err := l.kv.List(portfolioKeyPrefix)
	if err != nil {
		return fmt.Errorf("recovering portfolios: %w", err)
	}
	for key, raw := range pfEntries {
		var pf Portfolio
		if err := json.Unmarshal(raw, &pf); err != nil {
			logger.Warnf("ledger: skipping corrupt portfolio %s: %v", key, err)
			continue
		}
		l.portfolios[portfolioKey(pf.UserID, pf.Paper)] = &pf
	}
	if len(l.positions) > 0 || len(l.portfolios) > 0 {
		logger.Infof("ledger: recovered %d positions, %d portfolios", len(l.positions), len(l.portfolios))
	}
	return nil
}

func portfolioKey(userID string, paper bool) string {
	mode := "live"
	if paper {
		mode = "paper"
	}
	return userID + "/" + mode
}

func (l *Ledger) indexOpen(pos *Position) {
	if l.openBySym[pos.Symbol] == nil {
		l.openBySym[pos.Symbol] = make(map[string]struct{})
	}
	l.openBySym[pos.Symbol][pos.ID] = struct{}{}
	if l.openByUser[pos.UserID] == nil {
		l.openByUser[pos.UserID] = make(map[string]struct{})
	}
	l.openByUser[pos.UserID][pos.ID] = struct{}{}
}

func (l *Ledger) unindexOpen(pos *Position) {
	if ids := l.openBySym[pos.Symbol]; ids != nil {
		delete(ids, pos.ID)
		if len(ids) == 0 {
			delete(l.openBySym, pos.Symbol)
		}
	}
	if ids := l.openByUser[pos.UserID]; ids != nil {
		delete(ids, pos.ID)
		if len(ids) == 0 {
			delete(l.openByUser, pos.UserID)
		}
	}
}

func (l *Ledger) persistPosition(pos *Position) {
	raw, err := json.Marshal(pos)
	if err != nil {
		logger.Errorf("ledger: marshal position %s: %v", pos.ID, err)
		return
	}
	if err := l.kv.Put(positionKeyPrefix+pos.ID, raw); err != nil {
		logger.Errorf("ledger: persist position %s: %v", pos.ID, err)
	}
}

func (l *Ledger) persistPortfolio(pf *Portfolio) {
	raw, err := json.Marshal(pf)
	if err != nil {
		logger.Errorf("ledger: marshal portfolio %s: %v", pf.UserID, err)
		return
	}
	if err := l.kv.Put(portfolioKeyPrefix+portfolioKey(pf.UserID, pf.Paper), raw); err != nil {
		logger.Errorf("ledger: persist portfolio %s: %v", pf.UserID, err)
	}
}

// portfolioLocked lazily creates a portfolio on first access.
func (l *Ledger) portfolioLocked(userID string, paper bool) *Portfolio {
	key := portfolioKey(userID, paper)
	pf, ok := l.portfolios[key]
	if !ok {
		now := l.nowFn()
		pf = &Portfolio{
			UserID:           userID,
			Paper:            paper,
			TotalBalance:     l.cfg.InitialBalance,
			AvailableBalance: l.cfg.InitialBalance,
			TotalEquity:      l.cfg.InitialBalance,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		l.portfolios[key] = pf
		l.persistPortfolio(pf)
	}
	return pf
}

// openForPortfolioLocked lists open positions backing a portfolio.
func (l *Ledger) openForPortfolioLocked(userID string, paper bool) []*Position {
	var out []*Position
	for id := range l.openByUser[userID] {
		pos := l.positions[id]
		if pos != nil && pos.Paper == paper {
			out = append(out, pos)
		}
	}
	return out
}

func (l *Ledger) openCountLocked(userID string, paper bool) int {
	count := 0
	for id := range l.openByUser[userID] {
		if pos := l.positions[id]; pos != nil && pos.Paper == paper {
			count++
		}
	}
	return count
}

// Portfolio returns a copy of the user's portfolio, creating it on
// first access.
func (l *Ledger) Portfolio(userID string, paper bool) Portfolio {
	l.mu.Lock()
	defer l.mu.Unlock()
	return *l.portfolioLocked(userID, paper)
}

// ResetPortfolio replaces the portfolio wholesale with a fresh one and
// drops the user's open positions in that mode.
func (l *Ledger) ResetPortfolio(userID string, paper bool) Portfolio {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, pos := range l.openForPortfolioLocked(userID, paper) {
		l.unindexOpen(pos)
		delete(l.positions, pos.ID)
		if err := l.kv.Delete(positionKeyPrefix + pos.ID); err != nil {
			logger.Errorf("ledger: delete position %s: %v", pos.ID, err)
		}
	}
	now := l.nowFn()
	pf := &Portfolio{
		UserID:           userID,
		Paper:            paper,
		TotalBalance:     l.cfg.InitialBalance,
		AvailableBalance: l.cfg.InitialBalance,
		TotalEquity:      l.cfg.InitialBalance,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	l.portfolios[portfolioKey(userID, paper)] = pf
	l.persistPortfolio(pf)
	logger.Infof("ledger: portfolio reset for %s (paper=%v)", userID, paper)
	return *pf
}

// OpenPositions returns copies of the user's open positions, newest
// first.
func (l *Ledger) OpenPositions(userID string) []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Position, 0, len(l.openByUser[userID]))
	for id := range l.openByUser[userID] {
		if pos := l.positions[id]; pos != nil {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// GetPosition returns a copy of one position owned by the caller.
func (l *Ledger) GetPosition(userID, positionID string) (Position, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[positionID]
	if !ok || pos.UserID != userID {
		return Position{}, notFoundf("position %s", positionID)
	}
	return *pos, nil
}

// Positions returns all of the user's positions including closed ones.
func (l *Ledger) Positions(userID string) []Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Position
	for _, pos := range l.positions {
		if pos.UserID == userID {
			out = append(out, *pos)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.After(out[j].OpenedAt) })
	return out
}

// Warning is one derived risk advisory for the warnings query.
type Warning struct {
	Level   string `json:"level"` // info | warning | critical
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RiskWarnings derives advisories from current portfolio and position
// state: margin usage bands, proximity to liquidation, daily-loss
// headroom.
func (l *Ledger) RiskWarnings(userID string, paper bool) []Warning {
	tier := l.risk.TierFor(userID)
	dailyLoss := l.guard.DailyLoss(userID)

	l.mu.Lock()
	defer l.mu.Unlock()

	pf := l.portfolioLocked(userID, paper)
	warnings := make([]Warning, 0, 4)

	switch {
	case pf.MarginRatio >= 0.8:
		warnings = append(warnings, Warning{
			Level: "critical", Code: "margin_usage",
			Message: fmt.Sprintf("margin ratio %.0f%%, forced liquidation risk", pf.MarginRatio*100),
		})
	case pf.MarginRatio >= 0.5:
		warnings = append(warnings, Warning{
			Level: "warning", Code: "margin_usage",
			Message: fmt.Sprintf("margin ratio %.0f%% of equity in use", pf.MarginRatio*100),
		})
	}

	if tier.Limits.MaxDailyLoss > 0 && dailyLoss >= tier.Limits.MaxDailyLoss*0.8 {
		warnings = append(warnings, Warning{
			Level: "warning", Code: "daily_loss",
			Message: fmt.Sprintf("daily loss %.2f approaching cap %.2f", dailyLoss, tier.Limits.MaxDailyLoss),
		})
	}

	for _, pos := range l.openForPortfolioLocked(userID, paper) {
		if pos.LiquidationPrice <= 0 || pos.MarkPrice <= 0 {
			continue
		}
		dist := (pos.MarkPrice - pos.LiquidationPrice) / pos.MarkPrice
		if pos.IsShort() {
			dist = (pos.LiquidationPrice - pos.MarkPrice) / pos.MarkPrice
		}
		if dist < 0.02 {
			warnings = append(warnings, Warning{
				Level: "critical", Code: "near_liquidation",
				Message: fmt.Sprintf("%s %s within 2%% of liquidation price %.2f", pos.Symbol, pos.Side, pos.LiquidationPrice),
			})
		}
	}
	return warnings
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// SetClock overrides the time source for tests.
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if now != nil {
		l.nowFn = now
	}
}
