package risk

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Requirements gate promotion into a tier. All of them must be
// satisfied simultaneously.
type Requirements struct {
	EducationModules     int     `yaml:"education_modules"`
	ExperienceDays       int     `yaml:"experience_days"`
	Volume               float64 `yaml:"volume"`
	WinRatePct           float64 `yaml:"win_rate_pct"`
	MaxConsecutiveLosses int     `yaml:"max_consecutive_losses"`
}

// Limits bound what a user at this tier may do.
type Limits struct {
	MaxLeverage      float64  `yaml:"max_leverage"`
	MaxPositionSize  float64  `yaml:"max_position_size"`
	MaxDailyLoss     float64  `yaml:"max_daily_loss"`
	MaxOpenPositions int      `yaml:"max_open_positions"`
	MaxOrderValue    float64  `yaml:"max_order_value"`
	RequireStopLoss  bool     `yaml:"require_stop_loss"`
	StopLossPct      float64  `yaml:"stop_loss_pct"`
	Instruments      []string `yaml:"instruments"`
}

// AllowsInstrument checks the allow-list; "*" permits everything.
func (l Limits) AllowsInstrument(symbol string) bool {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	for _, inst := range l.Instruments {
		inst = strings.ToUpper(strings.TrimSpace(inst))
		if inst == "*" || inst == symbol {
			return true
		}
	}
	return false
}

// Tier is one immutable risk classification level.
type Tier struct {
	Level        int          `yaml:"level"`
	Name         string       `yaml:"name"`
	Requirements Requirements `yaml:"requirements"`
	Limits       Limits       `yaml:"limits"`
}

type tiersFile struct {
	Tiers []Tier `yaml:"tiers"`
}

// LoadTiers reads tier definitions from a yaml file and validates the
// level ordering.
func LoadTiers(path string) ([]Tier, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tiers file: %w", err)
	}
	var file tiersFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parsing tiers file: %w", err)
	}
	if err := validateTiers(file.Tiers); err != nil {
		return nil, err
	}
	sort.Slice(file.Tiers, func(i, j int) bool { return file.Tiers[i].Level < file.Tiers[j].Level })
	return file.Tiers, nil
}

func validateTiers(tiers []Tier) error {
	if len(tiers) == 0 {
		return fmt.Errorf("tiers file defines no tiers")
	}
	seen := make(map[int]bool, len(tiers))
	for _, t := range tiers {
		if t.Level <= 0 {
			return fmt.Errorf("tier %q has invalid level %d", t.Name, t.Level)
		}
		if seen[t.Level] {
			return fmt.Errorf("duplicate tier level %d", t.Level)
		}
		seen[t.Level] = true
		if t.Limits.MaxLeverage <= 0 {
			return fmt.Errorf("tier %q: max_leverage must be positive", t.Name)
		}
		if t.Limits.MaxOpenPositions <= 0 {
			return fmt.Errorf("tier %q: max_open_positions must be positive", t.Name)
		}
		if len(t.Limits.Instruments) == 0 {
			return fmt.Errorf("tier %q: instrument allow-list is empty", t.Name)
		}
		if t.Limits.RequireStopLoss && t.Limits.StopLossPct <= 0 {
			return fmt.Errorf("tier %q: mandatory stop-loss needs stop_loss_pct", t.Name)
		}
	}
	return nil
}

// DefaultTiers is the built-in ladder used when no tiers file is
// configured.
func DefaultTiers() []Tier {
	return []Tier{
		{
			Level: 1,
			Name:  "village",
			Limits: Limits{
				MaxLeverage:      5,
				MaxPositionSize:  1000,
				MaxDailyLoss:     100,
				MaxOpenPositions: 2,
				MaxOrderValue:    500,
				RequireStopLoss:  true,
				StopLossPct:      0.05,
				Instruments:      []string{"BTCUSDT", "ETHUSDT"},
			},
		},
		{
			Level: 2,
			Name:  "town",
			Requirements: Requirements{
				EducationModules:     3,
				ExperienceDays:       14,
				Volume:               10000,
				WinRatePct:           40,
				MaxConsecutiveLosses: 6,
			},
			Limits: Limits{
				MaxLeverage:      10,
				MaxPositionSize:  5000,
				MaxDailyLoss:     500,
				MaxOpenPositions: 4,
				MaxOrderValue:    2500,
				RequireStopLoss:  true,
				StopLossPct:      0.08,
				Instruments:      []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "BNBUSDT"},
			},
		},
		{
			Level: 3,
			Name:  "city",
			Requirements: Requirements{
				EducationModules:     6,
				ExperienceDays:       45,
				Volume:               100000,
				WinRatePct:           45,
				MaxConsecutiveLosses: 5,
			},
			Limits: Limits{
				MaxLeverage:      25,
				MaxPositionSize:  25000,
				MaxDailyLoss:     2500,
				MaxOpenPositions: 8,
				MaxOrderValue:    10000,
				RequireStopLoss:  false,
				Instruments:      []string{"*"},
			},
		},
		{
			Level: 4,
			Name:  "kingdom",
			Requirements: Requirements{
				EducationModules:     10,
				ExperienceDays:       120,
				Volume:               1000000,
				WinRatePct:           50,
				MaxConsecutiveLosses: 4,
			},
			Limits: Limits{
				MaxLeverage:      50,
				MaxPositionSize:  100000,
				MaxDailyLoss:     10000,
				MaxOpenPositions: 15,
				MaxOrderValue:    50000,
				RequireStopLoss:  false,
				Instruments:      []string{"*"},
			},
		},
	}
}
