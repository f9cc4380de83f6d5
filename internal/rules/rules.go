// Package rules holds the tiered, versioned risk and payout parameters.
//
// The registry is immutable data: it is built once at startup (from the
// built-in tiers, optionally overridden by a YAML file) and never mutated.
// Per-account rule blobs are normalized into the same typed Rules record at
// the boundary and rejected when a required field is missing.
package rules

import (
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// Version of the built-in tier table.
const Version = 3

var (
	ErrUnknownTier   = errors.New("rules: unknown tier")
	ErrMissingField  = errors.New("rules: required field missing")
	ErrInvalidField  = errors.New("rules: invalid field value")
	ErrInvalidConfig = errors.New("rules: invalid configuration")
)

// Tier is an account-size bracket.
type Tier string

const (
	Tier5K   Tier = "5k"
	Tier10K  Tier = "10k"
	Tier25K  Tier = "25k"
	Tier50K  Tier = "50k"
	Tier100K Tier = "100k"
)

// Rules are the static limits for one tier. Percentages are fractions of
// the starting balance (0.05 = 5%); the absolute dollar limits are derived
// from them by Derive and are what every decision uses.
type Rules struct {
	Tier    Tier `json:"tier" yaml:"tier"`
	Version int  `json:"version" yaml:"version"`

	StartingBalance  decimal.Decimal `json:"starting_balance" yaml:"starting_balance"`
	DailyLossPct     decimal.Decimal `json:"daily_loss_pct" yaml:"daily_loss_pct"`
	TotalDrawdownPct decimal.Decimal `json:"total_drawdown_pct" yaml:"total_drawdown_pct"`
	ProfitTargetPct  decimal.Decimal `json:"profit_target_pct" yaml:"profit_target_pct"`
	MaxExposurePct   decimal.Decimal `json:"max_exposure_pct" yaml:"max_exposure_pct"`

	MaxDailyLoss     decimal.Decimal `json:"max_daily_loss" yaml:"-"`
	MaxTotalDrawdown decimal.Decimal `json:"max_total_drawdown" yaml:"-"`
	ProfitTarget     decimal.Decimal `json:"profit_target" yaml:"-"`
	MaxExposure      decimal.Decimal `json:"max_exposure" yaml:"-"`

	MaxOpenPositions int             `json:"max_open_positions" yaml:"max_open_positions"`
	MinTradingDays   int             `json:"min_trading_days" yaml:"min_trading_days"`
	EvaluationDays   int             `json:"evaluation_days" yaml:"evaluation_days"`
	ProfitSplit      decimal.Decimal `json:"profit_split" yaml:"profit_split"`
	PayoutCap        decimal.Decimal `json:"payout_cap" yaml:"payout_cap"`
}

// Derive fills the absolute limits from the percentages.
func (r Rules) Derive() Rules {
	r.MaxDailyLoss = r.StartingBalance.Mul(r.DailyLossPct).Round(2)
	r.MaxTotalDrawdown = r.StartingBalance.Mul(r.TotalDrawdownPct).Round(2)
	r.ProfitTarget = r.StartingBalance.Mul(r.ProfitTargetPct).Round(2)
	r.MaxExposure = r.StartingBalance.Mul(r.MaxExposurePct).Round(2)
	return r
}

// Validate rejects rules that would make a decision meaningless.
func (r Rules) Validate() error {
	if r.Tier == "" {
		return fmt.Errorf("%w: tier", ErrMissingField)
	}
	if !r.StartingBalance.IsPositive() {
		return fmt.Errorf("%w: starting_balance must be positive", ErrInvalidField)
	}
	for name, pct := range map[string]decimal.Decimal{
		"daily_loss_pct":     r.DailyLossPct,
		"total_drawdown_pct": r.TotalDrawdownPct,
		"profit_target_pct":  r.ProfitTargetPct,
		"max_exposure_pct":   r.MaxExposurePct,
	} {
		if !pct.IsPositive() || pct.GreaterThan(decimal.NewFromInt(1)) {
			return fmt.Errorf("%w: %s must be in (0, 1]", ErrInvalidField, name)
		}
	}
	if !r.ProfitSplit.IsPositive() || r.ProfitSplit.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: profit_split must be in (0, 1]", ErrInvalidField)
	}
	if !r.PayoutCap.IsPositive() {
		return fmt.Errorf("%w: payout_cap must be positive", ErrInvalidField)
	}
	if r.MaxOpenPositions <= 0 {
		return fmt.Errorf("%w: max_open_positions must be positive", ErrInvalidField)
	}
	if r.MinTradingDays < 0 || r.EvaluationDays < 0 {
		return fmt.Errorf("%w: day counts must not be negative", ErrInvalidField)
	}
	return nil
}

// Registry maps tiers to their rules. The zero value is empty; use Default
// or LoadFile.
type Registry struct {
	version int
	tiers   map[Tier]Rules
}

// NewRegistry validates and derives every tier and returns a registry.
func NewRegistry(version int, tiers []Rules) (*Registry, error) {
	if len(tiers) == 0 {
		return nil, fmt.Errorf("%w: no tiers", ErrInvalidConfig)
	}
	m := make(map[Tier]Rules, len(tiers))
	for _, r := range tiers {
		if r.Version == 0 {
			r.Version = version
		}
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("tier %s: %w", r.Tier, err)
		}
		if _, dup := m[r.Tier]; dup {
			return nil, fmt.Errorf("%w: duplicate tier %s", ErrInvalidConfig, r.Tier)
		}
		m[r.Tier] = r.Derive()
	}
	return &Registry{version: version, tiers: m}, nil
}

// Version returns the registry version.
func (g *Registry) Version() int { return g.version }

// Lookup returns the rules for a tier.
func (g *Registry) Lookup(t Tier) (Rules, error) {
	r, ok := g.tiers[t]
	if !ok {
		return Rules{}, fmt.Errorf("%w: %s", ErrUnknownTier, t)
	}
	return r, nil
}

// ForBalance returns the tier whose starting balance equals balance.
func (g *Registry) ForBalance(balance decimal.Decimal) (Rules, error) {
	for _, r := range g.tiers {
		if r.StartingBalance.Equal(balance) {
			return r, nil
		}
	}
	return Rules{}, fmt.Errorf("%w: no tier for starting balance %s", ErrUnknownTier, balance)
}

// All returns every tier ordered by starting balance.
func (g *Registry) All() []Rules {
	out := make([]Rules, 0, len(g.tiers))
	for _, r := range g.tiers {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartingBalance.LessThan(out[j].StartingBalance)
	})
	return out
}

func pct(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func builtinTiers() []Rules {
	base := func(t Tier, balance int64, positions int, payoutCap int64) Rules {
		return Rules{
			Tier:             t,
			Version:          Version,
			StartingBalance:  decimal.NewFromInt(balance),
			DailyLossPct:     pct("0.05"),
			TotalDrawdownPct: pct("0.10"),
			ProfitTargetPct:  pct("0.10"),
			MaxExposurePct:   pct("0.50"),
			MaxOpenPositions: positions,
			MinTradingDays:   5,
			EvaluationDays:   30,
			ProfitSplit:      pct("0.80"),
			PayoutCap:        decimal.NewFromInt(payoutCap),
		}
	}

	t25 := base(Tier25K, 25000, 20, 20000)
	t25.DailyLossPct = pct("0.04")
	t25.TotalDrawdownPct = pct("0.08")
	t25.ProfitTargetPct = pct("0.08")

	t50 := base(Tier50K, 50000, 25, 30000)
	t50.DailyLossPct = pct("0.04")
	t50.TotalDrawdownPct = pct("0.08")
	t50.ProfitTargetPct = pct("0.08")
	t50.ProfitSplit = pct("0.85")

	t100 := base(Tier100K, 100000, 30, 50000)
	t100.DailyLossPct = pct("0.03")
	t100.TotalDrawdownPct = pct("0.06")
	t100.ProfitTargetPct = pct("0.08")
	t100.ProfitSplit = pct("0.90")
	t100.MaxExposurePct = pct("0.40")

	return []Rules{
		base(Tier5K, 5000, 10, 5000),
		base(Tier10K, 10000, 15, 10000),
		t25,
		t50,
		t100,
	}
}

// Default returns the built-in registry.
func Default() *Registry {
	g, err := NewRegistry(Version, builtinTiers())
	if err != nil {
		panic(fmt.Sprintf("rules: built-in tiers invalid: %v", err))
	}
	return g
}
