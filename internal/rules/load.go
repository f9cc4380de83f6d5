package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/funding-engine/internal/money"
)

// File is the on-disk shape of a tier override file.
type File struct {
	Version int     `yaml:"version"`
	Tiers   []Rules `yaml:"tiers"`
}

// LoadFile reads a YAML tier file. Tiers in the file replace the built-in
// tier with the same name; built-in tiers not mentioned are kept.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML bytes layered over the built-in tiers.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if f.Version <= 0 {
		return nil, fmt.Errorf("%w: version", ErrMissingField)
	}

	merged := make(map[Tier]Rules)
	var order []Tier
	for _, r := range builtinTiers() {
		merged[r.Tier] = r
		order = append(order, r.Tier)
	}
	for _, r := range f.Tiers {
		if _, ok := merged[r.Tier]; !ok {
			order = append(order, r.Tier)
		}
		r.Version = f.Version
		merged[r.Tier] = r
	}

	tiers := make([]Rules, 0, len(order))
	for _, t := range order {
		tiers = append(tiers, merged[t])
	}
	return NewRegistry(f.Version, tiers)
}

// Marshal renders the registry as YAML.
func (g *Registry) Marshal() ([]byte, error) {
	return yaml.Marshal(File{Version: g.version, Tiers: g.All()})
}

// Normalize converts a loosely-typed per-account rules blob into Rules.
// Drawdown and loss limits may be given as fractions (daily_loss_pct) or
// as absolute dollars (max_daily_loss); absolute values are converted to
// fractions of the starting balance. Any required field that is absent or
// unparsable is an error: the caller must reject the operation.
func Normalize(raw map[string]any) (Rules, error) {
	var r Rules

	tier, ok := raw["tier"].(string)
	if !ok || tier == "" {
		return Rules{}, fmt.Errorf("%w: tier", ErrMissingField)
	}
	r.Tier = Tier(tier)

	var err error
	if r.StartingBalance, err = required(raw, "starting_balance"); err != nil {
		return Rules{}, err
	}
	if !r.StartingBalance.IsPositive() {
		return Rules{}, fmt.Errorf("%w: starting_balance must be positive", ErrInvalidField)
	}

	if r.DailyLossPct, err = percentOrAbsolute(raw, "daily_loss_pct", "max_daily_loss", r.StartingBalance); err != nil {
		return Rules{}, err
	}
	if r.TotalDrawdownPct, err = percentOrAbsolute(raw, "total_drawdown_pct", "max_total_drawdown", r.StartingBalance); err != nil {
		return Rules{}, err
	}
	if r.ProfitTargetPct, err = percentOrAbsolute(raw, "profit_target_pct", "profit_target", r.StartingBalance); err != nil {
		return Rules{}, err
	}
	if r.MaxExposurePct, err = percentOrAbsolute(raw, "max_exposure_pct", "max_exposure", r.StartingBalance); err != nil {
		return Rules{}, err
	}
	if r.ProfitSplit, err = required(raw, "profit_split"); err != nil {
		return Rules{}, err
	}
	if r.PayoutCap, err = required(raw, "payout_cap"); err != nil {
		return Rules{}, err
	}
	if r.MaxOpenPositions, err = requiredInt(raw, "max_open_positions"); err != nil {
		return Rules{}, err
	}
	if r.MinTradingDays, err = requiredInt(raw, "min_trading_days"); err != nil {
		return Rules{}, err
	}
	if _, present := raw["evaluation_days"]; present {
		if r.EvaluationDays, err = requiredInt(raw, "evaluation_days"); err != nil {
			return Rules{}, err
		}
	}
	if _, present := raw["version"]; present {
		if r.Version, err = requiredInt(raw, "version"); err != nil {
			return Rules{}, err
		}
	}

	if err := r.Validate(); err != nil {
		return Rules{}, err
	}
	return r.Derive(), nil
}

// NormalizeJSON decodes a JSON rules blob and normalizes it.
func NormalizeJSON(data []byte) (Rules, error) {
	if len(data) == 0 {
		return Rules{}, fmt.Errorf("%w: rules_config is empty", ErrMissingField)
	}
	var raw map[string]any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return Rules{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return Normalize(raw)
}

func required(raw map[string]any, key string) (decimal.Decimal, error) {
	v, present := raw[key]
	if !present {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	d, err := money.MustParse(key, v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrInvalidField, err)
	}
	return d, nil
}

func requiredInt(raw map[string]any, key string) (int, error) {
	d, err := required(raw, key)
	if err != nil {
		return 0, err
	}
	if !d.Equal(d.Truncate(0)) {
		return 0, fmt.Errorf("%w: %s must be an integer", ErrInvalidField, key)
	}
	return int(d.IntPart()), nil
}

func percentOrAbsolute(raw map[string]any, pctKey, absKey string, starting decimal.Decimal) (decimal.Decimal, error) {
	if _, present := raw[pctKey]; present {
		return required(raw, pctKey)
	}
	if _, present := raw[absKey]; present {
		abs, err := required(raw, absKey)
		if err != nil {
			return decimal.Zero, err
		}
		return abs.DivRound(starting, 8), nil
	}
	return decimal.Zero, fmt.Errorf("%w: %s or %s", ErrMissingField, pctKey, absKey)
}
