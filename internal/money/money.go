// Package money centralizes parsing and rounding of monetary values.
//
// Policy: ParseMoney never invents a value. On failure it reports ok=false
// and returns zero; callers that need a fallback go through ParseOr, which
// logs the rejected input so no financial computation treats garbage as
// zero silently.
package money

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Epsilon is the floating dust tolerated below zero on a cash balance.
var Epsilon = decimal.RequireFromString("0.01")

// CentScale is the number of decimal places cash amounts are rounded to.
const CentScale int32 = 2

// ParseMoney converts a loosely-typed value (string, number, json.Number,
// decimal, or nil) into a decimal. Empty strings, NaN, infinities, and
// unsupported types are rejected.
func ParseMoney(raw any) (decimal.Decimal, bool) {
	switch v := raw.(type) {
	case nil:
		return decimal.Zero, false
	case decimal.Decimal:
		return v, true
	case *decimal.Decimal:
		if v == nil {
			return decimal.Zero, false
		}
		return *v, true
	case string:
		return parseString(v)
	case []byte:
		return parseString(string(v))
	case json.Number:
		return parseString(v.String())
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case float32:
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat32(v), true
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int32:
		return decimal.NewFromInt32(v), true
	case int64:
		return decimal.NewFromInt(v), true
	case uint32:
		return decimal.NewFromInt(int64(v)), true
	default:
		return decimal.Zero, false
	}
}

func parseString(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "$")
	s = strings.ReplaceAll(s, ",", "")
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}

// ParseOr parses raw, returning fallback when it cannot be parsed. The
// rejection is logged with the field name so it can be traced.
func ParseOr(log *slog.Logger, field string, raw any, fallback decimal.Decimal) decimal.Decimal {
	d, ok := ParseMoney(raw)
	if ok {
		return d
	}
	if log == nil {
		log = slog.Default()
	}
	log.Warn("unparsable monetary value, using fallback",
		"field", field,
		"raw", fmt.Sprintf("%v", raw),
		"fallback", fallback.String(),
	)
	return fallback
}

// MustParse parses a value that must be valid, returning a descriptive
// error otherwise.
func MustParse(field string, raw any) (decimal.Decimal, error) {
	d, ok := ParseMoney(raw)
	if !ok {
		return decimal.Zero, fmt.Errorf("money: invalid value for %s: %v", field, raw)
	}
	return d, nil
}

// Cents rounds d to whole cents.
func Cents(d decimal.Decimal) decimal.Decimal {
	return d.Round(CentScale)
}

// NonNegative returns max(0, d).
func NonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}

// WithinEpsilon reports whether a and b differ by no more than Epsilon.
func WithinEpsilon(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Epsilon)
}
