// Package exposure implements the pre-trade position limits carried by an
// account's tier rules.
//
// Two limits apply. The number of open positions may not exceed
// MaxOpenPositions, where a buy into a market and direction the account
// already holds adds to that position instead of opening a new one. The
// aggregate cost basis of open positions, plus the new order, may not
// exceed MaxExposure.
package exposure

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/rules"
)

var (
	// ErrPositionCountExceeded is returned when a trade would open more
	// positions than the tier allows.
	ErrPositionCountExceeded = errors.New("exposure: open position limit exceeded")

	// ErrExposureExceeded is returned when a trade would push aggregate
	// cost-basis exposure beyond the tier maximum.
	ErrExposureExceeded = errors.New("exposure: exposure limit exceeded")

	// ErrInvalidOrder is returned for a non-positive order cost.
	ErrInvalidOrder = errors.New("exposure: invalid order")
)

// Order is a proposed buy.
type Order struct {
	MarketID  string          `json:"market_id"`
	Direction model.Direction `json:"direction"`
	Cost      decimal.Decimal `json:"cost"` // shares × direction-adjusted price
}

// Usage summarises an account's current and projected exposure.
type Usage struct {
	OpenPositions    int             `json:"open_positions"`
	MaxOpenPositions int             `json:"max_open_positions"`
	Exposure         decimal.Decimal `json:"exposure"`
	MaxExposure      decimal.Decimal `json:"max_exposure"`
}

// Limiter enforces tier position limits.
type Limiter struct{}

// NewLimiter creates a limiter.
func NewLimiter() *Limiter {
	return &Limiter{}
}

// Check validates whether order respects the limits in r given the
// account's open positions. It returns the projected usage alongside any
// violation.
func (l *Limiter) Check(r rules.Rules, open []model.Position, order Order) (Usage, error) {
	u := Usage{
		MaxOpenPositions: r.MaxOpenPositions,
		MaxExposure:      r.MaxExposure,
		Exposure:         decimal.Zero,
	}
	if !order.Cost.IsPositive() {
		return u, fmt.Errorf("%w: cost must be positive", ErrInvalidOrder)
	}

	// 1. Position count.
	adds := true
	for _, p := range open {
		if p.Status != model.PositionOpen {
			continue
		}
		u.OpenPositions++
		u.Exposure = u.Exposure.Add(p.CostBasis())
		if p.MarketID == order.MarketID && p.Direction == order.Direction {
			adds = false
		}
	}
	if adds {
		u.OpenPositions++
	}
	if u.OpenPositions > r.MaxOpenPositions {
		return u, fmt.Errorf("%w: %d open, limit %d", ErrPositionCountExceeded, u.OpenPositions, r.MaxOpenPositions)
	}

	// 2. Aggregate exposure.
	u.Exposure = u.Exposure.Add(order.Cost)
	if u.Exposure.GreaterThan(r.MaxExposure) {
		return u, fmt.Errorf("%w: %s exceeds %s", ErrExposureExceeded, u.Exposure.StringFixed(2), r.MaxExposure.StringFixed(2))
	}
	return u, nil
}
