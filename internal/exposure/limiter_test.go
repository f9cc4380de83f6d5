package exposure

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/funding-engine/internal/model"
	"github.com/atmx/funding-engine/internal/rules"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func testRules() rules.Rules {
	r, err := rules.Default().Lookup(rules.Tier5K)
	if err != nil {
		panic(err)
	}
	return r // 10 positions, exposure 2500
}

func open(market string, dir model.Direction, shares, entry float64) model.Position {
	return model.Position{
		MarketID: market, Direction: dir, Shares: d(shares), EntryPrice: d(entry), Status: model.PositionOpen,
	}
}

func TestCheck_WithinLimits(t *testing.T) {
	l := NewLimiter()

	u, err := l.Check(testRules(), nil, Order{MarketID: "m1", Direction: model.DirectionYes, Cost: d(100)})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if u.OpenPositions != 1 {
		t.Errorf("expected 1 projected position, got %d", u.OpenPositions)
	}
}

func TestCheck_PositionCountExceeded(t *testing.T) {
	l := NewLimiter()
	var existing []model.Position
	for i := 0; i < 10; i++ {
		existing = append(existing, open(string(rune('a'+i)), model.DirectionYes, 10, 0.5))
	}

	_, err := l.Check(testRules(), existing, Order{MarketID: "new", Direction: model.DirectionYes, Cost: d(10)})
	if !errors.Is(err, ErrPositionCountExceeded) {
		t.Errorf("expected ErrPositionCountExceeded, got %v", err)
	}

	// Adding to a held position does not open a new one.
	_, err = l.Check(testRules(), existing, Order{MarketID: "a", Direction: model.DirectionYes, Cost: d(10)})
	if err != nil {
		t.Errorf("expected no error adding to held position, got %v", err)
	}

	// Same market, other direction is a new position.
	_, err = l.Check(testRules(), existing, Order{MarketID: "a", Direction: model.DirectionNo, Cost: d(10)})
	if !errors.Is(err, ErrPositionCountExceeded) {
		t.Errorf("expected ErrPositionCountExceeded, got %v", err)
	}
}

func TestCheck_ExposureExceeded(t *testing.T) {
	l := NewLimiter()
	existing := []model.Position{
		open("m1", model.DirectionYes, 2000, 0.60), // 1200
		open("m2", model.DirectionNo, 1000, 0.90),  // 900
	}

	_, err := l.Check(testRules(), existing, Order{MarketID: "m3", Direction: model.DirectionYes, Cost: d(400)})
	if err != nil {
		t.Errorf("2500 is at the limit, expected no error, got %v", err)
	}

	u, err := l.Check(testRules(), existing, Order{MarketID: "m3", Direction: model.DirectionYes, Cost: d(400.01)})
	if !errors.Is(err, ErrExposureExceeded) {
		t.Errorf("expected ErrExposureExceeded, got %v", err)
	}
	if !u.Exposure.Equal(d(2500.01)) {
		t.Errorf("expected projected exposure 2500.01, got %s", u.Exposure)
	}
}

func TestCheck_ClosedPositionsIgnored(t *testing.T) {
	l := NewLimiter()
	closed := open("m1", model.DirectionYes, 10000, 0.9)
	closed.Status = model.PositionClosed

	_, err := l.Check(testRules(), []model.Position{closed}, Order{MarketID: "m2", Direction: model.DirectionYes, Cost: d(100)})
	if err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestCheck_InvalidOrder(t *testing.T) {
	l := NewLimiter()
	_, err := l.Check(testRules(), nil, Order{MarketID: "m1", Direction: model.DirectionYes, Cost: d(0)})
	if !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder, got %v", err)
	}
}
