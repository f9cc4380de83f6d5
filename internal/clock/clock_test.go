package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestManual_Advance(t *testing.T) {
	m := NewManual(epoch)
	tk := m.NewTicker(10 * time.Second)
	defer tk.Stop()

	m.Advance(5 * time.Second)
	select {
	case <-tk.C():
		t.Fatal("ticker fired early")
	default:
	}

	m.Advance(5 * time.Second)
	select {
	case at := <-tk.C():
		assert.Equal(t, epoch.Add(10*time.Second), at)
	default:
		t.Fatal("ticker did not fire")
	}
	assert.Equal(t, epoch.Add(10*time.Second), m.Now())
}

func TestManual_DropsUndrainedTicks(t *testing.T) {
	m := NewManual(epoch)
	tk := m.NewTicker(time.Second)

	m.Advance(5 * time.Second)
	assert.Len(t, tk.C(), 1)
}

func TestManual_Stop(t *testing.T) {
	m := NewManual(epoch)
	tk := m.NewTicker(time.Second)
	assert.Equal(t, 1, m.Tickers())
	tk.Stop()
	assert.Equal(t, 0, m.Tickers())

	m.Advance(2 * time.Second)
	assert.Len(t, tk.C(), 0)
}

func TestManual_Set(t *testing.T) {
	m := NewManual(epoch)
	tk := m.NewTicker(time.Minute)
	m.Set(epoch.Add(time.Hour))
	assert.Len(t, tk.C(), 0)
	m.Advance(time.Minute)
	assert.Len(t, tk.C(), 1)
}
