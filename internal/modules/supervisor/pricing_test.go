package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aristath/signalmirror/internal/domain"
)

func TestVirtualStop_LongTrailsBelowBest(t *testing.T) {
	assert.Equal(t, 98.0, virtualStop(domain.SideLong, 100, 0.02))
}

func TestVirtualStop_ShortTrailsAboveBest(t *testing.T) {
	assert.Equal(t, 102.0, virtualStop(domain.SideShort, 100, 0.02))
}

func TestUnrealizedProfitPct_Long(t *testing.T) {
	pos := domain.Position{Side: domain.SideLong, EntryPrice: 100}
	assert.InDelta(t, 0.1, unrealizedProfitPct(pos, 110), 1e-9)
	assert.InDelta(t, -0.05, unrealizedProfitPct(pos, 95), 1e-9)
}

func TestUnrealizedProfitPct_Short(t *testing.T) {
	pos := domain.Position{Side: domain.SideShort, EntryPrice: 100}
	assert.InDelta(t, 0.1, unrealizedProfitPct(pos, 90), 1e-9)
	assert.InDelta(t, -0.05, unrealizedProfitPct(pos, 105), 1e-9)
}

func TestNextUTCDayBoundary_IsMidnightTomorrow(t *testing.T) {
	until := nextUTCDayBoundary()
	now := time.Now().UTC()
	assert.Equal(t, 0, until.Hour())
	assert.Equal(t, 0, until.Minute())
	assert.True(t, until.After(now))
	assert.True(t, until.Before(now.Add(25*time.Hour)))
}
