package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestOpenOrder_IsPending(t *testing.T) {
	pending := OpenOrder{Status: StatusPending}
	assert.True(t, pending.IsPending())

	open := OpenOrder{Status: StatusOpen}
	assert.False(t, open.IsPending())
}

func TestStrategyPosition_IsFlat(t *testing.T) {
	flat := StrategyPosition{Quantity: decimal.Zero}
	assert.True(t, flat.IsFlat())

	long := StrategyPosition{Quantity: decimal.NewFromInt(1)}
	assert.False(t, long.IsFlat())

	short := StrategyPosition{Quantity: decimal.NewFromInt(-1)}
	assert.False(t, short.IsFlat())
}

func TestSecuritiesToken_Expired(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	fresh := SecuritiesToken{ExpiresAt: now.Add(time.Hour)}
	assert.False(t, fresh.Expired(now))

	stale := SecuritiesToken{ExpiresAt: now.Add(-time.Hour)}
	assert.True(t, stale.Expired(now))

	atBoundary := SecuritiesToken{ExpiresAt: now}
	assert.False(t, atBoundary.Expired(now), "Expired uses After, so the exact boundary instant is not yet expired")
}
