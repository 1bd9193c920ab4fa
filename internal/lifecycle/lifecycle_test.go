package lifecycle

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

func TestCheckTakeable(t *testing.T) {
	assert.ErrorIs(t, CheckTakeable(nil), ErrUnknownRound)

	rnd := &model.Round{RoundID: 3, State: model.RoundStateActive}
	assert.NoError(t, CheckTakeable(rnd))

	rnd.State = model.RoundStateDepleted
	assert.ErrorIs(t, CheckTakeable(rnd), ErrRoundTerminal)

	rnd.State = model.RoundStateExpired
	assert.ErrorIs(t, CheckTakeable(rnd), ErrRoundTerminal)
}

func TestStateAfterTake(t *testing.T) {
	avail := big.NewInt(1000)

	assert.Equal(t, model.RoundStateActive, StateAfterTake(big.NewInt(999), avail))
	assert.Equal(t, model.RoundStateDepleted, StateAfterTake(big.NewInt(1000), avail))
	// The final take may overshoot the available amount.
	assert.Equal(t, model.RoundStateDepleted, StateAfterTake(big.NewInt(1001), avail))

	// Zero-available rounds never deplete via takes; they simply expire.
	assert.Equal(t, model.RoundStateActive, StateAfterTake(big.NewInt(0), big.NewInt(0)))
}

func TestEffectiveState_LazyExpiry(t *testing.T) {
	kicked := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rnd := &model.Round{State: model.RoundStateActive, KickedAt: kicked}
	const length = int64(86400)

	assert.Equal(t, model.RoundStateActive, EffectiveState(rnd, length, kicked.Add(time.Hour)))
	assert.Equal(t, model.RoundStateActive, EffectiveState(rnd, length, kicked.Add(86400*time.Second)))
	assert.Equal(t, model.RoundStateExpired, EffectiveState(rnd, length, kicked.Add(86401*time.Second)))

	// Terminal states are reported as stored, never recomputed.
	rnd.State = model.RoundStateDepleted
	assert.Equal(t, model.RoundStateDepleted, EffectiveState(rnd, length, kicked.Add(48*time.Hour)))
}

func TestParseAmount(t *testing.T) {
	v, err := ParseAmount(" 1000000000000000000 ")
	require.NoError(t, err)
	assert.Equal(t, "1000000000000000000", v.String())

	_, err = ParseAmount("1.5")
	assert.Error(t, err)
	_, err = ParseAmount("")
	assert.Error(t, err)
	_, err = ParseAmount("-1")
	assert.Error(t, err)
}
