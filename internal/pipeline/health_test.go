package pipeline

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHealth_StartsUnknown(t *testing.T) {
	h := NewHealth(model.ChainEthereum)
	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusUnknown), snap.Status)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Nil(t, snap.LastSuccessAt)
	assert.Nil(t, snap.LastFailureAt)
}

func TestHealth_UnhealthyAfterThresholdFailures(t *testing.T) {
	h := NewHealth(model.ChainEthereum)
	h.SetUnhealthyThreshold(3)

	assert.False(t, h.RecordFailure())
	assert.False(t, h.RecordFailure())
	assert.True(t, h.RecordFailure())
	assert.Equal(t, string(HealthStatusUnhealthy), h.Snapshot().Status)

	// Already unhealthy; later failures do not re-transition.
	assert.False(t, h.RecordFailure())
	assert.Equal(t, 4, h.Snapshot().ConsecutiveFailures)
}

func TestHealth_SuccessResetsFailureStreak(t *testing.T) {
	h := NewHealth(model.ChainEthereum)
	h.SetUnhealthyThreshold(3)

	h.RecordFailure()
	h.RecordFailure()
	assert.False(t, h.RecordSuccess())

	snap := h.Snapshot()
	assert.Equal(t, string(HealthStatusHealthy), snap.Status)
	assert.Zero(t, snap.ConsecutiveFailures)
	require.NotNil(t, snap.LastSuccessAt)

	// The streak starts over after a success.
	assert.False(t, h.RecordFailure())
	assert.Equal(t, 1, h.Snapshot().ConsecutiveFailures)
}

func TestHealth_SuccessFromUnhealthyReportsRecovery(t *testing.T) {
	h := NewHealth(model.ChainEthereum)
	h.SetUnhealthyThreshold(1)

	assert.True(t, h.RecordFailure())
	assert.True(t, h.RecordSuccess())
	assert.Equal(t, string(HealthStatusHealthy), h.Snapshot().Status)
}

func TestHealth_ZeroThresholdIgnored(t *testing.T) {
	h := NewHealth(model.ChainEthereum)
	h.SetUnhealthyThreshold(0)

	for i := 0; i < DefaultUnhealthyThreshold-1; i++ {
		assert.False(t, h.RecordFailure())
	}
	assert.True(t, h.RecordFailure())
}

func TestRegistry_HealthSnapshotsKeyedByChain(t *testing.T) {
	r := NewRegistry()
	r.Register(New(Config{Chain: model.ChainEthereum}, nil, nil, &Repos{}, nil, discardLogger()))
	r.Register(New(Config{Chain: model.ChainBase}, nil, nil, &Repos{}, nil, discardLogger()))

	snaps, ok := r.HealthSnapshots().(map[string]HealthSnapshot)
	require.True(t, ok)
	require.Len(t, snaps, 2)
	assert.Equal(t, "ethereum", snaps["ethereum"].Chain)
	assert.Equal(t, "base", snaps["base"].Chain)
}

func TestRegistry_TriggerReorgCheckUnknownChain(t *testing.T) {
	r := NewRegistry()
	assert.False(t, r.TriggerReorgCheck(model.ChainPolygon))

	r.Register(New(Config{Chain: model.ChainPolygon}, nil, nil, &Repos{}, nil, discardLogger()))
	// No detector is running yet; the trigger still reports the chain known.
	assert.True(t, r.TriggerReorgCheck(model.ChainPolygon))
}
