package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavey0x/auction-curves-sub002/internal/alert"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/source"
	"github.com/wavey0x/auction-curves-sub002/internal/store"
)

type stubCursorRepo struct {
	store.CursorRepository
	ensureErr error
}

func (r *stubCursorRepo) EnsureExists(_ context.Context, _ model.Chain) error {
	return r.ensureErr
}

type failingSource struct {
	err error
}

func (s *failingSource) Run(_ context.Context, _ chan<- source.Message) error {
	return s.err
}

type panickingSource struct{}

func (s *panickingSource) Run(_ context.Context, _ chan<- source.Message) error {
	panic("feed connection state corrupted")
}

type recordingAlerter struct {
	mu   sync.Mutex
	sent []alert.Alert
}

func (r *recordingAlerter) Send(_ context.Context, a alert.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, a)
	return nil
}

func (r *recordingAlerter) byType(t alert.AlertType) []alert.Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alert.Alert
	for _, a := range r.sent {
		if a.Type == t {
			out = append(out, a)
		}
	}
	return out
}

func testRepos() *Repos {
	return &Repos{Cursor: &stubCursorRepo{}}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestPipeline_Run_CursorBootstrapFailureIsFatal(t *testing.T) {
	repos := &Repos{Cursor: &stubCursorRepo{ensureErr: assert.AnError}}
	p := New(Config{Chain: model.ChainEthereum}, &failingSource{err: assert.AnError}, nil, repos, nil, discardLogger())

	err := p.Run(context.Background())
	assert.ErrorIs(t, err, assert.AnError)
}

func TestPipeline_Run_RestartsAfterStageFailure(t *testing.T) {
	alerter := &recordingAlerter{}
	cfg := Config{
		Chain:                     model.ChainEthereum,
		RestartBackoff:            time.Millisecond,
		UnhealthyRestartThreshold: 3,
		Alerter:                   alerter,
	}
	srcErr := errors.New("stream connection reset")
	p := New(cfg, &failingSource{err: srcErr}, nil, testRepos(), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	waitFor(t, func() bool {
		return p.Health().Snapshot().Status == string(HealthStatusUnhealthy)
	}, "pipeline never reached the unhealthy threshold")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	unhealthy := alerter.byType(alert.AlertTypeUnhealthy)
	require.Len(t, unhealthy, 1)
	assert.Equal(t, "ethereum", unhealthy[0].Chain)
	assert.Contains(t, unhealthy[0].Fields["error"], "stream connection reset")
}

func TestPipeline_Run_RecoversFromStagePanic(t *testing.T) {
	alerter := &recordingAlerter{}
	cfg := Config{
		Chain:                     model.ChainEthereum,
		RestartBackoff:            time.Millisecond,
		UnhealthyRestartThreshold: 1,
		Alerter:                   alerter,
	}
	p := New(cfg, &panickingSource{}, nil, testRepos(), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	// The panic is contained and counted as a failed run instead of
	// crashing the process.
	waitFor(t, func() bool {
		return p.Health().Snapshot().ConsecutiveFailures >= 2
	}, "pipeline did not keep restarting after a panic")

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	unhealthy := alerter.byType(alert.AlertTypeUnhealthy)
	require.NotEmpty(t, unhealthy)
	assert.Contains(t, unhealthy[0].Fields["error"], "pipeline panic")
}

func TestPipeline_Run_StopsCleanlyOnCancel(t *testing.T) {
	p := New(Config{Chain: model.ChainEthereum}, &failingSource{err: context.Canceled}, nil, testRepos(), nil, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Run(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
