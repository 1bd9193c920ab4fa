package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/event"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/source"
)

func envelope(seq int) event.Envelope {
	env, err := event.Wrap(event.KindKick, model.ChainEthereum, map[string]int{"seq": seq})
	if err != nil {
		panic(err)
	}
	return env
}

func seqOf(t *testing.T, env event.Envelope) int {
	t.Helper()
	var p map[string]int
	require.NoError(t, env.Decode(&p))
	return p["seq"]
}

func TestSource_DeliversSeededEnvelopesInOrder(t *testing.T) {
	src := New(envelope(1), envelope(2), envelope(3))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan source.Message, 3)
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, out) }()

	for want := 1; want <= 3; want++ {
		select {
		case msg := <-out:
			assert.Equal(t, want, seqOf(t, msg.Envelope))
			msg.Ack()
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for envelope %d", want)
		}
	}
	assert.Equal(t, 3, src.Acked())

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestSource_PublishWakesDrainedRun(t *testing.T) {
	src := New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := make(chan source.Message, 1)
	go src.Run(ctx, out)

	src.Publish(envelope(42))

	select {
	case msg := <-out:
		assert.Equal(t, 42, seqOf(t, msg.Envelope))
		msg.Nak()
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for published envelope")
	}
	assert.Equal(t, 0, src.Acked())
	assert.Equal(t, 1, src.Naked())
}

func TestSource_RunStopsOnCancelWhileIdle(t *testing.T) {
	src := New()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx, make(chan source.Message)) }()

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
