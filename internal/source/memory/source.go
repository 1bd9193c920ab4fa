// Package memory is an in-process source used by tests and local replay.
package memory

import (
	"context"
	"sync"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/event"
	"github.com/wavey0x/auction-curves-sub002/internal/source"
)

type Source struct {
	mu     sync.Mutex
	queue  []event.Envelope
	notify chan struct{}
	acked  int
	naked  int
}

func New(envelopes ...event.Envelope) *Source {
	return &Source{
		queue:  append([]event.Envelope(nil), envelopes...),
		notify: make(chan struct{}, 1),
	}
}

// Publish appends an envelope; safe to call while Run is draining.
func (s *Source) Publish(env event.Envelope) {
	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Source) Acked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.acked
}

func (s *Source) Naked() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.naked
}

func (s *Source) Run(ctx context.Context, out chan<- source.Message) error {
	for {
		s.mu.Lock()
		var env event.Envelope
		have := len(s.queue) > 0
		if have {
			env = s.queue[0]
			s.queue = s.queue[1:]
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.notify:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		msg := source.Message{
			Envelope: env,
			Ack: func() {
				s.mu.Lock()
				s.acked++
				s.mu.Unlock()
			},
			Nak: func() {
				s.mu.Lock()
				s.naked++
				s.mu.Unlock()
			},
		}
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
