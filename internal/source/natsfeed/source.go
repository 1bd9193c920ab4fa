// Package natsfeed consumes event envelopes from NATS JetStream. Each chain
// gets a durable consumer with explicit acknowledgement; unacked messages
// redeliver until MaxDeliver, which keeps delivery at-least-once across
// restarts.
package natsfeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/event"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/source"
)

const (
	StreamName = "AUCTION_EVENTS"

	ackWait    = 30 * time.Second
	maxDeliver = 5
)

// Subject is the per-chain subject the extraction layer publishes envelopes
// to.
func Subject(chain model.Chain) string {
	return fmt.Sprintf("auction.events.%s", chain)
}

func consumerName(chain model.Chain) string {
	return fmt.Sprintf("auction-ingester-%s", chain)
}

// Connect establishes the NATS connection and JetStream context with
// unbounded reconnects.
func Connect(url string, logger *slog.Logger) (*nats.Conn, jetstream.JetStream, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, nil, fmt.Errorf("jetstream: %w", err)
	}
	return nc, js, nil
}

// EnsureStream creates the event stream if it does not exist.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      StreamName,
		Subjects:  []string{"auction.events.>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    72 * time.Hour,
		Replicas:  1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	return nil
}

type Source struct {
	js     jetstream.JetStream
	chain  model.Chain
	logger *slog.Logger
}

func New(js jetstream.JetStream, chain model.Chain, logger *slog.Logger) *Source {
	return &Source{js: js, chain: chain, logger: logger}
}

func (s *Source) Run(ctx context.Context, out chan<- source.Message) error {
	consumer, err := s.js.CreateOrUpdateConsumer(ctx, StreamName, jetstream.ConsumerConfig{
		Durable:       consumerName(s.chain),
		FilterSubject: Subject(s.chain),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		MaxDeliver:    maxDeliver,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", s.chain, err)
	}

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		var env event.Envelope
		if err := json.Unmarshal(msg.Data(), &env); err != nil {
			// Undecodable payloads never become decodable; drop them.
			s.logger.Error("envelope undecodable", "chain", s.chain, "error", err)
			msg.Ack()
			return
		}

		m := source.Message{
			Envelope: env,
			Ack:      func() { msg.Ack() },
			Nak:      func() { msg.Nak() },
		}
		select {
		case out <- m:
		case <-ctx.Done():
			msg.Nak()
		}
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", consumerName(s.chain), err)
	}
	defer cc.Stop()

	<-ctx.Done()
	return ctx.Err()
}
