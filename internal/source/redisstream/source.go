// Package redisstream consumes event envelopes from a Redis Stream using a
// consumer group. Unacknowledged entries are redelivered on restart via the
// pending entries list, giving at-least-once semantics without any local
// checkpoint file.
package redisstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/event"
	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/source"
)

const (
	payloadField = "envelope"
	readBatch    = 64
	readBlock    = 5 * time.Second
	claimMinIdle = time.Minute
)

type Source struct {
	client   *redis.Client
	chain    model.Chain
	stream   string
	group    string
	consumer string
	limiter  *rate.Limiter
	logger   *slog.Logger
}

type Option func(*Source)

// WithRateLimit caps envelope consumption, protecting the database during
// large backlog replays.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(s *Source) {
		s.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

func New(client *redis.Client, chain model.Chain, consumer string, opts ...Option) *Source {
	s := &Source{
		client:   client,
		chain:    chain,
		stream:   StreamKey(chain),
		group:    "auction-ingester",
		consumer: consumer,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// StreamKey is the per-chain stream the extraction layer publishes to.
func StreamKey(chain model.Chain) string {
	return fmt.Sprintf("auction:events:%s", chain)
}

func (s *Source) Run(ctx context.Context, out chan<- source.Message) error {
	if err := s.ensureGroup(ctx); err != nil {
		return err
	}

	// Entries delivered to a crashed consumer come back first.
	if err := s.drainPending(ctx, out); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.group,
			Consumer: s.consumer,
			Streams:  []string{s.stream, ">"},
			Count:    readBatch,
			Block:    readBlock,
		}).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			s.logger.Warn("stream read failed", "chain", s.chain, "error", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		for _, stream := range res {
			for _, entry := range stream.Messages {
				if err := s.deliver(ctx, out, entry); err != nil {
					return err
				}
			}
		}
	}
}

func (s *Source) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.stream, s.group, "0").Err()
	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("create consumer group %s on %s: %w", s.group, s.stream, err)
	}
	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

// drainPending replays entries this consumer read but never acknowledged,
// then claims long-idle entries abandoned by dead consumers.
func (s *Source) drainPending(ctx context.Context, out chan<- source.Message) error {
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: s.consumer,
		Streams:  []string{s.stream, "0"},
		Count:    readBatch,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("read pending entries: %w", err)
	}
	for _, stream := range res {
		for _, entry := range stream.Messages {
			if err := s.deliver(ctx, out, entry); err != nil {
				return err
			}
		}
	}

	claimed, _, err := s.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   s.stream,
		Group:    s.group,
		Consumer: s.consumer,
		MinIdle:  claimMinIdle,
		Start:    "0",
		Count:    readBatch,
	}).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("claim abandoned entries: %w", err)
	}
	for _, entry := range claimed {
		if err := s.deliver(ctx, out, entry); err != nil {
			return err
		}
	}
	return nil
}

func (s *Source) deliver(ctx context.Context, out chan<- source.Message, entry redis.XMessage) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	raw, ok := entry.Values[payloadField].(string)
	if !ok {
		// Malformed producer entry; acknowledge so it never redelivers.
		s.logger.Error("stream entry missing envelope field", "chain", s.chain, "id", entry.ID)
		s.client.XAck(ctx, s.stream, s.group, entry.ID)
		return nil
	}

	var env event.Envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		s.logger.Error("stream entry undecodable", "chain", s.chain, "id", entry.ID, "error", err)
		s.client.XAck(ctx, s.stream, s.group, entry.ID)
		return nil
	}

	id := entry.ID
	msg := source.Message{
		Envelope: env,
		Ack: func() {
			s.client.XAck(context.Background(), s.stream, s.group, id)
		},
		Nak: func() {}, // unacked entries redeliver from the pending list
	}

	select {
	case out <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
