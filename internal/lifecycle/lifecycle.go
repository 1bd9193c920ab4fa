// Package lifecycle holds the pure round state machine. The persistent
// store owns the canonical state; these functions decide transitions so the
// rules live in one place and are trivially testable.
//
// Active → Depleted (takes consume the full initial amount) and
// Active → Expired (time window elapses, or a newer kick supersedes the
// round) are the only transitions. Depleted and Expired are terminal; only
// a reorg correction may roll a round back out of a terminal state.
package lifecycle

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

var (
	// ErrUnknownRound marks a take referencing a round that was never kicked.
	ErrUnknownRound = errors.New("take references unknown round")
	// ErrRoundTerminal marks a take arriving after depletion or expiry.
	ErrRoundTerminal = errors.New("round is terminal")
)

// CheckTakeable returns nil when a take may be applied to the round.
func CheckTakeable(rnd *model.Round) error {
	if rnd == nil {
		return ErrUnknownRound
	}
	if rnd.State.Terminal() {
		return fmt.Errorf("%w: round %d is %s", ErrRoundTerminal, rnd.RoundID, rnd.State)
	}
	return nil
}

// StateAfterTake decides the round state once totalTaken reflects the
// applied take set. Depletion wins over expiry: a take can only have been
// applied inside the time window.
func StateAfterTake(totalTaken, initialAvailable *big.Int) model.RoundState {
	if initialAvailable.Sign() > 0 && totalTaken.Cmp(initialAvailable) >= 0 {
		return model.RoundStateDepleted
	}
	return model.RoundStateActive
}

// ExpiresAt is the instant after which an active round's price becomes
// undefined.
func ExpiresAt(rnd *model.Round, auctionLengthSeconds int64) time.Time {
	return rnd.KickedAt.Add(time.Duration(auctionLengthSeconds) * time.Second)
}

// EffectiveState evaluates lazy expiry on read: an active round past its
// window reports Expired without requiring a background timer to have
// persisted the transition yet.
func EffectiveState(rnd *model.Round, auctionLengthSeconds int64, now time.Time) model.RoundState {
	if rnd.State == model.RoundStateActive && now.After(ExpiresAt(rnd, auctionLengthSeconds)) {
		return model.RoundStateExpired
	}
	return rnd.State
}

// ParseAmount parses a non-negative base-unit integer amount string. Rollup
// columns and take amounts all use this representation.
func ParseAmount(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", s)
	}
	if v.Sign() < 0 {
		return nil, fmt.Errorf("negative amount %q", s)
	}
	return v, nil
}
