// Package aggregate recomputes rollup statistics from distinct take sets.
// Every derived number is a pure function of the surviving takes, so a
// retraction followed by recomputation yields exactly the pre-event totals.
// Nothing here increments counters in place.
package aggregate

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

// RoundTotals are the per-round rollups recomputed after each applied take
// or retraction.
type RoundTotals struct {
	TotalTaken       *big.Int
	TotalTakeCount   int64
	CumulativeVolume *big.Int
}

// ParticipantTotals are the per-taker rollups across every round of every
// auction on one chain.
type ParticipantTotals struct {
	Taker            string
	TotalTakeCount   int64
	UniqueRoundCount int64
	TotalVolume      *big.Int
	FirstSeen        time.Time
	LastSeen         time.Time
}

// RoundFromTakes folds the distinct take set of one round into its totals.
// Duplicate natural keys in the input are counted once; the caller normally
// passes rows already deduplicated by the store's unique constraint, but the
// set semantics hold regardless.
func RoundFromTakes(takes []*model.Take) (RoundTotals, error) {
	totals := RoundTotals{
		TotalTaken:       new(big.Int),
		CumulativeVolume: new(big.Int),
	}
	seen := make(map[model.TakeKey]struct{}, len(takes))
	for _, t := range takes {
		k := t.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		taken, ok := new(big.Int).SetString(t.AmountTaken, 10)
		if !ok {
			return RoundTotals{}, fmt.Errorf("take %s: invalid amount_taken %q", k, t.AmountTaken)
		}
		paid, ok := new(big.Int).SetString(t.AmountPaid, 10)
		if !ok {
			return RoundTotals{}, fmt.Errorf("take %s: invalid amount_paid %q", k, t.AmountPaid)
		}
		totals.TotalTaken.Add(totals.TotalTaken, taken)
		totals.CumulativeVolume.Add(totals.CumulativeVolume, paid)
		totals.TotalTakeCount++
	}
	return totals, nil
}

// Progress returns the round's percent complete as an integer in [0, 100],
// clamped so over-depletion from the final take never reports above 100. A
// zero initial amount means there was nothing to sell, which counts as fully
// complete.
func Progress(totalTaken, initialAvailable *big.Int) int64 {
	if initialAvailable.Sign() == 0 {
		return 100
	}
	pct := new(big.Int).Mul(totalTaken, big.NewInt(100))
	pct.Quo(pct, initialAvailable)
	if pct.Cmp(big.NewInt(100)) > 0 {
		return 100
	}
	if pct.Sign() < 0 {
		return 0
	}
	return pct.Int64()
}

// ParticipantsFromTakes folds a taker's surviving takes, possibly spanning
// many rounds and auctions, into per-taker totals. Results are sorted by
// taker address for deterministic output.
func ParticipantsFromTakes(takes []*model.Take) ([]ParticipantTotals, error) {
	type roundRef struct {
		chain   model.Chain
		auction string
		roundID int64
	}
	byTaker := make(map[string]*ParticipantTotals)
	rounds := make(map[string]map[roundRef]struct{})
	seen := make(map[model.TakeKey]struct{}, len(takes))

	for _, t := range takes {
		k := t.Key()
		if _, dup := seen[k]; dup {
			continue
		}
		seen[k] = struct{}{}
		paid, ok := new(big.Int).SetString(t.AmountPaid, 10)
		if !ok {
			return nil, fmt.Errorf("take %s: invalid amount_paid %q", k, t.AmountPaid)
		}
		p := byTaker[t.Taker]
		if p == nil {
			p = &ParticipantTotals{
				Taker:       t.Taker,
				TotalVolume: new(big.Int),
				FirstSeen:   t.Timestamp,
				LastSeen:    t.Timestamp,
			}
			byTaker[t.Taker] = p
			rounds[t.Taker] = make(map[roundRef]struct{})
		}
		p.TotalTakeCount++
		p.TotalVolume.Add(p.TotalVolume, paid)
		if t.Timestamp.Before(p.FirstSeen) {
			p.FirstSeen = t.Timestamp
		}
		if t.Timestamp.After(p.LastSeen) {
			p.LastSeen = t.Timestamp
		}
		rounds[t.Taker][roundRef{chain: t.Chain, auction: t.AuctionAddress, roundID: t.RoundID}] = struct{}{}
	}

	out := make([]ParticipantTotals, 0, len(byTaker))
	for taker, p := range byTaker {
		p.UniqueRoundCount = int64(len(rounds[taker]))
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Taker < out[j].Taker })
	return out, nil
}
