// Package pricing computes the point-in-time price of an auction round.
// Price is a step function of elapsed time: it holds constant within each
// price-update interval and decays by a fixed ray ratio at every step
// boundary.
package pricing

import (
	"fmt"
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
	"github.com/wavey0x/auction-curves-sub002/internal/ray"
)

// Config is the parsed pricing configuration for one auction config version.
// Parsing happens once at load time so PriceAt stays allocation-light on the
// read path.
type Config struct {
	PriceUpdateInterval  int64
	DecayRatePerStep     ray.Ray
	FixedStartingPrice   ray.Ray // zero when the auction uses dynamic pricing
	AuctionLengthSeconds int64
}

// FromModel parses and validates a stored configuration version. The same
// bounds are enforced at auction creation; this guards against corrupt rows.
func FromModel(v *model.AuctionConfigVersion) (Config, error) {
	if v.PriceUpdateInterval <= 0 {
		return Config{}, fmt.Errorf("price update interval must be positive, got %d", v.PriceUpdateInterval)
	}
	if v.AuctionLengthSeconds <= 0 {
		return Config{}, fmt.Errorf("auction length must be positive, got %d", v.AuctionLengthSeconds)
	}
	decay, err := ray.FromScaled(v.DecayRatePerStep)
	if err != nil {
		return Config{}, fmt.Errorf("decay rate: %w", err)
	}
	if !ray.InUnitInterval(decay) {
		return Config{}, fmt.Errorf("decay rate %s outside (0, 1]", decay)
	}
	cfg := Config{
		PriceUpdateInterval:  v.PriceUpdateInterval,
		DecayRatePerStep:     decay,
		FixedStartingPrice:   ray.Zero(),
		AuctionLengthSeconds: v.AuctionLengthSeconds,
	}
	if v.FixedStartingPrice != nil {
		fixed, err := ray.FromScaled(*v.FixedStartingPrice)
		if err != nil {
			return Config{}, fmt.Errorf("fixed starting price: %w", err)
		}
		cfg.FixedStartingPrice = fixed
	}
	return cfg, nil
}

// BasePrice resolves the round's starting price: the fixed price when
// configured and nonzero, otherwise the dynamic price captured at kick time.
// The dynamic value is a direct per-unit price; it is never divided by the
// round's available amount.
func BasePrice(cfg Config, rnd *model.Round) (ray.Ray, error) {
	if !cfg.FixedStartingPrice.IsZero() {
		return cfg.FixedStartingPrice, nil
	}
	if rnd.DynamicStartingPrice == nil {
		return ray.Ray{}, fmt.Errorf("round %s/%s/%d has neither fixed nor dynamic starting price",
			rnd.Chain, rnd.AuctionAddress, rnd.RoundID)
	}
	return ray.FromScaled(*rnd.DynamicStartingPrice)
}

// PriceAt returns the round's price at the given instant, or ok=false when
// the price is undefined (before kick or past expiry). Availability does not
// factor in: a round with nothing left to sell still has a defined price
// inside its time window.
func PriceAt(cfg Config, rnd *model.Round, at time.Time) (ray.Ray, bool, error) {
	// Duration division truncates toward zero, so a sub-second instant
	// before the kick would otherwise round up to elapsed 0.
	if at.Before(rnd.KickedAt) {
		return ray.Ray{}, false, nil
	}
	elapsed := int64(at.Sub(rnd.KickedAt) / time.Second)
	if elapsed > cfg.AuctionLengthSeconds {
		return ray.Ray{}, false, nil
	}
	base, err := BasePrice(cfg, rnd)
	if err != nil {
		return ray.Ray{}, false, err
	}
	steps := elapsed / cfg.PriceUpdateInterval
	if steps == 0 {
		return base, true, nil
	}
	decay := ray.Pow(cfg.DecayRatePerStep, uint64(steps))
	return ray.Mul(base, decay), true, nil
}
