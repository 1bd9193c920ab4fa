package event

import (
	"time"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

// ReorgNotice signals that the canonical chain diverged from the indexed
// view. DivergesAtBlock is the first height whose hash no longer matches;
// every provisional record at or above it must be retracted.
type ReorgNotice struct {
	Chain           model.Chain `json:"chain"`
	DivergesAtBlock int64       `json:"diverges_at_block"`
	ExpectedHash    string      `json:"expected_hash,omitempty"` // hash stored locally
	ActualHash      string      `json:"actual_hash,omitempty"`   // hash now canonical
	DetectedAt      time.Time   `json:"detected_at"`
}

// FinalityPromotion marks every block at or below NewFinalizedBlock as
// irreversible. Takes in finalized blocks can no longer be retracted.
type FinalityPromotion struct {
	Chain             model.Chain `json:"chain"`
	NewFinalizedBlock int64       `json:"new_finalized_block"`
}
