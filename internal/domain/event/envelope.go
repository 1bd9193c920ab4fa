package event

import (
	"encoding/json"
	"fmt"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/model"
)

type Kind string

const (
	KindDeploy       Kind = "deploy"
	KindParamsUpdate Kind = "params_update"
	KindKick         Kind = "kick"
	KindTake         Kind = "take"
	KindDisable      Kind = "disable"
	KindReorg        Kind = "reorg"
)

// Envelope is the wire format the upstream extraction layer publishes on the
// per-chain feed. The payload is the JSON encoding of the typed event for
// Kind.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Chain   model.Chain     `json:"chain"`
	Payload json.RawMessage `json:"payload"`
}

// Decode unmarshals the payload into dst, which must be a pointer to the
// typed event matching the envelope's kind.
func (e Envelope) Decode(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("empty payload for %s envelope", e.Kind)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Kind, err)
	}
	return nil
}

// Wrap builds an envelope around a typed event.
func Wrap(kind Kind, chain model.Chain, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return Envelope{Kind: kind, Chain: chain, Payload: raw}, nil
}
