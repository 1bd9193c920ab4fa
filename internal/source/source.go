// Package source defines how event envelopes reach the ingestion pipeline.
// Every backend delivers at least once; the ingester is responsible for
// making redelivery harmless.
package source

import (
	"context"

	"github.com/wavey0x/auction-curves-sub002/internal/domain/event"
)

// Message is one delivered envelope. Ack marks it consumed; Nak requests
// redelivery. Backends without explicit acknowledgement supply no-ops.
type Message struct {
	Envelope event.Envelope
	Ack      func()
	Nak      func()
}

// Source streams envelopes for one chain into out until the context is
// cancelled. Implementations own their connection lifecycle inside Run and
// must not close out.
type Source interface {
	Run(ctx context.Context, out chan<- Message) error
}
