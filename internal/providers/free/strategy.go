// Package free provides a processor for payments that cost the payer nothing
// to settle, such as fully discounted orders. Payments complete on creation.
package free

import (
	"context"

	"github.com/oklog/ulid/v2"

	"paycore/internal/common/money"
	"paycore/internal/payment"
	"paycore/internal/processor"
)

// Name is the registry name of the free processor.
const Name = "free"

// Strategy settles payments without calling anyone.
type Strategy struct {
	processor.Base
}

// New creates the free strategy.
func New(home money.Currency) *Strategy {
	return &Strategy{
		Base: processor.NewBase(Name, home, processor.Capabilities{
			ImmediatePayments:    true,
			MultipleCurrencies:   true,
			CompletesImmediately: true,
		}),
	}
}

// Process gives the payment a local reference.
func (s *Strategy) Process(ctx context.Context, p *payment.Record, req processor.Request) error {
	p.ExternalReference = "free_" + ulid.Make().String()
	p.MergeMetadata(map[string]any{"method": Name})
	return nil
}
