// Package notify forwards completed subscription records to the
// downstream consumer. Delivery is fire-and-forget: the triggering event
// has already committed, so a failed send is logged and dropped rather
// than rolled back or retried here.
package notify

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/commercekit/stripe-webhooks/pkg/subscription"
)

// Sink delivers a snapshot to the downstream consumer. The same snapshot
// may be delivered more than once; consumers treat it as an idempotent
// upsert. Implementations are selected by deployment configuration and are
// interchangeable from the engine's point of view.
type Sink interface {
	Publish(ctx context.Context, snap *subscription.Snapshot) error
}

// Notifier gates downstream propagation on record completeness.
type Notifier struct {
	sink   Sink
	logger zerolog.Logger
}

// New creates a Notifier forwarding through the given sink.
func New(sink Sink, logger zerolog.Logger) *Notifier {
	return &Notifier{
		sink:   sink,
		logger: logger,
	}
}

// Notify forwards the record's snapshot if and only if every field the
// downstream view requires is present. It never returns an error: the
// mutation that produced rec has committed and delivery failures must not
// bubble up into the webhook response.
func (n *Notifier) Notify(ctx context.Context, rec *subscription.Subscription) {
	snap := rec.Snapshot()
	if snap == nil {
		n.logger.Debug().
			Str("stripe_subscription_id", rec.StripeSubscriptionID).
			Msg("subscription record incomplete, not forwarding")
		return
	}

	if err := n.sink.Publish(ctx, snap); err != nil {
		n.logger.Error().Err(err).
			Str("stripe_subscription_id", rec.StripeSubscriptionID).
			Msg("failed to forward subscription snapshot")
		return
	}

	n.logger.Info().
		Str("stripe_subscription_id", rec.StripeSubscriptionID).
		Msg("forwarded subscription snapshot")
}
