package subscription

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store is the persistence contract for subscription records. All upserts
// are insert-or-update keyed on the unique stripe_subscription_id and
// return the resulting row, so callers can decide downstream propagation
// without a second read.
//
// The three upserts are independent write paths into the same row.
// Concurrent events for one id converge through the store's unique-key
// upsert semantics and the lifecycle watermark; no in-process coordination
// is expected of callers.
type Store interface {
	// Get returns the record for the given Stripe subscription id, or
	// ErrNotFound.
	Get(ctx context.Context, stripeSubscriptionID string) (*Subscription, error)

	// UpsertCheckout writes the checkout-session identity columns. On an
	// existing row exactly buyer_user_id, offer_id and shop_id are
	// overwritten; the event timestamp is recorded only when the row is
	// created here.
	UpsertCheckout(ctx context.Context, stripeSubscriptionID, buyerUserID string, offerID, shopID uuid.UUID, eventTimestamp int64) (*Subscription, error)

	// UpsertLifecycle applies a lifecycle event under the watermark rule:
	// the guarded fields are written only when the row is new or the
	// stored event timestamp is strictly less than upd.EventTimestamp.
	// The read and the conditional write run in one transaction. The
	// returned bool reports whether the update was applied.
	UpsertLifecycle(ctx context.Context, stripeSubscriptionID string, upd LifecycleUpdate) (*Subscription, bool, error)

	// UpsertInvoice writes the settled payment window for one invoice
	// line. It neither consults nor advances the lifecycle watermark.
	UpsertInvoice(ctx context.Context, stripeSubscriptionID string, payedAt, payedUntil time.Time) (*Subscription, error)

	// PatchBuyer unconditionally corrects the buyer identity.
	PatchBuyer(ctx context.Context, stripeSubscriptionID, buyerUserID string) (*Subscription, error)
}
