// Package events reconciles Stripe webhook events into canonical
// subscription records. It receives events already verified by the
// transport layer, routes them by kind, applies the per-kind merge rules
// against the store, and hands mutated records to the notifier.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v83"

	"github.com/commercekit/stripe-webhooks/pkg/subscription"
)

// Notifier receives records after a successful mutation. Implementations
// decide whether the record is complete enough to forward; they must never
// fail the event for delivery problems.
type Notifier interface {
	Notify(ctx context.Context, rec *subscription.Subscription)
}

// Handler routes decoded Stripe events into the reconciliation flows.
// One Handler is constructed at startup and shared across requests; all
// per-event state lives on the stack.
type Handler struct {
	store    subscription.Store
	notifier Notifier
	logger   zerolog.Logger
}

// NewHandler creates an event handler.
func NewHandler(store subscription.Store, notifier Notifier, logger zerolog.Logger) *Handler {
	return &Handler{
		store:    store,
		notifier: notifier,
		logger:   logger,
	}
}

// HandleEvent is the single entry point for verified webhook events.
// Unknown event kinds are acknowledged without side effects so the
// provider does not keep redelivering them. Store failures and
// payload/kind mismatches are surfaced to the caller; downstream delivery
// failures are not.
func (h *Handler) HandleEvent(ctx context.Context, event *stripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		session, err := decodeCheckoutSession(event)
		if err != nil {
			return err
		}
		return h.handleCheckoutSession(ctx, session)

	case "customer.subscription.created",
		"customer.subscription.updated",
		"customer.subscription.deleted",
		"customer.subscription.paused",
		"customer.subscription.resumed",
		"customer.subscription.trial_will_end",
		"customer.subscription.pending_update_applied",
		"customer.subscription.pending_update_expired":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		return h.handleSubscription(ctx, sub, event.Created)

	case "invoice.paid":
		invoice, err := decodeInvoice(event)
		if err != nil {
			return err
		}
		return h.handleInvoice(ctx, invoice)

	default:
		h.logger.Debug().
			Str("event_id", event.ID).
			Str("event_type", string(event.Type)).
			Msg("ignoring unhandled event type")
		return nil
	}
}

// handleCheckoutSession applies the checkout-session flow: an upsert of
// the buyer/offer/shop identity columns. The session metadata is the only
// source of these ids; a session missing any of them (or carrying ids that
// do not parse) is not an error, it is simply not a subscription checkout
// this service tracks.
func (h *Handler) handleCheckoutSession(ctx context.Context, session *checkoutSessionPayload) error {
	stripeSubscriptionID := string(session.Subscription)
	buyerUserID := session.Metadata[metadataKeyUserID]
	if stripeSubscriptionID == "" || buyerUserID == "" {
		h.logger.Debug().Str("checkout_session_id", session.ID).
			Msg("checkout session without subscription or buyer metadata, skipping")
		return nil
	}

	offerID, err := uuid.Parse(session.Metadata[metadataKeyOfferID])
	if err != nil {
		h.logger.Debug().Str("checkout_session_id", session.ID).
			Msg("checkout session without offer metadata, skipping")
		return nil
	}
	shopID, err := uuid.Parse(session.Metadata[metadataKeyShopID])
	if err != nil {
		h.logger.Debug().Str("checkout_session_id", session.ID).
			Msg("checkout session without shop metadata, skipping")
		return nil
	}

	rec, err := h.store.UpsertCheckout(ctx, stripeSubscriptionID, buyerUserID, offerID, shopID, session.Created)
	if err != nil {
		return err
	}

	h.notifier.Notify(ctx, rec)
	return nil
}

// handleSubscription applies the lifecycle flow. The watermark comparison
// itself lives in the store so it happens under the row lock; this layer
// translates the payload and decides on the independent buyer-identity
// correction, which is not subject to the period/status ordering.
func (h *Handler) handleSubscription(ctx context.Context, sub *subscriptionPayload, created int64) error {
	upd := subscription.LifecycleUpdate{
		CurrentPeriodStart: time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CurrentPeriodEnd:   time.Unix(sub.CurrentPeriodEnd, 0).UTC(),
		Status:             sub.Status,
		CanceledAt:         unixTime(sub.CanceledAt),
		CancelAt:           unixTime(sub.CancelAt),
		EventTimestamp:     created,
	}

	rec, applied, err := h.store.UpsertLifecycle(ctx, sub.ID, upd)
	if err != nil {
		return err
	}

	patched := false
	if buyer := sub.Metadata[metadataKeyUserID]; buyer != "" {
		if rec.BuyerUserID == nil || *rec.BuyerUserID != buyer {
			rec, err = h.store.PatchBuyer(ctx, sub.ID, buyer)
			if err != nil {
				return err
			}
			patched = true
		}
	}

	if !applied && !patched {
		// Replayed or out-of-order event, nothing changed.
		return nil
	}

	h.notifier.Notify(ctx, rec)
	return nil
}

// handleInvoice applies the invoice flow. Lines are independent: one
// invoice may cover several subscriptions, and a line without a resolvable
// billing period is skipped without failing the rest.
func (h *Handler) handleInvoice(ctx context.Context, invoice *invoicePayload) error {
	for _, line := range invoice.Lines.Data {
		stripeSubscriptionID := string(line.Subscription)
		if stripeSubscriptionID == "" {
			continue
		}
		if line.Period == nil || line.Period.Start == 0 || line.Period.End == 0 {
			h.logger.Debug().
				Str("invoice_id", invoice.ID).
				Str("stripe_subscription_id", stripeSubscriptionID).
				Msg("invoice line without billing period, skipping")
			continue
		}

		payedAt := time.Unix(line.Period.Start, 0).UTC()
		payedUntil := time.Unix(line.Period.End, 0).UTC()

		rec, err := h.store.UpsertInvoice(ctx, stripeSubscriptionID, payedAt, payedUntil)
		if err != nil {
			return err
		}

		h.notifier.Notify(ctx, rec)
	}

	return nil
}

func unixTime(ts int64) *time.Time {
	if ts == 0 {
		return nil
	}
	t := time.Unix(ts, 0).UTC()
	return &t
}
