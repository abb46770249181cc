// Package subscription holds the canonical subscription record reconciled
// from Stripe webhook events, the storage contract for it, and the
// denormalized snapshot forwarded to downstream consumers.
package subscription

import (
	"time"

	"github.com/google/uuid"
)

// Subscription is the single persistent entity of this service. One row
// exists per Stripe subscription id; it is created by whichever event kind
// arrives first and is never deleted.
//
// EventTimestamp is the watermark: the provider-asserted creation time
// (unix seconds) of the last event that was allowed to mutate the
// lifecycle fields (CurrentPeriodStart/End, Status, CanceledAt, CancelAt).
// Checkout metadata and invoice payment fields have independent update
// paths and are not guarded by it.
type Subscription struct {
	SubscriptionID       uuid.UUID
	StripeSubscriptionID string
	BuyerUserID          *string
	OfferID              *uuid.UUID
	ShopID               *uuid.UUID
	CurrentPeriodStart   *time.Time
	CurrentPeriodEnd     *time.Time
	Status               *string
	PayedAt              *time.Time
	PayedUntil           *time.Time
	CanceledAt           *time.Time
	CancelAt             *time.Time
	EventTimestamp       int64
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// LifecycleUpdate carries the watermark-guarded fields of a
// customer.subscription.* event.
type LifecycleUpdate struct {
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	Status             string
	CanceledAt         *time.Time
	CancelAt           *time.Time

	// EventTimestamp is the event's created time in unix seconds. The
	// update only applies when it is strictly greater than the stored
	// watermark.
	EventTimestamp int64
}

// Complete reports whether the record carries every field a downstream
// consumer needs. Partial records are never forwarded.
func (s *Subscription) Complete() bool {
	return s.BuyerUserID != nil &&
		s.OfferID != nil &&
		s.ShopID != nil &&
		s.CurrentPeriodStart != nil &&
		s.CurrentPeriodEnd != nil &&
		s.Status != nil &&
		s.PayedAt != nil &&
		s.PayedUntil != nil
}

// Snapshot is the denormalized view sent downstream. Timestamps are unix
// seconds to match the downstream contract.
type Snapshot struct {
	SubscriptionID       string `json:"subscription_id"`
	StripeSubscriptionID string `json:"stripe_subscription_id"`
	BuyerUserID          string `json:"buyer_user_id"`
	OfferID              string `json:"offer_id"`
	ShopID               string `json:"shop_id"`
	CurrentPeriodStart   int64  `json:"current_period_start"`
	CurrentPeriodEnd     int64  `json:"current_period_end"`
	Status               string `json:"subscription_status"`
	PayedAt              int64  `json:"payed_at"`
	PayedUntil           int64  `json:"payed_until"`
	CanceledAt           *int64 `json:"canceled_at,omitempty"`
	CancelAt             *int64 `json:"cancel_at,omitempty"`
}

// Snapshot returns the downstream view of the record, or nil if the record
// is not yet complete.
func (s *Subscription) Snapshot() *Snapshot {
	if !s.Complete() {
		return nil
	}

	snap := &Snapshot{
		SubscriptionID:       s.SubscriptionID.String(),
		StripeSubscriptionID: s.StripeSubscriptionID,
		BuyerUserID:          *s.BuyerUserID,
		OfferID:              s.OfferID.String(),
		ShopID:               s.ShopID.String(),
		CurrentPeriodStart:   s.CurrentPeriodStart.Unix(),
		CurrentPeriodEnd:     s.CurrentPeriodEnd.Unix(),
		Status:               *s.Status,
		PayedAt:              s.PayedAt.Unix(),
		PayedUntil:           s.PayedUntil.Unix(),
	}

	if s.CanceledAt != nil {
		ts := s.CanceledAt.Unix()
		snap.CanceledAt = &ts
	}
	if s.CancelAt != nil {
		ts := s.CancelAt.Unix()
		snap.CancelAt = &ts
	}

	return snap
}
