// Package memory provides an in-memory implementation of the
// subscription.Store interface. It reproduces the semantics of the
// Postgres store (unique-key upserts, lifecycle watermark) under a single
// mutex and is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/commercekit/stripe-webhooks/pkg/subscription"
)

// Store implements subscription.Store using an in-memory map keyed by
// Stripe subscription id.
type Store struct {
	mu      sync.Mutex
	records map[string]*subscription.Subscription
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		records: make(map[string]*subscription.Subscription),
	}
}

// Get implements subscription.Store.
func (s *Store) Get(ctx context.Context, stripeSubscriptionID string) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[stripeSubscriptionID]
	if !ok {
		return nil, subscription.ErrNotFound
	}

	// Return a copy to prevent external mutations
	recCopy := *rec
	return &recCopy, nil
}

// UpsertCheckout implements subscription.Store.
func (s *Store) UpsertCheckout(
	ctx context.Context, stripeSubscriptionID, buyerUserID string, offerID, shopID uuid.UUID, eventTimestamp int64,
) (*subscription.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, fmt.Errorf("stripe subscription id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := s.records[stripeSubscriptionID]
	if !ok {
		rec = s.insertLocked(stripeSubscriptionID, eventTimestamp, now)
	}

	buyer := buyerUserID
	offer := offerID
	shop := shopID
	rec.BuyerUserID = &buyer
	rec.OfferID = &offer
	rec.ShopID = &shop
	rec.UpdatedAt = now

	recCopy := *rec
	return &recCopy, nil
}

// UpsertLifecycle implements subscription.Store.
func (s *Store) UpsertLifecycle(
	ctx context.Context, stripeSubscriptionID string, upd subscription.LifecycleUpdate,
) (*subscription.Subscription, bool, error) {
	if stripeSubscriptionID == "" {
		return nil, false, fmt.Errorf("stripe subscription id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := s.records[stripeSubscriptionID]
	if !ok {
		rec = s.insertLocked(stripeSubscriptionID, 0, now)
	} else if rec.EventTimestamp >= upd.EventTimestamp {
		// Stale or replayed event: the guarded fields stay untouched.
		recCopy := *rec
		return &recCopy, false, nil
	}

	start := upd.CurrentPeriodStart
	end := upd.CurrentPeriodEnd
	status := upd.Status
	rec.CurrentPeriodStart = &start
	rec.CurrentPeriodEnd = &end
	rec.Status = &status
	rec.CanceledAt = copyTime(upd.CanceledAt)
	rec.CancelAt = copyTime(upd.CancelAt)
	rec.EventTimestamp = upd.EventTimestamp
	rec.UpdatedAt = now

	recCopy := *rec
	return &recCopy, true, nil
}

// UpsertInvoice implements subscription.Store.
func (s *Store) UpsertInvoice(
	ctx context.Context, stripeSubscriptionID string, payedAt, payedUntil time.Time,
) (*subscription.Subscription, error) {
	if stripeSubscriptionID == "" {
		return nil, fmt.Errorf("stripe subscription id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	rec, ok := s.records[stripeSubscriptionID]
	if !ok {
		rec = s.insertLocked(stripeSubscriptionID, 0, now)
	}

	at := payedAt
	until := payedUntil
	rec.PayedAt = &at
	rec.PayedUntil = &until
	rec.UpdatedAt = now

	recCopy := *rec
	return &recCopy, nil
}

// PatchBuyer implements subscription.Store.
func (s *Store) PatchBuyer(
	ctx context.Context, stripeSubscriptionID, buyerUserID string,
) (*subscription.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[stripeSubscriptionID]
	if !ok {
		return nil, subscription.ErrNotFound
	}

	buyer := buyerUserID
	rec.BuyerUserID = &buyer
	rec.UpdatedAt = time.Now().UTC()

	recCopy := *rec
	return &recCopy, nil
}

// insertLocked creates a fresh record under the held lock.
func (s *Store) insertLocked(stripeSubscriptionID string, eventTimestamp int64, now time.Time) *subscription.Subscription {
	rec := &subscription.Subscription{
		SubscriptionID:       uuid.New(),
		StripeSubscriptionID: stripeSubscriptionID,
		EventTimestamp:       eventTimestamp,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	s.records[stripeSubscriptionID] = rec
	return rec
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	tCopy := *t
	return &tCopy
}
