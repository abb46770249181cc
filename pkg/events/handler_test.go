package events

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83"

	"github.com/commercekit/stripe-webhooks/pkg/notify"
	"github.com/commercekit/stripe-webhooks/pkg/subscription"
	"github.com/commercekit/stripe-webhooks/storage/memory"
)

const (
	testSubID   = "sub_1"
	testUserID  = "u1"
	testOfferID = "11111111-1111-1111-1111-111111111111"
	testShopID  = "22222222-2222-2222-2222-222222222222"
)

// recordingSink captures every snapshot the notifier forwards.
type recordingSink struct {
	mu        sync.Mutex
	snapshots []*subscription.Snapshot
}

func (s *recordingSink) Publish(_ context.Context, snap *subscription.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.snapshots)
}

func (s *recordingSink) last() *subscription.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.snapshots) == 0 {
		return nil
	}
	return s.snapshots[len(s.snapshots)-1]
}

func newTestHandler(t *testing.T) (*Handler, *memory.Store, *recordingSink) {
	t.Helper()
	store := memory.New()
	sink := &recordingSink{}
	notifier := notify.New(sink, zerolog.Nop())
	return NewHandler(store, notifier, zerolog.Nop()), store, sink
}

func newEvent(t *testing.T, eventType string, created int64, payload interface{}) *stripe.Event {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return &stripe.Event{
		ID:      "evt_test",
		Type:    stripe.EventType(eventType),
		Created: created,
		Data:    &stripe.EventData{Raw: raw},
	}
}

func checkoutEvent(t *testing.T, created int64, metadata map[string]string) *stripe.Event {
	t.Helper()
	return newEvent(t, "checkout.session.completed", created, map[string]interface{}{
		"id":           "cs_test",
		"object":       "checkout.session",
		"created":      created,
		"subscription": testSubID,
		"metadata":     metadata,
	})
}

func fullMetadata() map[string]string {
	return map[string]string{
		"user_id":  testUserID,
		"offer_id": testOfferID,
		"shop_id":  testShopID,
	}
}

func lifecycleEvent(t *testing.T, created int64, status string, periodStart, periodEnd int64) *stripe.Event {
	t.Helper()
	return newEvent(t, "customer.subscription.updated", created, map[string]interface{}{
		"id":                   testSubID,
		"object":               "subscription",
		"status":               status,
		"current_period_start": periodStart,
		"current_period_end":   periodEnd,
	})
}

func invoiceEvent(t *testing.T, created int64, lines []map[string]interface{}) *stripe.Event {
	t.Helper()
	return newEvent(t, "invoice.paid", created, map[string]interface{}{
		"id":     "in_test",
		"object": "invoice",
		"lines":  map[string]interface{}{"data": lines},
	})
}

// TestScenario_FullLifecycle walks the canonical event sequence: checkout
// creates the record, a lifecycle update fills period and status, the paid
// invoice completes it, and only then does the sink receive a snapshot.
func TestScenario_FullLifecycle(t *testing.T) {
	handler, store, sink := newTestHandler(t)
	ctx := context.Background()

	// 1. Checkout session: identity fields only, no downstream call.
	require.NoError(t, handler.HandleEvent(ctx, checkoutEvent(t, 1000, fullMetadata())))

	rec, err := store.Get(ctx, testSubID)
	require.NoError(t, err)
	require.NotNil(t, rec.BuyerUserID)
	assert.Equal(t, testUserID, *rec.BuyerUserID)
	assert.Equal(t, testOfferID, rec.OfferID.String())
	assert.Equal(t, testShopID, rec.ShopID.String())
	assert.Equal(t, 0, sink.count())

	// 2. Lifecycle update: period and status, still no downstream call.
	require.NoError(t, handler.HandleEvent(ctx, lifecycleEvent(t, 1500, "active", 2000, 5000)))

	rec, err = store.Get(ctx, testSubID)
	require.NoError(t, err)
	require.NotNil(t, rec.Status)
	assert.Equal(t, "active", *rec.Status)
	assert.Equal(t, int64(2000), rec.CurrentPeriodStart.Unix())
	assert.Equal(t, int64(5000), rec.CurrentPeriodEnd.Unix())
	assert.Equal(t, int64(1500), rec.EventTimestamp)
	assert.Equal(t, 0, sink.count())

	// 3. Paid invoice: record complete, snapshot fires.
	require.NoError(t, handler.HandleEvent(ctx, invoiceEvent(t, 1600, []map[string]interface{}{
		{
			"subscription": testSubID,
			"period":       map[string]interface{}{"start": 2000, "end": 5000},
		},
	})))

	require.Equal(t, 1, sink.count())
	snap := sink.last()
	assert.Equal(t, testSubID, snap.StripeSubscriptionID)
	assert.Equal(t, testUserID, snap.BuyerUserID)
	assert.Equal(t, testOfferID, snap.OfferID)
	assert.Equal(t, testShopID, snap.ShopID)
	assert.Equal(t, int64(2000), snap.PayedAt)
	assert.Equal(t, int64(5000), snap.PayedUntil)
	assert.Equal(t, "active", snap.Status)

	// 4. Replayed older lifecycle event: no change, no downstream call.
	require.NoError(t, handler.HandleEvent(ctx, lifecycleEvent(t, 1400, "canceled", 1, 2)))

	rec, err = store.Get(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, "active", *rec.Status)
	assert.Equal(t, int64(1500), rec.EventTimestamp)
	assert.Equal(t, 1, sink.count())
}

func TestHandleEvent_UnknownType(t *testing.T) {
	handler, store, sink := newTestHandler(t)

	event := newEvent(t, "payment_intent.succeeded", 1000, map[string]interface{}{
		"id":     "pi_test",
		"object": "payment_intent",
	})

	require.NoError(t, handler.HandleEvent(context.Background(), event))

	_, err := store.Get(context.Background(), testSubID)
	assert.ErrorIs(t, err, subscription.ErrNotFound)
	assert.Equal(t, 0, sink.count())
}

func TestHandleEvent_PayloadMismatch(t *testing.T) {
	handler, _, sink := newTestHandler(t)

	// A subscription event carrying an invoice object violates the
	// producer contract.
	event := newEvent(t, "customer.subscription.updated", 1000, map[string]interface{}{
		"id":     "in_test",
		"object": "invoice",
	})

	err := handler.HandleEvent(context.Background(), event)
	assert.ErrorIs(t, err, ErrUnexpectedObject)
	assert.Equal(t, 0, sink.count())
}

func TestCheckoutSession_MissingMetadataIsNoop(t *testing.T) {
	for name, metadata := range map[string]map[string]string{
		"no user":     {"offer_id": testOfferID, "shop_id": testShopID},
		"no offer":    {"user_id": testUserID, "shop_id": testShopID},
		"no shop":     {"user_id": testUserID, "offer_id": testOfferID},
		"bad offer":   {"user_id": testUserID, "offer_id": "not-a-uuid", "shop_id": testShopID},
		"no metadata": nil,
	} {
		t.Run(name, func(t *testing.T) {
			handler, store, sink := newTestHandler(t)

			require.NoError(t, handler.HandleEvent(context.Background(), checkoutEvent(t, 1000, metadata)))

			_, err := store.Get(context.Background(), testSubID)
			assert.ErrorIs(t, err, subscription.ErrNotFound)
			assert.Equal(t, 0, sink.count())
		})
	}
}

// TestWatermarkMonotonicity applies the same lifecycle events in several
// arrival orders; the surviving fields must always be those of the event
// with the maximum created timestamp.
func TestWatermarkMonotonicity(t *testing.T) {
	type ev struct {
		created int64
		status  string
	}
	evs := []ev{
		{created: 1000, status: "trialing"},
		{created: 2000, status: "active"},
		{created: 3000, status: "canceled"},
	}

	orders := [][]int{
		{0, 1, 2},
		{2, 1, 0},
		{1, 2, 0},
		{2, 0, 1},
	}

	for _, order := range orders {
		handler, store, _ := newTestHandler(t)
		ctx := context.Background()

		for _, i := range order {
			e := evs[i]
			require.NoError(t, handler.HandleEvent(ctx,
				lifecycleEvent(t, e.created, e.status, e.created+10, e.created+20)))
		}

		rec, err := store.Get(ctx, testSubID)
		require.NoError(t, err)
		assert.Equal(t, "canceled", *rec.Status, "order %v", order)
		assert.Equal(t, int64(3000), rec.EventTimestamp, "order %v", order)
		assert.Equal(t, int64(3010), rec.CurrentPeriodStart.Unix(), "order %v", order)
	}
}

// TestReplayIdempotence verifies the second application of the same event
// is a no-op.
func TestReplayIdempotence(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	ctx := context.Background()

	event := lifecycleEvent(t, 1500, "active", 2000, 5000)
	require.NoError(t, handler.HandleEvent(ctx, event))

	first, err := store.Get(ctx, testSubID)
	require.NoError(t, err)

	require.NoError(t, handler.HandleEvent(ctx, event))

	second, err := store.Get(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, first.EventTimestamp, second.EventTimestamp)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

// TestPathIndependence verifies a checkout session arriving after a
// lifecycle event only writes identity columns and never reverts period or
// status fields.
func TestPathIndependence(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleEvent(ctx, lifecycleEvent(t, 5000, "active", 2000, 5000)))
	require.NoError(t, handler.HandleEvent(ctx, checkoutEvent(t, 1000, fullMetadata())))

	rec, err := store.Get(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, "active", *rec.Status)
	assert.Equal(t, int64(2000), rec.CurrentPeriodStart.Unix())
	assert.Equal(t, int64(5000), rec.EventTimestamp, "checkout must not move the watermark")
	assert.Equal(t, testUserID, *rec.BuyerUserID)
}

// TestInvoiceLineSkip verifies lines without a resolvable period are
// skipped without creating or mutating rows, while other lines of the
// same invoice still apply.
func TestInvoiceLineSkip(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleEvent(ctx, invoiceEvent(t, 1600, []map[string]interface{}{
		{
			"subscription": "sub_no_period",
		},
		{
			"subscription": "sub_half_period",
			"period":       map[string]interface{}{"start": 2000},
		},
		{
			"subscription": testSubID,
			"period":       map[string]interface{}{"start": 2000, "end": 5000},
		},
	})))

	_, err := store.Get(ctx, "sub_no_period")
	assert.ErrorIs(t, err, subscription.ErrNotFound)
	_, err = store.Get(ctx, "sub_half_period")
	assert.ErrorIs(t, err, subscription.ErrNotFound)

	rec, err := store.Get(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), rec.PayedAt.Unix())
	assert.Equal(t, int64(5000), rec.PayedUntil.Unix())
}

// TestInvoice_MultipleSubscriptions verifies one invoice covering several
// subscriptions updates each referenced row.
func TestInvoice_MultipleSubscriptions(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleEvent(ctx, invoiceEvent(t, 1600, []map[string]interface{}{
		{
			"subscription": "sub_a",
			"period":       map[string]interface{}{"start": 100, "end": 200},
		},
		{
			"subscription": "sub_b",
			"period":       map[string]interface{}{"start": 300, "end": 400},
		},
	})))

	recA, err := store.Get(ctx, "sub_a")
	require.NoError(t, err)
	assert.Equal(t, int64(100), recA.PayedAt.Unix())

	recB, err := store.Get(ctx, "sub_b")
	require.NoError(t, err)
	assert.Equal(t, int64(400), recB.PayedUntil.Unix())
}

// TestBuyerPatchOnStaleEvent verifies the buyer-identity correction is
// independent of the watermark: a stale lifecycle event still patches a
// disagreeing buyer_user_id, and only that field.
func TestBuyerPatchOnStaleEvent(t *testing.T) {
	handler, store, _ := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleEvent(ctx, lifecycleEvent(t, 2000, "active", 2000, 5000)))

	stale := newEvent(t, "customer.subscription.updated", 1000, map[string]interface{}{
		"id":                   testSubID,
		"object":               "subscription",
		"status":               "canceled",
		"current_period_start": 1,
		"current_period_end":   2,
		"metadata":             map[string]string{"user_id": "u2"},
	})
	require.NoError(t, handler.HandleEvent(ctx, stale))

	rec, err := store.Get(ctx, testSubID)
	require.NoError(t, err)
	assert.Equal(t, "u2", *rec.BuyerUserID)
	assert.Equal(t, "active", *rec.Status, "stale event must not touch guarded fields")
	assert.Equal(t, int64(2000), rec.EventTimestamp)
}

// TestNotificationGating verifies the sink is called if and only if the
// post-mutation record carries all eight required fields.
func TestNotificationGating(t *testing.T) {
	handler, _, sink := newTestHandler(t)
	ctx := context.Background()

	require.NoError(t, handler.HandleEvent(ctx, invoiceEvent(t, 100, []map[string]interface{}{
		{
			"subscription": testSubID,
			"period":       map[string]interface{}{"start": 2000, "end": 5000},
		},
	})))
	assert.Equal(t, 0, sink.count(), "payment fields alone must not trigger a snapshot")

	require.NoError(t, handler.HandleEvent(ctx, lifecycleEvent(t, 1500, "active", 2000, 5000)))
	assert.Equal(t, 0, sink.count(), "identity fields still missing")

	require.NoError(t, handler.HandleEvent(ctx, checkoutEvent(t, 1000, fullMetadata())))
	assert.Equal(t, 1, sink.count(), "record complete, snapshot expected")

	// Every further mutation of the complete record forwards again.
	require.NoError(t, handler.HandleEvent(ctx, lifecycleEvent(t, 1700, "active", 2000, 5000)))
	assert.Equal(t, 2, sink.count())
}
