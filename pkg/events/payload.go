package events

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v83"
)

// ErrUnexpectedObject is returned when an event's payload does not match
// the object shape its kind declares. This is a contract violation on the
// producer side, not a transient fault, and is never retried internally.
var ErrUnexpectedObject = errors.New("event carries unexpected object")

// Stripe object discriminators carried in every payload.
const (
	objectCheckoutSession = "checkout.session"
	objectSubscription    = "subscription"
	objectInvoice         = "invoice"
)

// Checkout-session metadata keys set when the session is created.
const (
	metadataKeyUserID  = "user_id"
	metadataKeyOfferID = "offer_id"
	metadataKeyShopID  = "shop_id"
)

// expandableID accepts either a bare id string or an expanded object with
// an "id" field, matching Stripe's expandable references.
type expandableID string

func (e *expandableID) UnmarshalJSON(data []byte) error {
	var id string
	if err := json.Unmarshal(data, &id); err == nil {
		*e = expandableID(id)
		return nil
	}

	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("expandable reference is neither id nor object: %w", err)
	}

	*e = expandableID(obj.ID)
	return nil
}

// The payload structs below mirror only the fields this service reads.
// Events are decoded from event.Data.Raw because the generated stripe-go
// structs track the newest API version while webhook payloads follow the
// account's pinned version.

type checkoutSessionPayload struct {
	ID           string            `json:"id"`
	Object       string            `json:"object"`
	Created      int64             `json:"created"`
	Subscription expandableID      `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

type subscriptionPayload struct {
	ID                 string            `json:"id"`
	Object             string            `json:"object"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	CancelAt           int64             `json:"cancel_at"`
	Metadata           map[string]string `json:"metadata"`
}

type invoicePayload struct {
	ID     string `json:"id"`
	Object string `json:"object"`
	Lines  struct {
		Data []invoiceLinePayload `json:"data"`
	} `json:"lines"`
}

type invoiceLinePayload struct {
	Subscription expandableID `json:"subscription"`
	Period       *struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"period"`
}

// decodePayload unmarshals the raw event object into out and verifies the
// embedded object discriminator against the shape the event kind declares.
func decodePayload(event *stripe.Event, want string, out interface{}, got func() string) error {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return fmt.Errorf("%w: %s event without payload", ErrUnexpectedObject, event.Type)
	}
	if err := json.Unmarshal(event.Data.Raw, out); err != nil {
		return fmt.Errorf("%w: %s event: %v", ErrUnexpectedObject, event.Type, err)
	}
	if got() != want {
		return fmt.Errorf("%w: %s event carries %q, want %q", ErrUnexpectedObject, event.Type, got(), want)
	}
	return nil
}

func decodeCheckoutSession(event *stripe.Event) (*checkoutSessionPayload, error) {
	var p checkoutSessionPayload
	if err := decodePayload(event, objectCheckoutSession, &p, func() string { return p.Object }); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeSubscription(event *stripe.Event) (*subscriptionPayload, error) {
	var p subscriptionPayload
	if err := decodePayload(event, objectSubscription, &p, func() string { return p.Object }); err != nil {
		return nil, err
	}
	return &p, nil
}

func decodeInvoice(event *stripe.Event) (*invoicePayload, error) {
	var p invoicePayload
	if err := decodePayload(event, objectInvoice, &p, func() string { return p.Object }); err != nil {
		return nil, err
	}
	return &p, nil
}
