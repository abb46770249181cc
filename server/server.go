// Package server provides the HTTP transport in front of the event
// handler: Stripe signature verification, response mapping for the error
// taxonomy, health and metrics endpoints.
package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v83"

	"github.com/commercekit/stripe-webhooks/pkg/events"
	"github.com/commercekit/stripe-webhooks/pkg/metrics"
	"github.com/commercekit/stripe-webhooks/pkg/subscription"
)

const maxWebhookBodyBytes = 256 * 1024

// ErrPayloadTooLarge is returned when the request body exceeds the size
// limit.
var ErrPayloadTooLarge = errors.New("payload too large")

// Server handles webhook HTTP traffic.
type Server struct {
	handler       *events.Handler
	webhookSecret string
	logger        zerolog.Logger
	metrics       metrics.Metrics
}

// New creates the HTTP server front end. m may be nil.
func New(handler *events.Handler, webhookSecret string, logger zerolog.Logger, m metrics.Metrics) *Server {
	if m == nil {
		m = &metrics.NoopMetrics{}
	}
	return &Server{
		handler:       handler,
		webhookSecret: webhookSecret,
		logger:        logger,
		metrics:       m,
	}
}

// Router returns the HTTP routes.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhook", s.handleWebhook)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// handleWebhook verifies the Stripe signature and hands the decoded event
// to the reconciliation engine. Unknown and no-op events are acknowledged
// with 200 so Stripe does not keep redelivering them; integrity and store
// errors surface as 4xx/5xx so Stripe can decide about redelivery.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()

	body, err := readBodyStrict(w, r, maxWebhookBodyBytes)
	if err != nil {
		if errors.Is(err, ErrPayloadTooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			s.metrics.RecordWebhookError("payload_too_large")
		} else {
			http.Error(w, "invalid payload", http.StatusBadRequest)
			s.metrics.RecordWebhookError("invalid_payload")
		}
		return
	}

	event, err := stripe.ConstructEvent(body, r.Header.Get("Stripe-Signature"), s.webhookSecret)
	if err != nil {
		s.logger.Warn().Err(err).Msg("webhook signature verification failed")
		http.Error(w, "invalid signature", http.StatusBadRequest)
		s.metrics.RecordWebhookError("auth_failed")
		return
	}

	eventType := string(event.Type)

	if err := s.handler.HandleEvent(r.Context(), &event); err != nil {
		s.logger.Error().Err(err).
			Str("event_id", event.ID).
			Str("event_type", eventType).
			Msg("failed to process webhook event")

		switch {
		case errors.Is(err, events.ErrUnexpectedObject):
			http.Error(w, "unexpected event object", http.StatusBadRequest)
			s.metrics.RecordWebhookError("integrity_error")
		case errors.Is(err, subscription.ErrConflict):
			http.Error(w, "conflict", http.StatusConflict)
			s.metrics.RecordWebhookError("conflict")
		default:
			http.Error(w, "failed to process event", http.StatusInternalServerError)
			s.metrics.RecordWebhookError("processing_error")
		}
		s.metrics.RecordWebhookEvent(eventType, "error")
		s.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
		return
	}

	w.WriteHeader(http.StatusOK)
	//nolint:errcheck // Nothing to do if the ack body cannot be written
	_, _ = w.Write([]byte("ok"))

	s.metrics.RecordWebhookEvent(eventType, "success")
	s.metrics.RecordWebhookProcessingDuration(eventType, time.Since(startTime))
}

// readBodyStrict reads the request body with a size limit and rejects
// empty bodies.
func readBodyStrict(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			return nil, fmt.Errorf("%w (max %d bytes)", ErrPayloadTooLarge, limit)
		}
		return nil, err
	}
	if len(body) == 0 {
		return nil, fmt.Errorf("empty body")
	}
	return body, nil
}
