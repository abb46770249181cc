// Package metrics defines the instrumentation hooks for webhook
// processing. All methods are optional; callers fall back to NoopMetrics
// when no implementation is configured.
package metrics

import "time"

// Metrics tracks webhook ingestion and reconciliation outcomes.
type Metrics interface {
	// RecordWebhookEvent records a received webhook event.
	// status: "success" or "error"
	RecordWebhookEvent(eventType, status string)

	// RecordWebhookProcessingDuration records how long an event took to
	// process.
	RecordWebhookProcessingDuration(eventType string, duration time.Duration)

	// RecordWebhookError records a processing error.
	// errorType: "auth_failed", "invalid_payload", "integrity_error",
	// "conflict" or "processing_error"
	RecordWebhookError(errorType string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordWebhookEvent(_, _ string)                            {}
func (n *NoopMetrics) RecordWebhookProcessingDuration(_ string, _ time.Duration) {}
func (n *NoopMetrics) RecordWebhookError(_ string)                               {}
