package ingest

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"github.com/relayci/console/internal/entitlement"
	"github.com/relayci/console/internal/logging"
	"github.com/relayci/console/internal/metrics"
	"github.com/relayci/console/internal/org"
	"github.com/relayci/console/internal/traces"
)

// Provider webhook headers.
const (
	stripeSignatureHeader = "Stripe-Signature"
	githubEventHeader     = "X-GitHub-Event"
	githubSignatureHeader = "X-Hub-Signature-256"
	githubDeliveryHeader  = "X-GitHub-Delivery"
)

// maxPayloadBytes bounds how much of a delivery body is read.
const maxPayloadBytes = 1 << 20

// Handler exposes the two provider webhook endpoints. Each delivery is
// processed under a bounded deadline; exceeding it aborts that delivery with
// a retryable status so the provider redelivers.
type Handler struct {
	gateway    *Gateway
	normalizer *Normalizer
	reconciler *entitlement.Reconciler
	deadline   time.Duration
}

// NewHandler creates the webhook ingest handler.
func NewHandler(gw *Gateway, nm *Normalizer, rc *entitlement.Reconciler, deadline time.Duration) *Handler {
	if deadline <= 0 {
		deadline = 10 * time.Second
	}
	return &Handler{gateway: gw, normalizer: nm, reconciler: rc, deadline: deadline}
}

// RegisterRoutes sets up the webhook endpoints. These are authenticated by
// provider signature, not by the platform's identity layer.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/billing/webhook", h.BillingWebhook)
	r.POST("/github/webhook", h.IntegrationWebhook)
}

// BillingWebhook handles POST /billing/webhook.
func (h *Handler) BillingWebhook(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.deadline)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "ingest.billing_webhook")
	defer span.End()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	event, err := h.gateway.VerifyBilling(payload, c.GetHeader(stripeSignatureHeader))
	if err != nil {
		h.rejectDelivery(c, org.SourceBilling, err)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(org.SourceBilling), "accepted").Inc()

	ev, err := h.normalizer.NormalizeBilling(event)
	if err != nil {
		h.rejectDelivery(c, org.SourceBilling, err)
		return
	}

	h.reconcile(c, ctx, ev)
}

// IntegrationWebhook handles POST /github/webhook.
func (h *Handler) IntegrationWebhook(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.deadline)
	defer cancel()
	ctx, span := traces.StartSpan(ctx, "ingest.integration_webhook")
	defer span.End()

	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxPayloadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
		return
	}

	if err := h.gateway.VerifyIntegration(payload, c.GetHeader(githubSignatureHeader)); err != nil {
		h.rejectDelivery(c, org.SourceIntegration, err)
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues(string(org.SourceIntegration), "accepted").Inc()

	ev, err := h.normalizer.NormalizeIntegration(ctx,
		c.GetHeader(githubEventHeader), c.GetHeader(githubDeliveryHeader), payload)
	if err != nil {
		if errors.Is(err, org.ErrNotFound) {
			// Unknown installation: acknowledge so the provider stops
			// redelivering, but leave a trail for operators.
			logging.L(ctx).Warn("integration event for unknown installation dropped", "error", err)
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(org.SourceIntegration), "unknown_org").Inc()
			c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "unknown_organization"})
			return
		}
		h.rejectDelivery(c, org.SourceIntegration, err)
		return
	}

	if ev.Ignored && ev.OrgID == "" {
		// Well-formed but unattributable (e.g. a ping event); nothing to track.
		c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "ignored"})
		return
	}

	h.reconcile(c, ctx, ev)
}

// reconcile applies a canonical event and maps the result to an HTTP response.
// Duplicate, stale, and conflict outcomes all acknowledge with 2xx; only a
// transient failure returns a retryable status.
func (h *Handler) reconcile(c *gin.Context, ctx context.Context, ev entitlement.Event) {
	trace.SpanFromContext(ctx).SetAttributes(
		traces.OrgID(ev.OrgID),
		traces.EventID(ev.EventID),
		traces.EventSource(string(ev.Source)),
	)

	res, err := h.reconciler.Apply(ctx, ev)
	if err != nil {
		switch {
		case errors.Is(err, org.ErrNotFound):
			logging.L(ctx).Warn("event for unregistered organization dropped",
				"source", ev.Source, "org", ev.OrgID, "event_id", ev.EventID)
			metrics.WebhookDeliveriesTotal.WithLabelValues(string(ev.Source), "unknown_org").Inc()
			c.JSON(http.StatusOK, gin.H{"received": true, "outcome": "unknown_organization"})
		case errors.Is(err, entitlement.ErrReconciliationFailed),
			errors.Is(err, context.DeadlineExceeded):
			logging.L(ctx).Error("reconciliation failed, requesting redelivery",
				"source", ev.Source, "org", ev.OrgID, "event_id", ev.EventID, "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "reconciliation_failed", "retryable": true})
		default:
			logging.L(ctx).Error("event processing failed",
				"source", ev.Source, "org", ev.OrgID, "event_id", ev.EventID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received":       true,
		"outcome":        res.Outcome,
		"accessDecision": res.Decision,
	})
}

// rejectDelivery maps gateway/normalizer errors to terminal HTTP rejections.
// Neither is retried by us; a bad signature or malformed payload represents a
// misconfigured or malicious sender.
func (h *Handler) rejectDelivery(c *gin.Context, source org.Source, err error) {
	switch {
	case errors.Is(err, ErrAuthentication):
		logging.L(c.Request.Context()).Warn("webhook signature verification failed",
			"source", source, "client_ip", c.ClientIP())
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(source), "bad_signature").Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_signature"})
	case errors.Is(err, ErrUnparseableEvent):
		logging.L(c.Request.Context()).Warn("unparseable webhook payload",
			"source", source, "error", err)
		metrics.WebhookDeliveriesTotal.WithLabelValues(string(source), "unparseable").Inc()
		c.JSON(http.StatusBadRequest, gin.H{"error": "unparseable_event"})
	default:
		logging.L(c.Request.Context()).Error("webhook rejected", "source", source, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
