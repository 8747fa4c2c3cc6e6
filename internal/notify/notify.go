// Package notify delivers access-decision change notifications to external
// services over HTTP.
//
// Internal systems (deploy orchestrator, support tooling) can subscribe by
// listing their endpoint in NOTIFY_URLS. Delivery is best-effort: failures
// are logged and counted but never surface to the reconciliation path.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/relayci/console/internal/entitlement"
	"github.com/relayci/console/internal/idgen"
	"github.com/relayci/console/internal/metrics"
	"github.com/relayci/console/internal/retry"
)

const (
	eventHeader     = "X-Relayci-Event"
	timestampHeader = "X-Relayci-Timestamp"
	signatureHeader = "X-Relayci-Signature"

	deliveryTimeout = 30 * time.Second
)

// Envelope is the JSON body POSTed to each notification endpoint.
type Envelope struct {
	ID        string             `json:"id"`
	Type      string             `json:"type"`
	Timestamp time.Time          `json:"timestamp"`
	Data      entitlement.Change `json:"data"`
}

// Notifier sends decision-change events to a fixed set of endpoints.
type Notifier struct {
	urls   []string
	secret string
	client *http.Client
	logger *slog.Logger
}

// New creates a notifier for the given endpoints. The secret signs every
// payload with HMAC-SHA256 so receivers can authenticate deliveries.
func New(urls []string, secret string, logger *slog.Logger) *Notifier {
	return &Notifier{
		urls:   urls,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

// Enabled reports whether any endpoints are configured.
func (n *Notifier) Enabled() bool {
	return n != nil && len(n.urls) > 0
}

// Listener returns a change listener suitable for the reconciler. The
// returned function never blocks; each delivery runs on its own goroutine
// with an independent deadline.
func (n *Notifier) Listener() entitlement.ChangeListener {
	return func(ch entitlement.Change) {
		if !n.Enabled() {
			return
		}
		env := &Envelope{
			ID:        idgen.WithPrefix("ntf_"),
			Type:      "entitlement.decision.changed",
			Timestamp: ch.At,
			Data:      ch,
		}
		payload, err := json.Marshal(env)
		if err != nil {
			n.logger.Error("marshal notification", "org", ch.OrgID, "error", err)
			return
		}
		for _, url := range n.urls {
			go n.deliver(url, env, payload)
		}
	}
}

func (n *Notifier) deliver(url string, env *Envelope, payload []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	err := retry.Do(ctx, 3, 500*time.Millisecond, func() error {
		return n.post(ctx, url, env, payload)
	})
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("error").Inc()
		n.logger.Warn("notification delivery failed",
			"url", url, "org", env.Data.OrgID, "error", err)
		return
	}
	metrics.NotificationsTotal.WithLabelValues("ok").Inc()
}

func (n *Notifier) post(ctx context.Context, url string, env *Envelope, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(eventHeader, env.Type)
	req.Header.Set(timestampHeader, fmt.Sprintf("%d", env.Timestamp.Unix()))
	if n.secret != "" {
		req.Header.Set(signatureHeader, Sign(payload, n.secret))
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The receiver rejected the payload; retrying won't change that.
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign computes the hex HMAC-SHA256 of payload under secret. Receivers
// recompute this over the raw body and compare against the signature header.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
