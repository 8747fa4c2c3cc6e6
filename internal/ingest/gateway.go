// Package ingest receives provider webhook deliveries: it authenticates them,
// normalizes payloads into canonical entitlement events, and hands them to the
// reconciler. Nothing downstream runs until the signature checks out.
package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"
)

// Errors
var (
	// ErrAuthentication means the delivery's signature did not verify. The
	// delivery is rejected before any state is touched.
	ErrAuthentication = errors.New("ingest: webhook signature verification failed")
	// ErrUnparseableEvent means the payload was authenticated but cannot be
	// mapped to a canonical event (missing fields, malformed JSON).
	ErrUnparseableEvent = errors.New("ingest: unparseable event payload")
)

// Gateway verifies the transport-level signature of inbound deliveries. It is
// stateless and safely re-entrant per request.
type Gateway struct {
	billingSecret     string
	integrationSecret string
}

// NewGateway creates a gateway with the per-source shared secrets.
func NewGateway(billingSecret, integrationSecret string) *Gateway {
	return &Gateway{billingSecret: billingSecret, integrationSecret: integrationSecret}
}

// VerifyBilling authenticates a billing delivery against the Stripe-Signature
// header and returns the parsed provider event. Verification and parsing are
// one step in the Stripe SDK; a failure of either yields ErrAuthentication or
// ErrUnparseableEvent respectively.
func (g *Gateway) VerifyBilling(payload []byte, sigHeader string) (stripe.Event, error) {
	event, err := webhook.ConstructEvent(payload, sigHeader, g.billingSecret)
	if err != nil {
		switch {
		case errors.Is(err, webhook.ErrNotSigned),
			errors.Is(err, webhook.ErrInvalidHeader),
			errors.Is(err, webhook.ErrTooOld),
			errors.Is(err, webhook.ErrNoValidSignature):
			return stripe.Event{}, fmt.Errorf("%w: %v", ErrAuthentication, err)
		}
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrUnparseableEvent, err)
	}
	return event, nil
}

// VerifyIntegration authenticates an integration delivery against the
// X-Hub-Signature-256 header (HMAC-SHA256 of the raw body, hex encoded,
// prefixed "sha256="). Comparison is constant-time.
func (g *Gateway) VerifyIntegration(payload []byte, sigHeader string) error {
	digestHex, ok := strings.CutPrefix(sigHeader, "sha256=")
	if !ok {
		return fmt.Errorf("%w: missing sha256 signature", ErrAuthentication)
	}
	theirs, err := hex.DecodeString(digestHex)
	if err != nil {
		return fmt.Errorf("%w: malformed signature encoding", ErrAuthentication)
	}

	mac := hmac.New(sha256.New, []byte(g.integrationSecret))
	mac.Write(payload)
	if !hmac.Equal(theirs, mac.Sum(nil)) {
		return ErrAuthentication
	}
	return nil
}
