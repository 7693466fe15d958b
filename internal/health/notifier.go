package health

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/parth3690/nationwide-toll-hub-sub000/internal/config"
	"github.com/parth3690/nationwide-toll-hub-sub000/internal/domain"
)

// TransitionEvent is the webhook payload for one agency state change.
type TransitionEvent struct {
	AgencyID string             `json:"agency_id"`
	From     domain.HealthState `json:"from"`
	To       domain.HealthState `json:"to"`
	At       time.Time          `json:"at"`
}

// Notifier delivers HMAC-SHA256-signed health transitions to an operator
// webhook. Delivery is best effort: a down webhook must never back-pressure
// the heartbeat consumer.
type Notifier struct {
	url    string
	secret string
	client *http.Client
	log    *zap.Logger
}

// NewNotifier builds a notifier, or nil when no webhook URL is configured.
func NewNotifier(cfg config.Webhook, log *zap.Logger) *Notifier {
	if cfg.URL == "" {
		return nil
	}
	return &Notifier{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log.Named("health-webhook"),
	}
}

// NotifyTransition posts one signed transition event.
func (n *Notifier) NotifyTransition(ctx context.Context, agencyID string, from, to domain.HealthState) {
	event := TransitionEvent{AgencyID: agencyID, From: from, To: to, At: time.Now().UTC()}
	if err := n.deliver(ctx, event); err != nil {
		n.log.Warn("health webhook delivery failed",
			zap.String("agency", agencyID),
			zap.String("to", string(to)),
			zap.Error(err),
		)
		return
	}
	n.log.Info("health transition notified",
		zap.String("agency", agencyID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	)
}

func (n *Notifier) deliver(ctx context.Context, event TransitionEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal transition: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tollhub-Signature", computeHMAC(n.secret, body))

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// computeHMAC generates a hex-encoded HMAC-SHA256 of the body.
func computeHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
