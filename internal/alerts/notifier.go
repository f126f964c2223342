package alerts

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/hiveboard/hiveboard/internal/storage"
)

// Delivery outcomes recorded in alert history.
const (
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
	DeliveryQueued    = "queued"
)

// webhookAttempts is the retry budget per delivery; backoff doubles each
// attempt.
const (
	webhookAttempts = 3
	initialBackoff  = 500 * time.Millisecond
)

// webhookBody is the JSON POSTed to webhook targets.
type webhookBody struct {
	RuleID            string    `json:"rule_id"`
	RuleName          string    `json:"rule_name"`
	ConditionSnapshot string    `json:"condition_snapshot"`
	RelatedAgentID    string    `json:"related_agent_id,omitempty"`
	RelatedTaskID     string    `json:"related_task_id,omitempty"`
	FiredAt           time.Time `json:"fired_at"`
}

// Notifier delivers alert actions. Webhooks post with a bounded timeout and
// a small retry budget; email actions are recorded as queued for the
// external mailer.
type Notifier struct {
	client *http.Client
	logger *zap.Logger
}

func NewNotifier(timeout time.Duration, logger *zap.Logger) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Notifier{
		client: &http.Client{Timeout: timeout},
		logger: logger.Named("notifier"),
	}
}

// Dispatch runs every action of a rule and returns the per-action outcomes.
func (n *Notifier) Dispatch(ctx context.Context, rule *storage.AlertRule, alert *storage.Alert) []storage.AlertDelivery {
	var out []storage.AlertDelivery
	for _, action := range rule.Actions {
		switch action.Type {
		case "webhook":
			d := storage.AlertDelivery{Type: "webhook", Target: action.URL}
			if err := n.deliverWebhook(ctx, &action, alert); err != nil {
				d.Status = DeliveryFailed
				d.Error = err.Error()
				n.logger.Warn("webhook delivery failed",
					zap.String("rule_id", rule.RuleID),
					zap.String("url", action.URL),
					zap.Error(err))
			} else {
				d.Status = DeliveryDelivered
			}
			out = append(out, d)
		case "email":
			out = append(out, storage.AlertDelivery{Type: "email", Target: action.Email, Status: DeliveryQueued})
		default:
			out = append(out, storage.AlertDelivery{
				Type:   action.Type,
				Status: DeliveryFailed,
				Error:  fmt.Sprintf("unknown action type %q", action.Type),
			})
		}
	}
	return out
}

func (n *Notifier) deliverWebhook(ctx context.Context, action *storage.AlertAction, alert *storage.Alert) error {
	body, err := json.Marshal(webhookBody{
		RuleID:            alert.RuleID,
		RuleName:          alert.RuleName,
		ConditionSnapshot: alert.ConditionSnapshot,
		RelatedAgentID:    alert.RelatedAgentID,
		RelatedTaskID:     alert.RelatedTaskID,
		FiredAt:           alert.FiredAt,
	})
	if err != nil {
		return fmt.Errorf("marshal webhook body: %w", err)
	}

	backoff := initialBackoff
	var lastErr error
	for attempt := 1; attempt <= webhookAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, action.URL, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if action.Secret != "" {
			req.Header.Set("X-HiveBoard-Signature", signature(action.Secret, body))
		}

		resp, err := n.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}
		lastErr = fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return lastErr
}

func signature(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
