package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/SecondOrder-fun/probsync/internal/domain"
)

// Webhook POSTs escalations as JSON to an operator endpoint. Delivery is
// asynchronous and best-effort: failures are logged and dropped, never
// retried, so a dead endpoint cannot back up the engine.
type Webhook struct {
	url    string
	min    domain.Severity
	client *http.Client
}

func NewWebhook(url, minSeverity string) *Webhook {
	return &Webhook{
		url:    url,
		min:    ParseSeverity(minSeverity),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type webhookPayload struct {
	Severity string            `json:"severity"`
	Subject  string            `json:"subject"`
	Context  map[string]string `json:"context,omitempty"`
	At       time.Time         `json:"at"`
}

func (w *Webhook) Notify(e domain.Escalation) {
	if severityRank(e.Severity) < severityRank(w.min) {
		return
	}
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	go w.post(webhookPayload{
		Severity: string(e.Severity),
		Subject:  e.Subject,
		Context:  e.Context,
		At:       at,
	})
}

func (w *Webhook) post(p webhookPayload) {
	body, err := json.Marshal(p)
	if err != nil {
		slog.Error("webhook: marshal failed", "err", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		slog.Error("webhook: bad request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		slog.Warn("webhook: delivery failed", "subject", p.Subject, "err", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("webhook: endpoint rejected escalation",
			"subject", p.Subject, "status", resp.StatusCode)
	}
}
