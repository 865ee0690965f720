package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	logx "threadbot/pkg/logx"
)

// WebhookConfig configures the HTTP reasoning client.
type WebhookConfig struct {
	Endpoint string
	APIKey   string
	Timeout  time.Duration
}

// Webhook posts units as JSON to an agent endpoint:
//
//	POST {endpoint}/batch   Batch  -> Outcome
//	POST {endpoint}/single  Single -> Outcome
//	POST {endpoint}/prompt  Prompt -> {}
type Webhook struct {
	cfg  WebhookConfig
	http *http.Client
	log  logx.Logger
}

func NewWebhook(cfg WebhookConfig, log logx.Logger) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Webhook{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, log: log}
}

func (w *Webhook) SubmitBatch(ctx context.Context, b Batch) (Outcome, error) {
	var out Outcome
	err := w.post(ctx, "/batch", b, &out)
	return out, err
}

func (w *Webhook) SubmitSingle(ctx context.Context, s Single) (Outcome, error) {
	var out Outcome
	err := w.post(ctx, "/single", s, &out)
	return out, err
}

func (w *Webhook) SubmitPrompt(ctx context.Context, p Prompt) error {
	return w.post(ctx, "/prompt", p, nil)
}

func (w *Webhook) post(ctx context.Context, path string, body, out any) error {
	if w.cfg.Endpoint == "" {
		return fmt.Errorf("reasoning: endpoint not configured")
	}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint+path, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.APIKey)
	}
	start := time.Now()
	resp, err := w.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	w.log.Debug("reasoning call",
		logx.String("path", path), logx.Int("status", resp.StatusCode), logx.Duration("took", time.Since(start)))

	switch {
	case resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", ErrRejected, strings.TrimSpace(string(raw)))
	case resp.StatusCode >= 300:
		return fmt.Errorf("reasoning: %s returned %d: %s", path, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	return json.Unmarshal(raw, out)
}
