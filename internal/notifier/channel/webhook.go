package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"fleetrun/internal/model"
)

// Webhook POSTs a JSON document to an HTTP endpoint.
//
// Settings: url (required), method (default POST), header.<Name> for extra
// request headers.
type Webhook struct {
	id      string
	url     string
	method  string
	headers map[string]string
	client  *http.Client
}

type webhookPayload struct {
	Channel  string         `json:"channel"`
	Text     string         `json:"text"`
	Severity model.Severity `json:"severity"`
	RunID    string         `json:"run_id,omitempty"`
	PolicyID string         `json:"policy_id,omitempty"`
}

func NewWebhook(cfg model.Channel, deps Deps) (Channel, error) {
	raw := secret(cfg, "url")
	if raw == "" {
		return nil, missing("url")
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid url %q", raw)
	}
	method := strings.ToUpper(setting(cfg, "method"))
	if method == "" {
		method = http.MethodPost
	}
	headers := map[string]string{}
	for k, v := range cfg.Settings {
		if name, ok := strings.CutPrefix(k, "header."); ok && name != "" {
			headers[name] = v
		}
	}
	return &Webhook{id: cfg.ID, url: raw, method: method, headers: headers, client: deps.HTTP}, nil
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	body, err := json.Marshal(webhookPayload{Channel: w.id, Text: msg.Text, Severity: msg.Severity, RunID: msg.RunID, PolicyID: msg.PolicyID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "fleetrun")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return nil
}
