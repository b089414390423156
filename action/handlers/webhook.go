package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/liamcoop/automation/action"
)

// DefaultWebhookTimeout bounds a single delivery when the caller's context
// has no earlier deadline.
const DefaultWebhookTimeout = 10 * time.Second

// Webhook handles "webhook" actions by POSTing the action payload as JSON.
//
// Params:
//   - url: required http(s) URL
//   - method: optional, POST or PUT
//   - headers: optional map of extra headers
type Webhook struct {
	client  *http.Client
	timeout time.Duration
}

// NewWebhook returns a webhook handler. A nil client uses http.DefaultClient.
func NewWebhook(client *http.Client, timeout time.Duration) *Webhook {
	if client == nil {
		client = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = DefaultWebhookTimeout
	}
	return &Webhook{client: client, timeout: timeout}
}

func (w *Webhook) Type() action.Type { return action.TypeWebhook }

func (w *Webhook) Validate(params map[string]any) error {
	raw, _ := params["url"].(string)
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	// Expression params are only known at dispatch time.
	if raw != "<expr>" {
		if err := checkURL(raw); err != nil {
			return err
		}
	}
	if m, ok := params["method"].(string); ok && m != "" {
		switch strings.ToUpper(m) {
		case http.MethodPost, http.MethodPut:
		default:
			return fmt.Errorf("method must be POST or PUT, got %q", m)
		}
	}
	if h, ok := params["headers"]; ok {
		if _, isMap := h.(map[string]any); !isMap {
			return fmt.Errorf("headers must be an object")
		}
	}
	return nil
}

type webhookBody struct {
	EntryID    string          `json:"entryId"`
	TenantID   string          `json:"tenantId"`
	RuleID     string          `json:"ruleId"`
	ActionType action.Type     `json:"actionType"`
	Attempt    int             `json:"attempt"`
	Params     map[string]any  `json:"params"`
	Event      action.EventRef `json:"event"`
}

func (w *Webhook) Execute(ctx context.Context, req action.Request) error {
	params := req.Payload.Params
	target, _ := params["url"].(string)
	if err := checkURL(target); err != nil {
		return action.Permanent(err)
	}
	method := http.MethodPost
	if m, ok := params["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}

	body, err := json.Marshal(webhookBody{
		EntryID:    req.EntryID,
		TenantID:   req.TenantID.String(),
		RuleID:     req.RuleID,
		ActionType: req.Type,
		Attempt:    req.Attempt,
		Params:     params,
		Event:      req.Payload.Event,
	})
	if err != nil {
		return action.Permanent(fmt.Errorf("encode webhook body: %w", err))
	}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, method, target, bytes.NewReader(body))
	if err != nil {
		return action.Permanent(fmt.Errorf("build webhook request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.EntryID)
	if headers, ok := params["headers"].(map[string]any); ok {
		for k, v := range headers {
			httpReq.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", target, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook %s: status %d", target, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return action.Permanent(fmt.Errorf("webhook %s: status %d", target, resp.StatusCode))
	default:
		return fmt.Errorf("webhook %s: status %d", target, resp.StatusCode)
	}
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("url host is required")
	}
	return nil
}
