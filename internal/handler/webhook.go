package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// WebhookPayload represents the payload for webhook tasks
type WebhookPayload struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Data    json.RawMessage   `json:"data,omitempty"`
}

// WebhookHandler delivers a task payload to an external URL
type WebhookHandler struct {
	logger     *zap.Logger
	httpClient *http.Client
}

// NewWebhookHandler creates a new webhook handler. The overall request
// deadline comes from the dispatch context, so the client itself carries
// no timeout.
func NewWebhookHandler(logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{
		logger:     logger.Named("webhook"),
		httpClient: &http.Client{},
	}
}

// Execute performs the outbound HTTP call described by payload
func (h *WebhookHandler) Execute(ctx context.Context, payload json.RawMessage) error {
	var p WebhookPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("failed to unmarshal payload: %w", err)
	}

	if p.URL == "" {
		return fmt.Errorf("webhook url is required")
	}

	method := strings.ToUpper(p.Method)
	if method == "" {
		method = http.MethodPost
	}

	req, err := h.buildRequest(ctx, method, &p)
	if err != nil {
		return err
	}

	h.logger.Info("Executing webhook",
		zap.String("method", method),
		zap.String("url", p.URL))

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	h.logger.Info("Webhook delivered",
		zap.String("url", p.URL),
		zap.Int("status", resp.StatusCode))
	return nil
}

// buildRequest maps the payload onto an HTTP request. GET sends data as
// query parameters; every other method sends it as a JSON body.
func (h *WebhookHandler) buildRequest(ctx context.Context, method string, p *WebhookPayload) (*http.Request, error) {
	var body io.Reader
	target := p.URL

	if method == http.MethodGet {
		if len(p.Data) > 0 {
			params, err := queryParams(p.Data)
			if err != nil {
				return nil, err
			}
			if params != "" {
				sep := "?"
				if strings.Contains(target, "?") {
					sep = "&"
				}
				target += sep + params
			}
		}
	} else if len(p.Data) > 0 {
		body = bytes.NewReader(p.Data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range p.Headers {
		req.Header.Set(key, value)
	}

	return req, nil
}

func queryParams(data json.RawMessage) (string, error) {
	var fields map[string]interface{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return "", fmt.Errorf("webhook data must be an object for GET requests: %w", err)
	}

	values := url.Values{}
	for key, value := range fields {
		values.Set(key, fmt.Sprintf("%v", value))
	}
	return values.Encode(), nil
}
