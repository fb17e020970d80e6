package actions

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

	"github.com/rendis/voxflow/pkg/schema"
)

// HTTPConfig configures the webhook action.
type HTTPConfig struct {
	Client          *http.Client
	MaxResponseBody int64
	DefaultTimeout  time.Duration
}

const (
	defaultMaxResponseBody = 1 << 20 // 1MB
	defaultHTTPTimeout     = 10 * time.Second
)

// WebhookAction implements the "webhook" action: it notifies an external
// system (order backend, kitchen display) about a node transition. The
// request body carries the session, the node and the triggering function
// result along with the optional static "body" param.
type WebhookAction struct {
	config HTTPConfig
}

// NewWebhookAction creates a new webhook action.
func NewWebhookAction(cfg HTTPConfig) *WebhookAction {
	if cfg.MaxResponseBody <= 0 {
		cfg.MaxResponseBody = defaultMaxResponseBody
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultHTTPTimeout
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{}
	}
	return &WebhookAction{config: cfg}
}

func (a *WebhookAction) Name() string { return "webhook" }

func (a *WebhookAction) Schema() ActionSchema {
	return ActionSchema{
		Description: "POST a JSON notification about the current node to an external URL.",
		Params: map[string]any{
			"type":     "object",
			"required": []string{"url"},
			"properties": map[string]any{
				"url":     map[string]any{"type": "string"},
				"method":  map[string]any{"type": "string", "enum": []string{"POST", "PUT"}},
				"headers": map[string]any{"type": "object"},
				"body":    map[string]any{},
				"timeout": map[string]any{"type": "string"},
			},
		},
	}
}

func (a *WebhookAction) Validate(params map[string]any) error {
	rawURL := stringParam(params, "url", "")
	if rawURL == "" {
		return schema.NewError(schema.ErrCodeValidation, "webhook: missing required param 'url'")
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid url %q", rawURL)
	}
	switch strings.ToUpper(stringParam(params, "method", "POST")) {
	case http.MethodPost, http.MethodPut:
	default:
		return schema.NewError(schema.ErrCodeValidation, "webhook: method must be POST or PUT")
	}
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if _, err := time.ParseDuration(ts); err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "webhook: invalid timeout %q", ts)
		}
	}
	return nil
}

func (a *WebhookAction) Execute(ctx context.Context, input ActionInput) error {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}
	if err := a.Validate(params); err != nil {
		return err
	}

	timeout := a.config.DefaultTimeout
	if ts := stringParam(params, "timeout", ""); ts != "" {
		if d, err := time.ParseDuration(ts); err == nil {
			timeout = d
		}
	}

	payload := map[string]any{
		"session_id": input.SessionID,
		"node":       input.NodeID,
		"result":     input.Result,
		"body":       params["body"],
		"sent_at":    time.Now().UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return schema.NewError(schema.ErrCodeHandler, "webhook: failed to marshal body").WithCause(err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(stringParam(params, "method", "POST"))
	req, err := http.NewRequestWithContext(reqCtx, method, stringParam(params, "url", ""), bytes.NewReader(b))
	if err != nil {
		return schema.NewError(schema.ErrCodeHandler, "webhook: failed to create request").WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if hm, ok := params["headers"].(map[string]any); ok {
		for k, v := range hm {
			req.Header.Set(k, fmt.Sprintf("%v", v))
		}
	}

	resp, err := a.config.Client.Do(req)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeExternalService, "webhook: request failed: %v", err).WithCause(err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, a.config.MaxResponseBody))
	if resp.StatusCode >= 400 {
		return schema.NewErrorf(schema.ErrCodeExternalService, "webhook: server returned %d", resp.StatusCode).
			WithDetails(map[string]any{"status_code": resp.StatusCode, "body": string(body)})
	}
	return nil
}
