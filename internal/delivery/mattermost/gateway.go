// Package mattermost delivers posts to Mattermost via Incoming Webhooks.
package mattermost

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/bissquit/post-scheduler/internal/dispatch"
	"github.com/bissquit/post-scheduler/internal/domain"
	"github.com/bissquit/post-scheduler/internal/pkg/ctxlog"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultUsername = "post-scheduler"
)

// Config holds Mattermost gateway configuration.
// The webhook URL is the channel's external id, so global configuration is minimal.
type Config struct {
	Username string
	IconURL  string
	Timeout  time.Duration
}

// Gateway implements dispatch.Gateway via Incoming Webhooks.
type Gateway struct {
	config     Config
	httpClient *http.Client
}

// NewGateway creates a new Mattermost gateway.
func NewGateway(config Config) *Gateway {
	if config.Username == "" {
		config.Username = defaultUsername
	}
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	return &Gateway{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
	}
}

// Kind returns the channel kind served by this gateway.
func (g *Gateway) Kind() domain.ChannelKind {
	return domain.ChannelKindMattermost
}

// Deliver posts the content's text to the channel's webhook.
func (g *Gateway) Deliver(ctx context.Context, channel domain.Channel, content domain.Content) error {
	webhookURL := channel.ExternalID
	if webhookURL == "" {
		return dispatch.Permanent(errors.New("webhook URL is empty"))
	}
	if content.MediaType != domain.MediaNone {
		return dispatch.Permanent(fmt.Errorf("unsupported content: %s attachments cannot be posted to a webhook", content.MediaType))
	}
	if content.Text == "" {
		return dispatch.Permanent(errors.New("post has no text"))
	}

	payload := webhookPayload{
		Text:     content.Text,
		Username: g.config.Username,
		IconURL:  g.config.IconURL,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhookURL, bytes.NewReader(body))
	if err != nil {
		return dispatch.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return dispatch.Transient(fmt.Errorf("send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	return g.handleResponse(ctx, resp, webhookURL)
}

type webhookPayload struct {
	Text     string `json:"text"`
	Username string `json:"username,omitempty"`
	IconURL  string `json:"icon_url,omitempty"`
}

func (g *Gateway) handleResponse(ctx context.Context, resp *http.Response, webhookURL string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return dispatch.Transient(fmt.Errorf("read response: %w", err))
	}

	switch resp.StatusCode {
	case http.StatusOK:
		ctxlog.FromContext(ctx).Debug("mattermost message sent", "webhook", maskWebhookURL(webhookURL))
		return nil

	case http.StatusBadRequest:
		return dispatch.Permanent(&StatusError{Code: resp.StatusCode, Message: fmt.Sprintf("bad request: %s", string(body))})

	case http.StatusUnauthorized, http.StatusForbidden:
		return dispatch.Permanent(&StatusError{Code: resp.StatusCode, Message: "invalid or expired webhook"})

	case http.StatusNotFound:
		return dispatch.Permanent(&StatusError{Code: resp.StatusCode, Message: "webhook not found"})

	case http.StatusTooManyRequests:
		return dispatch.TransientAfter(
			&StatusError{Code: resp.StatusCode, Message: "rate limited"},
			parseRetryAfter(resp.Header.Get("Retry-After")),
		)

	default:
		return dispatch.Transient(&StatusError{Code: resp.StatusCode, Message: fmt.Sprintf("unexpected response: %s", string(body))})
	}
}

func parseRetryAfter(v string) time.Duration {
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// maskWebhookURL hides part of the URL for logging.
func maskWebhookURL(url string) string {
	if len(url) > 40 {
		return url[:20] + "..." + url[len(url)-10:]
	}
	return url
}

// StatusError is a non-success webhook response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("mattermost error %d: %s", e.Code, e.Message)
}
