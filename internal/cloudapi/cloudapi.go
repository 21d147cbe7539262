// Package cloudapi talks to the WhatsApp Business Cloud API: outbound text
// and reply-button messages through the Graph API, and parsing of the
// webhook envelope for inbound messages.
package cloudapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/messaging"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

const (
	// DefaultBaseURL is the Graph API root including the API version.
	DefaultBaseURL = "https://graph.facebook.com/v21.0"
	// MaxButtons is the number of reply buttons one interactive message can carry.
	MaxButtons = 3
	// MaxButtonTitle is the longest button title the API accepts, in runes.
	MaxButtonTitle = 20
)

// HTTPStatusError captures non-2xx Graph API responses.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("cloudapi: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// Opts holds configuration options for the Cloud API client.
type Opts struct {
	Token         string
	PhoneNumberID string
	BaseURL       string
	HTTPClient    *http.Client
}

// Option defines a configuration option for the Cloud API client.
type Option func(*Opts)

// WithToken sets the system user access token.
func WithToken(token string) Option {
	return func(o *Opts) { o.Token = strings.TrimSpace(token) }
}

// WithPhoneNumberID sets the id of the business phone number that sends.
func WithPhoneNumberID(id string) Option {
	return func(o *Opts) { o.PhoneNumberID = strings.TrimSpace(id) }
}

// WithBaseURL overrides DefaultBaseURL, for tests.
func WithBaseURL(baseURL string) Option {
	return func(o *Opts) { o.BaseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/") }
}

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// Client sends messages through the Cloud API.
type Client struct {
	token         string
	phoneNumberID string
	baseURL       string
	httpClient    *http.Client
}

var _ messaging.Sender = (*Client)(nil)

// NewClient creates a Client. Token and phone number id are required.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{BaseURL: DefaultBaseURL}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Token == "" || cfg.PhoneNumberID == "" {
		return nil, errors.New("cloudapi: token and phone number id must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		token:         cfg.Token,
		phoneNumberID: cfg.PhoneNumberID,
		baseURL:       cfg.BaseURL,
		httpClient:    cfg.HTTPClient,
	}, nil
}

type textBody struct {
	Body string `json:"body"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reply"`
}

type interactiveText struct {
	Text string `json:"text"`
}

type interactiveBody struct {
	Type   string          `json:"type"`
	Body   interactiveText `json:"body"`
	Action struct {
		Buttons []replyButton `json:"buttons"`
	} `json:"action"`
}

type sendRequest struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             *textBody        `json:"text,omitempty"`
	Interactive      *interactiveBody `json:"interactive,omitempty"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
}

// SendText implements messaging.Sender.
func (c *Client) SendText(ctx context.Context, to string, body string) (string, error) {
	return c.send(ctx, sendRequest{
		To:   messaging.Digits(to),
		Type: "text",
		Text: &textBody{Body: body},
	})
}

// SendButtons implements messaging.Sender with native reply buttons. More
// than MaxButtons options fall back to a numbered text list.
func (c *Client) SendButtons(ctx context.Context, to string, body string, buttons []models.Button) (string, error) {
	if len(buttons) == 0 || len(buttons) > MaxButtons {
		return c.SendText(ctx, to, messaging.RenderButtonsAsText(body, buttons))
	}
	ib := &interactiveBody{Type: "button", Body: interactiveText{Text: body}}
	for _, b := range buttons {
		var rb replyButton
		rb.Type = "reply"
		rb.Reply.ID = b.ID
		rb.Reply.Title = truncateRunes(b.Title, MaxButtonTitle)
		ib.Action.Buttons = append(ib.Action.Buttons, rb)
	}
	return c.send(ctx, sendRequest{
		To:          messaging.Digits(to),
		Type:        "interactive",
		Interactive: ib,
	})
}

func (c *Client) send(ctx context.Context, payload sendRequest) (string, error) {
	payload.MessagingProduct = "whatsapp"
	payload.RecipientType = "individual"
	if payload.To == "" {
		return "", errors.New("cloudapi: recipient cannot be empty")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("cloudapi: marshal request: %w", err)
	}

	url := c.baseURL + "/" + c.phoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("cloudapi: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		slog.Error("CloudAPI.send: request failed", "to", payload.To, "type", payload.Type, "error", err)
		return "", fmt.Errorf("cloudapi: send to %s: %w", payload.To, err)
	}
	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("cloudapi: decode response: %w", err)
	}
	if len(out.Messages) == 0 || out.Messages[0].ID == "" {
		return "", errors.New("cloudapi: response carries no message id")
	}
	slog.Debug("CloudAPI.send: message sent", "to", payload.To, "type", payload.Type, "id", out.Messages[0].ID)
	return out.Messages[0].ID, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)}
	}
	buf, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
