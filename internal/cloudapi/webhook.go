package cloudapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/messaging"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// SignatureHeader carries the HMAC-SHA256 of the webhook body keyed with the
// app secret.
const SignatureHeader = "X-Hub-Signature-256"

// WebhookEnvelope is the body Meta posts to the webhook.
type WebhookEnvelope struct {
	Object string         `json:"object"`
	Entry  []WebhookEntry `json:"entry"`
}

type WebhookEntry struct {
	ID      string          `json:"id"`
	Changes []WebhookChange `json:"changes"`
}

type WebhookChange struct {
	Field string       `json:"field"`
	Value WebhookValue `json:"value"`
}

type WebhookValue struct {
	MessagingProduct string            `json:"messaging_product"`
	Messages         []WebhookMessage  `json:"messages"`
	Statuses         []json.RawMessage `json:"statuses,omitempty"`
}

type WebhookMessage struct {
	From      string `json:"from"`
	ID        string `json:"id"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Text      *struct {
		Body string `json:"body"`
	} `json:"text,omitempty"`
	Interactive *struct {
		Type        string       `json:"type"`
		ButtonReply *replyChoice `json:"button_reply,omitempty"`
		ListReply   *replyChoice `json:"list_reply,omitempty"`
	} `json:"interactive,omitempty"`
	Button *struct {
		Payload string `json:"payload"`
		Text    string `json:"text"`
	} `json:"button,omitempty"`
	Context *struct {
		From string `json:"from"`
		ID   string `json:"id"`
	} `json:"context,omitempty"`
}

type replyChoice struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ParseWebhook extracts the inbound messages carried by a webhook body.
// Status callbacks yield no messages. Messages without a usable sender or
// id are skipped.
func ParseWebhook(body []byte) ([]models.InboundMessage, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("cloudapi: decode webhook: %w", err)
	}

	var out []models.InboundMessage
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				msg, ok := toInbound(m)
				if !ok {
					slog.Warn("CloudAPI.ParseWebhook: skipping message", "id", m.ID, "from", m.From)
					continue
				}
				out = append(out, msg)
			}
		}
	}
	return out, nil
}

func toInbound(m WebhookMessage) (models.InboundMessage, bool) {
	from, err := messaging.CanonicalAddress(m.From)
	if err != nil || m.ID == "" {
		return models.InboundMessage{}, false
	}
	msg := models.InboundMessage{
		From:      from,
		ID:        m.ID,
		Timestamp: parseUnix(m.Timestamp),
		Provider:  models.ProviderCloudAPI,
		Type:      models.MessageTypeOther,
	}
	if m.Context != nil {
		msg.ReplyContextID = m.Context.ID
	}

	switch {
	case m.Type == "text" && m.Text != nil:
		msg.Type = models.MessageTypeText
		msg.Text = strings.TrimSpace(m.Text.Body)
	case m.Type == "interactive" && m.Interactive != nil:
		choice := m.Interactive.ButtonReply
		if choice == nil {
			choice = m.Interactive.ListReply
		}
		if choice != nil {
			msg.Type = models.MessageTypeInteractive
			msg.ReplyPayload = choice.ID
			msg.Text = choice.Title
		}
	case m.Type == "button" && m.Button != nil:
		msg.Type = models.MessageTypeInteractive
		msg.ReplyPayload = m.Button.Payload
		msg.Text = m.Button.Text
	}
	return msg, true
}

func parseUnix(s string) time.Time {
	sec, err := strconv.ParseInt(s, 10, 64)
	if err != nil || sec <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(sec, 0).UTC()
}

// VerifyHandshake answers the subscription check Meta sends with GET. It
// returns the challenge to echo when the mode and token match.
func VerifyHandshake(query url.Values, verifyToken string) (string, bool) {
	if verifyToken == "" {
		return "", false
	}
	if query.Get("hub.mode") != "subscribe" || query.Get("hub.verify_token") != verifyToken {
		return "", false
	}
	return query.Get("hub.challenge"), true
}

// ValidSignature checks the SignatureHeader value ("sha256=<hex>") against
// body. An empty app secret disables the check.
func ValidSignature(appSecret string, body []byte, header string) bool {
	if appSecret == "" {
		return true
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}
