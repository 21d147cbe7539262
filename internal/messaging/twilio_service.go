package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/twiliowhatsapp"
)

// TwilioService implements Sender using the Twilio API.
type TwilioService struct {
	client twiliowhatsapp.TwilioWhatsAppSender // Could be real Twilio client or MockClient
}

var _ Sender = (*TwilioService)(nil)

// NewTwilioService creates a new TwilioService.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender) *TwilioService {
	return &TwilioService{client: client}
}

// SendText implements Sender.
func (s *TwilioService) SendText(ctx context.Context, to string, body string) (string, error) {
	canonicalTo, err := CanonicalAddress(to)
	if err != nil {
		slog.Error("TwilioService.SendText: invalid recipient", "error", err, "to", to)
		return "", err
	}
	if canonicalTo != to {
		slog.Debug("TwilioService.SendText: canonicalized recipient", "original", to, "canonical", canonicalTo)
	}
	return s.client.SendMessage(ctx, canonicalTo, body)
}

// SendButtons implements Sender. The Twilio API needs pre-approved content
// templates for quick replies, so options are rendered as a numbered list.
func (s *TwilioService) SendButtons(ctx context.Context, to string, body string, buttons []models.Button) (string, error) {
	return s.SendText(ctx, to, RenderButtonsAsText(body, buttons))
}

// ParseTwilioWebhook normalizes the form of a Twilio inbound message webhook.
// Quick-reply buttons arrive as ButtonPayload; quoted replies carry
// OriginalRepliedMessageSid.
func ParseTwilioWebhook(form url.Values) (models.InboundMessage, error) {
	from, err := CanonicalAddress(form.Get("From"))
	if err != nil {
		return models.InboundMessage{}, fmt.Errorf("invalid From: %w", err)
	}
	sid := form.Get("MessageSid")
	if sid == "" {
		sid = form.Get("SmsMessageSid")
	}
	if sid == "" {
		return models.InboundMessage{}, models.ErrEmptyMessageID
	}

	msg := models.InboundMessage{
		From:           from,
		ID:             sid,
		Timestamp:      time.Now().UTC(),
		Text:           strings.TrimSpace(form.Get("Body")),
		ReplyContextID: form.Get("OriginalRepliedMessageSid"),
		Provider:       models.ProviderTwilio,
	}
	switch {
	case form.Get("ButtonPayload") != "":
		msg.Type = models.MessageTypeInteractive
		msg.ReplyPayload = form.Get("ButtonPayload")
		if msg.Text == "" {
			msg.Text = form.Get("ButtonText")
		}
	case msg.Text != "":
		msg.Type = models.MessageTypeText
	default:
		msg.Type = models.MessageTypeOther
	}
	return msg, nil
}
