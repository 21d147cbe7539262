// Package messaging defines the outbound delivery abstraction shared by the
// WhatsApp transports, together with the inbound hand-off used by transports
// that receive messages over a live connection.
package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// Sender delivers replies to a chat address. Both methods return the
// provider id of the sent message.
type Sender interface {
	SendText(ctx context.Context, to string, body string) (string, error)
	// SendButtons sends body with selectable options. Transports without
	// native buttons render them as a numbered list.
	SendButtons(ctx context.Context, to string, body string, buttons []models.Button) (string, error)
}

// InboundHandler receives normalized messages from a transport. It is
// satisfied by the webhook ingress.
type InboundHandler func(ctx context.Context, msgs []models.InboundMessage) (int, error)

var nonDigitRegex = regexp.MustCompile(`\D`)

// CanonicalAddress normalizes a phone address ("whatsapp:+55 11 99999-0000",
// "5511999990000@s.whatsapp.net") to E.164 form ("+5511999990000").
func CanonicalAddress(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("address cannot be empty")
	}
	s = strings.TrimPrefix(s, "whatsapp:")
	if at := strings.Index(s, "@"); at >= 0 {
		s = s[:at]
	}
	digits := nonDigitRegex.ReplaceAllString(s, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in %q", raw)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return "+" + digits, nil
}

// Digits returns the address without the leading plus sign.
func Digits(address string) string {
	return strings.TrimPrefix(address, "+")
}

// RenderButtonsAsText appends the options to body as a numbered list.
func RenderButtonsAsText(body string, buttons []models.Button) string {
	if len(buttons) == 0 {
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n")
	for i, btn := range buttons {
		fmt.Fprintf(&b, "\n%d. %s", i+1, btn.Title)
	}
	b.WriteString("\n\nResponda a esta mensagem com a opção escolhida.")
	return b.String()
}

// LogSender writes outbound messages to the log instead of a provider. It
// is used for local runs without credentials.
type LogSender struct {
	seq atomic.Int64
}

var _ Sender = (*LogSender)(nil)

// NewLogSender creates a LogSender.
func NewLogSender() *LogSender {
	return &LogSender{}
}

// SendText implements Sender.
func (l *LogSender) SendText(_ context.Context, to string, body string) (string, error) {
	id := l.nextID()
	slog.Info("LogSender.SendText: outbound message", "to", to, "id", id, "body", body)
	return id, nil
}

// SendButtons implements Sender.
func (l *LogSender) SendButtons(_ context.Context, to string, body string, buttons []models.Button) (string, error) {
	id := l.nextID()
	slog.Info("LogSender.SendButtons: outbound message", "to", to, "id", id, "body", RenderButtonsAsText(body, buttons))
	return id, nil
}

func (l *LogSender) nextID() string {
	return fmt.Sprintf("log-%d", l.seq.Add(1))
}
