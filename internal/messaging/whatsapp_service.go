package messaging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/whatsapp"
)

// DefaultInboundTimeout bounds the hand-off of one live inbound message to the
// ingress.
const DefaultInboundTimeout = 5 * time.Second

// WhatsAppService implements Sender using the Whatsmeow-based whatsapp client
// and forwards inbound messages of the live connection to an InboundHandler.
type WhatsAppService struct {
	client   whatsapp.WhatsAppSender
	waClient *whatsapp.Client // Access to underlying client for event handling

	mu      sync.RWMutex
	handler InboundHandler
	ctx     context.Context
}

var _ Sender = (*WhatsAppService)(nil)

// NewWhatsAppService creates a new WhatsAppService wrapping the given WhatsAppSender.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	service := &WhatsAppService{client: client}

	// If the client is a full Client (not just an interface), store it for event handling
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}

	return service
}

// Start registers handler for inbound messages. Events are forwarded until
// ctx is cancelled.
func (s *WhatsAppService) Start(ctx context.Context, handler InboundHandler) error {
	s.mu.Lock()
	s.handler = handler
	s.ctx = ctx
	s.mu.Unlock()

	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling (likely mock)")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		default:
			slog.Debug("WhatsAppService ignoring event type", "type", getEventType(v))
		}
	})
	slog.Info("WhatsAppService.Start: event handler registered")
	return nil
}

// SendText implements Sender.
func (s *WhatsAppService) SendText(ctx context.Context, to string, body string) (string, error) {
	id, err := s.client.SendText(ctx, to, body)
	if err != nil {
		slog.Error("WhatsAppService.SendText: send failed", "error", err, "to", to)
		return "", err
	}
	return id, nil
}

// SendButtons implements Sender. Whatsmeow accounts cannot send interactive
// buttons, so the options go out as a numbered list.
func (s *WhatsAppService) SendButtons(ctx context.Context, to string, body string, buttons []models.Button) (string, error) {
	return s.SendText(ctx, to, RenderButtonsAsText(body, buttons))
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	msg, ok := InboundFromWhatsmeow(evt)
	if !ok {
		return
	}

	s.mu.RLock()
	handler, parent := s.handler, s.ctx
	s.mu.RUnlock()
	if handler == nil || parent == nil {
		slog.Warn("WhatsAppService.handleIncomingMessage: no handler registered, dropping message", "id", msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(parent, DefaultInboundTimeout)
	defer cancel()
	if _, err := handler(ctx, []models.InboundMessage{msg}); err != nil {
		slog.Error("WhatsAppService.handleIncomingMessage: hand-off failed", "id", msg.ID, "from", msg.From, "error", err)
		return
	}
	slog.Debug("WhatsAppService.handleIncomingMessage: forwarded", "id", msg.ID, "from", msg.From, "type", msg.Type)
}

// InboundFromWhatsmeow normalizes a whatsmeow message event. Group messages,
// own messages and events without content are skipped.
func InboundFromWhatsmeow(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}
	from, err := CanonicalAddress(evt.Info.Sender.User)
	if err != nil {
		slog.Debug("InboundFromWhatsmeow: unusable sender", "sender", evt.Info.Sender.String(), "error", err)
		return models.InboundMessage{}, false
	}

	msg := models.InboundMessage{
		From:      from,
		ID:        string(evt.Info.ID),
		Timestamp: evt.Info.Timestamp.UTC(),
		Provider:  models.ProviderWhatsmeow,
		Type:      models.MessageTypeOther,
	}
	m := evt.Message
	switch {
	case m.GetButtonsResponseMessage() != nil:
		br := m.GetButtonsResponseMessage()
		msg.Type = models.MessageTypeInteractive
		msg.ReplyPayload = br.GetSelectedButtonID()
		msg.Text = br.GetSelectedDisplayText()
		msg.ReplyContextID = contextStanzaID(br.GetContextInfo())
	case m.GetConversation() != "":
		msg.Type = models.MessageTypeText
		msg.Text = m.GetConversation()
	case m.GetExtendedTextMessage() != nil:
		et := m.GetExtendedTextMessage()
		msg.Type = models.MessageTypeText
		msg.Text = et.GetText()
		msg.ReplyContextID = contextStanzaID(et.GetContextInfo())
	}
	msg.Text = strings.TrimSpace(msg.Text)
	return msg, true
}

func contextStanzaID(ci *waE2E.ContextInfo) string {
	if ci == nil {
		return ""
	}
	return ci.GetStanzaID()
}

// getEventType returns a string representation of the event type for logging
func getEventType(evt interface{}) string {
	switch evt.(type) {
	case *events.Message:
		return "Message"
	case *events.Receipt:
		return "Receipt"
	case *events.Presence:
		return "Presence"
	case *events.Connected:
		return "Connected"
	case *events.Disconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}
