package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/cloudapi"
	"github.com/BTreeMap/ExpensePipe/internal/flow"
	"github.com/BTreeMap/ExpensePipe/internal/messaging"
	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
	"github.com/BTreeMap/ExpensePipe/internal/twiliowhatsapp"
)

// twilioWebhookHandler handles POST /webhook/twilio.
func (s *Server) twilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.twilioWebhookHandler: malformed form", "error", err)
		ackWebhook(w, 0)
		return
	}

	if v := s.opts.TwilioValidator; v != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		url := s.opts.PublicBaseURL + r.URL.RequestURI()
		if !v.Validate(url, params, r.Header.Get(twiliowhatsapp.SignatureHeader)) {
			slog.Warn("Server.twilioWebhookHandler: invalid signature", "url", url)
			writeError(w, http.StatusForbidden, "Invalid signature")
			return
		}
	}

	msg, err := messaging.ParseTwilioWebhook(r.PostForm)
	if err != nil {
		// Acknowledge so Twilio does not redeliver an unusable payload.
		slog.Warn("Server.twilioWebhookHandler: unusable payload", "error", err)
		ackWebhook(w, 0)
		return
	}
	s.accept(w, r, []models.InboundMessage{msg}, http.StatusOK)
}

// whatsappWebhookHandler handles GET (verification) and POST (messages) on
// /webhook/whatsapp.
func (s *Server) whatsappWebhookHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		challenge, ok := cloudapi.VerifyHandshake(r.URL.Query(), s.opts.WhatsAppVerifyToken)
		if !ok {
			slog.Warn("Server.whatsappWebhookHandler: verification rejected")
			writeError(w, http.StatusForbidden, "Verification failed")
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, challenge)
	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			slog.Warn("Server.whatsappWebhookHandler: failed to read body", "error", err)
			ackWebhook(w, 0)
			return
		}
		if !cloudapi.ValidSignature(s.opts.WhatsAppAppSecret, body, r.Header.Get(cloudapi.SignatureHeader)) {
			slog.Warn("Server.whatsappWebhookHandler: invalid signature")
			writeError(w, http.StatusForbidden, "Invalid signature")
			return
		}
		msgs, err := cloudapi.ParseWebhook(body)
		if err != nil {
			slog.Warn("Server.whatsappWebhookHandler: malformed payload", "error", err)
			ackWebhook(w, 0)
			return
		}
		s.accept(w, r, msgs, http.StatusOK)
	default:
		methodNotAllowed(w, "GET, POST")
	}
}

// messagesHandler handles POST /messages with one normalized message.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var msg models.InboundMessage
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&msg); err != nil {
		slog.Warn("Server.messagesHandler: failed to decode JSON", "error", err)
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	from, err := messaging.CanonicalAddress(msg.From)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msg.From = from
	msg.Text = strings.TrimSpace(msg.Text)
	if msg.Type == "" {
		msg.Type = models.MessageTypeText
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	if msg.Provider == "" {
		msg.Provider = models.ProviderDirect
	}
	if err := msg.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.accept(w, r, []models.InboundMessage{msg}, http.StatusAccepted)
}

func (s *Server) accept(w http.ResponseWriter, r *http.Request, msgs []models.InboundMessage, okStatus int) {
	n, err := s.ingress.Accept(r.Context(), msgs)
	if err != nil {
		slog.Error("Server.accept: ingress failed", "messages", len(msgs), "accepted", n, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to accept messages")
		return
	}
	writeJSONResponse(w, okStatus, models.Accepted(n))
}

// ConfirmationRequestBody is the body of POST /confirmations.
type ConfirmationRequestBody struct {
	ExpenseID   string `json:"expense_id"`
	Responsible string `json:"responsible"`
}

// confirmationsHandler handles POST /confirmations.
func (s *Server) confirmationsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	var body ConfirmationRequestBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}
	if body.ExpenseID == "" || strings.TrimSpace(body.Responsible) == "" {
		writeError(w, http.StatusBadRequest, "expense_id and responsible are required")
		return
	}

	exp, err := s.confirmations.Apply(r.Context(), body.ExpenseID, body.Responsible)
	switch {
	case err == nil:
		writeJSONResponse(w, http.StatusOK, models.Success(exp))
	case errors.Is(err, flow.ErrUnknownResponsible):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrExpenseNotFound):
		writeError(w, http.StatusNotFound, "Expense not found")
	case errors.Is(err, store.ErrAlreadyConfirmed), errors.Is(err, store.ErrExpenseCancelled):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Error("Server.confirmationsHandler: confirmation failed", "expenseID", body.ExpenseID, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to confirm expense")
	}
}

// expenseHandler handles GET /expenses/{id}.
func (s *Server) expenseHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	id := r.PathValue("id")
	exp, err := s.expenses.GetExpense(r.Context(), id)
	if errors.Is(err, store.ErrExpenseNotFound) || (err == nil && exp == nil) {
		writeError(w, http.StatusNotFound, "Expense not found")
		return
	}
	if err != nil {
		slog.Error("Server.expenseHandler: lookup failed", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch expense")
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(exp))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	})
}
