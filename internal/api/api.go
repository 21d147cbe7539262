// Package api exposes the ExpensePipe HTTP surface: provider webhooks that
// feed the ingress, a direct message endpoint, direct confirmations and
// read-back of stored expenses.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/flow"
	"github.com/BTreeMap/ExpensePipe/internal/store"
	"github.com/BTreeMap/ExpensePipe/internal/twiliowhatsapp"
)

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful shutdown of the HTTP server.
	DefaultShutdownTimeout = 10 * time.Second
	// maxBodyBytes caps webhook bodies.
	maxBodyBytes = 1 << 20
)

// Opts holds configuration for the API server.
type Opts struct {
	Addr                string
	PublicBaseURL       string // scheme and host Twilio signs, e.g. https://expenses.example.com
	WhatsAppVerifyToken string
	WhatsAppAppSecret   string
	TwilioValidator     *twiliowhatsapp.SignatureValidator
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithPublicBaseURL sets the externally visible base url used to check
// Twilio signatures behind a proxy.
func WithPublicBaseURL(u string) Option {
	return func(o *Opts) { o.PublicBaseURL = strings.TrimRight(u, "/") }
}

// WithWhatsAppVerifyToken sets the Cloud API subscription verify token.
func WithWhatsAppVerifyToken(token string) Option {
	return func(o *Opts) { o.WhatsAppVerifyToken = token }
}

// WithWhatsAppAppSecret enables Cloud API payload signature checks.
func WithWhatsAppAppSecret(secret string) Option {
	return func(o *Opts) { o.WhatsAppAppSecret = secret }
}

// WithTwilioSignatureValidation enables X-Twilio-Signature checks.
func WithTwilioSignatureValidation(v *twiliowhatsapp.SignatureValidator) Option {
	return func(o *Opts) { o.TwilioValidator = v }
}

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	ingress       *Ingress
	expenses      store.ExpenseStore
	confirmations *flow.ConfirmationWorkflow
	opts          Opts
	started       time.Time
}

// NewServer creates a Server.
func NewServer(ingress *Ingress, expenses store.ExpenseStore, confirmations *flow.ConfirmationWorkflow, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Server{
		ingress:       ingress,
		expenses:      expenses,
		confirmations: confirmations,
		opts:          cfg,
		started:       time.Now(),
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/webhook/twilio", s.twilioWebhookHandler)
	mux.HandleFunc("/webhook/whatsapp", s.whatsappWebhookHandler)
	mux.HandleFunc("/messages", s.messagesHandler)
	mux.HandleFunc("/confirmations", s.confirmationsHandler)
	mux.HandleFunc("/expenses/{id}", s.expenseHandler)
	mux.HandleFunc("/health", s.healthHandler)
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.opts.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	slog.Info("Server.Run: shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}
