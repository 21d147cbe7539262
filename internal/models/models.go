// Package models defines the core data structures for ExpensePipe.
//
// It includes the normalized inbound message, conversation state, expense
// records and the JSON envelope used by the HTTP API, which are shared across
// modules.
package models

import (
	"errors"
	"time"
)

// MessageType classifies an inbound message.
type MessageType string

const (
	// MessageTypeText is a free-text chat message.
	MessageTypeText MessageType = "text"
	// MessageTypeInteractive is a button or list reply.
	MessageTypeInteractive MessageType = "interactive"
	// MessageTypeOther covers media, reactions, statuses and anything else.
	MessageTypeOther MessageType = "other"
)

// Provider names used in InboundMessage.Provider.
const (
	ProviderTwilio    = "twilio"
	ProviderWhatsmeow = "whatsmeow"
	ProviderCloudAPI  = "cloudapi"
	ProviderDirect    = "direct"
)

var (
	ErrEmptyFrom      = errors.New("from cannot be empty")
	ErrEmptyMessageID = errors.New("message id cannot be empty")
)

// InboundMessage is the provider-independent form of one inbound chat message.
type InboundMessage struct {
	From           string      `json:"from"`
	ID             string      `json:"id"`
	Timestamp      time.Time   `json:"timestamp"`
	Type           MessageType `json:"type"`
	Text           string      `json:"text,omitempty"`
	ReplyPayload   string      `json:"reply_payload,omitempty"`    // button id chosen in an interactive reply
	ReplyContextID string      `json:"reply_context_id,omitempty"` // provider id of the message being replied to
	Provider       string      `json:"provider,omitempty"`
}

// Validate checks the fields every consumed message must carry.
func (m *InboundMessage) Validate() error {
	if m.From == "" {
		return ErrEmptyFrom
	}
	if m.ID == "" {
		return ErrEmptyMessageID
	}
	return nil
}

// Consumable reports whether the message type is processed by the dialogue.
func (m *InboundMessage) Consumable() bool {
	return m.Type == MessageTypeText || m.Type == MessageTypeInteractive
}

// Button is one selectable option of an outbound interactive message.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// ConfirmationRequest links a sent button message to the pending expense it
// asks about.
type ConfirmationRequest struct {
	ContextMessageID string    `json:"context_message_id"`
	ExpenseID        string    `json:"expense_id"`
	Address          string    `json:"address"`
	CreatedAt        time.Time `json:"created_at"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusAccepted indicates the request was queued for background processing.
	APIStatusAccepted APIStatus = "accepted"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{
		response: APIResponse{},
	}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}

// Accepted reports how many messages were queued.
func Accepted(count int) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusAccepted).
		WithResult(map[string]int{"accepted": count}).
		Build()
}
