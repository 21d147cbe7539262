package flow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

// DefaultTurnTimeout bounds one dialogue turn, reasoning call included.
const DefaultTurnTimeout = 45 * time.Second

// Outbox message kinds.
const (
	OutboxKindText         = "text"
	OutboxKindConfirmation = "confirmation"
)

// OutboxPayload is the JSON payload of a queued reply.
type OutboxPayload struct {
	To        string          `json:"to"`
	Body      string          `json:"body"`
	Buttons   []models.Button `json:"buttons,omitempty"`
	ExpenseID string          `json:"expense_id,omitempty"`
}

// Processor runs the dialogue for inbound messages taken off the job queue.
// Replies are written to the outbox, never sent inline.
type Processor struct {
	engine        *Engine
	confirmations *ConfirmationWorkflow
	outbox        store.OutboxRepo
	dedup         store.DedupRepo
	turnTimeout   time.Duration
	notifyOutbox  func()
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithTurnTimeout overrides DefaultTurnTimeout.
func WithTurnTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.turnTimeout = d
		}
	}
}

// WithOutboxNotifier sets a callback invoked after a reply is queued, usually
// OutboxSender.Notify.
func WithOutboxNotifier(fn func()) ProcessorOption {
	return func(p *Processor) { p.notifyOutbox = fn }
}

// NewProcessor creates a Processor. dedup may be nil.
func NewProcessor(engine *Engine, confirmations *ConfirmationWorkflow, outbox store.OutboxRepo, dedup store.DedupRepo, opts ...ProcessorOption) *Processor {
	p := &Processor{
		engine:        engine,
		confirmations: confirmations,
		outbox:        outbox,
		dedup:         dedup,
		turnTimeout:   DefaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HandleInbound processes one message. A returned error means nothing was
// committed for the turn and the job should be retried.
func (p *Processor) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	if err := msg.Validate(); err != nil {
		slog.Warn("Processor.HandleInbound: invalid message dropped", "id", msg.ID, "error", err)
		return nil
	}

	if msg.ReplyContextID != "" && p.confirmations != nil {
		reply, handled, err := p.confirmations.HandleReply(ctx, msg)
		if err != nil {
			return fmt.Errorf("confirmation failed: %w", err)
		}
		if handled {
			if err := p.queueReply(msg, OutboxPayload{To: msg.From, Body: reply}, OutboxKindText); err != nil {
				return err
			}
			p.markProcessed(msg.ID)
			return nil
		}
	}

	if msg.Type == models.MessageTypeInteractive || msg.Text == "" {
		slog.Warn("Processor.HandleInbound: reply without a known confirmation request dropped", "id", msg.ID, "from", msg.From, "context", msg.ReplyContextID)
		p.markProcessed(msg.ID)
		return nil
	}

	turnCtx, cancel := context.WithTimeout(ctx, p.turnTimeout)
	result, err := p.engine.HandleMessage(turnCtx, msg)
	cancel()
	if err != nil && !errors.Is(err, ErrReasoning) {
		return fmt.Errorf("turn failed: %w", err)
	}

	payload := OutboxPayload{To: msg.From, Body: result.Reply}
	kind := OutboxKindText
	if len(result.Buttons) > 0 && result.Expense != nil {
		kind = OutboxKindConfirmation
		payload.Buttons = result.Buttons
		payload.ExpenseID = result.Expense.ID
	}
	if err := p.queueReply(msg, payload, kind); err != nil {
		return err
	}
	p.markProcessed(msg.ID)
	slog.Debug("Processor.HandleInbound: turn done", "id", msg.ID, "from", msg.From, "phase", result.Phase)
	return nil
}

// queueReply writes the reply to the outbox keyed by the inbound message id, so
// a retried turn never sends twice.
func (p *Processor) queueReply(msg models.InboundMessage, payload OutboxPayload, kind string) error {
	if payload.Body == "" {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode reply: %w", err)
	}
	if _, err := p.outbox.EnqueueOutboxMessage(msg.From, kind, string(data), "reply:"+msg.ID); err != nil {
		return fmt.Errorf("failed to queue reply: %w", err)
	}
	if p.notifyOutbox != nil {
		p.notifyOutbox()
	}
	return nil
}

func (p *Processor) markProcessed(id string) {
	if p.dedup == nil {
		return
	}
	if err := p.dedup.MarkProcessed(id); err != nil {
		slog.Warn("Processor.markProcessed: failed", "id", id, "error", err)
	}
}
