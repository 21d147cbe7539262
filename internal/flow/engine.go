package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

// TurnResult is the outcome of one dialogue turn.
type TurnResult struct {
	Reply string
	Phase models.Phase
	// Expense is set when the turn saved an expense; Created is false when the
	// save was a replay of an earlier turn.
	Expense *models.Expense
	Created bool
	// Buttons is set when the reply asks the user to confirm a pending expense.
	Buttons []models.Button
}

// Engine runs the slot-filling dialogue for one address at a time. Callers
// serialize turns per address; the engine itself holds no per-address state.
type Engine struct {
	store            store.Store
	reasoner         Reasoner
	canon            *canon.Canonicalizer
	logLimit         int
	deferResponsible bool
	now              func() time.Time
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithLogLimit bounds the message log kept per conversation.
func WithLogLimit(n int) EngineOption {
	return func(e *Engine) {
		if n > 0 {
			e.logLimit = n
		}
	}
}

// WithDeferredResponsible makes the engine save a pending expense as soon as
// the core fields are known and ask for the responsible party with buttons.
func WithDeferredResponsible(on bool) EngineOption {
	return func(e *Engine) { e.deferResponsible = on }
}

// WithCanonicalizer replaces the default keyword tables.
func WithCanonicalizer(c *canon.Canonicalizer) EngineOption {
	return func(e *Engine) {
		if c != nil {
			e.canon = c
		}
	}
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an Engine.
func NewEngine(st store.Store, r Reasoner, opts ...EngineOption) *Engine {
	e := &Engine{
		store:    st,
		reasoner: r,
		canon:    canon.Default(),
		logLimit: models.DefaultMessageLogLimit,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleMessage runs one turn for msg. On a reasoning failure it returns the
// retry prompt together with an error wrapping ErrReasoning and leaves the
// stored conversation untouched. Store failures are returned as plain errors
// and nothing is committed.
func (e *Engine) HandleMessage(ctx context.Context, msg models.InboundMessage) (TurnResult, error) {
	now := e.now().UTC()
	at := msg.Timestamp
	if at.IsZero() {
		at = now
	}

	// A redelivered message that already produced an expense only gets its
	// reply rebuilt.
	if msg.ID != "" {
		prior, err := e.store.GetExpenseBySourceMessageID(ctx, msg.ID)
		if err != nil {
			return TurnResult{}, fmt.Errorf("failed to check source message: %w", err)
		}
		if prior != nil {
			slog.Info("Engine.HandleMessage: message already produced an expense", "address", msg.From, "expenseID", prior.ID)
			if err := e.finishReset(ctx, msg.From, prior.CreatedAt, now); err != nil {
				return TurnResult{}, err
			}
			return e.savedResult(*prior, false), nil
		}
	}

	state, err := e.store.GetConversation(ctx, msg.From)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to load conversation: %w", err)
	}
	if state == nil {
		state = models.NewConversationState(msg.From, now)
	}
	working := state.Clone()

	if isCancel(msg.Text) {
		slog.Info("Engine.HandleMessage: draft cancelled by user", "address", msg.From, "phase", state.Phase)
		working.Reset(now)
		if err := e.store.UpsertConversation(ctx, working); err != nil {
			return TurnResult{}, fmt.Errorf("failed to persist conversation: %w", err)
		}
		return TurnResult{Reply: MsgCancelled, Phase: models.PhaseIdle}, nil
	}

	working.Append(models.RoleUser, msg.Text, at, e.logLimit)
	actions, err := e.reasoner.ProposeActions(ctx, ReasoningRequest{
		Phase: working.Phase,
		Slots: working.Slots,
		Log:   working.MessageLog,
	})
	if err != nil {
		slog.Warn("Engine.HandleMessage: reasoner failed, state left unchanged", "address", msg.From, "phase", state.Phase, "error", err)
		return TurnResult{Reply: MsgRetry, Phase: state.Phase}, fmt.Errorf("%w: %v", ErrReasoning, err)
	}

	out := e.apply(working.Slots, actions)
	working.Slots = out.slots
	working.UpdatedAt = now
	slog.Debug("Engine.HandleMessage: actions applied", "address", msg.From, "actions", len(actions), "rejected", out.validation != "", "finalize", out.finalize)

	switch {
	case working.Slots.IsComplete():
		return e.complete(ctx, working, msg, at, now)
	case e.deferResponsible && working.Slots.HasCoreFields():
		return e.deferConfirmation(ctx, working, msg, at, now)
	}

	if out.finalize {
		slog.Debug("Engine.HandleMessage: finalize ignored, slots incomplete", "address", msg.From)
	}
	working.Phase = working.Slots.NextPhase()
	reply := out.validation
	if reply == "" {
		reply = out.question
	}
	if reply == "" {
		reply = questionFor(e.canon, working.Slots)
	}
	working.Append(models.RoleAssistant, reply, now, e.logLimit)
	if err := e.store.UpsertConversation(ctx, working); err != nil {
		return TurnResult{}, fmt.Errorf("failed to persist conversation: %w", err)
	}
	slog.Debug("Engine.HandleMessage: turn persisted", "address", msg.From, "from", state.Phase, "to", working.Phase)
	return TurnResult{Reply: reply, Phase: working.Phase}, nil
}

// complete saves the confirmed expense and resets the conversation in the
// same turn.
func (e *Engine) complete(ctx context.Context, working *models.ConversationState, msg models.InboundMessage, at, now time.Time) (TurnResult, error) {
	draft := models.DraftFromSlots(msg.From, working.Slots)
	draft.Date = at.Format(models.DateLayout)
	exp, created, err := e.store.SaveExpense(ctx, draft, msg.ID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to save expense: %w", err)
	}
	working.Reset(now)
	if err := e.store.UpsertConversation(ctx, working); err != nil {
		return TurnResult{}, fmt.Errorf("failed to reset conversation: %w", err)
	}
	slog.Info("Engine.complete: expense saved", "address", msg.From, "expenseID", exp.ID, "created", created)
	return e.savedResult(exp, created), nil
}

// deferConfirmation saves a pending expense and returns the confirmation
// request to send.
func (e *Engine) deferConfirmation(ctx context.Context, working *models.ConversationState, msg models.InboundMessage, at, now time.Time) (TurnResult, error) {
	draft := models.DraftFromSlots(msg.From, working.Slots)
	draft.Date = at.Format(models.DateLayout)
	exp, created, err := e.store.SavePendingExpense(ctx, draft, msg.ID)
	if err != nil {
		return TurnResult{}, fmt.Errorf("failed to save pending expense: %w", err)
	}
	working.Reset(now)
	if err := e.store.UpsertConversation(ctx, working); err != nil {
		return TurnResult{}, fmt.Errorf("failed to reset conversation: %w", err)
	}

	slog.Info("Engine.deferConfirmation: pending expense saved", "address", msg.From, "expenseID", exp.ID, "created", created)
	return e.savedResult(exp, created), nil
}

// finishReset resets a draft left behind by a turn that saved its expense
// but failed before the reset was stored.
func (e *Engine) finishReset(ctx context.Context, address string, savedAt, now time.Time) error {
	state, err := e.store.GetConversation(ctx, address)
	if err != nil {
		return fmt.Errorf("failed to load conversation: %w", err)
	}
	if state == nil || state.Phase == models.PhaseIdle || state.UpdatedAt.After(savedAt) {
		return nil
	}
	state.Reset(now)
	if err := e.store.UpsertConversation(ctx, state); err != nil {
		return fmt.Errorf("failed to reset conversation: %w", err)
	}
	return nil
}

// savedResult builds the reply for a saved expense. Pending expenses get the
// confirmation buttons.
func (e *Engine) savedResult(exp models.Expense, created bool) TurnResult {
	res := TurnResult{
		Reply:   expenseSummary(e.canon, exp),
		Phase:   models.PhaseIdle,
		Expense: &exp,
		Created: created,
	}
	if exp.Status != models.ExpenseStatusPending {
		return res
	}
	for _, o := range e.canon.Options(canon.KindResponsible) {
		res.Buttons = append(res.Buttons, models.Button{ID: string(o.Value), Title: o.Label})
	}
	res.Reply += "\n\n" + confirmationPrompt(exp)
	return res
}

// applyOutcome collects the effect of one turn's actions.
type applyOutcome struct {
	slots      models.Slots
	validation string // first rejection of the turn
	question   string // last clarification asked by the reasoner
	finalize   bool
}

func (o *applyOutcome) reject(msg string) {
	if o.validation == "" {
		o.validation = msg
	}
}

// apply runs the actions in order. Later slot writes overwrite earlier ones.
func (e *Engine) apply(slots models.Slots, actions []models.Action) applyOutcome {
	out := applyOutcome{slots: slots}
	for _, a := range actions {
		switch a.Kind {
		case models.ActionExtractOrUpdateSlot:
			if a.Slots != nil {
				e.applyUpdate(&out, *a.Slots)
			}
		case models.ActionRequestClarification:
			if q := strings.TrimSpace(a.Question); q != "" {
				out.question = q
			}
		case models.ActionFinalize:
			out.finalize = true
		default:
			slog.Warn("Engine.apply: unknown action ignored", "kind", a.Kind)
		}
	}
	return out
}

func (e *Engine) applyUpdate(out *applyOutcome, u models.SlotUpdate) {
	if u.Amount != nil {
		if d, err := models.ParseAmount(*u.Amount); err != nil {
			slog.Debug("Engine.applyUpdate: amount rejected", "raw", *u.Amount, "error", err)
			out.reject(MsgInvalidAmount)
		} else {
			out.slots.Amount = &d
		}
	}
	if u.Description != nil {
		if d := strings.TrimSpace(*u.Description); d == "" {
			out.reject(MsgEmptyDescription)
		} else {
			out.slots.Description = d
		}
	}
	if u.PaymentMethod != nil {
		if v, ok := e.canon.Canonicalize(canon.KindPaymentMethod, *u.PaymentMethod); ok {
			out.slots.PaymentMethod = v
			if v != canon.PaymentCreditCard {
				out.slots.CardDetails = nil
			}
		} else {
			out.reject(invalidOption(e.canon, canon.KindPaymentMethod, *u.PaymentMethod))
		}
	}
	if u.CardIssuer != nil || u.Installments != nil {
		e.applyCard(out, u)
	}
	if u.Responsible != nil {
		if v, ok := e.canon.Canonicalize(canon.KindResponsible, *u.Responsible); ok {
			out.slots.Responsible = v
		} else {
			out.reject(invalidOption(e.canon, canon.KindResponsible, *u.Responsible))
		}
	}
}

// applyCard fills card details, which only exist for credit card payments.
func (e *Engine) applyCard(out *applyOutcome, u models.SlotUpdate) {
	if out.slots.PaymentMethod != canon.PaymentCreditCard {
		slog.Debug("Engine.applyCard: card details without credit card ignored", "paymentMethod", out.slots.PaymentMethod)
		return
	}
	var cd models.CardDetails
	if out.slots.CardDetails != nil {
		cd = *out.slots.CardDetails
	}
	if u.CardIssuer != nil {
		if issuer := strings.TrimSpace(*u.CardIssuer); issuer != "" {
			cd.Issuer = issuer
		}
	}
	if u.Installments != nil {
		if n, err := models.ParseInstallments(*u.Installments); err != nil {
			out.reject(MsgInvalidInstall)
		} else {
			cd.Installments = n
		}
	}
	if cd != (models.CardDetails{}) {
		out.slots.CardDetails = &cd
	}
}
