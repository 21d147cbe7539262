package flow

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
	"github.com/BTreeMap/ExpensePipe/internal/store"
)

const testAddress = "+5511999990001"

var testNow = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T, r Reasoner, opts ...EngineOption) (*Engine, *store.InMemoryStore) {
	t.Helper()
	st := store.NewInMemoryStore()
	if r == nil {
		r = NewHeuristicReasoner(nil)
	}
	opts = append([]EngineOption{WithClock(func() time.Time { return testNow })}, opts...)
	return NewEngine(st, r, opts...), st
}

func textMsg(id, text string) models.InboundMessage {
	return models.InboundMessage{
		From:      testAddress,
		ID:        id,
		Type:      models.MessageTypeText,
		Text:      text,
		Timestamp: testNow,
		Provider:  models.ProviderDirect,
	}
}

func mustTurn(t *testing.T, e *Engine, id, text string) TurnResult {
	t.Helper()
	res, err := e.HandleMessage(context.Background(), textMsg(id, text))
	if err != nil {
		t.Fatalf("HandleMessage(%q) failed: %v", text, err)
	}
	return res
}

func mustConversation(t *testing.T, st store.Store) *models.ConversationState {
	t.Helper()
	c, err := st.GetConversation(context.Background(), testAddress)
	if err != nil {
		t.Fatalf("GetConversation failed: %v", err)
	}
	if c == nil {
		t.Fatal("expected a stored conversation")
	}
	return c
}

func scripted(actions ...models.Action) Reasoner {
	return ReasonerFunc(func(ctx context.Context, req ReasoningRequest) ([]models.Action, error) {
		return actions, nil
	})
}

func str(s string) *string { return &s }

func TestEngine_EndToEndScenario(t *testing.T) {
	e, st := newTestEngine(t, nil)

	res := mustTurn(t, e, "m1", "Gastei 180,50 no posto")
	if res.Phase != models.PhaseCollectingPaymentMethod {
		t.Fatalf("expected collecting_payment_method, got %s", res.Phase)
	}
	c := mustConversation(t, st)
	if c.Slots.Amount == nil || !c.Slots.Amount.Equal(decimal.RequireFromString("180.50")) {
		t.Errorf("expected amount 180.50, got %v", c.Slots.Amount)
	}
	if c.Slots.Description != "posto" {
		t.Errorf("expected description 'posto', got %q", c.Slots.Description)
	}
	if !strings.HasPrefix(res.Reply, MsgAskPayment) {
		t.Errorf("expected payment question, got %q", res.Reply)
	}

	res = mustTurn(t, e, "m2", "pix")
	if res.Phase != models.PhaseCollectingResponsible {
		t.Fatalf("expected collecting_responsible, got %s", res.Phase)
	}
	if c := mustConversation(t, st); c.Slots.PaymentMethod != canon.PaymentPix {
		t.Errorf("expected pix, got %q", c.Slots.PaymentMethod)
	}

	res = mustTurn(t, e, "m3", "eu")
	if res.Phase != models.PhaseIdle || res.Expense == nil || !res.Created {
		t.Fatalf("expected a created expense and idle phase, got %+v", res)
	}
	exp := res.Expense
	if !exp.Amount.Equal(decimal.RequireFromString("180.50")) || exp.PaymentMethod != canon.PaymentPix ||
		exp.Responsible != canon.ResponsibleMe || exp.Split || exp.Status != models.ExpenseStatusConfirmed {
		t.Errorf("unexpected expense: %+v", exp)
	}
	if exp.SourceMessageID != "m3" || exp.Date != "2026-03-14" || exp.Category != models.DefaultCategory {
		t.Errorf("unexpected expense metadata: %+v", exp)
	}
	if err := exp.Validate(); err != nil {
		t.Errorf("expense breaks invariants: %v", err)
	}

	c = mustConversation(t, st)
	if c.Phase != models.PhaseIdle || !c.Slots.IsEmpty() || len(c.MessageLog) != 0 {
		t.Errorf("expected idle conversation with no slots or log, got %+v", c)
	}
	if st.ExpenseCount() != 1 {
		t.Errorf("expected 1 expense, got %d", st.ExpenseCount())
	}
}

func TestEngine_OneShotMessageCompletesInOneTurn(t *testing.T) {
	e, st := newTestEngine(t, nil)

	res := mustTurn(t, e, "m1", "Gastei 50 no mercado no pix, eu")
	if res.Expense == nil || res.Phase != models.PhaseIdle {
		t.Fatalf("expected expense in one turn, got %+v", res)
	}
	if res.Expense.Description != "mercado" || res.Expense.Responsible != canon.ResponsibleMe {
		t.Errorf("unexpected expense: %+v", res.Expense)
	}
	if st.ExpenseCount() != 1 {
		t.Errorf("expected 1 expense, got %d", st.ExpenseCount())
	}
}

func TestEngine_OneSlotPerTurnFollowsPhaseSequence(t *testing.T) {
	e, st := newTestEngine(t, nil)

	turns := []struct {
		text  string
		phase models.Phase
	}{
		{"50", models.PhaseCollectingAmountDesc},
		{"mercado", models.PhaseCollectingPaymentMethod},
		{"pix", models.PhaseCollectingResponsible},
		{"eu", models.PhaseIdle},
	}
	var last TurnResult
	for i, tt := range turns {
		last = mustTurn(t, e, "m"+string(rune('1'+i)), tt.text)
		if last.Phase != tt.phase {
			t.Fatalf("turn %d (%q): expected phase %s, got %s", i+1, tt.text, tt.phase, last.Phase)
		}
	}
	if last.Expense == nil || last.Expense.Status != models.ExpenseStatusConfirmed {
		t.Fatalf("expected confirmed expense, got %+v", last.Expense)
	}
	if st.ExpenseCount() != 1 {
		t.Errorf("expected 1 expense, got %d", st.ExpenseCount())
	}
}

func TestEngine_InvalidPaymentKeepsPhase(t *testing.T) {
	e, st := newTestEngine(t, nil)
	mustTurn(t, e, "m1", "Gastei 180,50 no posto")

	res := mustTurn(t, e, "m2", "abacate")
	if res.Phase != models.PhaseCollectingPaymentMethod {
		t.Errorf("expected phase to stay collecting_payment_method, got %s", res.Phase)
	}
	if !strings.Contains(res.Reply, "abacate") {
		t.Errorf("expected the rejected value in the reply, got %q", res.Reply)
	}
	for _, o := range canon.Options(canon.KindPaymentMethod) {
		if !strings.Contains(res.Reply, o.Label) {
			t.Errorf("expected option %q in reply %q", o.Label, res.Reply)
		}
	}
	if st.ExpenseCount() != 0 {
		t.Errorf("expected no expense, got %d", st.ExpenseCount())
	}
	if c := mustConversation(t, st); c.Slots.PaymentMethod != "" {
		t.Errorf("rejected value must not be applied, got %q", c.Slots.PaymentMethod)
	}
}

func TestEngine_InvalidAmountIsRejected(t *testing.T) {
	e, st := newTestEngine(t, scripted(models.SetSlots(models.SlotUpdate{Amount: str("-5"), Description: str("posto")})))

	res := mustTurn(t, e, "m1", "gastei -5 no posto")
	if res.Reply != MsgInvalidAmount {
		t.Errorf("expected invalid amount reply, got %q", res.Reply)
	}
	c := mustConversation(t, st)
	if c.Slots.Amount != nil {
		t.Errorf("non-positive amount must not be applied, got %v", c.Slots.Amount)
	}
	if c.Phase != models.PhaseCollectingAmountDesc {
		t.Errorf("expected collecting_amount_description, got %s", c.Phase)
	}
}

func TestEngine_ReasonerFailureLeavesStateUnchanged(t *testing.T) {
	failing := false
	r := ReasonerFunc(func(ctx context.Context, req ReasoningRequest) ([]models.Action, error) {
		if failing {
			return nil, errors.New("upstream timeout")
		}
		return NewHeuristicReasoner(nil).ProposeActions(ctx, req)
	})
	e, st := newTestEngine(t, r)
	mustTurn(t, e, "m1", "Gastei 180,50 no posto")
	before := mustConversation(t, st)

	failing = true
	res, err := e.HandleMessage(context.Background(), textMsg("m2", "pix"))
	if !errors.Is(err, ErrReasoning) {
		t.Fatalf("expected ErrReasoning, got %v", err)
	}
	if res.Reply != MsgRetry || res.Phase != models.PhaseCollectingPaymentMethod {
		t.Errorf("expected retry prompt in the same phase, got %+v", res)
	}
	after := mustConversation(t, st)
	if after.Phase != before.Phase || len(after.MessageLog) != len(before.MessageLog) || after.Slots.PaymentMethod != "" {
		t.Errorf("state changed after reasoner failure: before=%+v after=%+v", before, after)
	}
}

func TestEngine_NothingUsableAsksPhaseQuestion(t *testing.T) {
	e, st := newTestEngine(t, nil)
	mustTurn(t, e, "m1", "Gastei 180,50 no posto")

	e.reasoner = scripted()
	res := mustTurn(t, e, "m2", "hmm")
	if !strings.HasPrefix(res.Reply, MsgAskPayment) {
		t.Errorf("expected canned payment question, got %q", res.Reply)
	}
	if c := mustConversation(t, st); c.Phase != models.PhaseCollectingPaymentMethod {
		t.Errorf("expected phase unchanged, got %s", c.Phase)
	}
}

func TestEngine_ReplyPrecedence(t *testing.T) {
	t.Run("ValidationBeatsReasonerQuestion", func(t *testing.T) {
		e, _ := newTestEngine(t, scripted(
			models.SetSlots(models.SlotUpdate{Amount: str("10"), Description: str("pão"), PaymentMethod: str("abacate")}),
			models.Clarify("Foi no cartão?"),
		))
		res := mustTurn(t, e, "m1", "10 pão abacate")
		if !strings.Contains(res.Reply, "abacate") {
			t.Errorf("expected validation clarification, got %q", res.Reply)
		}
	})
	t.Run("ReasonerQuestionBeatsCanned", func(t *testing.T) {
		e, _ := newTestEngine(t, scripted(
			models.SetSlots(models.SlotUpdate{Amount: str("10"), Description: str("pão")}),
			models.Clarify("Pagou como?"),
		))
		if res := mustTurn(t, e, "m1", "10 pão"); res.Reply != "Pagou como?" {
			t.Errorf("expected reasoner question, got %q", res.Reply)
		}
	})
	t.Run("CompletionBeatsClarification", func(t *testing.T) {
		e, st := newTestEngine(t, scripted(
			models.Clarify("Tem certeza?"),
			models.SetSlots(models.SlotUpdate{Amount: str("10"), Description: str("pão"), PaymentMethod: str("dinheiro"), Responsible: str("nós dois")}),
			models.Finalize(),
		))
		res := mustTurn(t, e, "m1", "10 pão dinheiro nós dois")
		if res.Expense == nil || st.ExpenseCount() != 1 {
			t.Fatalf("expected the expense to be saved, got %+v", res)
		}
		if !res.Expense.Split || res.Expense.Responsible != canon.ResponsibleShared {
			t.Errorf("expected shared split expense, got %+v", res.Expense)
		}
	})
	t.Run("FinalizeWithMissingSlotsAsksNextQuestion", func(t *testing.T) {
		e, st := newTestEngine(t, scripted(
			models.SetSlots(models.SlotUpdate{Amount: str("10"), Description: str("pão")}),
			models.Finalize(),
		))
		res := mustTurn(t, e, "m1", "10 pão")
		if st.ExpenseCount() != 0 || res.Phase != models.PhaseCollectingPaymentMethod {
			t.Errorf("finalize must not save an incomplete draft, got %+v", res)
		}
	})
}

func TestEngine_LastSlotWriteWins(t *testing.T) {
	e, st := newTestEngine(t, scripted(
		models.SetSlots(models.SlotUpdate{Amount: str("10"), Description: str("pão")}),
		models.SetSlots(models.SlotUpdate{Amount: str("20,00")}),
	))
	mustTurn(t, e, "m1", "10, não, 20 de pão")
	c := mustConversation(t, st)
	if c.Slots.Amount == nil || !c.Slots.Amount.Equal(decimal.NewFromInt(20)) {
		t.Errorf("expected amount 20, got %v", c.Slots.Amount)
	}
}

func TestEngine_CreditCardCollectsCardDetails(t *testing.T) {
	e, st := newTestEngine(t, nil)

	res := mustTurn(t, e, "m1", "Gastei 300 na loja no crédito")
	if res.Phase != models.PhaseAwaitingCardDetails || res.Reply != MsgAskCardIssuer {
		t.Fatalf("expected awaiting_card_details with issuer question, got %+v", res)
	}
	res = mustTurn(t, e, "m2", "Nubank 3x")
	if res.Phase != models.PhaseCollectingResponsible {
		t.Fatalf("expected collecting_responsible, got %s (%q)", res.Phase, res.Reply)
	}
	res = mustTurn(t, e, "m3", "nós dois")
	if res.Expense == nil {
		t.Fatalf("expected expense, got %+v", res)
	}
	exp := res.Expense
	if exp.PaymentMethod != canon.PaymentCreditCard || exp.CardIssuer != "Nubank" || exp.Installments != 3 || !exp.Split {
		t.Errorf("unexpected expense: %+v", exp)
	}
	if st.ExpenseCount() != 1 {
		t.Errorf("expected 1 expense, got %d", st.ExpenseCount())
	}
}

func TestEngine_SwitchingAwayFromCreditCardDropsCardDetails(t *testing.T) {
	e, st := newTestEngine(t, scripted(
		models.SetSlots(models.SlotUpdate{Amount: str("10"), Description: str("pão"), PaymentMethod: str("crédito"), CardIssuer: str("Itaú")}),
		models.SetSlots(models.SlotUpdate{PaymentMethod: str("pix")}),
	))
	mustTurn(t, e, "m1", "10 pão")
	c := mustConversation(t, st)
	if c.Slots.PaymentMethod != canon.PaymentPix || c.Slots.CardDetails != nil {
		t.Errorf("expected pix without card details, got %+v", c.Slots)
	}
}

func TestEngine_DeferredModeCreatesPendingExpense(t *testing.T) {
	e, st := newTestEngine(t, nil, WithDeferredResponsible(true))

	res := mustTurn(t, e, "m1", "Gastei 180,50 no posto no pix")
	if res.Expense == nil || res.Expense.Status != models.ExpenseStatusPending {
		t.Fatalf("expected pending expense, got %+v", res)
	}
	if res.Expense.Responsible != "" || res.Expense.ConfirmedAt != nil || res.Expense.Split {
		t.Errorf("pending expense must have no responsible, got %+v", res.Expense)
	}
	if len(res.Buttons) != len(canon.Options(canon.KindResponsible)) {
		t.Errorf("expected one button per responsible option, got %v", res.Buttons)
	}
	if c := mustConversation(t, st); c.Phase != models.PhaseIdle || !c.Slots.IsEmpty() {
		t.Errorf("expected conversation reset, got %+v", c)
	}
}

func TestEngine_RedeliveredMessageDoesNotDuplicate(t *testing.T) {
	e, st := newTestEngine(t, nil)

	first := mustTurn(t, e, "m1", "Gastei 50 no mercado no pix, eu")
	second := mustTurn(t, e, "m1", "Gastei 50 no mercado no pix, eu")
	if st.ExpenseCount() != 1 {
		t.Fatalf("expected exactly 1 expense, got %d", st.ExpenseCount())
	}
	if second.Created || second.Expense == nil || second.Expense.ID != first.Expense.ID {
		t.Errorf("expected replay of the first expense, got %+v", second)
	}
	if second.Reply != first.Reply {
		t.Errorf("expected identical reply, got %q vs %q", second.Reply, first.Reply)
	}
}

// failingSaveStore fails every expense save.
type failingSaveStore struct {
	*store.InMemoryStore
}

func (f failingSaveStore) SaveExpense(ctx context.Context, d models.ExpenseDraft, src string) (models.Expense, bool, error) {
	return models.Expense{}, false, errors.New("disk full")
}

func TestEngine_StoreFailureCommitsNothing(t *testing.T) {
	mem := store.NewInMemoryStore()
	st := failingSaveStore{mem}
	e := NewEngine(st, NewHeuristicReasoner(nil), WithClock(func() time.Time { return testNow }))
	ctx := context.Background()

	if _, err := e.HandleMessage(ctx, textMsg("m1", "Gastei 180,50 no posto no pix")); err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	_, err := e.HandleMessage(ctx, textMsg("m2", "eu"))
	if err == nil || errors.Is(err, ErrReasoning) {
		t.Fatalf("expected a store error, got %v", err)
	}
	c := mustConversation(t, mem)
	if c.Phase != models.PhaseCollectingResponsible || c.Slots.Responsible != "" {
		t.Errorf("expected state from the last committed turn, got %+v", c)
	}
}

func TestEngine_CancelResetsDraft(t *testing.T) {
	e, st := newTestEngine(t, nil)
	mustTurn(t, e, "m1", "Gastei 180,50 no posto")

	res := mustTurn(t, e, "m2", "Cancelar")
	if res.Reply != MsgCancelled || res.Phase != models.PhaseIdle {
		t.Errorf("expected cancellation, got %+v", res)
	}
	if c := mustConversation(t, st); c.Phase != models.PhaseIdle || !c.Slots.IsEmpty() {
		t.Errorf("expected reset conversation, got %+v", c)
	}
}

func TestEngine_MessageLogIsBounded(t *testing.T) {
	e, st := newTestEngine(t, nil, WithLogLimit(4))
	for i := 0; i < 5; i++ {
		res := mustTurn(t, e, "m"+string(rune('a'+i)), "oi")
		if res.Reply != MsgGreeting || res.Phase != models.PhaseIdle {
			t.Fatalf("expected greeting in idle, got %+v", res)
		}
	}
	if c := mustConversation(t, st); len(c.MessageLog) != 4 {
		t.Errorf("expected log bounded to 4 entries, got %d", len(c.MessageLog))
	}
}

func TestEngine_PartnerPhrasesAreNotReadAsMe(t *testing.T) {
	tests := []struct {
		payment     string
		responsible string
		wantPayment canon.Value
		wantResp    canon.Value
	}{
		{"pix", "minha esposa", canon.PaymentPix, canon.ResponsiblePartner},
		{"pix", "meu marido", canon.PaymentPix, canon.ResponsiblePartner},
		{"débito no cartão", "minha namorada", canon.PaymentDebitCard, canon.ResponsiblePartner},
		{"cartão débito", "eu e minha esposa", canon.PaymentDebitCard, canon.ResponsibleShared},
	}
	for _, tt := range tests {
		t.Run(tt.responsible, func(t *testing.T) {
			e, _ := newTestEngine(t, nil)
			mustTurn(t, e, "m1", "Gastei 180,50 no posto")
			if res := mustTurn(t, e, "m2", tt.payment); res.Phase != models.PhaseCollectingResponsible {
				t.Fatalf("expected the responsible question after %q, got phase %s", tt.payment, res.Phase)
			}
			res := mustTurn(t, e, "m3", tt.responsible)
			if res.Expense == nil {
				t.Fatalf("expected a saved expense, got %+v", res)
			}
			if res.Expense.PaymentMethod != tt.wantPayment || res.Expense.Responsible != tt.wantResp {
				t.Errorf("expected %s/%s, got %s/%s", tt.wantPayment, tt.wantResp, res.Expense.PaymentMethod, res.Expense.Responsible)
			}
			if res.Expense.Split != (tt.wantResp == canon.ResponsibleShared) {
				t.Errorf("unexpected split %v for %s", res.Expense.Split, tt.wantResp)
			}
		})
	}
}

func TestEngine_ResponsibleAliases(t *testing.T) {
	c := canon.New(canon.WithAliases(canon.KindResponsible, canon.ResponsiblePartner, "Mariana"))
	e, _ := newTestEngine(t, NewHeuristicReasoner(c), WithCanonicalizer(c))

	mustTurn(t, e, "m1", "Gastei 50 no mercado no pix")
	res := mustTurn(t, e, "m2", "mariana")
	if res.Expense == nil || res.Expense.Responsible != canon.ResponsiblePartner {
		t.Fatalf("expected the alias to resolve to partner, got %+v", res.Expense)
	}
}
