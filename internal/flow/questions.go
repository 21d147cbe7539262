package flow

import (
	"fmt"
	"strings"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// Canned replies.
const (
	MsgGreeting         = "Olá! Me conte o gasto com valor e descrição, por exemplo: \"Gastei 180,50 no posto\"."
	MsgAskAmount        = "Qual foi o valor do gasto?"
	MsgAskDescription   = "Com o que foi esse gasto?"
	MsgAskPayment       = "Qual foi a forma de pagamento?"
	MsgAskCardIssuer    = "Qual é o cartão (banco emissor)?"
	MsgAskInstallments  = "Em quantas parcelas? Responda com um número ou \"à vista\"."
	MsgAskResponsible   = "Quem é o responsável por esse gasto?"
	MsgRetry            = "Desculpe, não consegui entender agora. Pode tentar de novo?"
	MsgCancelled        = "Tudo bem, descartei o gasto em andamento."
	MsgInvalidAmount    = "Não entendi o valor. Informe um número maior que zero, por exemplo 180,50."
	MsgInvalidInstall   = "Não entendi o número de parcelas. Responda com um número, por exemplo 3, ou \"à vista\"."
	MsgEmptyDescription = "A descrição não pode ficar vazia. Com o que foi esse gasto?"
)

// cancelWords reset an in-progress draft.
var cancelWords = map[string]struct{}{
	"cancelar": {}, "cancela": {}, "cancel": {}, "desistir": {}, "esquece": {},
}

// isCancel reports whether text asks to discard the draft.
func isCancel(text string) bool {
	_, ok := cancelWords[canon.Normalize(text)]
	return ok
}

// questionFor is the phase-specific question asked when nothing better is
// available.
func questionFor(c *canon.Canonicalizer, s models.Slots) string {
	switch s.NextPhase() {
	case models.PhaseCollectingAmountDesc:
		if s.Amount == nil {
			return MsgAskAmount
		}
		return MsgAskDescription
	case models.PhaseCollectingPaymentMethod:
		return MsgAskPayment + "\n" + c.OptionsText(canon.KindPaymentMethod)
	case models.PhaseAwaitingCardDetails:
		if s.CardDetails == nil || s.CardDetails.Issuer == "" {
			return MsgAskCardIssuer
		}
		return MsgAskInstallments
	case models.PhaseCollectingResponsible:
		return MsgAskResponsible + "\n" + c.OptionsText(canon.KindResponsible)
	}
	return MsgGreeting
}

// invalidOption builds the clarification for a rejected canonical value. The
// valid options are listed verbatim.
func invalidOption(c *canon.Canonicalizer, kind canon.Kind, raw string) string {
	what := "a forma de pagamento"
	if kind == canon.KindResponsible {
		what = "o responsável"
	}
	return fmt.Sprintf("Não reconheci %s \"%s\". As opções válidas são:\n%s", what, raw, c.OptionsText(kind))
}

// expenseSummary renders the reply sent after an expense is saved.
func expenseSummary(c *canon.Canonicalizer, e models.Expense) string {
	var b strings.Builder
	if e.Status == models.ExpenseStatusConfirmed {
		b.WriteString("Gasto registrado ✅\n")
	} else {
		b.WriteString("Gasto salvo, aguardando confirmação do responsável.\n")
	}
	fmt.Fprintf(&b, "%s: R$ %s\n", e.Description, formatBRL(e.Amount.StringFixed(models.AmountPlaces)))
	fmt.Fprintf(&b, "Pagamento: %s", c.Label(e.PaymentMethod))
	if e.PaymentMethod == canon.PaymentCreditCard {
		fmt.Fprintf(&b, " (%s, %dx)", e.CardIssuer, e.Installments)
	}
	if e.Responsible != "" {
		fmt.Fprintf(&b, "\nResponsável: %s", c.Label(e.Responsible))
	}
	return b.String()
}

// confirmationPrompt is the body of the button message of deferred mode.
func confirmationPrompt(e models.Expense) string {
	return fmt.Sprintf("Quem é o responsável por \"%s\" (R$ %s)?", e.Description, formatBRL(e.Amount.StringFixed(models.AmountPlaces)))
}

// formatBRL turns "1234.50" into "1.234,50".
func formatBRL(fixed string) string {
	intPart, frac, _ := strings.Cut(fixed, ".")
	var groups []string
	for len(intPart) > 3 {
		groups = append([]string{intPart[len(intPart)-3:]}, groups...)
		intPart = intPart[:len(intPart)-3]
	}
	groups = append([]string{intPart}, groups...)
	out := strings.Join(groups, ".")
	if frac != "" {
		out += "," + frac
	}
	return out
}
