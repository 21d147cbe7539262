package flow

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
	"github.com/BTreeMap/ExpensePipe/internal/models"
)

// fillerWords never become part of a description and are never read as slot
// keywords ("nos" and "me" are prepositions and pronouns far more often than
// answers, and "cartao" says nothing about credit or debit).
var fillerWords = map[string]struct{}{
	"gastei": {}, "gasto": {}, "gastamos": {}, "paguei": {}, "pagamos": {}, "pago": {}, "comprei": {}, "compramos": {},
	"compra": {}, "custou": {}, "foi": {}, "foram": {}, "deu": {}, "valor": {}, "reais": {}, "real": {}, "r$": {}, "r": {},
	"no": {}, "na": {}, "nos": {}, "nas": {}, "em": {}, "de": {}, "do": {}, "da": {}, "dos": {}, "das": {},
	"com": {}, "pra": {}, "para": {}, "por": {}, "o": {}, "a": {}, "os": {}, "as": {}, "um": {}, "uma": {}, "e": {},
	"me": {}, "hoje": {}, "ontem": {}, "agora": {}, "oi": {}, "ola": {}, "bom": {}, "boa": {}, "dia": {},
	"tarde": {}, "noite": {}, "tudo": {}, "bem": {}, "obrigado": {}, "obrigada": {},
	"meu": {}, "minha": {}, "cartao": {},
}

// cardNoiseWords are dropped when looking for a card issuer.
var cardNoiseWords = map[string]struct{}{
	"parcela": {}, "parcelas": {}, "parcelado": {}, "vezes": {}, "vez": {}, "x": {}, "sem": {}, "juros": {},
	"vista": {}, "cartao": {}, "credito": {}, "banco": {},
}

var installmentsRegex = regexp.MustCompile(`(\d{1,2})\s*(?:x|vezes)\b|\ba vista\b`)

// HeuristicReasoner is an offline Reasoner that reads Brazilian Portuguese
// expense messages with keyword rules. It proposes the same actions an LLM
// backend would and is used when no model is configured.
type HeuristicReasoner struct {
	canon *canon.Canonicalizer
}

var _ Reasoner = (*HeuristicReasoner)(nil)

// NewHeuristicReasoner creates a HeuristicReasoner. A nil canonicalizer means
// the default tables.
func NewHeuristicReasoner(c *canon.Canonicalizer) *HeuristicReasoner {
	if c == nil {
		c = canon.Default()
	}
	return &HeuristicReasoner{canon: c}
}

// ProposeActions implements Reasoner.
func (h *HeuristicReasoner) ProposeActions(_ context.Context, req ReasoningRequest) ([]models.Action, error) {
	text := strings.TrimSpace(req.LastUserText())
	if text == "" {
		return nil, nil
	}

	var u models.SlotUpdate
	switch req.Phase {
	case models.PhaseCollectingPaymentMethod:
		u = h.paymentAnswer(text)
	case models.PhaseAwaitingCardDetails:
		u = h.cardAnswer(text, req.Slots)
	case models.PhaseCollectingResponsible:
		u.Responsible = &text
	default:
		u = h.freeText(text, req.Slots)
	}
	if u.IsEmpty() {
		return nil, nil
	}
	return []models.Action{models.SetSlots(u)}, nil
}

// freeText reads an opening message such as "Gastei 180,50 no posto no pix".
func (h *HeuristicReasoner) freeText(text string, current models.Slots) models.SlotUpdate {
	var u models.SlotUpdate
	rest := text
	amount, tok, found := models.FindAmount(text)
	if found {
		s := amount.StringFixed(models.AmountPlaces)
		u.Amount = &s
		rest = strings.Replace(text, tok, " ", 1)
	}

	var desc []string
	for _, word := range strings.Fields(rest) {
		n := canon.Normalize(word)
		if n == "" || isFiller(n) || isNumeric(n) || installmentsRegex.MatchString(n) {
			continue
		}
		if v, ok := h.canon.MatchWord(canon.KindPaymentMethod, n); ok {
			setValue(&u.PaymentMethod, v)
			continue
		}
		if v, ok := h.canon.MatchWord(canon.KindResponsible, n); ok {
			setValue(&u.Responsible, v)
			continue
		}
		desc = append(desc, trimPunct(word))
	}

	// A description without any amount in sight is usually small talk.
	if len(desc) > 0 && (found || current.Amount != nil) {
		d := strings.Join(desc, " ")
		u.Description = &d
	}
	if u.PaymentMethod != nil && *u.PaymentMethod == string(canon.PaymentCreditCard) {
		h.fillCard(&u, rest, false)
	}
	return u
}

// paymentAnswer reads the answer to the payment method question. When no
// keyword is found the raw text is passed on so the engine can reject it with
// the list of options.
func (h *HeuristicReasoner) paymentAnswer(text string) models.SlotUpdate {
	var u models.SlotUpdate
	var responsible canon.Value
	for _, word := range strings.Fields(text) {
		n := canon.Normalize(word)
		if isFiller(n) {
			continue
		}
		if v, ok := h.canon.MatchWord(canon.KindPaymentMethod, n); ok && u.PaymentMethod == nil {
			setValue(&u.PaymentMethod, v)
			continue
		}
		if v, ok := h.canon.MatchWord(canon.KindResponsible, n); ok && responsible == "" {
			responsible = v
		}
	}
	if u.PaymentMethod == nil {
		u.PaymentMethod = &text
		return u
	}
	if responsible != "" {
		setValue(&u.Responsible, responsible)
	}
	if *u.PaymentMethod == string(canon.PaymentCreditCard) {
		h.fillCard(&u, text, true)
	}
	return u
}

// cardAnswer reads issuer and installments, e.g. "Nubank 3x" or "itaú à vista".
func (h *HeuristicReasoner) cardAnswer(text string, current models.Slots) models.SlotUpdate {
	var u models.SlotUpdate
	h.fillCard(&u, text, true)
	if u.IsEmpty() {
		// Nothing recognisable: hand the text over as the missing field so
		// the engine can ask again with a precise question.
		if current.CardDetails == nil || current.CardDetails.Issuer == "" {
			u.CardIssuer = &text
		} else {
			u.Installments = &text
		}
	}
	return u
}

// fillCard sets installments and, when withIssuer is true, the issuer found
// in text.
func (h *HeuristicReasoner) fillCard(u *models.SlotUpdate, text string, withIssuer bool) {
	normalized := canon.Normalize(text)
	if m := installmentsRegex.FindStringSubmatch(normalized); m != nil {
		n := m[1]
		if n == "" {
			n = "1"
		}
		u.Installments = &n
		normalized = strings.Replace(normalized, m[0], " ", 1)
	} else if isNumeric(normalized) {
		u.Installments = &normalized
		return
	}
	if !withIssuer {
		return
	}

	var issuer []string
	for _, word := range strings.Fields(normalized) {
		if isFiller(word) || isNumeric(word) {
			continue
		}
		if _, noise := cardNoiseWords[word]; noise {
			continue
		}
		if _, ok := h.canon.MatchWord(canon.KindPaymentMethod, word); ok {
			continue
		}
		if _, ok := h.canon.MatchWord(canon.KindResponsible, word); ok {
			continue
		}
		issuer = append(issuer, word)
	}
	if len(issuer) > 0 {
		s := titleWords(issuer)
		u.CardIssuer = &s
	}
}

func setValue(dst **string, v canon.Value) {
	s := string(v)
	*dst = &s
}

func isFiller(n string) bool {
	_, ok := fillerWords[n]
	return ok
}

func isNumeric(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) && r != '.' && r != ',' {
			return false
		}
	}
	return true
}

func trimPunct(s string) string {
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

func titleWords(words []string) string {
	out := make([]string, len(words))
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		out[i] = string(r)
	}
	return strings.Join(out, " ")
}
