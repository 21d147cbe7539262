// Package canon maps free-text answers onto the fixed sets of canonical values
// used by expense records (payment method and responsible party).
//
// Matching is case-insensitive, diacritic-insensitive and whitespace-trimmed.
// Every kind has an ordered table of keyword groups: the first exact match
// wins, then the first substring match in either direction. Some words only
// mean something as a whole answer ("minha", "cartão") and never match inside
// a longer phrase. Nothing in this package touches storage or the network.
package canon

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Kind identifies which canonical set a raw answer is matched against.
type Kind string

const (
	KindPaymentMethod Kind = "payment_method"
	KindResponsible   Kind = "responsible"
)

// Value is a canonical value. The zero value is NotFound.
type Value string

// NotFound is returned when no keyword group matches.
const NotFound Value = ""

// Payment methods.
const (
	PaymentCreditCard   Value = "credit_card"
	PaymentDebitCard    Value = "debit_card"
	PaymentPix          Value = "pix"
	PaymentCash         Value = "cash"
	PaymentBankTransfer Value = "bank_transfer"
	PaymentBoleto       Value = "boleto"
)

// Responsible parties.
const (
	ResponsibleShared  Value = "shared"
	ResponsibleMe      Value = "me"
	ResponsiblePartner Value = "partner"
)

// minReverseRunes is the shortest input allowed to match as a substring of a
// keyword, so that "a" or "de" never resolve to anything.
const minReverseRunes = 3

// shortKeywordRunes: keywords up to this length only match whole words when
// searched inside a longer input ("doc" must not match "doces").
const shortKeywordRunes = 3

// Option is one canonical value together with its display label.
type Option struct {
	Value Value  `json:"value"`
	Label string `json:"label"`
}

type group struct {
	value    Value
	label    string
	keywords []string
	// exact keywords only match when they are the whole answer.
	exact []string
}

func defaultTables() map[Kind][]group {
	return map[Kind][]group{
		KindPaymentMethod: {
			{PaymentCreditCard, "Cartão de crédito", []string{"credito", "cartao de credito", "credit", "credit card", "cred", "parcelado"}, []string{"cartao"}},
			{PaymentDebitCard, "Cartão de débito", []string{"debito", "cartao de debito", "debit", "debit card", "deb"}, nil},
			{PaymentPix, "Pix", []string{"pix"}, nil},
			{PaymentCash, "Dinheiro", []string{"dinheiro", "especie", "em especie", "cash", "grana"}, nil},
			{PaymentBankTransfer, "Transferência (TED/DOC)", []string{"ted", "doc", "transferencia", "transferencia bancaria", "transfer", "bank transfer"}, nil},
			{PaymentBoleto, "Boleto", []string{"boleto", "bill"}, nil},
		},
		KindResponsible: {
			{ResponsibleShared, "Compartilhado (nós dois)", []string{"compartilhado", "compartilhada", "nos", "nos dois", "nos duas", "casal", "dividido", "dividida", "dividir", "ambos", "juntos", "meio a meio", "metade", "a gente", "familia", "conjunto", "eu e", "shared", "both"}, nil},
			{ResponsibleMe, "Eu", []string{"eu", "mim", "eu mesmo", "eu mesma", "pessoal", "proprio", "propria", "myself"}, []string{"meu", "minha", "me"}},
			{ResponsiblePartner, "Parceiro(a)", []string{"parceiro", "parceira", "esposa", "marido", "mulher", "namorada", "namorado", "conjuge", "ela", "ele", "dela", "dele", "partner"}, nil},
		},
	}
}

// Canonicalizer holds the keyword tables. It is immutable after construction
// and safe for concurrent use.
type Canonicalizer struct {
	tables map[Kind][]group
}

// CanonicalizerOption customizes a Canonicalizer.
type CanonicalizerOption func(*Canonicalizer)

// WithAliases appends extra keywords (e.g. family member names) to the group
// of an existing canonical value. Unknown values are ignored.
func WithAliases(kind Kind, value Value, aliases ...string) CanonicalizerOption {
	return func(c *Canonicalizer) {
		groups := c.tables[kind]
		for i := range groups {
			if groups[i].value != value {
				continue
			}
			for _, a := range aliases {
				if n := Normalize(a); n != "" {
					groups[i].keywords = append(groups[i].keywords, n)
				}
			}
		}
	}
}

// New builds a Canonicalizer from the default tables plus options.
func New(opts ...CanonicalizerOption) *Canonicalizer {
	c := &Canonicalizer{tables: defaultTables()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var defaultCanonicalizer = New()

// Default returns the shared Canonicalizer built from the default tables.
func Default() *Canonicalizer {
	return defaultCanonicalizer
}

// Canonicalize matches raw against the default tables.
func Canonicalize(kind Kind, raw string) (Value, bool) {
	return defaultCanonicalizer.Canonicalize(kind, raw)
}

// Canonicalize returns the canonical value for raw, or NotFound and false.
func (c *Canonicalizer) Canonicalize(kind Kind, raw string) (Value, bool) {
	groups, ok := c.tables[kind]
	if !ok {
		return NotFound, false
	}
	input := Normalize(raw)
	if input == "" {
		return NotFound, false
	}

	// Canonical identifiers themselves ("credit_card", "pix") always resolve.
	for _, g := range groups {
		if input == Normalize(string(g.value)) {
			return g.value, true
		}
	}
	for _, g := range groups {
		for _, kw := range g.keywords {
			if input == kw {
				return g.value, true
			}
		}
		for _, kw := range g.exact {
			if input == kw {
				return g.value, true
			}
		}
	}
	for _, g := range groups {
		for _, kw := range g.keywords {
			if containsKeyword(input, kw) {
				return g.value, true
			}
			if utf8.RuneCountInString(input) >= minReverseRunes && strings.Contains(kw, input) {
				return g.value, true
			}
		}
	}
	return NotFound, false
}

// MatchWord resolves a single word against canonical identifiers and whole
// keywords only. It is used to pick slot values out of free text, where
// substring matching would misfire on ordinary words.
func (c *Canonicalizer) MatchWord(kind Kind, word string) (Value, bool) {
	input := Normalize(word)
	if input == "" {
		return NotFound, false
	}
	for _, g := range c.tables[kind] {
		if input == Normalize(string(g.value)) {
			return g.value, true
		}
		for _, kw := range g.keywords {
			if input == kw {
				return g.value, true
			}
		}
	}
	return NotFound, false
}

// IsValid reports whether v is one of the canonical values of kind.
func (c *Canonicalizer) IsValid(kind Kind, v Value) bool {
	for _, g := range c.tables[kind] {
		if g.value == v {
			return true
		}
	}
	return false
}

// Options lists the canonical values of kind in table order.
func (c *Canonicalizer) Options(kind Kind) []Option {
	groups := c.tables[kind]
	out := make([]Option, 0, len(groups))
	for _, g := range groups {
		out = append(out, Option{Value: g.value, Label: g.label})
	}
	return out
}

// OptionsText renders the valid options as a bullet list for clarification
// questions.
func (c *Canonicalizer) OptionsText(kind Kind) string {
	var b strings.Builder
	for i, o := range c.Options(kind) {
		if i > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "• %s", o.Label)
	}
	return b.String()
}

// Label returns the display label of v, or v itself when unknown.
func (c *Canonicalizer) Label(v Value) string {
	for _, groups := range c.tables {
		for _, g := range groups {
			if g.value == v {
				return g.label
			}
		}
	}
	return string(v)
}

// Options lists the default canonical values of kind.
func Options(kind Kind) []Option { return defaultCanonicalizer.Options(kind) }

// Label returns the default display label of v.
func Label(v Value) string { return defaultCanonicalizer.Label(v) }

// Normalize lower-cases s, strips diacritics and surrounding punctuation and
// collapses internal whitespace.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	folded = strings.ToLower(folded)
	folded = strings.TrimFunc(folded, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r)
	})
	folded = strings.ReplaceAll(folded, "_", " ")
	return strings.Join(strings.Fields(folded), " ")
}

func containsKeyword(input, kw string) bool {
	if utf8.RuneCountInString(kw) > shortKeywordRunes {
		return strings.Contains(input, kw)
	}
	words := strings.FieldsFunc(input, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, w := range words {
		if w == kw {
			return true
		}
	}
	return false
}
