package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/BTreeMap/ExpensePipe/internal/canon"
)

// ExpenseStatus is the lifecycle status of an Expense.
type ExpenseStatus string

const (
	ExpenseStatusPending   ExpenseStatus = "pending"
	ExpenseStatusConfirmed ExpenseStatus = "confirmed"
	ExpenseStatusCancelled ExpenseStatus = "cancelled"
)

// DefaultCategory is used when the conversation did not produce a category.
const DefaultCategory = "outros"

// DateLayout is the storage format of Expense.Date.
const DateLayout = "2006-01-02"

var (
	ErrMissingDescription   = errors.New("description is required")
	ErrInvalidPaymentMethod = errors.New("payment method is not a canonical value")
	ErrInvalidResponsible   = errors.New("responsible is not a canonical value")
	ErrMissingCardDetails   = errors.New("credit card expenses need issuer and installments")
	ErrUnexpectedCard       = errors.New("card details are only allowed for credit card expenses")
	ErrConfirmedState       = errors.New("status confirmed requires responsible and confirmed_at")
	ErrSplitMismatch        = errors.New("split must be true exactly when responsible is shared")
	ErrInvalidStatus        = errors.New("invalid expense status")
)

// Expense is a persisted expense record.
type Expense struct {
	ID              string          `json:"id"`
	Address         string          `json:"address"`
	Date            string          `json:"date"`
	Description     string          `json:"description"`
	Amount          decimal.Decimal `json:"amount"`
	Category        string          `json:"category"`
	PaymentMethod   canon.Value     `json:"payment_method"`
	CardIssuer      string          `json:"card_issuer,omitempty"`
	Installments    int             `json:"installments,omitempty"`
	Responsible     canon.Value     `json:"responsible,omitempty"` // empty until confirmed
	Split           bool            `json:"split"`
	Status          ExpenseStatus   `json:"status"`
	ConfirmedAt     *time.Time      `json:"confirmed_at,omitempty"`
	SourceMessageID string          `json:"source_message_id,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// ExpenseDraft is the input of an expense save, built from completed slots.
type ExpenseDraft struct {
	Address       string
	Date          string
	Description   string
	Amount        decimal.Decimal
	Category      string
	PaymentMethod canon.Value
	CardIssuer    string
	Installments  int
	Responsible   canon.Value
}

// DraftFromSlots copies the slot values of a conversation into a draft.
func DraftFromSlots(address string, s Slots) ExpenseDraft {
	d := ExpenseDraft{
		Address:       address,
		Description:   s.Description,
		PaymentMethod: s.PaymentMethod,
		Responsible:   s.Responsible,
	}
	if s.Amount != nil {
		d.Amount = *s.Amount
	}
	if s.CardDetails != nil && s.PaymentMethod == canon.PaymentCreditCard {
		d.CardIssuer = s.CardDetails.Issuer
		d.Installments = s.CardDetails.Installments
	}
	return d
}

// Validate checks the fields shared by pending and confirmed expenses.
func (d ExpenseDraft) Validate() error {
	if !d.Amount.IsPositive() {
		return ErrNonPositive
	}
	if d.Description == "" {
		return ErrMissingDescription
	}
	if !canon.Default().IsValid(canon.KindPaymentMethod, d.PaymentMethod) {
		return fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, d.PaymentMethod)
	}
	if d.Responsible != "" && !canon.Default().IsValid(canon.KindResponsible, d.Responsible) {
		return fmt.Errorf("%w: %q", ErrInvalidResponsible, d.Responsible)
	}
	return nil
}

// NewExpense builds the record for a draft. A draft with a responsible party
// becomes confirmed at now; otherwise it stays pending.
func NewExpense(id string, d ExpenseDraft, sourceMessageID string, now time.Time) Expense {
	e := Expense{
		ID:              id,
		Address:         d.Address,
		Date:            d.Date,
		Description:     d.Description,
		Amount:          d.Amount.Round(AmountPlaces),
		Category:        d.Category,
		PaymentMethod:   d.PaymentMethod,
		CardIssuer:      d.CardIssuer,
		Installments:    d.Installments,
		Status:          ExpenseStatusPending,
		SourceMessageID: sourceMessageID,
		CreatedAt:       now.UTC(),
	}
	if e.Date == "" {
		e.Date = now.Format(DateLayout)
	}
	if e.Category == "" {
		e.Category = DefaultCategory
	}
	if d.Responsible != "" {
		e.Confirm(d.Responsible, now)
	}
	return e
}

// Confirm assigns the responsible party and marks the expense confirmed.
func (e *Expense) Confirm(responsible canon.Value, now time.Time) {
	at := now.UTC()
	e.Responsible = responsible
	e.Split = responsible == canon.ResponsibleShared
	e.Status = ExpenseStatusConfirmed
	e.ConfirmedAt = &at
}

// Validate checks every invariant of a stored expense.
func (e *Expense) Validate() error {
	if !e.Amount.IsPositive() {
		return ErrNonPositive
	}
	if e.Description == "" {
		return ErrMissingDescription
	}
	if !canon.Default().IsValid(canon.KindPaymentMethod, e.PaymentMethod) {
		return fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, e.PaymentMethod)
	}
	if e.PaymentMethod == canon.PaymentCreditCard {
		if e.CardIssuer == "" || e.Installments < 1 {
			return ErrMissingCardDetails
		}
	} else if e.CardIssuer != "" || e.Installments != 0 {
		return ErrUnexpectedCard
	}
	if e.Responsible != "" && !canon.Default().IsValid(canon.KindResponsible, e.Responsible) {
		return fmt.Errorf("%w: %q", ErrInvalidResponsible, e.Responsible)
	}
	switch e.Status {
	case ExpenseStatusConfirmed:
		if e.Responsible == "" || e.ConfirmedAt == nil {
			return ErrConfirmedState
		}
	case ExpenseStatusPending, ExpenseStatusCancelled:
		if e.ConfirmedAt != nil {
			return ErrConfirmedState
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidStatus, e.Status)
	}
	if e.Split != (e.Responsible == canon.ResponsibleShared) {
		return ErrSplitMismatch
	}
	return nil
}
