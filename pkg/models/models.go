package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PlanStatus string

const (
	PlanStatusActive    PlanStatus = "active"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusDefaulted PlanStatus = "defaulted"
	PlanStatusCancelled PlanStatus = "cancelled"
)

type EntryStatus string

const (
	EntryStatusPaid     EntryStatus = "paid"
	EntryStatusPartial  EntryStatus = "partial"
	EntryStatusDue      EntryStatus = "due"
	EntryStatusOverdue  EntryStatus = "overdue"
	EntryStatusUpcoming EntryStatus = "upcoming"
)

type MiscTransactionType string

const (
	MiscTypeCredit     MiscTransactionType = "Credit"
	MiscTypeDebit      MiscTransactionType = "Debit"
	MiscTypeAdjustment MiscTransactionType = "Adjustment"
)

// PlanTerms is the financing input shared by preview and plan creation.
// FinanceAmount, when set, overrides ProductPrice as the financed base.
type PlanTerms struct {
	ProductPrice  decimal.Decimal  `json:"productPrice"`
	FinanceAmount *decimal.Decimal `json:"financeAmount,omitempty"`
	DownPayment   decimal.Decimal  `json:"downPayment"`
	InterestRate  decimal.Decimal  `json:"interestRate"` // annual percent
	Tenure        int              `json:"tenure"`       // months
	StartDate     time.Time        `json:"startDate"`
}

type InstallmentPlan struct {
	ID         uuid.UUID `json:"id"`
	CustomerID string    `json:"customerId"`
	ProductID  string    `json:"productId"`

	ProductPrice  decimal.Decimal `json:"productPrice"`
	FinanceAmount decimal.Decimal `json:"financeAmount"` // resolved financed base
	DownPayment   decimal.Decimal `json:"downPayment"`
	InterestRate  decimal.Decimal `json:"interestRate"`
	Tenure        int             `json:"tenure"`
	StartDate     time.Time       `json:"startDate"`

	// Computed once at creation, immutable afterwards.
	FinancedAmount decimal.Decimal `json:"financedAmount"`
	EMIAmount      decimal.Decimal `json:"emiAmount"`
	TotalInterest  decimal.Decimal `json:"totalInterest"`
	TotalPayable   decimal.Decimal `json:"totalPayable"`

	// Aggregates recomputed after every payment.
	PaidInstallments      int        `json:"paidInstallments"`
	RemainingInstallments int        `json:"remainingInstallments"`
	NextDueDate           *time.Time `json:"nextDueDate,omitempty"`
	Status                PlanStatus `json:"status"`

	Schedule   []*RepaymentEntry `json:"schedule,omitempty"`
	Guarantors []*Guarantor      `json:"guarantors"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Optimistic concurrency token, bumped on every mutation.
	Version int64 `json:"-"`
}

// RepaymentEntry is one row of a plan's amortization schedule. The split
// fields (EMIAmount, Principal, Interest, Balance) are fixed at creation;
// only the paid fields move afterwards. Status is a projection over the
// paid amounts and the due date, resolved on read and never stored.
type RepaymentEntry struct {
	PlanID        uuid.UUID `json:"-"`
	InstallmentNo int       `json:"installmentNo"`
	DueDate       time.Time `json:"dueDate"`

	EMIAmount decimal.Decimal `json:"emiAmount"`
	Principal decimal.Decimal `json:"principal"`
	Interest  decimal.Decimal `json:"interest"`
	Balance   decimal.Decimal `json:"balance"`

	ActualPaidAmount   decimal.Decimal `json:"actualPaidAmount"`
	MiscAdjustedAmount decimal.Decimal `json:"miscAdjustedAmount"`
	PaidDate           *time.Time      `json:"paidDate,omitempty"`

	Status EntryStatus `json:"status"`
}

// TotalApplied is cash plus ledger-sourced amount applied so far.
func (e *RepaymentEntry) TotalApplied() decimal.Decimal {
	return e.ActualPaidAmount.Add(e.MiscAdjustedAmount)
}

type Guarantor struct {
	ID           uuid.UUID `json:"id"`
	PlanID       uuid.UUID `json:"planId"`
	Name         string    `json:"name"`
	Phone        string    `json:"phone"`
	Address      string    `json:"address"`
	IDNumber     string    `json:"idNumber"`
	Relationship string    `json:"relationship"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Reference ties a ledger transaction back to what caused it,
// e.g. {Type: "Installment", ID: "<planId>/<installmentNo>"}.
type Reference struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// MiscTransaction is one append-only row of a customer's miscellaneous
// balance ledger. Balance is the running balance after this transaction,
// denormalized for audit; it must always equal the recomputed running sum.
type MiscTransaction struct {
	ID          uuid.UUID           `json:"id"`
	CustomerID  string              `json:"customerId"`
	Type        MiscTransactionType `json:"transactionType"`
	Amount      decimal.Decimal     `json:"amount"`
	Balance     decimal.Decimal     `json:"balance"`
	Description string              `json:"description"`
	Reference   *Reference          `json:"reference,omitempty"`
	CreatedAt   time.Time           `json:"createdAt"`
	CreatedBy   string              `json:"createdBy,omitempty"`
}

// Signed returns the transaction's contribution to the running balance:
// credits add, debits subtract, adjustments carry the caller's sign.
func (t *MiscTransaction) Signed() decimal.Decimal {
	if t.Type == MiscTypeDebit {
		return t.Amount.Neg()
	}
	return t.Amount
}

// CustomerBalance is a per-customer ledger rollup.
type CustomerBalance struct {
	CustomerID       string          `json:"customerId"`
	TotalCredits     decimal.Decimal `json:"totalCredits"`
	TotalDebits      decimal.Decimal `json:"totalDebits"`
	Balance          decimal.Decimal `json:"balance"`
	TransactionCount int             `json:"transactionCount"`
}

// ScheduleQuote is the output of the amortization calculator: plan-level
// totals plus the full ordered schedule. Preview returns it directly;
// plan creation persists it.
type ScheduleQuote struct {
	ProductPrice   decimal.Decimal   `json:"productPrice"`
	FinanceAmount  decimal.Decimal   `json:"financeAmount"`
	FinancedAmount decimal.Decimal   `json:"financedAmount"`
	DownPayment    decimal.Decimal   `json:"downPayment"`
	InterestRate   decimal.Decimal   `json:"interestRate"`
	Tenure         int               `json:"tenure"`
	EMIAmount      decimal.Decimal   `json:"emiAmount"`
	TotalPayable   decimal.Decimal   `json:"totalPayable"`
	TotalInterest  decimal.Decimal   `json:"totalInterest"`
	Schedule       []*RepaymentEntry `json:"schedule"`
}

// PaymentRequest is the validated command for applying a payment to one
// installment.
type PaymentRequest struct {
	Amount         decimal.Decimal `json:"amount"`
	UseMiscBalance bool            `json:"useMiscBalance"`
	PaymentMethod  string          `json:"paymentMethod,omitempty"`
	Notes          string          `json:"notes,omitempty"`
}

// PaymentResult carries the fields receipts and deposit slips reproduce.
type PaymentResult struct {
	Message           string          `json:"message"`
	Overpayment       decimal.Decimal `json:"overpayment"`
	Status            EntryStatus     `json:"status"`
	ActualPaidAmount  decimal.Decimal `json:"actualPaidAmount"`
	RemainingForEntry decimal.Decimal `json:"remainingForEntry"`
}
