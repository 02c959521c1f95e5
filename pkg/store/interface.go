package store

import (
	"errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokokita/installment-service/pkg/models"
)

var (
	// ErrNotFound is returned when a plan, entry, guarantor or ledger
	// transaction does not exist.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when an optimistic version check fails;
	// the caller should re-read and retry.
	ErrConflict = errors.New("concurrent modification")
	// ErrInsufficientBalance is returned when a ledger debit would take
	// the customer's balance below zero. The check runs inside the write
	// transaction, so no balance movement survives a rejection.
	ErrInsufficientBalance = errors.New("insufficient misc balance")
)

// PaymentCommit is everything a single payment changes, persisted as one
// atomic unit: the schedule entry's paid fields, the plan's aggregates
// (guarded by Plan.Version) and up to two ledger transactions (a balance
// draw and an overpayment credit). The running balances on the ledger
// transactions are computed inside the transaction.
type PaymentCommit struct {
	Plan   *models.InstallmentPlan
	Entry  *models.RepaymentEntry
	Debit  *models.MiscTransaction
	Credit *models.MiscTransaction
}

// Storage defines the persistence operations for plans, schedules,
// guarantors and the miscellaneous balance ledger.
type Storage interface {
	CreatePlan(plan *models.InstallmentPlan) error
	GetPlan(id uuid.UUID) (*models.InstallmentPlan, error)
	GetAllPlans(customerID string) ([]*models.InstallmentPlan, error)
	GetActivePlans() ([]*models.InstallmentPlan, error)
	UpdatePlanStatus(id uuid.UUID, status models.PlanStatus, version int64) error
	CommitPayment(c *PaymentCommit) error

	AppendMiscTransaction(tx *models.MiscTransaction) error
	MiscTransactionsForCustomer(customerID string) ([]*models.MiscTransaction, error)
	MiscBalance(customerID string) (decimal.Decimal, error)
	DeleteMiscTransaction(id uuid.UUID) (customerID string, err error)
	MiscSummary() ([]*models.CustomerBalance, error)

	AddGuarantor(g *models.Guarantor) error
	UpdateGuarantor(g *models.Guarantor) error
	DeleteGuarantor(id uuid.UUID) error

	Close() error
}
