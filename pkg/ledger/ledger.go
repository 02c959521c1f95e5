package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokokita/installment-service/pkg/models"
	"github.com/tokokita/installment-service/pkg/store"
)

// ErrInvalidAmount marks a ledger command with a malformed amount,
// rejected before anything is written.
var ErrInvalidAmount = errors.New("invalid amount")

// Ledger handles the business logic for the per-customer miscellaneous
// balance register. The transaction log is the source of truth; the cache
// is a materialized view refreshed on read and dropped on every write.
type Ledger struct {
	storage store.Storage
	cache   BalanceCache
	log     *logrus.Logger
}

// NewLedger creates a new Ledger with the given Storage and cache.
func NewLedger(s store.Storage, c BalanceCache, log *logrus.Logger) *Ledger {
	return &Ledger{storage: s, cache: c, log: log}
}

// Credit appends a Credit transaction. New balance = previous + amount.
func (l *Ledger) Credit(customerID string, amount decimal.Decimal, description string, ref *models.Reference, createdBy string) (*models.MiscTransaction, error) {
	return l.append(models.MiscTypeCredit, customerID, amount, description, ref, createdBy)
}

// Debit appends a Debit transaction. Fails with ErrInsufficientBalance if
// the amount exceeds the current balance; the check runs inside the store's
// write transaction so no partial debit can happen.
func (l *Ledger) Debit(customerID string, amount decimal.Decimal, description string, ref *models.Reference, createdBy string) (*models.MiscTransaction, error) {
	return l.append(models.MiscTypeDebit, customerID, amount, description, ref, createdBy)
}

// Adjust appends an Adjustment transaction. The amount carries the caller's
// sign; an adjustment may not take the balance below zero.
func (l *Ledger) Adjust(customerID string, amount decimal.Decimal, description string, ref *models.Reference, createdBy string) (*models.MiscTransaction, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("%w: adjustment amount cannot be zero", ErrInvalidAmount)
	}
	tx := l.newTransaction(models.MiscTypeAdjustment, customerID, amount, description, ref, createdBy)
	if err := l.storage.AppendMiscTransaction(tx); err != nil {
		return nil, err
	}
	l.afterWrite(tx)
	return tx, nil
}

func (l *Ledger) append(txType models.MiscTransactionType, customerID string, amount decimal.Decimal, description string, ref *models.Reference, createdBy string) (*models.MiscTransaction, error) {
	if amount.IsNegative() || amount.IsZero() {
		return nil, fmt.Errorf("%w: %s amount must be positive, got %s", ErrInvalidAmount, txType, amount)
	}
	tx := l.newTransaction(txType, customerID, amount, description, ref, createdBy)
	if err := l.storage.AppendMiscTransaction(tx); err != nil {
		return nil, err
	}
	l.afterWrite(tx)
	return tx, nil
}

func (l *Ledger) newTransaction(txType models.MiscTransactionType, customerID string, amount decimal.Decimal, description string, ref *models.Reference, createdBy string) *models.MiscTransaction {
	return &models.MiscTransaction{
		ID:          uuid.New(),
		CustomerID:  customerID,
		Type:        txType,
		Amount:      amount,
		Description: description,
		Reference:   ref,
		CreatedAt:   time.Now(),
		CreatedBy:   createdBy,
	}
}

func (l *Ledger) afterWrite(tx *models.MiscTransaction) {
	l.cache.Set(tx.CustomerID, tx.Balance)
	l.log.WithFields(logrus.Fields{
		"customer_id": tx.CustomerID,
		"type":        tx.Type,
		"amount":      tx.Amount.StringFixed(2),
		"balance":     tx.Balance.StringFixed(2),
	}).Info("misc ledger transaction appended")
}

// BalanceOf recomputes the customer's current balance from the transaction
// log and refreshes the cache. Callers that gate a debit on the balance get
// the recomputed value, never the cached one.
func (l *Ledger) BalanceOf(customerID string) (decimal.Decimal, error) {
	balance, err := l.storage.MiscBalance(customerID)
	if err != nil {
		return decimal.Zero, err
	}
	l.cache.Set(customerID, balance)
	return balance, nil
}

// CachedBalance serves a balance lookup from the cache when possible,
// falling back to a recompute. Display-only; debits never consult it.
func (l *Ledger) CachedBalance(customerID string) (decimal.Decimal, error) {
	if balance, ok := l.cache.Get(customerID); ok {
		return balance, nil
	}
	return l.BalanceOf(customerID)
}

// Invalidate drops the cached balance for a customer. The payment engine
// calls this after a commit that wrote ledger rows directly.
func (l *Ledger) Invalidate(customerID string) {
	l.cache.Invalidate(customerID)
}

// History returns the customer's ledger transactions, oldest first.
func (l *Ledger) History(customerID string) ([]*models.MiscTransaction, error) {
	return l.storage.MiscTransactionsForCustomer(customerID)
}

// Summary returns per-customer ledger rollups.
func (l *Ledger) Summary() ([]*models.CustomerBalance, error) {
	return l.storage.MiscSummary()
}

// Remove deletes a ledger transaction. This is the administrative
// correction path, not part of steady-state operation; the customer's
// balance is re-derived from the remaining log on the next read.
func (l *Ledger) Remove(id uuid.UUID) error {
	customerID, err := l.storage.DeleteMiscTransaction(id)
	if err != nil {
		return err
	}
	l.cache.Invalidate(customerID)
	l.log.WithFields(logrus.Fields{
		"transaction_id": id,
		"customer_id":    customerID,
	}).Warn("misc ledger transaction deleted (administrative correction)")
	return nil
}
