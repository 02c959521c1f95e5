package ledger

import (
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokokita/installment-service/pkg/models"
	"github.com/tokokita/installment-service/pkg/store"
)

func newTestLedger(t *testing.T) (*Ledger, *MemoryBalanceCache) {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "ledger_test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := logrus.New()
	log.SetOutput(io.Discard)
	cache := NewMemoryBalanceCache()
	return NewLedger(s, cache, log), cache
}

func TestCreditAndDebit(t *testing.T) {
	l, _ := newTestLedger(t)

	tx, err := l.Credit("cust-1", decimal.NewFromInt(500), "deposit", nil, "admin")
	if err != nil {
		t.Fatalf("Failed to credit: %v", err)
	}
	if !tx.Balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected running balance 500, got %s", tx.Balance)
	}

	tx, err = l.Debit("cust-1", decimal.NewFromInt(200), "withdrawal", nil, "admin")
	if err != nil {
		t.Fatalf("Failed to debit: %v", err)
	}
	if !tx.Balance.Equal(decimal.NewFromInt(300)) {
		t.Errorf("Expected running balance 300, got %s", tx.Balance)
	}

	balance, err := l.BalanceOf("cust-1")
	if err != nil {
		t.Fatalf("Failed to get balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(300)) {
		t.Errorf("Expected balance 300, got %s", balance)
	}
}

func TestDebitInsufficientBalance(t *testing.T) {
	l, _ := newTestLedger(t)

	l.Credit("cust-1", decimal.NewFromInt(100), "deposit", nil, "admin")

	_, err := l.Debit("cust-1", decimal.NewFromInt(150), "too much", nil, "admin")
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	// The rejected debit must leave no trace.
	balance, _ := l.BalanceOf("cust-1")
	if !balance.Equal(decimal.NewFromInt(100)) {
		t.Errorf("Expected balance 100 after rejected debit, got %s", balance)
	}
	history, _ := l.History("cust-1")
	if len(history) != 1 {
		t.Errorf("Expected 1 transaction, got %d", len(history))
	}
}

func TestNonPositiveAmountsRejected(t *testing.T) {
	l, _ := newTestLedger(t)

	if _, err := l.Credit("cust-1", decimal.Zero, "zero", nil, "admin"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for zero credit, got %v", err)
	}
	if _, err := l.Debit("cust-1", decimal.NewFromInt(-5), "negative", nil, "admin"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for negative debit, got %v", err)
	}
	if _, err := l.Adjust("cust-1", decimal.Zero, "zero", nil, "admin"); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("Expected ErrInvalidAmount for zero adjustment, got %v", err)
	}
}

func TestAdjustmentCarriesSign(t *testing.T) {
	l, _ := newTestLedger(t)

	l.Credit("cust-1", decimal.NewFromInt(500), "deposit", nil, "admin")

	tx, err := l.Adjust("cust-1", decimal.NewFromInt(-120), "correction", nil, "admin")
	if err != nil {
		t.Fatalf("Failed to adjust: %v", err)
	}
	if !tx.Balance.Equal(decimal.NewFromInt(380)) {
		t.Errorf("Expected balance 380 after negative adjustment, got %s", tx.Balance)
	}

	_, err = l.Adjust("cust-1", decimal.NewFromInt(-500), "overdraw", nil, "admin")
	if !errors.Is(err, store.ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}
}

func TestBalanceConservation(t *testing.T) {
	l, _ := newTestLedger(t)

	l.Credit("cust-1", decimal.RequireFromString("250.50"), "a", nil, "admin")
	l.Debit("cust-1", decimal.RequireFromString("100.25"), "b", nil, "admin")
	l.Credit("cust-1", decimal.RequireFromString("10.00"), "c", nil, "admin")
	l.Adjust("cust-1", decimal.RequireFromString("-0.25"), "d", nil, "admin")

	history, err := l.History("cust-1")
	if err != nil {
		t.Fatalf("Failed to get history: %v", err)
	}
	sum := decimal.Zero
	for _, tx := range history {
		sum = sum.Add(tx.Signed())
	}

	balance, _ := l.BalanceOf("cust-1")
	if !balance.Equal(sum) {
		t.Errorf("Balance %s diverged from transaction sum %s", balance, sum)
	}
	if !balance.Equal(decimal.RequireFromString("160.00")) {
		t.Errorf("Expected balance 160.00, got %s", balance)
	}
	// Every stored running balance must match the recomputed prefix sum.
	running := decimal.Zero
	for _, tx := range history {
		running = running.Add(tx.Signed())
		if !tx.Balance.Equal(running) {
			t.Errorf("Transaction %s running balance %s, recomputed %s", tx.ID, tx.Balance, running)
		}
	}
}

func TestCachedBalance(t *testing.T) {
	l, cache := newTestLedger(t)

	l.Credit("cust-1", decimal.NewFromInt(500), "deposit", nil, "admin")

	balance, err := l.CachedBalance("cust-1")
	if err != nil {
		t.Fatalf("Failed to get cached balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected cached balance 500, got %s", balance)
	}
	if cached, ok := cache.Get("cust-1"); !ok || !cached.Equal(decimal.NewFromInt(500)) {
		t.Error("Expected cache to hold the balance after a write")
	}

	l.Invalidate("cust-1")
	if _, ok := cache.Get("cust-1"); ok {
		t.Error("Expected cache entry to be dropped")
	}
	// Miss falls back to a recompute and refills the cache.
	balance, _ = l.CachedBalance("cust-1")
	if !balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected recomputed balance 500, got %s", balance)
	}
}

func TestRemoveRederivesBalance(t *testing.T) {
	l, cache := newTestLedger(t)

	l.Credit("cust-1", decimal.NewFromInt(500), "deposit", nil, "admin")
	tx, _ := l.Credit("cust-1", decimal.NewFromInt(300), "bonus", nil, "admin")

	if err := l.Remove(tx.ID); err != nil {
		t.Fatalf("Failed to remove transaction: %v", err)
	}
	if _, ok := cache.Get("cust-1"); ok {
		t.Error("Expected cache invalidation after removal")
	}
	balance, _ := l.BalanceOf("cust-1")
	if !balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected balance 500 after removal, got %s", balance)
	}

	if err := l.Remove(uuid.New()); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSummary(t *testing.T) {
	l, _ := newTestLedger(t)

	l.Credit("cust-1", decimal.NewFromInt(500), "a", nil, "admin")
	l.Debit("cust-1", decimal.NewFromInt(200), "b", nil, "admin")
	l.Credit("cust-2", decimal.NewFromInt(50), "c", nil, "admin")

	summary, err := l.Summary()
	if err != nil {
		t.Fatalf("Failed to get summary: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("Expected 2 customers, got %d", len(summary))
	}

	byCustomer := map[string]*models.CustomerBalance{}
	for _, cb := range summary {
		byCustomer[cb.CustomerID] = cb
	}
	c1 := byCustomer["cust-1"]
	if c1 == nil || !c1.Balance.Equal(decimal.NewFromInt(300)) || c1.TransactionCount != 2 {
		t.Errorf("Unexpected rollup for cust-1: %+v", c1)
	}
	if !c1.TotalCredits.Equal(decimal.NewFromInt(500)) || !c1.TotalDebits.Equal(decimal.NewFromInt(200)) {
		t.Errorf("Unexpected credit/debit totals for cust-1: %+v", c1)
	}
}
