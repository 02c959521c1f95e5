package store

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokokita/installment-service/pkg/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "store_test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testPlan() *models.InstallmentPlan {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	firstDue := start.AddDate(0, 1, 0)
	secondDue := start.AddDate(0, 2, 0)
	plan := &models.InstallmentPlan{
		ID:                    uuid.New(),
		CustomerID:            "cust-1",
		ProductID:             "prod-1",
		ProductPrice:          decimal.NewFromInt(1000),
		FinanceAmount:         decimal.NewFromInt(1000),
		DownPayment:           decimal.NewFromInt(200),
		InterestRate:          decimal.NewFromInt(12),
		Tenure:                2,
		StartDate:             start,
		FinancedAmount:        decimal.NewFromInt(800),
		EMIAmount:             decimal.NewFromInt(404),
		TotalInterest:         decimal.NewFromInt(8),
		TotalPayable:          decimal.NewFromInt(808),
		PaidInstallments:      0,
		RemainingInstallments: 2,
		NextDueDate:           &firstDue,
		Status:                models.PlanStatusActive,
		CreatedAt:             time.Now(),
		UpdatedAt:             time.Now(),
		Version:               1,
	}
	plan.Schedule = []*models.RepaymentEntry{
		{
			PlanID: plan.ID, InstallmentNo: 1, DueDate: firstDue,
			EMIAmount: decimal.NewFromInt(404), Principal: decimal.NewFromInt(400),
			Interest: decimal.NewFromInt(4), Balance: decimal.NewFromInt(400),
			ActualPaidAmount: decimal.Zero, MiscAdjustedAmount: decimal.Zero,
		},
		{
			PlanID: plan.ID, InstallmentNo: 2, DueDate: secondDue,
			EMIAmount: decimal.NewFromInt(404), Principal: decimal.NewFromInt(400),
			Interest: decimal.NewFromInt(4), Balance: decimal.Zero,
			ActualPaidAmount: decimal.Zero, MiscAdjustedAmount: decimal.Zero,
		},
	}
	return plan
}

func TestSQLiteStore_CreateAndGetPlan(t *testing.T) {
	s := newTestStore(t)

	plan := testPlan()
	if err := s.CreatePlan(plan); err != nil {
		t.Fatalf("Failed to create plan: %v", err)
	}

	fetched, err := s.GetPlan(plan.ID)
	if err != nil {
		t.Fatalf("Failed to get plan: %v", err)
	}

	if fetched.CustomerID != plan.CustomerID {
		t.Errorf("Expected CustomerID %s, got %s", plan.CustomerID, fetched.CustomerID)
	}
	if !fetched.TotalPayable.Equal(plan.TotalPayable) {
		t.Errorf("Expected TotalPayable %s, got %s", plan.TotalPayable, fetched.TotalPayable)
	}
	if fetched.Version != 1 {
		t.Errorf("Expected version 1, got %d", fetched.Version)
	}
	if len(fetched.Schedule) != 2 {
		t.Fatalf("Expected 2 schedule entries, got %d", len(fetched.Schedule))
	}
	if !fetched.Schedule[1].Balance.IsZero() {
		t.Errorf("Expected last entry balance 0, got %s", fetched.Schedule[1].Balance)
	}
	if fetched.NextDueDate == nil || !fetched.NextDueDate.Equal(*plan.NextDueDate) {
		t.Errorf("Expected NextDueDate %v, got %v", plan.NextDueDate, fetched.NextDueDate)
	}

	if _, err := s.GetPlan(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown plan, got %v", err)
	}
}

func TestSQLiteStore_GetAllPlansFilter(t *testing.T) {
	s := newTestStore(t)

	p1 := testPlan()
	p2 := testPlan()
	p2.ID = uuid.New()
	p2.CustomerID = "cust-2"
	for i := range p2.Schedule {
		p2.Schedule[i].PlanID = p2.ID
	}
	s.CreatePlan(p1)
	s.CreatePlan(p2)

	all, err := s.GetAllPlans("")
	if err != nil {
		t.Fatalf("Failed to list plans: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 plans, got %d", len(all))
	}

	filtered, err := s.GetAllPlans("cust-2")
	if err != nil {
		t.Fatalf("Failed to filter plans: %v", err)
	}
	if len(filtered) != 1 || filtered[0].CustomerID != "cust-2" {
		t.Errorf("Expected only cust-2 plans, got %+v", filtered)
	}
}

func TestSQLiteStore_UpdatePlanStatusVersionCheck(t *testing.T) {
	s := newTestStore(t)

	plan := testPlan()
	s.CreatePlan(plan)

	if err := s.UpdatePlanStatus(plan.ID, models.PlanStatusCancelled, 1); err != nil {
		t.Fatalf("Failed to update status: %v", err)
	}

	// Stale version loses.
	err := s.UpdatePlanStatus(plan.ID, models.PlanStatusActive, 1)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("Expected ErrConflict for stale version, got %v", err)
	}

	err = s.UpdatePlanStatus(uuid.New(), models.PlanStatusCancelled, 1)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown plan, got %v", err)
	}

	fetched, _ := s.GetPlan(plan.ID)
	if fetched.Status != models.PlanStatusCancelled {
		t.Errorf("Expected status cancelled, got %s", fetched.Status)
	}
	if fetched.Version != 2 {
		t.Errorf("Expected version 2, got %d", fetched.Version)
	}
}

func TestSQLiteStore_CommitPayment(t *testing.T) {
	s := newTestStore(t)

	plan := testPlan()
	s.CreatePlan(plan)

	now := time.Now()
	entry := plan.Schedule[0]
	entry.ActualPaidAmount = decimal.NewFromInt(404)
	entry.PaidDate = &now
	plan.PaidInstallments = 1
	plan.RemainingInstallments = 1
	plan.NextDueDate = &plan.Schedule[1].DueDate
	plan.UpdatedAt = now

	commit := &PaymentCommit{
		Plan:  plan,
		Entry: entry,
		Credit: &models.MiscTransaction{
			ID: uuid.New(), CustomerID: plan.CustomerID, Type: models.MiscTypeCredit,
			Amount: decimal.NewFromInt(50), Description: "Overpayment", CreatedAt: now,
		},
	}
	if err := s.CommitPayment(commit); err != nil {
		t.Fatalf("Failed to commit payment: %v", err)
	}

	fetched, _ := s.GetPlan(plan.ID)
	if !fetched.Schedule[0].ActualPaidAmount.Equal(decimal.NewFromInt(404)) {
		t.Errorf("Expected paid amount 404, got %s", fetched.Schedule[0].ActualPaidAmount)
	}
	if fetched.Schedule[0].PaidDate == nil {
		t.Error("Expected paid date to be set")
	}
	if fetched.PaidInstallments != 1 {
		t.Errorf("Expected 1 paid installment, got %d", fetched.PaidInstallments)
	}
	if fetched.Version != 2 {
		t.Errorf("Expected version bump to 2, got %d", fetched.Version)
	}

	balance, _ := s.MiscBalance(plan.CustomerID)
	if !balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected misc balance 50, got %s", balance)
	}

	// Replaying the same commit with the stale version conflicts and
	// leaves the ledger untouched.
	err := s.CommitPayment(commit)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict on replay, got %v", err)
	}
	balance, _ = s.MiscBalance(plan.CustomerID)
	if !balance.Equal(decimal.NewFromInt(50)) {
		t.Errorf("Expected misc balance unchanged at 50, got %s", balance)
	}
}

func TestSQLiteStore_CommitPaymentDebitGuard(t *testing.T) {
	s := newTestStore(t)

	plan := testPlan()
	s.CreatePlan(plan)

	now := time.Now()
	entry := plan.Schedule[0]
	entry.MiscAdjustedAmount = decimal.NewFromInt(100)
	entry.PaidDate = &now

	commit := &PaymentCommit{
		Plan:  plan,
		Entry: entry,
		Debit: &models.MiscTransaction{
			ID: uuid.New(), CustomerID: plan.CustomerID, Type: models.MiscTypeDebit,
			Amount: decimal.NewFromInt(100), Description: "Balance draw", CreatedAt: now,
		},
	}
	// No credits exist yet, so the draw must fail atomically.
	err := s.CommitPayment(commit)
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	fetched, _ := s.GetPlan(plan.ID)
	if !fetched.Schedule[0].MiscAdjustedAmount.IsZero() {
		t.Error("Expected entry untouched after failed commit")
	}
	if fetched.Version != 1 {
		t.Errorf("Expected version unchanged at 1, got %d", fetched.Version)
	}
}

func TestSQLiteStore_MiscTransactions(t *testing.T) {
	s := newTestStore(t)

	credit := &models.MiscTransaction{
		ID: uuid.New(), CustomerID: "cust-1", Type: models.MiscTypeCredit,
		Amount: decimal.NewFromInt(500), Description: "deposit",
		Reference: &models.Reference{Type: "Installment", ID: "abc/1"},
		CreatedAt: time.Now(), CreatedBy: "admin",
	}
	if err := s.AppendMiscTransaction(credit); err != nil {
		t.Fatalf("Failed to append credit: %v", err)
	}
	if !credit.Balance.Equal(decimal.NewFromInt(500)) {
		t.Errorf("Expected running balance 500, got %s", credit.Balance)
	}

	debit := &models.MiscTransaction{
		ID: uuid.New(), CustomerID: "cust-1", Type: models.MiscTypeDebit,
		Amount: decimal.NewFromInt(600), Description: "overdraw", CreatedAt: time.Now(),
	}
	if err := s.AppendMiscTransaction(debit); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("Expected ErrInsufficientBalance, got %v", err)
	}

	txs, err := s.MiscTransactionsForCustomer("cust-1")
	if err != nil {
		t.Fatalf("Failed to get transactions: %v", err)
	}
	if len(txs) != 1 {
		t.Fatalf("Expected 1 transaction, got %d", len(txs))
	}
	if txs[0].Reference == nil || txs[0].Reference.ID != "abc/1" {
		t.Errorf("Expected reference to round-trip, got %+v", txs[0].Reference)
	}

	customerID, err := s.DeleteMiscTransaction(credit.ID)
	if err != nil {
		t.Fatalf("Failed to delete transaction: %v", err)
	}
	if customerID != "cust-1" {
		t.Errorf("Expected customer cust-1, got %s", customerID)
	}
	balance, _ := s.MiscBalance("cust-1")
	if !balance.IsZero() {
		t.Errorf("Expected balance 0 after delete, got %s", balance)
	}

	if _, err := s.DeleteMiscTransaction(uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_ConcurrentMiscAppends(t *testing.T) {
	s := newTestStore(t)

	// Every append starts with a balance read; concurrent writers must
	// serialize on the write lock instead of failing mid-transaction.
	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.AppendMiscTransaction(&models.MiscTransaction{
				ID: uuid.New(), CustomerID: "cust-1", Type: models.MiscTypeCredit,
				Amount: decimal.NewFromInt(10), Description: "deposit", CreatedAt: time.Now(),
			})
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("Append failed under concurrency: %v", err)
		}
	}

	balance, err := s.MiscBalance("cust-1")
	if err != nil {
		t.Fatalf("Failed to get balance: %v", err)
	}
	if !balance.Equal(decimal.NewFromInt(10 * writers)) {
		t.Errorf("Expected balance %d, got %s", 10*writers, balance)
	}
}

func TestSQLiteStore_Guarantors(t *testing.T) {
	s := newTestStore(t)

	plan := testPlan()
	s.CreatePlan(plan)

	g := &models.Guarantor{
		ID: uuid.New(), PlanID: plan.ID, Name: "Budi", Phone: "0812",
		Relationship: "sibling", CreatedAt: time.Now(),
	}
	if err := s.AddGuarantor(g); err != nil {
		t.Fatalf("Failed to add guarantor: %v", err)
	}

	fetched, _ := s.GetPlan(plan.ID)
	if len(fetched.Guarantors) != 1 || fetched.Guarantors[0].Name != "Budi" {
		t.Fatalf("Expected guarantor Budi, got %+v", fetched.Guarantors)
	}

	g.Phone = "0813"
	if err := s.UpdateGuarantor(g); err != nil {
		t.Fatalf("Failed to update guarantor: %v", err)
	}

	if err := s.DeleteGuarantor(g.ID); err != nil {
		t.Fatalf("Failed to delete guarantor: %v", err)
	}
	if err := s.DeleteGuarantor(g.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on double delete, got %v", err)
	}
}
