package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tokokita/installment-service/pkg/models"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore manages the database connection and operations for SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLiteStore and initializes the database.
// Transactions start with BEGIN IMMEDIATE so read-then-write paths take the
// write lock up front instead of failing mid-transaction under WAL.
func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	if !strings.Contains(dataSourceName, "?") {
		dataSourceName += "?_txlock=immediate"
	}
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	// Manually enable foreign keys and WAL mode
	if _, err = db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err = db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates the database tables if they don't already exist.
// We use TEXT for decimal fields in SQLite to ensure no precision is lost.
func (s *SQLiteStore) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS plans (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		product_id TEXT NOT NULL,
		product_price TEXT NOT NULL,
		finance_amount TEXT NOT NULL,
		down_payment TEXT NOT NULL,
		interest_rate TEXT NOT NULL,
		tenure INTEGER NOT NULL,
		start_date DATETIME NOT NULL,
		financed_amount TEXT NOT NULL,
		emi_amount TEXT NOT NULL,
		total_interest TEXT NOT NULL,
		total_payable TEXT NOT NULL,
		paid_installments INTEGER NOT NULL DEFAULT 0,
		remaining_installments INTEGER NOT NULL,
		next_due_date DATETIME,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		version INTEGER NOT NULL DEFAULT 1
	);
	CREATE TABLE IF NOT EXISTS repayment_entries (
		plan_id TEXT NOT NULL,
		installment_no INTEGER NOT NULL,
		due_date DATETIME NOT NULL,
		emi_amount TEXT NOT NULL,
		principal TEXT NOT NULL,
		interest TEXT NOT NULL,
		balance TEXT NOT NULL,
		actual_paid_amount TEXT NOT NULL DEFAULT '0',
		misc_adjusted_amount TEXT NOT NULL DEFAULT '0',
		paid_date DATETIME,
		PRIMARY KEY (plan_id, installment_no),
		FOREIGN KEY(plan_id) REFERENCES plans(id)
	);
	CREATE TABLE IF NOT EXISTS misc_transactions (
		id TEXT PRIMARY KEY,
		customer_id TEXT NOT NULL,
		type TEXT NOT NULL,
		amount TEXT NOT NULL,
		balance TEXT NOT NULL,
		description TEXT NOT NULL,
		reference_type TEXT NOT NULL DEFAULT '',
		reference_id TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		created_by TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_misc_transactions_customer ON misc_transactions(customer_id);
	CREATE TABLE IF NOT EXISTS guarantors (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		name TEXT NOT NULL,
		phone TEXT NOT NULL DEFAULT '',
		address TEXT NOT NULL DEFAULT '',
		id_number TEXT NOT NULL DEFAULT '',
		relationship TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		FOREIGN KEY(plan_id) REFERENCES plans(id)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// CreatePlan inserts a plan and its full repayment schedule in one transaction.
func (s *SQLiteStore) CreatePlan(plan *models.InstallmentPlan) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT INTO plans (id, customer_id, product_id, product_price, finance_amount, down_payment, interest_rate, tenure, start_date,
			financed_amount, emi_amount, total_interest, total_payable,
			paid_installments, remaining_installments, next_due_date, status, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		plan.ID.String(), plan.CustomerID, plan.ProductID, plan.ProductPrice, plan.FinanceAmount, plan.DownPayment,
		plan.InterestRate, plan.Tenure, plan.StartDate,
		plan.FinancedAmount, plan.EMIAmount, plan.TotalInterest, plan.TotalPayable,
		plan.PaidInstallments, plan.RemainingInstallments, plan.NextDueDate, plan.Status,
		plan.CreatedAt, plan.UpdatedAt, plan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	for _, e := range plan.Schedule {
		_, err = tx.Exec(
			`INSERT INTO repayment_entries (plan_id, installment_no, due_date, emi_amount, principal, interest, balance, actual_paid_amount, misc_adjusted_amount, paid_date)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.ID.String(), e.InstallmentNo, e.DueDate, e.EMIAmount, e.Principal, e.Interest, e.Balance,
			e.ActualPaidAmount, e.MiscAdjustedAmount, e.PaidDate,
		)
		if err != nil {
			return fmt.Errorf("failed to create repayment entry %d: %w", e.InstallmentNo, err)
		}
	}

	return tx.Commit()
}

// GetPlan retrieves a plan with its schedule and guarantors.
func (s *SQLiteStore) GetPlan(id uuid.UUID) (*models.InstallmentPlan, error) {
	row := s.db.QueryRow(planSelect+` WHERE id = ?`, id.String())
	plan, err := scanPlan(row)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(
		`SELECT plan_id, installment_no, due_date, emi_amount, principal, interest, balance, actual_paid_amount, misc_adjusted_amount, paid_date
		FROM repayment_entries WHERE plan_id = ? ORDER BY installment_no ASC`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var e models.RepaymentEntry
		var planIDStr string
		var paidDate sql.NullTime
		if err := rows.Scan(&planIDStr, &e.InstallmentNo, &e.DueDate, &e.EMIAmount, &e.Principal, &e.Interest, &e.Balance,
			&e.ActualPaidAmount, &e.MiscAdjustedAmount, &paidDate); err != nil {
			return nil, fmt.Errorf("failed to scan repayment entry: %w", err)
		}
		e.PlanID = uuid.MustParse(planIDStr)
		if paidDate.Valid {
			e.PaidDate = &paidDate.Time
		}
		plan.Schedule = append(plan.Schedule, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during schedule iteration: %w", err)
	}

	grows, err := s.db.Query(
		`SELECT id, plan_id, name, phone, address, id_number, relationship, created_at
		FROM guarantors WHERE plan_id = ? ORDER BY created_at ASC`, id.String())
	if err != nil {
		return nil, fmt.Errorf("failed to get guarantors: %w", err)
	}
	defer grows.Close()

	plan.Guarantors = []*models.Guarantor{}
	for grows.Next() {
		var g models.Guarantor
		var gIDStr, planIDStr string
		if err := grows.Scan(&gIDStr, &planIDStr, &g.Name, &g.Phone, &g.Address, &g.IDNumber, &g.Relationship, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan guarantor: %w", err)
		}
		g.ID = uuid.MustParse(gIDStr)
		g.PlanID = uuid.MustParse(planIDStr)
		plan.Guarantors = append(plan.Guarantors, &g)
	}
	if err := grows.Err(); err != nil {
		return nil, fmt.Errorf("error during guarantor iteration: %w", err)
	}

	return plan, nil
}

const planSelect = `SELECT id, customer_id, product_id, product_price, finance_amount, down_payment, interest_rate, tenure, start_date,
	financed_amount, emi_amount, total_interest, total_payable,
	paid_installments, remaining_installments, next_due_date, status, created_at, updated_at, version
	FROM plans`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPlan(row rowScanner) (*models.InstallmentPlan, error) {
	var plan models.InstallmentPlan
	var idStr string
	var nextDue sql.NullTime
	err := row.Scan(&idStr, &plan.CustomerID, &plan.ProductID, &plan.ProductPrice, &plan.FinanceAmount, &plan.DownPayment,
		&plan.InterestRate, &plan.Tenure, &plan.StartDate,
		&plan.FinancedAmount, &plan.EMIAmount, &plan.TotalInterest, &plan.TotalPayable,
		&plan.PaidInstallments, &plan.RemainingInstallments, &nextDue, &plan.Status,
		&plan.CreatedAt, &plan.UpdatedAt, &plan.Version)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	plan.ID = uuid.MustParse(idStr)
	if nextDue.Valid {
		plan.NextDueDate = &nextDue.Time
	}
	return &plan, nil
}

func (s *SQLiteStore) scanPlans(rows *sql.Rows) ([]*models.InstallmentPlan, error) {
	var plans []*models.InstallmentPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return plans, nil
}

// GetAllPlans retrieves all plans without their schedules, optionally
// filtered by customer.
func (s *SQLiteStore) GetAllPlans(customerID string) ([]*models.InstallmentPlan, error) {
	query := planSelect
	var args []any
	if customerID != "" {
		query += ` WHERE customer_id = ?`
		args = append(args, customerID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get all plans: %w", err)
	}
	defer rows.Close()

	return s.scanPlans(rows)
}

// GetActivePlans retrieves all plans with status 'active', without schedules.
func (s *SQLiteStore) GetActivePlans() ([]*models.InstallmentPlan, error) {
	rows, err := s.db.Query(planSelect + ` WHERE status = 'active'`)
	if err != nil {
		return nil, fmt.Errorf("failed to get active plans: %w", err)
	}
	defer rows.Close()

	return s.scanPlans(rows)
}

// UpdatePlanStatus transitions a plan's status under an optimistic version
// check. A version mismatch on an existing plan returns ErrConflict.
func (s *SQLiteStore) UpdatePlanStatus(id uuid.UUID, status models.PlanStatus, version int64) error {
	result, err := s.db.Exec(
		`UPDATE plans SET status = ?, updated_at = ?, version = version + 1 WHERE id = ? AND version = ?`,
		status, time.Now(), id.String(), version,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return s.versionMiss(id)
	}
	return nil
}

func (s *SQLiteStore) versionMiss(id uuid.UUID) error {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM plans WHERE id = ?`, id.String()).Scan(&exists)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to check plan existence: %w", err)
	}
	return ErrConflict
}

// CommitPayment persists the outcome of a payment as one transaction:
// the entry's paid fields, the plan aggregates (version-checked) and any
// ledger transactions the payment produced. The ledger balance is
// recomputed inside the transaction, so a debit races neither a
// concurrent payment nor a manual ledger write.
func (s *SQLiteStore) CommitPayment(c *PaymentCommit) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.Exec(
		`UPDATE plans SET paid_installments = ?, remaining_installments = ?, next_due_date = ?, status = ?, updated_at = ?, version = version + 1
		WHERE id = ? AND version = ?`,
		c.Plan.PaidInstallments, c.Plan.RemainingInstallments, c.Plan.NextDueDate, c.Plan.Status, c.Plan.UpdatedAt,
		c.Plan.ID.String(), c.Plan.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to update plan aggregates: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return s.versionMiss(c.Plan.ID)
	}

	_, err = tx.Exec(
		`UPDATE repayment_entries SET actual_paid_amount = ?, misc_adjusted_amount = ?, paid_date = ?
		WHERE plan_id = ? AND installment_no = ?`,
		c.Entry.ActualPaidAmount, c.Entry.MiscAdjustedAmount, c.Entry.PaidDate,
		c.Plan.ID.String(), c.Entry.InstallmentNo,
	)
	if err != nil {
		return fmt.Errorf("failed to update repayment entry: %w", err)
	}

	if c.Debit != nil {
		if err := appendMiscTx(tx, c.Debit); err != nil {
			return err
		}
	}
	if c.Credit != nil {
		if err := appendMiscTx(tx, c.Credit); err != nil {
			return err
		}
	}

	return tx.Commit()
}

type rowQuerier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

// sumMiscBalance recomputes a customer's balance from the transaction log.
// Decimals are stored as TEXT, so the sum runs in Go rather than SQL.
func sumMiscBalance(q rowQuerier, customerID string) (decimal.Decimal, error) {
	rows, err := q.Query(`SELECT type, amount FROM misc_transactions WHERE customer_id = ?`, customerID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum misc balance: %w", err)
	}
	defer rows.Close()

	balance := decimal.Zero
	for rows.Next() {
		var t models.MiscTransaction
		if err := rows.Scan(&t.Type, &t.Amount); err != nil {
			return decimal.Zero, fmt.Errorf("failed to scan misc transaction: %w", err)
		}
		balance = balance.Add(t.Signed())
	}
	if err := rows.Err(); err != nil {
		return decimal.Zero, fmt.Errorf("error during misc transaction iteration: %w", err)
	}
	return balance, nil
}

// appendMiscTx computes the running balance from the log inside the
// transaction, rejects debits that would go negative, and inserts the row.
func appendMiscTx(tx *sql.Tx, mt *models.MiscTransaction) error {
	balance, err := sumMiscBalance(tx, mt.CustomerID)
	if err != nil {
		return err
	}
	newBalance := balance.Add(mt.Signed())
	if newBalance.IsNegative() {
		return ErrInsufficientBalance
	}
	mt.Balance = newBalance

	refType, refID := "", ""
	if mt.Reference != nil {
		refType, refID = mt.Reference.Type, mt.Reference.ID
	}
	_, err = tx.Exec(
		`INSERT INTO misc_transactions (id, customer_id, type, amount, balance, description, reference_type, reference_id, created_at, created_by)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		mt.ID.String(), mt.CustomerID, mt.Type, mt.Amount, mt.Balance, mt.Description, refType, refID, mt.CreatedAt, mt.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to append misc transaction: %w", err)
	}
	return nil
}

// AppendMiscTransaction appends a standalone ledger transaction (manual
// credit/debit/adjustment) with the same running-balance discipline as
// payment-driven appends.
func (s *SQLiteStore) AppendMiscTransaction(mt *models.MiscTransaction) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := appendMiscTx(tx, mt); err != nil {
		return err
	}
	return tx.Commit()
}

// MiscTransactionsForCustomer retrieves a customer's ledger history,
// oldest first.
func (s *SQLiteStore) MiscTransactionsForCustomer(customerID string) ([]*models.MiscTransaction, error) {
	rows, err := s.db.Query(
		`SELECT id, customer_id, type, amount, balance, description, reference_type, reference_id, created_at, created_by
		FROM misc_transactions WHERE customer_id = ? ORDER BY created_at ASC, id ASC`, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get misc transactions for %s: %w", customerID, err)
	}
	defer rows.Close()

	return scanMiscTransactions(rows)
}

func scanMiscTransactions(rows *sql.Rows) ([]*models.MiscTransaction, error) {
	var txs []*models.MiscTransaction
	for rows.Next() {
		var t models.MiscTransaction
		var idStr, refType, refID string
		if err := rows.Scan(&idStr, &t.CustomerID, &t.Type, &t.Amount, &t.Balance, &t.Description, &refType, &refID, &t.CreatedAt, &t.CreatedBy); err != nil {
			return nil, fmt.Errorf("failed to scan misc transaction: %w", err)
		}
		t.ID = uuid.MustParse(idStr)
		if refType != "" || refID != "" {
			t.Reference = &models.Reference{Type: refType, ID: refID}
		}
		txs = append(txs, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during misc transaction iteration: %w", err)
	}
	return txs, nil
}

// MiscBalance recomputes a customer's current balance from the transaction log.
func (s *SQLiteStore) MiscBalance(customerID string) (decimal.Decimal, error) {
	return sumMiscBalance(s.db, customerID)
}

// DeleteMiscTransaction removes a ledger transaction (administrative
// correction path) and reports the affected customer so callers can
// re-derive the cached balance.
func (s *SQLiteStore) DeleteMiscTransaction(id uuid.UUID) (string, error) {
	var customerID string
	err := s.db.QueryRow(`SELECT customer_id FROM misc_transactions WHERE id = ?`, id.String()).Scan(&customerID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to find misc transaction: %w", err)
	}

	if _, err := s.db.Exec(`DELETE FROM misc_transactions WHERE id = ?`, id.String()); err != nil {
		return "", fmt.Errorf("failed to delete misc transaction: %w", err)
	}
	return customerID, nil
}

// MiscSummary aggregates the ledger into per-customer rollups.
func (s *SQLiteStore) MiscSummary() ([]*models.CustomerBalance, error) {
	rows, err := s.db.Query(`SELECT customer_id, type, amount FROM misc_transactions ORDER BY customer_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to get misc summary: %w", err)
	}
	defer rows.Close()

	byCustomer := map[string]*models.CustomerBalance{}
	var order []string
	for rows.Next() {
		var t models.MiscTransaction
		if err := rows.Scan(&t.CustomerID, &t.Type, &t.Amount); err != nil {
			return nil, fmt.Errorf("failed to scan misc summary row: %w", err)
		}
		cb, ok := byCustomer[t.CustomerID]
		if !ok {
			cb = &models.CustomerBalance{
				CustomerID:   t.CustomerID,
				TotalCredits: decimal.Zero,
				TotalDebits:  decimal.Zero,
				Balance:      decimal.Zero,
			}
			byCustomer[t.CustomerID] = cb
			order = append(order, t.CustomerID)
		}
		signed := t.Signed()
		if signed.IsNegative() {
			cb.TotalDebits = cb.TotalDebits.Add(signed.Neg())
		} else {
			cb.TotalCredits = cb.TotalCredits.Add(signed)
		}
		cb.Balance = cb.Balance.Add(signed)
		cb.TransactionCount++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during misc summary iteration: %w", err)
	}

	summary := make([]*models.CustomerBalance, 0, len(order))
	for _, id := range order {
		summary = append(summary, byCustomer[id])
	}
	return summary, nil
}

// AddGuarantor attaches a guarantor record to a plan.
func (s *SQLiteStore) AddGuarantor(g *models.Guarantor) error {
	_, err := s.db.Exec(
		`INSERT INTO guarantors (id, plan_id, name, phone, address, id_number, relationship, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID.String(), g.PlanID.String(), g.Name, g.Phone, g.Address, g.IDNumber, g.Relationship, g.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add guarantor: %w", err)
	}
	return nil
}

// UpdateGuarantor updates an existing guarantor record.
func (s *SQLiteStore) UpdateGuarantor(g *models.Guarantor) error {
	result, err := s.db.Exec(
		`UPDATE guarantors SET name = ?, phone = ?, address = ?, id_number = ?, relationship = ? WHERE id = ?`,
		g.Name, g.Phone, g.Address, g.IDNumber, g.Relationship, g.ID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to update guarantor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteGuarantor removes a guarantor record.
func (s *SQLiteStore) DeleteGuarantor(id uuid.UUID) error {
	result, err := s.db.Exec(`DELETE FROM guarantors WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("failed to delete guarantor: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
