package installments

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/tokokita/installment-service/pkg/ledger"
	"github.com/tokokita/installment-service/pkg/models"
	"github.com/tokokita/installment-service/pkg/schedule"
	"github.com/tokokita/installment-service/pkg/store"
)

var (
	// ErrAlreadyPaid is returned when a payment targets an entry with no
	// remaining due. No state changes.
	ErrAlreadyPaid = errors.New("installment already paid")
	// ErrPlanNotActive is returned for payments or cancellations against
	// completed, cancelled or defaulted plans.
	ErrPlanNotActive = errors.New("plan is not active")
	// ErrInvalidPayment marks a malformed payment command rejected before
	// the engine runs.
	ErrInvalidPayment = errors.New("invalid payment")
)

// PaymentRejectedError carries the entry's remaining due and current status
// alongside the rejection cause, so callers can report where the entry
// stands without a second lookup.
type PaymentRejectedError struct {
	Err          error
	RemainingDue decimal.Decimal
	Status       models.EntryStatus
}

func (e *PaymentRejectedError) Error() string { return e.Err.Error() }

func (e *PaymentRejectedError) Unwrap() error { return e.Err }

// Service owns the installment plan lifecycle: preview, creation, payment
// application, cancellation and guarantor records.
type Service struct {
	storage store.Storage
	ledger  *ledger.Ledger
	log     *logrus.Logger
	now     func() time.Time
}

func NewService(s store.Storage, l *ledger.Ledger, log *logrus.Logger) *Service {
	return &Service{storage: s, ledger: l, log: log, now: time.Now}
}

// Preview computes a schedule without persisting anything. It shares the
// calculator with Create, so a previewed schedule and the committed one
// are always identical for identical terms.
func (s *Service) Preview(terms models.PlanTerms) (*models.ScheduleQuote, error) {
	quote, err := schedule.Generate(terms)
	if err != nil {
		return nil, err
	}
	schedule.Resolve(quote.Schedule, s.now())
	return quote, nil
}

// Create persists a new plan together with its full repayment schedule.
func (s *Service) Create(customerID, productID string, terms models.PlanTerms) (*models.InstallmentPlan, error) {
	if customerID == "" {
		return nil, fmt.Errorf("%w: customerId is required", schedule.ErrInvalidTerms)
	}
	if productID == "" {
		return nil, fmt.Errorf("%w: productId is required", schedule.ErrInvalidTerms)
	}

	quote, err := schedule.Generate(terms)
	if err != nil {
		return nil, err
	}

	now := s.now()
	plan := &models.InstallmentPlan{
		ID:         uuid.New(),
		CustomerID: customerID,
		ProductID:  productID,

		ProductPrice:  quote.ProductPrice,
		FinanceAmount: quote.FinanceAmount,
		DownPayment:   quote.DownPayment,
		InterestRate:  quote.InterestRate,
		Tenure:        quote.Tenure,
		StartDate:     terms.StartDate,

		FinancedAmount: quote.FinancedAmount,
		EMIAmount:      quote.EMIAmount,
		TotalInterest:  quote.TotalInterest,
		TotalPayable:   quote.TotalPayable,

		PaidInstallments:      0,
		RemainingInstallments: quote.Tenure,
		Status:                models.PlanStatusActive,

		Schedule:   quote.Schedule,
		Guarantors: []*models.Guarantor{},

		CreatedAt: now,
		UpdatedAt: now,
		Version:   1,
	}
	firstDue := plan.Schedule[0].DueDate
	plan.NextDueDate = &firstDue
	for _, e := range plan.Schedule {
		e.PlanID = plan.ID
	}
	schedule.Resolve(plan.Schedule, now)

	if err := s.storage.CreatePlan(plan); err != nil {
		return nil, fmt.Errorf("failed to store plan: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"plan_id":       plan.ID,
		"customer_id":   customerID,
		"tenure":        plan.Tenure,
		"total_payable": plan.TotalPayable.StringFixed(2),
	}).Info("installment plan created")

	return plan, nil
}

// Get loads a plan and resolves every entry's display status for now.
func (s *Service) Get(id uuid.UUID) (*models.InstallmentPlan, error) {
	plan, err := s.storage.GetPlan(id)
	if err != nil {
		return nil, err
	}
	schedule.Resolve(plan.Schedule, s.now())
	return plan, nil
}

// List returns plans without schedules, optionally filtered by customer.
func (s *Service) List(customerID string) ([]*models.InstallmentPlan, error) {
	return s.storage.GetAllPlans(customerID)
}

// Cancel transitions an active plan to cancelled. The schedule stays
// intact for audit.
func (s *Service) Cancel(id uuid.UUID) error {
	plan, err := s.storage.GetPlan(id)
	if err != nil {
		return err
	}
	if plan.Status != models.PlanStatusActive {
		return fmt.Errorf("%w: status is %s", ErrPlanNotActive, plan.Status)
	}
	if err := s.storage.UpdatePlanStatus(id, models.PlanStatusCancelled, plan.Version); err != nil {
		return err
	}
	s.log.WithField("plan_id", id).Info("installment plan cancelled")
	return nil
}

// Pay applies a payment to one installment. Cash is applied first; when
// useMiscBalance is set and the cash does not cover the remaining due, the
// shortfall is drawn from the customer's misc balance. Cash tendered beyond
// the remaining due is banked back as a misc-balance credit, never dropped.
//
// The entry update, the plan aggregates and any ledger movements commit as
// a single store transaction guarded by the plan's version; a losing racer
// gets store.ErrConflict and can retry against fresh state.
func (s *Service) Pay(planID uuid.UUID, installmentNo int, req models.PaymentRequest) (*models.PaymentResult, error) {
	if req.Amount.IsNegative() {
		return nil, fmt.Errorf("%w: amount cannot be negative", ErrInvalidPayment)
	}
	if req.Amount.IsZero() && !req.UseMiscBalance {
		return nil, fmt.Errorf("%w: zero amount with no balance draw applies nothing", ErrInvalidPayment)
	}

	plan, err := s.storage.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != models.PlanStatusActive {
		return nil, fmt.Errorf("%w: status is %s", ErrPlanNotActive, plan.Status)
	}

	var entry *models.RepaymentEntry
	for _, e := range plan.Schedule {
		if e.InstallmentNo == installmentNo {
			entry = e
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("installment %d: %w", installmentNo, store.ErrNotFound)
	}

	remainingDue := entry.EMIAmount.Sub(entry.TotalApplied())
	if remainingDue.LessThanOrEqual(decimal.Zero) {
		return nil, &PaymentRejectedError{
			Err:          ErrAlreadyPaid,
			RemainingDue: decimal.Zero,
			Status:       schedule.ResolveEntryStatus(entry.TotalApplied(), entry.EMIAmount, entry.DueDate, s.now()),
		}
	}

	cashApplied := decimal.Min(req.Amount, remainingDue)

	miscNeeded := decimal.Zero
	if req.UseMiscBalance && req.Amount.LessThan(remainingDue) {
		// Advisory read; the store re-validates the balance inside the
		// commit transaction.
		balance, err := s.ledger.BalanceOf(plan.CustomerID)
		if err != nil {
			return nil, err
		}
		miscNeeded = decimal.Min(remainingDue.Sub(req.Amount), balance)
	}

	totalApplied := cashApplied.Add(miscNeeded)
	overpayment := req.Amount.Sub(cashApplied)
	if totalApplied.IsZero() && overpayment.IsZero() {
		return nil, &PaymentRejectedError{
			Err:          fmt.Errorf("%w: no funds available to apply", ErrInvalidPayment),
			RemainingDue: remainingDue,
			Status:       schedule.ResolveEntryStatus(entry.TotalApplied(), entry.EMIAmount, entry.DueDate, s.now()),
		}
	}
	remainingForEntry := remainingDue.Sub(totalApplied)

	now := s.now()
	entry.ActualPaidAmount = entry.ActualPaidAmount.Add(cashApplied)
	entry.MiscAdjustedAmount = entry.MiscAdjustedAmount.Add(miscNeeded)
	entry.PaidDate = &now

	ref := &models.Reference{
		Type: "Installment",
		ID:   fmt.Sprintf("%s/%d", planID, installmentNo),
	}
	commit := &store.PaymentCommit{Plan: plan, Entry: entry}
	if miscNeeded.GreaterThan(decimal.Zero) {
		commit.Debit = &models.MiscTransaction{
			ID:          uuid.New(),
			CustomerID:  plan.CustomerID,
			Type:        models.MiscTypeDebit,
			Amount:      miscNeeded,
			Description: fmt.Sprintf("Balance applied to installment %d", installmentNo),
			Reference:   ref,
			CreatedAt:   now,
			CreatedBy:   "payment",
		}
	}
	if overpayment.GreaterThan(decimal.Zero) {
		commit.Credit = &models.MiscTransaction{
			ID:          uuid.New(),
			CustomerID:  plan.CustomerID,
			Type:        models.MiscTypeCredit,
			Amount:      overpayment,
			Description: fmt.Sprintf("Overpayment on installment %d", installmentNo),
			Reference:   ref,
			CreatedAt:   now,
			CreatedBy:   "payment",
		}
	}

	s.recomputeAggregates(plan, now)

	if err := s.storage.CommitPayment(commit); err != nil {
		return nil, err
	}
	if commit.Debit != nil || commit.Credit != nil {
		s.ledger.Invalidate(plan.CustomerID)
	}

	status := schedule.ResolveEntryStatus(entry.TotalApplied(), entry.EMIAmount, entry.DueDate, now)
	message := fmt.Sprintf("Partial payment applied to installment %d", installmentNo)
	if remainingForEntry.LessThanOrEqual(decimal.Zero) {
		message = fmt.Sprintf("Installment %d paid in full", installmentNo)
	}

	s.log.WithFields(logrus.Fields{
		"plan_id":        planID,
		"installment_no": installmentNo,
		"cash_applied":   cashApplied.StringFixed(2),
		"misc_applied":   miscNeeded.StringFixed(2),
		"overpayment":    overpayment.StringFixed(2),
		"method":         req.PaymentMethod,
		"status":         status,
	}).Info("payment applied")

	return &models.PaymentResult{
		Message:           message,
		Overpayment:       overpayment,
		Status:            status,
		ActualPaidAmount:  entry.ActualPaidAmount,
		RemainingForEntry: remainingForEntry,
	}, nil
}

// recomputeAggregates refreshes the plan's payment-driven aggregates from
// its schedule. The completed transition happens here when the last entry
// is settled.
func (s *Service) recomputeAggregates(plan *models.InstallmentPlan, now time.Time) {
	paid := 0
	var nextDue *time.Time
	for _, e := range plan.Schedule {
		if e.TotalApplied().GreaterThanOrEqual(e.EMIAmount) {
			paid++
			continue
		}
		if nextDue == nil {
			d := e.DueDate
			nextDue = &d
		}
	}
	plan.PaidInstallments = paid
	plan.RemainingInstallments = plan.Tenure - paid
	plan.NextDueDate = nextDue
	if paid == plan.Tenure {
		plan.Status = models.PlanStatusCompleted
	}
	plan.UpdatedAt = now
}

// AttachGuarantor adds a guarantor record to an existing plan.
func (s *Service) AttachGuarantor(planID uuid.UUID, g *models.Guarantor) (*models.Guarantor, error) {
	if g.Name == "" {
		return nil, fmt.Errorf("%w: guarantor name is required", schedule.ErrInvalidTerms)
	}
	if _, err := s.storage.GetPlan(planID); err != nil {
		return nil, err
	}
	g.ID = uuid.New()
	g.PlanID = planID
	g.CreatedAt = s.now()
	if err := s.storage.AddGuarantor(g); err != nil {
		return nil, err
	}
	return g, nil
}

// UpdateGuarantor updates an existing guarantor record.
func (s *Service) UpdateGuarantor(id uuid.UUID, g *models.Guarantor) error {
	g.ID = id
	return s.storage.UpdateGuarantor(g)
}

// RemoveGuarantor deletes a guarantor record.
func (s *Service) RemoveGuarantor(id uuid.UUID) error {
	return s.storage.DeleteGuarantor(id)
}
