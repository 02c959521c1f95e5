package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/tokokita/installment-service/pkg/installments"
	"github.com/tokokita/installment-service/pkg/ledger"
	"github.com/tokokita/installment-service/pkg/models"
	"github.com/tokokita/installment-service/pkg/schedule"
	"github.com/tokokita/installment-service/pkg/store"
)

// Server holds the service instances behind the HTTP surface.
type Server struct {
	plans   *installments.Service
	ledger  *ledger.Ledger
	storage store.Storage
}

func NewServer(s store.Storage, plans *installments.Service, l *ledger.Ledger) *Server {
	return &Server{plans: plans, ledger: l, storage: s}
}

type termsRequest struct {
	ProductPrice  decimal.Decimal  `json:"productPrice"`
	FinanceAmount *decimal.Decimal `json:"financeAmount"`
	DownPayment   decimal.Decimal  `json:"downPayment"`
	InterestRate  decimal.Decimal  `json:"interestRate"`
	Tenure        int              `json:"tenure"`
	StartDate     string           `json:"startDate"`
}

func (r *termsRequest) terms() (models.PlanTerms, error) {
	start, err := parseDate(r.StartDate)
	if err != nil {
		return models.PlanTerms{}, fmt.Errorf("%w: invalid startDate %q", schedule.ErrInvalidTerms, r.StartDate)
	}
	return models.PlanTerms{
		ProductPrice:  r.ProductPrice,
		FinanceAmount: r.FinanceAmount,
		DownPayment:   r.DownPayment,
		InterestRate:  r.InterestRate,
		Tenure:        r.Tenure,
		StartDate:     start,
	}, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func httpStatusFor(err error) int {
	switch {
	case errors.Is(err, schedule.ErrInvalidTerms),
		errors.Is(err, installments.ErrInvalidPayment),
		errors.Is(err, ledger.ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, installments.ErrAlreadyPaid), errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, store.ErrInsufficientBalance), errors.Is(err, installments.ErrPlanNotActive):
		return http.StatusUnprocessableEntity
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatusFor(err), map[string]string{"error": err.Error()})
}

func (s *Server) previewHandler(w http.ResponseWriter, r *http.Request) {
	var req termsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	terms, err := req.terms()
	if err != nil {
		writeError(w, err)
		return
	}
	quote, err := s.plans.Preview(terms)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (s *Server) createPlanHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		termsRequest
		CustomerID string `json:"customerId"`
		ProductID  string `json:"productId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	terms, err := req.terms()
	if err != nil {
		writeError(w, err)
		return
	}
	plan, err := s.plans.Create(req.CustomerID, req.ProductID, terms)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (s *Server) listPlansHandler(w http.ResponseWriter, r *http.Request) {
	plans, err := s.plans.List(r.URL.Query().Get("customerId"))
	if err != nil {
		writeError(w, err)
		return
	}
	if plans == nil {
		plans = []*models.InstallmentPlan{}
	}
	writeJSON(w, http.StatusOK, plans)
}

func (s *Server) getPlanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid plan ID", http.StatusBadRequest)
		return
	}
	plan, err := s.plans.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (s *Server) payHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	planID, err := uuid.Parse(vars["planId"])
	if err != nil {
		http.Error(w, "Invalid plan ID", http.StatusBadRequest)
		return
	}
	installmentNo, err := strconv.Atoi(vars["installmentNo"])
	if err != nil {
		http.Error(w, "Invalid installment number", http.StatusBadRequest)
		return
	}

	var req models.PaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	result, err := s.plans.Pay(planID, installmentNo, req)
	if err != nil {
		var rejected *installments.PaymentRejectedError
		if errors.As(err, &rejected) {
			writeJSON(w, httpStatusFor(err), map[string]any{
				"error":        err.Error(),
				"remainingDue": rejected.RemainingDue,
				"status":       rejected.Status,
			})
			return
		}
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) cancelPlanHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid plan ID", http.StatusBadRequest)
		return
	}
	if err := s.plans.Cancel(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Plan cancelled"})
}

func (s *Server) addGuarantorHandler(w http.ResponseWriter, r *http.Request) {
	planID, err := uuid.Parse(mux.Vars(r)["planId"])
	if err != nil {
		http.Error(w, "Invalid plan ID", http.StatusBadRequest)
		return
	}
	var g models.Guarantor
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	created, err := s.plans.AttachGuarantor(planID, &g)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) updateGuarantorHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid guarantor ID", http.StatusBadRequest)
		return
	}
	var g models.Guarantor
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.plans.UpdateGuarantor(id, &g); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, g)
}

func (s *Server) deleteGuarantorHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid guarantor ID", http.StatusBadRequest)
		return
	}
	if err := s.plans.RemoveGuarantor(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ledgerHistoryHandler(w http.ResponseWriter, r *http.Request) {
	history, err := s.ledger.History(mux.Vars(r)["customerId"])
	if err != nil {
		writeError(w, err)
		return
	}
	if history == nil {
		history = []*models.MiscTransaction{}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) ledgerBalanceHandler(w http.ResponseWriter, r *http.Request) {
	customerID := mux.Vars(r)["customerId"]
	balance, err := s.ledger.CachedBalance(customerID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"customerId": customerID,
		"balance":    balance,
	})
}

func (s *Server) ledgerPostHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CustomerID      string                     `json:"customerId"`
		TransactionType models.MiscTransactionType `json:"transactionType"`
		Amount          decimal.Decimal            `json:"amount"`
		Description     string                     `json:"description"`
		CreatedBy       string                     `json:"createdBy"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.CustomerID == "" {
		http.Error(w, "customerId is required", http.StatusBadRequest)
		return
	}

	var (
		tx  *models.MiscTransaction
		err error
	)
	switch req.TransactionType {
	case models.MiscTypeCredit:
		tx, err = s.ledger.Credit(req.CustomerID, req.Amount, req.Description, nil, req.CreatedBy)
	case models.MiscTypeDebit:
		tx, err = s.ledger.Debit(req.CustomerID, req.Amount, req.Description, nil, req.CreatedBy)
	case models.MiscTypeAdjustment:
		tx, err = s.ledger.Adjust(req.CustomerID, req.Amount, req.Description, nil, req.CreatedBy)
	default:
		http.Error(w, fmt.Sprintf("unknown transaction type %q", req.TransactionType), http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

func (s *Server) ledgerDeleteHandler(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, "Invalid transaction ID", http.StatusBadRequest)
		return
	}
	if err := s.ledger.Remove(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ledgerSummaryHandler(w http.ResponseWriter, r *http.Request) {
	summary, err := s.ledger.Summary()
	if err != nil {
		writeError(w, err)
		return
	}
	if summary == nil {
		summary = []*models.CustomerBalance{}
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	router.HandleFunc("/installments/preview", s.previewHandler).Methods("POST")
	router.HandleFunc("/installments", s.createPlanHandler).Methods("POST")
	router.HandleFunc("/installments", s.listPlansHandler).Methods("GET")
	router.HandleFunc("/installments/{id}", s.getPlanHandler).Methods("GET")
	router.HandleFunc("/installments/{planId}/pay/{installmentNo}", s.payHandler).Methods("PUT")
	router.HandleFunc("/installments/{id}", s.cancelPlanHandler).Methods("DELETE")

	router.HandleFunc("/installments/{planId}/guarantors", s.addGuarantorHandler).Methods("POST")
	router.HandleFunc("/installments/guarantors/{id}", s.updateGuarantorHandler).Methods("PUT")
	router.HandleFunc("/installments/guarantors/{id}", s.deleteGuarantorHandler).Methods("DELETE")

	router.HandleFunc("/miscellaneousregister/customer/{customerId}", s.ledgerHistoryHandler).Methods("GET")
	router.HandleFunc("/miscellaneousregister/customer/{customerId}/balance", s.ledgerBalanceHandler).Methods("GET")
	router.HandleFunc("/miscellaneousregister", s.ledgerPostHandler).Methods("POST")
	router.HandleFunc("/miscellaneousregister/summary", s.ledgerSummaryHandler).Methods("GET")
	router.HandleFunc("/miscellaneousregister/{id}", s.ledgerDeleteHandler).Methods("DELETE")

	router.HandleFunc("/healthz", s.healthHandler).Methods("GET")

	return router
}
