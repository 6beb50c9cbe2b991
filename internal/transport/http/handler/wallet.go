package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"funding-service/internal/models"
	"funding-service/internal/repositories/postgresrepo"
	"funding-service/internal/services"

	"github.com/go-playground/validator"
	"github.com/shopspring/decimal"
)

// SignatureHeader is the webhook signature header Flutterwave sends.
const SignatureHeader = "verif-hash"

type Wallet struct {
	fundingService *services.FundingService
	validate       *validator.Validate
}

func NewWallet(mux *http.ServeMux, fundingService *services.FundingService) *Wallet {
	h := &Wallet{
		fundingService: fundingService,
		validate:       validator.New(),
	}

	mux.HandleFunc("POST /api/v1/fund", h.startFunding)
	mux.HandleFunc("POST /api/v1/webhooks/flutterwave", h.handleWebhook)
	mux.HandleFunc("GET /api/v1/wallets/{customerId}", h.getWallet)
	mux.HandleFunc("GET /api/v1/wallets/{customerId}/transactions", h.listTransactions)

	return h
}

func (h *Wallet) startFunding(w http.ResponseWriter, r *http.Request) {
	var req models.FundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	if err := h.validate.Struct(req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("Validation error: %v", err))
		return
	}

	ctx := r.Context()
	resp, err := h.fundingService.StartFunding(ctx, req.CustomerID, decimal.NewFromFloat(req.Amount))
	if err != nil {
		if errors.Is(err, postgresrepo.ErrInvalidAmount) {
			h.writeError(w, http.StatusBadRequest, "Amount must be positive")
			return
		}
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start funding: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(resp)
}

// webhookPayload mirrors the provider's webhook body. Fields arrive flat or
// nested under data depending on the event type.
type webhookPayload struct {
	TxRef     string   `json:"tx_ref"`
	Reference string   `json:"reference"`
	Status    string   `json:"status"`
	Amount    *float64 `json:"amount"`
	Data      *struct {
		TxRef  string   `json:"tx_ref"`
		Status string   `json:"status"`
		Amount *float64 `json:"amount"`
	} `json:"data"`
}

func (p *webhookPayload) normalize() models.WebhookNotification {
	n := models.WebhookNotification{
		Reference: p.TxRef,
		Status:    p.Status,
	}
	if n.Reference == "" {
		n.Reference = p.Reference
	}
	if p.Amount != nil {
		n.Amount = decimal.NewFromFloat(*p.Amount)
	}
	if p.Data != nil {
		if n.Reference == "" {
			n.Reference = p.Data.TxRef
		}
		if n.Status == "" {
			n.Status = p.Data.Status
		}
		if n.Amount.IsZero() && p.Data.Amount != nil {
			n.Amount = decimal.NewFromFloat(*p.Data.Amount)
		}
	}
	n.Status = strings.ToLower(n.Status)
	return n
}

func (h *Wallet) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var payload webhookPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid JSON format")
		return
	}

	notification := payload.normalize()
	if notification.Reference == "" {
		h.writeError(w, http.StatusBadRequest, "Missing tx_ref")
		return
	}

	ctx := r.Context()
	result, err := h.fundingService.HandleNotification(ctx, notification, r.Header.Get(SignatureHeader))
	if err != nil {
		switch {
		case errors.Is(err, services.ErrAuthenticationFailed):
			h.writeError(w, http.StatusUnauthorized, "Invalid signature")
		case errors.Is(err, postgresrepo.ErrTransactionNotFound):
			h.writeError(w, http.StatusNotFound, "Transaction not found")
		case errors.Is(err, services.ErrVerificationFailed):
			h.writeError(w, http.StatusUnprocessableEntity, "Payment verification failed")
		case errors.Is(err, postgresrepo.ErrInvalidStateTransition):
			h.writeError(w, http.StatusConflict, "Transaction is not in an applicable state")
		default:
			h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to process notification: %v", err))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result)
}

func (h *Wallet) getWallet(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("customerId")

	if err := h.validate.Var(customerID, "required,uuid4"); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid customer ID format")
		return
	}

	ctx := r.Context()
	balanceResponse, err := h.fundingService.GetWalletBalance(ctx, customerID)
	if err != nil {
		if errors.Is(err, postgresrepo.ErrWalletNotFound) {
			h.writeError(w, http.StatusNotFound, "Wallet not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get wallet balance: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(balanceResponse)
}

func (h *Wallet) listTransactions(w http.ResponseWriter, r *http.Request) {
	customerID := r.PathValue("customerId")

	if err := h.validate.Var(customerID, "required,uuid4"); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid customer ID format")
		return
	}

	ctx := r.Context()
	transactions, err := h.fundingService.ListTransactions(ctx, customerID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list transactions: %v", err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(transactions)
}

func (h *Wallet) writeError(w http.ResponseWriter, statusCode int, message string) {
	errorResponse := map[string]interface{}{
		"error":   http.StatusText(statusCode),
		"message": message,
		"code":    statusCode,
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(errorResponse)
}
