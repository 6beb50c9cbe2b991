package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type FundRequest struct {
	CustomerID string  `json:"customerId" validate:"required,uuid4"`
	Amount     float64 `json:"amount" validate:"required,gt=0"`
}

type FundResponse struct {
	Reference  string `json:"reference"`
	Status     string `json:"status"`
	PaymentURL string `json:"paymentUrl,omitempty"`
	Message    string `json:"message"`
}

type WalletBalanceResponse struct {
	CustomerID string          `json:"customerId"`
	Balance    decimal.Decimal `json:"balance"`
}

type TransactionResponse struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Amount    decimal.Decimal `json:"amount"`
	Kind      string          `json:"kind"`
	Provider  string          `json:"provider"`
	Status    string          `json:"status"`
	Applied   bool            `json:"applied"`
	CreatedAt time.Time       `json:"createdAt"`
}

// WebhookNotification is the normalized payload of a provider webhook.
// Providers deliver these at-least-once; Reference is the only field the
// pipeline trusts before verification.
type WebhookNotification struct {
	Reference string
	Status    string
	Amount    decimal.Decimal
}

// VerificationResult is the outcome of the second-channel provider check.
type VerificationResult struct {
	Verified bool
	Amount   decimal.Decimal
	Mode     string // VerifyModeAPI or VerifyModeSandbox
}

// NotificationResult is returned to the webhook handler after processing.
type NotificationResult struct {
	Reference  string          `json:"reference"`
	Applied    bool            `json:"applied"`
	Duplicate  bool            `json:"duplicate"`
	NewBalance decimal.Decimal `json:"newBalance"`
}

// Database models
type Wallet struct {
	CustomerID string          `db:"customer_id"`
	Balance    decimal.Decimal `db:"balance"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

type Transaction struct {
	ID         string          `db:"id"`
	CustomerID string          `db:"customer_id"`
	Amount     decimal.Decimal `db:"amount"`
	Kind       string          `db:"kind"`
	Reference  string          `db:"reference"`
	Provider   string          `db:"provider"`
	Status     string          `db:"status"`
	Applied    bool            `db:"applied"`
	Note       *string         `db:"note"`
	CreatedAt  time.Time       `db:"created_at"`
}

// FundedEvent is published to Kafka once a funding has been committed.
type FundedEvent struct {
	CustomerID string          `json:"customer_id"`
	Reference  string          `json:"reference"`
	Amount     decimal.Decimal `json:"amount"`
	NewBalance decimal.Decimal `json:"new_balance"`
}

// Status constants
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusFailed  = "failed"
)

// Transaction kind constants
const (
	KindFund  = "fund"
	KindSpend = "spend"
)

// Verification mode constants
const (
	VerifyModeAPI     = "api"
	VerifyModeSandbox = "sandbox"
)

// Message constants
const (
	MessageFundingInitiated = "Funding initiated, complete payment with the provider"
)
