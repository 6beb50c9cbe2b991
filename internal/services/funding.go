package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"funding-service/internal/config"
	"funding-service/internal/models"
	"funding-service/internal/repositories/postgresrepo"
	"funding-service/internal/repositories/redisrepo"

	"github.com/shopspring/decimal"
)

var (
	ErrAuthenticationFailed = errors.New("webhook authentication failed")
	ErrVerificationFailed   = errors.New("provider verification failed")
)

// LedgerRepository is the durable record of funding attempts.
type LedgerRepository interface {
	CreateTransaction(ctx context.Context, customerID string, amount decimal.Decimal, kind, provider string) (*models.Transaction, error)
	GetByReference(ctx context.Context, reference string) (*models.Transaction, error)
	MarkVerified(ctx context.Context, txID string) error
	MarkFailed(ctx context.Context, txID, reason string) error
	ListByCustomer(ctx context.Context, customerID string) ([]models.Transaction, error)
}

// WalletRepository holds per-customer balances.
type WalletRepository interface {
	GetWallet(ctx context.Context, customerID string) (*models.Wallet, error)
	GetOrCreateWallet(ctx context.Context, customerID string) (*models.Wallet, error)
	BeginTx(ctx context.Context) (FundingTx, error)
}

// FundingTx is a single transactional boundary spanning the applied-flag flip
// and the balance credit.
type FundingTx interface {
	LockTransaction(ctx context.Context, txID string) (*models.Transaction, error)
	MarkApplied(ctx context.Context, txID string) error
	CreditWallet(ctx context.Context, customerID string, amount decimal.Decimal) (decimal.Decimal, error)
	Commit() error
	Rollback() error
}

// BalanceCache is the read-side balance cache.
type BalanceCache interface {
	GetBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
	SetBalance(ctx context.Context, customerID string, balance decimal.Decimal) error
}

// Verifier is the second-channel provider confirmation.
type Verifier interface {
	Verify(ctx context.Context, n models.WebhookNotification) (models.VerificationResult, error)
}

// FundedPublisher informs notification collaborators about committed fundings.
type FundedPublisher interface {
	PublishFunded(ctx context.Context, event models.FundedEvent) error
}

type FundingService struct {
	ledgerRepo    LedgerRepository
	walletRepo    WalletRepository
	cacheRepo     BalanceCache
	verifier      Verifier
	publisher     FundedPublisher
	authenticator *WebhookAuthenticator
	providerCfg   config.ProviderConfig
}

func NewFundingService(
	ledgerRepo LedgerRepository,
	walletRepo WalletRepository,
	cacheRepo BalanceCache,
	verifier Verifier,
	publisher FundedPublisher,
	authenticator *WebhookAuthenticator,
	providerCfg config.ProviderConfig,
) *FundingService {
	return &FundingService{
		ledgerRepo:    ledgerRepo,
		walletRepo:    walletRepo,
		cacheRepo:     cacheRepo,
		verifier:      verifier,
		publisher:     publisher,
		authenticator: authenticator,
		providerCfg:   providerCfg,
	}
}

// StartFunding records a pending funding attempt and returns the reference the
// provider will echo back, plus the payment link the customer is redirected to.
func (s *FundingService) StartFunding(ctx context.Context, customerID string, amount decimal.Decimal) (*models.FundResponse, error) {
	if _, err := s.walletRepo.GetOrCreateWallet(ctx, customerID); err != nil {
		return nil, fmt.Errorf("failed to prepare wallet: %w", err)
	}

	tx, err := s.ledgerRepo.CreateTransaction(ctx, customerID, amount, models.KindFund, s.providerCfg.Name)
	if err != nil {
		return nil, err
	}

	return &models.FundResponse{
		Reference:  tx.Reference,
		Status:     tx.Status,
		PaymentURL: s.paymentURL(tx.Reference, amount),
		Message:    models.MessageFundingInitiated,
	}, nil
}

// HandleNotification runs the full webhook pipeline: authenticate, correlate,
// verify, transition the ledger and apply the balance effect exactly once.
// Redelivered notifications for an already applied transaction return success
// with Duplicate set; they are not errors.
func (s *FundingService) HandleNotification(ctx context.Context, n models.WebhookNotification, signature string) (*models.NotificationResult, error) {
	if !s.authenticator.Authenticate(signature) {
		return nil, ErrAuthenticationFailed
	}

	tx, err := s.ledgerRepo.GetByReference(ctx, n.Reference)
	if err != nil {
		return nil, err
	}

	// Short-circuit redeliveries before touching the provider again.
	if tx.Applied {
		log.Printf("Notification for %s is a duplicate, funding already applied", tx.Reference)
		return s.duplicateResult(ctx, tx)
	}
	if tx.Status == models.StatusFailed {
		return nil, fmt.Errorf("%w: transaction %s already failed", ErrVerificationFailed, tx.Reference)
	}

	if tx.Status == models.StatusPending {
		result, err := s.verifier.Verify(ctx, n)
		if err != nil {
			// Transport errors are converted to a verification failure, never
			// propagated raw and never treated as success.
			log.Printf("Provider verification error for %s: %v", tx.Reference, err)
			if markErr := s.ledgerRepo.MarkFailed(ctx, tx.ID, "Verification failed"); markErr != nil {
				log.Printf("Failed to mark transaction %s failed: %v", tx.ID, markErr)
			}
			return nil, ErrVerificationFailed
		}
		if !result.Verified {
			if markErr := s.ledgerRepo.MarkFailed(ctx, tx.ID, "Verification failed"); markErr != nil {
				log.Printf("Failed to mark transaction %s failed: %v", tx.ID, markErr)
			}
			return nil, ErrVerificationFailed
		}
		if !result.Amount.IsZero() && !result.Amount.Equal(tx.Amount) {
			if markErr := s.ledgerRepo.MarkFailed(ctx, tx.ID,
				fmt.Sprintf("Amount mismatch: ledger %s, provider %s", tx.Amount, result.Amount)); markErr != nil {
				log.Printf("Failed to mark transaction %s failed: %v", tx.ID, markErr)
			}
			return nil, fmt.Errorf("%w: amount mismatch for %s", ErrVerificationFailed, tx.Reference)
		}

		log.Printf("Transaction %s verified via %s mode", tx.Reference, result.Mode)

		if err := s.ledgerRepo.MarkVerified(ctx, tx.ID); err != nil {
			// A concurrent delivery may have won the transition; the row lock
			// in ApplyFunding resolves who applies.
			if !errors.Is(err, postgresrepo.ErrInvalidStateTransition) {
				return nil, fmt.Errorf("failed to mark transaction verified: %w", err)
			}
		}
	}

	newBalance, applied, err := s.ApplyFunding(ctx, tx.ID)
	if err != nil {
		return nil, err
	}

	if applied {
		s.publishFunded(ctx, tx, newBalance)
		s.refreshCache(tx.CustomerID, newBalance)
	}

	return &models.NotificationResult{
		Reference:  tx.Reference,
		Applied:    applied,
		Duplicate:  !applied,
		NewBalance: newBalance,
	}, nil
}

// ApplyFunding commits the balance effect of a verified transaction exactly
// once. The row lock serializes concurrent deliveries of the same reference;
// the SQL increment serializes distinct transactions on the same wallet.
// Returns the wallet balance after the call and whether this call applied it.
func (s *FundingService) ApplyFunding(ctx context.Context, txID string) (decimal.Decimal, bool, error) {
	fundingTx, err := s.walletRepo.BeginTx(ctx)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to begin transaction: %w", err)
	}

	tx, err := fundingTx.LockTransaction(ctx, txID)
	if err != nil {
		if rollbackErr := fundingTx.Rollback(); rollbackErr != nil {
			return decimal.Zero, false, fmt.Errorf("lock error: %w, rollback error: %v", err, rollbackErr)
		}
		return decimal.Zero, false, err
	}

	if tx.Status == models.StatusPending {
		// Applying before verification is an out-of-order call, not a
		// redelivery.
		if rollbackErr := fundingTx.Rollback(); rollbackErr != nil {
			log.Printf("Rollback failed for transaction %s: %v", txID, rollbackErr)
		}
		return decimal.Zero, false, postgresrepo.ErrInvalidStateTransition
	}

	if tx.Applied || tx.Status != models.StatusDone {
		// Idempotent no-op: the effect has already been committed or the
		// transaction is terminally failed.
		log.Printf("Skipping apply for transaction %s: status=%s applied=%t", tx.Reference, tx.Status, tx.Applied)
		if rollbackErr := fundingTx.Rollback(); rollbackErr != nil {
			log.Printf("Rollback failed for transaction %s: %v", txID, rollbackErr)
		}
		wallet, err := s.walletRepo.GetWallet(ctx, tx.CustomerID)
		if err != nil {
			return decimal.Zero, false, err
		}
		return wallet.Balance, false, nil
	}

	newBalance, err := fundingTx.CreditWallet(ctx, tx.CustomerID, tx.Amount)
	if err != nil {
		if rollbackErr := fundingTx.Rollback(); rollbackErr != nil {
			return decimal.Zero, false, fmt.Errorf("credit error: %w, rollback error: %v", err, rollbackErr)
		}
		return decimal.Zero, false, fmt.Errorf("failed to credit wallet: %w", err)
	}

	if err := fundingTx.MarkApplied(ctx, tx.ID); err != nil {
		if rollbackErr := fundingTx.Rollback(); rollbackErr != nil {
			return decimal.Zero, false, fmt.Errorf("mark applied error: %w, rollback error: %v", err, rollbackErr)
		}
		return decimal.Zero, false, fmt.Errorf("failed to mark transaction applied: %w", err)
	}

	if err := fundingTx.Commit(); err != nil {
		return decimal.Zero, false, fmt.Errorf("failed to commit funding: %w", err)
	}

	log.Printf("Funding applied: reference=%s customer=%s amount=%s balance=%s",
		tx.Reference, tx.CustomerID, tx.Amount, newBalance)

	return newBalance, true, nil
}

// GetWalletBalance returns the customer's balance, serving from the cache
// when possible.
func (s *FundingService) GetWalletBalance(ctx context.Context, customerID string) (*models.WalletBalanceResponse, error) {
	balance, err := s.cacheRepo.GetBalance(ctx, customerID)
	if err == nil {
		return &models.WalletBalanceResponse{
			CustomerID: customerID,
			Balance:    balance,
		}, nil
	}

	// If the cache error is not "balance not found", log it but continue to PostgreSQL
	if !errors.Is(err, redisrepo.ErrBalanceNotFound) {
		log.Printf("Redis cache error (non-critical): %v", err)
	}

	wallet, err := s.walletRepo.GetWallet(ctx, customerID)
	if err != nil {
		return nil, err
	}

	s.refreshCache(customerID, wallet.Balance)

	return &models.WalletBalanceResponse{
		CustomerID: customerID,
		Balance:    wallet.Balance,
	}, nil
}

// ListTransactions returns the customer's funding history, newest first.
func (s *FundingService) ListTransactions(ctx context.Context, customerID string) ([]models.TransactionResponse, error) {
	transactions, err := s.ledgerRepo.ListByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	responses := make([]models.TransactionResponse, 0, len(transactions))
	for _, tx := range transactions {
		responses = append(responses, models.TransactionResponse{
			ID:        tx.ID,
			Reference: tx.Reference,
			Amount:    tx.Amount,
			Kind:      tx.Kind,
			Provider:  tx.Provider,
			Status:    tx.Status,
			Applied:   tx.Applied,
			CreatedAt: tx.CreatedAt,
		})
	}

	return responses, nil
}

func (s *FundingService) duplicateResult(ctx context.Context, tx *models.Transaction) (*models.NotificationResult, error) {
	wallet, err := s.walletRepo.GetWallet(ctx, tx.CustomerID)
	if err != nil {
		return nil, err
	}
	return &models.NotificationResult{
		Reference:  tx.Reference,
		Applied:    false,
		Duplicate:  true,
		NewBalance: wallet.Balance,
	}, nil
}

// publishFunded tells the notification collaborator about the committed
// credit. The credit stays committed even when publishing fails.
func (s *FundingService) publishFunded(ctx context.Context, tx *models.Transaction, newBalance decimal.Decimal) {
	event := models.FundedEvent{
		CustomerID: tx.CustomerID,
		Reference:  tx.Reference,
		Amount:     tx.Amount,
		NewBalance: newBalance,
	}
	if err := s.publisher.PublishFunded(ctx, event); err != nil {
		log.Printf("Failed to publish funded event for %s: %v", tx.Reference, err)
	}
}

// refreshCache updates the balance cache asynchronously with fresh data.
func (s *FundingService) refreshCache(customerID string, balance decimal.Decimal) {
	go func() {
		cacheCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.cacheRepo.SetBalance(cacheCtx, customerID, balance); err != nil {
			log.Printf("Failed to update redis cache for customer %s: %v", customerID, err)
		}
	}()
}

func (s *FundingService) paymentURL(reference string, amount decimal.Decimal) string {
	link := s.providerCfg.PaymentLink
	if link == "" {
		return ""
	}

	params := url.Values{}
	params.Set("tx_ref", reference)
	params.Set("amount", amount.String())

	if strings.Contains(link, "?") {
		return link + "&" + params.Encode()
	}
	return link + "?" + params.Encode()
}
