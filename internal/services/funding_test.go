package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"funding-service/internal/config"
	"funding-service/internal/models"
	"funding-service/internal/repositories/postgresrepo"
	"funding-service/internal/repositories/redisrepo"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore backs both the ledger and wallet repositories with in-memory
// state. A single mutex plays the role of the database row lock: it is taken
// by LockTransaction and held until Commit or Rollback.
type fakeStore struct {
	mu      sync.Mutex
	txs     map[string]*models.Transaction
	byRef   map[string]string
	wallets map[string]decimal.Decimal
	refSeq  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		txs:     make(map[string]*models.Transaction),
		byRef:   make(map[string]string),
		wallets: make(map[string]decimal.Decimal),
	}
}

func (s *fakeStore) balance(customerID string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wallets[customerID]
}

func (s *fakeStore) CreateTransaction(_ context.Context, customerID string, amount decimal.Decimal, kind, provider string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if kind == models.KindFund && amount.LessThanOrEqual(decimal.Zero) {
		return nil, postgresrepo.ErrInvalidAmount
	}

	s.refSeq++
	tx := &models.Transaction{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Amount:     amount,
		Kind:       kind,
		Reference:  fmt.Sprintf("WTX%06d", s.refSeq),
		Provider:   provider,
		Status:     models.StatusPending,
		CreatedAt:  time.Now().Add(time.Duration(s.refSeq) * time.Millisecond),
	}
	s.txs[tx.ID] = tx
	s.byRef[tx.Reference] = tx.ID

	cp := *tx
	return &cp, nil
}

func (s *fakeStore) GetByReference(_ context.Context, reference string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byRef[reference]
	if !ok {
		return nil, postgresrepo.ErrTransactionNotFound
	}
	cp := *s.txs[id]
	return &cp, nil
}

func (s *fakeStore) MarkVerified(_ context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txID]
	if !ok {
		return postgresrepo.ErrTransactionNotFound
	}
	if tx.Status != models.StatusPending {
		return postgresrepo.ErrInvalidStateTransition
	}
	tx.Status = models.StatusDone
	return nil
}

func (s *fakeStore) MarkFailed(_ context.Context, txID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.txs[txID]
	if !ok {
		return postgresrepo.ErrTransactionNotFound
	}
	if tx.Status == models.StatusDone {
		return postgresrepo.ErrInvalidStateTransition
	}
	tx.Status = models.StatusFailed
	tx.Note = &reason
	return nil
}

func (s *fakeStore) ListByCustomer(_ context.Context, customerID string) ([]models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []models.Transaction
	for _, tx := range s.txs {
		if tx.CustomerID == customerID {
			out = append(out, *tx)
		}
	}
	// newest first
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].CreatedAt.After(out[i].CreatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out, nil
}

func (s *fakeStore) GetWallet(_ context.Context, customerID string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	balance, ok := s.wallets[customerID]
	if !ok {
		return nil, postgresrepo.ErrWalletNotFound
	}
	return &models.Wallet{CustomerID: customerID, Balance: balance}, nil
}

func (s *fakeStore) GetOrCreateWallet(_ context.Context, customerID string) (*models.Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.wallets[customerID]; !ok {
		s.wallets[customerID] = decimal.Zero
	}
	return &models.Wallet{CustomerID: customerID, Balance: s.wallets[customerID]}, nil
}

func (s *fakeStore) BeginTx(context.Context) (FundingTx, error) {
	return &fakeFundingTx{store: s}, nil
}

func (s *fakeStore) setWalletBalance(customerID string, balance decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wallets[customerID] = balance
}

type fakeFundingTx struct {
	store    *fakeStore
	locked   bool
	finished bool
}

func (t *fakeFundingTx) LockTransaction(_ context.Context, txID string) (*models.Transaction, error) {
	t.store.mu.Lock()
	t.locked = true

	tx, ok := t.store.txs[txID]
	if !ok {
		return nil, postgresrepo.ErrTransactionNotFound
	}
	cp := *tx
	return &cp, nil
}

func (t *fakeFundingTx) MarkApplied(_ context.Context, txID string) error {
	tx, ok := t.store.txs[txID]
	if !ok {
		return postgresrepo.ErrTransactionNotFound
	}
	if tx.Status != models.StatusDone || tx.Applied {
		return postgresrepo.ErrInvalidStateTransition
	}
	tx.Applied = true
	return nil
}

func (t *fakeFundingTx) CreditWallet(_ context.Context, customerID string, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, ok := t.store.wallets[customerID]
	if !ok {
		return decimal.Zero, postgresrepo.ErrWalletNotFound
	}
	newBalance := balance.Add(amount)
	t.store.wallets[customerID] = newBalance
	return newBalance, nil
}

func (t *fakeFundingTx) Commit() error {
	return t.release()
}

func (t *fakeFundingTx) Rollback() error {
	return t.release()
}

func (t *fakeFundingTx) release() error {
	if t.finished {
		return nil
	}
	t.finished = true
	if t.locked {
		t.store.mu.Unlock()
	}
	return nil
}

type fakeVerifier struct {
	mu     sync.Mutex
	result models.VerificationResult
	err    error
	calls  int
}

func (v *fakeVerifier) Verify(context.Context, models.WebhookNotification) (models.VerificationResult, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	return v.result, v.err
}

func (v *fakeVerifier) callCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type fakePublisher struct {
	mu     sync.Mutex
	events []models.FundedEvent
	err    error
}

func (p *fakePublisher) PublishFunded(_ context.Context, event models.FundedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, event)
	return nil
}

func (p *fakePublisher) published() []models.FundedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.FundedEvent(nil), p.events...)
}

// fakeCache always misses so balance reads hit the store.
type fakeCache struct{}

func (fakeCache) GetBalance(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, redisrepo.ErrBalanceNotFound
}

func (fakeCache) SetBalance(context.Context, string, decimal.Decimal) error {
	return nil
}

func newTestService(store *fakeStore, verifier *fakeVerifier, publisher *fakePublisher, secretHash string) *FundingService {
	return NewFundingService(
		store,
		store,
		fakeCache{},
		verifier,
		publisher,
		NewWebhookAuthenticator(secretHash),
		config.ProviderConfig{
			Name:        "flutterwave",
			PaymentLink: "https://sandbox.flutterwave.com/pay/9dowbcfw1iwt",
		},
	)
}

func verifiedResult() models.VerificationResult {
	return models.VerificationResult{Verified: true, Mode: models.VerifyModeAPI}
}

func TestStartFunding_CreatesPendingTransaction(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, &fakeVerifier{result: verifiedResult()}, &fakePublisher{}, "")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(75.50))
	require.NoError(t, err)

	assert.Equal(t, "WTX000001", resp.Reference)
	assert.Equal(t, models.StatusPending, resp.Status)
	assert.Contains(t, resp.PaymentURL, "tx_ref=WTX000001")
	assert.Contains(t, resp.PaymentURL, "amount=75.5")

	// Wallet is created with a zero balance, nothing is credited yet
	wallet, err := store.GetWallet(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, wallet.Balance.IsZero())

	tx, err := store.GetByReference(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, tx.Status)
	assert.False(t, tx.Applied)
}

func TestStartFunding_RejectsNonPositiveAmount(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, &fakeVerifier{}, &fakePublisher{}, "")

	customerID := uuid.New().String()
	_, err := svc.StartFunding(ctx, customerID, decimal.NewFromInt(-5))
	require.ErrorIs(t, err, postgresrepo.ErrInvalidAmount)

	_, err = svc.StartFunding(ctx, customerID, decimal.Zero)
	require.ErrorIs(t, err, postgresrepo.ErrInvalidAmount)

	// No ledger entry was persisted
	transactions, err := svc.ListTransactions(ctx, customerID)
	require.NoError(t, err)
	assert.Empty(t, transactions)
}

func TestHandleNotification_AppliesFundingOnce(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	verifier := &fakeVerifier{result: verifiedResult()}
	publisher := &fakePublisher{}
	svc := newTestService(store, verifier, publisher, "")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(75.50))
	require.NoError(t, err)
	store.setWalletBalance(customerID, decimal.NewFromFloat(100.00))

	notification := models.WebhookNotification{
		Reference: resp.Reference,
		Status:    "successful",
	}

	result, err := svc.HandleNotification(ctx, notification, "")
	require.NoError(t, err)

	assert.True(t, result.Applied)
	assert.False(t, result.Duplicate)
	assert.True(t, result.NewBalance.Equal(decimal.NewFromFloat(175.50)), "new balance: %s", result.NewBalance)
	assert.True(t, store.balance(customerID).Equal(decimal.NewFromFloat(175.50)))

	tx, err := store.GetByReference(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDone, tx.Status)
	assert.True(t, tx.Applied)

	events := publisher.published()
	require.Len(t, events, 1)
	assert.Equal(t, customerID, events[0].CustomerID)
	assert.Equal(t, resp.Reference, events[0].Reference)
	assert.True(t, events[0].NewBalance.Equal(decimal.NewFromFloat(175.50)))
}

func TestHandleNotification_RedeliveryIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	verifier := &fakeVerifier{result: verifiedResult()}
	publisher := &fakePublisher{}
	svc := newTestService(store, verifier, publisher, "")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(75.50))
	require.NoError(t, err)
	store.setWalletBalance(customerID, decimal.NewFromFloat(100.00))

	notification := models.WebhookNotification{Reference: resp.Reference, Status: "successful"}

	_, err = svc.HandleNotification(ctx, notification, "")
	require.NoError(t, err)

	// At-least-once delivery: the provider retries the same notification
	result, err := svc.HandleNotification(ctx, notification, "")
	require.NoError(t, err)

	assert.False(t, result.Applied)
	assert.True(t, result.Duplicate)
	assert.True(t, store.balance(customerID).Equal(decimal.NewFromFloat(175.50)))
	assert.Len(t, publisher.published(), 1)
	assert.Equal(t, 1, verifier.callCount(), "redelivery must not hit the provider again")
}

func TestHandleNotification_RejectsBadSignature(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	verifier := &fakeVerifier{result: verifiedResult()}
	svc := newTestService(store, verifier, &fakePublisher{}, "expected-hash")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(50))
	require.NoError(t, err)
	store.setWalletBalance(customerID, decimal.NewFromFloat(100.00))

	notification := models.WebhookNotification{Reference: resp.Reference, Status: "successful"}

	_, err = svc.HandleNotification(ctx, notification, "wrong-hash")
	require.ErrorIs(t, err, ErrAuthenticationFailed)

	// Nothing was read or written: balance unchanged, no done transition
	assert.True(t, store.balance(customerID).Equal(decimal.NewFromFloat(100.00)))
	tx, err := store.GetByReference(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, tx.Status)
	assert.False(t, tx.Applied)
	assert.Zero(t, verifier.callCount())
}

func TestHandleNotification_AcceptsCorrectSignature(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, &fakeVerifier{result: verifiedResult()}, &fakePublisher{}, "expected-hash")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(50))
	require.NoError(t, err)

	notification := models.WebhookNotification{Reference: resp.Reference, Status: "successful"}

	result, err := svc.HandleNotification(ctx, notification, "expected-hash")
	require.NoError(t, err)
	assert.True(t, result.Applied)
}

func TestHandleNotification_VerificationErrorMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	verifier := &fakeVerifier{err: fmt.Errorf("provider verify call failed: context deadline exceeded")}
	svc := newTestService(store, verifier, &fakePublisher{}, "")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(50))
	require.NoError(t, err)
	store.setWalletBalance(customerID, decimal.NewFromFloat(100.00))

	notification := models.WebhookNotification{Reference: resp.Reference, Status: "successful"}

	_, err = svc.HandleNotification(ctx, notification, "")
	require.ErrorIs(t, err, ErrVerificationFailed)

	tx, err := store.GetByReference(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tx.Status)
	assert.False(t, tx.Applied)
	assert.True(t, store.balance(customerID).Equal(decimal.NewFromFloat(100.00)))
}

func TestHandleNotification_VerifierDeclineMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	verifier := &fakeVerifier{result: models.VerificationResult{Verified: false, Mode: models.VerifyModeAPI}}
	svc := newTestService(store, verifier, &fakePublisher{}, "")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(50))
	require.NoError(t, err)

	notification := models.WebhookNotification{Reference: resp.Reference, Status: "successful"}

	_, err = svc.HandleNotification(ctx, notification, "")
	require.ErrorIs(t, err, ErrVerificationFailed)

	tx, err := store.GetByReference(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tx.Status)
}

func TestHandleNotification_AmountMismatchMarksFailed(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	verifier := &fakeVerifier{result: models.VerificationResult{
		Verified: true,
		Amount:   decimal.NewFromFloat(10.00),
		Mode:     models.VerifyModeAPI,
	}}
	svc := newTestService(store, verifier, &fakePublisher{}, "")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(75.50))
	require.NoError(t, err)
	store.setWalletBalance(customerID, decimal.NewFromFloat(100.00))

	notification := models.WebhookNotification{Reference: resp.Reference, Status: "successful"}

	_, err = svc.HandleNotification(ctx, notification, "")
	require.ErrorIs(t, err, ErrVerificationFailed)

	tx, err := store.GetByReference(ctx, resp.Reference)
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, tx.Status)
	require.NotNil(t, tx.Note)
	assert.Contains(t, *tx.Note, "Amount mismatch")
	assert.True(t, store.balance(customerID).Equal(decimal.NewFromFloat(100.00)))
}

func TestHandleNotification_UnknownReference(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, &fakeVerifier{result: verifiedResult()}, &fakePublisher{}, "")

	notification := models.WebhookNotification{Reference: "WTX999999", Status: "successful"}

	_, err := svc.HandleNotification(ctx, notification, "")
	require.ErrorIs(t, err, postgresrepo.ErrTransactionNotFound)
}

func TestHandleNotification_FailedTransactionStaysFailed(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	verifier := &fakeVerifier{err: fmt.Errorf("boom")}
	svc := newTestService(store, verifier, &fakePublisher{}, "")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(50))
	require.NoError(t, err)

	notification := models.WebhookNotification{Reference: resp.Reference, Status: "successful"}

	_, err = svc.HandleNotification(ctx, notification, "")
	require.ErrorIs(t, err, ErrVerificationFailed)

	// A redelivery for the failed transaction never resurrects it
	verifier.err = nil
	verifier.result = verifiedResult()
	_, err = svc.HandleNotification(ctx, notification, "")
	require.ErrorIs(t, err, ErrVerificationFailed)
	assert.Equal(t, 1, verifier.callCount())
}

func TestApplyFunding_BeforeVerificationIsHardError(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, &fakeVerifier{}, &fakePublisher{}, "")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(50))
	require.NoError(t, err)

	tx, err := store.GetByReference(ctx, resp.Reference)
	require.NoError(t, err)

	_, _, err = svc.ApplyFunding(ctx, tx.ID)
	require.ErrorIs(t, err, postgresrepo.ErrInvalidStateTransition)
	assert.True(t, store.balance(customerID).IsZero())
}

func TestHandleNotification_PublishFailureKeepsCredit(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	publisher := &fakePublisher{err: fmt.Errorf("kafka unavailable")}
	svc := newTestService(store, &fakeVerifier{result: verifiedResult()}, publisher, "")

	customerID := uuid.New().String()
	resp, err := svc.StartFunding(ctx, customerID, decimal.NewFromFloat(25))
	require.NoError(t, err)

	notification := models.WebhookNotification{Reference: resp.Reference, Status: "successful"}

	result, err := svc.HandleNotification(ctx, notification, "")
	require.NoError(t, err)
	assert.True(t, result.Applied)
	assert.True(t, store.balance(customerID).Equal(decimal.NewFromFloat(25)))
}

func TestApplyFunding_ConcurrentWalletsNoLostUpdates(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, &fakeVerifier{result: verifiedResult()}, &fakePublisher{}, "")

	const wallets = 4
	const txsPerWallet = 10

	customers := make([]string, wallets)
	var txIDs []string
	expected := make(map[string]decimal.Decimal)

	for i := range customers {
		customers[i] = uuid.New().String()
		expected[customers[i]] = decimal.Zero
		for j := 0; j < txsPerWallet; j++ {
			amount := decimal.NewFromInt(int64(j + 1))
			resp, err := svc.StartFunding(ctx, customers[i], amount)
			require.NoError(t, err)

			tx, err := store.GetByReference(ctx, resp.Reference)
			require.NoError(t, err)
			require.NoError(t, store.MarkVerified(ctx, tx.ID))

			txIDs = append(txIDs, tx.ID)
			expected[customers[i]] = expected[customers[i]].Add(amount)
		}
	}

	// Every transaction is applied by several goroutines at once, mimicking
	// concurrent duplicate webhook deliveries across wallets.
	var wg sync.WaitGroup
	for _, txID := range txIDs {
		for k := 0; k < 3; k++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _, err := svc.ApplyFunding(ctx, id)
				assert.NoError(t, err)
			}(txID)
		}
	}
	wg.Wait()

	for _, customerID := range customers {
		assert.True(t, store.balance(customerID).Equal(expected[customerID]),
			"wallet %s: got %s, want %s", customerID, store.balance(customerID), expected[customerID])
	}
}

func TestListTransactions_NewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, &fakeVerifier{}, &fakePublisher{}, "")

	customerID := uuid.New().String()
	for i := 1; i <= 3; i++ {
		_, err := svc.StartFunding(ctx, customerID, decimal.NewFromInt(int64(i)))
		require.NoError(t, err)
	}

	transactions, err := svc.ListTransactions(ctx, customerID)
	require.NoError(t, err)
	require.Len(t, transactions, 3)

	assert.Equal(t, "WTX000003", transactions[0].Reference)
	assert.Equal(t, "WTX000002", transactions[1].Reference)
	assert.Equal(t, "WTX000001", transactions[2].Reference)
}

func TestGetWalletBalance_FallsBackToStore(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	svc := newTestService(store, &fakeVerifier{}, &fakePublisher{}, "")

	customerID := uuid.New().String()
	store.setWalletBalance(customerID, decimal.NewFromFloat(42.50))

	resp, err := svc.GetWalletBalance(ctx, customerID)
	require.NoError(t, err)
	assert.True(t, resp.Balance.Equal(decimal.NewFromFloat(42.50)))

	_, err = svc.GetWalletBalance(ctx, uuid.New().String())
	require.ErrorIs(t, err, postgresrepo.ErrWalletNotFound)
}
