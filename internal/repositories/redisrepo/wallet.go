package redisrepo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
)

const (
	expiration = 5 * time.Minute
)

var (
	ErrBalanceNotFound = errors.New("balance not found in cache")
)

type WalletRepository struct {
	client *redis.Client
	prefix string
}

func NewWalletRepository(client *redis.Client) *WalletRepository {
	return &WalletRepository{
		client: client,
		prefix: "wallet:",
	}
}

func (r *WalletRepository) SetBalance(ctx context.Context, customerID string, balance decimal.Decimal) error {
	key := r.getBalanceKey(customerID)

	err := r.client.Set(ctx, key, balance.String(), expiration).Err()
	if err != nil {
		return fmt.Errorf("failed to set balance in redis: %w", err)
	}

	return nil
}

func (r *WalletRepository) GetBalance(ctx context.Context, customerID string) (decimal.Decimal, error) {
	key := r.getBalanceKey(customerID)

	balanceStr, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return decimal.Zero, ErrBalanceNotFound
		}
		return decimal.Zero, fmt.Errorf("failed to get balance from redis: %w", err)
	}

	balance, err := decimal.NewFromString(balanceStr)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to parse cached balance: %w", err)
	}

	return balance, nil
}

func (r *WalletRepository) getBalanceKey(customerID string) string {
	return r.prefix + customerID + ":balance"
}
