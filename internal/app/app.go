package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"funding-service/internal/broker"
	"funding-service/internal/cache"
	"funding-service/internal/config"
	"funding-service/internal/database"
	"funding-service/internal/provider"
	"funding-service/internal/repositories/kafkarepo"
	"funding-service/internal/repositories/postgresrepo"
	"funding-service/internal/repositories/redisrepo"
	"funding-service/internal/services"
	"funding-service/internal/transport/http/handler"
)

type App struct {
	cfg        *config.Config
	httpServer *http.Server
}

// walletStore adapts the concrete Postgres repository to the service's
// transactional interface.
type walletStore struct {
	*postgresrepo.WalletRepository
}

func (w walletStore) BeginTx(ctx context.Context) (services.FundingTx, error) {
	return w.WalletRepository.BeginTx(ctx)
}

func New() (*App, error) {
	a := new(App)

	// Initialize config
	a.cfg = config.New()

	// Connect to database
	db, err := database.NewPostgres(a.cfg.Postgres.URL)
	if err != nil {
		return nil, fmt.Errorf("database connection error: %w", err)
	}

	// Connect to cache
	redis, err := cache.NewRedis(a.cfg.Redis)
	if err != nil {
		return nil, fmt.Errorf("cache connection error: %w", err)
	}

	// Connect to broker
	kafka, err := broker.NewKafkaWriter(a.cfg.Kafka)
	if err != nil {
		return nil, fmt.Errorf("broker connection error: %w", err)
	}

	// Initialize repositories
	ledgerRepo := postgresrepo.NewLedgerRepository(db)
	walletRepo := postgresrepo.NewWalletRepository(db)
	redisRepo := redisrepo.NewWalletRepository(redis)
	kafkaRepo := kafkarepo.NewFundingEventRepository(kafka)

	// Initialize provider gateway and webhook authenticator with explicit
	// configuration, never ambient lookups
	gateway := provider.NewClient(a.cfg.Provider)
	authenticator := services.NewWebhookAuthenticator(a.cfg.Provider.WebhookHash)

	// Initialize services
	fundingService := services.NewFundingService(
		ledgerRepo,
		walletStore{walletRepo},
		redisRepo,
		gateway,
		kafkaRepo,
		authenticator,
		a.cfg.Provider,
	)

	// Initialize mux and handlers
	mux := http.NewServeMux()

	handler.NewWallet(mux, fundingService)

	// Initialize http server
	a.httpServer = &http.Server{
		Addr:         a.cfg.Server.Port,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	return a, nil
}

func (a *App) Run() error {
	fmt.Printf("Starting HTTP server on port %s\n", a.cfg.Server.Port)
	if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server error: %w", err)
	}

	return nil
}
