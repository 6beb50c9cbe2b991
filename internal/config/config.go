package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Server   ServerConfig
	Postgres PostgresConfig
	Kafka    KafkaConfig
	Redis    RedisConfig
	Provider ProviderConfig
}

type ServerConfig struct {
	Port string
}

type PostgresConfig struct {
	URL string
}

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// ProviderConfig carries the payment provider credentials. It is passed
// explicitly into the gateway client and webhook authenticator constructors;
// nothing in the core reads these from the environment at call time.
// An empty SecretKey or WebhookHash selects the sandbox trust tier.
type ProviderConfig struct {
	Name          string
	BaseURL       string
	SecretKey     string
	WebhookHash   string
	PaymentLink   string
	VerifyTimeout time.Duration
}

func New() *Config {
	return &Config{
		Server: ServerConfig{
			Port: os.Getenv("SERVER_PORT"),
		},
		Postgres: PostgresConfig{
			URL: os.Getenv("POSTGRES_URL"),
		},
		Kafka: KafkaConfig{
			Brokers: strings.Split((os.Getenv("KAFKA_BROKERS")), ","),
			Topic:   os.Getenv("KAFKA_TOPIC"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB: func(db string) int {
				redisDB, _ := strconv.Atoi(db)
				return redisDB
			}(os.Getenv("REDIS_DB")),
			PoolSize: func(ps string) int {
				redisPoolSize, _ := strconv.Atoi(ps)
				return redisPoolSize
			}(os.Getenv("REDIS_POOL_SIZE")),
		},
		Provider: ProviderConfig{
			Name:        os.Getenv("PROVIDER_NAME"),
			BaseURL:     os.Getenv("PROVIDER_BASE_URL"),
			SecretKey:   os.Getenv("PROVIDER_SECRET_KEY"),
			WebhookHash: os.Getenv("PROVIDER_WEBHOOK_HASH"),
			PaymentLink: os.Getenv("PROVIDER_PAYMENT_LINK"),
			VerifyTimeout: func(vt string) time.Duration {
				seconds, _ := strconv.Atoi(vt)
				if seconds <= 0 {
					seconds = 10
				}
				return time.Duration(seconds) * time.Second
			}(os.Getenv("PROVIDER_VERIFY_TIMEOUT")),
		},
	}
}
