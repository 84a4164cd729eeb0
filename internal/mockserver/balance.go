package mockserver

import (
	"context"
	"log"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// BalanceStore holds per-user balances for the mock server.
type BalanceStore interface {
	Balance(ctx context.Context, userID string) (decimal.Decimal, error)
	Adjust(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error)
	Set(ctx context.Context, userID string, balance decimal.Decimal) error
	Close() error
}

type memoryBalances struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
}

// NewMemoryBalances is the in-process store used by tests.
func NewMemoryBalances() BalanceStore {
	return &memoryBalances{balances: make(map[string]decimal.Decimal)}
}

func (m *memoryBalances) Balance(_ context.Context, userID string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balances[userID], nil
}

func (m *memoryBalances) Adjust(_ context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := m.balances[userID].Add(delta)
	m.balances[userID] = next
	return next, nil
}

func (m *memoryBalances) Set(_ context.Context, userID string, balance decimal.Decimal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[userID] = balance
	return nil
}

func (m *memoryBalances) Close() error { return nil }

const REDIS_KEY_BALANCE = "crash:balance:"

type redisBalances struct {
	client *redis.Client
}

// NewRedisBalances connects the standalone mock server binary to Redis.
// Returns nil if Redis is unreachable.
func NewRedisBalances() BalanceStore {
	client := redis.NewClient(&redis.Options{
		Addr:         getEnv("REDIS_URL", "localhost:6379"),
		Password:     getEnv("REDIS_PASSWORD", ""),
		DB:           getEnvAsInt("REDIS_DB", 0),
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		log.Printf("[MOCK] Redis connection failed: %v", err)
		return nil
	}
	log.Println("[MOCK] Redis connected")
	return &redisBalances{client: client}
}

func (r *redisBalances) Balance(ctx context.Context, userID string) (decimal.Decimal, error) {
	val, err := r.client.Get(ctx, REDIS_KEY_BALANCE+userID).Float64()
	if err == redis.Nil {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(val), nil
}

func (r *redisBalances) Adjust(ctx context.Context, userID string, delta decimal.Decimal) (decimal.Decimal, error) {
	next, err := r.client.IncrByFloat(ctx, REDIS_KEY_BALANCE+userID, delta.InexactFloat64()).Result()
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromFloat(next), nil
}

func (r *redisBalances) Set(ctx context.Context, userID string, balance decimal.Decimal) error {
	return r.client.Set(ctx, REDIS_KEY_BALANCE+userID, balance.InexactFloat64(), 0).Err()
}

func (r *redisBalances) Close() error {
	return r.client.Close()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}
