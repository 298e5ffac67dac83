// Package config assembles a ready-to-use policy engine, store, breaker,
// and concurrency registry from environment variables and a JSON policy
// file, in the style of tbourn-chatbot/internal/config: getenv/getint/
// getdur/getbool helpers over os.LookupEnv, defaults applied first,
// validated last.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rivermint/policygate/breaker"
	"github.com/rivermint/policygate/concurrency"
	"github.com/rivermint/policygate/counter"
	"github.com/rivermint/policygate/counter/memstore"
	"github.com/rivermint/policygate/counter/redisstore"
	"github.com/rivermint/policygate/eventbus"
	"github.com/rivermint/policygate/policy"
)

// StoreKind selects which counter.Store backend to assemble.
type StoreKind string

const (
	StoreMemory StoreKind = "memory"
	StoreRedis  StoreKind = "redis"
)

// Config holds every environment-derived setting needed to assemble the
// runtime components.
type Config struct {
	// Store
	StoreKind  StoreKind // POLICYGATE_STORE: memory|redis
	RedisAddr  string    // POLICYGATE_REDIS_ADDR
	StorePrefix string   // POLICYGATE_STORE_PREFIX

	// Breaker
	BreakerThreshold int           // POLICYGATE_BREAKER_THRESHOLD
	BreakerTimeout   time.Duration // POLICYGATE_BREAKER_TIMEOUT
	BreakerFailOpen  bool          // POLICYGATE_BREAKER_FAIL_OPEN

	// Policy
	PolicyFile string // POLICYGATE_POLICY_FILE, JSON-encoded policy.PolicyConfig

	// Proxy trust
	TrustProxy        bool // POLICYGATE_TRUST_PROXY
	TrustedProxyCount int  // POLICYGATE_TRUSTED_PROXY_COUNT
}

// Runtime bundles the assembled components ready to hand to a middleware
// Admission.
type Runtime struct {
	Store               counter.Store
	ConcurrencyRegistry *concurrency.Registry
	Resolver            *policy.Resolver
	Engine              *policy.Engine
	Bus                 *eventbus.Bus
}

// Load reads configuration from environment variables, applies defaults,
// and validates the result.
func Load() (Config, error) {
	cfg := Config{
		StoreKind:         StoreKind(strings.ToLower(getenv("POLICYGATE_STORE", "memory"))),
		RedisAddr:         getenv("POLICYGATE_REDIS_ADDR", "localhost:6379"),
		StorePrefix:       getenv("POLICYGATE_STORE_PREFIX", counter.DefaultPrefix),
		BreakerThreshold:  getint("POLICYGATE_BREAKER_THRESHOLD", 5),
		BreakerTimeout:    getdur("POLICYGATE_BREAKER_TIMEOUT", 30*time.Second),
		BreakerFailOpen:   getbool("POLICYGATE_BREAKER_FAIL_OPEN", true),
		PolicyFile:        getenv("POLICYGATE_POLICY_FILE", ""),
		TrustProxy:        getbool("POLICYGATE_TRUST_PROXY", false),
		TrustedProxyCount: getint("POLICYGATE_TRUSTED_PROXY_COUNT", 0),
	}

	switch cfg.StoreKind {
	case StoreMemory, StoreRedis:
	default:
		return cfg, fmt.Errorf("%w: POLICYGATE_STORE must be one of: memory, redis", counter.ErrConfigInvalid)
	}
	if cfg.BreakerThreshold <= 0 {
		return cfg, fmt.Errorf("%w: POLICYGATE_BREAKER_THRESHOLD must be > 0", counter.ErrConfigInvalid)
	}
	if cfg.BreakerTimeout <= 0 {
		return cfg, fmt.Errorf("%w: POLICYGATE_BREAKER_TIMEOUT must be > 0", counter.ErrConfigInvalid)
	}
	if cfg.PolicyFile == "" {
		return cfg, errors.New("POLICYGATE_POLICY_FILE must be set")
	}

	return cfg, nil
}

// Build assembles a Runtime from cfg: a counter store (wrapped in a
// circuit breaker), a concurrency registry, a policy resolver loaded
// from cfg.PolicyFile, and a policy engine wired to a fresh event bus.
func Build(ctx context.Context, cfg Config) (*Runtime, error) {
	var store counter.Store
	switch cfg.StoreKind {
	case StoreRedis:
		client := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{cfg.RedisAddr}})
		s, err := redisstore.New(client, redisstore.WithPrefix(cfg.StorePrefix))
		if err != nil {
			return nil, err
		}
		store = s
	default:
		s, err := memstore.New(ctx, memstore.WithPrefix(cfg.StorePrefix))
		if err != nil {
			return nil, err
		}
		store = s
	}

	onErr := breaker.FailClosed
	if cfg.BreakerFailOpen {
		onErr = breaker.FailOpen
	}
	wrapped := breaker.New(store, breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Timeout:   cfg.BreakerTimeout,
		OnError:   onErr,
	})

	policyCfg, err := loadPolicyConfig(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	resolver, err := policy.NewResolver(policyCfg)
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	engine := policy.NewEngine(wrapped, resolver, policy.WithEventBus(bus))

	return &Runtime{
		Store:               wrapped,
		ConcurrencyRegistry: concurrency.NewRegistry(),
		Resolver:            resolver,
		Engine:              engine,
		Bus:                 bus,
	}, nil
}

func loadPolicyConfig(path string) (policy.PolicyConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading policy file: %v", counter.ErrConfigInvalid, err)
	}
	var cfg policy.PolicyConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing policy file: %v", counter.ErrConfigInvalid, err)
	}
	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
