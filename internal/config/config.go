package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rzbill/courier/pkg/log"
)

// MinPresenceTTLMs bounds how often the push gateway pings idle connections.
const MinPresenceTTLMs = 1000

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Delivery   Delivery   `json:"delivery"`
	Validation Validation `json:"validation"`
	Presence   Presence   `json:"presence"`
	Store      Store      `json:"store"`
	Log        log.Config `json:"log"`
}

// Delivery tunes the worker pool, the router and the retry policy.
type Delivery struct {
	Workers         int    `json:"workers"`
	MaxAttempts     uint32 `json:"maxAttempts"`
	PushTimeoutMs   int64  `json:"pushTimeoutMs"`
	BackoffBaseMs   int64  `json:"backoffBaseMs"`
	BackoffMaxMs    int64  `json:"backoffMaxMs"`
	LeaseMs         int64  `json:"leaseMs"`
	SweepIntervalMs int64  `json:"sweepIntervalMs"`
}

// Validation bounds inbound messages and configures the content policy.
type Validation struct {
	MaxBodyLength  int   `json:"maxBodyLength"`
	MaxClockSkewMs int64 `json:"maxClockSkewMs"`
	// RejectExpr and FlagExpr are CEL boolean expressions. Empty disables.
	RejectExpr string `json:"rejectExpr,omitempty"`
	FlagExpr   string `json:"flagExpr,omitempty"`
}

// Presence selects and tunes the presence backend.
type Presence struct {
	Backend         string `json:"backend"` // memory|redis
	TTLMs           int64  `json:"ttlMs"`
	SweepIntervalMs int64  `json:"sweepIntervalMs"`
	RedisAddr       string `json:"redisAddr,omitempty"`
	RedisPassword   string `json:"redisPassword,omitempty"`
	RedisDB         int    `json:"redisDB,omitempty"`
	RedisPrefix     string `json:"redisPrefix,omitempty"`
}

// Store selects the offline message store.
type Store struct {
	Backend         string `json:"backend"` // pebble|dynamodb
	DynamoTable     string `json:"dynamoTable,omitempty"`
	DynamoRegion    string `json:"dynamoRegion,omitempty"`
	DynamoEndpoint  string `json:"dynamoEndpoint,omitempty"`
	DefaultPageSize int    `json:"defaultPageSize"`
	MaxPageSize     int    `json:"maxPageSize"`
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Delivery: Delivery{
			Workers:         4,
			MaxAttempts:     5,
			PushTimeoutMs:   2000,
			BackoffBaseMs:   1000,
			BackoffMaxMs:    60000,
			LeaseMs:         30000,
			SweepIntervalMs: 1000,
		},
		Validation: Validation{
			MaxBodyLength:  4096,
			MaxClockSkewMs: 5 * 60 * 1000,
		},
		Presence: Presence{
			Backend:         "memory",
			TTLMs:           60000,
			SweepIntervalMs: 10000,
			RedisPrefix:     "presence",
		},
		Store: Store{
			Backend:         "pebble",
			DefaultPageSize: 50,
			MaxPageSize:     500,
		},
		Log: log.Config{Level: "info", Format: "text"},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		return Config{}, errors.New("yaml config not supported; use JSON")
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	switch {
	case c.Delivery.Workers <= 0:
		return errors.New("config: delivery.workers must be > 0")
	case c.Delivery.MaxAttempts == 0:
		return errors.New("config: delivery.maxAttempts must be > 0")
	case c.Delivery.PushTimeoutMs <= 0:
		return errors.New("config: delivery.pushTimeoutMs must be > 0")
	case c.Delivery.BackoffBaseMs <= 0 || c.Delivery.BackoffMaxMs < c.Delivery.BackoffBaseMs:
		return errors.New("config: delivery backoff needs 0 < backoffBaseMs <= backoffMaxMs")
	case c.Delivery.LeaseMs <= 0:
		return errors.New("config: delivery.leaseMs must be > 0")
	case c.Validation.MaxBodyLength <= 0:
		return errors.New("config: validation.maxBodyLength must be > 0")
	case c.Validation.MaxClockSkewMs < 0:
		return errors.New("config: validation.maxClockSkewMs must be >= 0")
	case c.Presence.TTLMs < MinPresenceTTLMs:
		// the gateway pings at 9/10 of the TTL
		return fmt.Errorf("config: presence.ttlMs must be >= %d", MinPresenceTTLMs)
	case c.Store.DefaultPageSize <= 0 || c.Store.MaxPageSize < c.Store.DefaultPageSize:
		return errors.New("config: store page sizes need 0 < defaultPageSize <= maxPageSize")
	}
	switch c.Presence.Backend {
	case "memory":
	case "redis":
		if c.Presence.RedisAddr == "" {
			return errors.New("config: presence.redisAddr is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown presence backend %q", c.Presence.Backend)
	}
	switch c.Store.Backend {
	case "pebble":
	case "dynamodb":
		if c.Store.DynamoTable == "" {
			return errors.New("config: store.dynamoTable is required for the dynamodb backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	return nil
}

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

func (d Delivery) PushTimeout() time.Duration   { return ms(d.PushTimeoutMs) }
func (d Delivery) BackoffBase() time.Duration   { return ms(d.BackoffBaseMs) }
func (d Delivery) BackoffMax() time.Duration    { return ms(d.BackoffMaxMs) }
func (d Delivery) Lease() time.Duration         { return ms(d.LeaseMs) }
func (d Delivery) SweepInterval() time.Duration { return ms(d.SweepIntervalMs) }

func (v Validation) MaxClockSkew() time.Duration { return ms(v.MaxClockSkewMs) }

func (p Presence) TTL() time.Duration           { return ms(p.TTLMs) }
func (p Presence) SweepInterval() time.Duration { return ms(p.SweepIntervalMs) }
