package config

import (
	"os"
	"strconv"
	"strings"
)

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envInt64(name string, dst *int64) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

// FromEnv overlays COURIER_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	envInt("COURIER_DELIVERY_WORKERS", &cfg.Delivery.Workers)
	if v := os.Getenv("COURIER_DELIVERY_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			cfg.Delivery.MaxAttempts = uint32(n)
		}
	}
	envInt64("COURIER_DELIVERY_PUSH_TIMEOUT_MS", &cfg.Delivery.PushTimeoutMs)
	envInt64("COURIER_DELIVERY_BACKOFF_BASE_MS", &cfg.Delivery.BackoffBaseMs)
	envInt64("COURIER_DELIVERY_BACKOFF_MAX_MS", &cfg.Delivery.BackoffMaxMs)
	envInt64("COURIER_DELIVERY_LEASE_MS", &cfg.Delivery.LeaseMs)
	envInt64("COURIER_DELIVERY_SWEEP_INTERVAL_MS", &cfg.Delivery.SweepIntervalMs)

	envInt("COURIER_VALIDATION_MAX_BODY_LENGTH", &cfg.Validation.MaxBodyLength)
	envInt64("COURIER_VALIDATION_MAX_CLOCK_SKEW_MS", &cfg.Validation.MaxClockSkewMs)
	envString("COURIER_VALIDATION_REJECT_EXPR", &cfg.Validation.RejectExpr)
	envString("COURIER_VALIDATION_FLAG_EXPR", &cfg.Validation.FlagExpr)

	envString("COURIER_PRESENCE_BACKEND", &cfg.Presence.Backend)
	envInt64("COURIER_PRESENCE_TTL_MS", &cfg.Presence.TTLMs)
	envInt64("COURIER_PRESENCE_SWEEP_INTERVAL_MS", &cfg.Presence.SweepIntervalMs)
	envString("COURIER_PRESENCE_REDIS_ADDR", &cfg.Presence.RedisAddr)
	envString("COURIER_PRESENCE_REDIS_PASSWORD", &cfg.Presence.RedisPassword)
	envInt("COURIER_PRESENCE_REDIS_DB", &cfg.Presence.RedisDB)
	envString("COURIER_PRESENCE_REDIS_PREFIX", &cfg.Presence.RedisPrefix)

	envString("COURIER_STORE_BACKEND", &cfg.Store.Backend)
	envString("COURIER_STORE_DYNAMO_TABLE", &cfg.Store.DynamoTable)
	envString("COURIER_STORE_DYNAMO_REGION", &cfg.Store.DynamoRegion)
	envString("COURIER_STORE_DYNAMO_ENDPOINT", &cfg.Store.DynamoEndpoint)
	envInt("COURIER_STORE_DEFAULT_PAGE_SIZE", &cfg.Store.DefaultPageSize)
	envInt("COURIER_STORE_MAX_PAGE_SIZE", &cfg.Store.MaxPageSize)

	envString("COURIER_LOG_LEVEL", &cfg.Log.Level)
	envString("COURIER_LOG_FORMAT", &cfg.Log.Format)
	if v := os.Getenv("COURIER_LOG_OUTPUTS"); v != "" {
		cfg.Log.Outputs = nil
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Log.Outputs = append(cfg.Log.Outputs, p)
			}
		}
	}
}
