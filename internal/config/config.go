package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	AppPort          string
	HMACSecret       string
	SigMaxAgeSeconds int64
	SQLiteDSN        string

	// Inbound processor webhook verification secrets.
	StripeWebhookSecret   string
	RazorpayWebhookSecret string

	// Workflow orchestrator ingress.
	RestateIngressURL string
	SignalTimeout     time.Duration

	// Outbound webhook delivery.
	DeliveryWorkers     int
	DeliveryMaxAttempts int
	DeliveryTimeout     time.Duration
	DeliveryPollEvery   time.Duration
	DeliveryBackoffBase time.Duration
	DeliveryBackoffCap  time.Duration

	// Dev-only merchant seed; ignored when empty.
	SeedMerchantID     string
	SeedMerchantURL    string
	SeedMerchantSecret string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func Load() Config {
	return Config{
		AppPort:          getenv("APP_PORT", "8080"),
		HMACSecret:       getenv("HMAC_SECRET", "supersecret-dev"),
		SigMaxAgeSeconds: getInt64("SIG_MAX_AGE_SECONDS", 300),
		SQLiteDSN:        getenv("SQLITE_DSN", "./app.db"),

		StripeWebhookSecret:   getenv("STRIPE_WEBHOOK_SECRET", "whsec-stripe-dev"),
		RazorpayWebhookSecret: getenv("RAZORPAY_WEBHOOK_SECRET", "whsec-razorpay-dev"),

		RestateIngressURL: getenv("RESTATE_INGRESS_URL", "http://localhost:9080"),
		SignalTimeout:     getDuration("SIGNAL_TIMEOUT", 5*time.Second),

		DeliveryWorkers:     int(getInt64("DELIVERY_WORKERS", 4)),
		DeliveryMaxAttempts: int(getInt64("DELIVERY_MAX_ATTEMPTS", 8)),
		DeliveryTimeout:     getDuration("DELIVERY_TIMEOUT", 10*time.Second),
		DeliveryPollEvery:   getDuration("DELIVERY_POLL_EVERY", 2*time.Second),
		DeliveryBackoffBase: getDuration("DELIVERY_BACKOFF_BASE", 30*time.Second),
		DeliveryBackoffCap:  getDuration("DELIVERY_BACKOFF_CAP", 1*time.Hour),

		SeedMerchantID:     getenv("SEED_MERCHANT_ID", ""),
		SeedMerchantURL:    getenv("SEED_MERCHANT_URL", ""),
		SeedMerchantSecret: getenv("SEED_MERCHANT_SECRET", ""),
	}
}
