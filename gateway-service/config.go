package main

import (
	"os"
	"strconv"
	"time"
)

// Config is the gateway's externally supplied configuration.
type Config struct {
	NATSURL  string
	NATSUser string
	NATSPass string
	Port     string

	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	MaxMissed         int

	JWKSURL     string
	TokenIssuer string
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envSeconds(key string, def int) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Second
		}
	}
	return time.Duration(def) * time.Second
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func loadConfig() Config {
	cfg := Config{
		NATSURL:     envOrDefault("NATS_URL", "nats://localhost:4222"),
		NATSUser:    envOrDefault("NATS_USER", "gateway-service"),
		NATSPass:    envOrDefault("NATS_PASS", "gateway-service-secret"),
		Port:        envOrDefault("PORT", "8085"),
		PresenceTTL: envSeconds("PRESENCE_TTL_SECONDS", 60),
		MaxMissed:   envInt("MAX_MISSED_HEARTBEATS", 3),
		JWKSURL:     envOrDefault("JWKS_URL", "http://localhost:8080/realms/chat/protocol/openid-connect/certs"),
		TokenIssuer: envOrDefault("TOKEN_ISSUER", "http://localhost:8080/realms/chat"),
	}
	// Heartbeats must outpace the presence TTL.
	cfg.HeartbeatInterval = envSeconds("HEARTBEAT_INTERVAL_SECONDS", int(cfg.PresenceTTL.Seconds())/3)
	return cfg
}
