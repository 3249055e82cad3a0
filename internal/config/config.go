package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all supervisor tunables. Everything is env-driven with
// defaults that match production behavior, so a bare `go run` works locally.
type Config struct {
	Port        string
	SessionsDir string

	// Lifecycle policy
	QRTimeout            time.Duration // how long a pending login may wait for a scan
	IdleTimeout          time.Duration // inactivity age before a session is evicted
	IdleSweepInterval    time.Duration
	LivenessInterval     time.Duration
	MaxReconnectAttempts int
	ReconnectDelay       time.Duration // fixed, deliberately not exponential

	// Outbound queue
	RatePerHour   int
	MinSendDelay  time.Duration
	MaxSendDelay  time.Duration
	PauseEveryN   int
	SyncWindow    time.Duration // how far back history sync reaches
	SyncUnreadCap int           // max incoming messages marked unread per chat

	// Ops alerting (optional)
	TelegramToken  string
	TelegramChatID string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "3000"),
		SessionsDir: getEnv("SESSIONS_DIR", "./sessions"),

		QRTimeout:            getDuration("QR_TIMEOUT", 120*time.Second),
		IdleTimeout:          getDuration("IDLE_TIMEOUT", 45*time.Minute),
		IdleSweepInterval:    getDuration("IDLE_SWEEP_INTERVAL", 5*time.Minute),
		LivenessInterval:     getDuration("LIVENESS_INTERVAL", 2*time.Minute),
		MaxReconnectAttempts: getInt("MAX_RECONNECT_ATTEMPTS", 3),
		ReconnectDelay:       getDuration("RECONNECT_DELAY", 15*time.Second),

		RatePerHour:   getInt("MESSAGES_PER_HOUR", 30),
		MinSendDelay:  getDuration("MIN_SEND_DELAY", 2*time.Second),
		MaxSendDelay:  getDuration("MAX_SEND_DELAY", 4*time.Second),
		PauseEveryN:   getInt("PAUSE_EVERY_N", 10),
		SyncWindow:    getDuration("SYNC_WINDOW", 30*24*time.Hour),
		SyncUnreadCap: getInt("SYNC_UNREAD_CAP", 50),

		TelegramToken:  os.Getenv("TELEGRAM_TOKEN"),
		TelegramChatID: os.Getenv("TELEGRAM_CHAT_ID"),
	}
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
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
