package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config captures process-level configuration. Built from the environment so
// main stays lean; Validate runs once at startup and bad threshold values are
// fatal there, never surfaced per request.
type Config struct {
	Addr string

	Redis RedisConfig
	Kafka KafkaConfig

	Protection ProtectionConfig
}

// RedisConfig configures the shared counter store connection.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// CallTimeout bounds each counter-store operation on the request path.
	CallTimeout time.Duration
}

// KafkaConfig configures the audit sink. Empty brokers disable Kafka and
// audit events go to the structured log only.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// ProtectionConfig holds every tunable of the abuse-protection layer.
type ProtectionConfig struct {
	Disabled bool

	LimitPerMinute int
	LimitPerHour   int

	RapidRequestThreshold int
	FailedLoginThreshold  int
	FailedLoginWindow     time.Duration

	AutoBlockHighThreshold     int
	AutoBlockCriticalThreshold int
	EscalationWindow           time.Duration
}

// FromEnv builds a Config from environment variables with sane defaults.
func FromEnv() Config {
	return Config{
		Addr: getString("GRIDSHIELD_ADDR", ":8080"),
		Redis: RedisConfig{
			URL:          os.Getenv("GRIDSHIELD_REDIS_URL"),
			PoolSize:     getInt("GRIDSHIELD_REDIS_POOL_SIZE", 10),
			MinIdleConns: getInt("GRIDSHIELD_REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  getDuration("GRIDSHIELD_REDIS_DIAL_TIMEOUT", 5*time.Second),
			ReadTimeout:  getDuration("GRIDSHIELD_REDIS_READ_TIMEOUT", 100*time.Millisecond),
			WriteTimeout: getDuration("GRIDSHIELD_REDIS_WRITE_TIMEOUT", 100*time.Millisecond),
			CallTimeout:  getDuration("GRIDSHIELD_STORE_CALL_TIMEOUT", 50*time.Millisecond),
		},
		Kafka: KafkaConfig{
			Brokers: getStrings("GRIDSHIELD_KAFKA_BROKERS"),
			Topic:   getString("GRIDSHIELD_AUDIT_TOPIC", "gridshield.audit"),
		},
		Protection: ProtectionConfig{
			Disabled:                   os.Getenv("GRIDSHIELD_PROTECTION_DISABLED") == "true",
			LimitPerMinute:             getInt("GRIDSHIELD_LIMIT_PER_MINUTE", 60),
			LimitPerHour:               getInt("GRIDSHIELD_LIMIT_PER_HOUR", 1000),
			RapidRequestThreshold:      getInt("GRIDSHIELD_RAPID_REQUEST_THRESHOLD", 100),
			FailedLoginThreshold:       getInt("GRIDSHIELD_FAILED_LOGIN_THRESHOLD", 5),
			FailedLoginWindow:          getDuration("GRIDSHIELD_FAILED_LOGIN_WINDOW", 10*time.Minute),
			AutoBlockHighThreshold:     getInt("GRIDSHIELD_AUTOBLOCK_HIGH_THRESHOLD", 3),
			AutoBlockCriticalThreshold: getInt("GRIDSHIELD_AUTOBLOCK_CRITICAL_THRESHOLD", 1),
			EscalationWindow:           getDuration("GRIDSHIELD_ESCALATION_WINDOW", time.Hour),
		},
	}
}

// Validate checks every threshold. Called once at startup; any error here is
// fatal so a misconfigured protection layer can never run half-armed.
func (c Config) Validate() error {
	p := c.Protection
	if p.LimitPerMinute <= 0 {
		return fmt.Errorf("limit per minute must be positive, got %d", p.LimitPerMinute)
	}
	if p.LimitPerHour <= 0 {
		return fmt.Errorf("limit per hour must be positive, got %d", p.LimitPerHour)
	}
	if p.LimitPerHour < p.LimitPerMinute {
		return fmt.Errorf("limit per hour (%d) cannot be below limit per minute (%d)", p.LimitPerHour, p.LimitPerMinute)
	}
	if p.RapidRequestThreshold <= 0 {
		return fmt.Errorf("rapid request threshold must be positive, got %d", p.RapidRequestThreshold)
	}
	if p.FailedLoginThreshold <= 0 {
		return fmt.Errorf("failed login threshold must be positive, got %d", p.FailedLoginThreshold)
	}
	if p.FailedLoginWindow <= 0 {
		return fmt.Errorf("failed login window must be positive, got %s", p.FailedLoginWindow)
	}
	if p.AutoBlockHighThreshold <= 0 {
		return fmt.Errorf("auto-block high threshold must be positive, got %d", p.AutoBlockHighThreshold)
	}
	if p.AutoBlockCriticalThreshold <= 0 {
		return fmt.Errorf("auto-block critical threshold must be positive, got %d", p.AutoBlockCriticalThreshold)
	}
	if p.EscalationWindow <= 0 {
		return fmt.Errorf("escalation window must be positive, got %s", p.EscalationWindow)
	}
	if c.Redis.CallTimeout <= 0 {
		return fmt.Errorf("store call timeout must be positive, got %s", c.Redis.CallTimeout)
	}
	return nil
}

func getString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getStrings(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
