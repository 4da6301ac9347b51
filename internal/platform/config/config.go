package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the immutable application configuration. It is built once at
// startup and passed into each component's constructor; nothing mutates it at
// runtime.
type Config struct {
	Addr          string
	DatabaseURL   string
	JWTSigningKey string
	TokenSecret   string

	Redis    RedisConfig
	Kafka    KafkaConfig
	Matching MatchingConfig
}

// RedisConfig configures the geofence locator backend.
type RedisConfig struct {
	URL          string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the notification publisher. Empty Brokers means
// notifications are logged instead of published.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// MatchingConfig carries every tunable of the matching core. Components take
// it by value so boundary behaviour (exactly-60-minutes deadlines and the
// like) is deterministic in tests.
type MatchingConfig struct {
	CommitmentTimeout      time.Duration
	WholeBloodCooldown     time.Duration
	ApheresisCooldown      time.Duration
	TokenTTL               time.Duration
	SweepInterval          time.Duration
	RewardWholeBlood       int
	RewardApheresis        int
	NoShowPenalty          int
	DefaultGeofenceRadiusM float64
}

// DefaultMatching returns the production defaults for the matching knobs.
func DefaultMatching() MatchingConfig {
	return MatchingConfig{
		CommitmentTimeout:      60 * time.Minute,
		WholeBloodCooldown:     90 * 24 * time.Hour,
		ApheresisCooldown:      48 * time.Hour,
		TokenTTL:               15 * time.Minute,
		SweepInterval:          time.Minute,
		RewardWholeBlood:       50,
		RewardApheresis:        100,
		NoShowPenalty:          10,
		DefaultGeofenceRadiusM: 5000,
	}
}

// FromEnv builds the config from environment variables so main stays lean.
func FromEnv() Config {
	addr := os.Getenv("KANVER_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	jwtSigningKey := os.Getenv("JWT_SIGNING_KEY")
	if jwtSigningKey == "" {
		// Use a default for development - should be overridden in production
		jwtSigningKey = "dev-secret-key-change-in-production"
	}
	tokenSecret := os.Getenv("TOKEN_SECRET")
	if tokenSecret == "" {
		tokenSecret = jwtSigningKey
	}

	m := DefaultMatching()
	m.CommitmentTimeout = envMinutes("COMMITMENT_TIMEOUT_MINUTES", m.CommitmentTimeout)
	m.WholeBloodCooldown = envDays("WHOLE_BLOOD_COOLDOWN_DAYS", m.WholeBloodCooldown)
	m.ApheresisCooldown = envHours("APHERESIS_COOLDOWN_HOURS", m.ApheresisCooldown)
	m.TokenTTL = envMinutes("TOKEN_TTL_MINUTES", m.TokenTTL)
	m.SweepInterval = envMinutes("SWEEP_INTERVAL_MINUTES", m.SweepInterval)
	m.RewardWholeBlood = envInt("HERO_POINTS_WHOLE_BLOOD", m.RewardWholeBlood)
	m.RewardApheresis = envInt("HERO_POINTS_APHERESIS", m.RewardApheresis)
	// Some deployments write the penalty as a negative delta (-10); the
	// stores subtract it, so normalize to the magnitude either way.
	if v := envInt("NO_SHOW_PENALTY", m.NoShowPenalty); v != 0 {
		if v < 0 {
			v = -v
		}
		m.NoShowPenalty = v
	}
	if v := envInt("DEFAULT_GEOFENCE_RADIUS_M", int(m.DefaultGeofenceRadiusM)); v > 0 {
		m.DefaultGeofenceRadiusM = float64(v)
	}

	var brokers []string
	if raw := os.Getenv("KAFKA_BROKERS"); raw != "" {
		for _, b := range strings.Split(raw, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
	}
	topic := os.Getenv("KAFKA_NOTIFICATIONS_TOPIC")
	if topic == "" {
		topic = "kanver.notifications"
	}

	return Config{
		Addr:          addr,
		DatabaseURL:   os.Getenv("DATABASE_URL"),
		JWTSigningKey: jwtSigningKey,
		TokenSecret:   tokenSecret,
		Redis: RedisConfig{
			URL:          os.Getenv("REDIS_URL"),
			PoolSize:     envInt("REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("REDIS_MIN_IDLE_CONNS", 2),
			DialTimeout:  5 * time.Second,
			ReadTimeout:  3 * time.Second,
			WriteTimeout: 3 * time.Second,
		},
		Kafka:    KafkaConfig{Brokers: brokers, Topic: topic},
		Matching: m,
	}
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envMinutes(key string, fallback time.Duration) time.Duration {
	if v := envInt(key, 0); v > 0 {
		return time.Duration(v) * time.Minute
	}
	return fallback
}

func envHours(key string, fallback time.Duration) time.Duration {
	if v := envInt(key, 0); v > 0 {
		return time.Duration(v) * time.Hour
	}
	return fallback
}

func envDays(key string, fallback time.Duration) time.Duration {
	if v := envInt(key, 0); v > 0 {
		return time.Duration(v) * 24 * time.Hour
	}
	return fallback
}
