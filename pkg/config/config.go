package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	NATS     NATSConfig
	JWT      JWTConfig
	Dispatch DispatchConfig
	Routing  RoutingConfig
}

// ServerConfig holds server-specific configuration
type ServerConfig struct {
	Port         string
	Environment  string
	ServiceName  string
	ReadTimeout  int
	WriteTimeout int
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
	MinConns int
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// NATSConfig holds the event bus configuration
type NATSConfig struct {
	URL     string
	Enabled bool
}

// JWTConfig holds JWT configuration
type JWTConfig struct {
	Secret     string
	Expiration int // in hours
}

// DispatchConfig carries every tuning knob the dispatch core honors.
type DispatchConfig struct {
	PresenceFreshness      time.Duration // heartbeat age before a driver counts as offline
	WaveSize               int           // candidates per offer wave
	WaveTimeout            time.Duration // hard deadline per wave
	MaxWaves               int
	CandidateRadiusKm      float64 // initial search radius, doubles per wave
	CandidateRadiusCapKm   float64
	BatchInterval          time.Duration // presence write-behind flush cadence
	EtaCacheTTL            time.Duration
	EtaQuantization        float64 // degrees
	PredictorPrior         float64 // rejection prior when no pattern data
	EarningsPenalty        float64
	StaleRideSweepInterval time.Duration
	BroadcastFallback      bool // degraded offer-to-all mode on selection errors
}

// RoutingConfig points at the optional external routing provider used by
// the ETA cache on miss.
type RoutingConfig struct {
	BaseURL        string
	Enabled        bool
	TimeoutSeconds int
	AvgSpeedKmh    float64 // great-circle fallback speed assumption
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:         getEnv("PORT", "8080"),
			Environment:  getEnv("ENVIRONMENT", "development"),
			ServiceName:  serviceName,
			ReadTimeout:  getEnvAsInt("READ_TIMEOUT", 10),
			WriteTimeout: getEnvAsInt("WRITE_TIMEOUT", 10),
		},
		Database: DatabaseConfig{
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnv("DB_PORT", "5432"),
			User:     getEnv("DB_USER", "postgres"),
			Password: getEnv("DB_PASSWORD", "postgres"),
			DBName:   getEnv("DB_NAME", "fleetdispatch"),
			SSLMode:  getEnv("DB_SSLMODE", "disable"),
			MaxConns: getEnvAsInt("DB_MAX_CONNS", 25),
			MinConns: getEnvAsInt("DB_MIN_CONNS", 5),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:     getEnv("NATS_URL", "nats://localhost:4222"),
			Enabled: getEnvAsBool("NATS_ENABLED", false),
		},
		JWT: JWTConfig{
			Secret:     getEnv("JWT_SECRET", "your-secret-key-change-in-production"),
			Expiration: getEnvAsInt("JWT_EXPIRATION", 24),
		},
		Dispatch: DispatchConfig{
			PresenceFreshness:      getEnvAsDuration("PRESENCE_FRESHNESS", 5*time.Minute),
			WaveSize:               getEnvAsInt("WAVE_SIZE", 3),
			WaveTimeout:            getEnvAsDuration("WAVE_TIMEOUT", 20*time.Second),
			MaxWaves:               getEnvAsInt("MAX_WAVES", 3),
			CandidateRadiusKm:      getEnvAsFloat("CANDIDATE_RADIUS_KM", 5),
			CandidateRadiusCapKm:   getEnvAsFloat("CANDIDATE_RADIUS_CAP_KM", 15),
			BatchInterval:          getEnvAsDuration("BATCH_INTERVAL", 5*time.Second),
			EtaCacheTTL:            getEnvAsDuration("ETA_CACHE_TTL", time.Hour),
			EtaQuantization:        getEnvAsFloat("ETA_QUANTIZATION", 1e-4),
			PredictorPrior:         getEnvAsFloat("PREDICTOR_PRIOR", 0.2),
			EarningsPenalty:        getEnvAsFloat("EARNINGS_PENALTY", 0.15),
			StaleRideSweepInterval: getEnvAsDuration("STALE_RIDE_SWEEP_INTERVAL", 30*time.Second),
			BroadcastFallback:      getEnvAsBool("DISPATCH_BROADCAST_FALLBACK", false),
		},
		Routing: RoutingConfig{
			BaseURL:        getEnv("ROUTING_PROVIDER_URL", ""),
			Enabled:        getEnvAsBool("ROUTING_PROVIDER_ENABLED", false),
			TimeoutSeconds: getEnvAsInt("ROUTING_PROVIDER_TIMEOUT", 3),
			AvgSpeedKmh:    getEnvAsFloat("ROUTING_AVG_SPEED_KMH", 40),
		},
	}

	if cfg.Dispatch.WaveSize <= 0 {
		cfg.Dispatch.WaveSize = 3
	}
	if cfg.Dispatch.MaxWaves <= 0 {
		cfg.Dispatch.MaxWaves = 3
	}
	if cfg.Dispatch.WaveTimeout <= 0 {
		cfg.Dispatch.WaveTimeout = 20 * time.Second
	}
	if cfg.Dispatch.CandidateRadiusCapKm < cfg.Dispatch.CandidateRadiusKm {
		cfg.Dispatch.CandidateRadiusCapKm = cfg.Dispatch.CandidateRadiusKm
	}
	if cfg.Routing.AvgSpeedKmh <= 0 {
		cfg.Routing.AvgSpeedKmh = 40
	}

	return cfg, nil
}

// DSN returns the database connection string
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// RedisAddr returns the Redis address
func (c *RedisConfig) RedisAddr() string {
	return fmt.Sprintf("%s:%s", c.Host, c.Port)
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value, err := strconv.ParseFloat(getEnv(key, ""), 64); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value, err := strconv.ParseBool(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil {
		return value
	}
	return defaultValue
}
