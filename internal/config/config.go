package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Database  DatabaseConfig
	Redis     RedisConfig
	Directory DirectoryConfig
	Server    ServerConfig
	Factors   FactorConfig
	StepUp    StepUpConfig
	Yubico    YubicoConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type DirectoryConfig struct {
	URL          string
	BindDN       string
	BindPassword string
	BaseDN       string
	Domain       string
	UserBaseDN   string
	UserFilter   string
}

type ServerConfig struct {
	Port     string
	Env      string
	LogLevel string
}

type FactorConfig struct {
	// Backend selects the factor store: "prefs" or "directory".
	Backend   string
	Issuer    string
	Digits    int
	Interval  int
	Tolerance time.Duration
	Window    int
}

type StepUpConfig struct {
	ChallengeTimeout time.Duration
	SecureWindow     time.Duration
	SessionTTL       time.Duration
	TokenSecret      string
	EncryptionKey    []byte
}

type YubicoConfig struct {
	ClientID string
	APIKey   string
	Hosts    []string
	UseHTTPS bool
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	tokenSecret := getEnv("TOKEN_SECRET", "")
	if tokenSecret == "" {
		return nil, fmt.Errorf("TOKEN_SECRET is required")
	}

	encryptionKey, err := parseEncryptionKey(getEnv("CREDENTIAL_ENCRYPTION_KEY", ""))
	if err != nil {
		return nil, err
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "stepfactor"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvAsInt("REDIS_DB", 0),
		},
		Directory: DirectoryConfig{
			URL:          getEnv("LDAP_URL", ""),
			BindDN:       getEnv("LDAP_BIND_DN", ""),
			BindPassword: getEnv("LDAP_BIND_PASSWORD", ""),
			BaseDN:       getEnv("LDAP_BASE_DN", ""),
			Domain:       getEnv("LDAP_DOMAIN", ""),
			UserBaseDN:   getEnv("LDAP_USER_BASE_DN", ""),
			UserFilter:   getEnv("LDAP_USER_FILTER", "(&(objectclass=inetOrgPerson)(mail=%fu))"),
		},
		Server: ServerConfig{
			Port:     getEnv("PORT", "8080"),
			Env:      env,
			LogLevel: getEnv("LOG_LEVEL", "info"),
		},
		Factors: FactorConfig{
			Backend:   getEnv("FACTOR_BACKEND", "prefs"),
			Issuer:    getEnv("FACTOR_ISSUER", "StepFactor"),
			Digits:    getEnvAsInt("TOTP_DIGITS", 6),
			Interval:  getEnvAsInt("TOTP_INTERVAL", 30),
			Tolerance: getEnvAsDuration("TOTP_TOLERANCE", 150*time.Second),
			Window:    getEnvAsInt("HOTP_WINDOW", 4),
		},
		StepUp: StepUpConfig{
			ChallengeTimeout: getEnvAsDuration("STEPUP_CHALLENGE_TIMEOUT", 120*time.Second),
			SecureWindow:     getEnvAsDuration("STEPUP_SECURE_WINDOW", 180*time.Second),
			SessionTTL:       getEnvAsDuration("STEPUP_SESSION_TTL", 12*time.Hour),
			TokenSecret:      tokenSecret,
			EncryptionKey:    encryptionKey,
		},
		Yubico: YubicoConfig{
			ClientID: getEnv("YUBICO_CLIENT_ID", ""),
			APIKey:   getEnv("YUBICO_API_KEY", ""),
			Hosts:    parseHosts(getEnv("YUBICO_HOSTS", "")),
			UseHTTPS: getEnvAsBool("YUBICO_USE_HTTPS", true),
		},
	}

	if cfg.Factors.Backend != "prefs" && cfg.Factors.Backend != "directory" {
		return nil, fmt.Errorf("FACTOR_BACKEND must be \"prefs\" or \"directory\", got %q", cfg.Factors.Backend)
	}
	if cfg.Factors.Backend == "prefs" && cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}
	if cfg.Factors.Backend == "directory" && cfg.Directory.URL == "" {
		return nil, fmt.Errorf("LDAP_URL is required when FACTOR_BACKEND=directory")
	}

	if err := validateTokenSecret(tokenSecret); err != nil {
		return nil, err
	}

	return cfg, nil
}

// parseEncryptionKey decodes the hex-encoded AES-256 key protecting pending
// login credentials.
func parseEncryptionKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY is required")
	}
	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CREDENTIAL_ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// validateTokenSecret enforces the same floor NewTokenManager does, so a
// deployment that passes configuration cannot fail at startup wiring.
func validateTokenSecret(secret string) error {
	if len(secret) < 32 {
		return fmt.Errorf("TOKEN_SECRET must be at least 32 characters (got %d)", len(secret))
	}
	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

func parseHosts(raw string) []string {
	if raw == "" {
		return nil
	}
	hosts := strings.Split(raw, ",")
	for i, host := range hosts {
		hosts[i] = strings.TrimSpace(host)
	}
	return hosts
}
