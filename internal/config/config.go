package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Session   SessionConfig
	Directory DirectoryConfig
	Quota     QuotaConfig
}

type ServerConfig struct {
	Address string
}

type DatabaseConfig struct {
	PostgresURL string
}

type RedisConfig struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	TTL      time.Duration
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

// SessionConfig controls the messaging backend. Backend is either
// "meow" (direct protocol socket) or "gateway" (hosted HTTP bridge).
type SessionConfig struct {
	Backend        string
	GatewayURL     string
	CredentialRoot string
	IdleTTL        time.Duration
	ReapInterval   time.Duration
	NumberSuffix   string
}

type DirectoryConfig struct {
	URL   string
	Token string
}

type QuotaConfig struct {
	DailyLimit int
}

func LoadAll() (*Config, error) {
	var errs []error

	postgresURL, err := requireEnv("POSTGRES_URL")
	if err != nil {
		errs = append(errs, err)
	}
	jwtSecret, err := requireEnv("JWT_SECRET")
	if err != nil {
		errs = append(errs, err)
	}

	tokenTTL, err := getEnvInt("JWT_TTL_MINUTES", 480)
	if err != nil {
		errs = append(errs, err)
	}
	idleTTL, err := getEnvInt("SESSION_IDLE_TTL_SECONDS", 1800)
	if err != nil {
		errs = append(errs, err)
	}
	reapInterval, err := getEnvInt("SESSION_REAP_INTERVAL_SECONDS", 300)
	if err != nil {
		errs = append(errs, err)
	}
	dailyLimit, err := getEnvInt("DAILY_SEND_LIMIT", 200)
	if err != nil {
		errs = append(errs, err)
	}

	redisCfg, err := loadRedisConfig()
	if err != nil {
		errs = append(errs, err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Address: getEnv("SERVER_ADDRESS", ":8080"),
		},
		Database: DatabaseConfig{
			PostgresURL: postgresURL,
		},
		Redis: redisCfg,
		Auth: AuthConfig{
			JWTSecret: jwtSecret,
			TokenTTL:  time.Duration(tokenTTL) * time.Minute,
		},
		Session: SessionConfig{
			Backend:        getEnv("SESSION_BACKEND", "meow"),
			GatewayURL:     os.Getenv("GATEWAY_URL"),
			CredentialRoot: getEnv("CREDENTIAL_ROOT", ".wwebjs_auth"),
			IdleTTL:        time.Duration(idleTTL) * time.Second,
			ReapInterval:   time.Duration(reapInterval) * time.Second,
			NumberSuffix:   getEnv("NUMBER_SUFFIX", "@s.whatsapp.net"),
		},
		Directory: DirectoryConfig{
			URL:   os.Getenv("DIRECTORY_URL"),
			Token: os.Getenv("DIRECTORY_TOKEN"),
		},
		Quota: QuotaConfig{
			DailyLimit: dailyLimit,
		},
	}

	errs = append(errs, validate(cfg)...)
	if err := joinErrors(errs); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadRedisConfig() (RedisConfig, error) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return RedisConfig{Enabled: false}, nil
	}

	db, err := getEnvInt("REDIS_DB", 0)
	if err != nil {
		return RedisConfig{}, err
	}
	ttl, err := getEnvInt("REDIS_TTL_SECONDS", 86400)
	if err != nil {
		return RedisConfig{}, err
	}

	return RedisConfig{
		Enabled:  true,
		Address:  addr,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
		TTL:      time.Duration(ttl) * time.Second,
	}, nil
}

func validate(cfg *Config) []error {
	var errs []error
	switch cfg.Session.Backend {
	case "meow":
	case "gateway":
		if cfg.Session.GatewayURL == "" {
			errs = append(errs, errors.New("GATEWAY_URL is required when SESSION_BACKEND=gateway"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown SESSION_BACKEND: %q", cfg.Session.Backend))
	}
	if cfg.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("JWT_TTL_MINUTES must be > 0"))
	}
	if cfg.Session.IdleTTL <= 0 {
		errs = append(errs, errors.New("SESSION_IDLE_TTL_SECONDS must be > 0"))
	}
	if cfg.Session.ReapInterval <= 0 {
		errs = append(errs, errors.New("SESSION_REAP_INTERVAL_SECONDS must be > 0"))
	}
	if cfg.Quota.DailyLimit <= 0 {
		errs = append(errs, errors.New("DAILY_SEND_LIMIT must be > 0"))
	}
	return errs
}

func requireEnv(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("missing required env var: %s", key)
	}
	return val, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid int for env %s: %s", key, v)
	}
	return i, nil
}

func joinErrors(errs []error) error {
	filtered := errs[:0]
	for _, e := range errs {
		if e != nil {
			filtered = append(filtered, e)
		}
	}
	if len(filtered) == 0 {
		return nil
	}
	return errors.Join(filtered...)
}
