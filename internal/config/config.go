package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Store backends.
const (
	StoreFile     = "file"
	StorePostgres = "postgres"
)

// Delete modes for tenant file deletion.
const (
	DeleteTrash     = "trash"
	DeletePermanent = "permanent"
)

// appDirName is the per-user config directory name.
const appDirName = "CloudHost"

// Config holds all application configuration loaded from environment variables.
type Config struct {
	Store     StoreConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cloud     CloudConfig
	Control   ControlConfig
	Autostart []string
}

// StoreConfig selects where the registry is persisted.
type StoreConfig struct {
	Backend   string
	ConfigDir string
	File      string
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// RedisConfig holds Redis connection settings. An empty Addr disables
// log fan-out.
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// CloudConfig holds settings shared by every per-cloud server.
type CloudConfig struct {
	BindHost        string
	BasePort        int
	TokenTTL        time.Duration
	ShutdownTimeout time.Duration
	DebugHistory    int
	MaxUploadBytes  int64
	DeleteMode      string
	TrashDir        string
	LoginRate       float64
	LoginBurst      int
}

// ControlConfig holds the control API server settings.
type ControlConfig struct {
	Addr         string
	Token        string //nolint:gosec // G117: control API bearer token
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dev, err := getEnvBool("CLOUDHOST_DEV", false)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	configDir := getEnv("CLOUDHOST_CONFIG_DIR", "")
	if configDir == "" {
		configDir, err = defaultConfigDir(dev)
		if err != nil {
			return nil, fmt.Errorf("config.Load: %w", err)
		}
	}

	dbPort, err := getEnvInt("CLOUDHOST_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	dbMaxConns, err := getEnvInt("CLOUDHOST_DB_MAX_CONNS", 4)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	redisDB, err := getEnvInt("CLOUDHOST_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	basePort, err := getEnvInt("CLOUDHOST_BASE_PORT", 3000)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	tokenTTL, err := getEnvDuration("CLOUDHOST_TOKEN_TTL", 24*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	shutdownTimeout, err := getEnvDuration("CLOUDHOST_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	debugHistory, err := getEnvInt("CLOUDHOST_DEBUG_HISTORY", 100)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	maxUpload, err := getEnvInt64("CLOUDHOST_MAX_UPLOAD_BYTES", 10<<30)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	loginRate, err := getEnvFloat("CLOUDHOST_LOGIN_RATE", 1)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	loginBurst, err := getEnvInt("CLOUDHOST_LOGIN_BURST", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	readTimeout, err := getEnvDuration("CLOUDHOST_CONTROL_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	writeTimeout, err := getEnvDuration("CLOUDHOST_CONTROL_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Store: StoreConfig{
			Backend:   strings.ToLower(getEnv("CLOUDHOST_STORE", StoreFile)),
			ConfigDir: configDir,
			File:      getEnv("CLOUDHOST_CLOUDS_FILE", filepath.Join(configDir, "clouds-config.toml")),
		},
		Database: DatabaseConfig{
			Host:     getEnv("CLOUDHOST_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("CLOUDHOST_DB_USER", "cloudhost"),
			Password: getEnv("CLOUDHOST_DB_PASSWORD", ""),
			DBName:   getEnv("CLOUDHOST_DB_NAME", "cloudhost"),
			SSLMode:  getEnv("CLOUDHOST_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Redis: RedisConfig{
			Addr:     getEnv("CLOUDHOST_REDIS_ADDR", ""),
			Password: getEnv("CLOUDHOST_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Cloud: CloudConfig{
			BindHost:        getEnv("CLOUDHOST_BIND_HOST", "0.0.0.0"),
			BasePort:        basePort,
			TokenTTL:        tokenTTL,
			ShutdownTimeout: shutdownTimeout,
			DebugHistory:    debugHistory,
			MaxUploadBytes:  maxUpload,
			DeleteMode:      strings.ToLower(getEnv("CLOUDHOST_DELETE_MODE", DeleteTrash)),
			TrashDir:        getEnv("CLOUDHOST_TRASH_DIR", filepath.Join(configDir, "trash")),
			LoginRate:       loginRate,
			LoginBurst:      loginBurst,
		},
		Control: ControlConfig{
			Addr:         getEnv("CLOUDHOST_CONTROL_ADDR", "127.0.0.1:2999"),
			Token:        getEnv("CLOUDHOST_CONTROL_TOKEN", ""),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
		},
		Autostart: getEnvList("CLOUDHOST_AUTOSTART", nil),
	}

	err = cfg.validate()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	switch c.Store.Backend {
	case StoreFile:
		if c.Store.File == "" {
			return errors.New("CLOUDHOST_CLOUDS_FILE must not be empty")
		}
	case StorePostgres:
		if c.Database.Port < 1 || c.Database.Port > 65535 {
			return fmt.Errorf("CLOUDHOST_DB_PORT must be 1-65535, got %d", c.Database.Port)
		}
		if c.Database.MaxConns < 1 {
			return fmt.Errorf("CLOUDHOST_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
		}
		if c.Database.SSLMode == "disable" {
			log.Warn().Msg("CLOUDHOST_DB_SSLMODE=disable is insecure for remote databases")
		}
	default:
		return fmt.Errorf("CLOUDHOST_STORE must be %q or %q, got %q", StoreFile, StorePostgres, c.Store.Backend)
	}

	if c.Cloud.BasePort < 1 || c.Cloud.BasePort > 65535 {
		return fmt.Errorf("CLOUDHOST_BASE_PORT must be 1-65535, got %d", c.Cloud.BasePort)
	}
	if c.Cloud.TokenTTL <= 0 {
		return fmt.Errorf("CLOUDHOST_TOKEN_TTL must be positive, got %s", c.Cloud.TokenTTL)
	}
	if c.Cloud.ShutdownTimeout <= 0 {
		return fmt.Errorf("CLOUDHOST_SHUTDOWN_TIMEOUT must be positive, got %s", c.Cloud.ShutdownTimeout)
	}
	if c.Cloud.DebugHistory < 1 {
		return fmt.Errorf("CLOUDHOST_DEBUG_HISTORY must be >= 1, got %d", c.Cloud.DebugHistory)
	}
	if c.Cloud.MaxUploadBytes < 1 {
		return fmt.Errorf("CLOUDHOST_MAX_UPLOAD_BYTES must be >= 1, got %d", c.Cloud.MaxUploadBytes)
	}
	if c.Cloud.DeleteMode != DeleteTrash && c.Cloud.DeleteMode != DeletePermanent {
		return fmt.Errorf("CLOUDHOST_DELETE_MODE must be %q or %q, got %q", DeleteTrash, DeletePermanent, c.Cloud.DeleteMode)
	}
	if c.Cloud.LoginRate <= 0 {
		return fmt.Errorf("CLOUDHOST_LOGIN_RATE must be positive, got %g", c.Cloud.LoginRate)
	}
	if c.Cloud.LoginBurst < 1 {
		return fmt.Errorf("CLOUDHOST_LOGIN_BURST must be >= 1, got %d", c.Cloud.LoginBurst)
	}
	if c.Control.ReadTimeout <= 0 {
		return fmt.Errorf("CLOUDHOST_CONTROL_READ_TIMEOUT must be positive, got %s", c.Control.ReadTimeout)
	}
	if c.Control.WriteTimeout <= 0 {
		return fmt.Errorf("CLOUDHOST_CONTROL_WRITE_TIMEOUT must be positive, got %s", c.Control.WriteTimeout)
	}

	if c.Control.Token == "" && !isLoopbackAddr(c.Control.Addr) {
		log.Warn().Str("addr", c.Control.Addr).Msg("control API listens beyond loopback without CLOUDHOST_CONTROL_TOKEN")
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// defaultConfigDir returns the working directory in dev mode and the
// per-user config directory otherwise.
func defaultConfigDir(dev bool) (string, error) {
	if dev {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("working dir: %w", err)
		}
		return wd, nil
	}

	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("user config dir: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}

func isLoopbackAddr(addr string) bool {
	host := addr
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		host = addr[:i]
	}
	host = strings.Trim(host, "[]")
	return host == "localhost" || strings.HasPrefix(host, "127.") || host == "::1"
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvInt64(key string, fallback int64) (int64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int64: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("parsing %s=%q as bool: %w", key, v, err)
	}
	return b, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
