// Пакет config — загрузка и валидация конфигурации Application Module
// из переменных окружения.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Application Module.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL (кэш заявок) ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- GitHub (канонический store заявок) ---

	// ID GitHub App (для app JWT)
	GithubAppID int64
	// Путь к приватному ключу GitHub App (PEM, RS256)
	GithubAppKeyPath string
	// Базовый URL GitHub API (переопределяется в тестах)
	GithubAPIURL string
	// Personal access token — fallback, если App не настроен
	GithubToken string

	// --- Блокчейн ---

	// URL JSON-RPC endpoint ноды Lotus
	LotusNodeURL string
	// Token авторизации ноды Lotus (пустой — публичная нода)
	LotusToken string
	// URL API данных блокчейна (allowance)
	DmobAPIURL string
	// API-ключ для API данных блокчейна
	DmobAPIKey string
	// Порог подписей по умолчанию, если недоступны ни блокчейн, ни кэш
	DefaultThreshold int
	// TTL кэша порогов мультисига
	ThresholdCacheTTL time.Duration

	// --- JWT (опциональная защита API) ---

	// URL JWKS endpoint (пусто — API без JWT)
	JWTJWKSURL string
	// Issuer JWT
	JWTIssuer string

	// --- Синхронизация кэша ---

	// Интервал фоновой сверки кэша с каноническим store (0 — отключена)
	CacheSyncInterval time.Duration
	// Интервал проверки зависимостей topologymetrics
	DephealthCheckInterval time.Duration
	// Группа topologymetrics
	DephealthGroup string

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// APM_PORT — порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("APM_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("APM_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("APM_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// APM_LOG_LEVEL — уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("APM_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("APM_LOG_LEVEL: %w", err)
	}

	// APM_LOG_FORMAT — формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("APM_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("APM_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	// APM_DB_HOST — обязательный
	cfg.DBHost, err = getEnvRequired("APM_DB_HOST")
	if err != nil {
		return nil, err
	}

	// APM_DB_PORT — порт PostgreSQL (по умолчанию 5432)
	cfg.DBPort, err = getEnvInt("APM_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("APM_DB_PORT: %w", err)
	}

	// APM_DB_NAME — обязательный
	cfg.DBName, err = getEnvRequired("APM_DB_NAME")
	if err != nil {
		return nil, err
	}

	// APM_DB_USER — обязательный
	cfg.DBUser, err = getEnvRequired("APM_DB_USER")
	if err != nil {
		return nil, err
	}

	// APM_DB_PASSWORD — обязательный
	cfg.DBPassword, err = getEnvRequired("APM_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// APM_DB_SSL_MODE — режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("APM_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("APM_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- GitHub ---

	// APM_GITHUB_APP_ID — ID GitHub App (0 — App не используется)
	appID, err := getEnvInt("APM_GITHUB_APP_ID", 0)
	if err != nil {
		return nil, fmt.Errorf("APM_GITHUB_APP_ID: %w", err)
	}
	cfg.GithubAppID = int64(appID)

	// APM_GITHUB_APP_KEY_PATH — путь к приватному ключу App
	cfg.GithubAppKeyPath = getEnvDefault("APM_GITHUB_APP_KEY_PATH", "")
	if cfg.GithubAppID != 0 && cfg.GithubAppKeyPath == "" {
		return nil, fmt.Errorf("APM_GITHUB_APP_KEY_PATH: обязателен при заданном APM_GITHUB_APP_ID")
	}

	// APM_GITHUB_API_URL — базовый URL GitHub API (по умолчанию публичный)
	cfg.GithubAPIURL = strings.TrimRight(getEnvDefault("APM_GITHUB_API_URL", "https://api.github.com"), "/")

	// APM_GITHUB_TOKEN — fallback token (обязателен, если App не настроен)
	cfg.GithubToken = getEnvDefault("APM_GITHUB_TOKEN", "")
	if cfg.GithubAppID == 0 && cfg.GithubToken == "" {
		return nil, fmt.Errorf("APM_GITHUB_TOKEN: обязателен, если не задан APM_GITHUB_APP_ID")
	}

	// --- Блокчейн ---

	// APM_LOTUS_NODE_URL — обязательный
	cfg.LotusNodeURL, err = getEnvRequired("APM_LOTUS_NODE_URL")
	if err != nil {
		return nil, err
	}

	// APM_LOTUS_TOKEN — опциональный (публичные ноды не требуют)
	cfg.LotusToken = getEnvDefault("APM_LOTUS_TOKEN", "")

	// APM_DMOB_API_URL — URL API данных блокчейна
	cfg.DmobAPIURL = strings.TrimRight(getEnvDefault("APM_DMOB_API_URL", "https://api.filplus.d.interplanetary.one/public/api"), "/")

	// APM_DMOB_API_KEY — API-ключ (опционально)
	cfg.DmobAPIKey = getEnvDefault("APM_DMOB_API_KEY", "")

	// APM_DEFAULT_THRESHOLD — порог подписей по умолчанию (по умолчанию 2)
	cfg.DefaultThreshold, err = getEnvInt("APM_DEFAULT_THRESHOLD", 2)
	if err != nil {
		return nil, fmt.Errorf("APM_DEFAULT_THRESHOLD: %w", err)
	}
	if cfg.DefaultThreshold < 1 {
		return nil, fmt.Errorf("APM_DEFAULT_THRESHOLD: значение %d меньше 1", cfg.DefaultThreshold)
	}

	// APM_THRESHOLD_CACHE_TTL — TTL кэша порогов (по умолчанию 30s)
	cfg.ThresholdCacheTTL, err = getEnvDuration("APM_THRESHOLD_CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("APM_THRESHOLD_CACHE_TTL: %w", err)
	}

	// --- JWT ---

	// APM_JWT_JWKS_URL — пусто = API без JWT (защита на API Gateway)
	cfg.JWTJWKSURL = getEnvDefault("APM_JWT_JWKS_URL", "")

	// APM_JWT_ISSUER — issuer JWT (проверяется, только если задан)
	cfg.JWTIssuer = getEnvDefault("APM_JWT_ISSUER", "")

	// --- Синхронизация кэша ---

	// APM_CACHE_SYNC_INTERVAL — интервал фоновой сверки (по умолчанию 1h, 0 — отключена)
	cfg.CacheSyncInterval, err = getEnvDuration("APM_CACHE_SYNC_INTERVAL", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("APM_CACHE_SYNC_INTERVAL: %w", err)
	}

	// APM_DEPHEALTH_CHECK_INTERVAL — интервал проверки зависимостей (по умолчанию 15s)
	cfg.DephealthCheckInterval, err = getEnvDuration("APM_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("APM_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// APM_DEPHEALTH_GROUP — группа topologymetrics (по умолчанию filgrant)
	cfg.DephealthGroup = getEnvDefault("APM_DEPHEALTH_GROUP", "filgrant")

	// --- Graceful shutdown ---

	// APM_SHUTDOWN_TIMEOUT — таймаут graceful shutdown (по умолчанию 5s)
	cfg.ShutdownTimeout, err = getEnvDuration("APM_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("APM_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
