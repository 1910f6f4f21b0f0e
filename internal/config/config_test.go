package config

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

// setEnvs устанавливает переменные окружения и возвращает функцию для их очистки.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// minimalEnvs возвращает минимальный набор обязательных переменных.
func minimalEnvs() map[string]string {
	return map[string]string{
		"APM_DB_HOST":        "localhost",
		"APM_DB_NAME":        "filgrant",
		"APM_DB_USER":        "filgrant",
		"APM_DB_PASSWORD":    "secret",
		"APM_LOTUS_NODE_URL": "https://api.node.glif.io/rpc/v1",
		"APM_GITHUB_TOKEN":   "ghp_test",
	}
}

func TestLoad_MinimalConfig(t *testing.T) {
	setEnvs(t, minimalEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	// Проверяем значения по умолчанию
	if cfg.Port != 8080 {
		t.Errorf("Port = %d, ожидается 8080", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Errorf("LogLevel = %v, ожидается Info", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q, ожидается json", cfg.LogFormat)
	}
	if cfg.DBHost != "localhost" {
		t.Errorf("DBHost = %q, ожидается localhost", cfg.DBHost)
	}
	if cfg.DBPort != 5432 {
		t.Errorf("DBPort = %d, ожидается 5432", cfg.DBPort)
	}
	if cfg.DBSSLMode != "disable" {
		t.Errorf("DBSSLMode = %q, ожидается disable", cfg.DBSSLMode)
	}
	if cfg.GithubAPIURL != "https://api.github.com" {
		t.Errorf("GithubAPIURL = %q, ожидается https://api.github.com", cfg.GithubAPIURL)
	}
	if cfg.DefaultThreshold != 2 {
		t.Errorf("DefaultThreshold = %d, ожидается 2", cfg.DefaultThreshold)
	}
	if cfg.ThresholdCacheTTL != 30*time.Second {
		t.Errorf("ThresholdCacheTTL = %v, ожидается 30s", cfg.ThresholdCacheTTL)
	}
	if cfg.CacheSyncInterval != time.Hour {
		t.Errorf("CacheSyncInterval = %v, ожидается 1h", cfg.CacheSyncInterval)
	}
	if cfg.DephealthCheckInterval != 15*time.Second {
		t.Errorf("DephealthCheckInterval = %v, ожидается 15s", cfg.DephealthCheckInterval)
	}
	if cfg.ShutdownTimeout != 5*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 5s", cfg.ShutdownTimeout)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	envs := minimalEnvs()
	envs["APM_PORT"] = "9090"
	envs["APM_LOG_LEVEL"] = "debug"
	envs["APM_LOG_FORMAT"] = "text"
	envs["APM_DB_PORT"] = "5433"
	envs["APM_DB_SSL_MODE"] = "require"
	envs["APM_GITHUB_API_URL"] = "https://ghe.example.com/api/v3/"
	envs["APM_DEFAULT_THRESHOLD"] = "3"
	envs["APM_THRESHOLD_CACHE_TTL"] = "1m"
	envs["APM_CACHE_SYNC_INTERVAL"] = "30m"
	envs["APM_SHUTDOWN_TIMEOUT"] = "10s"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() вернул ошибку: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d, ожидается 9090", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Errorf("LogLevel = %v, ожидается Debug", cfg.LogLevel)
	}
	if cfg.LogFormat != "text" {
		t.Errorf("LogFormat = %q, ожидается text", cfg.LogFormat)
	}
	if cfg.DBPort != 5433 {
		t.Errorf("DBPort = %d, ожидается 5433", cfg.DBPort)
	}
	if cfg.DBSSLMode != "require" {
		t.Errorf("DBSSLMode = %q, ожидается require", cfg.DBSSLMode)
	}
	// Trailing slash у GithubAPIURL срезается
	if cfg.GithubAPIURL != "https://ghe.example.com/api/v3" {
		t.Errorf("GithubAPIURL = %q, ожидается без trailing slash", cfg.GithubAPIURL)
	}
	if cfg.DefaultThreshold != 3 {
		t.Errorf("DefaultThreshold = %d, ожидается 3", cfg.DefaultThreshold)
	}
	if cfg.ThresholdCacheTTL != time.Minute {
		t.Errorf("ThresholdCacheTTL = %v, ожидается 1m", cfg.ThresholdCacheTTL)
	}
	if cfg.CacheSyncInterval != 30*time.Minute {
		t.Errorf("CacheSyncInterval = %v, ожидается 30m", cfg.CacheSyncInterval)
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Errorf("ShutdownTimeout = %v, ожидается 10s", cfg.ShutdownTimeout)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	requiredVars := []string{
		"APM_DB_HOST", "APM_DB_NAME", "APM_DB_USER", "APM_DB_PASSWORD",
		"APM_LOTUS_NODE_URL",
	}

	for _, missing := range requiredVars {
		t.Run(missing, func(t *testing.T) {
			envs := minimalEnvs()
			delete(envs, missing)
			// Очищаем все переменные окружения
			for k := range minimalEnvs() {
				os.Unsetenv(k)
			}
			setEnvs(t, envs)

			_, err := Load()
			if err == nil {
				t.Errorf("Load() не вернул ошибку при отсутствии %s", missing)
			}
		})
	}
}

func TestLoad_GithubAuthRequired(t *testing.T) {
	// Ни App, ни token — ошибка
	envs := minimalEnvs()
	delete(envs, "APM_GITHUB_TOKEN")
	for k := range minimalEnvs() {
		os.Unsetenv(k)
	}
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Error("Load() не вернул ошибку без APM_GITHUB_TOKEN и APM_GITHUB_APP_ID")
	}
}

func TestLoad_GithubAppKeyRequired(t *testing.T) {
	// App ID задан, ключ — нет
	envs := minimalEnvs()
	envs["APM_GITHUB_APP_ID"] = "12345"
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Error("Load() не вернул ошибку при APM_GITHUB_APP_ID без APM_GITHUB_APP_KEY_PATH")
	}
}

func TestLoad_InvalidPort(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"ноль", "0"},
		{"выше диапазона", "70000"},
		{"не число", "abc"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envs := minimalEnvs()
			envs["APM_PORT"] = tt.value
			for k := range minimalEnvs() {
				os.Unsetenv(k)
			}
			setEnvs(t, envs)

			_, err := Load()
			if err == nil {
				t.Errorf("Load() не вернул ошибку при APM_PORT=%q", tt.value)
			}
		})
	}
}

func TestLoad_InvalidLogLevel(t *testing.T) {
	envs := minimalEnvs()
	envs["APM_LOG_LEVEL"] = "verbose"
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Error("Load() не вернул ошибку при APM_LOG_LEVEL=verbose")
	}
}

func TestLoad_InvalidLogFormat(t *testing.T) {
	envs := minimalEnvs()
	envs["APM_LOG_FORMAT"] = "xml"
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Error("Load() не вернул ошибку при APM_LOG_FORMAT=xml")
	}
}

func TestLoad_InvalidSSLMode(t *testing.T) {
	envs := minimalEnvs()
	envs["APM_DB_SSL_MODE"] = "prefer"
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Error("Load() не вернул ошибку при APM_DB_SSL_MODE=prefer")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	envs := minimalEnvs()
	envs["APM_CACHE_SYNC_INTERVAL"] = "abc"
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Error("Load() не вернул ошибку при APM_CACHE_SYNC_INTERVAL=abc")
	}
}

func TestLoad_InvalidThreshold(t *testing.T) {
	envs := minimalEnvs()
	envs["APM_DEFAULT_THRESHOLD"] = "0"
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Error("Load() не вернул ошибку при APM_DEFAULT_THRESHOLD=0")
	}
}

func TestDatabaseDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "db.example.com",
		DBPort:     5432,
		DBName:     "filgrant",
		DBUser:     "user",
		DBPassword: "pass",
		DBSSLMode:  "disable",
	}
	expected := "host=db.example.com port=5432 dbname=filgrant user=user password=pass sslmode=disable"
	if dsn := cfg.DatabaseDSN(); dsn != expected {
		t.Errorf("DatabaseDSN() = %q, ожидается %q", dsn, expected)
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name   string
		format string
	}{
		{"json", "json"},
		{"text", "text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				LogLevel:  slog.LevelInfo,
				LogFormat: tt.format,
			}
			logger := SetupLogger(cfg)
			if logger == nil {
				t.Error("SetupLogger() вернул nil")
			}
		})
	}
}
