// Точка входа Application Module — workflow-движок заявок на datacap.
// Загружает конфигурацию, подключается к PostgreSQL (кэш), применяет
// миграции, создаёт клиенты GitHub/Lotus/Dmob, сервисный слой и API
// handlers, запускает фоновую reconciliation и topologymetrics,
// HTTP-сервер с JWT middleware и graceful shutdown.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/stdlib"

	"github.com/filgrant/application-module/internal/api/handlers"
	"github.com/filgrant/application-module/internal/api/middleware"
	"github.com/filgrant/application-module/internal/config"
	"github.com/filgrant/application-module/internal/database"
	"github.com/filgrant/application-module/internal/dmobclient"
	"github.com/filgrant/application-module/internal/ghclient"
	"github.com/filgrant/application-module/internal/lotusclient"
	"github.com/filgrant/application-module/internal/repository"
	"github.com/filgrant/application-module/internal/server"
	"github.com/filgrant/application-module/internal/service"
)

func main() {
	// 1. Загрузка конфигурации из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 2. Настройка логирования
	logger := config.SetupLogger(cfg)
	logger.Info("Application Module запускается",
		slog.String("version", config.Version),
		slog.Int("port", cfg.Port),
	)

	// Предупреждения о дефолтных значениях topologymetrics
	if os.Getenv("APM_DEPHEALTH_GROUP") == "" {
		logger.Warn("APM_DEPHEALTH_GROUP не задана, используется значение по умолчанию",
			slog.String("default", cfg.DephealthGroup),
		)
	}

	// 3. Применение миграций БД
	logger.Info("Применение миграций БД...")
	if err := database.Migrate(cfg, logger); err != nil {
		logger.Error("Ошибка миграций БД", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 4. Подключение к PostgreSQL (pgxpool)
	ctx := context.Background()
	pool, err := database.Connect(ctx, cfg, logger)
	if err != nil {
		logger.Error("Ошибка подключения к PostgreSQL", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer pool.Close()

	// 4.1 Адаптер pgxpool → *sql.DB для topologymetrics (connection pool mode).
	// Проверка здоровья PostgreSQL идёт через существующий пул соединений,
	// что позволяет обнаружить его исчерпание.
	pgDB := stdlib.OpenDBFromPool(pool)
	defer pgDB.Close()

	// 5. Клиент канонического store (GitHub App или token)
	ghFactory, err := ghclient.NewFactory(
		cfg.GithubAppID, cfg.GithubAppKeyPath, cfg.GithubAPIURL, cfg.GithubToken,
		logger,
	)
	if err != nil {
		logger.Error("Ошибка создания GitHub-клиента", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 6. Блокчейн-клиенты: Lotus (порог мультисига) и Dmob (allowance)
	lotusClient := lotusclient.New(cfg.LotusNodeURL, cfg.LotusToken, logger)
	dmobClient := dmobclient.New(cfg.DmobAPIURL, cfg.DmobAPIKey, logger)

	// 7. Repositories
	appRepo := repository.NewApplicationRepository(pool)
	allocatorRepo := repository.NewAllocatorRepository(pool)

	// 8. Services
	thresholds := service.NewThresholdResolver(
		lotusClient, allocatorRepo,
		cfg.DefaultThreshold, cfg.ThresholdCacheTTL,
		logger,
	)
	ghClientFactory := service.NewGithubClientFactory(ghFactory)
	applicationSvc := service.NewApplicationService(
		ghClientFactory, appRepo, allocatorRepo,
		thresholds, dmobClient,
		logger,
	)
	cacheSyncSvc := service.NewCacheSyncService(
		ghClientFactory, appRepo, allocatorRepo,
		cfg.CacheSyncInterval,
		logger,
	)

	// 9. Readiness checkers (PostgreSQL + Lotus)
	pgChecker := database.NewReadinessChecker(pool)
	healthHandler := handlers.NewHealthHandler(pgChecker, lotusClient)

	// 10. API handler
	apiHandler := handlers.NewAPIHandler(
		healthHandler,
		applicationSvc,
		cacheSyncSvc,
		logger,
	)

	// 11. JWT middleware (опционально: пустой APM_JWT_JWKS_URL — API без JWT)
	var jwtAuth *middleware.JWTAuth
	if cfg.JWTJWKSURL != "" {
		jwtAuth, err = middleware.NewJWTAuth(cfg.JWTJWKSURL, cfg.JWTIssuer, logger)
		if err != nil {
			logger.Error("Ошибка создания JWT middleware", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("JWT middleware инициализирован",
			slog.String("jwks_url", cfg.JWTJWKSURL),
			slog.String("issuer", cfg.JWTIssuer),
		)
	} else {
		logger.Warn("APM_JWT_JWKS_URL не задан, API работает без JWT-аутентификации")
	}

	// 12. Фоновая reconciliation кэша
	if cfg.CacheSyncInterval > 0 {
		cacheSyncSvc.Start(ctx)
		logger.Info("Фоновая reconciliation кэша запущена",
			slog.String("interval", cfg.CacheSyncInterval.String()),
		)
	} else {
		logger.Info("Фоновая reconciliation отключена (APM_CACHE_SYNC_INTERVAL=0), доступна через /application/cache/renewal")
	}

	// 12.1 topologymetrics — мониторинг зависимостей (PostgreSQL + GitHub + Lotus)
	dephealthSvc, dephealthErr := service.NewDephealthService(
		"application-module",
		cfg.DephealthGroup,
		pgDB,
		cfg.DatabaseDSN(),
		cfg.GithubAPIURL,
		cfg.LotusNodeURL,
		cfg.DephealthCheckInterval,
		logger,
	)
	if dephealthErr != nil {
		logger.Warn("topologymetrics недоступен, запуск без мониторинга зависимостей",
			slog.String("error", dephealthErr.Error()),
		)
		dephealthSvc = nil
	} else {
		if startErr := dephealthSvc.Start(ctx); startErr != nil {
			logger.Warn("Ошибка запуска topologymetrics",
				slog.String("error", startErr.Error()),
			)
		} else {
			logger.Info("topologymetrics запущен",
				slog.String("group", cfg.DephealthGroup),
				slog.String("check_interval", cfg.DephealthCheckInterval.String()),
			)
		}
	}

	// 13. Создание и запуск HTTP-сервера
	srv := server.New(cfg, logger, apiHandler, jwtAuth)
	if err := srv.Run(); err != nil {
		logger.Error("Ошибка сервера", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// 14. Graceful shutdown фоновых задач
	logger.Info("Останавливаем фоновые задачи...")

	if dephealthSvc != nil {
		dephealthSvc.Stop()
	}
	if cfg.CacheSyncInterval > 0 {
		cacheSyncSvc.Stop()
	}

	logger.Info("Application Module остановлен")
}
