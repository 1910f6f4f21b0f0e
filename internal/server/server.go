// Пакет server — HTTP-сервер Application Module с graceful shutdown.
// Без TLS — HTTP внутри кластера, TLS termination на API Gateway.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/filgrant/application-module/internal/api/handlers"
	"github.com/filgrant/application-module/internal/api/middleware"
	"github.com/filgrant/application-module/internal/config"
)

// Server — HTTP-сервер Application Module.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	cfg        *config.Config
}

// New создаёт новый HTTP-сервер с настроенными routes и middleware.
// jwtAuth — JWT middleware (nil — API работает без аутентификации,
// например локально или за доверенным gateway).
func New(cfg *config.Config, logger *slog.Logger, handler *handlers.APIHandler, jwtAuth *middleware.JWTAuth) *Server {
	router := chi.NewRouter()

	// Глобальные middleware (применяются ко ВСЕМ маршрутам)
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RequestLogger(logger))

	// JWT middleware с исключениями для публичных endpoints.
	// Health и metrics проверяются Kubernetes напрямую, без API Gateway.
	if jwtAuth != nil {
		router.Use(jwtAuthWithExclusions(jwtAuth, "/health/", "/metrics"))
	}

	registerRoutes(router, handler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return &Server{
		httpServer: srv,
		logger:     logger,
		cfg:        cfg,
	}
}

// registerRoutes объявляет все маршруты API.
func registerRoutes(router chi.Router, h *handlers.APIHandler) {
	// Служебные endpoints
	router.Get("/health/live", h.HealthLive)
	router.Get("/health/ready", h.HealthReady)
	router.Get("/metrics", h.GetMetrics)

	// Списки
	router.Get("/application", h.ListActiveApplications)
	router.Get("/applications", h.ListAllApplications)
	router.Get("/application/merged", h.ListMergedApplications)

	// Переходы состояния
	router.Post("/application", h.CreateApplication)
	router.Post("/application/trigger", h.TriggerApplication)
	router.Post("/application/propose", h.ProposeApplication)
	router.Post("/application/approve", h.ApproveApplication)
	router.Post("/application/propose_storage_providers", h.ProposeStorageProvidersChange)
	router.Post("/application/approve_storage_providers", h.ApproveStorageProvidersChange)
	router.Post("/application/decline", h.DeclineApplication)
	router.Post("/application/additional_info_required", h.AdditionalInfoRequired)
	router.Post("/application/kyc_request", h.RequestKYC)
	router.Post("/application/issue_edited", h.IssueEdited)
	router.Post("/application/refill", h.RefillApplication)
	router.Post("/application/totaldcreached", h.TotalDcReached)

	// Validate-операции (вызываются automation-хуками)
	router.Post("/application/trigger/validate", h.ValidateTrigger)
	router.Post("/application/proposal/validate", h.ValidateProposal)
	router.Post("/application/approval/validate", h.ValidateApproval)
	router.Post("/application/merge/validate", h.ValidateMerge)

	// Reconciliation по требованию
	router.Post("/application/cache/renewal", h.CacheRenewal)
}

// jwtAuthWithExclusions оборачивает JWTAuth.Middleware(), пропуская указанные пути.
// Запросы к путям, начинающимся с любого из excludePrefixes, проходят без JWT.
func jwtAuthWithExclusions(jwtAuth *middleware.JWTAuth, excludePrefixes ...string) func(http.Handler) http.Handler {
	jwtMiddleware := jwtAuth.Middleware()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Проверяем, начинается ли путь с исключённого префикса
			for _, prefix := range excludePrefixes {
				if strings.HasPrefix(r.URL.Path, prefix) {
					next.ServeHTTP(w, r)
					return
				}
			}

			// Применяем JWT middleware
			jwtMiddleware(next).ServeHTTP(w, r)
		})
	}
}

// Run запускает сервер и ожидает сигнала завершения (SIGINT, SIGTERM).
// При получении сигнала выполняется graceful shutdown.
func (s *Server) Run() error {
	// Канал для ошибок сервера
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("HTTP-сервер запущен",
			slog.String("addr", s.httpServer.Addr),
		)

		err := s.httpServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Ожидание сигнала завершения
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		s.logger.Info("Получен сигнал завершения", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("ошибка HTTP-сервера: %w", err)
		}
	}

	// Graceful shutdown
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	s.logger.Info("Выполняется graceful shutdown...")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("ошибка при graceful shutdown: %w", err)
	}

	s.logger.Info("HTTP-сервер остановлен")
	return nil
}
