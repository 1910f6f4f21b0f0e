// handler.go — основной обработчик API Application Module.
// Объединяет доменные обработчики и делегирует запросы в сервисный слой.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	apierrors "github.com/filgrant/application-module/internal/api/errors"
	"github.com/filgrant/application-module/internal/domain/appfile"
	"github.com/filgrant/application-module/internal/domain/model"
	"github.com/filgrant/application-module/internal/service"
)

// ApplicationOrchestrator — операции workflow заявок, используемые API.
// Реализуется service.ApplicationService; интерфейс нужен для подстановки
// заглушек в тестах обработчиков.
type ApplicationOrchestrator interface {
	Create(ctx context.Context, owner, repo string, p service.CreateParams) (*appfile.ApplicationFile, error)
	Trigger(ctx context.Context, owner, repo, id, actor, amount string, clientContractAddress *string) (*appfile.ApplicationFile, error)
	Propose(ctx context.Context, owner, repo, id, requestID string, signer appfile.Signer) (*appfile.ApplicationFile, error)
	Approve(ctx context.Context, owner, repo, id, requestID string, signer appfile.Signer) (*appfile.ApplicationFile, error)
	ProposeStorageProviders(ctx context.Context, owner, repo, id string, signer appfile.Signer, allowedSPs []uint64, maxDeviation string) (*appfile.ApplicationFile, error)
	ApproveStorageProviders(ctx context.Context, owner, repo, id, requestID string, signer appfile.Signer) (*appfile.ApplicationFile, error)
	Decline(ctx context.Context, owner, repo, id string) error
	AdditionalInfoRequired(ctx context.Context, owner, repo, id, verifierMessage string) (*appfile.ApplicationFile, error)
	RequestKYC(ctx context.Context, owner, repo, id string) (*appfile.ApplicationFile, error)
	SourceIssueEdited(ctx context.Context, owner, repo, id string) (*appfile.ApplicationFile, error)
	Refill(ctx context.Context, owner, repo, id, amount string) (*appfile.ApplicationFile, error)
	TotalDcReached(ctx context.Context, owner, repo, id string) (*appfile.ApplicationFile, error)

	ValidateTrigger(ctx context.Context, owner, repo string, prNumber int64) (bool, error)
	ValidateProposal(ctx context.Context, owner, repo string, prNumber int64) (bool, error)
	ValidateApproval(ctx context.Context, owner, repo string, prNumber int64) (bool, error)
	ValidateMerge(ctx context.Context, owner, repo string, prNumber int64) (bool, error)

	ListActive(ctx context.Context, owner, repo string) ([]*model.Application, error)
	ListMerged(ctx context.Context, owner, repo string) ([]*model.Application, error)
	ListAll(ctx context.Context) ([]*model.Application, error)
}

// CacheRenewal — запуск reconciliation-проходов по требованию.
// Реализуется service.CacheSyncService.
type CacheRenewal interface {
	SyncRepo(ctx context.Context, owner, repo string) (*model.CacheSyncResult, error)
	SyncAll(ctx context.Context) ([]*model.CacheSyncResult, error)
}

// APIHandler — основной обработчик API Application Module.
type APIHandler struct {
	health *HealthHandler
	apps   ApplicationOrchestrator
	sync   CacheRenewal
	logger *slog.Logger
}

// NewAPIHandler создаёт основной обработчик API.
func NewAPIHandler(
	health *HealthHandler,
	apps ApplicationOrchestrator,
	sync CacheRenewal,
	logger *slog.Logger,
) *APIHandler {
	return &APIHandler{
		health: health,
		apps:   apps,
		sync:   sync,
		logger: logger.With(slog.String("component", "api_handler")),
	}
}

// HealthLive — liveness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.health.HealthLive(w, r)
}

// HealthReady — readiness probe (делегируется в HealthHandler).
func (h *APIHandler) HealthReady(w http.ResponseWriter, r *http.Request) {
	h.health.HealthReady(w, r)
}

// GetMetrics — Prometheus метрики (делегируется в HealthHandler).
func (h *APIHandler) GetMetrics(w http.ResponseWriter, r *http.Request) {
	h.health.GetMetrics(w, r)
}

// --- Вспомогательные функции ---

// writeJSON записывает JSON-ответ с указанным статусом.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// respondServiceError переводит ошибки сервисного слоя в HTTP-ответы.
func (h *APIHandler) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrNotFound):
		apierrors.NotFound(w, "Заявка или аллокатор не найдены")
	case errors.Is(err, service.ErrIllegalTransition):
		apierrors.IllegalTransition(w, "Состояние заявки не допускает операцию")
	case errors.Is(err, service.ErrDuplicateSignature):
		apierrors.DuplicateSignature(w, "Адрес уже подписал этот запрос")
	case errors.Is(err, service.ErrQuorumAlreadyMet):
		apierrors.QuorumAlreadyMet(w, "Кворум подписей уже собран")
	case errors.Is(err, service.ErrInsufficientAllowance):
		apierrors.InsufficientAllowance(w, "Недостаточный остаток allowance аллокатора")
	case errors.Is(err, service.ErrExceedsCeiling):
		apierrors.ExceedsCeiling(w, "Суммарный объём запросов превышает одобренный потолок")
	case errors.Is(err, service.ErrNotVerifier):
		apierrors.Forbidden(w, "Участник не входит в список верификаторов аллокатора")
	case errors.Is(err, service.ErrCollaborator):
		h.logger.Error("Ошибка внешнего коллаборатора", slog.String("error", err.Error()))
		apierrors.UpstreamUnavailable(w, "Внешняя зависимость недоступна")
	default:
		h.logger.Error("Внутренняя ошибка", slog.String("error", err.Error()))
		apierrors.InternalError(w, "Внутренняя ошибка сервера")
	}
}
