// cache_sync.go — reconciliation-движок: сведение кэша БД к содержимому
// канонического store.
//
// CacheSyncService запускает фоновую горутину с ticker
// (APM_CACHE_SYNC_INTERVAL), обходящую все репозитории аллокаторов.
// По каждому репозиторию два независимых прохода:
//   - активный: открытые pull request-ы заявок против активного раздела кэша;
//   - слитый: каталог applications/ в ветке по умолчанию против слитого раздела.
// Каждый проход — трёхсторонний diff по id заявки (в активном — и по
// номеру PR): лишняя строка кэша удаляется, отсутствующая вставляется,
// при расхождении побеждает более свежая каноническая версия
// (last-writer-wins по времени последнего коммита). Канонический store
// не изменяется; проход идемпотентен.
//
// Prometheus-метрики:
//   - apm_cache_sync_duration_seconds — длительность прохода по репозиторию
//   - apm_cache_sync_applications_total — строки кэша по операциям
package service

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/filgrant/application-module/internal/domain/appfile"
	"github.com/filgrant/application-module/internal/domain/model"
	"github.com/filgrant/application-module/internal/ghclient"
	"github.com/filgrant/application-module/internal/repository"
)

// Prometheus-метрики reconciliation.
var (
	cacheSyncDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "apm_cache_sync_duration_seconds",
		Help:    "Длительность reconciliation-прохода по репозиторию аллокатора",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s … ~204s
	}, []string{"repo"})

	cacheSyncApplications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "apm_cache_sync_applications_total",
		Help: "Строки кэша, изменённые reconciliation-проходом",
	}, []string{"repo", "pass", "operation"}) // pass: active, merged; operation: added, updated, deleted
)

// CacheSyncService — фоновый reconciliation-сервис.
type CacheSyncService struct {
	factory       GithubClientFactory
	appRepo       repository.ApplicationRepository
	allocatorRepo repository.AllocatorRepository
	interval      time.Duration
	logger        *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewCacheSyncService создаёт reconciliation-сервис.
func NewCacheSyncService(
	factory GithubClientFactory,
	appRepo repository.ApplicationRepository,
	allocatorRepo repository.AllocatorRepository,
	interval time.Duration,
	logger *slog.Logger,
) *CacheSyncService {
	return &CacheSyncService{
		factory:       factory,
		appRepo:       appRepo,
		allocatorRepo: allocatorRepo,
		interval:      interval,
		logger:        logger.With(slog.String("component", "cache_sync")),
	}
}

// Start запускает фоновую горутину периодической reconciliation.
// Вызывается один раз при старте приложения.
func (s *CacheSyncService) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		s.logger.Info("Периодическая reconciliation кэша запущена",
			slog.String("interval", s.interval.String()),
		)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				s.logger.Info("Периодическая reconciliation кэша остановлена")
				return
			case <-ticker.C:
				results, err := s.SyncAll(ctx)
				if err != nil {
					s.logger.Error("Ошибка периодической reconciliation", slog.String("error", err.Error()))
				} else {
					s.logger.Info("Периодическая reconciliation завершена",
						slog.Int("repo_count", len(results)),
					)
				}
			}
		}
	}()
}

// Stop останавливает фоновую горутину и ждёт завершения.
func (s *CacheSyncService) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// SyncAll выполняет reconciliation по всем репозиториям аллокаторов.
// Ошибки отдельных репозиториев логируются и не прерывают обход.
func (s *CacheSyncService) SyncAll(ctx context.Context) ([]*model.CacheSyncResult, error) {
	allocators, err := s.allocatorRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("получение списка аллокаторов: %w", err)
	}

	var results []*model.CacheSyncResult
	for _, allocator := range allocators {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}

		result, err := s.SyncRepo(ctx, allocator.Owner, allocator.Repo)
		if err != nil {
			s.logger.Warn("Ошибка reconciliation репозитория",
				slog.String("repo", allocator.Owner+"/"+allocator.Repo),
				slog.String("error", err.Error()),
			)
			continue
		}
		results = append(results, result)
	}
	return results, nil
}

// SyncRepo выполняет оба reconciliation-прохода по одному репозиторию.
func (s *CacheSyncService) SyncRepo(ctx context.Context, owner, repo string) (*model.CacheSyncResult, error) {
	startedAt := time.Now().UTC()
	repoLabel := owner + "/" + repo

	allocator, err := s.allocatorRepo.GetByOwnerRepo(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("получение аллокатора %s: %w", repoLabel, err)
	}

	client, err := s.factory.ClientFor(ctx, owner, repo, allocator.InstallationID)
	if err != nil {
		return nil, fmt.Errorf("клиент репозитория %s: %w", repoLabel, err)
	}

	result := &model.CacheSyncResult{
		Owner:     owner,
		Repo:      repo,
		StartedAt: startedAt,
	}

	result.ActiveAdded, result.ActiveUpdated, result.ActiveDeleted, err = s.renewalActive(ctx, client, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("активный проход %s: %w", repoLabel, err)
	}

	result.MergedAdded, result.MergedUpdated, result.MergedDeleted, err = s.renewalMerged(ctx, client, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("слитый проход %s: %w", repoLabel, err)
	}

	result.CompletedAt = time.Now().UTC()

	duration := result.CompletedAt.Sub(startedAt).Seconds()
	cacheSyncDuration.WithLabelValues(repoLabel).Observe(duration)
	cacheSyncApplications.WithLabelValues(repoLabel, "active", "added").Add(float64(result.ActiveAdded))
	cacheSyncApplications.WithLabelValues(repoLabel, "active", "updated").Add(float64(result.ActiveUpdated))
	cacheSyncApplications.WithLabelValues(repoLabel, "active", "deleted").Add(float64(result.ActiveDeleted))
	cacheSyncApplications.WithLabelValues(repoLabel, "merged", "added").Add(float64(result.MergedAdded))
	cacheSyncApplications.WithLabelValues(repoLabel, "merged", "updated").Add(float64(result.MergedUpdated))
	cacheSyncApplications.WithLabelValues(repoLabel, "merged", "deleted").Add(float64(result.MergedDeleted))

	s.logger.Info("Reconciliation репозитория завершена",
		slog.String("repo", repoLabel),
		slog.Int("active_added", result.ActiveAdded),
		slog.Int("active_updated", result.ActiveUpdated),
		slog.Int("active_deleted", result.ActiveDeleted),
		slog.Int("merged_added", result.MergedAdded),
		slog.Int("merged_updated", result.MergedUpdated),
		slog.Int("merged_deleted", result.MergedDeleted),
		slog.String("duration", fmt.Sprintf("%.2fs", duration)),
	)
	return result, nil
}

// canonicalEntry — заявка, видимая в каноническом store.
type canonicalEntry struct {
	id       string
	ref      string
	prNumber int64
}

// renewalActive сводит активный раздел кэша с открытыми PR заявок.
// Ключ diff — пара (id, номер PR).
func (s *CacheSyncService) renewalActive(ctx context.Context, client GithubClient, owner, repo string) (added, updated, deleted int, err error) {
	prs, err := client.ListOpenApplicationPRs(ctx)
	if err != nil {
		return 0, 0, 0, err
	}

	canonical := make(map[string]canonicalEntry, len(prs))
	for _, pr := range prs {
		id := strings.TrimPrefix(pr.HeadBranch, "Application/")
		key := fmt.Sprintf("%s#%d", id, pr.Number)
		canonical[key] = canonicalEntry{id: id, ref: pr.HeadBranch, prNumber: pr.Number}
	}

	rows, err := s.appRepo.ListActive(ctx, owner, repo)
	if err != nil {
		return 0, 0, 0, err
	}
	cached := make(map[string]*model.Application, len(rows))
	for _, row := range rows {
		cached[fmt.Sprintf("%s#%d", row.ID, row.PRNumber)] = row
	}

	// Лишние строки кэша
	for key, row := range cached {
		if _, ok := canonical[key]; ok {
			continue
		}
		if delErr := s.appRepo.Delete(ctx, row.ID, owner, repo, row.PRNumber); delErr != nil {
			s.logger.Warn("Не удалось удалить лишнюю строку кэша",
				slog.String("id", row.ID),
				slog.String("error", delErr.Error()),
			)
			continue
		}
		deleted++
	}

	// Отсутствующие и разошедшиеся строки
	for key, entry := range canonical {
		row, exists := cached[key]
		if !exists {
			if insErr := s.insertRow(ctx, client, owner, repo, entry); insErr != nil {
				s.logger.Warn("Не удалось вставить строку кэша",
					slog.String("id", entry.id),
					slog.String("error", insErr.Error()),
				)
				continue
			}
			added++
			continue
		}

		changed, updErr := s.refreshRow(ctx, client, row, entry)
		if updErr != nil {
			s.logger.Warn("Не удалось обновить строку кэша",
				slog.String("id", entry.id),
				slog.String("error", updErr.Error()),
			)
			continue
		}
		if changed {
			updated++
		}
	}

	return added, updated, deleted, nil
}

// renewalMerged сводит слитый раздел кэша с каталогом applications/
// в ветке по умолчанию. Ключ diff — id заявки (номер PR всегда 0).
func (s *CacheSyncService) renewalMerged(ctx context.Context, client GithubClient, owner, repo string) (added, updated, deleted int, err error) {
	defaultBranch, err := client.DefaultBranch(ctx)
	if err != nil {
		return 0, 0, 0, err
	}

	entries, err := client.ListDirectory(ctx, "applications", defaultBranch)
	if err != nil {
		if ghclient.IsNotFound(err) {
			entries = nil // каталог ещё не создан — слитых заявок нет
		} else {
			return 0, 0, 0, err
		}
	}

	canonical := make(map[string]canonicalEntry, len(entries))
	for _, entry := range entries {
		base := path.Base(entry.Path)
		if !strings.HasSuffix(base, ".json") {
			continue
		}
		id := strings.TrimSuffix(base, ".json")
		canonical[id] = canonicalEntry{id: id, ref: defaultBranch, prNumber: 0}
	}

	rows, err := s.appRepo.ListMerged(ctx, owner, repo)
	if err != nil {
		return 0, 0, 0, err
	}
	cached := make(map[string]*model.Application, len(rows))
	for _, row := range rows {
		cached[row.ID] = row
	}

	for id, row := range cached {
		if _, ok := canonical[id]; ok {
			continue
		}
		if delErr := s.appRepo.Delete(ctx, row.ID, owner, repo, 0); delErr != nil {
			s.logger.Warn("Не удалось удалить лишнюю слитую строку кэша",
				slog.String("id", row.ID),
				slog.String("error", delErr.Error()),
			)
			continue
		}
		deleted++
	}

	for id, entry := range canonical {
		row, exists := cached[id]
		if !exists {
			if insErr := s.insertRow(ctx, client, owner, repo, entry); insErr != nil {
				s.logger.Warn("Не удалось вставить слитую строку кэша",
					slog.String("id", id),
					slog.String("error", insErr.Error()),
				)
				continue
			}
			added++
			continue
		}

		changed, updErr := s.refreshRow(ctx, client, row, entry)
		if updErr != nil {
			s.logger.Warn("Не удалось обновить слитую строку кэша",
				slog.String("id", id),
				slog.String("error", updErr.Error()),
			)
			continue
		}
		if changed {
			updated++
		}
	}

	return added, updated, deleted, nil
}

// insertRow вставляет строку кэша по каноническому документу.
func (s *CacheSyncService) insertRow(ctx context.Context, client GithubClient, owner, repo string, entry canonicalEntry) error {
	content, err := client.GetFile(ctx, ghclient.FilePath(entry.id), entry.ref)
	if err != nil {
		return err
	}

	file, err := appfile.ParseApplicationFile([]byte(content.Content))
	if err != nil {
		return err
	}
	issueNumber, _ := strconv.ParseInt(file.IssueNumber, 10, 64)

	row := &model.Application{
		ID:          entry.id,
		Owner:       owner,
		Repo:        repo,
		PRNumber:    entry.prNumber,
		IssueNumber: issueNumber,
		Application: content.Content,
		SHA:         content.SHA,
		Path:        ghclient.FilePath(entry.id),
	}
	return s.appRepo.Create(ctx, row)
}

// refreshRow обновляет строку кэша, если каноническая версия новее
// (last-writer-wins по времени последнего коммита документа).
func (s *CacheSyncService) refreshRow(ctx context.Context, client GithubClient, row *model.Application, entry canonicalEntry) (bool, error) {
	modified, err := client.GetLastModificationDate(ctx, ghclient.FilePath(entry.id), entry.ref)
	if err != nil {
		return false, err
	}
	if modified.IsZero() || !modified.After(row.UpdatedAt) {
		return false, nil
	}

	content, err := client.GetFile(ctx, ghclient.FilePath(entry.id), entry.ref)
	if err != nil {
		return false, err
	}

	row.Application = content.Content
	row.SHA = content.SHA
	if err := s.appRepo.Update(ctx, row); err != nil {
		return false, err
	}
	return true, nil
}
