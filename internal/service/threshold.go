// threshold.go — разрешение эффективного порога подписей multisig.
//
// Порог — внешний динамический факт: предпочитается живое чтение
// с блокчейна, при отказе — кэшированное значение аллокатора, затем
// значение по умолчанию. Разрешённые значения кэшируются в expirable
// LRU, расхождение с кэшем БД исправляется попутной записью.
package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/filgrant/application-module/internal/domain/model"
	"github.com/filgrant/application-module/internal/repository"
)

// Источники разрешённого порога.
const (
	ThresholdSourceChain   = "chain"
	ThresholdSourceCache   = "cache"
	ThresholdSourceDefault = "default"
)

const thresholdCacheSize = 256

// ThresholdResolver разрешает эффективный порог подписей аллокатора.
type ThresholdResolver struct {
	lotus            LotusClient
	allocatorRepo    repository.AllocatorRepository
	defaultThreshold int
	cache            *expirable.LRU[string, int]
	logger           *slog.Logger
}

// NewThresholdResolver создаёт resolver. ttl ограничивает время жизни
// значений, разрешённых с блокчейна.
func NewThresholdResolver(
	lotus LotusClient,
	allocatorRepo repository.AllocatorRepository,
	defaultThreshold int,
	ttl time.Duration,
	logger *slog.Logger,
) *ThresholdResolver {
	return &ThresholdResolver{
		lotus:            lotus,
		allocatorRepo:    allocatorRepo,
		defaultThreshold: defaultThreshold,
		cache:            expirable.NewLRU[string, int](thresholdCacheSize, nil, ttl),
		logger:           logger.With(slog.String("component", "threshold")),
	}
}

// Resolve возвращает эффективный порог и его источник
// ("chain" | "cache" | "default").
func (r *ThresholdResolver) Resolve(ctx context.Context, allocator *model.Allocator) (int, string) {
	key := allocator.Owner + "/" + allocator.Repo

	if value, ok := r.cache.Get(key); ok {
		return value, ThresholdSourceChain
	}

	if allocator.MultisigAddress != "" {
		state, err := r.lotus.GetMultisigState(ctx, allocator.MultisigAddress)
		if err == nil {
			r.cache.Add(key, state.Threshold)

			// Попутно исправляем разошедшийся кэш БД
			if state.Threshold != allocator.MultisigThreshold {
				if updErr := r.allocatorRepo.UpdateThreshold(ctx, allocator.Owner, allocator.Repo, state.Threshold); updErr != nil {
					r.logger.Warn("Не удалось обновить кэшированный порог",
						slog.String("allocator", key),
						slog.String("error", updErr.Error()),
					)
				} else {
					r.logger.Info("Кэшированный порог обновлён по данным блокчейна",
						slog.String("allocator", key),
						slog.Int("old", allocator.MultisigThreshold),
						slog.Int("new", state.Threshold),
					)
				}
			}

			return state.Threshold, ThresholdSourceChain
		}

		r.logger.Warn("Чтение порога с блокчейна не удалось, используется кэш",
			slog.String("allocator", key),
			slog.String("error", err.Error()),
		)
	}

	if allocator.MultisigThreshold > 0 {
		return allocator.MultisigThreshold, ThresholdSourceCache
	}
	return r.defaultThreshold, ThresholdSourceDefault
}
