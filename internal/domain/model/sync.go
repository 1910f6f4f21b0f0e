package model

import "time"

// CacheSyncResult — итог reconciliation-прохода по одному репозиторию
// аллокатора: сколько строк кэша добавлено, обновлено и удалено
// в активном и слитом разделах.
type CacheSyncResult struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`

	ActiveAdded   int `json:"active_added"`
	ActiveUpdated int `json:"active_updated"`
	ActiveDeleted int `json:"active_deleted"`

	MergedAdded   int `json:"merged_added"`
	MergedUpdated int `json:"merged_updated"`
	MergedDeleted int `json:"merged_deleted"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}
