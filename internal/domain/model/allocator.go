package model

import (
	"strings"
	"time"
)

// Allocator — конфигурация репозитория аллокатора в таблице allocators.
// Создаётся административным импортом; оркестратор и кворум читают её
// при каждом переходе, требующем порог или whitelist верификаторов.
type Allocator struct {
	// ID — суррогатный ключ
	ID int64
	// Owner — владелец репозитория
	Owner string
	// Repo — имя репозитория
	Repo string
	// InstallationID — ID установки GitHub App для этого репозитория
	InstallationID int64
	// MultisigAddress — адрес мультисига аллокатора
	MultisigAddress string
	// MultisigThreshold — кэшированный порог подписей (может отставать от блокчейна)
	MultisigThreshold int
	// VerifiersGhHandles — whitelist верификаторов, через запятую
	VerifiersGhHandles string
	// Address — on-chain адрес аллокатора
	Address string
	// Tooling — используемые инструменты подписи
	Tooling string
	// ClientContractAddress — адрес клиентского контракта (опционально)
	ClientContractAddress *string
	// CreatedAt — время создания записи
	CreatedAt time.Time
	// UpdatedAt — время последнего обновления
	UpdatedAt time.Time
}

// Verifiers возвращает whitelist верификаторов списком.
func (a *Allocator) Verifiers() []string {
	if a.VerifiersGhHandles == "" {
		return nil
	}
	parts := strings.Split(a.VerifiersGhHandles, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			res = append(res, trimmed)
		}
	}
	return res
}

// IsVerifier проверяет, входит ли пользователь в whitelist
// (без учёта регистра, как сравнивает GitHub).
func (a *Allocator) IsVerifier(githubUsername string) bool {
	for _, v := range a.Verifiers() {
		if strings.EqualFold(v, githubUsername) {
			return true
		}
	}
	return false
}
