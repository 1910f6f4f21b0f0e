package model

import "time"

// Application — строка кэша заявки в таблице applications.
// Составной ключ (id, owner, repo, pr_number); pr_number = 0 означает
// смёрженную заявку (partition «merged»).
type Application struct {
	// ID — идентификатор клиента (on-chain адрес)
	ID string
	// Owner — владелец репозитория аллокатора
	Owner string
	// Repo — репозиторий аллокатора
	Repo string
	// PRNumber — номер pull request; 0 — заявка смёржена
	PRNumber int64
	// IssueNumber — номер исходного issue
	IssueNumber int64
	// Application — канонический JSON-документ заявки целиком
	Application string
	// SHA — blob SHA файла документа в каноническом store
	SHA string
	// Path — путь файла документа (applications/<id>.json)
	Path string
	// UpdatedAt — время последнего обновления строки
	UpdatedAt time.Time
}

// Merged сообщает, лежит ли строка в partition смёрженных заявок.
func (a *Application) Merged() bool {
	return a.PRNumber == 0
}
