// errors.go — ошибки бизнес-логики сервисного слоя.
//
// Два семейства (см. обработку в api/errors): нарушения протокола
// переходов — всегда без побочных эффектов; и отказы коллабораторов —
// частично применённое изменение остаётся до reconciliation-прохода.
package service

import "errors"

var (
	// ErrNotFound — заявка или аллокатор не найдены.
	ErrNotFound = errors.New("заявка не найдена")
	// ErrIllegalTransition — состояние заявки не допускает операцию.
	ErrIllegalTransition = errors.New("недопустимый переход состояния")
	// ErrDuplicateSignature — адрес уже подписывал этот запрос.
	ErrDuplicateSignature = errors.New("повторная подпись того же адреса")
	// ErrQuorumAlreadyMet — кворум по запросу уже собран.
	ErrQuorumAlreadyMet = errors.New("кворум по запросу уже собран")
	// ErrInsufficientAllowance — остатка allowance аллокатора не хватает.
	ErrInsufficientAllowance = errors.New("недостаточный остаток allowance")
	// ErrExceedsCeiling — суммарный объём запросов превысит одобренный потолок.
	ErrExceedsCeiling = errors.New("превышение одобренного объёма datacap")
	// ErrNotVerifier — участник не входит в whitelist верификаторов аллокатора.
	ErrNotVerifier = errors.New("участник не входит в список верификаторов")
	// ErrCollaborator — отказ внешнего коллаборатора (GitHub, БД, блокчейн).
	ErrCollaborator = errors.New("ошибка внешнего коллаборатора")
)
