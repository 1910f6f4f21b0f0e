package appfile

import "time"

// Lifecycle — жизненный цикл заявки внутри документа.
// Пустая строка в Validated At / Validated By означает «не заполнено».
type Lifecycle struct {
	State                State   `json:"State"`
	ValidatedAt          string  `json:"Validated At"`
	ValidatedBy          string  `json:"Validated By"`
	IsActive             bool    `json:"Is Active"`
	ActiveRequest        *string `json:"Active Request ID"`
	ClientOnChainAddress string  `json:"On Chain Address"`
	MultisigAddress      string  `json:"Multisig Address"`
	// Edited выставляется, когда исходный issue изменён после входа
	// в состояние рассмотрения. nil трактуется как false.
	Edited *bool `json:"edited,omitempty"`
}

// nowString — единый формат временных меток документа.
func nowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// NewSubmittedLifecycle создаёт жизненный цикл новой заявки.
func NewSubmittedLifecycle(clientAddress, multisigAddress string) Lifecycle {
	return Lifecycle{
		State:                StateSubmitted,
		ValidatedAt:          "",
		ValidatedBy:          "",
		IsActive:             true,
		ActiveRequest:        nil,
		ClientOnChainAddress: clientAddress,
		MultisigAddress:      multisigAddress,
	}
}

// IsEdited трактует nil как false.
func (l Lifecycle) IsEdited() bool {
	return l.Edited != nil && *l.Edited
}

// FinishGovernanceReview завершает governance review: ReadyToSign,
// фиксирует проверяющего и активный запрос.
func (l Lifecycle) FinishGovernanceReview(actor, requestID string) Lifecycle {
	l.State = StateReadyToSign
	l.ValidatedAt = nowString()
	l.ValidatedBy = actor
	l.ActiveRequest = &requestID
	return l
}

// FinishProposal фиксирует первую подпись: StartSignDatacap.
func (l Lifecycle) FinishProposal() Lifecycle {
	l.State = StateStartSignDatacap
	return l
}

// FinishApproval фиксирует кворум: Granted, активный запрос закрыт.
func (l Lifecycle) FinishApproval() Lifecycle {
	l.State = StateGranted
	l.ActiveRequest = nil
	return l
}

// StartRefill открывает запрос на пополнение на выданной заявке.
func (l Lifecycle) StartRefill(requestID string) Lifecycle {
	l.State = StateReadyToSign
	l.ActiveRequest = &requestID
	return l
}

// StartChangingSP переводит заявку в боковое состояние смены SP.
// Предыдущее состояние не запоминается: вход возможен только из
// ReadyToSign (открыт запрос на аллокацию) или Granted, поэтому выход
// восстанавливается по наличию открытого запроса (см. FinishChangingSP).
func (l Lifecycle) StartChangingSP() Lifecycle {
	l.State = StateChangingSP
	return l
}

// FinishChangingSP завершает смену SP. Если запрос на аллокацию ещё
// открыт, заявка возвращается в ReadyToSign к сбору подписей, иначе —
// в Granted.
func (l Lifecycle) FinishChangingSP(allocationOpen bool) Lifecycle {
	if allocationOpen {
		l.State = StateReadyToSign
	} else {
		l.State = StateGranted
	}
	return l
}

// RequestKYC переводит заявку в ожидание KYC.
func (l Lifecycle) RequestKYC() Lifecycle {
	l.State = StateKYCRequested
	return l
}

// RequestAdditionalInfo переводит заявку в ожидание дополнительной информации.
func (l Lifecycle) RequestAdditionalInfo() Lifecycle {
	l.State = StateAdditionalInfoRequired
	return l
}

// SubmitAdditionalInfo фиксирует, что клиент обновил исходный issue.
func (l Lifecycle) SubmitAdditionalInfo() Lifecycle {
	l.State = StateAdditionalInfoSubmitted
	return l
}

// ReachedTotalDatacap деактивирует заявку: весь запрошенный datacap выдан.
func (l Lifecycle) ReachedTotalDatacap() Lifecycle {
	l.State = StateTotalDatacapReached
	l.IsActive = false
	return l
}

// MoveBackToSubmitted откатывает заявку в Submitted, очищая следы
// рассмотрения. Используется validation gate для самовосстановления.
func (l Lifecycle) MoveBackToSubmitted() Lifecycle {
	l.State = StateSubmitted
	l.ValidatedAt = ""
	l.ValidatedBy = ""
	l.ActiveRequest = nil
	return l
}
