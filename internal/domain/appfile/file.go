package appfile

import (
	"encoding/json"
	"fmt"
)

// Client — сведения о клиенте из исходного issue.
type Client struct {
	Name            string `json:"Name"`
	Region          string `json:"Region"`
	Industry        string `json:"Industry"`
	Website         string `json:"Website"`
	SocialMedia     string `json:"Social Media"`
	SocialMediaType string `json:"Social Media Type"`
	Role            string `json:"Role"`
}

// Datacap — запрошенные клиентом объёмы. Объёмы хранятся строками
// документа ("10TiB"), разбор — через ParseSizeToBytes.
type Datacap struct {
	Type                 string `json:"Type"`
	DataType             string `json:"Data Type"`
	TotalRequestedAmount string `json:"Total Requested Amount"`
	SingleSizeDataset    string `json:"Single Size Dataset"`
	Replicas             int    `json:"Replicas"`
	WeeklyAllocation     string `json:"Weekly Allocation"`
}

// ApplicationFile — агрегат заявки: канонический JSON-документ,
// хранящийся в pull request. Изменяется только через оркестратор,
// записывается целиком (без частичных обновлений).
type ApplicationFile struct {
	Version               int                `json:"Version"`
	ID                    string             `json:"ID"`
	IssueNumber           string             `json:"Issue Number"`
	Client                Client             `json:"Client"`
	Datacap               Datacap            `json:"Datacap"`
	Lifecycle             Lifecycle          `json:"Lifecycle"`
	AllocationRequests    AllocationRequests `json:"Allocation Requests"`
	SpsChangeRequests     SpsChangeRequests  `json:"Storage Providers Change Requests,omitempty"`
	ClientContractAddress *string            `json:"Client Contract Address,omitempty"`
}

// NewApplicationFile создаёт заявку в состоянии Submitted.
func NewApplicationFile(id, issueNumber, multisigAddress string, client Client, datacap Datacap) ApplicationFile {
	return ApplicationFile{
		Version:            1,
		ID:                 id,
		IssueNumber:        issueNumber,
		Client:             client,
		Datacap:            datacap,
		Lifecycle:          NewSubmittedLifecycle(id, multisigAddress),
		AllocationRequests: AllocationRequests{},
	}
}

// ParseApplicationFile разбирает канонический документ заявки.
func ParseApplicationFile(data []byte) (ApplicationFile, error) {
	var f ApplicationFile
	if err := json.Unmarshal(data, &f); err != nil {
		return ApplicationFile{}, fmt.Errorf("разбор документа заявки: %w", err)
	}
	return f, nil
}

// Encode сериализует документ для записи в канонический store.
func (f ApplicationFile) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("сериализация документа заявки: %w", err)
	}
	return append(data, '\n'), nil
}

// clone возвращает глубокую копию агрегата.
func (f ApplicationFile) clone() ApplicationFile {
	res := f
	res.AllocationRequests = f.AllocationRequests.clone()
	res.SpsChangeRequests = f.SpsChangeRequests.clone()
	if f.Lifecycle.ActiveRequest != nil {
		id := *f.Lifecycle.ActiveRequest
		res.Lifecycle.ActiveRequest = &id
	}
	if f.Lifecycle.Edited != nil {
		e := *f.Lifecycle.Edited
		res.Lifecycle.Edited = &e
	}
	if f.ClientContractAddress != nil {
		addr := *f.ClientContractAddress
		res.ClientContractAddress = &addr
	}
	return res
}

// ActiveAllocation возвращает активный запрос на аллокацию.
func (f ApplicationFile) ActiveAllocation() (AllocationRequest, bool) {
	return f.AllocationRequests.ActiveRequest()
}

// CompleteGovernanceReview завершает governance review: открывает первый
// запрос и переводит заявку в ReadyToSign.
func (f ApplicationFile) CompleteGovernanceReview(actor string, request AllocationRequest) ApplicationFile {
	res := f.clone()
	res.Lifecycle = res.Lifecycle.FinishGovernanceReview(actor, request.ID)
	res.AllocationRequests = res.AllocationRequests.OpenRequest(request)
	return res
}

// StartRefillRequest открывает запрос на пополнение на выданной заявке.
func (f ApplicationFile) StartRefillRequest(request AllocationRequest) ApplicationFile {
	res := f.clone()
	res.Lifecycle = res.Lifecycle.StartRefill(request.ID)
	res.AllocationRequests = res.AllocationRequests.OpenRequest(request)
	return res
}

// AddSignerToAllocation добавляет подпись к запросу и применяет переход
// жизненного цикла, вычисленный оркестратором.
func (f ApplicationFile) AddSignerToAllocation(requestID string, signer Signer, lifecycle Lifecycle) ApplicationFile {
	res := f.clone()
	res.AllocationRequests = res.AllocationRequests.AddSigner(requestID, signer)
	res.Lifecycle = lifecycle
	return res
}

// AddSignerToAllocationAndComplete добавляет подпись, закрывает запрос
// (кворум собран) и применяет переход жизненного цикла.
func (f ApplicationFile) AddSignerToAllocationAndComplete(requestID string, signer Signer, lifecycle Lifecycle) ApplicationFile {
	res := f.clone()
	res.AllocationRequests = res.AllocationRequests.AddSignerAndComplete(requestID, signer)
	res.Lifecycle = lifecycle
	return res
}

// MoveBackToSubmitted откатывает заявку в Submitted: следы рассмотрения
// и все запросы на аллокацию очищаются (кворум сбрасывается).
func (f ApplicationFile) MoveBackToSubmitted() ApplicationFile {
	res := f.clone()
	res.Lifecycle = res.Lifecycle.MoveBackToSubmitted()
	res.AllocationRequests = AllocationRequests{}
	return res
}

// ReachedTotalDatacap деактивирует заявку: весь datacap выдан.
func (f ApplicationFile) ReachedTotalDatacap() ApplicationFile {
	res := f.clone()
	res.Lifecycle = res.Lifecycle.ReachedTotalDatacap()
	return res
}

// MarkEdited помечает документ как изменённый после входа в состояние
// рассмотрения. Выставленный флаг всегда проваливает валидацию.
func (f ApplicationFile) MarkEdited() ApplicationFile {
	res := f.clone()
	edited := true
	res.Lifecycle.Edited = &edited
	return res
}

// RequestKYC переводит заявку в KYCRequested.
func (f ApplicationFile) RequestKYC() ApplicationFile {
	res := f.clone()
	res.Lifecycle = res.Lifecycle.RequestKYC()
	return res
}

// RequestAdditionalInfo переводит заявку в AdditionalInfoRequired.
func (f ApplicationFile) RequestAdditionalInfo() ApplicationFile {
	res := f.clone()
	res.Lifecycle = res.Lifecycle.RequestAdditionalInfo()
	return res
}

// SubmitAdditionalInfo переводит заявку в AdditionalInfoSubmitted
// после обнаружения правки исходного issue.
func (f ApplicationFile) SubmitAdditionalInfo() ApplicationFile {
	res := f.clone()
	res.Lifecycle = res.Lifecycle.SubmitAdditionalInfo()
	return res
}

// StartSpsChange открывает запрос смены SP и переводит заявку в ChangingSP.
func (f ApplicationFile) StartSpsChange(request SpsChangeRequest) ApplicationFile {
	res := f.clone()
	res.Lifecycle = res.Lifecycle.StartChangingSP()
	res.SpsChangeRequests = res.SpsChangeRequests.AddChangeRequest(request)
	return res
}

// AddSignerToSpsChange добавляет подпись к активному запросу смены SP.
func (f ApplicationFile) AddSignerToSpsChange(requestID string, signer Signer) ApplicationFile {
	res := f.clone()
	res.SpsChangeRequests = res.SpsChangeRequests.AddSigner(requestID, signer)
	return res
}

// CompleteSpsChange закрывает запрос смены SP и возвращает заявку в
// состояние, из которого смена была начата: ReadyToSign, если запрос
// на аллокацию ещё открыт, иначе Granted.
func (f ApplicationFile) CompleteSpsChange(requestID string) ApplicationFile {
	res := f.clone()
	res.SpsChangeRequests = res.SpsChangeRequests.CompleteChangeRequest(requestID)
	_, allocationOpen := res.AllocationRequests.ActiveRequest()
	res.Lifecycle = res.Lifecycle.FinishChangingSP(allocationOpen)
	return res
}

// CheckInvariant проверяет инвариант агрегата: Active Request ID,
// если задан, ссылается на активный запрос, и активный запрос не более
// одного. Используется в тестах и при валидации документа.
func (f ApplicationFile) CheckInvariant() error {
	activeCount := 0
	for _, r := range f.AllocationRequests {
		if r.IsActive {
			activeCount++
		}
	}
	if activeCount > 1 {
		return fmt.Errorf("заявка %s: активных запросов %d, допустим один", f.ID, activeCount)
	}
	if f.Lifecycle.ActiveRequest != nil {
		r, ok := f.AllocationRequests.FindRequest(*f.Lifecycle.ActiveRequest)
		if !ok {
			return fmt.Errorf("заявка %s: Active Request ID %s не найден среди запросов", f.ID, *f.Lifecycle.ActiveRequest)
		}
		if !r.IsActive {
			return fmt.Errorf("заявка %s: Active Request ID %s ссылается на закрытый запрос", f.ID, *f.Lifecycle.ActiveRequest)
		}
	}
	return nil
}
