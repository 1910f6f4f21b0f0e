package appfile

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// RequestKind — вид запроса на аллокацию.
type RequestKind string

const (
	KindFirst   RequestKind = "First"
	KindRefill  RequestKind = "Refill"
	KindRemoval RequestKind = "Removal"
)

// RequestType — закрытый тип запроса: First | Refill(n) | Removal.
// Sequence имеет смысл только для Refill — порядковый номер пополнения.
type RequestType struct {
	Kind     RequestKind
	Sequence int
}

// First возвращает тип первого запроса.
func First() RequestType { return RequestType{Kind: KindFirst} }

// Refill возвращает тип n-го пополнения.
func Refill(n int) RequestType { return RequestType{Kind: KindRefill, Sequence: n} }

// Removal возвращает тип запроса на отзыв.
func Removal() RequestType { return RequestType{Kind: KindRemoval} }

// String: "First", "Removal", "Refill(2)".
func (t RequestType) String() string {
	if t.Kind == KindRefill {
		return fmt.Sprintf("Refill(%d)", t.Sequence)
	}
	return string(t.Kind)
}

var refillRe = regexp.MustCompile(`^Refill\((\d+)\)$`)

// MarshalJSON сериализует тип как строку документа.
func (t RequestType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON принимает "First", "Removal", "Refill" и "Refill(n)".
func (t *RequestType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	switch s {
	case "First":
		*t = First()
		return nil
	case "Removal":
		*t = Removal()
		return nil
	case "Refill":
		*t = Refill(0)
		return nil
	}
	if m := refillRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return fmt.Errorf("некорректный номер пополнения в %q: %w", s, err)
		}
		*t = Refill(n)
		return nil
	}
	return fmt.Errorf("неизвестный тип запроса %q", s)
}

// Signer — подпись участника мультисига. Записи только добавляются;
// единственный путь удаления — сброс кворума при откате состояния.
type Signer struct {
	GithubUsername       string `json:"Github Username"`
	SigningAddress       string `json:"Signing Address"`
	CreatedAt            string `json:"Created At"`
	MessageCID           string `json:"Message CID"`
	IncreaseAllowanceCID string `json:"Increase allowance CID,omitempty"`
}

// AllocationRequest — запрос на аллокацию datacap с кворумом подписей.
type AllocationRequest struct {
	ID          string      `json:"ID"`
	RequestType RequestType `json:"Request Type"`
	CreatedAt   string      `json:"Created At"`
	UpdatedAt   string      `json:"Updated At"`
	IsActive    bool        `json:"Active"`
	Amount      string      `json:"Allocation Amount"`
	Signers     []Signer    `json:"Signers"`
}

// NewAllocationRequest создаёт новый активный запрос без подписей.
func NewAllocationRequest(id string, reqType RequestType, amount string) AllocationRequest {
	now := nowString()
	return AllocationRequest{
		ID:          id,
		RequestType: reqType,
		CreatedAt:   now,
		UpdatedAt:   now,
		IsActive:    true,
		Amount:      amount,
		Signers:     []Signer{},
	}
}

// HasSigner сообщает, подписывал ли адрес этот запрос.
func (r AllocationRequest) HasSigner(signingAddress string) bool {
	for _, s := range r.Signers {
		if s.SigningAddress == signingAddress {
			return true
		}
	}
	return false
}

// AllocationRequests — упорядоченный список запросов заявки.
// Операции возвращают новый список, не изменяя исходный.
type AllocationRequests []AllocationRequest

// clone возвращает глубокую копию списка.
func (a AllocationRequests) clone() AllocationRequests {
	res := make(AllocationRequests, len(a))
	copy(res, a)
	for i := range res {
		signers := make([]Signer, len(res[i].Signers))
		copy(signers, res[i].Signers)
		res[i].Signers = signers
	}
	return res
}

// FindRequest возвращает запрос по id.
func (a AllocationRequests) FindRequest(requestID string) (AllocationRequest, bool) {
	for _, r := range a {
		if r.ID == requestID {
			return r, true
		}
	}
	return AllocationRequest{}, false
}

// ActiveRequest возвращает единственный активный запрос, если он есть.
func (a AllocationRequests) ActiveRequest() (AllocationRequest, bool) {
	for _, r := range a {
		if r.IsActive {
			return r, true
		}
	}
	return AllocationRequest{}, false
}

// HasActiveRequest сообщает о наличии активного запроса.
func (a AllocationRequests) HasActiveRequest() bool {
	_, ok := a.ActiveRequest()
	return ok
}

// OpenRequest добавляет новый активный запрос.
// Инвариант «не более одного активного запроса» обеспечивает вызывающий
// (оркестратор проверяет HasActiveRequest перед открытием).
func (a AllocationRequests) OpenRequest(request AllocationRequest) AllocationRequests {
	res := a.clone()
	return append(res, request)
}

// AddSigner добавляет подпись к активному запросу с данным id.
// Если запрос не найден или неактивен — возвращает список без изменений:
// проверка и пользовательская ошибка на стороне вызывающего.
func (a AllocationRequests) AddSigner(requestID string, signer Signer) AllocationRequests {
	res := a.clone()
	for i := range res {
		if res[i].ID == requestID && res[i].IsActive {
			res[i].Signers = append(res[i].Signers, signer)
			res[i].UpdatedAt = nowString()
			break
		}
	}
	return res
}

// AddSignerAndComplete добавляет подпись и закрывает запрос (кворум собран).
func (a AllocationRequests) AddSignerAndComplete(requestID string, signer Signer) AllocationRequests {
	res := a.clone()
	for i := range res {
		if res[i].ID == requestID && res[i].IsActive {
			res[i].Signers = append(res[i].Signers, signer)
			res[i].IsActive = false
			res[i].UpdatedAt = nowString()
			break
		}
	}
	return res
}

// CompleteAllocation закрывает активный запрос без добавления подписи.
func (a AllocationRequests) CompleteAllocation(requestID string) AllocationRequests {
	res := a.clone()
	for i := range res {
		if res[i].ID == requestID && res[i].IsActive {
			res[i].IsActive = false
			res[i].UpdatedAt = nowString()
		}
	}
	return res
}

// IsDuplicateSigner сообщает, подписывал ли адрес запрос с данным id.
// Вызывающий обязан проверить перед AddSigner, чтобы отклонить повторную
// подпись ошибкой «duplicate approval».
func (a AllocationRequests) IsDuplicateSigner(requestID, signingAddress string) bool {
	r, ok := a.FindRequest(requestID)
	if !ok {
		return false
	}
	return r.HasSigner(signingAddress)
}

// TotalRequested суммирует объёмы всех запросов в байтах.
// Запросы с нераспознаваемым объёмом пропускаются.
func (a AllocationRequests) TotalRequested() uint64 {
	var total uint64
	for _, r := range a {
		if bytes, ok := ParseSizeToBytes(r.Amount); ok {
			total += bytes
		}
	}
	return total
}
