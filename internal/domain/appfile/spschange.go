package appfile

// SpsChangeRequest — запрос на смену списка разрешённых storage providers.
// Параллельный кворум, не пересекающийся с запросами на аллокацию.
type SpsChangeRequest struct {
	ID           string   `json:"ID"`
	CreatedAt    string   `json:"Created At"`
	UpdatedAt    string   `json:"Updated At"`
	IsActive     bool     `json:"Active"`
	AllowedSPs   []uint64 `json:"Allowed Storage Providers,omitempty"`
	MaxDeviation string   `json:"Max Deviation,omitempty"`
	Signers      []Signer `json:"Signers"`
}

// NewSpsChangeRequest создаёт активный запрос смены SP с первой подписью.
func NewSpsChangeRequest(id string, allowedSPs []uint64, maxDeviation string, signer Signer) SpsChangeRequest {
	now := nowString()
	return SpsChangeRequest{
		ID:           id,
		CreatedAt:    now,
		UpdatedAt:    now,
		IsActive:     true,
		AllowedSPs:   allowedSPs,
		MaxDeviation: maxDeviation,
		Signers:      []Signer{signer},
	}
}

// HasSigner сообщает, подписывал ли адрес этот запрос.
func (r SpsChangeRequest) HasSigner(signingAddress string) bool {
	for _, s := range r.Signers {
		if s.SigningAddress == signingAddress {
			return true
		}
	}
	return false
}

// SpsChangeRequests — упорядоченный список запросов смены SP.
type SpsChangeRequests []SpsChangeRequest

// clone возвращает глубокую копию списка.
func (a SpsChangeRequests) clone() SpsChangeRequests {
	res := make(SpsChangeRequests, len(a))
	copy(res, a)
	for i := range res {
		signers := make([]Signer, len(res[i].Signers))
		copy(signers, res[i].Signers)
		res[i].Signers = signers
	}
	return res
}

// ActiveRequest возвращает активный запрос смены SP, если он есть.
func (a SpsChangeRequests) ActiveRequest() (SpsChangeRequest, bool) {
	for _, r := range a {
		if r.IsActive {
			return r, true
		}
	}
	return SpsChangeRequest{}, false
}

// FindActiveRequest возвращает активный запрос по id.
func (a SpsChangeRequests) FindActiveRequest(requestID string) (SpsChangeRequest, bool) {
	for _, r := range a {
		if r.ID == requestID && r.IsActive {
			return r, true
		}
	}
	return SpsChangeRequest{}, false
}

// AddChangeRequest добавляет новый запрос смены SP.
func (a SpsChangeRequests) AddChangeRequest(request SpsChangeRequest) SpsChangeRequests {
	res := a.clone()
	return append(res, request)
}

// AddSigner добавляет подпись к активному запросу с данным id.
// Запрос не найден или неактивен — список возвращается без изменений.
func (a SpsChangeRequests) AddSigner(requestID string, signer Signer) SpsChangeRequests {
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

// CompleteChangeRequest закрывает активный запрос (кворум собран).
func (a SpsChangeRequests) CompleteChangeRequest(requestID string) SpsChangeRequests {
	res := a.clone()
	for i := range res {
		if res[i].ID == requestID && res[i].IsActive {
			res[i].IsActive = false
			res[i].UpdatedAt = nowString()
		}
	}
	return res
}
