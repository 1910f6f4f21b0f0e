// applications.go — HTTP-обработчики workflow заявок.
// Мутирующие операции принимают id/owner/repo/github_username в query
// и JSON-тело; validate-операции принимают pr_number и возвращают
// булево; cache/renewal запускает reconciliation-проходы.
package handlers

import (
	"encoding/json"
	"net/http"

	apierrors "github.com/filgrant/application-module/internal/api/errors"
	"github.com/filgrant/application-module/internal/domain/appfile"
	"github.com/filgrant/application-module/internal/service"
)

// --- DTO запросов ---

// createApplicationRequest — тело POST /application.
// Вложенные client/datacap используют имена полей канонического документа.
type createApplicationRequest struct {
	ID          string          `json:"id"`
	IssueNumber int64           `json:"issue_number"`
	Client      appfile.Client  `json:"client"`
	Datacap     appfile.Datacap `json:"datacap"`
}

// triggerRequest — тело POST /application/trigger.
type triggerRequest struct {
	AllocationAmount      string  `json:"allocation_amount"`
	ClientContractAddress *string `json:"client_contract_address,omitempty"`
}

// messageCIDs — ссылки на подписанные off-chain сообщения.
type messageCIDs struct {
	MessageCID           string `json:"message_cid"`
	IncreaseAllowanceCID string `json:"increase_allowance_cid,omitempty"`
}

// signerPayload — подпись верификатора в теле запроса.
type signerPayload struct {
	SigningAddress string      `json:"signing_address"`
	CreatedAt      string      `json:"created_at"`
	MessageCIDs    messageCIDs `json:"message_cids"`
}

// signRequest — тело POST /application/propose и /application/approve.
type signRequest struct {
	Signer    signerPayload `json:"signer"`
	RequestID string        `json:"request_id"`
}

// spsChangeRequest — тело propose/approve_storage_providers.
// request_id обязателен только для approve; allowed_sps/max_deviation —
// только для propose.
type spsChangeRequest struct {
	Signer       signerPayload `json:"signer"`
	RequestID    string        `json:"request_id,omitempty"`
	AllowedSPs   []uint64      `json:"allowed_sps,omitempty"`
	MaxDeviation string        `json:"max_deviation,omitempty"`
}

// additionalInfoRequest — тело POST /application/additional_info_required.
type additionalInfoRequest struct {
	VerifierMessage string `json:"verifier_message"`
}

// refillRequest — тело POST /application/refill.
type refillRequest struct {
	AllocationAmount string `json:"allocation_amount"`
}

// validateRequest — тело validate-операций.
type validateRequest struct {
	PRNumber   int64  `json:"pr_number"`
	UserHandle string `json:"user_handle"`
	Owner      string `json:"owner"`
	Repo       string `json:"repo"`
}

// cacheRenewalRequest — тело POST /application/cache/renewal.
// Пустые owner/repo — прогон по всем аллокаторам.
type cacheRenewalRequest struct {
	Owner string `json:"owner"`
	Repo  string `json:"repo"`
}

// --- Вспомогательные функции ---

// applicationQuery извлекает обязательные query-параметры id/owner/repo.
// При отсутствии любого из них пишет 400 и возвращает ok=false.
func applicationQuery(w http.ResponseWriter, r *http.Request) (id, owner, repo string, ok bool) {
	q := r.URL.Query()
	id, owner, repo = q.Get("id"), q.Get("owner"), q.Get("repo")
	if id == "" || owner == "" || repo == "" {
		apierrors.ValidationError(w, "Обязательные query-параметры: id, owner, repo")
		return "", "", "", false
	}
	return id, owner, repo, true
}

// actorQuery извлекает github_username из query.
func actorQuery(w http.ResponseWriter, r *http.Request) (string, bool) {
	actor := r.URL.Query().Get("github_username")
	if actor == "" {
		apierrors.ValidationError(w, "Обязательный query-параметр: github_username")
		return "", false
	}
	return actor, true
}

// decodeBody разбирает JSON-тело запроса в dst.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		apierrors.ValidationError(w, "Некорректное JSON-тело запроса")
		return false
	}
	return true
}

// toSigner собирает доменную подпись из payload и github_username.
func toSigner(actor string, p signerPayload) appfile.Signer {
	return appfile.Signer{
		GithubUsername:       actor,
		SigningAddress:       p.SigningAddress,
		CreatedAt:            p.CreatedAt,
		MessageCID:           p.MessageCIDs.MessageCID,
		IncreaseAllowanceCID: p.MessageCIDs.IncreaseAllowanceCID,
	}
}

// validSigner проверяет обязательные поля подписи.
func validSigner(w http.ResponseWriter, p signerPayload) bool {
	if p.SigningAddress == "" || p.MessageCIDs.MessageCID == "" {
		apierrors.ValidationError(w, "Обязательные поля подписи: signing_address, message_cids.message_cid")
		return false
	}
	return true
}

// --- Создание и списки ---

// CreateApplication — POST /application. Создаёт новую заявку:
// ветку, первый коммит документа, pull request и строку кэша.
func (h *APIHandler) CreateApplication(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, repo := q.Get("owner"), q.Get("repo")
	if owner == "" || repo == "" {
		apierrors.ValidationError(w, "Обязательные query-параметры: owner, repo")
		return
	}

	var req createApplicationRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.ID == "" || req.IssueNumber == 0 {
		apierrors.ValidationError(w, "Обязательные поля: id, issue_number")
		return
	}

	file, err := h.apps.Create(r.Context(), owner, repo, service.CreateParams{
		ID:          req.ID,
		IssueNumber: req.IssueNumber,
		Client:      req.Client,
		Datacap:     req.Datacap,
	})
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, file)
}

// ListActiveApplications — GET /application. Активная партиция кэша.
func (h *APIHandler) ListActiveApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, repo := q.Get("owner"), q.Get("repo")
	if owner == "" || repo == "" {
		apierrors.ValidationError(w, "Обязательные query-параметры: owner, repo")
		return
	}

	apps, err := h.apps.ListActive(r.Context(), owner, repo)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// ListMergedApplications — GET /application/merged. Merged-партиция кэша.
func (h *APIHandler) ListMergedApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	owner, repo := q.Get("owner"), q.Get("repo")
	if owner == "" || repo == "" {
		apierrors.ValidationError(w, "Обязательные query-параметры: owner, repo")
		return
	}

	apps, err := h.apps.ListMerged(r.Context(), owner, repo)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// ListAllApplications — GET /applications. Обе партиции, все аллокаторы.
func (h *APIHandler) ListAllApplications(w http.ResponseWriter, r *http.Request) {
	apps, err := h.apps.ListAll(r.Context())
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// --- Переходы состояния ---

// TriggerApplication — POST /application/trigger.
// Завершает governance review: открывает первый allocation request.
func (h *APIHandler) TriggerApplication(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}
	actor, ok := actorQuery(w, r)
	if !ok {
		return
	}

	var req triggerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AllocationAmount == "" {
		apierrors.ValidationError(w, "Обязательное поле: allocation_amount")
		return
	}

	file, err := h.apps.Trigger(r.Context(), owner, repo, id, actor, req.AllocationAmount, req.ClientContractAddress)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// ProposeApplication — POST /application/propose. Первая подпись кворума.
func (h *APIHandler) ProposeApplication(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}
	actor, ok := actorQuery(w, r)
	if !ok {
		return
	}

	var req signRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		apierrors.ValidationError(w, "Обязательное поле: request_id")
		return
	}
	if !validSigner(w, req.Signer) {
		return
	}

	file, err := h.apps.Propose(r.Context(), owner, repo, id, req.RequestID, toSigner(actor, req.Signer))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// ApproveApplication — POST /application/approve. Очередная подпись;
// при достижении кворума закрывает запрос и переводит в Granted.
func (h *APIHandler) ApproveApplication(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}
	actor, ok := actorQuery(w, r)
	if !ok {
		return
	}

	var req signRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		apierrors.ValidationError(w, "Обязательное поле: request_id")
		return
	}
	if !validSigner(w, req.Signer) {
		return
	}

	file, err := h.apps.Approve(r.Context(), owner, repo, id, req.RequestID, toSigner(actor, req.Signer))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// ProposeStorageProvidersChange — POST /application/propose_storage_providers.
func (h *APIHandler) ProposeStorageProvidersChange(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}
	actor, ok := actorQuery(w, r)
	if !ok {
		return
	}

	var req spsChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if !validSigner(w, req.Signer) {
		return
	}

	file, err := h.apps.ProposeStorageProviders(r.Context(), owner, repo, id,
		toSigner(actor, req.Signer), req.AllowedSPs, req.MaxDeviation)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// ApproveStorageProvidersChange — POST /application/approve_storage_providers.
func (h *APIHandler) ApproveStorageProvidersChange(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}
	actor, ok := actorQuery(w, r)
	if !ok {
		return
	}

	var req spsChangeRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RequestID == "" {
		apierrors.ValidationError(w, "Обязательное поле: request_id")
		return
	}
	if !validSigner(w, req.Signer) {
		return
	}

	file, err := h.apps.ApproveStorageProviders(r.Context(), owner, repo, id,
		req.RequestID, toSigner(actor, req.Signer))
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// DeclineApplication — POST /application/decline.
func (h *APIHandler) DeclineApplication(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}

	if err := h.apps.Decline(r.Context(), owner, repo, id); err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "declined"})
}

// AdditionalInfoRequired — POST /application/additional_info_required.
func (h *APIHandler) AdditionalInfoRequired(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}

	var req additionalInfoRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.VerifierMessage == "" {
		apierrors.ValidationError(w, "Обязательное поле: verifier_message")
		return
	}

	file, err := h.apps.AdditionalInfoRequired(r.Context(), owner, repo, id, req.VerifierMessage)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// RequestKYC — POST /application/kyc_request.
func (h *APIHandler) RequestKYC(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}

	file, err := h.apps.RequestKYC(r.Context(), owner, repo, id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// IssueEdited — POST /application/issue_edited. Вызывается automation-хуком
// при правке исходного issue; ставит флаг edited.
func (h *APIHandler) IssueEdited(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}

	file, err := h.apps.SourceIssueEdited(r.Context(), owner, repo, id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// RefillApplication — POST /application/refill. Новый allocation request
// на merged-заявке в пределах одобренного потолка.
func (h *APIHandler) RefillApplication(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}

	var req refillRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.AllocationAmount == "" {
		apierrors.ValidationError(w, "Обязательное поле: allocation_amount")
		return
	}

	file, err := h.apps.Refill(r.Context(), owner, repo, id, req.AllocationAmount)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// TotalDcReached — POST /application/totaldcreached. Заявка выбрала
// весь запрошенный datacap; документ становится неактивным.
func (h *APIHandler) TotalDcReached(w http.ResponseWriter, r *http.Request) {
	id, owner, repo, ok := applicationQuery(w, r)
	if !ok {
		return
	}

	file, err := h.apps.TotalDcReached(r.Context(), owner, repo, id)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, file)
}

// --- Validate-операции ---

// validateBody разбирает и проверяет тело validate-запроса.
func validateBody(w http.ResponseWriter, r *http.Request) (*validateRequest, bool) {
	var req validateRequest
	if !decodeBody(w, r, &req) {
		return nil, false
	}
	if req.PRNumber <= 0 || req.Owner == "" || req.Repo == "" {
		apierrors.ValidationError(w, "Обязательные поля: pr_number, owner, repo")
		return nil, false
	}
	return &req, true
}

// ValidateTrigger — POST /application/trigger/validate.
// Проверяет легитимность ReadyToSign; нелегитимный документ
// принудительно возвращается в Submitted.
func (h *APIHandler) ValidateTrigger(w http.ResponseWriter, r *http.Request) {
	req, ok := validateBody(w, r)
	if !ok {
		return
	}

	valid, err := h.apps.ValidateTrigger(r.Context(), req.Owner, req.Repo, req.PRNumber)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valid)
}

// ValidateProposal — POST /application/proposal/validate.
func (h *APIHandler) ValidateProposal(w http.ResponseWriter, r *http.Request) {
	req, ok := validateBody(w, r)
	if !ok {
		return
	}

	valid, err := h.apps.ValidateProposal(r.Context(), req.Owner, req.Repo, req.PRNumber)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valid)
}

// ValidateApproval — POST /application/approval/validate.
func (h *APIHandler) ValidateApproval(w http.ResponseWriter, r *http.Request) {
	req, ok := validateBody(w, r)
	if !ok {
		return
	}

	valid, err := h.apps.ValidateApproval(r.Context(), req.Owner, req.Repo, req.PRNumber)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valid)
}

// ValidateMerge — POST /application/merge/validate. При успехе
// дополнительно выполняет merge PR и перенос строки кэша в
// merged-партицию.
func (h *APIHandler) ValidateMerge(w http.ResponseWriter, r *http.Request) {
	req, ok := validateBody(w, r)
	if !ok {
		return
	}

	valid, err := h.apps.ValidateMerge(r.Context(), req.Owner, req.Repo, req.PRNumber)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, valid)
}

// --- Reconciliation ---

// CacheRenewal — POST /application/cache/renewal. Запускает
// reconciliation-проходы: по одному репозиторию или по всем аллокаторам.
func (h *APIHandler) CacheRenewal(w http.ResponseWriter, r *http.Request) {
	var req cacheRenewalRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if req.Owner == "" && req.Repo == "" {
		results, err := h.sync.SyncAll(r.Context())
		if err != nil {
			h.respondServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, results)
		return
	}

	if req.Owner == "" || req.Repo == "" {
		apierrors.ValidationError(w, "owner и repo указываются вместе либо оба опускаются")
		return
	}

	result, err := h.sync.SyncRepo(r.Context(), req.Owner, req.Repo)
	if err != nil {
		h.respondServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}
