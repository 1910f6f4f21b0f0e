// Пакет errors — конструкторы стандартных ошибок API Application Module.
// Единый формат: {"error": {"code": "...", "message": "..."}}.
// Все HTTP-ответы с ошибками должны использовать WriteError.
package errors

import (
	"encoding/json"
	"net/http"
)

// Машиночитаемые коды ошибок.
const (
	CodeValidationError       = "VALIDATION_ERROR"
	CodeNotFound              = "NOT_FOUND"
	CodeUnauthorized          = "UNAUTHORIZED"
	CodeForbidden             = "FORBIDDEN"
	CodeIllegalTransition     = "ILLEGAL_TRANSITION"
	CodeDuplicateSignature    = "DUPLICATE_SIGNATURE"
	CodeQuorumAlreadyMet      = "QUORUM_ALREADY_MET"
	CodeInsufficientAllowance = "INSUFFICIENT_ALLOWANCE"
	CodeExceedsCeiling        = "EXCEEDS_CEILING"
	CodeUpstreamUnavailable   = "UPSTREAM_UNAVAILABLE"
	CodeInternalError         = "INTERNAL_ERROR"
)

// errorBody — структура тела ответа ошибки.
type errorBody struct {
	Error errorDetail `json:"error"`
}

// errorDetail — детали ошибки.
type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// WriteError записывает ответ ошибки в стандартном формате.
// statusCode — HTTP статус-код, code — машиночитаемый код, message — описание.
func WriteError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// --- Конструкторы для типичных ошибок ---

// ValidationError — 400 некорректные входные данные.
func ValidationError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeValidationError, message)
}

// NotFound — 404 ресурс не найден.
func NotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, CodeNotFound, message)
}

// Unauthorized — 401 требуется аутентификация.
func Unauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, CodeUnauthorized, message)
}

// Forbidden — 403 недостаточно прав.
func Forbidden(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusForbidden, CodeForbidden, message)
}

// IllegalTransition — 409 операция недопустима в текущем состоянии заявки.
func IllegalTransition(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeIllegalTransition, message)
}

// DuplicateSignature — 409 адрес уже подписал запрос.
func DuplicateSignature(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeDuplicateSignature, message)
}

// QuorumAlreadyMet — 409 кворум подписей уже собран.
func QuorumAlreadyMet(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusConflict, CodeQuorumAlreadyMet, message)
}

// InsufficientAllowance — 400 остатка allowance аллокатора не хватает.
func InsufficientAllowance(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeInsufficientAllowance, message)
}

// ExceedsCeiling — 400 суммарный объём превышает одобренный потолок.
func ExceedsCeiling(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, CodeExceedsCeiling, message)
}

// UpstreamUnavailable — 502 внешняя зависимость (GitHub, Lotus, БД) недоступна.
func UpstreamUnavailable(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadGateway, CodeUpstreamUnavailable, message)
}

// InternalError — 500 внутренняя ошибка.
func InternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, CodeInternalError, message)
}
