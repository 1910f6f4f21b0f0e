// Пакет appfile — доменная модель заявки на datacap: документ заявки,
// жизненный цикл, запросы на аллокацию с кворумом подписей.
// Чистые данные и преобразования, без I/O.
package appfile

// State — состояние жизненного цикла заявки.
type State string

const (
	StateSubmitted               State = "Submitted"
	StateKYCRequested            State = "KYCRequested"
	StateAdditionalInfoRequired  State = "AdditionalInfoRequired"
	StateAdditionalInfoSubmitted State = "AdditionalInfoSubmitted"
	StateChangesRequested        State = "ChangesRequested"
	StateReadyToSign             State = "ReadyToSign"
	StateStartSignDatacap        State = "StartSignDatacap"
	StateGranted                 State = "Granted"
	StateTotalDatacapReached     State = "TotalDatacapReached"

	// Боковые состояния вне линейного порядка.
	StateChangingSP State = "ChangingSP"
	StateError      State = "Error"
)

// stateRanks — линейный порядок состояний для guard-сравнений.
// KYCRequested, AdditionalInfoRequired и AdditionalInfoSubmitted —
// одноранговые состояния предварительного рассмотрения.
var stateRanks = map[State]int{
	StateSubmitted:               0,
	StateKYCRequested:            1,
	StateAdditionalInfoRequired:  1,
	StateAdditionalInfoSubmitted: 1,
	StateChangesRequested:        2,
	StateReadyToSign:             3,
	StateStartSignDatacap:        4,
	StateGranted:                 5,
	StateTotalDatacapReached:     6,
}

// Rank возвращает позицию состояния в линейном порядке.
// ok == false для боковых состояний (ChangingSP, Error) и неизвестных значений —
// они сравниваются только по идентичности.
func (s State) Rank() (rank int, ok bool) {
	rank, ok = stateRanks[s]
	return rank, ok
}

// Before сообщает, что s строго раньше other в линейном порядке.
// Для состояний вне порядка всегда false.
func (s State) Before(other State) bool {
	a, okA := s.Rank()
	b, okB := other.Rank()
	return okA && okB && a < b
}

// AtMost сообщает, что s не позже other в линейном порядке.
// Для состояний вне порядка всегда false.
func (s State) AtMost(other State) bool {
	a, okA := s.Rank()
	b, okB := other.Rank()
	return okA && okB && a <= b
}

// IsPreReview сообщает, что состояние относится к этапу предварительного
// рассмотрения (до governance review).
func (s State) IsPreReview() bool {
	switch s {
	case StateSubmitted, StateKYCRequested, StateAdditionalInfoRequired, StateAdditionalInfoSubmitted:
		return true
	}
	return false
}

// String возвращает строковое представление состояния (и метку для issue).
func (s State) String() string {
	return string(s)
}
