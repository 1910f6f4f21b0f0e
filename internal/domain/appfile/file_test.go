package appfile

import (
	"encoding/json"
	"strings"
	"testing"
)

func newTestApplication() ApplicationFile {
	return NewApplicationFile(
		"f1client",
		"42",
		"f2multisig",
		Client{Name: "Test Client", Region: "EU", Role: "data owner"},
		Datacap{TotalRequestedAmount: "100TiB", WeeklyAllocation: "10TiB"},
	)
}

func TestNewApplicationFile(t *testing.T) {
	app := newTestApplication()

	if app.Lifecycle.State != StateSubmitted {
		t.Errorf("State = %s, ожидается Submitted", app.Lifecycle.State)
	}
	if !app.Lifecycle.IsActive {
		t.Error("новая заявка не активна")
	}
	if app.Lifecycle.ActiveRequest != nil {
		t.Error("новая заявка имеет Active Request ID")
	}
	if app.Lifecycle.MultisigAddress != "f2multisig" {
		t.Errorf("MultisigAddress = %q, ожидается f2multisig", app.Lifecycle.MultisigAddress)
	}
	if err := app.CheckInvariant(); err != nil {
		t.Errorf("CheckInvariant: %v", err)
	}
}

func TestApplicationFile_CompleteGovernanceReview(t *testing.T) {
	app := newTestApplication()
	req := NewAllocationRequest("req-1", First(), "10TiB")

	next := app.CompleteGovernanceReview("gov-reviewer", req)

	if next.Lifecycle.State != StateReadyToSign {
		t.Errorf("State = %s, ожидается ReadyToSign", next.Lifecycle.State)
	}
	if next.Lifecycle.ValidatedBy != "gov-reviewer" {
		t.Errorf("ValidatedBy = %q, ожидается gov-reviewer", next.Lifecycle.ValidatedBy)
	}
	if next.Lifecycle.ValidatedAt == "" {
		t.Error("ValidatedAt не заполнен")
	}
	if next.Lifecycle.ActiveRequest == nil || *next.Lifecycle.ActiveRequest != "req-1" {
		t.Errorf("ActiveRequest = %v, ожидается req-1", next.Lifecycle.ActiveRequest)
	}
	if err := next.CheckInvariant(); err != nil {
		t.Errorf("CheckInvariant: %v", err)
	}
	// Исходный агрегат не изменён
	if app.Lifecycle.State != StateSubmitted || len(app.AllocationRequests) != 0 {
		t.Error("исходный агрегат изменён")
	}
}

func TestApplicationFile_ApprovalFlow(t *testing.T) {
	app := newTestApplication()
	req := NewAllocationRequest("req-1", First(), "10TiB")
	app = app.CompleteGovernanceReview("gov-reviewer", req)

	// Первая подпись (proposal)
	app = app.AddSignerToAllocation("req-1",
		Signer{GithubUsername: "verifier-a", SigningAddress: "f1a", MessageCID: "bafy-a"},
		app.Lifecycle.FinishProposal(),
	)
	if app.Lifecycle.State != StateStartSignDatacap {
		t.Fatalf("State = %s, ожидается StartSignDatacap", app.Lifecycle.State)
	}

	// Вторая подпись — кворум, запрос закрыт
	app = app.AddSignerToAllocationAndComplete("req-1",
		Signer{GithubUsername: "verifier-b", SigningAddress: "f1b", MessageCID: "bafy-b"},
		app.Lifecycle.FinishApproval(),
	)
	if app.Lifecycle.State != StateGranted {
		t.Errorf("State = %s, ожидается Granted", app.Lifecycle.State)
	}
	if app.Lifecycle.ActiveRequest != nil {
		t.Error("ActiveRequest не очищен после кворума")
	}
	r, _ := app.AllocationRequests.FindRequest("req-1")
	if r.IsActive {
		t.Error("запрос остался активным после кворума")
	}
	if len(r.Signers) != 2 {
		t.Errorf("подписей %d, ожидается 2", len(r.Signers))
	}
	if err := app.CheckInvariant(); err != nil {
		t.Errorf("CheckInvariant: %v", err)
	}
}

func TestApplicationFile_MoveBackToSubmitted(t *testing.T) {
	app := newTestApplication()
	app = app.CompleteGovernanceReview("gov-reviewer", NewAllocationRequest("req-1", First(), "10TiB"))
	app = app.AddSignerToAllocation("req-1", Signer{SigningAddress: "f1a"}, app.Lifecycle.FinishProposal())

	reverted := app.MoveBackToSubmitted()

	if reverted.Lifecycle.State != StateSubmitted {
		t.Errorf("State = %s, ожидается Submitted", reverted.Lifecycle.State)
	}
	if reverted.Lifecycle.ValidatedBy != "" || reverted.Lifecycle.ValidatedAt != "" {
		t.Error("следы рассмотрения не очищены")
	}
	if reverted.Lifecycle.ActiveRequest != nil {
		t.Error("ActiveRequest не очищен")
	}
	if len(reverted.AllocationRequests) != 0 {
		t.Error("запросы на аллокацию не очищены (кворум должен сбрасываться)")
	}
}

func TestApplicationFile_RefillFlow(t *testing.T) {
	app := newTestApplication()
	app = app.CompleteGovernanceReview("gov-reviewer", NewAllocationRequest("req-1", First(), "10TiB"))
	app = app.AddSignerToAllocationAndComplete("req-1", Signer{SigningAddress: "f1a"}, app.Lifecycle.FinishApproval())

	app = app.StartRefillRequest(NewAllocationRequest("req-2", Refill(1), "20TiB"))

	if app.Lifecycle.State != StateReadyToSign {
		t.Errorf("State = %s, ожидается ReadyToSign", app.Lifecycle.State)
	}
	active, ok := app.ActiveAllocation()
	if !ok || active.ID != "req-2" {
		t.Fatalf("активный запрос = %v, ожидается req-2", active.ID)
	}
	if active.RequestType != Refill(1) {
		t.Errorf("RequestType = %v, ожидается Refill(1)", active.RequestType)
	}
	if err := app.CheckInvariant(); err != nil {
		t.Errorf("CheckInvariant: %v", err)
	}
}

func TestApplicationFile_SpsChangeFlow(t *testing.T) {
	app := newTestApplication()
	app = app.CompleteGovernanceReview("gov-reviewer", NewAllocationRequest("req-1", First(), "10TiB"))
	app = app.AddSignerToAllocationAndComplete("req-1", Signer{SigningAddress: "f1a"}, app.Lifecycle.FinishApproval())

	req := NewSpsChangeRequest("sps-1", []uint64{1001, 1002}, "10%", Signer{SigningAddress: "f1a"})
	app = app.StartSpsChange(req)

	if app.Lifecycle.State != StateChangingSP {
		t.Fatalf("State = %s, ожидается ChangingSP", app.Lifecycle.State)
	}

	app = app.AddSignerToSpsChange("sps-1", Signer{SigningAddress: "f1b"})
	app = app.CompleteSpsChange("sps-1")

	if app.Lifecycle.State != StateGranted {
		t.Errorf("State = %s, ожидается Granted", app.Lifecycle.State)
	}
	r, ok := app.SpsChangeRequests.FindActiveRequest("sps-1")
	if ok {
		t.Errorf("запрос смены SP остался активным: %+v", r)
	}
	if len(app.SpsChangeRequests) != 1 || len(app.SpsChangeRequests[0].Signers) != 2 {
		t.Error("подписи запроса смены SP потеряны")
	}
}

// Смена SP, начатая до выдачи datacap: запрос на аллокацию ещё открыт,
// поэтому завершение возвращает заявку в ReadyToSign, а не в Granted.
func TestApplicationFile_SpsChangeBeforeGrant(t *testing.T) {
	app := newTestApplication()
	app = app.CompleteGovernanceReview("gov-reviewer", NewAllocationRequest("req-1", First(), "10TiB"))

	app = app.StartSpsChange(NewSpsChangeRequest("sps-1", []uint64{1001}, "10%", Signer{SigningAddress: "f1a"}))
	app = app.CompleteSpsChange("sps-1")

	if app.Lifecycle.State != StateReadyToSign {
		t.Errorf("State = %s, ожидается ReadyToSign", app.Lifecycle.State)
	}
	active, ok := app.ActiveAllocation()
	if !ok {
		t.Fatal("запрос на аллокацию потерян")
	}
	if active.ID != "req-1" || len(active.Signers) != 0 {
		t.Errorf("запрос на аллокацию изменился: %+v", active)
	}
	if err := app.CheckInvariant(); err != nil {
		t.Errorf("CheckInvariant() = %v", err)
	}
}

func TestApplicationFile_DocumentShape(t *testing.T) {
	app := newTestApplication()
	app = app.CompleteGovernanceReview("gov-reviewer", NewAllocationRequest("req-1", First(), "10TiB"))

	data, err := app.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Имена полей канонического документа
	for _, field := range []string{
		`"ID"`, `"Issue Number"`, `"Lifecycle"`, `"Allocation Requests"`,
		`"Validated By"`, `"Active Request ID"`, `"Request Type"`,
		`"Allocation Amount"`, `"Signers"`, `"Multisig Address"`,
	} {
		if !strings.Contains(string(data), field) {
			t.Errorf("в документе отсутствует поле %s", field)
		}
	}

	parsed, err := ParseApplicationFile(data)
	if err != nil {
		t.Fatalf("ParseApplicationFile: %v", err)
	}
	if parsed.Lifecycle.State != StateReadyToSign {
		t.Errorf("State после разбора = %s, ожидается ReadyToSign", parsed.Lifecycle.State)
	}
	if len(parsed.AllocationRequests) != 1 || parsed.AllocationRequests[0].ID != "req-1" {
		t.Error("запросы на аллокацию потеряны при разборе")
	}
}

func TestApplicationFile_CheckInvariantViolations(t *testing.T) {
	app := newTestApplication()
	badID := "req-missing"

	t.Run("ссылка на несуществующий запрос", func(t *testing.T) {
		broken := app
		broken.Lifecycle.ActiveRequest = &badID
		if err := broken.CheckInvariant(); err == nil {
			t.Error("CheckInvariant не обнаружил битую ссылку")
		}
	})

	t.Run("два активных запроса", func(t *testing.T) {
		broken := app
		broken.AllocationRequests = AllocationRequests{
			NewAllocationRequest("a", First(), "1TiB"),
			NewAllocationRequest("b", Refill(1), "1TiB"),
		}
		if err := broken.CheckInvariant(); err == nil {
			t.Error("CheckInvariant не обнаружил два активных запроса")
		}
	})

	t.Run("ссылка на закрытый запрос", func(t *testing.T) {
		broken := app
		closed := NewAllocationRequest("req-1", First(), "1TiB")
		closed.IsActive = false
		id := "req-1"
		broken.AllocationRequests = AllocationRequests{closed}
		broken.Lifecycle.ActiveRequest = &id
		if err := broken.CheckInvariant(); err == nil {
			t.Error("CheckInvariant не обнаружил ссылку на закрытый запрос")
		}
	})
}

func TestApplicationFile_EditedFlag(t *testing.T) {
	app := newTestApplication()
	if app.Lifecycle.IsEdited() {
		t.Error("IsEdited() = true для новой заявки")
	}

	edited := app.MarkEdited()
	if !edited.Lifecycle.IsEdited() {
		t.Error("IsEdited() = false после MarkEdited")
	}

	// nil трактуется как false после разбора старого документа
	data, _ := json.Marshal(app)
	parsed, err := ParseApplicationFile(data)
	if err != nil {
		t.Fatalf("ParseApplicationFile: %v", err)
	}
	if parsed.Lifecycle.IsEdited() {
		t.Error("IsEdited() = true для документа без поля edited")
	}
}
