// application.go — оркестратор workflow заявок.
//
// Каждая публичная операция следует одной схеме: загрузка документа →
// state guard → разрешение порога → чистое преобразование домена →
// запись в канонический store, затем в кэш → уведомление в issue.
// Запись в кэш best-effort: отказ логируется и не откатывает
// каноническую запись, расхождение чинит reconciliation-проход.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/google/uuid"

	"github.com/filgrant/application-module/internal/domain/appfile"
	"github.com/filgrant/application-module/internal/domain/model"
	"github.com/filgrant/application-module/internal/ghclient"
	"github.com/filgrant/application-module/internal/repository"
)

// Комментарии в issue (публичные, на языке площадки).
const (
	commentUnderReview    = "Application is under review of governance team"
	commentReadyToSign    = "Application is ready to sign"
	commentStartSign      = "Application datacap signing has started"
	commentGranted        = "Application is Granted"
	commentDeclined       = "Application has been declined"
	commentTotalDcReached = "Application has reached total datacap"
	commentSpsChangeDone  = "Storage provider list change is approved"
	commentKYCRequested   = "KYC verification is required to proceed with the application"
)

// ApplicationService — оркестратор переходов состояния заявок.
type ApplicationService struct {
	factory       GithubClientFactory
	appRepo       repository.ApplicationRepository
	allocatorRepo repository.AllocatorRepository
	thresholds    *ThresholdResolver
	allowance     AllowanceClient
	logger        *slog.Logger
}

// NewApplicationService создаёт оркестратор.
func NewApplicationService(
	factory GithubClientFactory,
	appRepo repository.ApplicationRepository,
	allocatorRepo repository.AllocatorRepository,
	thresholds *ThresholdResolver,
	allowance AllowanceClient,
	logger *slog.Logger,
) *ApplicationService {
	return &ApplicationService{
		factory:       factory,
		appRepo:       appRepo,
		allocatorRepo: allocatorRepo,
		thresholds:    thresholds,
		allowance:     allowance,
		logger:        logger.With(slog.String("component", "application_service")),
	}
}

// allocatorAndClient загружает конфигурацию аллокатора и создаёт клиент
// канонического store его репозитория.
func (s *ApplicationService) allocatorAndClient(ctx context.Context, owner, repo string) (*model.Allocator, GithubClient, error) {
	allocator, err := s.allocatorRepo.GetByOwnerRepo(ctx, owner, repo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("аллокатор %s/%s: %w", owner, repo, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("%w: загрузка аллокатора: %v", ErrCollaborator, err)
	}

	client, err := s.factory.ClientFor(ctx, owner, repo, allocator.InstallationID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: клиент репозитория: %v", ErrCollaborator, err)
	}
	return allocator, client, nil
}

// loadActive загружает активную заявку: строку кэша и канонический
// документ из ветки заявки. SHA файла — CAS-токен последующей записи.
func (s *ApplicationService) loadActive(ctx context.Context, client GithubClient, owner, repo, id string) (*model.Application, appfile.ApplicationFile, string, error) {
	row, err := s.appRepo.GetAnyPartition(ctx, id, owner, repo)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appfile.ApplicationFile{}, "", fmt.Errorf("заявка %s: %w", id, ErrNotFound)
		}
		return nil, appfile.ApplicationFile{}, "", fmt.Errorf("%w: чтение кэша: %v", ErrCollaborator, err)
	}
	if row.Merged() {
		return nil, appfile.ApplicationFile{}, "", fmt.Errorf("заявка %s уже слита: %w", id, ErrIllegalTransition)
	}

	file, sha, err := s.readDocument(ctx, client, id, ghclient.BranchName(id))
	if err != nil {
		return nil, appfile.ApplicationFile{}, "", err
	}
	return row, file, sha, nil
}

// loadMerged загружает заявку слитого раздела (документ в ветке по умолчанию).
func (s *ApplicationService) loadMerged(ctx context.Context, client GithubClient, owner, repo, id string) (*model.Application, appfile.ApplicationFile, string, string, error) {
	row, err := s.appRepo.Get(ctx, id, owner, repo, 0)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appfile.ApplicationFile{}, "", "", fmt.Errorf("слитая заявка %s: %w", id, ErrNotFound)
		}
		return nil, appfile.ApplicationFile{}, "", "", fmt.Errorf("%w: чтение кэша: %v", ErrCollaborator, err)
	}

	defaultBranch, err := client.DefaultBranch(ctx)
	if err != nil {
		return nil, appfile.ApplicationFile{}, "", "", fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	file, sha, err := s.readDocument(ctx, client, id, defaultBranch)
	if err != nil {
		return nil, appfile.ApplicationFile{}, "", "", err
	}
	return row, file, sha, defaultBranch, nil
}

// readDocument читает и разбирает канонический документ заявки.
// Повреждённый JSON помечает issue меткой ошибки (вмешательство человека).
func (s *ApplicationService) readDocument(ctx context.Context, client GithubClient, id, ref string) (appfile.ApplicationFile, string, error) {
	content, err := client.GetFile(ctx, ghclient.FilePath(id), ref)
	if err != nil {
		return appfile.ApplicationFile{}, "", fmt.Errorf("%w: чтение документа %s: %v", ErrCollaborator, id, err)
	}

	file, err := appfile.ParseApplicationFile([]byte(content.Content))
	if err != nil {
		s.markParseError(ctx, client, id)
		return appfile.ApplicationFile{}, "", fmt.Errorf("%w: документ %s повреждён: %v", ErrCollaborator, id, err)
	}
	return file, content.SHA, nil
}

// markParseError помечает issue заявки меткой ошибки.
func (s *ApplicationService) markParseError(ctx context.Context, client GithubClient, id string) {
	row, err := s.appRepo.GetAnyPartition(ctx, id, client.Owner(), client.Repo())
	if err != nil {
		return
	}
	if err := client.ReplaceIssueLabels(ctx, row.IssueNumber, []string{"Error"}); err != nil {
		s.logger.Warn("Не удалось пометить issue меткой ошибки",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}

// persist записывает документ: сначала канонический store (CAS по SHA),
// затем кэш. Отказ кэша логируется и оставляется reconciliation-проходу.
func (s *ApplicationService) persist(ctx context.Context, client GithubClient, row *model.Application, file appfile.ApplicationFile, branch, sha, message string) error {
	content, err := file.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	newSHA, err := client.UpdateFileContent(ctx, ghclient.FilePath(file.ID), message, string(content), branch, sha)
	if err != nil {
		return fmt.Errorf("%w: запись документа %s: %v", ErrCollaborator, file.ID, err)
	}

	row.Application = string(content)
	row.SHA = newSHA
	if err := s.appRepo.Update(ctx, row); err != nil {
		s.logger.Warn("Запись в кэш не удалась, исправит reconciliation",
			slog.String("id", file.ID),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

// notify добавляет комментарий и заменяет метки issue. Отказы
// уведомлений не откатывают уже применённый переход.
func (s *ApplicationService) notify(ctx context.Context, client GithubClient, issueNumber int64, comment string, labels []string) {
	if comment != "" {
		if err := client.AddCommentToIssue(ctx, issueNumber, comment); err != nil {
			s.logger.Warn("Не удалось добавить комментарий к issue",
				slog.Int64("issue", issueNumber),
				slog.String("error", err.Error()),
			)
		}
	}
	if labels != nil {
		if err := client.ReplaceIssueLabels(ctx, issueNumber, labels); err != nil {
			s.logger.Warn("Не удалось заменить метки issue",
				slog.Int64("issue", issueNumber),
				slog.String("error", err.Error()),
			)
		}
	}
}

// CreateParams — параметры новой заявки (из исходного issue).
type CreateParams struct {
	ID          string
	IssueNumber int64
	Client      appfile.Client
	Datacap     appfile.Datacap
}

// Create создаёт новую заявку: документ в состоянии Submitted, ветка,
// первый коммит, pull request и строка кэша.
func (s *ApplicationService) Create(ctx context.Context, owner, repo string, p CreateParams) (*appfile.ApplicationFile, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	branch := ghclient.BranchName(p.ID)
	if err := client.CreateBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	file := appfile.NewApplicationFile(p.ID, strconv.FormatInt(p.IssueNumber, 10),
		allocator.MultisigAddress, p.Client, p.Datacap)
	content, err := file.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	commitMsg := fmt.Sprintf("Start Application: %s-%s", owner, p.ID)
	sha, err := client.CreateFile(ctx, ghclient.FilePath(p.ID), commitMsg, string(content), branch)
	if err != nil {
		return nil, fmt.Errorf("%w: создание документа: %v", ErrCollaborator, err)
	}

	prNumber, err := client.CreatePullRequest(ctx,
		ghclient.PRTitle(p.ID, p.Client.Name), branch,
		fmt.Sprintf("resolves #%d", p.IssueNumber))
	if err != nil {
		return nil, fmt.Errorf("%w: создание pull request: %v", ErrCollaborator, err)
	}

	row := &model.Application{
		ID:          p.ID,
		Owner:       owner,
		Repo:        repo,
		PRNumber:    prNumber,
		IssueNumber: p.IssueNumber,
		Application: string(content),
		SHA:         sha,
		Path:        ghclient.FilePath(p.ID),
	}
	if err := s.appRepo.Create(ctx, row); err != nil {
		s.logger.Warn("Запись новой заявки в кэш не удалась, исправит reconciliation",
			slog.String("id", p.ID),
			slog.String("error", err.Error()),
		)
	}

	s.notify(ctx, client, p.IssueNumber, commentUnderReview, []string{string(appfile.StateSubmitted)})

	s.logger.Info("Заявка создана",
		slog.String("id", p.ID),
		slog.String("repo", owner+"/"+repo),
		slog.Int64("pr", prNumber),
	)
	return &file, nil
}

// Trigger завершает governance review: проверяет остаток allowance
// аллокатора, открывает первый запрос и переводит заявку в ReadyToSign.
func (s *ApplicationService) Trigger(ctx context.Context, owner, repo, id, actor, amount string, clientContractAddress *string) (*appfile.ApplicationFile, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if !allocator.IsVerifier(actor) {
		return nil, fmt.Errorf("%s: %w", actor, ErrNotVerifier)
	}

	row, file, sha, err := s.loadActive(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	if !file.Lifecycle.State.IsPreReview() {
		return nil, fmt.Errorf("governance review из состояния %s: %w", file.Lifecycle.State, ErrIllegalTransition)
	}

	if err := s.checkAllowance(ctx, allocator, amount); err != nil {
		return nil, err
	}

	request := appfile.NewAllocationRequest(uuid.NewString(), appfile.First(), amount)
	updated := file.CompleteGovernanceReview(actor, request)
	if clientContractAddress != nil {
		updated.ClientContractAddress = clientContractAddress
	}

	if err := s.persist(ctx, client, row, updated, ghclient.BranchName(id),
		sha, fmt.Sprintf("Application %s is ready to sign", id)); err != nil {
		return nil, err
	}

	s.notify(ctx, client, row.IssueNumber, commentReadyToSign, []string{string(appfile.StateReadyToSign)})

	s.logger.Info("Governance review завершён",
		slog.String("id", id),
		slog.String("actor", actor),
		slog.String("amount", amount),
	)
	return &updated, nil
}

// checkAllowance проверяет, что остаток allowance аллокатора покрывает
// запрошенный объём.
func (s *ApplicationService) checkAllowance(ctx context.Context, allocator *model.Allocator, amount string) error {
	if s.allowance == nil || allocator.Address == "" {
		return nil
	}

	remaining, err := s.allowance.GetAllowanceForAddress(ctx, allocator.Address)
	if err != nil {
		return fmt.Errorf("%w: запрос allowance: %v", ErrCollaborator, err)
	}

	covered, ok := appfile.CompareAllowance(remaining, amount)
	if !ok {
		return fmt.Errorf("%w: нераспознанный объём allowance %q / %q", ErrCollaborator, remaining, amount)
	}
	if !covered {
		return fmt.Errorf("allowance %s меньше запрошенных %s: %w", remaining, amount, ErrInsufficientAllowance)
	}
	return nil
}

// Propose фиксирует первую подпись активного запроса и переводит заявку
// в StartSignDatacap. При пороге < 2 предложение не нужно — операция
// целиком делегируется пути одобрения.
func (s *ApplicationService) Propose(ctx context.Context, owner, repo, id, requestID string, signer appfile.Signer) (*appfile.ApplicationFile, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if !allocator.IsVerifier(signer.GithubUsername) {
		return nil, fmt.Errorf("%s: %w", signer.GithubUsername, ErrNotVerifier)
	}

	threshold, source := s.thresholds.Resolve(ctx, allocator)
	if threshold < 2 {
		s.logger.Info("Порог < 2, предложение делегировано одобрению",
			slog.String("id", id),
			slog.Int("threshold", threshold),
			slog.String("source", source),
		)
		return s.Approve(ctx, owner, repo, id, requestID, signer)
	}

	row, file, sha, err := s.loadActive(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	if file.Lifecycle.State != appfile.StateReadyToSign {
		return nil, fmt.Errorf("предложение из состояния %s: %w", file.Lifecycle.State, ErrIllegalTransition)
	}

	active, ok := file.ActiveAllocation()
	if !ok || active.ID != requestID {
		return nil, fmt.Errorf("активный запрос %s: %w", requestID, ErrNotFound)
	}

	updated := file.AddSignerToAllocation(requestID, signer, file.Lifecycle.FinishProposal())

	if err := s.persist(ctx, client, row, updated, ghclient.BranchName(id),
		sha, fmt.Sprintf("Application %s datacap proposal", id)); err != nil {
		return nil, err
	}

	s.notify(ctx, client, row.IssueNumber, commentStartSign, []string{string(appfile.StateStartSignDatacap)})

	s.logger.Info("Предложение зафиксировано",
		slog.String("id", id),
		slog.String("signer", signer.GithubUsername),
		slog.Int("threshold", threshold),
		slog.String("threshold_source", source),
	)
	return &updated, nil
}

// Approve добавляет подпись к активному запросу; при достижении кворума
// закрывает запрос и переводит заявку в Granted.
func (s *ApplicationService) Approve(ctx context.Context, owner, repo, id, requestID string, signer appfile.Signer) (*appfile.ApplicationFile, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if !allocator.IsVerifier(signer.GithubUsername) {
		return nil, fmt.Errorf("%s: %w", signer.GithubUsername, ErrNotVerifier)
	}

	threshold, source := s.thresholds.Resolve(ctx, allocator)

	row, file, sha, err := s.loadActive(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	state := file.Lifecycle.State
	if state != appfile.StateStartSignDatacap && !(state == appfile.StateReadyToSign && threshold == 1) {
		return nil, fmt.Errorf("одобрение из состояния %s: %w", state, ErrIllegalTransition)
	}

	request, ok := file.AllocationRequests.FindRequest(requestID)
	if !ok || !request.IsActive {
		return nil, fmt.Errorf("активный запрос %s: %w", requestID, ErrNotFound)
	}
	if file.AllocationRequests.IsDuplicateSigner(requestID, signer.SigningAddress) {
		return nil, fmt.Errorf("адрес %s: %w", signer.SigningAddress, ErrDuplicateSignature)
	}
	if len(request.Signers) >= threshold {
		return nil, fmt.Errorf("запрос %s: %w", requestID, ErrQuorumAlreadyMet)
	}

	quorumReached := len(request.Signers)+1 >= threshold

	var updated appfile.ApplicationFile
	if quorumReached {
		updated = file.AddSignerToAllocationAndComplete(requestID, signer, file.Lifecycle.FinishApproval())
	} else {
		updated = file.AddSignerToAllocation(requestID, signer, file.Lifecycle)
	}

	if err := s.persist(ctx, client, row, updated, ghclient.BranchName(id),
		sha, fmt.Sprintf("Application %s datacap approval", id)); err != nil {
		return nil, err
	}

	if quorumReached {
		s.notify(ctx, client, row.IssueNumber, commentGranted, []string{string(appfile.StateGranted)})
	}

	s.logger.Info("Подпись добавлена",
		slog.String("id", id),
		slog.String("signer", signer.GithubUsername),
		slog.Bool("quorum_reached", quorumReached),
		slog.Int("threshold", threshold),
		slog.String("threshold_source", source),
	)
	return &updated, nil
}

// ProposeStorageProviders открывает запрос смены списка storage providers
// (боковое состояние ChangingSP). Доступно из ReadyToSign и Granted,
// не затрагивая текущий запрос на аллокацию.
func (s *ApplicationService) ProposeStorageProviders(ctx context.Context, owner, repo, id string, signer appfile.Signer, allowedSPs []uint64, maxDeviation string) (*appfile.ApplicationFile, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if !allocator.IsVerifier(signer.GithubUsername) {
		return nil, fmt.Errorf("%s: %w", signer.GithubUsername, ErrNotVerifier)
	}

	row, file, sha, err := s.loadActive(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	state := file.Lifecycle.State
	if state != appfile.StateReadyToSign && state != appfile.StateGranted {
		return nil, fmt.Errorf("смена SP из состояния %s: %w", state, ErrIllegalTransition)
	}
	if _, busy := file.SpsChangeRequests.ActiveRequest(); busy {
		return nil, fmt.Errorf("смена SP уже в процессе: %w", ErrIllegalTransition)
	}

	threshold, _ := s.thresholds.Resolve(ctx, allocator)
	request := appfile.NewSpsChangeRequest(uuid.NewString(), allowedSPs, maxDeviation, signer)

	updated := file.StartSpsChange(request)
	completed := threshold < 2
	if completed {
		updated = updated.CompleteSpsChange(request.ID)
	}

	if err := s.persist(ctx, client, row, updated, ghclient.BranchName(id),
		sha, fmt.Sprintf("Application %s storage providers change", id)); err != nil {
		return nil, err
	}

	if completed {
		s.notify(ctx, client, row.IssueNumber, commentSpsChangeDone, nil)
	}

	s.logger.Info("Запрос смены SP открыт",
		slog.String("id", id),
		slog.String("signer", signer.GithubUsername),
		slog.Bool("completed", completed),
	)
	return &updated, nil
}

// ApproveStorageProviders добавляет подпись к запросу смены SP; при
// кворуме закрывает его и возвращает заявку в исходное состояние
// (ReadyToSign при открытом запросе на аллокацию, иначе Granted).
func (s *ApplicationService) ApproveStorageProviders(ctx context.Context, owner, repo, id, requestID string, signer appfile.Signer) (*appfile.ApplicationFile, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}
	if !allocator.IsVerifier(signer.GithubUsername) {
		return nil, fmt.Errorf("%s: %w", signer.GithubUsername, ErrNotVerifier)
	}

	row, file, sha, err := s.loadActive(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	if file.Lifecycle.State != appfile.StateChangingSP {
		return nil, fmt.Errorf("одобрение смены SP из состояния %s: %w", file.Lifecycle.State, ErrIllegalTransition)
	}

	request, ok := file.SpsChangeRequests.FindActiveRequest(requestID)
	if !ok {
		return nil, fmt.Errorf("запрос смены SP %s: %w", requestID, ErrNotFound)
	}
	if request.HasSigner(signer.SigningAddress) {
		return nil, fmt.Errorf("адрес %s: %w", signer.SigningAddress, ErrDuplicateSignature)
	}

	threshold, _ := s.thresholds.Resolve(ctx, allocator)
	if len(request.Signers) >= threshold {
		return nil, fmt.Errorf("запрос %s: %w", requestID, ErrQuorumAlreadyMet)
	}

	updated := file.AddSignerToSpsChange(requestID, signer)
	quorumReached := len(request.Signers)+1 >= threshold
	if quorumReached {
		updated = updated.CompleteSpsChange(requestID)
	}

	if err := s.persist(ctx, client, row, updated, ghclient.BranchName(id),
		sha, fmt.Sprintf("Application %s storage providers approval", id)); err != nil {
		return nil, err
	}

	if quorumReached {
		s.notify(ctx, client, row.IssueNumber, commentSpsChangeDone, []string{string(updated.Lifecycle.State)})
	}

	s.logger.Info("Подпись смены SP добавлена",
		slog.String("id", id),
		slog.String("signer", signer.GithubUsername),
		slog.Bool("quorum_reached", quorumReached),
	)
	return &updated, nil
}

// Decline отклоняет заявку: допустимо только до начала рассмотрения.
// Pull request закрывается, строка кэша удаляется.
func (s *ApplicationService) Decline(ctx context.Context, owner, repo, id string) error {
	_, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return err
	}

	row, file, _, err := s.loadActive(ctx, client, owner, repo, id)
	if err != nil {
		return err
	}

	if !file.Lifecycle.State.AtMost(appfile.StateSubmitted) {
		return fmt.Errorf("отклонение из состояния %s: %w", file.Lifecycle.State, ErrIllegalTransition)
	}

	if err := client.ClosePullRequest(ctx, row.PRNumber); err != nil {
		return fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	s.notify(ctx, client, row.IssueNumber, commentDeclined, []string{"Declined"})
	if err := client.CloseIssue(ctx, row.IssueNumber); err != nil {
		s.logger.Warn("Не удалось закрыть issue отклонённой заявки",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}

	if err := s.appRepo.Delete(ctx, id, owner, repo, row.PRNumber); err != nil {
		s.logger.Warn("Удаление строки кэша не удалось, исправит reconciliation",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Заявка отклонена", slog.String("id", id))
	return nil
}

// AdditionalInfoRequired запрашивает у клиента дополнительную информацию.
// Допустимо только до начала рассмотрения.
func (s *ApplicationService) AdditionalInfoRequired(ctx context.Context, owner, repo, id, verifierMessage string) (*appfile.ApplicationFile, error) {
	_, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	row, file, sha, err := s.loadActive(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	if !file.Lifecycle.State.AtMost(appfile.StateSubmitted) {
		return nil, fmt.Errorf("запрос информации из состояния %s: %w", file.Lifecycle.State, ErrIllegalTransition)
	}

	updated := file.RequestAdditionalInfo()
	if err := s.persist(ctx, client, row, updated, ghclient.BranchName(id),
		sha, fmt.Sprintf("Application %s requires additional info", id)); err != nil {
		return nil, err
	}

	s.notify(ctx, client, row.IssueNumber, verifierMessage, []string{string(appfile.StateAdditionalInfoRequired)})

	s.logger.Info("Запрошена дополнительная информация", slog.String("id", id))
	return &updated, nil
}

// RequestKYC запрашивает у клиента KYC-верификацию.
func (s *ApplicationService) RequestKYC(ctx context.Context, owner, repo, id string) (*appfile.ApplicationFile, error) {
	_, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	row, file, sha, err := s.loadActive(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	if !file.Lifecycle.State.AtMost(appfile.StateSubmitted) {
		return nil, fmt.Errorf("запрос KYC из состояния %s: %w", file.Lifecycle.State, ErrIllegalTransition)
	}

	updated := file.RequestKYC()
	if err := s.persist(ctx, client, row, updated, ghclient.BranchName(id),
		sha, fmt.Sprintf("Application %s requires KYC", id)); err != nil {
		return nil, err
	}

	s.notify(ctx, client, row.IssueNumber, commentKYCRequested, []string{string(appfile.StateKYCRequested)})

	s.logger.Info("Запрошена KYC-верификация", slog.String("id", id))
	return &updated, nil
}

// SourceIssueEdited фиксирует правку исходного issue после входа заявки
// в рассмотрение: в AdditionalInfoRequired — переход в
// AdditionalInfoSubmitted, в состояниях от ReadyToSign и в ChangingSP —
// флаг edited (последующая валидация провалится до вмешательства
// человека).
func (s *ApplicationService) SourceIssueEdited(ctx context.Context, owner, repo, id string) (*appfile.ApplicationFile, error) {
	_, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	row, file, sha, err := s.loadActive(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	var updated appfile.ApplicationFile
	switch {
	case file.Lifecycle.State == appfile.StateAdditionalInfoRequired:
		updated = file.SubmitAdditionalInfo()
	case appfile.StateReadyToSign.AtMost(file.Lifecycle.State),
		file.Lifecycle.State == appfile.StateChangingSP:
		updated = file.MarkEdited()
	default:
		// Правка до начала рассмотрения безвредна
		return &file, nil
	}

	if err := s.persist(ctx, client, row, updated, ghclient.BranchName(id),
		sha, fmt.Sprintf("Application %s source issue edited", id)); err != nil {
		return nil, err
	}

	s.logger.Info("Зафиксирована правка исходного issue",
		slog.String("id", id),
		slog.String("state", string(updated.Lifecycle.State)),
	)
	return &updated, nil
}

// Refill открывает запрос на пополнение на слитой заявке: новая ветка,
// новый pull request, строка кэша возвращается в активный раздел.
// Суммарный объём всех запросов не может превысить одобренный потолок.
func (s *ApplicationService) Refill(ctx context.Context, owner, repo, id, amount string) (*appfile.ApplicationFile, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	row, file, sha, _, err := s.loadMerged(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	if file.Lifecycle.State != appfile.StateGranted {
		return nil, fmt.Errorf("пополнение из состояния %s: %w", file.Lifecycle.State, ErrIllegalTransition)
	}

	if err := s.checkCeiling(file, amount); err != nil {
		return nil, err
	}
	if err := s.checkAllowance(ctx, allocator, amount); err != nil {
		return nil, err
	}

	sequence := 1
	for _, r := range file.AllocationRequests {
		if r.RequestType.Kind == appfile.KindRefill {
			sequence++
		}
	}

	request := appfile.NewAllocationRequest(uuid.NewString(), appfile.Refill(sequence), amount)
	updated := file.StartRefillRequest(request)

	branch := ghclient.BranchName(id)
	if err := client.CreateBranch(ctx, branch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	content, err := updated.Encode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}
	// Ветка создана от головы ветки по умолчанию, blob SHA документа
	// совпадает со слитой версией
	newSHA, err := client.UpdateFileContent(ctx, ghclient.FilePath(id),
		fmt.Sprintf("Application %s refill %d", id, sequence), string(content), branch, sha)
	if err != nil {
		return nil, fmt.Errorf("%w: запись документа пополнения: %v", ErrCollaborator, err)
	}

	prNumber, err := client.CreatePullRequest(ctx,
		ghclient.PRTitle(id, file.Client.Name), branch,
		fmt.Sprintf("resolves #%s", file.IssueNumber))
	if err != nil {
		return nil, fmt.Errorf("%w: создание pull request пополнения: %v", ErrCollaborator, err)
	}

	// Строка кэша переезжает из слитого раздела в активный
	if err := s.appRepo.Delete(ctx, id, owner, repo, 0); err != nil {
		s.logger.Warn("Удаление слитой строки кэша не удалось",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
	newRow := &model.Application{
		ID:          id,
		Owner:       owner,
		Repo:        repo,
		PRNumber:    prNumber,
		IssueNumber: row.IssueNumber,
		Application: string(content),
		SHA:         newSHA,
		Path:        ghclient.FilePath(id),
	}
	if err := s.appRepo.Create(ctx, newRow); err != nil {
		s.logger.Warn("Запись активной строки кэша не удалась, исправит reconciliation",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}

	s.notify(ctx, client, row.IssueNumber,
		fmt.Sprintf("Datacap refill of %s has been requested", amount),
		[]string{string(appfile.StateReadyToSign)})

	s.logger.Info("Открыт запрос на пополнение",
		slog.String("id", id),
		slog.String("amount", amount),
		slog.Int("sequence", sequence),
		slog.Int64("pr", prNumber),
	)
	return &updated, nil
}

// checkCeiling проверяет, что суммарный объём запросов с учётом нового
// не превысит одобренный клиенту потолок.
func (s *ApplicationService) checkCeiling(file appfile.ApplicationFile, amount string) error {
	ceiling, ok := appfile.ParseSizeToBytes(file.Datacap.TotalRequestedAmount)
	if !ok {
		// Потолок в документе нераспознаваем — проверка невозможна
		s.logger.Warn("Потолок datacap нераспознаваем, проверка пропущена",
			slog.String("id", file.ID),
			slog.String("total", file.Datacap.TotalRequestedAmount),
		)
		return nil
	}
	add, ok := appfile.ParseSizeToBytes(amount)
	if !ok {
		return fmt.Errorf("%w: нераспознанный объём %q", ErrCollaborator, amount)
	}
	if file.AllocationRequests.TotalRequested()+add > ceiling {
		return fmt.Errorf("запрошено %s при потолке %s: %w", amount, file.Datacap.TotalRequestedAmount, ErrExceedsCeiling)
	}
	return nil
}

// TotalDcReached деактивирует слитую заявку: весь одобренный datacap выдан.
func (s *ApplicationService) TotalDcReached(ctx context.Context, owner, repo, id string) (*appfile.ApplicationFile, error) {
	_, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return nil, err
	}

	row, file, sha, defaultBranch, err := s.loadMerged(ctx, client, owner, repo, id)
	if err != nil {
		return nil, err
	}

	if file.Lifecycle.State != appfile.StateGranted {
		return nil, fmt.Errorf("закрытие из состояния %s: %w", file.Lifecycle.State, ErrIllegalTransition)
	}

	updated := file.ReachedTotalDatacap()
	if err := s.persist(ctx, client, row, updated, defaultBranch,
		sha, fmt.Sprintf("Application %s reached total datacap", id)); err != nil {
		return nil, err
	}

	s.notify(ctx, client, row.IssueNumber, commentTotalDcReached,
		[]string{string(appfile.StateTotalDatacapReached)})
	if err := client.CloseIssue(ctx, row.IssueNumber); err != nil {
		s.logger.Warn("Не удалось закрыть issue завершённой заявки",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}

	s.logger.Info("Заявка исчерпала datacap", slog.String("id", id))
	return &updated, nil
}

// ListActive возвращает активные заявки репозитория из кэша.
func (s *ApplicationService) ListActive(ctx context.Context, owner, repo string) ([]*model.Application, error) {
	rows, err := s.appRepo.ListActive(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}
	return rows, nil
}

// ListMerged возвращает слитые заявки репозитория из кэша.
func (s *ApplicationService) ListMerged(ctx context.Context, owner, repo string) ([]*model.Application, error) {
	rows, err := s.appRepo.ListMerged(ctx, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}
	return rows, nil
}

// ListAll возвращает все заявки из кэша (по всем репозиториям).
func (s *ApplicationService) ListAll(ctx context.Context) ([]*model.Application, error) {
	rows, err := s.appRepo.ListAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}
	return rows, nil
}
