// validation.go — validation gate: независимая проверка легитимности
// состояния заявки по каноническому документу и whitelist верификаторов,
// без доверия к утверждениям вызывающего. Вызывается automation-хуками
// по номеру pull request.
//
// Нарушение в ValidateTrigger не возвращается ошибкой: документ
// принудительно откатывается в Submitted и корректирующая запись
// персистится (самовосстановление).
package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/filgrant/application-module/internal/domain/appfile"
	"github.com/filgrant/application-module/internal/ghclient"
)

// resolveFromPR определяет id заявки и head-ветку по номеру pull request.
func (s *ApplicationService) resolveFromPR(ctx context.Context, client GithubClient, prNumber int64) (string, string, error) {
	pr, err := client.GetPullRequest(ctx, prNumber)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	id, found := strings.CutPrefix(pr.HeadBranch, "Application/")
	if !found || id == "" {
		return "", "", fmt.Errorf("pull request #%d не относится к заявке: %w", prNumber, ErrNotFound)
	}
	return id, pr.HeadBranch, nil
}

// ValidateTrigger проверяет легитимность завершения governance review.
// Нелегитимное состояние откатывается в Submitted (очистка Validated
// By/At и активного запроса), корректирующая запись персистится.
func (s *ApplicationService) ValidateTrigger(ctx context.Context, owner, repo string, prNumber int64) (bool, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return false, err
	}

	id, branch, err := s.resolveFromPR(ctx, client, prNumber)
	if err != nil {
		return false, err
	}

	file, sha, err := s.readDocument(ctx, client, id, branch)
	if err != nil {
		return false, err
	}

	// Выставленный флаг edited всегда проваливает валидацию
	if file.Lifecycle.IsEdited() {
		s.logger.Warn("Валидация trigger: документ помечен как изменённый",
			slog.String("id", id))
		return false, nil
	}

	lc := file.Lifecycle
	switch {
	case lc.State == appfile.StateReadyToSign:
		active, hasActive := file.ActiveAllocation()
		legit := lc.ValidatedBy != "" && lc.ValidatedAt != "" &&
			allocator.IsVerifier(lc.ValidatedBy) &&
			hasActive && len(active.Signers) == 0 &&
			lc.ActiveRequest != nil && *lc.ActiveRequest == active.ID
		if legit {
			return true, nil
		}
		return false, s.revertToSubmitted(ctx, client, id, branch, sha, file)

	case lc.State.IsPreReview():
		// До рассмотрения следы валидации должны отсутствовать
		if lc.ValidatedBy == "" && lc.ValidatedAt == "" {
			return true, nil
		}
		return false, s.revertToSubmitted(ctx, client, id, branch, sha, file)

	case lc.State == appfile.StateError:
		return false, nil

	default:
		// Дальше ReadyToSign (включая ChangingSP) — уже провалидировано
		return true, nil
	}
}

// revertToSubmitted выполняет корректирующий откат документа в Submitted.
func (s *ApplicationService) revertToSubmitted(ctx context.Context, client GithubClient, id, branch, sha string, file appfile.ApplicationFile) error {
	reverted := file.MoveBackToSubmitted()
	content, err := reverted.Encode()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	newSHA, err := client.UpdateFileContent(ctx, ghclient.FilePath(id),
		fmt.Sprintf("Application %s moved back to submitted", id), string(content), branch, sha)
	if err != nil {
		return fmt.Errorf("%w: корректирующая запись %s: %v", ErrCollaborator, id, err)
	}

	if row, rowErr := s.appRepo.GetAnyPartition(ctx, id, client.Owner(), client.Repo()); rowErr == nil {
		row.Application = string(content)
		row.SHA = newSHA
		if updErr := s.appRepo.Update(ctx, row); updErr != nil {
			s.logger.Warn("Кэш после отката не обновлён, исправит reconciliation",
				slog.String("id", id),
				slog.String("error", updErr.Error()),
			)
		}
	}

	s.logger.Warn("Заявка откатена в Submitted валидацией",
		slog.String("id", id),
	)
	return nil
}

// ValidateProposal проверяет легитимность первой подписи: в
// StartSignDatacap активный запрос должен иметь ровно одну подпись
// верификатора из whitelist; состояния дальше считаются провалидированными.
func (s *ApplicationService) ValidateProposal(ctx context.Context, owner, repo string, prNumber int64) (bool, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return false, err
	}

	id, branch, err := s.resolveFromPR(ctx, client, prNumber)
	if err != nil {
		return false, err
	}

	file, _, err := s.readDocument(ctx, client, id, branch)
	if err != nil {
		return false, err
	}
	if file.Lifecycle.IsEdited() {
		return false, nil
	}

	state := file.Lifecycle.State
	switch {
	case state == appfile.StateStartSignDatacap:
		active, ok := file.ActiveAllocation()
		return ok && len(active.Signers) >= 1 &&
			allocator.IsVerifier(active.Signers[0].GithubUsername), nil
	case state == appfile.StateChangingSP:
		return true, nil
	case state == appfile.StateError:
		return false, nil
	default:
		return appfile.StateStartSignDatacap.Before(state), nil
	}
}

// ValidateApproval проверяет легитимность кворума: в Granted последний
// закрытый запрос должен иметь не меньше подписей, чем порог, и все
// подписанты — из whitelist верификаторов.
func (s *ApplicationService) ValidateApproval(ctx context.Context, owner, repo string, prNumber int64) (bool, error) {
	allocator, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return false, err
	}

	id, branch, err := s.resolveFromPR(ctx, client, prNumber)
	if err != nil {
		return false, err
	}

	file, _, err := s.readDocument(ctx, client, id, branch)
	if err != nil {
		return false, err
	}
	if file.Lifecycle.IsEdited() {
		return false, nil
	}

	state := file.Lifecycle.State
	switch {
	case state == appfile.StateGranted:
		if len(file.AllocationRequests) == 0 {
			return false, nil
		}
		last := file.AllocationRequests[len(file.AllocationRequests)-1]
		if last.IsActive {
			return false, nil
		}
		threshold, _ := s.thresholds.Resolve(ctx, allocator)
		if len(last.Signers) < threshold {
			return false, nil
		}
		for _, signer := range last.Signers {
			if !allocator.IsVerifier(signer.GithubUsername) {
				return false, nil
			}
		}
		return true, nil
	case state == appfile.StateChangingSP:
		return false, nil
	case state == appfile.StateError:
		return false, nil
	default:
		return appfile.StateGranted.Before(state), nil
	}
}

// ValidateMerge проверяет готовность заявки к слиянию: Granted,
// следы валидации на месте, активных запросов нет, документ не изменён.
// При успехе сливает pull request и переводит строку кэша в слитый раздел.
func (s *ApplicationService) ValidateMerge(ctx context.Context, owner, repo string, prNumber int64) (bool, error) {
	_, client, err := s.allocatorAndClient(ctx, owner, repo)
	if err != nil {
		return false, err
	}

	id, branch, err := s.resolveFromPR(ctx, client, prNumber)
	if err != nil {
		return false, err
	}

	file, _, err := s.readDocument(ctx, client, id, branch)
	if err != nil {
		return false, err
	}

	lc := file.Lifecycle
	legit := lc.State == appfile.StateGranted &&
		lc.ValidatedBy != "" && lc.ValidatedAt != "" &&
		!file.AllocationRequests.HasActiveRequest() &&
		!lc.IsEdited()
	if !legit {
		return false, nil
	}

	if err := client.MergePullRequest(ctx, prNumber); err != nil {
		return false, fmt.Errorf("%w: %v", ErrCollaborator, err)
	}

	if err := s.appRepo.MovePRToZero(ctx, id, owner, repo, prNumber); err != nil {
		s.logger.Warn("Перевод строки кэша в слитый раздел не удался, исправит reconciliation",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}

	if issue := s.issueNumberOf(ctx, id, owner, repo); issue != 0 {
		s.notify(ctx, client, issue, "", []string{string(appfile.StateGranted)})
	}

	s.logger.Info("Заявка слита",
		slog.String("id", id),
		slog.Int64("pr", prNumber),
		slog.String("branch", branch),
	)
	return true, nil
}

// issueNumberOf возвращает номер issue заявки по кэшу (0 — неизвестен).
func (s *ApplicationService) issueNumberOf(ctx context.Context, id, owner, repo string) int64 {
	row, err := s.appRepo.GetAnyPartition(ctx, id, owner, repo)
	if err != nil {
		return 0
	}
	return row.IssueNumber
}
