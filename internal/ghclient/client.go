// Пакет ghclient — клиент канонического store заявок: JSON-документы
// в ветках и pull request-ах репозитория аллокатора (GitHub API).
package ghclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/go-github/v66/github"
)

// Client — операции канонического store для одного репозитория аллокатора.
type Client struct {
	gh     *github.Client
	owner  string
	repo   string
	logger *slog.Logger
}

// Owner возвращает владельца репозитория.
func (c *Client) Owner() string { return c.owner }

// Repo возвращает имя репозитория.
func (c *Client) Repo() string { return c.repo }

// --- Именование артефактов заявки ---

// BranchName возвращает имя ветки заявки.
func BranchName(applicationID string) string {
	return "Application/" + applicationID
}

// FilePath возвращает путь файла документа заявки.
func FilePath(applicationID string) string {
	return "applications/" + applicationID + ".json"
}

// PRTitle возвращает заголовок pull request заявки.
func PRTitle(applicationID, clientName string) string {
	return fmt.Sprintf("Application:%s:%s", applicationID, clientName)
}

// FileContent — содержимое файла документа с его blob SHA.
// SHA используется как compare-and-swap при последующей записи.
type FileContent struct {
	Content string
	SHA     string
	Path    string
}

// PullRequest — сведения об открытом pull request заявки.
type PullRequest struct {
	Number     int64
	HeadBranch string
	HeadSHA    string
	Title      string
	UpdatedAt  time.Time
}

// GetFile возвращает файл по пути и ref (ветка или SHA).
func (c *Client) GetFile(ctx context.Context, path, ref string) (*FileContent, error) {
	file, _, _, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("получение файла %s@%s: %w", path, ref, err)
	}
	if file == nil {
		return nil, fmt.Errorf("путь %s@%s — каталог, ожидался файл", path, ref)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("декодирование файла %s: %w", path, err)
	}

	return &FileContent{
		Content: content,
		SHA:     file.GetSHA(),
		Path:    file.GetPath(),
	}, nil
}

// CreateFile создаёт файл в ветке.
func (c *Client) CreateFile(ctx context.Context, path, message, content, branch string) (string, error) {
	resp, _, err := c.gh.Repositories.CreateFile(ctx, c.owner, c.repo, path,
		&github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: []byte(content),
			Branch:  github.String(branch),
		})
	if err != nil {
		return "", fmt.Errorf("создание файла %s в ветке %s: %w", path, branch, err)
	}
	return resp.Content.GetSHA(), nil
}

// UpdateFileContent перезаписывает файл в ветке. sha — blob SHA текущей
// версии: при несовпадении GitHub отклоняет запись (409), что закрывает
// гонку одновременных переходов.
func (c *Client) UpdateFileContent(ctx context.Context, path, message, content, branch, sha string) (string, error) {
	resp, _, err := c.gh.Repositories.UpdateFile(ctx, c.owner, c.repo, path,
		&github.RepositoryContentFileOptions{
			Message: github.String(message),
			Content: []byte(content),
			Branch:  github.String(branch),
			SHA:     github.String(sha),
		})
	if err != nil {
		return "", fmt.Errorf("обновление файла %s в ветке %s: %w", path, branch, err)
	}

	c.logger.Debug("Файл обновлён",
		slog.String("path", path),
		slog.String("branch", branch),
		slog.String("sha", resp.Content.GetSHA()),
	)

	return resp.Content.GetSHA(), nil
}

// ListDirectory возвращает файлы каталога в ref (ветка или SHA).
func (c *Client) ListDirectory(ctx context.Context, path, ref string) ([]*FileContent, error) {
	_, dir, _, err := c.gh.Repositories.GetContents(ctx, c.owner, c.repo, path,
		&github.RepositoryContentGetOptions{Ref: ref})
	if err != nil {
		return nil, fmt.Errorf("получение каталога %s@%s: %w", path, ref, err)
	}

	result := make([]*FileContent, 0, len(dir))
	for _, entry := range dir {
		if entry.GetType() != "file" {
			continue
		}
		result = append(result, &FileContent{
			SHA:  entry.GetSHA(),
			Path: entry.GetPath(),
		})
	}
	return result, nil
}

// DefaultBranch возвращает имя ветки по умолчанию репозитория.
func (c *Client) DefaultBranch(ctx context.Context) (string, error) {
	repoInfo, _, err := c.gh.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		return "", fmt.Errorf("получение репозитория: %w", err)
	}
	return repoInfo.GetDefaultBranch(), nil
}

// CreateBranch создаёт ветку от головы ветки по умолчанию.
func (c *Client) CreateBranch(ctx context.Context, branch string) error {
	repoInfo, _, err := c.gh.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		return fmt.Errorf("получение репозитория: %w", err)
	}

	baseRef, _, err := c.gh.Git.GetRef(ctx, c.owner, c.repo, "refs/heads/"+repoInfo.GetDefaultBranch())
	if err != nil {
		return fmt.Errorf("получение головы ветки по умолчанию: %w", err)
	}

	_, _, err = c.gh.Git.CreateRef(ctx, c.owner, c.repo, &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: baseRef.Object.SHA},
	})
	if err != nil {
		return fmt.Errorf("создание ветки %s: %w", branch, err)
	}
	return nil
}

// CreatePullRequest открывает pull request из ветки в ветку по умолчанию.
func (c *Client) CreatePullRequest(ctx context.Context, title, head, body string) (int64, error) {
	repoInfo, _, err := c.gh.Repositories.Get(ctx, c.owner, c.repo)
	if err != nil {
		return 0, fmt.Errorf("получение репозитория: %w", err)
	}

	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.String(title),
		Head:  github.String(head),
		Base:  github.String(repoInfo.GetDefaultBranch()),
		Body:  github.String(body),
	})
	if err != nil {
		return 0, fmt.Errorf("создание pull request из %s: %w", head, err)
	}
	return int64(pr.GetNumber()), nil
}

// GetPullRequest возвращает pull request по номеру.
func (c *Client) GetPullRequest(ctx context.Context, number int64) (*PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, int(number))
	if err != nil {
		return nil, fmt.Errorf("получение pull request #%d: %w", number, err)
	}
	return toPullRequest(pr), nil
}

// GetPullRequestByHead возвращает открытый pull request с данной head-веткой.
// nil без ошибки — открытого PR нет.
func (c *Client) GetPullRequestByHead(ctx context.Context, branch string) (*PullRequest, error) {
	prs, _, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		State: "open",
		Head:  c.owner + ":" + branch,
	})
	if err != nil {
		return nil, fmt.Errorf("поиск pull request по ветке %s: %w", branch, err)
	}
	if len(prs) == 0 {
		return nil, nil
	}
	return toPullRequest(prs[0]), nil
}

// ListOpenApplicationPRs возвращает открытые pull request-ы заявок
// (head-ветка с префиксом Application/).
func (c *Client) ListOpenApplicationPRs(ctx context.Context) ([]*PullRequest, error) {
	opts := &github.PullRequestListOptions{
		State:       "open",
		ListOptions: github.ListOptions{PerPage: 100},
	}

	var result []*PullRequest
	for {
		prs, resp, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, opts)
		if err != nil {
			return nil, fmt.Errorf("получение списка pull request-ов: %w", err)
		}
		for _, pr := range prs {
			if pr.Head == nil || !strings.HasPrefix(pr.Head.GetRef(), "Application/") {
				continue
			}
			result = append(result, toPullRequest(pr))
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return result, nil
}

func toPullRequest(pr *github.PullRequest) *PullRequest {
	res := &PullRequest{
		Number: int64(pr.GetNumber()),
		Title:  pr.GetTitle(),
	}
	if pr.Head != nil {
		res.HeadBranch = pr.Head.GetRef()
		res.HeadSHA = pr.Head.GetSHA()
	}
	if pr.UpdatedAt != nil {
		res.UpdatedAt = pr.UpdatedAt.Time
	}
	return res
}

// MergePullRequest сливает pull request в ветку по умолчанию.
func (c *Client) MergePullRequest(ctx context.Context, number int64) error {
	_, _, err := c.gh.PullRequests.Merge(ctx, c.owner, c.repo, int(number), "", &github.PullRequestOptions{})
	if err != nil {
		return fmt.Errorf("merge pull request #%d: %w", number, err)
	}

	c.logger.Info("Pull request слит", slog.Int64("number", number))
	return nil
}

// ClosePullRequest закрывает pull request без merge.
func (c *Client) ClosePullRequest(ctx context.Context, number int64) error {
	_, _, err := c.gh.PullRequests.Edit(ctx, c.owner, c.repo, int(number), &github.PullRequest{
		State: github.String("closed"),
	})
	if err != nil {
		return fmt.Errorf("закрытие pull request #%d: %w", number, err)
	}
	return nil
}

// AddCommentToIssue добавляет комментарий к issue заявки.
func (c *Client) AddCommentToIssue(ctx context.Context, number int64, text string) error {
	_, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, int(number), &github.IssueComment{
		Body: github.String(text),
	})
	if err != nil {
		return fmt.Errorf("комментарий к issue #%d: %w", number, err)
	}
	return nil
}

// ReplaceIssueLabels заменяет метки issue заявки.
func (c *Client) ReplaceIssueLabels(ctx context.Context, number int64, labels []string) error {
	_, _, err := c.gh.Issues.ReplaceLabelsForIssue(ctx, c.owner, c.repo, int(number), labels)
	if err != nil {
		return fmt.Errorf("замена меток issue #%d: %w", number, err)
	}
	return nil
}

// CloseIssue закрывает issue заявки.
func (c *Client) CloseIssue(ctx context.Context, number int64) error {
	_, _, err := c.gh.Issues.Edit(ctx, c.owner, c.repo, int(number), &github.IssueRequest{
		State: github.String("closed"),
	})
	if err != nil {
		return fmt.Errorf("закрытие issue #%d: %w", number, err)
	}
	return nil
}

// GetLastModificationDate возвращает время последнего коммита,
// затронувшего путь в ref. Нулевое время — коммитов нет.
func (c *Client) GetLastModificationDate(ctx context.Context, path, ref string) (time.Time, error) {
	commits, _, err := c.gh.Repositories.ListCommits(ctx, c.owner, c.repo, &github.CommitsListOptions{
		Path:        path,
		SHA:         ref,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return time.Time{}, fmt.Errorf("получение истории файла %s: %w", path, err)
	}
	if len(commits) == 0 {
		return time.Time{}, nil
	}
	return commits[0].GetCommit().GetCommitter().GetDate().Time, nil
}

// IsNotFound сообщает, что ошибка GitHub API — 404.
func IsNotFound(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		return ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusNotFound
	}
	return false
}

// IsConflict сообщает, что ошибка GitHub API — 409 (SHA не совпал).
func IsConflict(err error) bool {
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) {
		return ghErr.Response != nil && ghErr.Response.StatusCode == http.StatusConflict
	}
	return false
}
