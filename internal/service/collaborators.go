// collaborators.go — интерфейсы внешних коллабораторов оркестратора.
// Конкретные реализации: internal/ghclient, internal/lotusclient,
// internal/dmobclient. Интерфейсы объявлены на стороне потребителя,
// чтобы тесты сервисного слоя работали с fake-реализациями.
package service

import (
	"context"
	"time"

	"github.com/filgrant/application-module/internal/ghclient"
	"github.com/filgrant/application-module/internal/lotusclient"
)

// GithubClient — операции канонического store для одного репозитория.
type GithubClient interface {
	Owner() string
	Repo() string
	DefaultBranch(ctx context.Context) (string, error)
	GetFile(ctx context.Context, path, ref string) (*ghclient.FileContent, error)
	CreateFile(ctx context.Context, path, message, content, branch string) (string, error)
	UpdateFileContent(ctx context.Context, path, message, content, branch, sha string) (string, error)
	ListDirectory(ctx context.Context, path, ref string) ([]*ghclient.FileContent, error)
	CreateBranch(ctx context.Context, branch string) error
	CreatePullRequest(ctx context.Context, title, head, body string) (int64, error)
	GetPullRequest(ctx context.Context, number int64) (*ghclient.PullRequest, error)
	GetPullRequestByHead(ctx context.Context, branch string) (*ghclient.PullRequest, error)
	ListOpenApplicationPRs(ctx context.Context) ([]*ghclient.PullRequest, error)
	MergePullRequest(ctx context.Context, number int64) error
	ClosePullRequest(ctx context.Context, number int64) error
	AddCommentToIssue(ctx context.Context, number int64, text string) error
	ReplaceIssueLabels(ctx context.Context, number int64, labels []string) error
	CloseIssue(ctx context.Context, number int64) error
	GetLastModificationDate(ctx context.Context, path, ref string) (time.Time, error)
}

// GithubClientFactory создаёт клиент для репозитория аллокатора.
type GithubClientFactory interface {
	ClientFor(ctx context.Context, owner, repo string, installationID int64) (GithubClient, error)
}

// LotusClient — чтение состояния multisig-актора on-chain.
type LotusClient interface {
	GetMultisigState(ctx context.Context, address string) (*lotusclient.MultisigState, error)
}

// AllowanceClient — остаток allowance верифицированного адреса (в байтах).
type AllowanceClient interface {
	GetAllowanceForAddress(ctx context.Context, address string) (string, error)
}

// ghFactoryAdapter приводит *ghclient.Factory к GithubClientFactory.
type ghFactoryAdapter struct {
	factory *ghclient.Factory
}

// NewGithubClientFactory оборачивает фабрику ghclient в интерфейс сервиса.
func NewGithubClientFactory(factory *ghclient.Factory) GithubClientFactory {
	return &ghFactoryAdapter{factory: factory}
}

func (a *ghFactoryAdapter) ClientFor(ctx context.Context, owner, repo string, installationID int64) (GithubClient, error) {
	return a.factory.ClientFor(ctx, owner, repo, installationID)
}
