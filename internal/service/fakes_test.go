// fakes_test.go — in-memory реализации коллабораторов для тестов
// сервисного слоя.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/filgrant/application-module/internal/domain/appfile"
	"github.com/filgrant/application-module/internal/domain/model"
	"github.com/filgrant/application-module/internal/ghclient"
	"github.com/filgrant/application-module/internal/lotusclient"
	"github.com/filgrant/application-module/internal/repository"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// --- Канонический store ---

// Мьютексы в fake-ах нужны фоновым горутинам (reconciliation).
type fakeGithubClient struct {
	mu            sync.Mutex
	owner         string
	repo          string
	defaultBranch string

	// files: ветка → путь → содержимое
	files     map[string]map[string]*ghclient.FileContent
	fileTimes map[string]time.Time // ветка+путь → время последнего коммита
	branches  map[string]bool

	prs    map[int64]*ghclient.PullRequest
	nextPR int64

	comments  map[int64][]string
	labels    map[int64][]string
	mergedPRs map[int64]bool
	closedPRs map[int64]bool

	closedIssues map[int64]bool

	shaCounter int
}

func newFakeGithubClient(owner, repo string) *fakeGithubClient {
	return &fakeGithubClient{
		owner:         owner,
		repo:          repo,
		defaultBranch: "main",
		files:         map[string]map[string]*ghclient.FileContent{},
		fileTimes:     map[string]time.Time{},
		branches:      map[string]bool{"main": true},
		prs:           map[int64]*ghclient.PullRequest{},
		nextPR:        100,
		comments:      map[int64][]string{},
		labels:        map[int64][]string{},
		mergedPRs:     map[int64]bool{},
		closedPRs:     map[int64]bool{},
		closedIssues:  map[int64]bool{},
	}
}

func (f *fakeGithubClient) Owner() string { return f.owner }
func (f *fakeGithubClient) Repo() string  { return f.repo }

func (f *fakeGithubClient) DefaultBranch(ctx context.Context) (string, error) {
	return f.defaultBranch, nil
}

func (f *fakeGithubClient) nextSHA() string {
	f.shaCounter++
	return fmt.Sprintf("sha-%d", f.shaCounter)
}

// putFile кладёт файл в ветку (инициализация тестовых данных).
func (f *fakeGithubClient) putFile(branch, path, content string, modified time.Time) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[branch] == nil {
		f.files[branch] = map[string]*ghclient.FileContent{}
	}
	sha := f.nextSHA()
	f.files[branch][path] = &ghclient.FileContent{Content: content, SHA: sha, Path: path}
	f.fileTimes[branch+"/"+path] = modified
	f.branches[branch] = true
	return sha
}

func (f *fakeGithubClient) GetFile(ctx context.Context, path, ref string) (*ghclient.FileContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	file, ok := f.files[ref][path]
	if !ok {
		return nil, fmt.Errorf("файл %s@%s не найден", path, ref)
	}
	return file, nil
}

func (f *fakeGithubClient) CreateFile(ctx context.Context, path, message, content, branch string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.files[branch] == nil {
		f.files[branch] = map[string]*ghclient.FileContent{}
	}
	if _, exists := f.files[branch][path]; exists {
		return "", fmt.Errorf("файл %s уже существует в %s", path, branch)
	}
	sha := f.nextSHA()
	f.files[branch][path] = &ghclient.FileContent{Content: content, SHA: sha, Path: path}
	f.fileTimes[branch+"/"+path] = time.Now().UTC()
	return sha, nil
}

func (f *fakeGithubClient) UpdateFileContent(ctx context.Context, path, message, content, branch, sha string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	existing, ok := f.files[branch][path]
	if !ok {
		return "", fmt.Errorf("файл %s@%s не найден", path, branch)
	}
	if existing.SHA != sha {
		return "", fmt.Errorf("SHA %s не совпадает с %s", sha, existing.SHA)
	}
	newSHA := f.nextSHA()
	f.files[branch][path] = &ghclient.FileContent{Content: content, SHA: newSHA, Path: path}
	f.fileTimes[branch+"/"+path] = time.Now().UTC()
	return newSHA, nil
}

func (f *fakeGithubClient) ListDirectory(ctx context.Context, dir, ref string) ([]*ghclient.FileContent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*ghclient.FileContent
	for path, file := range f.files[ref] {
		if strings.HasPrefix(path, dir+"/") {
			result = append(result, &ghclient.FileContent{SHA: file.SHA, Path: path})
		}
	}
	return result, nil
}

func (f *fakeGithubClient) CreateBranch(ctx context.Context, branch string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// Ветвление от головы ветки по умолчанию: файлы копируются
	if f.files[branch] == nil {
		f.files[branch] = map[string]*ghclient.FileContent{}
	}
	for path, file := range f.files[f.defaultBranch] {
		f.files[branch][path] = file
		f.fileTimes[branch+"/"+path] = f.fileTimes[f.defaultBranch+"/"+path]
	}
	f.branches[branch] = true
	return nil
}

func (f *fakeGithubClient) CreatePullRequest(ctx context.Context, title, head, body string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPR++
	f.prs[f.nextPR] = &ghclient.PullRequest{
		Number:     f.nextPR,
		HeadBranch: head,
		Title:      title,
		UpdatedAt:  time.Now().UTC(),
	}
	return f.nextPR, nil
}

func (f *fakeGithubClient) GetPullRequest(ctx context.Context, number int64) (*ghclient.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return nil, fmt.Errorf("pull request #%d не найден", number)
	}
	return pr, nil
}

func (f *fakeGithubClient) GetPullRequestByHead(ctx context.Context, branch string) (*ghclient.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for number, pr := range f.prs {
		if pr.HeadBranch == branch && !f.mergedPRs[number] && !f.closedPRs[number] {
			return pr, nil
		}
	}
	return nil, nil
}

func (f *fakeGithubClient) ListOpenApplicationPRs(ctx context.Context) ([]*ghclient.PullRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*ghclient.PullRequest
	for number, pr := range f.prs {
		if f.mergedPRs[number] || f.closedPRs[number] {
			continue
		}
		if strings.HasPrefix(pr.HeadBranch, "Application/") {
			result = append(result, pr)
		}
	}
	return result, nil
}

func (f *fakeGithubClient) MergePullRequest(ctx context.Context, number int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	pr, ok := f.prs[number]
	if !ok {
		return fmt.Errorf("pull request #%d не найден", number)
	}
	f.mergedPRs[number] = true
	// Файлы head-ветки попадают в ветку по умолчанию
	for path, file := range f.files[pr.HeadBranch] {
		if f.files[f.defaultBranch] == nil {
			f.files[f.defaultBranch] = map[string]*ghclient.FileContent{}
		}
		f.files[f.defaultBranch][path] = file
		f.fileTimes[f.defaultBranch+"/"+path] = f.fileTimes[pr.HeadBranch+"/"+path]
	}
	return nil
}

func (f *fakeGithubClient) ClosePullRequest(ctx context.Context, number int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedPRs[number] = true
	return nil
}

func (f *fakeGithubClient) AddCommentToIssue(ctx context.Context, number int64, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments[number] = append(f.comments[number], text)
	return nil
}

func (f *fakeGithubClient) ReplaceIssueLabels(ctx context.Context, number int64, labels []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.labels[number] = labels
	return nil
}

func (f *fakeGithubClient) CloseIssue(ctx context.Context, number int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedIssues[number] = true
	return nil
}

func (f *fakeGithubClient) GetLastModificationDate(ctx context.Context, path, ref string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fileTimes[ref+"/"+path], nil
}

type fakeFactory struct {
	client *fakeGithubClient
}

func (f *fakeFactory) ClientFor(ctx context.Context, owner, repo string, installationID int64) (GithubClient, error) {
	return f.client, nil
}

// --- Кэш БД ---

type fakeAppRepo struct {
	mu   sync.Mutex
	rows map[string]*model.Application
}

func newFakeAppRepo() *fakeAppRepo {
	return &fakeAppRepo{rows: map[string]*model.Application{}}
}

func appKey(id, owner, repo string, prNumber int64) string {
	return fmt.Sprintf("%s#%s#%s#%d", id, owner, repo, prNumber)
}

func (r *fakeAppRepo) Create(ctx context.Context, app *model.Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := appKey(app.ID, app.Owner, app.Repo, app.PRNumber)
	if _, exists := r.rows[key]; exists {
		return repository.ErrConflict
	}
	stored := *app
	stored.UpdatedAt = time.Now().UTC()
	r.rows[key] = &stored
	app.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *fakeAppRepo) Get(ctx context.Context, id, owner, repo string, prNumber int64) (*model.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[appKey(id, owner, repo, prNumber)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (r *fakeAppRepo) GetAnyPartition(ctx context.Context, id, owner, repo string) (*model.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var merged *model.Application
	for _, row := range r.rows {
		if row.ID != id || row.Owner != owner || row.Repo != repo {
			continue
		}
		if row.PRNumber != 0 {
			cp := *row
			return &cp, nil
		}
		merged = row
	}
	if merged != nil {
		cp := *merged
		return &cp, nil
	}
	return nil, repository.ErrNotFound
}

func (r *fakeAppRepo) ListActive(ctx context.Context, owner, repo string) ([]*model.Application, error) {
	return r.list(owner, repo, func(row *model.Application) bool { return row.PRNumber != 0 }), nil
}

func (r *fakeAppRepo) ListMerged(ctx context.Context, owner, repo string) ([]*model.Application, error) {
	return r.list(owner, repo, func(row *model.Application) bool { return row.PRNumber == 0 }), nil
}

func (r *fakeAppRepo) ListAll(ctx context.Context) ([]*model.Application, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Application
	for _, row := range r.rows {
		cp := *row
		result = append(result, &cp)
	}
	return result, nil
}

func (r *fakeAppRepo) list(owner, repo string, match func(*model.Application) bool) []*model.Application {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Application
	for _, row := range r.rows {
		if row.Owner == owner && row.Repo == repo && match(row) {
			cp := *row
			result = append(result, &cp)
		}
	}
	return result
}

func (r *fakeAppRepo) Update(ctx context.Context, app *model.Application) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := appKey(app.ID, app.Owner, app.Repo, app.PRNumber)
	if _, ok := r.rows[key]; !ok {
		return repository.ErrNotFound
	}
	stored := *app
	stored.UpdatedAt = time.Now().UTC()
	r.rows[key] = &stored
	app.UpdatedAt = stored.UpdatedAt
	return nil
}

func (r *fakeAppRepo) Delete(ctx context.Context, id, owner, repo string, prNumber int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := appKey(id, owner, repo, prNumber)
	if _, ok := r.rows[key]; !ok {
		return repository.ErrNotFound
	}
	delete(r.rows, key)
	return nil
}

func (r *fakeAppRepo) MovePRToZero(ctx context.Context, id, owner, repo string, prNumber int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := appKey(id, owner, repo, prNumber)
	row, ok := r.rows[key]
	if !ok {
		return repository.ErrNotFound
	}
	if _, exists := r.rows[appKey(id, owner, repo, 0)]; exists {
		return repository.ErrConflict
	}
	delete(r.rows, key)
	row.PRNumber = 0
	r.rows[appKey(id, owner, repo, 0)] = row
	return nil
}

type fakeAllocatorRepo struct {
	mu               sync.Mutex
	allocators       map[string]*model.Allocator
	thresholdUpdates int
}

func newFakeAllocatorRepo(allocators ...*model.Allocator) *fakeAllocatorRepo {
	r := &fakeAllocatorRepo{allocators: map[string]*model.Allocator{}}
	for _, a := range allocators {
		r.allocators[a.Owner+"/"+a.Repo] = a
	}
	return r
}

func (r *fakeAllocatorRepo) Create(ctx context.Context, a *model.Allocator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocators[a.Owner+"/"+a.Repo] = a
	return nil
}

func (r *fakeAllocatorRepo) GetByOwnerRepo(ctx context.Context, owner, repo string) (*model.Allocator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.allocators[owner+"/"+repo]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *fakeAllocatorRepo) List(ctx context.Context) ([]*model.Allocator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var result []*model.Allocator
	for _, a := range r.allocators {
		cp := *a
		result = append(result, &cp)
	}
	return result, nil
}

func (r *fakeAllocatorRepo) Update(ctx context.Context, a *model.Allocator) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.allocators[a.Owner+"/"+a.Repo] = a
	return nil
}

func (r *fakeAllocatorRepo) UpdateThreshold(ctx context.Context, owner, repo string, threshold int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.allocators[owner+"/"+repo]
	if !ok {
		return repository.ErrNotFound
	}
	a.MultisigThreshold = threshold
	r.thresholdUpdates++
	return nil
}

func (r *fakeAllocatorRepo) Delete(ctx context.Context, owner, repo string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.allocators, owner+"/"+repo)
	return nil
}

// --- Блокчейн ---

type fakeLotus struct {
	state *lotusclient.MultisigState
	err   error
	calls int
}

func (f *fakeLotus) GetMultisigState(ctx context.Context, address string) (*lotusclient.MultisigState, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.state, nil
}

type fakeAllowance struct {
	allowance string
	err       error
}

func (f *fakeAllowance) GetAllowanceForAddress(ctx context.Context, address string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.allowance, nil
}

// --- Сборка тестового окружения ---

type testEnv struct {
	svc       *ApplicationService
	gh        *fakeGithubClient
	appRepo   *fakeAppRepo
	allocRepo *fakeAllocatorRepo
	lotus     *fakeLotus
	allowance *fakeAllowance
}

// newTestEnv собирает сервис с fake-коллабораторами. threshold задаёт
// порог multisig, возвращаемый fake-нодой Lotus.
func newTestEnv(t *testing.T, threshold int) *testEnv {
	t.Helper()

	gh := newFakeGithubClient("org", "allocator-repo")
	appRepo := newFakeAppRepo()
	allocRepo := newFakeAllocatorRepo(&model.Allocator{
		ID:                 1,
		Owner:              "org",
		Repo:               "allocator-repo",
		MultisigAddress:    "f2multisig",
		MultisigThreshold:  threshold,
		VerifiersGhHandles: "alice, bob, carol",
		Address:            "f1allocator",
	})
	lotus := &fakeLotus{state: &lotusclient.MultisigState{
		Threshold: threshold,
		Signers:   []string{"f01001", "f01002"},
	}}
	allowance := &fakeAllowance{allowance: "1125899906842624"} // 1 PiB

	logger := testLogger()
	resolver := NewThresholdResolver(lotus, allocRepo, 2, time.Minute, logger)
	svc := NewApplicationService(&fakeFactory{client: gh}, appRepo, allocRepo, resolver, allowance, logger)

	return &testEnv{
		svc:       svc,
		gh:        gh,
		appRepo:   appRepo,
		allocRepo: allocRepo,
		lotus:     lotus,
		allowance: allowance,
	}
}

// seedActive кладёт документ заявки в ветку заявки, открывает PR
// и создаёт активную строку кэша.
func (e *testEnv) seedActive(t *testing.T, file appfile.ApplicationFile, issueNumber int64) int64 {
	t.Helper()

	content, err := file.Encode()
	if err != nil {
		t.Fatalf("Encode() вернул ошибку: %v", err)
	}

	branch := ghclient.BranchName(file.ID)
	sha := e.gh.putFile(branch, ghclient.FilePath(file.ID), string(content), time.Now().UTC())

	prNumber, err := e.gh.CreatePullRequest(context.Background(),
		ghclient.PRTitle(file.ID, file.Client.Name), branch, "")
	if err != nil {
		t.Fatalf("CreatePullRequest() вернул ошибку: %v", err)
	}

	if err := e.appRepo.Create(context.Background(), &model.Application{
		ID:          file.ID,
		Owner:       "org",
		Repo:        "allocator-repo",
		PRNumber:    prNumber,
		IssueNumber: issueNumber,
		Application: string(content),
		SHA:         sha,
		Path:        ghclient.FilePath(file.ID),
	}); err != nil {
		t.Fatalf("Create() строки кэша вернул ошибку: %v", err)
	}
	return prNumber
}

// seedMerged кладёт документ в ветку по умолчанию и создаёт строку
// слитого раздела кэша.
func (e *testEnv) seedMerged(t *testing.T, file appfile.ApplicationFile, issueNumber int64) {
	t.Helper()

	content, err := file.Encode()
	if err != nil {
		t.Fatalf("Encode() вернул ошибку: %v", err)
	}

	sha := e.gh.putFile(e.gh.defaultBranch, ghclient.FilePath(file.ID), string(content), time.Now().UTC())

	if err := e.appRepo.Create(context.Background(), &model.Application{
		ID:          file.ID,
		Owner:       "org",
		Repo:        "allocator-repo",
		PRNumber:    0,
		IssueNumber: issueNumber,
		Application: string(content),
		SHA:         sha,
		Path:        ghclient.FilePath(file.ID),
	}); err != nil {
		t.Fatalf("Create() слитой строки кэша вернул ошибку: %v", err)
	}
}

// reloadDocument читает и разбирает текущий документ из ветки.
func (e *testEnv) reloadDocument(t *testing.T, id, ref string) appfile.ApplicationFile {
	t.Helper()

	content, err := e.gh.GetFile(context.Background(), ghclient.FilePath(id), ref)
	if err != nil {
		t.Fatalf("GetFile() вернул ошибку: %v", err)
	}
	file, err := appfile.ParseApplicationFile([]byte(content.Content))
	if err != nil {
		t.Fatalf("ParseApplicationFile() вернул ошибку: %v", err)
	}
	return file
}

// submittedFile возвращает документ новой заявки в Submitted.
func submittedFile(id string) appfile.ApplicationFile {
	return appfile.NewApplicationFile(id, "7", "f2multisig",
		appfile.Client{Name: "Example Corp", Region: "EU"},
		appfile.Datacap{TotalRequestedAmount: "10TiB", WeeklyAllocation: "1TiB"})
}
