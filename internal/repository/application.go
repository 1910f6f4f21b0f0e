package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/filgrant/application-module/internal/domain/model"
)

// ApplicationRepository — кэш заявок в таблице applications.
// Составной ключ (id, owner, repo, pr_number); pr_number = 0 — partition
// смёрженных заявок.
type ApplicationRepository interface {
	// Create создаёт строку кэша.
	Create(ctx context.Context, app *model.Application) error
	// Get возвращает строку по полному ключу.
	Get(ctx context.Context, id, owner, repo string, prNumber int64) (*model.Application, error)
	// GetAnyPartition возвращает строку по id/owner/repo из любого partition,
	// предпочитая активную (pr_number != 0).
	GetAnyPartition(ctx context.Context, id, owner, repo string) (*model.Application, error)
	// ListActive возвращает активные заявки репозитория (pr_number != 0).
	ListActive(ctx context.Context, owner, repo string) ([]*model.Application, error)
	// ListMerged возвращает смёрженные заявки репозитория (pr_number = 0).
	ListMerged(ctx context.Context, owner, repo string) ([]*model.Application, error)
	// ListAll возвращает все заявки всех репозиториев.
	ListAll(ctx context.Context) ([]*model.Application, error)
	// Update перезаписывает документ, SHA и путь строки.
	Update(ctx context.Context, app *model.Application) error
	// Delete удаляет строку по полному ключу.
	Delete(ctx context.Context, id, owner, repo string, prNumber int64) error
	// MovePRToZero переносит строку в partition смёрженных (pr_number = 0).
	MovePRToZero(ctx context.Context, id, owner, repo string, prNumber int64) error
}

// applicationRepo — реализация ApplicationRepository.
type applicationRepo struct {
	db DBTX
}

// NewApplicationRepository создаёт репозиторий кэша заявок.
func NewApplicationRepository(db DBTX) ApplicationRepository {
	return &applicationRepo{db: db}
}

const applicationColumns = `id, owner, repo, pr_number, issue_number, application, sha, path, updated_at`

func (r *applicationRepo) Create(ctx context.Context, app *model.Application) error {
	query := `
		INSERT INTO applications (id, owner, repo, pr_number, issue_number, application, sha, path)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		app.ID, app.Owner, app.Repo, app.PRNumber,
		app.IssueNumber, app.Application, app.SHA, app.Path,
	).Scan(&app.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: заявка %s уже в кэше", ErrConflict, app.ID)
		}
		return fmt.Errorf("ошибка создания строки заявки: %w", err)
	}
	return nil
}

func (r *applicationRepo) Get(ctx context.Context, id, owner, repo string, prNumber int64) (*model.Application, error) {
	query := `
		SELECT ` + applicationColumns + `
		FROM applications
		WHERE id = $1 AND owner = $2 AND repo = $3 AND pr_number = $4`

	app := &model.Application{}
	err := r.db.QueryRow(ctx, query, id, owner, repo, prNumber).Scan(
		&app.ID, &app.Owner, &app.Repo, &app.PRNumber,
		&app.IssueNumber, &app.Application, &app.SHA, &app.Path, &app.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения заявки: %w", err)
	}
	return app, nil
}

func (r *applicationRepo) GetAnyPartition(ctx context.Context, id, owner, repo string) (*model.Application, error) {
	// Активная строка (pr_number != 0) предпочтительнее смёрженной
	query := `
		SELECT ` + applicationColumns + `
		FROM applications
		WHERE id = $1 AND owner = $2 AND repo = $3
		ORDER BY (pr_number = 0), updated_at DESC
		LIMIT 1`

	app := &model.Application{}
	err := r.db.QueryRow(ctx, query, id, owner, repo).Scan(
		&app.ID, &app.Owner, &app.Repo, &app.PRNumber,
		&app.IssueNumber, &app.Application, &app.SHA, &app.Path, &app.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения заявки: %w", err)
	}
	return app, nil
}

func (r *applicationRepo) ListActive(ctx context.Context, owner, repo string) ([]*model.Application, error) {
	query := `
		SELECT ` + applicationColumns + `
		FROM applications
		WHERE owner = $1 AND repo = $2 AND pr_number != 0
		ORDER BY updated_at DESC`

	return r.list(ctx, query, owner, repo)
}

func (r *applicationRepo) ListMerged(ctx context.Context, owner, repo string) ([]*model.Application, error) {
	query := `
		SELECT ` + applicationColumns + `
		FROM applications
		WHERE owner = $1 AND repo = $2 AND pr_number = 0
		ORDER BY updated_at DESC`

	return r.list(ctx, query, owner, repo)
}

func (r *applicationRepo) ListAll(ctx context.Context) ([]*model.Application, error) {
	query := `
		SELECT ` + applicationColumns + `
		FROM applications
		ORDER BY owner, repo, updated_at DESC`

	return r.list(ctx, query)
}

func (r *applicationRepo) list(ctx context.Context, query string, args ...any) ([]*model.Application, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка заявок: %w", err)
	}
	defer rows.Close()

	var result []*model.Application
	for rows.Next() {
		app := &model.Application{}
		if err := rows.Scan(
			&app.ID, &app.Owner, &app.Repo, &app.PRNumber,
			&app.IssueNumber, &app.Application, &app.SHA, &app.Path, &app.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования заявки: %w", err)
		}
		result = append(result, app)
	}
	return result, rows.Err()
}

func (r *applicationRepo) Update(ctx context.Context, app *model.Application) error {
	query := `
		UPDATE applications
		SET issue_number = $5, application = $6, sha = $7, path = $8, updated_at = now()
		WHERE id = $1 AND owner = $2 AND repo = $3 AND pr_number = $4
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		app.ID, app.Owner, app.Repo, app.PRNumber,
		app.IssueNumber, app.Application, app.SHA, app.Path,
	).Scan(&app.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления заявки: %w", err)
	}
	return nil
}

func (r *applicationRepo) Delete(ctx context.Context, id, owner, repo string, prNumber int64) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM applications WHERE id = $1 AND owner = $2 AND repo = $3 AND pr_number = $4`,
		id, owner, repo, prNumber,
	)
	if err != nil {
		return fmt.Errorf("ошибка удаления заявки: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *applicationRepo) MovePRToZero(ctx context.Context, id, owner, repo string, prNumber int64) error {
	// Старая смёрженная строка с тем же id вытесняется новой
	query := `
		UPDATE applications
		SET pr_number = 0, updated_at = now()
		WHERE id = $1 AND owner = $2 AND repo = $3 AND pr_number = $4`

	tag, err := r.db.Exec(ctx, query, id, owner, repo, prNumber)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: заявка %s уже в partition смёрженных", ErrConflict, id)
		}
		return fmt.Errorf("ошибка переноса заявки в partition смёрженных: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
