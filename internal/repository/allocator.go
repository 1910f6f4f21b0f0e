package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/filgrant/application-module/internal/domain/model"
)

// AllocatorRepository — конфигурация аллокаторов в таблице allocators.
type AllocatorRepository interface {
	// Create создаёт запись аллокатора.
	Create(ctx context.Context, a *model.Allocator) error
	// GetByOwnerRepo возвращает аллокатора по репозиторию.
	GetByOwnerRepo(ctx context.Context, owner, repo string) (*model.Allocator, error)
	// List возвращает всех аллокаторов.
	List(ctx context.Context) ([]*model.Allocator, error)
	// Update обновляет запись аллокатора.
	Update(ctx context.Context, a *model.Allocator) error
	// UpdateThreshold обновляет кэшированный порог подписей.
	UpdateThreshold(ctx context.Context, owner, repo string, threshold int) error
	// Delete удаляет запись аллокатора.
	Delete(ctx context.Context, owner, repo string) error
}

// allocatorRepo — реализация AllocatorRepository.
type allocatorRepo struct {
	db DBTX
}

// NewAllocatorRepository создаёт репозиторий аллокаторов.
func NewAllocatorRepository(db DBTX) AllocatorRepository {
	return &allocatorRepo{db: db}
}

const allocatorColumns = `id, owner, repo, installation_id, multisig_address,
		multisig_threshold, verifiers_gh_handles, address, tooling,
		client_contract_address, created_at, updated_at`

func (r *allocatorRepo) Create(ctx context.Context, a *model.Allocator) error {
	query := `
		INSERT INTO allocators (owner, repo, installation_id, multisig_address,
			multisig_threshold, verifiers_gh_handles, address, tooling, client_contract_address)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := r.db.QueryRow(ctx, query,
		a.Owner, a.Repo, a.InstallationID, a.MultisigAddress,
		a.MultisigThreshold, a.VerifiersGhHandles, a.Address, a.Tooling, a.ClientContractAddress,
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: аллокатор %s/%s уже зарегистрирован", ErrConflict, a.Owner, a.Repo)
		}
		return fmt.Errorf("ошибка создания аллокатора: %w", err)
	}
	return nil
}

func (r *allocatorRepo) GetByOwnerRepo(ctx context.Context, owner, repo string) (*model.Allocator, error) {
	query := `
		SELECT ` + allocatorColumns + `
		FROM allocators
		WHERE owner = $1 AND repo = $2`

	a := &model.Allocator{}
	err := r.db.QueryRow(ctx, query, owner, repo).Scan(
		&a.ID, &a.Owner, &a.Repo, &a.InstallationID, &a.MultisigAddress,
		&a.MultisigThreshold, &a.VerifiersGhHandles, &a.Address, &a.Tooling,
		&a.ClientContractAddress, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("ошибка получения аллокатора: %w", err)
	}
	return a, nil
}

func (r *allocatorRepo) List(ctx context.Context) ([]*model.Allocator, error) {
	query := `
		SELECT ` + allocatorColumns + `
		FROM allocators
		ORDER BY owner, repo`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("ошибка получения списка аллокаторов: %w", err)
	}
	defer rows.Close()

	var result []*model.Allocator
	for rows.Next() {
		a := &model.Allocator{}
		if err := rows.Scan(
			&a.ID, &a.Owner, &a.Repo, &a.InstallationID, &a.MultisigAddress,
			&a.MultisigThreshold, &a.VerifiersGhHandles, &a.Address, &a.Tooling,
			&a.ClientContractAddress, &a.CreatedAt, &a.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("ошибка сканирования аллокатора: %w", err)
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func (r *allocatorRepo) Update(ctx context.Context, a *model.Allocator) error {
	query := `
		UPDATE allocators
		SET installation_id = $3, multisig_address = $4, multisig_threshold = $5,
			verifiers_gh_handles = $6, address = $7, tooling = $8,
			client_contract_address = $9, updated_at = now()
		WHERE owner = $1 AND repo = $2
		RETURNING updated_at`

	err := r.db.QueryRow(ctx, query,
		a.Owner, a.Repo, a.InstallationID, a.MultisigAddress, a.MultisigThreshold,
		a.VerifiersGhHandles, a.Address, a.Tooling, a.ClientContractAddress,
	).Scan(&a.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return ErrNotFound
		}
		return fmt.Errorf("ошибка обновления аллокатора: %w", err)
	}
	return nil
}

func (r *allocatorRepo) UpdateThreshold(ctx context.Context, owner, repo string, threshold int) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE allocators SET multisig_threshold = $3, updated_at = now() WHERE owner = $1 AND repo = $2`,
		owner, repo, threshold,
	)
	if err != nil {
		return fmt.Errorf("ошибка обновления порога аллокатора: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *allocatorRepo) Delete(ctx context.Context, owner, repo string) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM allocators WHERE owner = $1 AND repo = $2`, owner, repo)
	if err != nil {
		return fmt.Errorf("ошибка удаления аллокатора: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
