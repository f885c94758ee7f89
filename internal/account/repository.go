//go:generate go run go.uber.org/mock/mockgen -source=repository.go -destination=../mocks/mock_account_repository.go -package=mocks
package account

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const uniqueViolation = "23505"

var (
	ErrNotFound = errors.New("account not found")
	ErrConflict = errors.New("username or email already taken")
)

type Repository interface {
	Create(ctx context.Context, a *Account) error
	GetByUsername(ctx context.Context, username string) (*Account, error)
	GetByEmail(ctx context.Context, email string) (*Account, error)
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	MarkEmailVerified(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, query string, limit int) ([]Account, error)
}

type PostgresRepository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts the account. The unique indexes on username and email
// decide conflicts, so concurrent sign-ups cannot both win.
func (r *PostgresRepository) Create(ctx context.Context, a *Account) error {
	query := `INSERT INTO accounts (id, username, email, password_hash, email_verified)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, a.ID, a.Username, a.Email, a.PasswordHash, a.EmailVerified).
		Scan(&a.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrConflict
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetByUsername(ctx context.Context, username string) (*Account, error) {
	return r.getOne(ctx, `WHERE username = $1`, username)
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*Account, error) {
	return r.getOne(ctx, `WHERE lower(email) = lower($1)`, email)
}

func (r *PostgresRepository) getOne(ctx context.Context, where string, arg any) (*Account, error) {
	a := &Account{}
	query := `SELECT id, username, email, password_hash, email_verified, created_at FROM accounts ` + where

	err := r.db.QueryRowContext(ctx, query, arg).
		Scan(&a.ID, &a.Username, &a.Email, &a.PasswordHash, &a.EmailVerified, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return a, nil
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error {
	return r.updateOne(ctx, `UPDATE accounts SET password_hash = $2 WHERE id = $1`, id, hash)
}

func (r *PostgresRepository) MarkEmailVerified(ctx context.Context, id uuid.UUID) error {
	return r.updateOne(ctx, `UPDATE accounts SET email_verified = TRUE WHERE id = $1`, id)
}

func (r *PostgresRepository) updateOne(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) Search(ctx context.Context, query string, limit int) ([]Account, error) {
	q := `SELECT id, username FROM accounts WHERE username ILIKE $1 ORDER BY username LIMIT $2`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%", limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []Account
	for rows.Next() {
		var a Account
		if err := rows.Scan(&a.ID, &a.Username); err != nil {
			return nil, err
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}
