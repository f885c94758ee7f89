package chat

import (
	"context"
	"database/sql"
	"fmt"
)

// Filter narrows Find and Count. The zero value matches every message.
type Filter struct {
	AccountID string
}

func (f Filter) where() (string, []any) {
	if f.AccountID == "" {
		return "", nil
	}
	return "WHERE account_id = $1", []any{f.AccountID}
}

type SortOrder int

const (
	NewestFirst SortOrder = iota
	OldestFirst
)

type FindOptions struct {
	Skip  int64
	Limit int64
	Sort  SortOrder
}

// Store is the persistence collaborator of the broadcaster: one flat
// collection of chat messages.
type Store interface {
	Insert(ctx context.Context, msg Message) (Message, error)
	Find(ctx context.Context, filter Filter, opts FindOptions) ([]Message, error)
	Count(ctx context.Context, filter Filter) (int64, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Insert(ctx context.Context, msg Message) (Message, error) {
	query := `INSERT INTO chat_messages (id, account_id, username, content, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING created_at`

	err := r.db.QueryRowContext(ctx, query, msg.ID, msg.AccountID, msg.Username, msg.Content, msg.CreatedAt).
		Scan(&msg.CreatedAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

func (r *Repository) Find(ctx context.Context, filter Filter, opts FindOptions) ([]Message, error) {
	order := "DESC"
	if opts.Sort == OldestFirst {
		order = "ASC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := filter.where()
	args = append(args, opts.Skip, limit)

	// ULIDs sort by creation time, so id breaks created_at ties.
	query := fmt.Sprintf(`
		SELECT id, account_id, username, content, created_at
		FROM chat_messages %s
		ORDER BY created_at %s, id %s
		OFFSET $%d LIMIT $%d
	`, where, order, order, len(args)-1, len(args))
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.AccountID, &m.Username, &m.Content, &m.CreatedAt); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (r *Repository) Count(ctx context.Context, filter Filter) (int64, error) {
	where, args := filter.where()
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chat_messages `+where, args...).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
