package store

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mldperalta/mldperalta-DatingApp/internal/model"
)

// MySQLStore implements MessageStore on a MySQL/MariaDB database.
// Append stages messages in memory; CommitBatch flushes the staged batch
// in a single transaction.
type MySQLStore struct {
	db *sql.DB

	mu      sync.Mutex
	pending []*model.Message
}

// NewMySQLStore wraps an open database handle.
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Append stages a message for the next CommitBatch.
func (s *MySQLStore) Append(ctx context.Context, msg *model.Message) error {
	if msg.SenderUsername == "" || msg.RecipientUsername == "" {
		return fmt.Errorf("store: message missing participants")
	}
	if msg.SenderUsername == msg.RecipientUsername {
		return fmt.Errorf("store: sender and recipient must differ")
	}

	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
	return nil
}

// CommitBatch writes all staged messages in one transaction and fills in
// their generated ids. A failed batch is discarded, never retried: the
// sender was already told the send failed, so persisting it behind a
// later commit would produce a message no group ever saw broadcast.
func (s *MySQLStore) CommitBatch(ctx context.Context) (bool, error) {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("store: begin commit: %w", err)
	}

	for _, msg := range batch {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages
				(sender_id, sender_username, recipient_id, recipient_username, content, sent_at)
			VALUES (?, ?, ?, ?, ?, ?)
		`, msg.SenderID, msg.SenderUsername, msg.RecipientID, msg.RecipientUsername, msg.Content, msg.SentAt)
		if err != nil {
			tx.Rollback()
			return false, fmt.Errorf("store: insert message: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			tx.Rollback()
			return false, fmt.Errorf("store: message id: %w", err)
		}
		msg.ID = id
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("store: commit: %w", err)
	}
	return true, nil
}

// GetByID fetches a single message.
func (s *MySQLStore) GetByID(ctx context.Context, id int64) (*model.Message, error) {
	var msg model.Message
	err := s.db.QueryRowContext(ctx, `
		SELECT id, sender_id, sender_username, recipient_id, recipient_username,
		       content, sent_at, read_at, sender_deleted, recipient_deleted
		FROM messages WHERE id = ?
	`, id).Scan(
		&msg.ID, &msg.SenderID, &msg.SenderUsername, &msg.RecipientID, &msg.RecipientUsername,
		&msg.Content, &msg.SentAt, &msg.ReadAt, &msg.SenderDeleted, &msg.RecipientDeleted,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return &msg, nil
}

// GetPaged returns one newest-first page of the requester's messages.
func (s *MySQLStore) GetPaged(ctx context.Context, params Params) (*model.Page, error) {
	if params.PageNumber < 1 {
		params.PageNumber = 1
	}
	if params.PageSize < 1 {
		params.PageSize = 1
	}

	var where string
	switch params.Filter {
	case FilterSent:
		where = "m.sender_username = ? AND m.sender_deleted = 0"
	case FilterUnread:
		where = "m.recipient_username = ? AND m.recipient_deleted = 0 AND m.read_at IS NULL"
	default:
		where = "m.recipient_username = ? AND m.recipient_deleted = 0"
	}

	var total int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages m WHERE "+where, params.Username,
	).Scan(&total)
	if err != nil {
		return nil, fmt.Errorf("store: count messages: %w", err)
	}

	offset := (params.PageNumber - 1) * params.PageSize
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.sender_username, s.display_name, m.recipient_username, r.display_name,
		       m.content, m.sent_at, m.read_at
		FROM messages m
		JOIN users s ON s.username = m.sender_username
		JOIN users r ON r.username = m.recipient_username
		WHERE `+where+`
		ORDER BY m.sent_at DESC, m.id DESC
		LIMIT ? OFFSET ?
	`, params.Username, params.PageSize, offset)
	if err != nil {
		return nil, fmt.Errorf("store: page messages: %w", err)
	}
	defer rows.Close()

	items, err := scanViews(rows)
	if err != nil {
		return nil, err
	}

	totalPages := (total + params.PageSize - 1) / params.PageSize
	return &model.Page{
		CurrentPage:  params.PageNumber,
		ItemsPerPage: params.PageSize,
		TotalItems:   total,
		TotalPages:   totalPages,
		Items:        items,
	}, nil
}

// GetThread returns the ordered conversation between two users as seen
// by currentUsername, marking their unread incoming messages read first.
func (s *MySQLStore) GetThread(ctx context.Context, currentUsername, otherUsername string) ([]model.MessageView, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE messages SET read_at = ?
		WHERE recipient_username = ? AND sender_username = ? AND read_at IS NULL
	`, time.Now().UTC(), currentUsername, otherUsername); err != nil {
		// The thread itself is still servable.
		log.Printf("[store] mark thread read failed: %v", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.sender_username, s.display_name, m.recipient_username, r.display_name,
		       m.content, m.sent_at, m.read_at
		FROM messages m
		JOIN users s ON s.username = m.sender_username
		JOIN users r ON r.username = m.recipient_username
		WHERE (m.sender_username = ? AND m.recipient_username = ? AND m.sender_deleted = 0)
		   OR (m.sender_username = ? AND m.recipient_username = ? AND m.recipient_deleted = 0)
		ORDER BY m.sent_at ASC, m.id ASC
	`, currentUsername, otherUsername, otherUsername, currentUsername)
	if err != nil {
		return nil, fmt.Errorf("store: thread: %w", err)
	}
	defer rows.Close()

	return scanViews(rows)
}

// Delete sets the requester's deletion flag and removes the row once
// both sides have deleted the message.
func (s *MySQLStore) Delete(ctx context.Context, id int64, requester string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete: %w", err)
	}
	defer tx.Rollback()

	var sender, recipient string
	var senderDeleted, recipientDeleted bool
	err = tx.QueryRowContext(ctx, `
		SELECT sender_username, recipient_username, sender_deleted, recipient_deleted
		FROM messages WHERE id = ? FOR UPDATE
	`, id).Scan(&sender, &recipient, &senderDeleted, &recipientDeleted)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: load for delete: %w", err)
	}

	switch requester {
	case sender:
		senderDeleted = true
	case recipient:
		recipientDeleted = true
	default:
		return ErrNotParticipant
	}

	if senderDeleted && recipientDeleted {
		_, err = tx.ExecContext(ctx, "DELETE FROM messages WHERE id = ?", id)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE messages SET sender_deleted = ?, recipient_deleted = ? WHERE id = ?
		`, senderDeleted, recipientDeleted, id)
	}
	if err != nil {
		return fmt.Errorf("store: delete message: %w", err)
	}
	return tx.Commit()
}

func scanViews(rows *sql.Rows) ([]model.MessageView, error) {
	views := make([]model.MessageView, 0)
	for rows.Next() {
		var v model.MessageView
		if err := rows.Scan(
			&v.ID, &v.SenderUsername, &v.SenderDisplayName,
			&v.RecipientUsername, &v.RecipientDisplayName,
			&v.Content, &v.SentAt, &v.ReadAt,
		); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		views = append(views, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: read messages: %w", err)
	}
	return views, nil
}
