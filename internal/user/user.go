// Package user is the identity collaborator: it resolves usernames to
// accounts. Account creation and credentials live outside this service.
package user

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/mldperalta/mldperalta-DatingApp/internal/model"
	"github.com/mldperalta/mldperalta-DatingApp/internal/store"
)

// Repository resolves users by username.
type Repository interface {
	// GetByUsername returns the user, store.ErrNotFound when absent.
	GetByUsername(ctx context.Context, username string) (*model.User, error)
}

// MySQLRepository implements Repository over the users table.
type MySQLRepository struct {
	db *sql.DB
}

// NewMySQLRepository wraps an open database handle.
func NewMySQLRepository(db *sql.DB) *MySQLRepository {
	return &MySQLRepository{db: db}
}

// GetByUsername looks a user up case-insensitively.
func (r *MySQLRepository) GetByUsername(ctx context.Context, username string) (*model.User, error) {
	var u model.User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, username, display_name FROM users WHERE username = ?
	`, strings.ToLower(username)).Scan(&u.ID, &u.Username, &u.DisplayName)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user: get by username: %w", err)
	}
	return &u, nil
}
