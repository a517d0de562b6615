package store

import (
	"database/sql"
	"fmt"

	"github.com/dukerupert/mchcare/internal/model"
)

type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	err := scanner.Scan(&u.ID, &u.Email, &u.Name, &u.Role, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

const userCols = `id, email, name, role, created_at, updated_at`

// Create inserts a user. tokenHash is the hex SHA-256 of the user's API
// token; the token itself is never stored.
func (s *UserStore) Create(email, name, role, tokenHash string) (*model.User, error) {
	result, err := s.db.Exec(
		`INSERT INTO users (email, name, role, api_token_hash) VALUES (?, ?, ?, ?)`,
		email, name, role, tokenHash,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("insert user %q: %w", email, ErrConflict)
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(id)
}

func (s *UserStore) GetByID(id int64) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByEmail(email string) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE email = ?`, email)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return u, nil
}

func (s *UserStore) GetByTokenHash(tokenHash string) (*model.User, error) {
	row := s.db.QueryRow(`SELECT `+userCols+` FROM users WHERE api_token_hash = ?`, tokenHash)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user by token: %w", err)
	}
	return u, nil
}

func (s *UserStore) List() ([]model.User, error) {
	users, err := queryList(s.db, scanUser, `SELECT `+userCols+` FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *UserStore) Update(id int64, email, name, role string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE users SET email = ?, name = ?, role = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		email, name, role, id,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return false, fmt.Errorf("update user %d: %w", id, ErrConflict)
		}
		return false, fmt.Errorf("update user: %w", err)
	}
	return rowsChanged(result)
}

// RotateToken replaces the stored token hash, invalidating the old token.
func (s *UserStore) RotateToken(id int64, tokenHash string) (bool, error) {
	result, err := s.db.Exec(
		`UPDATE users SET api_token_hash = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		tokenHash, id,
	)
	if err != nil {
		return false, fmt.Errorf("rotate token: %w", err)
	}
	return rowsChanged(result)
}

func (s *UserStore) Delete(id int64) error {
	_, err := s.db.Exec(`DELETE FROM users WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	return nil
}
