package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Create inserts a new user and returns it.
func (r *Repository) Create(ctx context.Context, email, passwordHash, displayName, role string) (*User, error) {
	var id uuid.UUID
	row := r.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash, display_name, role)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, email, passwordHash, displayName, role)
	if err := row.Scan(&id); err != nil {
		return nil, err
	}
	return &User{
		ID:          id,
		Email:       email,
		DisplayName: displayName,
		Role:        role,
	}, nil
}

// GetByEmail returns the user and password hash for login. Returns nil if not found.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*User, string, error) {
	var u User
	var passwordHash string
	var customerID *string
	row := r.pool.QueryRow(ctx, `
		SELECT id, email, display_name, role, external_customer_id, password_hash
		FROM users WHERE email = $1
	`, email)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.Role, &customerID, &passwordHash); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", err
	}
	if customerID != nil {
		u.ExternalCustomerID = *customerID
	}
	return &u, passwordHash, nil
}

// GetUser resolves the fields billing checkout needs.
func (r *Repository) GetUser(ctx context.Context, id uuid.UUID) (email, name, customerID string, err error) {
	var cust *string
	row := r.pool.QueryRow(ctx, `
		SELECT email, display_name, external_customer_id
		FROM users WHERE id = $1
	`, id)
	if err := row.Scan(&email, &name, &cust); err != nil {
		return "", "", "", err
	}
	if cust != nil {
		customerID = *cust
	}
	return email, name, customerID, nil
}

// SetCustomerID records the payment processor customer id after first checkout.
func (r *Repository) SetCustomerID(ctx context.Context, id uuid.UUID, customerID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET external_customer_id = $1, updated_at = NOW() WHERE id = $2
	`, customerID, id)
	return err
}
