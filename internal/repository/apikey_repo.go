package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ServiceAPIKey authenticates server-to-server callers of the consumption API.
// Only the SHA-256 hash of the key is stored.
type ServiceAPIKey struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

type APIKeyRepo struct {
	pool *pgxpool.Pool
}

func NewAPIKeyRepo(pool *pgxpool.Pool) *APIKeyRepo {
	return &APIKeyRepo{pool: pool}
}

func (r *APIKeyRepo) FindByKeyHash(ctx context.Context, keyHash string) (*ServiceAPIKey, error) {
	var k ServiceAPIKey
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, key_hash, revoked_at, created_at
		FROM service_api_keys
		WHERE key_hash = $1 AND revoked_at IS NULL
	`, keyHash).Scan(&k.ID, &k.Name, &k.KeyHash, &k.RevokedAt, &k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &k, nil
}

func (r *APIKeyRepo) Create(ctx context.Context, name, keyHash string) (*ServiceAPIKey, error) {
	k := &ServiceAPIKey{ID: uuid.New(), Name: name, KeyHash: keyHash}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO service_api_keys (id, name, key_hash)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, k.ID, k.Name, k.KeyHash).Scan(&k.CreatedAt)
	if err != nil {
		return nil, err
	}
	return k, nil
}

func (r *APIKeyRepo) Revoke(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE service_api_keys SET revoked_at = now() WHERE id = $1 AND revoked_at IS NULL
	`, id)
	return err
}
