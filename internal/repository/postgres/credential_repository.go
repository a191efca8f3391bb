package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// CredentialRepository reads and writes the single cluster credential row.
type CredentialRepository struct {
	db *DB
}

// NewCredentialRepository creates a new PostgreSQL credential repository.
func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

// Credential returns the stored credential or domain.ErrNotConfigured.
func (r *CredentialRepository) Credential(ctx context.Context) (*domain.Credential, error) {
	var c domain.Credential
	err := r.db.pool.QueryRow(ctx, `
		SELECT hostname, port, username, password, verify_tls
		FROM cluster_credentials
		LIMIT 1`,
	).Scan(&c.Hostname, &c.Port, &c.Username, &c.Password, &c.VerifyTLS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotConfigured
		}
		return nil, fmt.Errorf("failed to read cluster credential: %w", err)
	}
	if !c.Usable() {
		return nil, domain.ErrNotConfigured
	}
	return &c, nil
}

// Set replaces the stored credential. nil clears it.
func (r *CredentialRepository) Set(ctx context.Context, cred *domain.Credential) error {
	if cred == nil {
		if _, err := r.db.pool.Exec(ctx, `DELETE FROM cluster_credentials`); err != nil {
			return fmt.Errorf("failed to clear cluster credential: %w", err)
		}
		return nil
	}

	port := cred.Port
	if port == 0 {
		port = domain.DefaultClusterPort
	}
	_, err := r.db.pool.Exec(ctx, `
		INSERT INTO cluster_credentials (singleton, hostname, port, username, password, verify_tls, updated_at)
		VALUES (TRUE, $1, $2, $3, $4, $5, NOW())
		ON CONFLICT (singleton) DO UPDATE SET
			hostname = EXCLUDED.hostname,
			port = EXCLUDED.port,
			username = EXCLUDED.username,
			password = EXCLUDED.password,
			verify_tls = EXCLUDED.verify_tls,
			updated_at = NOW()`,
		cred.Hostname, port, cred.Username, cred.Password, cred.VerifyTLS,
	)
	if err != nil {
		return fmt.Errorf("failed to store cluster credential: %w", err)
	}
	return nil
}
