package memory

import (
	"context"
	"sync"

	"github.com/limiquantix/clustermaint/internal/domain"
)

// CredentialRepository holds at most one cluster credential.
type CredentialRepository struct {
	mu   sync.RWMutex
	cred *domain.Credential
}

// NewCredentialRepository creates a repository, optionally seeded.
func NewCredentialRepository(cred *domain.Credential) *CredentialRepository {
	return &CredentialRepository{cred: cred}
}

// Credential returns a copy of the stored credential or domain.ErrNotConfigured.
func (r *CredentialRepository) Credential(ctx context.Context) (*domain.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !r.cred.Usable() {
		return nil, domain.ErrNotConfigured
	}
	cp := *r.cred
	return &cp, nil
}

// Set replaces the stored credential. nil clears it.
func (r *CredentialRepository) Set(ctx context.Context, cred *domain.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cred == nil {
		r.cred = nil
		return nil
	}
	cp := *cred
	r.cred = &cp
	return nil
}
