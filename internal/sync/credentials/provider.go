// Package credentials serves the remote API credential from the local store,
// sealed at rest with the machine key.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zmh/Quill-sub002/internal/crypto"
	"github.com/zmh/Quill-sub002/internal/db"
	apperrors "github.com/zmh/Quill-sub002/internal/errors"
	"github.com/zmh/Quill-sub002/internal/models"
	"github.com/zmh/Quill-sub002/internal/sync/transport"
)

// DefaultName is the store key of the remote credential.
const DefaultName = "remote"

// StoreProvider implements transport.CredentialProvider on a CredentialStore.
// The opened secret is cached until the next Save or Invalidate.
type StoreProvider struct {
	store  db.CredentialStore
	sealer *crypto.Sealer
	name   string

	mu     sync.RWMutex
	cached *transport.Credential
}

var _ transport.CredentialProvider = (*StoreProvider)(nil)

// NewStoreProvider creates a provider reading the credential stored under name.
func NewStoreProvider(store db.CredentialStore, sealer *crypto.Sealer, name string) *StoreProvider {
	if name == "" {
		name = DefaultName
	}
	return &StoreProvider{store: store, sealer: sealer, name: name}
}

// CurrentCredential implements transport.CredentialProvider. It returns
// transport.ErrNoCredential when nothing has been saved.
func (p *StoreProvider) CurrentCredential(ctx context.Context) (transport.Credential, error) {
	p.mu.RLock()
	if p.cached != nil {
		c := *p.cached
		p.mu.RUnlock()
		return c, nil
	}
	p.mu.RUnlock()

	stored, err := p.store.LoadCredential(ctx, p.name)
	if errors.Is(err, db.ErrNotFound) {
		return transport.Credential{}, transport.ErrNoCredential
	}
	if err != nil {
		return transport.Credential{}, err
	}
	secret, err := stored.Secret(p.sealer)
	if err != nil {
		return transport.Credential{}, fmt.Errorf("failed to open credential %s: %w", p.name, err)
	}

	c := transport.Credential{Scheme: stored.Scheme, Username: stored.Username, Secret: secret}
	p.mu.Lock()
	p.cached = &c
	p.mu.Unlock()
	return c, nil
}

// Save seals and stores a credential, replacing the previous one.
func (p *StoreProvider) Save(ctx context.Context, scheme, username, secret string) error {
	switch scheme {
	case transport.SchemeBearer, transport.SchemeBasic:
	default:
		return apperrors.New(apperrors.ErrInvalid, fmt.Sprintf("unsupported credential scheme %q", scheme))
	}

	c := &models.Credential{Scheme: scheme, Username: username}
	if err := c.SetSecret(p.sealer, secret); err != nil {
		return err
	}
	if err := p.store.SaveCredential(ctx, p.name, c); err != nil {
		return err
	}
	p.Invalidate()
	return nil
}

// Invalidate drops the cached credential so the next request reloads it.
func (p *StoreProvider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}
