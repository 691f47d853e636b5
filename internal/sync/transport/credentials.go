package transport

import (
	"context"
	"net/http"
	"sync"
)

// Credential schemes.
const (
	SchemeBearer = "bearer"
	SchemeBasic  = "basic"
)

// Credential authenticates a request.
type Credential struct {
	Scheme   string
	Username string
	Secret   string
}

// Apply sets the Authorization header. An empty secret sends nothing.
func (c Credential) Apply(req *http.Request) {
	if c.Secret == "" {
		return
	}
	if c.Scheme == SchemeBasic {
		req.SetBasicAuth(c.Username, c.Secret)
		return
	}
	req.Header.Set("Authorization", "Bearer "+c.Secret)
}

// CredentialProvider supplies the current credential for each request.
type CredentialProvider interface {
	CurrentCredential(ctx context.Context) (Credential, error)
}

// StaticCredentials is an in-memory provider that can be swapped at runtime.
type StaticCredentials struct {
	mu   sync.RWMutex
	cred Credential
}

// NewStaticCredentials creates a provider holding c.
func NewStaticCredentials(c Credential) *StaticCredentials {
	return &StaticCredentials{cred: c}
}

// CurrentCredential implements CredentialProvider.
func (s *StaticCredentials) CurrentCredential(context.Context) (Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, nil
}

// Set replaces the credential.
func (s *StaticCredentials) Set(c Credential) {
	s.mu.Lock()
	s.cred = c
	s.mu.Unlock()
}
