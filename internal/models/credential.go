package models

import (
	"time"

	"github.com/zmh/Quill-sub002/internal/crypto"
)

const credentialPurpose = "remote-credential"

// Credential authenticates requests to the remote API.
// SecretSealed is never exposed in JSON responses.
type Credential struct {
	Scheme       string    `db:"scheme" json:"scheme"` // bearer, basic
	Username     string    `db:"username" json:"username,omitempty"`
	SecretSealed string    `db:"secret_sealed" json:"-"` // Never expose
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for Credential.
func (Credential) TableName() string {
	return "credentials"
}

// SetSecret seals and stores the token or password.
func (c *Credential) SetSecret(s *crypto.Sealer, secret string) error {
	sealed, err := s.SealString(secret, credentialPurpose)
	if err != nil {
		return err
	}
	c.SecretSealed = sealed
	return nil
}

// Secret opens the stored token or password.
func (c *Credential) Secret(s *crypto.Sealer) (string, error) {
	return s.OpenString(c.SecretSealed, credentialPurpose)
}

// HasSecret returns true if a sealed secret is stored.
func (c *Credential) HasSecret() bool {
	return c.SecretSealed != ""
}
