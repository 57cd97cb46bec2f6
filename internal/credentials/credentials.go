// Package credentials stores tenant marketplace API secrets encrypted at
// rest. Secret material never appears in logs or API responses.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"time"

	"github.com/1benisin/brickops-sub002/internal/model"
	"github.com/1benisin/brickops-sub002/internal/store"
)

// Vault encrypts and decrypts tenant secrets with AES-GCM. The key is derived
// from the configured passphrase.
type Vault struct {
	st   store.Store
	aead cipher.AEAD
}

// New builds a vault from the configured key material.
func New(st store.Store, key string) (*Vault, error) {
	if key == "" {
		return nil, fmt.Errorf("credentials key is required")
	}
	sum := sha256.Sum256([]byte(key))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("credentials cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials gcm: %w", err)
	}
	return &Vault{st: st, aead: aead}, nil
}

// Put encrypts and stores a tenant's marketplace token.
func (v *Vault) Put(ctx context.Context, tenantID string, p model.Provider, token string, enabled bool) error {
	if !p.Valid() {
		return fmt.Errorf("provider %q: %w", p, model.ErrValidation)
	}
	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("credentials nonce: %w", err)
	}
	sealed := v.aead.Seal(nonce, nonce, []byte(token), nil)
	return v.st.WithTx(ctx, func(tx store.Tx) error {
		return tx.Credentials().Put(&model.TenantCredentials{
			TenantID:  tenantID,
			Provider:  p,
			Enabled:   enabled,
			Secret:    sealed,
			UpdatedAt: time.Now().UTC(),
		})
	})
}

// Token returns the decrypted marketplace token for a tenant. Failure to
// decrypt or a disabled row classifies as an auth error so the drain worker
// fails the message permanently instead of retrying.
func (v *Vault) Token(ctx context.Context, tenantID string, p model.Provider) (string, error) {
	var sealed []byte
	err := v.st.WithTx(ctx, func(tx store.Tx) error {
		c, err := tx.Credentials().Get(tenantID, p)
		if err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("no %s credentials for tenant %s: %w", p, tenantID, model.ErrAuth)
		}
		if !c.Enabled {
			return fmt.Errorf("%s credentials disabled for tenant %s: %w", p, tenantID, model.ErrAuth)
		}
		sealed = c.Secret
		return nil
	})
	if err != nil {
		return "", err
	}
	ns := v.aead.NonceSize()
	if len(sealed) < ns {
		return "", fmt.Errorf("credentials for tenant %s truncated: %w", tenantID, model.ErrAuth)
	}
	plain, err := v.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("credentials for tenant %s: %w", tenantID, model.ErrAuth)
	}
	return string(plain), nil
}

// CredentialFunc adapts the vault to the adapter contract for one provider.
func (v *Vault) CredentialFunc(p model.Provider) func(ctx context.Context, tenantID string) (string, error) {
	return func(ctx context.Context, tenantID string) (string, error) {
		return v.Token(ctx, tenantID, p)
	}
}
