package git

import (
	"context"
	"errors"
	"fmt"

	"github.com/splax/prebuildd/api/internal/domain"
	"github.com/splax/prebuildd/api/internal/repository"
	"github.com/splax/prebuildd/pkg/crypto"
)

// IdentityCredentials resolves tokens from the stored provider identities of a user.
type IdentityCredentials struct {
	identities repository.IdentityRepository
	cipher     *crypto.Cipher
}

// NewIdentityCredentials constructs IdentityCredentials.
func NewIdentityCredentials(identities repository.IdentityRepository, cipher *crypto.Cipher) IdentityCredentials {
	return IdentityCredentials{identities: identities, cipher: cipher}
}

// Token returns the decrypted token of actor's identity on host, or an empty
// token when there is no actor or no identity.
func (c IdentityCredentials) Token(ctx context.Context, actor *domain.User, host string) (string, error) {
	if actor == nil || c.identities == nil {
		return "", nil
	}
	identity, err := c.identities.GetIdentity(ctx, actor.ID, host)
	if errors.Is(err, repository.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if len(identity.Token) == 0 || c.cipher == nil {
		return "", nil
	}
	token, err := c.cipher.Decrypt(identity.Token)
	if err != nil {
		return "", fmt.Errorf("decrypt identity token: %w", err)
	}
	return token, nil
}
