package crypto

import (
	"context"
	"fmt"

	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/apg"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/bridge"
	"git.sr.ht/~rjarry/mailcrypt/lib/crypto/keyring"
	"git.sr.ht/~rjarry/mailcrypt/models"
)

// Provider is an external crypto application. The operations only dispatch
// a request, results come back on Results.
type Provider interface {
	Name() string
	Start(ctx context.Context)
	Results() <-chan *bridge.Result

	SelectSigningKey(ctx context.Context, session string, state *models.CryptoState) error
	SelectEncryptionKeys(ctx context.Context, session string, emails []string, state *models.CryptoState) error
	Encrypt(ctx context.Context, session, text string, state *models.CryptoState) error
	EncryptFile(ctx context.Context, session, path string, state *models.CryptoState) error
	Decrypt(ctx context.Context, session, text string, state *models.CryptoState) error
	DecryptFile(ctx context.Context, session, path string, reveal bool, state *models.CryptoState) error
	Sign(ctx context.Context, session, path string, state *models.CryptoState) error
	Verify(ctx context.Context, session, path, signature string, state *models.CryptoState) error

	Pending(session string, op bridge.Op) bool
	Reserve(session string, op bridge.Op) bool
	Cancel(session string, op bridge.Op)

	SecretKeyIDsForEmail(email string) []uint64
	PublicKeyIDsForEmail(email string) []uint64
	HasSecretKeyForEmail(email string) bool
	HasPublicKeyForEmail(email string) bool
	UserID(keyID uint64) string

	Available(ctx context.Context) bool
	SupportsAttachments(ctx context.Context) bool
	SupportsPGPMIMEReceive(ctx context.Context) bool
	SupportsPGPMIMESend(ctx context.Context) bool

	Close() error
}

// DefaultVersions returns the version gates of the named provider.
func DefaultVersions(name string) (bridge.Versions, error) {
	switch name {
	case apg.Name:
		return apg.DefaultVersions, nil
	case keyring.Name:
		return keyring.DefaultVersions, nil
	}
	return bridge.Versions{}, fmt.Errorf("unknown pgp provider %q", name)
}

func New(name string, opts bridge.Options) (Provider, error) {
	switch name {
	case apg.Name:
		return apg.New(opts), nil
	case keyring.Name:
		return keyring.New(opts), nil
	}
	return nil, fmt.Errorf("unknown pgp provider %q", name)
}
