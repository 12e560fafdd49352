// Package keys answers the synchronous key lookups from a local export of
// the external application's keyring.
package keys

import (
	"bufio"
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"git.sr.ht/~rjarry/mailcrypt/lib/log"
	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
	"github.com/ProtonMail/go-crypto/openpgp/packet"
	"github.com/pkg/errors"
)

const UnknownUserID = "<unknown>"

var (
	ErrNoKey       = stderrors.New("no such key")
	ErrNoSecretKey = stderrors.New("no secret key")
)

type Directory struct {
	mu      sync.RWMutex
	path    string
	keyring openpgp.EntityList
	// armored or binary exports, kept to check passphrases on pristine
	// copies of the keys
	raw [][]byte
}

// Load reads an armored or binary keyring export. An empty path gives an
// empty directory.
func Load(path string) (*Directory, error) {
	d := &Directory{path: path}
	if path == "" {
		return d, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read keyring")
	}
	if err := d.add(data); err != nil {
		return nil, errors.Wrap(err, path)
	}
	log.Debugf("loaded %d keys from %s", len(d.keyring), path)
	return d, nil
}

func New(keyring openpgp.EntityList) *Directory {
	return &Directory{keyring: keyring}
}

// Import adds the keys read from r.
func (d *Directory) Import(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return errors.Wrap(err, "read keys")
	}
	return d.add(data)
}

func readKeyRing(data []byte) (openpgp.EntityList, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("-----BEGIN")) {
		return openpgp.ReadArmoredKeyRing(bytes.NewReader(data))
	}
	return openpgp.ReadKeyRing(bytes.NewReader(data))
}

func (d *Directory) add(data []byte) error {
	el, err := readKeyRing(data)
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.keyring = append(d.keyring, el...)
	d.raw = append(d.raw, data)
	return nil
}

func (d *Directory) Keyring() openpgp.EntityList {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.keyring
}

func matchEmail(e *openpgp.Entity, email string) bool {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, ident := range e.Identities {
		if ident.UserId != nil && strings.ToLower(ident.UserId.Email) == email {
			return true
		}
	}
	return false
}

func (d *Directory) keyIDs(email string, secret bool) []uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var ids []uint64
	for _, e := range d.keyring {
		if secret && e.PrivateKey == nil {
			continue
		}
		if matchEmail(e, email) {
			ids = append(ids, e.PrimaryKey.KeyId)
		}
	}
	return ids
}

func (d *Directory) SecretKeyIDs(email string) []uint64 {
	return d.keyIDs(email, true)
}

func (d *Directory) PublicKeyIDs(email string) []uint64 {
	return d.keyIDs(email, false)
}

func (d *Directory) HasSecretKey(email string) bool {
	return len(d.SecretKeyIDs(email)) > 0
}

func (d *Directory) HasPublicKey(email string) bool {
	return len(d.PublicKeyIDs(email)) > 0
}

func (d *Directory) entity(keyID uint64) *openpgp.Entity {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, k := range d.keyring.KeysById(keyID) {
		return k.Entity
	}
	return nil
}

// UserID returns the primary identity of the key owning keyID, or
// UnknownUserID.
func (d *Directory) UserID(keyID uint64) string {
	e := d.entity(keyID)
	if e == nil {
		return UnknownUserID
	}
	if ident := e.PrimaryIdentity(); ident != nil {
		return ident.Name
	}
	for name := range e.Identities {
		return name
	}
	return UnknownUserID
}

// SecretKeyFor returns the first key id of ids matching a secret key, or 0.
func (d *Directory) SecretKeyFor(ids []uint64) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, id := range ids {
		for _, k := range d.keyring.KeysById(id) {
			if k.PrivateKey != nil {
				return k.Entity.PrimaryKey.KeyId
			}
		}
	}
	return 0
}

// NeedsPassphrase reports whether the secret key owning keyID is
// protected. Unknown keys need none as far as we can tell.
func (d *Directory) NeedsPassphrase(keyID uint64) bool {
	e := d.entity(keyID)
	if e == nil || e.PrivateKey == nil {
		return false
	}
	if e.PrivateKey.Encrypted {
		return true
	}
	for _, sub := range e.Subkeys {
		if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
			return true
		}
	}
	return false
}

// CheckPassphrase tries to unlock a fresh copy of the secret key owning
// keyID. The keys of the directory stay locked.
func (d *Directory) CheckPassphrase(keyID uint64, passphrase []byte) error {
	d.mu.RLock()
	raw := d.raw
	d.mu.RUnlock()
	for _, data := range raw {
		el, err := readKeyRing(data)
		if err != nil {
			continue
		}
		for _, k := range el.KeysById(keyID) {
			e := k.Entity
			if e.PrivateKey == nil {
				return ErrNoSecretKey
			}
			if e.PrivateKey.Encrypted {
				if err := e.PrivateKey.Decrypt(passphrase); err != nil {
					return err
				}
			}
			for _, sub := range e.Subkeys {
				if sub.PrivateKey != nil && sub.PrivateKey.Encrypted {
					if err := sub.PrivateKey.Decrypt(passphrase); err != nil {
						return err
					}
				}
			}
			return nil
		}
	}
	return ErrNoKey
}

// RecipientKeyIDs lists the key ids an OpenPGP message is encrypted to. The
// message may be armored.
func RecipientKeyIDs(r io.Reader) ([]uint64, error) {
	br := bufio.NewReader(r)
	var in io.Reader = br
	if head, _ := br.Peek(64); bytes.Contains(head, []byte("-----BEGIN")) {
		block, err := armor.Decode(br)
		if err != nil {
			return nil, fmt.Errorf("keys: failed to decode armor: %w", err)
		}
		in = block.Body
	}
	var ids []uint64
	packets := packet.NewReader(in)
	for {
		p, err := packets.Next()
		if stderrors.Is(err, io.EOF) {
			return ids, nil
		} else if err != nil {
			if len(ids) > 0 {
				return ids, nil
			}
			return nil, fmt.Errorf("keys: failed to read packet: %w", err)
		}
		switch p := p.(type) {
		case *packet.EncryptedKey:
			ids = append(ids, p.KeyId)
		case *packet.SymmetricKeyEncrypted:
		default:
			return ids, nil
		}
	}
}

func FormatKeyID(id uint64) string {
	return fmt.Sprintf("%016X", id)
}

func ParseKeyID(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(s), "0x"), "0X")
	if len(s) > 16 {
		// fingerprint, the key id is its low 64 bits
		s = s[len(s)-16:]
	}
	return strconv.ParseUint(s, 16, 64)
}
