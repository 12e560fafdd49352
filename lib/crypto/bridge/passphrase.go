package bridge

import (
	"sync"
	"time"
)

type cachedPassphrase struct {
	secret  []byte
	expires time.Time
}

// PassphraseCache remembers unlocked passphrases for a limited time. A zero
// ttl disables caching.
type PassphraseCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[uint64]*cachedPassphrase
}

func NewPassphraseCache(ttl time.Duration) *PassphraseCache {
	return &PassphraseCache{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[uint64]*cachedPassphrase),
	}
}

// SetClock replaces the time source, for tests.
func (c *PassphraseCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// Get returns a copy of the cached passphrase.
func (c *PassphraseCache) Get(keyID uint64) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[keyID]
	if !ok {
		return nil, false
	}
	if !c.now().Before(entry.expires) {
		c.forget(keyID)
		return nil, false
	}
	return append([]byte{}, entry.secret...), true
}

func (c *PassphraseCache) Put(keyID uint64, passphrase []byte) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forget(keyID)
	c.entries[keyID] = &cachedPassphrase{
		secret:  append([]byte{}, passphrase...),
		expires: c.now().Add(c.ttl),
	}
}

func (c *PassphraseCache) Forget(keyID uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forget(keyID)
}

func (c *PassphraseCache) forget(keyID uint64) {
	if entry, ok := c.entries[keyID]; ok {
		wipe(entry.secret)
		delete(c.entries, keyID)
	}
}

// Purge wipes every entry.
func (c *PassphraseCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.entries {
		c.forget(id)
	}
}

func (c *PassphraseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// PassphraseRequest describes the key a passphrase is asked for.
type PassphraseRequest struct {
	SessionID string
	Op        Op
	KeyID     uint64
	UserID    string
	// 1 for the first prompt, incremented after each bad passphrase
	Attempt int
}

// Prompter asks the user for a passphrase. Prompt must not block: the
// answer is given later by calling done exactly once, with ok set to false
// when the user cancelled.
type Prompter interface {
	Prompt(req PassphraseRequest, done func(passphrase []byte, ok bool))
}

// Notifier shows short notices to the user.
type Notifier interface {
	Notify(msg string)
}
