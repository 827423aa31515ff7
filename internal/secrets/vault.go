// Package secrets holds the gateway's encrypted credential vault and the
// on-disk credentials file loader. Provider API keys and the gateway's own
// bearer token are the only things kept here; nothing in this package ever
// forwards a decrypted secret anywhere but the upstream Authorization
// header (see internal/upstream.ResolveUpstreamAuth).
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize   = 16
	nonceSize  = 12
	keySize    = 32 // AES-256
	argonTime  = 1
	argonMemKB = 64 * 1024
	argonLanes = 4
)

var (
	// ErrLocked is returned by every accessor when the vault has not been
	// unlocked yet, or has auto-locked after idling past its timeout.
	ErrLocked = errors.New("vault is locked")
	// ErrWrongPassword is returned by Unlock when the supplied password
	// fails to decrypt the stored blob.
	ErrWrongPassword = errors.New("wrong vault password")
)

// Vault is an in-memory map of secret name -> plaintext value, persisted as
// a single AES-256-GCM sealed blob. The encryption key is derived from the
// operator's password with Argon2id so the password itself is never stored.
// Safe for concurrent use.
type Vault struct {
	mu sync.Mutex

	salt   []byte
	key    []byte // nil while locked
	values map[string]string

	autoLockAfter time.Duration
	lastTouch     time.Time
	stopAutoLock  chan struct{}

	persist func(salt []byte, data map[string]string) error
}

// Option configures a Vault at construction.
type Option func(*Vault)

// WithAutoLock re-locks the vault after it has gone untouched for d. A
// zero duration (the default) disables auto-lock.
func WithAutoLock(d time.Duration) Option {
	return func(v *Vault) { v.autoLockAfter = d }
}

// WithPersist wires a callback invoked after every mutating operation so
// the caller can write the sealed blob to its store of choice
// (internal/store's vault_blob table in earlier generations of this
// gateway; respgate persists it as a single KV entry).
func WithPersist(fn func(salt []byte, data map[string]string) error) Option {
	return func(v *Vault) { v.persist = fn }
}

// New creates a locked Vault. Call Unlock (existing blob) or Init (first
// use) before any accessor will succeed.
func New(opts ...Option) *Vault {
	v := &Vault{values: map[string]string{}}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Init creates a brand-new empty vault sealed with password, for first-run
// setup when no blob exists yet.
func (v *Vault) Init(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	v.salt = salt
	v.key = deriveKey(password, salt)
	v.values = map[string]string{}
	v.lastTouch = time.Now()
	v.startAutoLock()
	return v.persistLocked()
}

// Unlock derives the key from password against the stored salt and
// decrypts the sealed blob, replacing the in-memory map on success. The
// vault stays locked (returns ErrWrongPassword) on any decryption failure,
// including a tampered blob.
func (v *Vault) Unlock(password string, salt []byte, sealed map[string]string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	key := deriveKey(password, salt)
	decoded := make(map[string]string, len(sealed))
	for name, blob := range sealed {
		plain, err := decrypt(key, blob)
		if err != nil {
			return ErrWrongPassword
		}
		decoded[name] = plain
	}
	v.salt = salt
	v.key = key
	v.values = decoded
	v.lastTouch = time.Now()
	v.startAutoLock()
	return nil
}

// Lock discards the derived key and plaintext values from memory
// immediately. Safe to call repeatedly.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lockLocked()
}

func (v *Vault) lockLocked() {
	v.key = nil
	v.values = map[string]string{}
	if v.stopAutoLock != nil {
		close(v.stopAutoLock)
		v.stopAutoLock = nil
	}
}

func (v *Vault) startAutoLock() {
	if v.autoLockAfter <= 0 {
		return
	}
	if v.stopAutoLock != nil {
		close(v.stopAutoLock)
	}
	stop := make(chan struct{})
	v.stopAutoLock = stop
	go v.autoLockLoop(stop)
}

func (v *Vault) autoLockLoop(stop chan struct{}) {
	ticker := time.NewTicker(v.autoLockAfter / 4)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			v.mu.Lock()
			idle := time.Since(v.lastTouch)
			shouldLock := v.key != nil && idle >= v.autoLockAfter
			if shouldLock {
				v.lockLocked()
			}
			v.mu.Unlock()
			if shouldLock {
				return
			}
		}
	}
}

// IsLocked reports whether the vault currently holds a derived key.
func (v *Vault) IsLocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.key == nil
}

// Get returns a secret's plaintext value.
func (v *Vault) Get(name string) (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return "", ErrLocked
	}
	v.lastTouch = time.Now()
	val, ok := v.values[name]
	if !ok {
		return "", fmt.Errorf("secret %q not found", name)
	}
	return val, nil
}

// Set stores or overwrites a secret and persists the sealed blob.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	v.lastTouch = time.Now()
	v.values[name] = value
	return v.persistLocked()
}

// Delete removes a secret and persists the sealed blob.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	v.lastTouch = time.Now()
	delete(v.values, name)
	return v.persistLocked()
}

// Export returns the sealed (ciphertext) blob for every secret, the form
// persisted outside the vault. It re-encrypts under the currently derived
// key, so it returns ErrLocked while the vault is locked.
func (v *Vault) Export() ([]byte, map[string]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return nil, nil, ErrLocked
	}
	return v.salt, v.sealAllLocked()
}

func (v *Vault) sealAllLocked() map[string]string {
	sealed := make(map[string]string, len(v.values))
	for name, plain := range v.values {
		sealed[name] = encrypt(v.key, plain)
	}
	return sealed
}

// RotatePassword re-derives the key under a new password and re-seals every
// secret, without discarding plaintext in memory — the operator keeps
// access through the rotation.
func (v *Vault) RotatePassword(newPassword string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrLocked
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	v.salt = salt
	v.key = deriveKey(newPassword, salt)
	v.lastTouch = time.Now()
	return v.persistLocked()
}

func (v *Vault) persistLocked() error {
	if v.persist == nil {
		return nil
	}
	return v.persist(v.salt, v.sealAllLocked())
}

func deriveKey(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, argonTime, argonMemKB, argonLanes, keySize)
}

func encrypt(key []byte, plaintext string) string {
	block, err := aes.NewCipher(key)
	if err != nil {
		// key is always keySize bytes from deriveKey; a construction
		// failure here means the Go runtime's AES implementation is
		// broken, not a recoverable input error.
		panic(fmt.Sprintf("aes.NewCipher: %v", err))
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		panic(fmt.Sprintf("cipher.NewGCM: %v", err))
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		panic(fmt.Sprintf("generate nonce: %v", err))
	}
	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	out, _ := json.Marshal(sealed)
	return string(out)
}

func decrypt(key []byte, blob string) (string, error) {
	var sealed []byte
	if err := json.Unmarshal([]byte(blob), &sealed); err != nil {
		return "", fmt.Errorf("decode blob: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("build gcm: %w", err)
	}
	if len(sealed) < nonceSize {
		return "", errors.New("sealed blob too short")
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

// constantTimeEqual compares two secrets without leaking timing
// information. Nothing in the module calls it at present.
func constantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
