package payload

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/awnumar/memguard"

	"github.com/roach88/dsr/internal/rowset"
)

// ErrCodec marks local, non-retryable serialization or encryption failures.
var ErrCodec = errors.New("payload: codec failure")

// KeySize is the AES-256 key length.
const KeySize = 32

// Cipher seals payloads with AES-256-GCM. The key lives in a memguard
// enclave and is decrypted into locked memory only for each operation.
type Cipher struct {
	key *memguard.Enclave
}

// NewCipher moves key into an enclave and wipes the caller's copy.
func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrCodec, KeySize, len(key))
	}
	return &Cipher{key: memguard.NewEnclave(key)}, nil
}

// NewRandomCipher generates a fresh key. Payloads sealed with it are
// readable only by this process.
func NewRandomCipher() *Cipher {
	return &Cipher{key: memguard.NewEnclaveRandom(KeySize)}
}

func (c *Cipher) aead() (cipher.AEAD, *memguard.LockedBuffer, error) {
	buf, err := c.key.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: open key enclave: %v", ErrCodec, err)
	}
	block, err := aes.NewCipher(buf.Bytes())
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		buf.Destroy()
		return nil, nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return gcm, buf, nil
}

// Seal encrypts plaintext, binding it to aad. The nonce is prepended.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	gcm, buf, err := c.aead()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrCodec, err)
	}
	return gcm.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. Tampered or mismatched ciphertext is an ErrCodec.
func (c *Cipher) Open(sealed, aad []byte) ([]byte, error) {
	gcm, buf, err := c.aead()
	if err != nil {
		return nil, err
	}
	defer buf.Destroy()

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("%w: ciphertext too short", ErrCodec)
	}
	nonce, ct := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	out, err := gcm.Open(nil, nonce, ct, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: decrypt: %v", ErrCodec, err)
	}
	return out, nil
}

// DefaultThreshold is the largest encoded rowset kept inline.
const DefaultThreshold = 256 << 10

// Manager decides where a rowset lives and moves it there.
type Manager struct {
	storage   Storage
	cipher    *Cipher
	threshold int
	now       func() time.Time
}

// NewManager builds a manager. A non-positive threshold selects
// DefaultThreshold.
func NewManager(storage Storage, c *Cipher, threshold int) *Manager {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &Manager{storage: storage, cipher: c, threshold: threshold, now: time.Now}
}

// WithClock replaces the time source used in object keys.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// ObjectKey is the external storage key of one payload.
func ObjectKey(dataType, privacyRequestID, collection string, at time.Time) string {
	return fmt.Sprintf("%s/%s/%s/%d", dataType, privacyRequestID, collection, at.UTC().UnixNano())
}

// Ref is where a packed rowset lives: inline bytes or an object key.
type Ref struct {
	Inline []byte
	Key    string
}

// External reports whether the payload is held by the storage backend.
func (r Ref) External() bool { return r.Key != "" }

// Pack encodes rows and keeps them inline, or seals and stores them when
// the encoding exceeds the threshold.
func (m *Manager) Pack(ctx context.Context, dataType, privacyRequestID, collection string, rows []rowset.Row) (Ref, error) {
	encoded, err := rowset.EncodeRows(rows)
	if err != nil {
		return Ref{}, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	if len(encoded) <= m.threshold {
		return Ref{Inline: encoded}, nil
	}

	key := ObjectKey(dataType, privacyRequestID, collection, m.now())
	sealed, err := m.cipher.Seal(encoded, []byte(key))
	if err != nil {
		return Ref{}, err
	}
	if err := m.storage.Store(ctx, key, sealed); err != nil {
		return Ref{}, fmt.Errorf("externalize %s: %w", key, err)
	}
	return Ref{Key: key}, nil
}

// Unpack reverses Pack.
func (m *Manager) Unpack(ctx context.Context, ref Ref) ([]rowset.Row, error) {
	encoded := ref.Inline
	if ref.External() {
		sealed, err := m.storage.Retrieve(ctx, ref.Key)
		if err != nil {
			return nil, fmt.Errorf("load %s: %w", ref.Key, err)
		}
		if encoded, err = m.cipher.Open(sealed, []byte(ref.Key)); err != nil {
			return nil, err
		}
	}
	if len(encoded) == 0 {
		return []rowset.Row{}, nil
	}
	rows, err := rowset.DecodeRows(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCodec, err)
	}
	return rows, nil
}

// Discard deletes an externalized payload. Inline refs are a no-op.
func (m *Manager) Discard(ctx context.Context, ref Ref) error {
	if !ref.External() {
		return nil
	}
	return m.storage.Delete(ctx, ref.Key)
}

// IsKeyFor reports whether key belongs to the given privacy request.
func IsKeyFor(key, privacyRequestID string) bool {
	parts := strings.SplitN(key, "/", 3)
	return len(parts) == 3 && parts[1] == privacyRequestID
}
