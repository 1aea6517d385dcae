// Package chatcrypto derives per-room AES-GCM keys and seals chat messages.
//
// The key is a pure function of the room identifier: anyone who knows the
// identifier can read the room. Treat the identifier as a pre-shared secret.
package chatcrypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pliu/petbuddy/internal/models"
	"golang.org/x/crypto/pbkdf2"
)

const (
	Salt       = "chat-salt"
	Iterations = 100000
	KeyLen     = 32
	NonceSize  = 12
)

var (
	ErrEmptyRoomID           = errors.New("chatcrypto: empty room identifier")
	ErrCryptoUnavailable     = errors.New("chatcrypto: crypto unavailable")
	ErrAuthenticationFailure = errors.New("chatcrypto: message authentication failed")
)

var (
	randMu  sync.RWMutex
	randSrc io.Reader = rand.Reader
)

// UseRandomSource swaps the nonce source and returns a restore function.
// Tests use it to simulate a broken platform RNG.
func UseRandomSource(r io.Reader) func() {
	randMu.Lock()
	prev := randSrc
	randSrc = r
	randMu.Unlock()
	return func() {
		randMu.Lock()
		randSrc = prev
		randMu.Unlock()
	}
}

func readRandom(b []byte) error {
	randMu.RLock()
	src := randSrc
	randMu.RUnlock()
	_, err := io.ReadFull(src, b)
	return err
}

// Key is a derived conversation key. The raw bytes never leave it.
type Key struct {
	aead cipher.AEAD
}

func DeriveKey(roomID string) (*Key, error) {
	if roomID == "" {
		return nil, ErrEmptyRoomID
	}
	raw := pbkdf2.Key([]byte(roomID), []byte(Salt), Iterations, KeyLen, sha256.New)
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	aead, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	return &Key{aead: aead}, nil
}

func (k *Key) Encrypt(plaintext string) (models.Envelope, error) {
	if k == nil || k.aead == nil {
		return models.Envelope{}, fmt.Errorf("%w: nil key", ErrCryptoUnavailable)
	}
	nonce := make([]byte, NonceSize)
	if err := readRandom(nonce); err != nil {
		return models.Envelope{}, fmt.Errorf("%w: %v", ErrCryptoUnavailable, err)
	}
	ct := k.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return models.Envelope{IV: nonce, Ciphertext: ct}, nil
}

func (k *Key) Decrypt(env models.Envelope) (string, error) {
	if k == nil || k.aead == nil {
		return "", fmt.Errorf("%w: nil key", ErrCryptoUnavailable)
	}
	if len(env.IV) != NonceSize || len(env.Ciphertext) < k.aead.Overhead() {
		return "", ErrAuthenticationFailure
	}
	pt, err := k.aead.Open(nil, env.IV, env.Ciphertext, nil)
	if err != nil {
		return "", ErrAuthenticationFailure
	}
	return string(pt), nil
}

func Encrypt(k *Key, plaintext string) (models.Envelope, error) {
	return k.Encrypt(plaintext)
}

func Decrypt(k *Key, env models.Envelope) (string, error) {
	return k.Decrypt(env)
}
