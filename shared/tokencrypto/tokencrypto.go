// Package tokencrypto provides authenticated symmetric encryption for agent
// auth tokens stored at rest. Ciphertexts are self-describing: the salt used
// to derive the per-call key and the AEAD nonce travel alongside the
// ciphertext and tag, base64url-encoded as a single opaque string.
//
// The key is derived from a process-wide master passphrase via Argon2id —
// the same memory-hard KDF the teacher uses for password hashing
// (auth/local.go) — so a stolen ciphertext cannot be brute-forced offline
// without also paying Argon2id's memory cost per guess.
package tokencrypto

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	saltLen = 16

	// Argon2id cost parameters. Floor mandated by spec: time>=3, memory>=64MiB,
	// parallelism>=4. These match that floor exactly — raising them only
	// slows down every encrypt/decrypt call at the process's boundary.
	argonTime      = 3
	argonMemoryKiB = 64 * 1024
	argonThreads   = 4
	argonKeyLen    = chacha20poly1305.KeySize
)

// ErrCrypto is the sentinel returned for every failure mode — tampering,
// truncation, or a wrong key all collapse to this single error so the
// decrypt path never reveals which step failed.
var ErrCrypto = errors.New("tokencrypto: decryption failed")

// Encryptor derives per-call keys from a single process-wide passphrase.
// The zero value is not usable; construct with New.
type Encryptor struct {
	passphrase []byte
}

// New creates an Encryptor bound to passphrase. passphrase is copied and
// never mutated afterward — there is no key-reload path.
func New(passphrase []byte) (*Encryptor, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("tokencrypto: master passphrase must not be empty")
	}
	cp := make([]byte, len(passphrase))
	copy(cp, passphrase)
	return &Encryptor{passphrase: cp}, nil
}

// Encrypt seals plaintext and returns a base64url-encoded, self-describing
// ciphertext: salt ‖ nonce ‖ ciphertext ‖ tag. A fresh salt and nonce are
// generated on every call, so encrypting the same plaintext twice never
// produces the same output.
func (e *Encryptor) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("tokencrypto: generate salt: %w", err)
	}

	key := e.deriveKey(salt)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return "", fmt.Errorf("tokencrypto: init aead: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("tokencrypto: generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, sealed...)

	return base64.URLEncoding.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Any tampering, truncation, or wrong-key mismatch
// returns ErrCrypto — the caller cannot distinguish the failure modes.
func (e *Encryptor) Decrypt(ciphertextB64 string) ([]byte, error) {
	raw, err := base64.URLEncoding.DecodeString(ciphertextB64)
	if err != nil {
		return nil, ErrCrypto
	}

	nonceSize := chacha20poly1305.NonceSize
	if len(raw) < saltLen+nonceSize {
		return nil, ErrCrypto
	}

	salt := raw[:saltLen]
	nonce := raw[saltLen : saltLen+nonceSize]
	sealed := raw[saltLen+nonceSize:]

	key := e.deriveKey(salt)

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, ErrCrypto
	}

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrCrypto
	}

	return plaintext, nil
}

// deriveKey runs Argon2id over the master passphrase and the per-ciphertext
// salt. The key lives only for the duration of the encrypt/decrypt call —
// nothing retains it afterward.
func (e *Encryptor) deriveKey(salt []byte) []byte {
	return argon2.IDKey(e.passphrase, salt, argonTime, argonMemoryKiB, argonThreads, argonKeyLen)
}
