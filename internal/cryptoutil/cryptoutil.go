package cryptoutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// KDFIterations is the PBKDF2-HMAC-SHA256 iteration count used for every
	// key derivation in the process, including the passphrase verifier.
	KDFIterations = 100_000

	saltSize = 32
	keySize  = 32
)

// Encryptor performs authenticated encryption of short strings with keys
// derived from a master passphrase. Two modes exist:
//
//   - randomized (Encrypt): fresh salt and nonce per call, so equal plaintexts
//     never produce equal ciphertexts;
//   - deterministic (EncryptDeterministic): salt and nonce derived from the
//     passphrase itself, so equal plaintexts always encrypt identically. This
//     trades semantic security for storage equality lookups and is used only
//     for fields that act as database keys.
type Encryptor struct {
	passphrase []byte
}

// NewEncryptor wraps the master passphrase. The passphrase is held in memory
// for the process lifetime; it is never written anywhere.
func NewEncryptor(passphrase string) (*Encryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("cryptoutil: empty master passphrase")
	}
	return &Encryptor{passphrase: []byte(passphrase)}, nil
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over password with the given salt.
func DeriveKey(password, salt []byte) []byte {
	return pbkdf2.Key(password, salt, KDFIterations, keySize, sha256.New)
}

// Encrypt seals plaintext with a fresh random salt and nonce and returns the
// base64-encoded envelope salt(32) || nonce(12) || ciphertext.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("cryptoutil: read salt: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptoutil: read nonce: %w", err)
	}
	return e.seal(salt, nonce, plaintext)
}

// EncryptDeterministic seals plaintext with a fixed salt and nonce derived
// from the passphrase, producing identical output for identical input across
// calls and process restarts.
func (e *Encryptor) EncryptDeterministic(plaintext string) (string, error) {
	return e.seal(e.fixedBytes(saltSize), e.fixedBytes(chacha20poly1305.NonceSize), plaintext)
}

func (e *Encryptor) seal(salt, nonce []byte, plaintext string) (string, error) {
	aead, err := chacha20poly1305.New(DeriveKey(e.passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("cryptoutil: init aead: %w", err)
	}
	combined := make([]byte, 0, len(salt)+len(nonce)+len(plaintext)+aead.Overhead())
	combined = append(combined, salt...)
	combined = append(combined, nonce...)
	combined = aead.Seal(combined, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(combined), nil
}

// Decrypt opens a base64 envelope produced by either mode. Any malformed
// input, truncated envelope, or authentication failure yields an error and
// never partial plaintext.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: decryption failed: %w", err)
	}
	if len(data) < saltSize+chacha20poly1305.NonceSize+chacha20poly1305.Overhead {
		return "", fmt.Errorf("cryptoutil: decryption failed: envelope too short (%d bytes)", len(data))
	}
	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+chacha20poly1305.NonceSize]
	ciphertext := data[saltSize+chacha20poly1305.NonceSize:]

	aead, err := chacha20poly1305.New(DeriveKey(e.passphrase, salt))
	if err != nil {
		return "", fmt.Errorf("cryptoutil: init aead: %w", err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("cryptoutil: decryption failed: %w", err)
	}
	return string(plaintext), nil
}

// fixedBytes returns the first n bytes of the passphrase, right-padded with
// '0' when the passphrase is shorter than n.
func (e *Encryptor) fixedBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = '0'
	}
	copy(out, e.passphrase)
	return out
}
