package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"io"
	"sync"

	"github.com/ruteri/actuation-gate/interfaces"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of symmetric key material in bytes.
	KeySize = 32
	// NonceSize is the AEAD nonce size for both supported algorithms.
	NonceSize = 12
	// TagSize is the AEAD authentication tag size.
	TagSize = 16
)

// HashStrength selects the digest size of Engine.Hash.
type HashStrength int

const (
	Hash256 HashStrength = iota
	Hash512
)

// lockedReader serializes access to a random source that may not be safe for
// concurrent use.
type lockedReader struct {
	mu sync.Mutex
	r  io.Reader
}

func (l *lockedReader) Read(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.r.Read(p)
}

// Engine provides the symmetric, hashing and signing primitives used across
// the gate. It holds no key state; all randomness comes from one
// synchronized source.
type Engine struct {
	random *lockedReader
}

// NewEngine returns an engine reading from random, or from crypto/rand when
// random is nil.
func NewEngine(random io.Reader) *Engine {
	if random == nil {
		random = rand.Reader
	}
	return &Engine{random: &lockedReader{r: random}}
}

// Random returns n bytes from the engine's random source.
func (e *Engine) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(e.random, buf); err != nil {
		Wipe(buf)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInsufficientEntropy, err)
	}
	return buf, nil
}

// GenerateSymmetricKey returns KeySize bytes of fresh key material.
func (e *Engine) GenerateSymmetricKey() ([]byte, error) {
	return e.Random(KeySize)
}

// GenerateSigningKey returns a fresh ECDSA P-256 key.
func (e *Engine) GenerateSigningKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), e.random)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInsufficientEntropy, err)
	}
	return key, nil
}

// Encrypt seals plaintext under key with the given algorithm. The returned
// ciphertext excludes the tag, which is returned separately.
func (e *Engine) Encrypt(alg interfaces.Algorithm, plaintext, key, aad []byte) (ciphertext, nonce, tag []byte, err error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, nil, nil, err
	}

	nonce, err = e.Random(aead.NonceSize())
	if err != nil {
		return nil, nil, nil, err
	}

	sealed := aead.Seal(nil, nonce, plaintext, aad)
	split := len(sealed) - aead.Overhead()
	return sealed[:split], nonce, sealed[split:], nil
}

// Decrypt opens a ciphertext produced by Encrypt. Any mismatch in
// ciphertext, nonce, tag, key or associated data yields
// ErrAuthenticationFailure and no plaintext.
func (e *Engine) Decrypt(alg interfaces.Algorithm, ciphertext, nonce, tag, key, aad []byte) ([]byte, error) {
	aead, err := newAEAD(alg, key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() || len(tag) != aead.Overhead() {
		return nil, interfaces.ErrAuthenticationFailure
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, interfaces.ErrAuthenticationFailure
	}
	return plaintext, nil
}

// Hash returns the SHA-256 or SHA-512 digest of data.
func (e *Engine) Hash(data []byte, strength HashStrength) []byte {
	if strength == Hash512 {
		sum := sha512.Sum512(data)
		return sum[:]
	}
	sum := sha256.Sum256(data)
	return sum[:]
}

// Sign produces an ASN.1 ECDSA signature over digest.
func (e *Engine) Sign(digest []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	if key == nil {
		return nil, fmt.Errorf("%w: nil signing key", interfaces.ErrCryptoFailure)
	}
	sig, err := ecdsa.SignASN1(e.random, key, digest)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInsufficientEntropy, err)
	}
	return sig, nil
}

// Verify checks an ASN.1 ECDSA signature over digest.
func (e *Engine) Verify(digest, sig []byte, pub *ecdsa.PublicKey) bool {
	if pub == nil || len(sig) == 0 {
		return false
	}
	return ecdsa.VerifyASN1(pub, digest, sig)
}

// newAEAD derives a per-algorithm key from the key material with HKDF so
// the same material never keys two different ciphers.
func newAEAD(alg interfaces.Algorithm, key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", interfaces.ErrCryptoFailure, KeySize, len(key))
	}

	switch alg {
	case interfaces.AlgorithmAES256GCM, interfaces.AlgorithmChaCha20Poly1305:
	default:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnsupportedAlgorithm, alg)
	}

	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(alg)), derived); err != nil {
		return nil, fmt.Errorf("%w: key derivation: %v", interfaces.ErrCryptoFailure, err)
	}
	defer Wipe(derived)

	if alg == interfaces.AlgorithmChaCha20Poly1305 {
		return chacha20poly1305.New(derived)
	}

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrCryptoFailure, err)
	}
	return cipher.NewGCM(block)
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
