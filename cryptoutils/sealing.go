package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/ruteri/actuation-gate/interfaces"
	"golang.org/x/crypto/argon2"
)

// EncryptWithPublicKey seals data to the holder of a P-256 public key PEM:
// ephemeral ECDH, SHA-256 of the shared secret as an AES-256-GCM key.
// Recovery shares are sealed to each administrator this way.
//
// Format: [ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext+tag]
func EncryptWithPublicKey(publicKeyPEM []byte, data []byte) ([]byte, error) {
	publicKey, err := ParsePublicKeyPEM(publicKeyPEM)
	if err != nil {
		return nil, err
	}
	recipient, err := publicKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported recipient key: %w", err)
	}

	ephemeral, err := recipient.Curve().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInsufficientEntropy, err)
	}
	aesGCM, err := eciesAEAD(ephemeral, recipient)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInsufficientEntropy, err)
	}

	ephemeralPub := ephemeral.PublicKey().Bytes()
	out := make([]byte, 0, 2+len(ephemeralPub)+NonceSize+len(data)+TagSize)
	out = binary.BigEndian.AppendUint16(out, uint16(len(ephemeralPub)))
	out = append(out, ephemeralPub...)
	out = append(out, nonce...)
	return aesGCM.Seal(out, nonce, data, nil), nil
}

// DecryptWithPrivateKey opens data sealed with EncryptWithPublicKey.
func DecryptWithPrivateKey(privateKeyPEM []byte, encryptedData []byte) ([]byte, error) {
	privateKey, err := ParsePrivateKeyPEM(privateKeyPEM)
	if err != nil {
		return nil, err
	}
	own, err := privateKey.ECDH()
	if err != nil {
		return nil, fmt.Errorf("unsupported private key: %w", err)
	}

	if len(encryptedData) < 2 {
		return nil, errors.New("sealed data too short")
	}
	keyLen := int(binary.BigEndian.Uint16(encryptedData))
	rest := encryptedData[2:]
	if len(rest) < keyLen+NonceSize+TagSize {
		return nil, errors.New("sealed data has invalid format")
	}

	ephemeral, err := own.Curve().NewPublicKey(rest[:keyLen])
	if err != nil {
		return nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	aesGCM, err := eciesAEAD(own, ephemeral)
	if err != nil {
		return nil, err
	}

	nonce := rest[keyLen : keyLen+NonceSize]
	plaintext, err := aesGCM.Open(nil, nonce, rest[keyLen+NonceSize:], nil)
	if err != nil {
		return nil, interfaces.ErrAuthenticationFailure
	}
	return plaintext, nil
}

func eciesAEAD(priv *ecdh.PrivateKey, pub *ecdh.PublicKey) (cipher.AEAD, error) {
	shared, err := priv.ECDH(pub)
	if err != nil {
		return nil, fmt.Errorf("key agreement failed: %w", err)
	}
	defer Wipe(shared)

	key := sha256.Sum256(shared)
	defer Wipe(key[:])

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

const (
	sealSaltSize = 16
	sealVersion  = 1
)

// SealWithPassphrase encrypts secret at rest under a key derived from
// passphrase with argon2id (time=1, memory=64MiB, threads=4).
//
// Format: [version (1 byte)][salt (16 bytes)][nonce (12 bytes)][ciphertext+tag]
func SealWithPassphrase(passphrase, secret []byte) ([]byte, error) {
	if len(passphrase) == 0 {
		return nil, errors.New("empty passphrase")
	}

	salt := make([]byte, sealSaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInsufficientEntropy, err)
	}

	aesGCM, err := passphraseAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInsufficientEntropy, err)
	}

	header := append([]byte{sealVersion}, salt...)
	out := make([]byte, 0, len(header)+len(nonce)+len(secret)+aesGCM.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aesGCM.Seal(out, nonce, secret, header), nil
}

// OpenWithPassphrase reverses SealWithPassphrase. A wrong passphrase or any
// modification yields ErrAuthenticationFailure.
func OpenWithPassphrase(passphrase, sealed []byte) ([]byte, error) {
	if len(sealed) < 1+sealSaltSize+NonceSize+TagSize || sealed[0] != sealVersion {
		return nil, fmt.Errorf("%w: malformed sealed blob", interfaces.ErrAuthenticationFailure)
	}

	header := sealed[:1+sealSaltSize]
	aesGCM, err := passphraseAEAD(passphrase, header[1:])
	if err != nil {
		return nil, err
	}

	nonce := sealed[len(header) : len(header)+NonceSize]
	plaintext, err := aesGCM.Open(nil, nonce, sealed[len(header)+NonceSize:], header)
	if err != nil {
		return nil, interfaces.ErrAuthenticationFailure
	}
	return plaintext, nil
}

func passphraseAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key := argon2.IDKey(passphrase, salt, 1, 64*1024, 4, KeySize)
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
