package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
)

// PublicKeyPEM is a PKIX ECDSA public key in PEM format.
type PublicKeyPEM []byte

// NewPublicKeyPEM validates PEM-encoded public key data.
func NewPublicKeyPEM(data []byte) (PublicKeyPEM, error) {
	if _, err := ParsePublicKeyPEM(data); err != nil {
		return nil, err
	}
	return PublicKeyPEM(data), nil
}

// Validate checks if the public key is properly formed.
func (pub PublicKeyPEM) Validate() error {
	_, err := NewPublicKeyPEM(pub)
	return err
}

// ECDSA returns the parsed public key.
func (pub PublicKeyPEM) ECDSA() (*ecdsa.PublicKey, error) {
	return ParsePublicKeyPEM(pub)
}

// Fingerprint returns the hex SHA-256 of the DER-encoded key.
func (pub PublicKeyPEM) Fingerprint() (string, error) {
	block, _ := pem.Decode(pub)
	if block == nil {
		return "", errors.New("failed to decode PEM block")
	}
	sum := sha256.Sum256(block.Bytes)
	return hex.EncodeToString(sum[:]), nil
}

// PrivateKeyPEM is an ECDSA private key in SEC1 or PKCS#8 PEM format.
type PrivateKeyPEM []byte

// Validate checks if the private key is properly formed.
func (priv PrivateKeyPEM) Validate() error {
	_, err := ParsePrivateKeyPEM(priv)
	return err
}

// ECDSA returns the parsed private key.
func (priv PrivateKeyPEM) ECDSA() (*ecdsa.PrivateKey, error) {
	return ParsePrivateKeyPEM(priv)
}

// ParsePublicKeyPEM decodes a PKIX PEM block holding an ECDSA public key.
func ParsePublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key: not in PEM format or not a public key")
	}

	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid public key structure: %w", err)
	}

	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type: %T", parsed)
	}
	return pub, nil
}

// ParsePrivateKeyPEM decodes an ECDSA private key, trying SEC1 then PKCS#8.
func ParsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || (block.Type != "PRIVATE KEY" && block.Type != "EC PRIVATE KEY") {
		return nil, errors.New("invalid private key: not in PEM format or not a private key")
	}

	if key, err := x509.ParseECPrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("invalid private key structure: %w", err)
	}
	key, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type: %T", parsed)
	}
	return key, nil
}

// MarshalPublicKeyPEM encodes an ECDSA public key as PKIX PEM.
func MarshalPublicKeyPEM(pub *ecdsa.PublicKey) (PublicKeyPEM, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// MarshalPrivateKeyPEM encodes an ECDSA private key as SEC1 PEM.
func MarshalPrivateKeyPEM(key *ecdsa.PrivateKey) (PrivateKeyPEM, error) {
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}), nil
}

// RandomP256Keypair generates a P-256 keypair, used for administrator and
// voter credentials.
func RandomP256Keypair() (PublicKeyPEM, PrivateKeyPEM, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}

	privateKeyPEM, err := MarshalPrivateKeyPEM(privateKey)
	if err != nil {
		return nil, nil, err
	}

	publicKeyPEM, err := MarshalPublicKeyPEM(&privateKey.PublicKey)
	if err != nil {
		return nil, nil, err
	}

	return publicKeyPEM, privateKeyPEM, nil
}
