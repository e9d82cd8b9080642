// Package cryptoutils provides the cryptographic primitives of the actuation
// gate.
//
// # Engine
//
// Engine wraps authenticated encryption, hashing and ECDSA signing behind a
// single synchronized random source:
//
//   - AES-256-GCM (crypto/aes) and ChaCha20-Poly1305 (golang.org/x/crypto)
//   - the AEAD key is derived from 32 bytes of key material with HKDF-SHA256,
//     using the algorithm tag as info
//   - 12-byte nonces, 16-byte tags returned separately from the ciphertext
//   - SHA-256 and SHA-512 digests
//   - ECDSA P-256 signatures in ASN.1 form
//
// Decryption fails closed: any mismatch returns
// interfaces.ErrAuthenticationFailure and never partial plaintext. A short
// read from the random source returns interfaces.ErrInsufficientEntropy.
//
// # Sealing
//
// EncryptWithPublicKey and DecryptWithPrivateKey implement ECIES over P-256
// and are used to seal recovery shares to administrators:
//
//	[ephemeral key length (2 bytes)][ephemeral key][nonce (12 bytes)][ciphertext+tag]
//
// SealWithPassphrase and OpenWithPassphrase protect the exported master key
// with an argon2id-derived AES-GCM key:
//
//	[version (1 byte)][salt (16 bytes)][nonce (12 bytes)][ciphertext+tag]
//
// # Usage Example
//
//	engine := cryptoutils.NewEngine(nil)
//	key, _ := engine.GenerateSymmetricKey()
//	ct, nonce, tag, err := engine.Encrypt(interfaces.AlgorithmAES256GCM, payload, key, header)
//	if err != nil {
//	    return err
//	}
//	plaintext, err := engine.Decrypt(interfaces.AlgorithmAES256GCM, ct, nonce, tag, key, header)
package cryptoutils
