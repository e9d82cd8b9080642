package cryptoutils

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"testing"

	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/stretchr/testify/require"
)

func TestEncryptionDecryption(t *testing.T) {
	publicKeyPEM, privateKeyPEM, err := RandomP256Keypair()
	require.NoError(t, err)

	testCases := []struct {
		name string
		data []byte
	}{
		{
			name: "Recovery share",
			data: append([]byte{0x01}, make([]byte, 32)...),
		},
		{
			name: "JSON data",
			data: []byte(`{"key_id":"master","share":"abcd"}`),
		},
		{
			name: "Binary data",
			data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD},
		},
		{
			name: "Long data",
			data: make([]byte, 1024),
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			encryptedData, err := EncryptWithPublicKey(publicKeyPEM, tc.data)
			require.NoError(t, err)
			require.Greater(t, len(encryptedData), len(tc.data))

			decryptedData, err := DecryptWithPrivateKey(privateKeyPEM, encryptedData)
			require.NoError(t, err)
			require.Equal(t, tc.data, decryptedData)
		})
	}
}

func TestDecryptionWithWrongKey(t *testing.T) {
	publicKeyPEM, privateKeyPEM, err := RandomP256Keypair()
	require.NoError(t, err)
	_, otherPrivateKeyPEM, err := RandomP256Keypair()
	require.NoError(t, err)

	encryptedData, err := EncryptWithPublicKey(publicKeyPEM, []byte("share"))
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(otherPrivateKeyPEM, encryptedData)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	encryptedData[len(encryptedData)-1] ^= 1
	_, err = DecryptWithPrivateKey(privateKeyPEM, encryptedData)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)
}

func TestInvalidKeyFormats(t *testing.T) {
	_, err := EncryptWithPublicKey([]byte("not a valid PEM"), []byte("test"))
	require.Error(t, err)

	_, err = DecryptWithPrivateKey([]byte("not a valid PEM"), []byte("test"))
	require.Error(t, err)

	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	privateKeyPEM, err := MarshalPrivateKeyPEM(privateKey)
	require.NoError(t, err)

	_, err = DecryptWithPrivateKey(privateKeyPEM, []byte{0x01})
	require.Error(t, err)

	_, err = DecryptWithPrivateKey(privateKeyPEM, make([]byte, 100))
	require.Error(t, err)
}

func TestSealWithPassphrase(t *testing.T) {
	secret := []byte("master key material, 32 bytes..")

	sealed, err := SealWithPassphrase([]byte("correct horse"), secret)
	require.NoError(t, err)
	require.NotContains(t, string(sealed), string(secret))

	opened, err := OpenWithPassphrase([]byte("correct horse"), sealed)
	require.NoError(t, err)
	require.Equal(t, secret, opened)

	_, err = OpenWithPassphrase([]byte("wrong horse"), sealed)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = OpenWithPassphrase([]byte("correct horse"), tampered)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	_, err = OpenWithPassphrase([]byte("correct horse"), sealed[:10])
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	_, err = SealWithPassphrase(nil, secret)
	require.Error(t, err)
}

func TestKeyPEMHelpers(t *testing.T) {
	pub, priv, err := RandomP256Keypair()
	require.NoError(t, err)
	require.NoError(t, pub.Validate())
	require.NoError(t, priv.Validate())

	parsedPriv, err := priv.ECDSA()
	require.NoError(t, err)
	parsedPub, err := pub.ECDSA()
	require.NoError(t, err)
	require.True(t, parsedPriv.PublicKey.Equal(parsedPub))

	fp1, err := pub.Fingerprint()
	require.NoError(t, err)
	fp2, err := pub.Fingerprint()
	require.NoError(t, err)
	require.Equal(t, fp1, fp2)
	require.Len(t, fp1, 64)

	require.Error(t, PublicKeyPEM("garbage").Validate())
	require.Error(t, PrivateKeyPEM(pub).Validate())
}
