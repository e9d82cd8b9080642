package keystore

import (
	"fmt"
	"testing"

	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testAdmin struct {
	id     string
	pubPEM cryptoutils.PublicKeyPEM
	priv   cryptoutils.PrivateKeyPEM
}

func generateAdmins(t *testing.T, n int) ([]testAdmin, map[string][]byte) {
	t.Helper()
	admins := make([]testAdmin, n)
	pubKeys := make(map[string][]byte, n)
	for i := range admins {
		pub, priv, err := cryptoutils.RandomP256Keypair()
		require.NoError(t, err)
		admins[i] = testAdmin{id: fmt.Sprintf("admin%d", i+1), pubPEM: pub, priv: priv}
		pubKeys[admins[i].id] = pub
	}
	return admins, pubKeys
}

func TestStore_ExportImportMaster(t *testing.T) {
	store, _ := newTestStore(t, nil)
	master, err := store.Master()
	require.NoError(t, err)

	sealed, err := store.ExportMaster([]byte("passphrase"))
	require.NoError(t, err)

	restored, _ := newTestStore(t, nil)
	_, err = restored.ImportMaster([]byte("passphrase"), sealed)
	assert.ErrorIs(t, err, interfaces.ErrKeyFailure, "store already has a master")

	fresh, err := New(store.cfg)
	require.NoError(t, err)

	_, err = fresh.ImportMaster([]byte("wrong"), sealed)
	require.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	imported, err := fresh.ImportMaster([]byte("passphrase"), sealed)
	require.NoError(t, err)
	assert.Equal(t, master.ID, imported.ID)
	assert.Equal(t, master.Material, imported.Material)
	assert.True(t, master.PublicKey.Equal(imported.PublicKey))

	digest := make([]byte, 32)
	sig, _, err := store.SignWithMaster(digest)
	require.NoError(t, err)
	assert.NoError(t, fresh.VerifyWithKey(master.ID, digest, sig))
}

func TestStore_RecoveryShares(t *testing.T) {
	store, _ := newTestStore(t, nil)
	master, err := store.Master()
	require.NoError(t, err)

	admins, pubKeys := generateAdmins(t, 5)

	sealedShares, err := store.ExportRecoveryShares(pubKeys, 3)
	require.NoError(t, err)
	require.Len(t, sealedShares, 5)

	decrypt := func(a testAdmin) []byte {
		share, err := cryptoutils.DecryptWithPrivateKey(a.priv, sealedShares[a.id])
		require.NoError(t, err)
		return share
	}

	t.Run("threshold shares recover the master", func(t *testing.T) {
		fresh, err := New(store.cfg)
		require.NoError(t, err)

		recovered, err := fresh.RecoverMaster([][]byte{decrypt(admins[0]), decrypt(admins[2]), decrypt(admins[4])})
		require.NoError(t, err)
		assert.Equal(t, master.ID, recovered.ID)
		assert.Equal(t, master.Material, recovered.Material)
	})

	t.Run("too few shares install nothing", func(t *testing.T) {
		fresh, err := New(store.cfg)
		require.NoError(t, err)

		_, err = fresh.RecoverMaster([][]byte{decrypt(admins[0]), decrypt(admins[1])})
		require.Error(t, err)
		_, err = fresh.Master()
		assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	})

	t.Run("share sealed to another admin cannot be opened", func(t *testing.T) {
		_, err := cryptoutils.DecryptWithPrivateKey(admins[1].priv, sealedShares[admins[0].id])
		assert.Error(t, err)
	})
}

func TestStore_ExportRecoverySharesValidation(t *testing.T) {
	store, _ := newTestStore(t, nil)
	_, pubKeys := generateAdmins(t, 2)

	_, err := store.ExportRecoveryShares(pubKeys, 1)
	assert.Error(t, err, "threshold below 2")

	_, err = store.ExportRecoveryShares(pubKeys, 3)
	assert.Error(t, err, "threshold above admin count")

	pubKeys["bad"] = []byte("not a key")
	_, err = store.ExportRecoveryShares(pubKeys, 2)
	assert.Error(t, err)
}

func TestRecovery_SubmitShare(t *testing.T) {
	store, _ := newTestStore(t, nil)
	master, err := store.Master()
	require.NoError(t, err)

	admins, pubKeys := generateAdmins(t, 3)
	sealedShares, err := store.ExportRecoveryShares(pubKeys, 2)
	require.NoError(t, err)

	fresh, err := New(store.cfg)
	require.NoError(t, err)
	recovery, err := NewRecovery(fresh, 2, pubKeys)
	require.NoError(t, err)

	submit := func(a testAdmin, signer testAdmin) (bool, error) {
		share, err := cryptoutils.DecryptWithPrivateKey(a.priv, sealedShares[a.id])
		require.NoError(t, err)
		key, err := signer.priv.ECDSA()
		require.NoError(t, err)
		sig, err := SignShare(share, key)
		require.NoError(t, err)
		return recovery.SubmitShare(a.id, share, sig)
	}

	_, err = submit(admins[0], admins[1])
	assert.Error(t, err, "signature from a different admin")

	_, err = recovery.SubmitShare("stranger", []byte("share"), []byte("sig"))
	assert.Error(t, err)

	done, err := submit(admins[0], admins[0])
	require.NoError(t, err)
	assert.False(t, done)

	received, threshold, recovered := recovery.Status()
	assert.Equal(t, 1, received)
	assert.Equal(t, 2, threshold)
	assert.False(t, recovered)

	done, err = submit(admins[2], admins[2])
	require.NoError(t, err)
	assert.True(t, done)

	recoveredMaster, err := fresh.Master()
	require.NoError(t, err)
	assert.Equal(t, master.ID, recoveredMaster.ID)

	_, err = submit(admins[1], admins[1])
	assert.Error(t, err, "already recovered")
}
