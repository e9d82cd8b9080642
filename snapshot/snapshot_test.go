package snapshot

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/ruteri/actuation-gate/ledger"
	"github.com/ruteri/actuation-gate/storage"
	"github.com/ruteri/actuation-gate/targets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type node struct {
	state State
	clock *clock.Mock
}

func newNode(t *testing.T, withMaster bool) node {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ledgerCfg := ledger.DefaultConfig()
	ledgerCfg.Clock = mock
	ledgerCfg.Log = logger
	l, err := ledger.New(ledgerCfg)
	require.NoError(t, err)

	ksCfg := keystore.DefaultConfig()
	ksCfg.Clock = mock
	ksCfg.Log = logger
	ksCfg.Anchor = l.TailHash
	keys, err := keystore.New(ksCfg)
	require.NoError(t, err)
	if withMaster {
		_, err = keys.GenerateMasterKey()
		require.NoError(t, err)
	}

	targetCfg := targets.DefaultConfig()
	targetCfg.Clock = mock
	targetCfg.Log = logger
	reg, err := targets.New(targetCfg, keys)
	require.NoError(t, err)

	return node{state: State{Keys: keys, Targets: reg, Ledger: l}, clock: mock}
}

func newStore(t *testing.T, dir string, passphrase string) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	backend, err := storage.NewFileBackend(filepath.Join(dir, "blobs"), logger)
	require.NoError(t, err)
	s, err := New(Config{
		Backend:    backend,
		HeadPath:   filepath.Join(dir, "HEAD"),
		Passphrase: []byte(passphrase),
		Log:        logger,
	})
	require.NoError(t, err)
	return s
}

func populate(t *testing.T, n node) {
	t.Helper()
	for i := uint32(1); i <= 3; i++ {
		_, err := n.state.Targets.Authorize(interfaces.Target{
			ID:              i,
			Position:        interfaces.Position{X: float64(i), Y: 2, Z: 0.5},
			PrecisionRadius: 0.01,
			SwarmID:         4,
		})
		require.NoError(t, err)
	}
	for i := 0; i < 4; i++ {
		n.clock.Add(time.Second)
		_, err := n.state.Ledger.Commit(interfaces.Hash{byte(i + 1)}, []byte("sender"), i == 3)
		require.NoError(t, err)
	}
}

func TestSnapshot_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	src := newNode(t, true)
	populate(t, src)

	store := newStore(t, dir, "correct horse battery staple")
	_, err := store.Head()
	assert.ErrorIs(t, err, ErrNoSnapshot)

	saved, err := store.Save(context.Background(), src.state)
	require.NoError(t, err)
	assert.Equal(t, 3, saved.TargetCount)
	assert.Equal(t, uint64(4), saved.ChainHeight)
	assert.Equal(t, src.state.Ledger.TailHash(), saved.TailHash)

	dst := newNode(t, false)
	loaded, err := store.Load(context.Background(), dst.state)
	require.NoError(t, err)
	assert.Equal(t, saved.Chain, loaded.Chain)
	assert.True(t, saved.CreatedAt.Equal(loaded.CreatedAt))

	srcMaster, err := src.state.Keys.Master()
	require.NoError(t, err)
	dstMaster, err := dst.state.Keys.Master()
	require.NoError(t, err)
	assert.Equal(t, srcMaster.ID, dstMaster.ID)
	assert.Equal(t, srcMaster.Material, dstMaster.Material)

	for i := uint32(1); i <= 3; i++ {
		target, err := dst.state.Targets.IsAuthorized(i)
		require.NoError(t, err, "restored target %d must verify against the restored master", i)
		assert.Equal(t, uint32(4), target.SwarmID)
	}

	srcChain, dstChain := src.state.Ledger.Export(), dst.state.Ledger.Export()
	require.Len(t, dstChain, len(srcChain))
	for i := range srcChain {
		assert.Equal(t, srcChain[i].ID, dstChain[i].ID)
		assert.Equal(t, srcChain[i].Hash, dstChain[i].Hash)
		assert.Equal(t, srcChain[i].Bypass, dstChain[i].Bypass)
	}
	require.NoError(t, dst.state.Ledger.Verify())

	// A restored master cannot be installed twice.
	_, err = store.Load(context.Background(), dst.state)
	assert.ErrorIs(t, err, interfaces.ErrKeyFailure)
}

func TestSnapshot_HeadMovesAtomically(t *testing.T) {
	dir := t.TempDir()
	src := newNode(t, true)
	populate(t, src)
	store := newStore(t, dir, "passphrase")

	first, err := store.Save(context.Background(), src.state)
	require.NoError(t, err)
	firstHead, err := store.Head()
	require.NoError(t, err)

	src.clock.Add(time.Second)
	_, err = src.state.Ledger.Commit(interfaces.Hash{0xaa}, nil, false)
	require.NoError(t, err)

	second, err := store.Save(context.Background(), src.state)
	require.NoError(t, err)
	secondHead, err := store.Head()
	require.NoError(t, err)

	assert.NotEqual(t, firstHead, secondHead)
	assert.Equal(t, first.ChainHeight+1, second.ChainHeight)
	assert.Equal(t, first.Targets, second.Targets, "unchanged tables dedupe by content id")
}

func TestSnapshot_LoadFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("wrong passphrase", func(t *testing.T) {
		dir := t.TempDir()
		src := newNode(t, true)
		populate(t, src)
		_, err := newStore(t, dir, "right").Save(ctx, src.state)
		require.NoError(t, err)

		dst := newNode(t, false)
		_, err = newStore(t, dir, "wrong").Load(ctx, dst.state)
		assert.Error(t, err)
		_, err = dst.state.Keys.Master()
		assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)
	})

	t.Run("corrupted blob", func(t *testing.T) {
		dir := t.TempDir()
		src := newNode(t, true)
		populate(t, src)
		m, err := newStore(t, dir, "p").Save(ctx, src.state)
		require.NoError(t, err)

		chainPath := filepath.Join(dir, "blobs", interfaces.ChainType.String(), m.Chain.String())
		require.NoError(t, os.WriteFile(chainPath, []byte("[]"), 0o600))

		_, err = newStore(t, dir, "p").Load(ctx, newNode(t, false).state)
		assert.ErrorContains(t, err, "does not match its id")
	})

	t.Run("bad head", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(dir, "HEAD"), []byte("not-hex\n"), 0o600))
		_, err := newStore(t, dir, "p").Load(ctx, newNode(t, false).state)
		assert.Error(t, err)
	})

	t.Run("missing manifest", func(t *testing.T) {
		dir := t.TempDir()
		id := interfaces.ComputeID([]byte("nothing"))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "HEAD"), []byte(id.String()), 0o600))
		_, err := newStore(t, dir, "p").Load(ctx, newNode(t, false).state)
		assert.ErrorIs(t, err, interfaces.ErrContentNotFound)
	})
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	backend, err := storage.NewFileBackend(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = New(Config{Backend: backend, HeadPath: "HEAD"})
	assert.Error(t, err, "passphrase is required")
}
