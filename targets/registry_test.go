package targets

import (
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *keystore.Store, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ksCfg := keystore.DefaultConfig()
	ksCfg.Clock = mock
	ksCfg.Log = logger
	keys, err := keystore.New(ksCfg)
	require.NoError(t, err)
	_, err = keys.GenerateMasterKey()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.Clock = mock
	cfg.Log = logger
	registry, err := New(cfg, keys)
	require.NoError(t, err)
	return registry, keys, mock
}

func target(id uint32, x, y, z, radius float64) interfaces.Target {
	return interfaces.Target{
		ID:              id,
		Position:        interfaces.Position{X: x, Y: y, Z: z},
		PrecisionRadius: radius,
		SwarmID:         1,
	}
}

func TestRegistry_Authorize(t *testing.T) {
	registry, keys, _ := newTestRegistry(t)

	authorized, err := registry.Authorize(target(1, 0, 0, 0, 0.05))
	require.NoError(t, err)
	assert.True(t, authorized.Authorized)
	assert.NotEmpty(t, authorized.Signature)
	assert.False(t, authorized.AuthorizedAt.IsZero())

	master, err := keys.Master()
	require.NoError(t, err)
	assert.Equal(t, master.ID, authorized.SignerKeyID)

	got, err := registry.IsAuthorized(1)
	require.NoError(t, err)
	assert.Equal(t, authorized, got)
	assert.Equal(t, 1, registry.Count())
}

func TestRegistry_OverlapEitherOrder(t *testing.T) {
	t1 := target(1, 0, 0, 0, 0.05)
	t2 := target(2, 0, 0, 0.08, 0.05)

	for _, order := range [][]interfaces.Target{{t1, t2}, {t2, t1}} {
		registry, _, _ := newTestRegistry(t)

		_, err := registry.Authorize(order[0])
		require.NoError(t, err)

		_, err = registry.Authorize(order[1])
		require.ErrorIs(t, err, interfaces.ErrOverlapping)
		assert.ErrorIs(t, err, interfaces.ErrAuthorizationFailure)
		assert.Equal(t, "overlapping", interfaces.ReasonCode(err))
		assert.Equal(t, 1, registry.Count())

		_, err = registry.IsAuthorized(order[1].ID)
		assert.ErrorIs(t, err, interfaces.ErrTargetUnauthorized)
	}
}

func TestRegistry_SafetySpheres(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	_, err := registry.Authorize(target(1, 0, 0, 0, 0.05))
	require.NoError(t, err)

	// Spheres of radius 0.15 each: centers must be at least 0.30 apart.
	assert.False(t, registry.ValidateSafety(target(2, 0.29, 0, 0, 0.05)))
	assert.True(t, registry.ValidateSafety(target(2, 0.31, 0, 0, 0.05)))
	assert.True(t, registry.ValidateSafety(target(2, 0, 0.31, 0, 0.05)), "index filters on X only")
	assert.False(t, registry.ValidateSafety(target(2, 0.2, 0.2, 0, 0.05)))
	assert.True(t, registry.ValidateSafety(target(1, 0.01, 0, 0, 0.05)), "a target never overlaps itself")

	// ValidateSafety is a dry run.
	assert.Equal(t, 1, registry.Count())

	require.NoError(t, registry.SetSafetyPerimeter(0.2))
	assert.False(t, registry.ValidateSafety(target(2, 0.31, 0, 0, 0.05)))
	assert.Equal(t, 0.2, registry.SafetyPerimeter())
}

func TestRegistry_Bounds(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	cases := map[string]interfaces.Target{
		"radius below precision":  target(1, 0, 0, 0, 0.0001),
		"radius above max":        target(1, 0, 0, 0, 2),
		"nan coordinate":          target(1, math.NaN(), 0, 0, 0.05),
		"infinite coordinate":     target(1, 0, math.Inf(1), 0, 0.05),
		"outside workspace":       target(1, 0, 0, 500, 0.05),
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := registry.Authorize(tc)
			require.ErrorIs(t, err, interfaces.ErrOutOfBounds)
			assert.False(t, registry.ValidateSafety(tc))
		})
	}

	require.NoError(t, registry.SetPrecision(0.01))
	assert.Equal(t, 0.01, registry.Precision())
	_, err := registry.Authorize(target(1, 0, 0, 0, 0.005))
	assert.ErrorIs(t, err, interfaces.ErrOutOfBounds)

	assert.Error(t, registry.SetPrecision(-1))
	assert.Error(t, registry.SetSafetyPerimeter(math.NaN()))
}

func TestRegistry_Revoke(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	_, err := registry.Authorize(target(1, 0, 0, 0, 0.05))
	require.NoError(t, err)

	require.NoError(t, registry.Revoke(1))
	require.NoError(t, registry.Revoke(1))
	require.NoError(t, registry.Revoke(42))

	_, err = registry.IsAuthorized(1)
	assert.ErrorIs(t, err, interfaces.ErrTargetUnauthorized)

	// The space is free again.
	_, err = registry.Authorize(target(2, 0, 0, 0.08, 0.05))
	assert.NoError(t, err)
}

func TestRegistry_Reauthorize(t *testing.T) {
	registry, _, mock := newTestRegistry(t)

	first, err := registry.Authorize(target(1, 0, 0, 0, 0.05))
	require.NoError(t, err)

	mock.Add(time.Second)
	moved, err := registry.Authorize(target(1, 0.05, 0, 0, 0.05))
	require.NoError(t, err)
	assert.True(t, moved.AuthorizedAt.After(first.AuthorizedAt))
	assert.Equal(t, 1, registry.Count())

	// The old index entry is gone: a neighbour of the old position only
	// collides with the new one.
	assert.True(t, registry.ValidateSafety(target(2, -0.26, 0, 0, 0.05)))
}

func TestRegistry_Capacity(t *testing.T) {
	mock := clock.NewMock()
	keys, err := keystore.New(keystore.Config{
		EphemeralLifetime: time.Minute, MaxEphemeralKeys: 1, RotationInterval: time.Hour, Clock: mock,
	})
	require.NoError(t, err)
	_, err = keys.GenerateMasterKey()
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.MaxTargets = 2
	cfg.Clock = mock
	registry, err := New(cfg, keys)
	require.NoError(t, err)

	_, err = registry.Authorize(target(1, 0, 0, 0, 0.05))
	require.NoError(t, err)
	_, err = registry.Authorize(target(2, 1, 0, 0, 0.05))
	require.NoError(t, err)

	_, err = registry.Authorize(target(3, 2, 0, 0, 0.05))
	require.ErrorIs(t, err, interfaces.ErrTargetTableFull)
	assert.ErrorIs(t, err, interfaces.ErrCapacityFailure)

	// Replacing an existing id does not need a free slot.
	_, err = registry.Authorize(target(2, 1.1, 0, 0, 0.05))
	assert.NoError(t, err)
}

func TestRegistry_ConcurrentOverlappingAuthorizations(t *testing.T) {
	registry, _, _ := newTestRegistry(t)

	const n = 16
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = registry.Authorize(target(uint32(i+1), 0, 0, float64(i)*0.001, 0.05))
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, interfaces.ErrOverlapping), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, registry.Count())
}

func TestRegistry_ResignAfterRotation(t *testing.T) {
	registry, keys, mock := newTestRegistry(t)

	_, err := registry.Authorize(target(1, 0, 0, 0, 0.05))
	require.NoError(t, err)

	// No ephemeral keys outstanding: the old master is revoked immediately.
	_, err = keys.Rotate()
	require.NoError(t, err)

	_, err = registry.IsAuthorized(1)
	require.ErrorIs(t, err, interfaces.ErrSignatureInvalid)

	require.NoError(t, registry.Resign())
	resigned, err := registry.IsAuthorized(1)
	require.NoError(t, err)

	master, err := keys.Master()
	require.NoError(t, err)
	assert.Equal(t, master.ID, resigned.SignerKeyID)

	mock.Add(time.Hour)
	_, err = registry.IsAuthorized(1)
	assert.NoError(t, err)
}

func TestRegistry_ExportImport(t *testing.T) {
	registry, keys, mock := newTestRegistry(t)

	_, err := registry.Authorize(target(1, 0, 0, 0, 0.05))
	require.NoError(t, err)
	_, err = registry.Authorize(target(2, 1, 0, 0, 0.05))
	require.NoError(t, err)

	exported := registry.Export()
	require.Len(t, exported, 2)

	cfg := DefaultConfig()
	cfg.Clock = mock
	restored, err := New(cfg, keys)
	require.NoError(t, err)
	require.NoError(t, restored.Import(exported))
	assert.Equal(t, exported, restored.List())

	_, err = restored.IsAuthorized(2)
	assert.NoError(t, err)

	tampered := restored.Export()
	tampered[0].Position.X = 0.5
	assert.ErrorIs(t, restored.Import(tampered), interfaces.ErrSignatureInvalid)
	assert.Equal(t, exported, restored.List(), "failed import leaves the table intact")

	overlapping := append(restored.Export(), exported[0])
	overlapping[2].ID = 3
	assert.Error(t, restored.Import(overlapping))
	assert.Equal(t, exported, restored.List())
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Precision = 2
	assert.Error(t, cfg.Validate())
}
