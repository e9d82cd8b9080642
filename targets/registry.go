package targets

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/actuation-gate/interfaces"
)

// Config contains the parameters of a Registry.
type Config struct {
	// MaxTargets caps the number of authorized targets.
	MaxTargets int
	// Precision is the minimum precision radius, in meters.
	Precision float64
	// MaxPrecisionRadius is the largest accepted precision radius.
	MaxPrecisionRadius float64
	// SafetyPerimeter is added to every precision radius to form the safety sphere.
	SafetyPerimeter float64
	// WorkspaceExtent bounds every coordinate to [-extent, extent]. Zero disables the bound.
	WorkspaceExtent float64

	Clock clock.Clock
	Log   *slog.Logger
}

// DefaultConfig returns the stock targeting parameters.
func DefaultConfig() Config {
	return Config{
		MaxTargets:         10000,
		Precision:          0.001,
		MaxPrecisionRadius: 1.0,
		SafetyPerimeter:    0.1,
		WorkspaceExtent:    100.0,
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.MaxTargets <= 0 {
		return errors.New("max targets must be positive")
	}
	if c.Precision <= 0 || c.MaxPrecisionRadius < c.Precision {
		return errors.New("precision bounds must satisfy 0 < precision <= max precision radius")
	}
	if c.SafetyPerimeter < 0 {
		return errors.New("safety perimeter must not be negative")
	}
	if c.WorkspaceExtent < 0 {
		return errors.New("workspace extent must not be negative")
	}
	return nil
}

const lockStripes = 64

// Registry owns the table of authorized targets. Signing happens outside the
// table lock under a per-id lock; the overlap check and insert happen
// atomically under the table lock.
type Registry struct {
	keys  interfaces.KeyStore
	clock clock.Clock
	log   *slog.Logger

	idLocks [lockStripes]sync.Mutex

	mu    sync.RWMutex
	cfg   Config
	table map[uint32]interfaces.Target
	index *spatialIndex
}

// New creates an empty registry signing with the master key of keys.
func New(cfg Config, keys interfaces.KeyStore) (*Registry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid registry config: %w", err)
	}
	if keys == nil {
		return nil, errors.New("registry requires a keystore")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	return &Registry{
		keys:  keys,
		clock: cfg.Clock,
		log:   cfg.Log,
		cfg:   cfg,
		table: make(map[uint32]interfaces.Target),
		index: newSpatialIndex(),
	}, nil
}

// AuthorizationDigest is the digest signed when a target is authorized.
func AuthorizationDigest(t interfaces.Target) []byte {
	buf := make([]byte, 0, 4+8*4+4+8)
	buf = binary.BigEndian.AppendUint32(buf, t.ID)
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(t.Position.X))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(t.Position.Y))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(t.Position.Z))
	buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(t.PrecisionRadius))
	buf = binary.BigEndian.AppendUint32(buf, t.SwarmID)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.AuthorizedAt.UnixNano()))
	sum := sha256.Sum256(buf)
	return sum[:]
}

// Authorize signs the target with the current master key and adds it to the
// table. Re-authorizing an existing id replaces it.
func (r *Registry) Authorize(target interfaces.Target) (interfaces.Target, error) {
	r.mu.RLock()
	err := r.checkBoundsLocked(target)
	if err == nil {
		err = r.checkPlacementLocked(target)
	}
	r.mu.RUnlock()
	if err != nil {
		return interfaces.Target{}, err
	}

	lock := &r.idLocks[target.ID%lockStripes]
	lock.Lock()
	defer lock.Unlock()

	target.Authorized = true
	target.AuthorizedAt = r.clock.Now()
	if err := r.sign(&target); err != nil {
		return interfaces.Target{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkPlacementLocked(target); err != nil {
		return interfaces.Target{}, err
	}
	if old, found := r.table[target.ID]; found {
		r.index.remove(old)
	}
	r.table[target.ID] = target
	r.index.insert(target)

	r.log.Info("target authorized", "targetID", target.ID, "swarmID", target.SwarmID, "signerKeyID", target.SignerKeyID)
	return cloneTarget(target), nil
}

func (r *Registry) sign(target *interfaces.Target) error {
	digest := AuthorizationDigest(*target)
	sig, keyID, err := r.keys.SignWithMaster(digest)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSignatureInvalid, err)
	}
	if err := r.keys.VerifyWithKey(keyID, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrSignatureInvalid, err)
	}
	target.Signature = sig
	target.SignerKeyID = keyID
	return nil
}

// checkPlacementLocked enforces capacity and the non-overlap invariant.
func (r *Registry) checkPlacementLocked(target interfaces.Target) error {
	if _, exists := r.table[target.ID]; !exists && len(r.table) >= r.cfg.MaxTargets {
		return interfaces.ErrTargetTableFull
	}
	if id, overlaps := r.overlapLocked(target); overlaps {
		return fmt.Errorf("%w: target %d intersects target %d", interfaces.ErrOverlapping, target.ID, id)
	}
	return nil
}

// overlapLocked reports the first authorized target, other than target
// itself, whose safety sphere intersects target's. Touching spheres do not
// overlap.
func (r *Registry) overlapLocked(target interfaces.Target) (uint32, bool) {
	p := r.cfg.SafetyPerimeter
	own := target.PrecisionRadius + p
	reach := own + r.cfg.MaxPrecisionRadius + p

	var hit uint32
	found := false
	r.index.within(target.Position.X, reach, func(id uint32) bool {
		if id == target.ID {
			return true
		}
		other := r.table[id]
		if target.Position.Distance(other.Position) < own+other.PrecisionRadius+p {
			hit, found = id, true
			return false
		}
		return true
	})
	return hit, found
}

func (r *Registry) checkBoundsLocked(target interfaces.Target) error {
	if !target.Position.Finite() || math.IsNaN(target.PrecisionRadius) {
		return fmt.Errorf("%w: non-finite coordinates", interfaces.ErrOutOfBounds)
	}
	if target.PrecisionRadius < r.cfg.Precision || target.PrecisionRadius > r.cfg.MaxPrecisionRadius {
		return fmt.Errorf("%w: precision radius %g outside [%g, %g]", interfaces.ErrOutOfBounds,
			target.PrecisionRadius, r.cfg.Precision, r.cfg.MaxPrecisionRadius)
	}
	if extent := r.cfg.WorkspaceExtent; extent > 0 {
		for _, v := range []float64{target.Position.X, target.Position.Y, target.Position.Z} {
			if math.Abs(v) > extent {
				return fmt.Errorf("%w: coordinate %g outside workspace extent %g", interfaces.ErrOutOfBounds, v, extent)
			}
		}
	}
	return nil
}

// ValidateSafety is a dry run of the bounds and overlap checks.
func (r *Registry) ValidateSafety(target interfaces.Target) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.checkBoundsLocked(target) != nil {
		return false
	}
	_, overlaps := r.overlapLocked(target)
	return !overlaps
}

// Revoke removes a target. Revoking an unknown target is a no-op.
func (r *Registry) Revoke(targetID uint32) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, found := r.table[targetID]
	if !found {
		return nil
	}
	delete(r.table, targetID)
	r.index.remove(target)
	r.log.Info("target revoked", "targetID", targetID)
	return nil
}

// IsAuthorized returns the target if it is in the table and its signature
// still verifies against the keystore.
func (r *Registry) IsAuthorized(targetID uint32) (interfaces.Target, error) {
	r.mu.RLock()
	target, found := r.table[targetID]
	r.mu.RUnlock()
	if !found {
		return interfaces.Target{}, fmt.Errorf("%w: target %d", interfaces.ErrTargetUnauthorized, targetID)
	}

	if err := r.keys.VerifyWithKey(target.SignerKeyID, AuthorizationDigest(target), target.Signature); err != nil {
		return interfaces.Target{}, fmt.Errorf("%w: target %d: %v", interfaces.ErrSignatureInvalid, targetID, err)
	}
	return cloneTarget(target), nil
}

// Get returns the stored target without re-verifying its signature.
func (r *Registry) Get(targetID uint32) (interfaces.Target, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	target, found := r.table[targetID]
	if !found {
		return interfaces.Target{}, fmt.Errorf("%w: target %d", interfaces.ErrTargetUnauthorized, targetID)
	}
	return cloneTarget(target), nil
}

// List returns all authorized targets ordered by id.
func (r *Registry) List() []interfaces.Target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]interfaces.Target, 0, len(r.table))
	for _, t := range r.table {
		out = append(out, cloneTarget(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of authorized targets.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.table)
}

// SetSafetyPerimeter changes the perimeter used by subsequent checks.
// Already authorized targets are not re-evaluated.
func (r *Registry) SetSafetyPerimeter(perimeter float64) error {
	if perimeter < 0 || math.IsNaN(perimeter) || math.IsInf(perimeter, 0) {
		return fmt.Errorf("%w: invalid safety perimeter %g", interfaces.ErrOutOfBounds, perimeter)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg.SafetyPerimeter = perimeter
	return nil
}

// SafetyPerimeter returns the current safety perimeter.
func (r *Registry) SafetyPerimeter() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.SafetyPerimeter
}

// SetPrecision changes the minimum precision radius.
func (r *Registry) SetPrecision(precision float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if precision <= 0 || precision > r.cfg.MaxPrecisionRadius || math.IsNaN(precision) {
		return fmt.Errorf("%w: invalid precision %g", interfaces.ErrOutOfBounds, precision)
	}
	r.cfg.Precision = precision
	return nil
}

// Precision returns the minimum precision radius.
func (r *Registry) Precision() float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Precision
}

// Resign re-signs every authorized target with the current master key.
// Called after key rotation so authorizations outlive the old master's grace
// window.
func (r *Registry) Resign() error {
	var errs []error
	for _, target := range r.List() {
		lock := &r.idLocks[target.ID%lockStripes]
		lock.Lock()

		err := r.sign(&target)
		if err == nil {
			r.mu.Lock()
			if current, found := r.table[target.ID]; found && current.AuthorizedAt.Equal(target.AuthorizedAt) {
				r.table[target.ID] = target
			}
			r.mu.Unlock()
		}

		lock.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("target %d: %w", target.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Export returns the table for persistence.
func (r *Registry) Export() []interfaces.Target {
	return r.List()
}

// Import replaces the table with previously exported targets. Every
// signature must verify and no two targets may overlap.
func (r *Registry) Import(targets []interfaces.Target) error {
	if len(targets) > r.cfg.MaxTargets {
		return interfaces.ErrTargetTableFull
	}
	for _, t := range targets {
		if err := r.keys.VerifyWithKey(t.SignerKeyID, AuthorizationDigest(t), t.Signature); err != nil {
			return fmt.Errorf("%w: target %d: %v", interfaces.ErrSignatureInvalid, t.ID, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prevTable := r.table
	r.table = make(map[uint32]interfaces.Target, len(targets))
	r.index.clear()
	for _, t := range targets {
		err := r.checkBoundsLocked(t)
		if _, dup := r.table[t.ID]; err == nil && dup {
			err = fmt.Errorf("%w: duplicate target %d", interfaces.ErrOverlapping, t.ID)
		}
		if err == nil {
			if id, overlaps := r.overlapLocked(t); overlaps {
				err = fmt.Errorf("%w: target %d intersects target %d", interfaces.ErrOverlapping, t.ID, id)
			}
		}
		if err != nil {
			r.table = prevTable
			r.index.clear()
			for _, prev := range prevTable {
				r.index.insert(prev)
			}
			return fmt.Errorf("import rejected: %w", err)
		}

		t.Authorized = true
		r.table[t.ID] = cloneTarget(t)
		r.index.insert(t)
	}

	r.log.Info("targets imported", "count", len(targets))
	return nil
}

func cloneTarget(t interfaces.Target) interfaces.Target {
	t.Signature = append([]byte(nil), t.Signature...)
	return t
}

var _ interfaces.TargetRegistry = (*Registry)(nil)
