package keystore

import (
	"crypto/ecdsa"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
)

const (
	reasonExpired    = "expired"
	reasonRevoked    = "revoked"
	reasonSuperseded = "superseded"
)

// key is the store's internal key instance. It never leaves the store;
// callers receive interfaces.SecurityKey copies.
type key struct {
	id        string
	owner     uint32
	material  []byte
	signer    *ecdsa.PrivateKey
	createdAt time.Time
	expiresAt time.Time
	ephemeral bool

	anchor         interfaces.Hash
	provenanceHash interfaces.Hash
	provenanceSig  []byte
	provenanceBy   string

	// graceUntil is set on superseded master keys.
	graceUntil time.Time
}

func (k *key) destroy() {
	cryptoutils.Wipe(k.material)
	k.material = nil
	if k.signer != nil {
		k.signer.D.SetInt64(0)
		k.signer = nil
	}
}

func (k *key) handle() interfaces.SecurityKey {
	h := interfaces.SecurityKey{
		ID:                  k.id,
		OwnerID:             k.owner,
		Material:            append([]byte(nil), k.material...),
		CreatedAt:           k.createdAt,
		ExpiresAt:           k.expiresAt,
		Ephemeral:           k.ephemeral,
		ProvenanceHash:      k.provenanceHash,
		ProvenanceSignature: append([]byte(nil), k.provenanceSig...),
	}
	if k.signer != nil {
		pub := k.signer.PublicKey
		h.PublicKey = &pub
	}
	return h
}

// tombstone remembers why a key was retired after its history record may
// have been evicted.
type tombstone struct {
	reason string
	at     time.Time
}

func (k *key) record(reason string, at time.Time) interfaces.KeyRecord {
	return interfaces.KeyRecord{
		ID:        k.id,
		OwnerID:   k.owner,
		Ephemeral: k.ephemeral,
		CreatedAt: k.createdAt,
		ExpiresAt: k.expiresAt,
		RetiredAt: at,
		Reason:    reason,
	}
}

// Store owns the master key, superseded masters still inside their grace
// window, and the pool of per-swarm ephemeral keys.
type Store struct {
	cfg    Config
	engine *cryptoutils.Engine
	clock  clock.Clock
	log    *slog.Logger

	mu           sync.RWMutex
	master       *key
	superseded   map[string]*key
	ephemeral    map[string]*key
	retired      map[string]tombstone
	history      []interfaces.KeyRecord
	lastRotation time.Time
}

// New creates an empty store. A master key must be generated, imported or
// recovered before ephemeral keys can be minted.
func New(cfg Config) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid keystore config: %w", err)
	}
	if cfg.Engine == nil {
		cfg.Engine = cryptoutils.NewEngine(nil)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.TombstoneRetention == 0 {
		cfg.TombstoneRetention = DefaultTombstoneRetention
	}

	return &Store{
		cfg:        cfg,
		engine:     cfg.Engine,
		clock:      cfg.Clock,
		log:        cfg.Log,
		superseded: make(map[string]*key),
		ephemeral:  make(map[string]*key),
		retired:    make(map[string]tombstone),
	}, nil
}

// GenerateMasterKey creates the initial master key. Use Rotate to replace
// an existing one.
func (s *Store) GenerateMasterKey() (interfaces.SecurityKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master != nil {
		return interfaces.SecurityKey{}, fmt.Errorf("%w: master key already exists", interfaces.ErrKeyFailure)
	}

	master, err := s.newMasterLocked()
	if err != nil {
		return interfaces.SecurityKey{}, err
	}
	if err := s.signProvenanceLocked(master, master); err != nil {
		master.destroy()
		return interfaces.SecurityKey{}, err
	}

	s.master = master
	s.lastRotation = master.createdAt
	s.log.Info("master key generated", "keyID", master.id)
	return master.handle(), nil
}

func (s *Store) newMasterLocked() (*key, error) {
	material, err := s.engine.GenerateSymmetricKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate master key: %w", err)
	}
	signer, err := s.engine.GenerateSigningKey()
	if err != nil {
		cryptoutils.Wipe(material)
		return nil, fmt.Errorf("failed to generate master signing key: %w", err)
	}
	return &key{
		id:        uuid.NewString(),
		material:  material,
		signer:    signer,
		createdAt: s.clock.Now(),
	}, nil
}

// GenerateEphemeralKey mints a short-lived key for one swarm. Expired keys
// are swept first; valid keys are never evicted to make room.
func (s *Store) GenerateEphemeralKey(ownerID uint32) (interfaces.SecurityKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master == nil {
		return interfaces.SecurityKey{}, fmt.Errorf("%w: no master key", interfaces.ErrKeyNotFound)
	}

	s.sweepLocked(s.clock.Now())
	if len(s.ephemeral) >= s.cfg.MaxEphemeralKeys {
		return interfaces.SecurityKey{}, interfaces.ErrKeyPoolExhausted
	}

	material, err := s.engine.GenerateSymmetricKey()
	if err != nil {
		return interfaces.SecurityKey{}, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}

	now := s.clock.Now()
	k := &key{
		id:        uuid.NewString(),
		owner:     ownerID,
		material:  material,
		createdAt: now,
		expiresAt: now.Add(s.cfg.EphemeralLifetime),
		ephemeral: true,
	}
	if err := s.signProvenanceLocked(k, s.master); err != nil {
		k.destroy()
		return interfaces.SecurityKey{}, err
	}

	s.ephemeral[k.id] = k
	s.log.Debug("ephemeral key minted", "keyID", k.id, "swarmID", ownerID, "expiresAt", k.expiresAt)
	return k.handle(), nil
}

// Rotate replaces the master key. The previous master keeps verifying
// signatures until the longest-lived outstanding ephemeral key expires, and
// is destroyed immediately when no ephemeral key is outstanding. Provenance
// of every valid ephemeral key is re-signed with the new master.
func (s *Store) Rotate() (interfaces.SecurityKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master == nil {
		return interfaces.SecurityKey{}, fmt.Errorf("%w: no master key to rotate", interfaces.ErrKeyNotFound)
	}

	now := s.clock.Now()
	s.sweepLocked(now)

	next, err := s.newMasterLocked()
	if err != nil {
		return interfaces.SecurityKey{}, err
	}
	// Master provenance is self-signed so it stays verifiable after the
	// previous master is destroyed.
	if err := s.signProvenanceLocked(next, next); err != nil {
		next.destroy()
		return interfaces.SecurityKey{}, err
	}

	// Nothing is committed until every ephemeral key has been re-signed.
	var grace time.Duration
	resigned := make(map[*key][]byte, len(s.ephemeral))
	for _, k := range s.ephemeral {
		if remaining := k.expiresAt.Sub(now); remaining > grace {
			grace = remaining
		}
		sig, err := s.engine.Sign(k.provenanceHash[:], next.signer)
		if err != nil {
			next.destroy()
			return interfaces.SecurityKey{}, fmt.Errorf("failed to re-sign key %s: %w", k.id, err)
		}
		resigned[k] = sig
	}
	for k, sig := range resigned {
		k.provenanceSig = sig
		k.provenanceBy = next.id
	}

	prev := s.master
	if grace > 0 {
		prev.graceUntil = now.Add(grace)
		s.superseded[prev.id] = prev
	} else {
		s.retireLocked(prev, reasonSuperseded, now)
	}

	s.master = next
	s.lastRotation = now
	s.log.Info("master key rotated", "keyID", next.id, "previousKeyID", prev.id, "grace", grace)
	return next.handle(), nil
}

// Revoke destroys a key immediately. Revoking an already retired key is a
// no-op. The current master cannot be revoked; rotate it instead.
func (s *Store) Revoke(keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if k, found := s.ephemeral[keyID]; found {
		delete(s.ephemeral, keyID)
		s.retireLocked(k, reasonRevoked, now)
		s.log.Info("ephemeral key revoked", "keyID", keyID, "swarmID", k.owner)
		return nil
	}
	if k, found := s.superseded[keyID]; found {
		delete(s.superseded, keyID)
		s.retireLocked(k, reasonRevoked, now)
		s.log.Info("superseded master key revoked", "keyID", keyID)
		return nil
	}
	if s.master != nil && s.master.id == keyID {
		return fmt.Errorf("%w: cannot revoke the current master key", interfaces.ErrKeyFailure)
	}
	if _, found := s.retired[keyID]; found {
		return nil
	}
	return interfaces.ErrKeyNotFound
}

// Lookup returns a copy of a key. Expired and revoked keys are reported as
// errors and never returned.
func (s *Store) Lookup(keyID string) (interfaces.SecurityKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, err := s.findLocked(keyID, s.clock.Now())
	if err != nil {
		return interfaces.SecurityKey{}, err
	}
	return k.handle(), nil
}

func (s *Store) findLocked(keyID string, now time.Time) (*key, error) {
	if s.master != nil && s.master.id == keyID {
		return s.master, nil
	}
	if k, found := s.ephemeral[keyID]; found {
		if !now.Before(k.expiresAt) {
			return nil, interfaces.ErrKeyExpired
		}
		return k, nil
	}
	if k, found := s.superseded[keyID]; found {
		if !now.Before(k.graceUntil) {
			return nil, interfaces.ErrKeyRevoked
		}
		return k, nil
	}
	if ts, found := s.retired[keyID]; found {
		if ts.reason == reasonExpired {
			return nil, interfaces.ErrKeyExpired
		}
		return nil, interfaces.ErrKeyRevoked
	}
	return nil, interfaces.ErrKeyNotFound
}

// CurrentKey returns the newest valid ephemeral key of a swarm.
func (s *Store) CurrentKey(ownerID uint32) (interfaces.SecurityKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	var newest *key
	for _, k := range s.ephemeral {
		if k.owner != ownerID || !now.Before(k.expiresAt) {
			continue
		}
		if newest == nil || k.createdAt.After(newest.createdAt) {
			newest = k
		}
	}
	if newest == nil {
		return interfaces.SecurityKey{}, fmt.Errorf("%w: no valid key for swarm %d", interfaces.ErrKeyNotFound, ownerID)
	}
	return newest.handle(), nil
}

// Master returns a copy of the current master key.
func (s *Store) Master() (interfaces.SecurityKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.master == nil {
		return interfaces.SecurityKey{}, fmt.Errorf("%w: no master key", interfaces.ErrKeyNotFound)
	}
	return s.master.handle(), nil
}

// SignWithMaster signs digest with the current master key.
func (s *Store) SignWithMaster(digest []byte) ([]byte, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.master == nil {
		return nil, "", fmt.Errorf("%w: no master key", interfaces.ErrKeyNotFound)
	}
	sig, err := s.engine.Sign(digest, s.master.signer)
	if err != nil {
		return nil, "", err
	}
	return sig, s.master.id, nil
}

// VerifyWithKey checks sig over digest against a master key, current or
// superseded within its grace window.
func (s *Store) VerifyWithKey(keyID string, digest, sig []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	k, err := s.findLocked(keyID, s.clock.Now())
	if err != nil {
		return err
	}
	if k.signer == nil {
		return fmt.Errorf("%w: key %s cannot sign", interfaces.ErrSignatureInvalid, keyID)
	}
	if !s.engine.Verify(digest, sig, &k.signer.PublicKey) {
		return interfaces.ErrSignatureInvalid
	}
	return nil
}

// VerifyProvenance re-derives a key's provenance hash and checks the master
// signature over it.
func (s *Store) VerifyProvenance(keyID string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.clock.Now()
	k, err := s.findLocked(keyID, now)
	if err != nil {
		return err
	}
	if s.provenanceDigest(k) != k.provenanceHash {
		return fmt.Errorf("%w: provenance hash mismatch", interfaces.ErrSignatureInvalid)
	}
	signer, err := s.findLocked(k.provenanceBy, now)
	if err != nil {
		return fmt.Errorf("provenance signer %s: %w", k.provenanceBy, err)
	}
	if !s.engine.Verify(k.provenanceHash[:], k.provenanceSig, &signer.signer.PublicKey) {
		return interfaces.ErrSignatureInvalid
	}
	return nil
}

func (s *Store) provenanceDigest(k *key) interfaces.Hash {
	buf := make([]byte, 0, 32+len(k.id)+4+8+8+1)
	buf = append(buf, k.anchor[:]...)
	buf = append(buf, k.id...)
	buf = binary.BigEndian.AppendUint32(buf, k.owner)
	buf = binary.BigEndian.AppendUint64(buf, uint64(k.createdAt.UnixNano()))
	if k.ephemeral {
		buf = binary.BigEndian.AppendUint64(buf, uint64(k.expiresAt.UnixNano()))
		buf = append(buf, 1)
	} else {
		buf = binary.BigEndian.AppendUint64(buf, 0)
		buf = append(buf, 0)
	}
	return interfaces.Hash(s.engine.Hash(buf, cryptoutils.Hash256))
}

// signProvenanceLocked binds k to the current anchor (on first signing) and
// signs its provenance with signer.
func (s *Store) signProvenanceLocked(k, signer *key) error {
	if k.provenanceHash.IsZero() {
		if s.cfg.Anchor != nil {
			k.anchor = s.cfg.Anchor()
		}
		k.provenanceHash = s.provenanceDigest(k)
	}
	sig, err := s.engine.Sign(k.provenanceHash[:], signer.signer)
	if err != nil {
		return fmt.Errorf("failed to sign provenance: %w", err)
	}
	k.provenanceSig = sig
	k.provenanceBy = signer.id
	return nil
}

// Sweep destroys expired ephemeral keys and superseded masters whose grace
// window closed. It returns the number of keys retired.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(s.clock.Now())
}

func (s *Store) sweepLocked(now time.Time) int {
	swept := 0
	for id, k := range s.ephemeral {
		if !now.Before(k.expiresAt) {
			delete(s.ephemeral, id)
			s.retireLocked(k, reasonExpired, now)
			swept++
		}
	}
	for id, k := range s.superseded {
		if !now.Before(k.graceUntil) {
			delete(s.superseded, id)
			s.retireLocked(k, reasonSuperseded, now)
			swept++
		}
	}
	for id, ts := range s.retired {
		if !now.Before(ts.at.Add(s.cfg.TombstoneRetention)) {
			delete(s.retired, id)
		}
	}
	if swept > 0 {
		s.log.Debug("swept keys", "count", swept)
	}
	return swept
}

func (s *Store) retireLocked(k *key, reason string, now time.Time) {
	rec := k.record(reason, now)
	k.destroy()
	s.retired[k.id] = tombstone{reason: reason, at: now}
	if s.cfg.MaxKeyHistory == 0 {
		return
	}
	if len(s.history) >= s.cfg.MaxKeyHistory {
		s.history = append(s.history[:0], s.history[1:]...)
	}
	s.history = append(s.history, rec)
}

// History returns the retired-key records, oldest first.
func (s *Store) History() []interfaces.KeyRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]interfaces.KeyRecord(nil), s.history...)
}

// RotationDue reports whether the rotation interval has elapsed since the
// master key was created or last rotated.
func (s *Store) RotationDue() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.master != nil && s.clock.Since(s.lastRotation) >= s.cfg.RotationInterval
}

// LiveKeys returns the number of ephemeral keys held, including expired
// keys not yet swept.
func (s *Store) LiveKeys() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.ephemeral)
}

var errMasterExists = errors.New("master key already present")
