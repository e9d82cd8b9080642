package keystore

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/vault/shamir"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
)

const checksumSize = 8

// masterRecord is the serialized form of a master key used for both
// passphrase-sealed export and Shamir recovery shares.
type masterRecord struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Material  []byte    `json:"material"`
	Signer    []byte    `json:"signer"`
}

func encodeMaster(k *key) ([]byte, error) {
	payload, err := json.Marshal(masterRecord{
		ID:        k.id,
		CreatedAt: k.createdAt,
		Material:  k.material,
		Signer:    k.signer.D.FillBytes(make([]byte, 32)),
	})
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	return append(payload, sum[:checksumSize]...), nil
}

func decodeMaster(data []byte) (*key, error) {
	if len(data) <= checksumSize {
		return nil, fmt.Errorf("%w: master record too short", interfaces.ErrKeyFailure)
	}
	payload, check := data[:len(data)-checksumSize], data[len(data)-checksumSize:]
	sum := sha256.Sum256(payload)
	if !bytes.Equal(sum[:checksumSize], check) {
		return nil, fmt.Errorf("%w: master record checksum mismatch", interfaces.ErrKeyFailure)
	}

	var rec masterRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrKeyFailure, err)
	}
	if len(rec.Material) != cryptoutils.KeySize || len(rec.Signer) != 32 {
		return nil, fmt.Errorf("%w: malformed master record", interfaces.ErrKeyFailure)
	}

	curve := elliptic.P256()
	d := new(big.Int).SetBytes(rec.Signer)
	signer := &ecdsa.PrivateKey{D: d}
	signer.PublicKey.Curve = curve
	signer.PublicKey.X, signer.PublicKey.Y = curve.ScalarBaseMult(rec.Signer)
	cryptoutils.Wipe(rec.Signer)

	return &key{
		id:        rec.ID,
		material:  rec.Material,
		signer:    signer,
		createdAt: rec.CreatedAt,
	}, nil
}

// ExportMaster returns the current master key sealed under passphrase.
func (s *Store) ExportMaster(passphrase []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.master == nil {
		return nil, fmt.Errorf("%w: no master key", interfaces.ErrKeyNotFound)
	}
	encoded, err := encodeMaster(s.master)
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(encoded)
	return cryptoutils.SealWithPassphrase(passphrase, encoded)
}

// ImportMaster installs a master key previously sealed by ExportMaster.
// It fails if the store already has a master key.
func (s *Store) ImportMaster(passphrase, sealed []byte) (interfaces.SecurityKey, error) {
	encoded, err := cryptoutils.OpenWithPassphrase(passphrase, sealed)
	if err != nil {
		return interfaces.SecurityKey{}, err
	}
	defer cryptoutils.Wipe(encoded)
	return s.installMaster(encoded)
}

func (s *Store) installMaster(encoded []byte) (interfaces.SecurityKey, error) {
	master, err := decodeMaster(encoded)
	if err != nil {
		return interfaces.SecurityKey{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.master != nil {
		master.destroy()
		return interfaces.SecurityKey{}, fmt.Errorf("%w: %w", interfaces.ErrKeyFailure, errMasterExists)
	}
	if err := s.signProvenanceLocked(master, master); err != nil {
		master.destroy()
		return interfaces.SecurityKey{}, err
	}

	s.master = master
	s.lastRotation = s.clock.Now()
	s.log.Info("master key installed", "keyID", master.id)
	return master.handle(), nil
}

// ExportRecoveryShares splits the current master key into one Shamir share
// per administrator, each sealed to that administrator's public key. Any
// threshold of the decrypted shares recovers the master with RecoverMaster.
func (s *Store) ExportRecoveryShares(adminPubKeys map[string][]byte, threshold int) (map[string][]byte, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	if len(adminPubKeys) < threshold {
		return nil, errors.New("total shares must be at least equal to threshold")
	}

	adminIDs := make([]string, 0, len(adminPubKeys))
	for adminID, pubKeyPEM := range adminPubKeys {
		if err := cryptoutils.PublicKeyPEM(pubKeyPEM).Validate(); err != nil {
			return nil, fmt.Errorf("invalid admin pubkey %s: %w", adminID, err)
		}
		adminIDs = append(adminIDs, adminID)
	}
	sort.Strings(adminIDs)

	s.mu.RLock()
	if s.master == nil {
		s.mu.RUnlock()
		return nil, fmt.Errorf("%w: no master key", interfaces.ErrKeyNotFound)
	}
	encoded, err := encodeMaster(s.master)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}
	defer cryptoutils.Wipe(encoded)

	shares, err := shamir.Split(encoded, len(adminIDs), threshold)
	if err != nil {
		return nil, fmt.Errorf("failed to split master key: %w", err)
	}

	sealed := make(map[string][]byte, len(adminIDs))
	for i, adminID := range adminIDs {
		sealedShare, err := cryptoutils.EncryptWithPublicKey(adminPubKeys[adminID], shares[i])
		cryptoutils.Wipe(shares[i])
		if err != nil {
			return nil, fmt.Errorf("failed to seal share for %s: %w", adminID, err)
		}
		sealed[adminID] = sealedShare
	}
	return sealed, nil
}

// RecoverMaster combines decrypted recovery shares and installs the master
// key they encode. Too few shares fail the checksum and install nothing.
func (s *Store) RecoverMaster(shares [][]byte) (interfaces.SecurityKey, error) {
	encoded, err := shamir.Combine(shares)
	if err != nil {
		return interfaces.SecurityKey{}, fmt.Errorf("failed to reconstruct master key: %w", err)
	}
	defer cryptoutils.Wipe(encoded)
	return s.installMaster(encoded)
}

// Recovery collects signed recovery shares from administrators until the
// threshold is reached, then recovers the master key into the store.
type Recovery struct {
	mu             sync.Mutex
	store          *Store
	threshold      int
	adminPubKeys   map[string][]byte
	receivedShares map[string][]byte
	recovered      bool
}

// NewRecovery starts a share collection for store. adminPubKeys maps admin
// ids to PEM public keys.
func NewRecovery(store *Store, threshold int, adminPubKeys map[string][]byte) (*Recovery, error) {
	if threshold < 2 {
		return nil, errors.New("threshold must be at least 2")
	}
	for adminID, pubKeyPEM := range adminPubKeys {
		if err := cryptoutils.PublicKeyPEM(pubKeyPEM).Validate(); err != nil {
			return nil, fmt.Errorf("invalid admin pubkey %s: %w", adminID, err)
		}
	}
	return &Recovery{
		store:          store,
		threshold:      threshold,
		adminPubKeys:   adminPubKeys,
		receivedShares: make(map[string][]byte),
	}, nil
}

// SubmitShare records one administrator's decrypted share. signature is the
// admin's ASN.1 ECDSA signature over sha256(share). It returns true once the
// master key has been recovered.
func (r *Recovery) SubmitShare(adminID string, share, signature []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recovered {
		return true, errors.New("master key already recovered")
	}

	pubKeyPEM, found := r.adminPubKeys[adminID]
	if !found {
		return false, errors.New("unregistered admin")
	}
	pubKey, err := cryptoutils.ParsePublicKeyPEM(pubKeyPEM)
	if err != nil {
		return false, fmt.Errorf("failed to parse admin public key: %w", err)
	}

	digest := sha256.Sum256(share)
	if !ecdsa.VerifyASN1(pubKey, digest[:], signature) {
		return false, errors.New("invalid signature")
	}

	r.receivedShares[adminID] = append([]byte(nil), share...)
	return r.tryRecover()
}

func (r *Recovery) tryRecover() (bool, error) {
	if len(r.receivedShares) < r.threshold {
		return false, nil
	}

	shares := make([][]byte, 0, len(r.receivedShares))
	for _, share := range r.receivedShares {
		shares = append(shares, share)
	}

	_, err := r.store.RecoverMaster(shares)
	for adminID, share := range r.receivedShares {
		cryptoutils.Wipe(share)
		delete(r.receivedShares, adminID)
	}
	if err != nil {
		return false, err
	}

	r.recovered = true
	return true, nil
}

// Status returns the number of shares received and the threshold.
func (r *Recovery) Status() (received int, threshold int, recovered bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.receivedShares), r.threshold, r.recovered
}

// SignShare signs a decrypted share for submission, as an administrator
// would with their private key.
func SignShare(share []byte, privateKey *ecdsa.PrivateKey) ([]byte, error) {
	digest := sha256.Sum256(share)
	return cryptoutils.NewEngine(nil).Sign(digest[:], privateKey)
}

// ShareFingerprint returns a short identifier for a share, safe to log.
func ShareFingerprint(share []byte) string {
	sum := sha256.Sum256(share)
	return hex.EncodeToString(sum[:4])
}
