// Package snapshot persists the durable gate state (sealed master key,
// target table and ledger chain) into a content-addressed storage backend.
//
// A snapshot is three blobs plus a manifest listing their content ids. The
// id of the newest manifest is kept in a local head file that is replaced
// atomically, so a crash mid-save leaves the previous snapshot loadable.
// Ephemeral keys and open consensus decisions are never persisted.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/renameio/v2"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/ruteri/actuation-gate/ledger"
	"github.com/ruteri/actuation-gate/targets"
	"golang.org/x/sync/errgroup"
)

// Version is the manifest format version.
const Version = 1

// ErrNoSnapshot is returned by Load when no head file exists yet.
var ErrNoSnapshot = errors.New("no snapshot")

// Manifest lists the blobs of one snapshot.
type Manifest struct {
	Version     int                  `json:"version"`
	CreatedAt   time.Time            `json:"created_at"`
	MasterKeyID string               `json:"master_key_id"`
	SealedKey   interfaces.ContentID `json:"sealed_key"`
	Targets     interfaces.ContentID `json:"targets"`
	TargetCount int                  `json:"target_count"`
	Chain       interfaces.ContentID `json:"chain"`
	ChainHeight uint64               `json:"chain_height"`
	TailHash    interfaces.Hash      `json:"tail_hash"`
}

// State is the set of components a snapshot covers.
type State struct {
	Keys    *keystore.Store
	Targets *targets.Registry
	Ledger  *ledger.Ledger
}

// Config configures a Store.
type Config struct {
	Backend interfaces.StorageBackend
	// HeadPath is the local file holding the newest manifest id.
	HeadPath string
	// Passphrase seals the master key.
	Passphrase []byte

	Clock clock.Clock
	Log   *slog.Logger
}

// Store saves and loads snapshots.
type Store struct {
	cfg   Config
	clock clock.Clock
	log   *slog.Logger
}

// New creates a snapshot store.
func New(cfg Config) (*Store, error) {
	if cfg.Backend == nil {
		return nil, errors.New("snapshot store needs a storage backend")
	}
	if cfg.HeadPath == "" {
		return nil, errors.New("snapshot head path must be set")
	}
	if len(cfg.Passphrase) == 0 {
		return nil, errors.New("snapshot passphrase must be set")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Store{cfg: cfg, clock: cfg.Clock, log: cfg.Log}, nil
}

// Save writes a snapshot of state and moves the head to it.
func (s *Store) Save(ctx context.Context, state State) (Manifest, error) {
	master, err := state.Keys.Master()
	if err != nil {
		return Manifest{}, err
	}
	sealed, err := state.Keys.ExportMaster(s.cfg.Passphrase)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to seal master key: %w", err)
	}
	table := state.Targets.Export()
	targetsJSON, err := json.Marshal(table)
	if err != nil {
		return Manifest{}, err
	}
	chain := state.Ledger.Export()
	chainJSON, err := json.Marshal(chain)
	if err != nil {
		return Manifest{}, err
	}

	m := Manifest{
		Version:     Version,
		CreatedAt:   s.clock.Now().UTC(),
		MasterKeyID: master.ID,
		TargetCount: len(table),
		ChainHeight: chain[len(chain)-1].BlockNumber,
		TailHash:    chain[len(chain)-1].Hash,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		m.SealedKey, err = s.cfg.Backend.Store(gctx, sealed, interfaces.SealedKeyType)
		return err
	})
	g.Go(func() (err error) {
		m.Targets, err = s.cfg.Backend.Store(gctx, targetsJSON, interfaces.TargetsType)
		return err
	})
	g.Go(func() (err error) {
		m.Chain, err = s.cfg.Backend.Store(gctx, chainJSON, interfaces.ChainType)
		return err
	})
	if err := g.Wait(); err != nil {
		return Manifest{}, fmt.Errorf("failed to store snapshot blobs: %w", err)
	}

	manifestJSON, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, err
	}
	id, err := s.cfg.Backend.Store(ctx, manifestJSON, interfaces.ManifestType)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to store snapshot manifest: %w", err)
	}
	if err := renameio.WriteFile(s.cfg.HeadPath, []byte(id.String()+"\n"), 0o600); err != nil {
		return Manifest{}, fmt.Errorf("failed to update snapshot head: %w", err)
	}

	s.log.Info("snapshot saved",
		"manifest", id.String(),
		"backend", s.cfg.Backend.Name(),
		"blocks", m.ChainHeight,
		"targets", m.TargetCount)
	return m, nil
}

// Head returns the manifest id the head file points at.
func (s *Store) Head() (interfaces.ContentID, error) {
	raw, err := os.ReadFile(s.cfg.HeadPath)
	if errors.Is(err, fs.ErrNotExist) {
		return interfaces.ContentID{}, ErrNoSnapshot
	}
	if err != nil {
		return interfaces.ContentID{}, err
	}
	return interfaces.NewContentIDFromHex(strings.TrimSpace(string(raw)))
}

// Load restores state from the snapshot at the head. The keystore must not
// have a master key yet; the master is installed before the targets so their
// signatures can be verified.
func (s *Store) Load(ctx context.Context, state State) (Manifest, error) {
	id, err := s.Head()
	if err != nil {
		return Manifest{}, err
	}

	manifestJSON, err := s.cfg.Backend.Fetch(ctx, id, interfaces.ManifestType)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to fetch manifest %s: %w", id, err)
	}
	if interfaces.ComputeID(manifestJSON) != id {
		return Manifest{}, fmt.Errorf("manifest %s does not match its id", id)
	}
	var m Manifest
	if err := json.Unmarshal(manifestJSON, &m); err != nil {
		return Manifest{}, fmt.Errorf("invalid manifest: %w", err)
	}
	if m.Version != Version {
		return Manifest{}, fmt.Errorf("unsupported snapshot version %d", m.Version)
	}

	var sealed, targetsJSON, chainJSON []byte
	g, gctx := errgroup.WithContext(ctx)
	fetch := func(dst *[]byte, blob interfaces.ContentID, ct interfaces.ContentType) {
		g.Go(func() error {
			data, err := s.cfg.Backend.Fetch(gctx, blob, ct)
			if err != nil {
				return fmt.Errorf("failed to fetch %s blob: %w", ct, err)
			}
			if interfaces.ComputeID(data) != blob {
				return fmt.Errorf("%s blob does not match its id", ct)
			}
			*dst = data
			return nil
		})
	}
	fetch(&sealed, m.SealedKey, interfaces.SealedKeyType)
	fetch(&targetsJSON, m.Targets, interfaces.TargetsType)
	fetch(&chainJSON, m.Chain, interfaces.ChainType)
	if err := g.Wait(); err != nil {
		return Manifest{}, err
	}

	var table []interfaces.Target
	if err := json.Unmarshal(targetsJSON, &table); err != nil {
		return Manifest{}, fmt.Errorf("invalid target table: %w", err)
	}
	var chain []interfaces.Transaction
	if err := json.Unmarshal(chainJSON, &chain); err != nil {
		return Manifest{}, fmt.Errorf("invalid chain: %w", err)
	}
	if len(chain) == 0 || chain[len(chain)-1].Hash != m.TailHash {
		return Manifest{}, fmt.Errorf("%w: chain tail does not match manifest", interfaces.ErrHashMismatch)
	}

	master, err := state.Keys.ImportMaster(s.cfg.Passphrase, sealed)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to restore master key: %w", err)
	}
	if master.ID != m.MasterKeyID {
		return Manifest{}, fmt.Errorf("%w: restored master %s, manifest names %s", interfaces.ErrKeyFailure, master.ID, m.MasterKeyID)
	}
	if err := state.Targets.Import(table); err != nil {
		return Manifest{}, fmt.Errorf("failed to restore targets: %w", err)
	}
	if err := state.Ledger.Import(chain); err != nil {
		return Manifest{}, fmt.Errorf("failed to restore ledger: %w", err)
	}

	s.log.Info("snapshot loaded",
		"manifest", id.String(),
		"created", m.CreatedAt,
		"blocks", m.ChainHeight,
		"targets", m.TargetCount)
	return m, nil
}
