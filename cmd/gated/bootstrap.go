package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ruteri/actuation-gate/discovery"
	"github.com/ruteri/actuation-gate/httpserver"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/ruteri/actuation-gate/ledger"
	"github.com/ruteri/actuation-gate/snapshot"
	"github.com/ruteri/actuation-gate/storage"
	"github.com/urfave/cli/v2"
)

// Validator set

var flagValidators = &cli.StringSliceFlag{
	Name:  "validator",
	Usage: "ledger validator node id, repeatable; the gate's own node id is always included",
}
var flagValidatorsSRV = &cli.StringFlag{
	Name:  "validators-srv",
	Usage: "DNS SRV name publishing the validator set, e.g. _validators._tcp.gate.example.com",
}
var flagDNSServer = &cli.StringFlag{
	Name:  "dns-server",
	Value: discovery.DefaultServer,
	Usage: "DNS server used for the validator SRV lookup",
}
var flagConfirmationThreshold = &cli.IntFlag{
	Name:  "confirmation-threshold",
	Value: ledger.DefaultConfig().ConfirmationThreshold,
	Usage: "distinct validators needed to confirm a ledger transaction",
}

var validatorFlags = []cli.Flag{
	flagValidators,
	flagValidatorsSRV,
	flagDNSServer,
	flagConfirmationThreshold,
}

// resolveValidators merges the static validator list with the SRV records.
// An empty result leaves the ledger open to any node id.
func resolveValidators(cCtx *cli.Context, logger *slog.Logger) ([]string, error) {
	validators := cCtx.StringSlice(flagValidators.Name)

	if name := cCtx.String(flagValidatorsSRV.Name); name != "" {
		resolver := discovery.NewResolver(cCtx.String(flagDNSServer.Name), 5*time.Second, logger.With("component", "discovery"))
		ctx, cancel := context.WithTimeout(cCtx.Context, 10*time.Second)
		defer cancel()
		ids, err := resolver.NodeIDs(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve validators from %s: %w", name, err)
		}
		validators = append(validators, ids...)
	}

	if len(validators) == 0 {
		logger.Warn("No validator set configured, confirmations are accepted from any node id")
		return nil, nil
	}

	nodeID := cCtx.String(flagNodeID.Name)
	seen := map[string]bool{nodeID: true}
	set := []string{nodeID}
	for _, id := range validators {
		if !seen[id] {
			seen[id] = true
			set = append(set, id)
		}
	}
	logger.Info("Validator set configured", "validators", strings.Join(set, ","))
	return set, nil
}

// Storage and snapshots

var flagStorage = &cli.StringSliceFlag{
	Name:  "storage",
	Usage: "snapshot storage location URI (file://, s3://, ipfs://, vault://), repeatable for replication",
}
var flagSnapshotHead = &cli.StringFlag{
	Name:  "snapshot-head",
	Value: "gated.head",
	Usage: "local file holding the id of the newest snapshot manifest",
}
var flagSnapshotPassphraseFile = &cli.StringFlag{
	Name:    "snapshot-passphrase-file",
	EnvVars: []string{"GATED_SNAPSHOT_PASSPHRASE_FILE"},
	Usage:   "file with the passphrase sealing the master key in snapshots",
}
var flagSnapshotInterval = &cli.DurationFlag{
	Name:  "snapshot-interval",
	Value: 5 * time.Minute,
	Usage: "period of automatic snapshots, 0 to only snapshot on shutdown and on request",
}
var flagVaultTLSCert = &cli.StringFlag{
	Name:  "vault-tls-cert",
	Usage: "client certificate for vault:// storage TLS authentication",
}
var flagVaultTLSKey = &cli.StringFlag{
	Name:  "vault-tls-key",
	Usage: "client key for vault:// storage TLS authentication",
}

var storageFlags = []cli.Flag{
	flagStorage,
	flagSnapshotHead,
	flagSnapshotPassphraseFile,
	flagSnapshotInterval,
	flagVaultTLSCert,
	flagVaultTLSKey,
}

func setupSnapshots(cCtx *cli.Context, logger *slog.Logger) (*snapshot.Store, error) {
	uris := cCtx.StringSlice(flagStorage.Name)
	if len(uris) == 0 {
		logger.Warn("No storage configured, state will not survive a restart")
		return nil, nil
	}

	locs := make([]interfaces.StorageBackendLocation, 0, len(uris))
	for _, uri := range uris {
		loc, err := interfaces.NewStorageBackendLocation(uri)
		if err != nil {
			return nil, err
		}
		locs = append(locs, loc)
	}

	var factory interfaces.StorageBackendFactory = storage.NewStorageBackendFactory(logger.With("component", "storage"))
	if certFile, keyFile := cCtx.String(flagVaultTLSCert.Name), cCtx.String(flagVaultTLSKey.Name); certFile != "" {
		factory = storage.NewStorageBackendFactory(logger.With("component", "storage")).WithTLSAuth(func() (tls.Certificate, error) {
			return tls.LoadX509KeyPair(certFile, keyFile)
		})
	}

	var backend interfaces.StorageBackend
	var err error
	if len(locs) == 1 {
		backend, err = factory.StorageBackendFor(locs[0])
	} else {
		backend, err = factory.CreateMultiBackend(locs)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create storage backend: %w", err)
	}

	passphraseFile := cCtx.String(flagSnapshotPassphraseFile.Name)
	if passphraseFile == "" {
		return nil, errors.New("snapshot-passphrase-file is required when storage is configured")
	}
	passphrase, err := os.ReadFile(passphraseFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot passphrase: %w", err)
	}

	logger.Info("Snapshot storage configured", "backend", backend.Name(), "location", backend.LocationURI())
	return snapshot.New(snapshot.Config{
		Backend:    backend,
		HeadPath:   cCtx.String(flagSnapshotHead.Name),
		Passphrase: []byte(strings.TrimSpace(string(passphrase))),
		Log:        logger.With("component", "snapshot"),
	})
}

// Master key bootstrap

const (
	bootstrapAuto     = "auto"
	bootstrapGenerate = "generate"
	bootstrapSnapshot = "snapshot"
	bootstrapRecover  = "recover"
)

var flagBootstrap = &cli.StringFlag{
	Name:  "bootstrap",
	Value: bootstrapAuto,
	Usage: "master key source: 'auto' (snapshot if present, else generate), 'generate', 'snapshot' or 'recover' (admin Shamir shares)",
}
var flagAdminKeysFile = &cli.StringFlag{
	Name:  "admin-keys-file",
	Usage: "JSON file with admin public keys; enables the admin API (required for recover)",
}
var flagBootstrapTimeout = &cli.DurationFlag{
	Name:  "bootstrap-timeout",
	Value: 24 * time.Hour,
	Usage: "how long to wait for admins to recover the master key",
}

var bootstrapFlags = []cli.Flag{
	flagBootstrap,
	flagAdminKeysFile,
	flagBootstrapTimeout,
}

// bootstrap installs the master key. In recover mode it blocks until admins
// have submitted enough shares through the admin API.
func bootstrap(ctx context.Context, cCtx *cli.Context, logger *slog.Logger, keys *keystore.Store, snapshots *snapshot.Store, state snapshot.State, adminH *httpserver.AdminHandler) error {
	mode := cCtx.String(flagBootstrap.Name)

	switch mode {
	case bootstrapAuto:
		if snapshots != nil {
			m, err := snapshots.Load(ctx, state)
			if err == nil {
				logger.Info("State restored from snapshot", "masterKeyID", m.MasterKeyID, "targets", m.TargetCount, "height", m.ChainHeight)
				return nil
			}
			if !errors.Is(err, snapshot.ErrNoSnapshot) {
				return fmt.Errorf("failed to load snapshot: %w", err)
			}
		}
		master, err := keys.GenerateMasterKey()
		if err != nil {
			return err
		}
		logger.Info("No snapshot found, generated a new master key", "masterKeyID", master.ID)

	case bootstrapGenerate:
		master, err := keys.GenerateMasterKey()
		if err != nil {
			return err
		}
		logger.Info("Generated a new master key", "masterKeyID", master.ID)

	case bootstrapSnapshot:
		if snapshots == nil {
			return errors.New("bootstrap from snapshot needs --storage")
		}
		m, err := snapshots.Load(ctx, state)
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		logger.Info("State restored from snapshot", "masterKeyID", m.MasterKeyID, "targets", m.TargetCount, "height", m.ChainHeight)

	case bootstrapRecover:
		if adminH == nil {
			return errors.New("recover bootstrap needs --admin-keys-file")
		}
		timeout := cCtx.Duration(flagBootstrapTimeout.Name)
		logger.Info("Waiting for admins to recover the master key", "timeout", timeout)

		waitCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := adminH.WaitForMaster(waitCtx); err != nil {
			return fmt.Errorf("master key recovery did not complete: %w", err)
		}
		master, err := keys.Master()
		if err != nil {
			return err
		}
		logger.Info("Master key recovered", "masterKeyID", master.ID)

	default:
		return fmt.Errorf("invalid bootstrap mode: %s", mode)
	}
	return nil
}
