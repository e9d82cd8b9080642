// Package keystore manages the master key and the per-swarm ephemeral key
// pool of the actuation gate.
//
// # Key Lifecycle
//
// The master key pairs 32 bytes of symmetric material with an ECDSA P-256
// signing key. It signs targets, command envelopes, consensus results and the
// provenance of every ephemeral key. Ephemeral keys are symmetric only, bound
// to one swarm, and expire after Config.EphemeralLifetime.
//
// Rotate replaces the master. The superseded master keeps verifying
// signatures for a grace window equal to the remaining lifetime of the
// longest-lived outstanding ephemeral key, then is destroyed. Revoked, expired
// and superseded keys are zeroed and recorded in a bounded history.
//
// # Provenance
//
// Each key carries a provenance hash binding its metadata to an anchor
// (normally the ledger tail hash at minting time), signed by the master. On
// rotation the provenance of every valid ephemeral key is re-signed by the
// new master.
//
// # Master Key Protection
//
// The master never leaves the store in clear form:
//
//   - ExportMaster seals it under an argon2id passphrase for snapshots
//   - ExportRecoveryShares splits it with Shamir's Secret Sharing, sealing
//     each share to one administrator's public key
//   - Recovery collects signed shares and restores the master once the
//     threshold is reached
//
// # Usage Example
//
//	store, err := keystore.New(keystore.DefaultConfig())
//	if err != nil {
//	    return err
//	}
//	if _, err := store.GenerateMasterKey(); err != nil {
//	    return err
//	}
//	swarmKey, err := store.GenerateEphemeralKey(swarmID)
package keystore
