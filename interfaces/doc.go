// Package interfaces defines the data model, error taxonomy and component
// contracts shared by the actuation gate packages.
//
// # Security Types
//
// SecurityKey, Target, Transaction, Vote, ConsensusResult and EncryptedCommand
// are plain values. Components hand out copies and never expose their
// internal instances.
//
// # Component Interfaces
//
// KeyStore, TargetRegistry, Ledger, ConsensusCoordinator and Transport are
// what the command gate depends on. The concrete implementations live in the
// keystore, targets, ledger and consensus packages.
//
// # Storage Interfaces
//
// StorageBackend: content-addressed storage for snapshots across file, S3,
// IPFS and Vault backends.
//
// StorageBackendFactory: creates backends from URIs and multi-backend sets.
//
// # Errors
//
// Every failure wraps one category sentinel (ErrCryptoFailure, ErrKeyFailure,
// ErrAuthorizationFailure, ErrLedgerFailure, ErrConsensusFailure or
// ErrCapacityFailure). ReasonCode maps an error to the code recorded in
// rejections and audit records.
package interfaces
