// Package storage provides content-addressed blob storage with pluggable
// backends. It holds the gate's persisted state: snapshot manifests, ledger
// chains, target tables and passphrase-sealed master keys.
//
// Content is identified by the SHA-256 hash of its bytes and stored in one
// namespace per interfaces.ContentType:
//
//   - file:///var/lib/gate - local directory, atomic writes
//   - s3://bucket/prefix?region=eu-west-1&endpoint=http://minio:9000&path_style=true
//   - ipfs://localhost:5001/actuation-gate - IPFS node MFS
//   - vault://vault.example.com:8200/secret/gate - Vault KV v2, token from
//     VAULT_TOKEN or a TLS client certificate
//
// MultiStorageBackend replicates writes to every available backend and reads
// from the first one holding an uncorrupted copy.
//
//	factory := storage.NewStorageBackendFactory(logger)
//	backend, err := factory.CreateMultiBackend(locations)
//	id, err := backend.Store(ctx, chain, interfaces.ChainType)
package storage
