// Package main (cmd/gated) runs the actuation gate.
//
// gated wires the keystore, target registry, ledger, consensus coordinator
// and command gate together and serves them over HTTP. The server starts
// before the master key is available so that, in recover mode, administrators
// can submit their Shamir shares through the signed admin API; the command
// API answers 503 until the gate is operational.
//
// The master key comes from one of:
//
//   - auto: the newest snapshot if one exists, otherwise a fresh key
//   - generate: a fresh key
//   - snapshot: the newest snapshot, failing if there is none
//   - recover: admin shares submitted to /admin/recovery
//
// With --storage set, the sealed master key, target table and ledger chain
// are snapshotted periodically, on shutdown and on admin request.
//
// Example:
//
//	gated --listen-addr=0.0.0.0:8080 \
//	    --voters-file=./voters.json \
//	    --swarms-file=./swarms.json \
//	    --admin-keys-file=./admins.json \
//	    --validators-srv=_validators._tcp.gate.example.com \
//	    --storage=file:///var/lib/gated --storage=s3://gate-snapshots/prod?region=eu-west-1 \
//	    --snapshot-passphrase-file=/run/secrets/snapshot-passphrase
package main
