// Package ledger implements the append-only transaction chain that records
// every gated command.
//
// Each transaction is bound to its predecessor by hash. Transaction hashes
// are Keccak-256 over the ABI encoding of the immutable fields; validator
// confirmations and the consensus signature annotate a block without
// changing its hash. A transaction is confirmed once a threshold of distinct
// validators has confirmed it.
//
// Unconfirmed transactions older than Config.TransactionTimeout no longer
// count against the pending table but remain on the chain, unconfirmed.
package ledger
