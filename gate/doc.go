// Package gate is the single entry point for commands bound for the
// actuation network.
//
// Submit takes a scored proposal through admission, ledger recording,
// consensus, sealing and dispatch:
//
//  1. lockdown and confidence checks, then a fresh authorization and safety
//     check of the target
//  2. the command hash is committed to the ledger when the proposal asks for
//     blockchain validation
//  3. dangerous, ethics-sensitive or low-scoring proposals wait for a
//     consensus decision; anything but APPROVED is a rejection
//  4. the payload is encrypted with the swarm's current ephemeral key and
//     the envelope is signed with the master key
//  5. the target is checked again, the envelope is dispatched and the ledger
//     transaction is confirmed by this node
//
// When a decision is still open after Config.ConsensusWait the command is
// parked and Submit returns Pending; Resume continues it.
//
// Emergency proposals skip steps 2 and 3. They are always audited with a
// bypass marker and open a dangerous-class decision after the fact; if that
// decision does not approve, the gate locks down and rejects every command
// until an operator releases it.
//
// Receive is the executor side: it verifies the master signature through
// the keystore, decrypts with the swarm key and rejects replays.
package gate
