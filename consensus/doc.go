// Package consensus implements multi-party voting on decision hashes.
//
// Each decision moves from OPEN to exactly one of APPROVED, REJECTED or
// TIMED_OUT:
//
//   - a rejecting vote carrying an ethical veto rejects immediately,
//     whatever the approval ratio
//   - once every voter has voted, the decision is approved when the approval
//     ratio reaches Config.ApprovalThreshold and the vote count reaches the
//     class requirement, and rejected otherwise
//   - when Config.Timeout elapses with fewer than Config.MinimumQuorum votes
//     it times out; with a quorum but fewer votes than its class requires it
//     is rejected; otherwise the ratio decides
//
// TIMED_OUT must be treated as a rejection by callers. Resolved outcomes are
// signed with the keystore master key so they can be endorsed onto the
// ledger.
package consensus
