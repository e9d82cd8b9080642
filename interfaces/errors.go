package interfaces

import (
	"errors"
	"fmt"
)

// Failure categories. Every specific error below wraps exactly one category
// (capacity errors additionally wrap the category of the table they guard),
// so callers can branch with errors.Is on either level.
var (
	ErrCryptoFailure        = errors.New("crypto failure")
	ErrKeyFailure           = errors.New("key failure")
	ErrAuthorizationFailure = errors.New("authorization failure")
	ErrLedgerFailure        = errors.New("ledger failure")
	ErrConsensusFailure     = errors.New("consensus failure")
	ErrCapacityFailure      = errors.New("capacity failure")
)

var (
	ErrAuthenticationFailure = fmt.Errorf("%w: authentication failed", ErrCryptoFailure)
	ErrInsufficientEntropy   = fmt.Errorf("%w: insufficient entropy", ErrCryptoFailure)
	ErrUnsupportedAlgorithm  = fmt.Errorf("%w: unsupported algorithm", ErrCryptoFailure)
	ErrReplayedCommand       = fmt.Errorf("%w: replayed command", ErrCryptoFailure)

	ErrKeyNotFound      = fmt.Errorf("%w: not found", ErrKeyFailure)
	ErrKeyExpired       = fmt.Errorf("%w: expired", ErrKeyFailure)
	ErrKeyRevoked       = fmt.Errorf("%w: revoked", ErrKeyFailure)
	ErrKeyPoolExhausted = fmt.Errorf("%w: %w: ephemeral key pool exhausted", ErrCapacityFailure, ErrKeyFailure)

	ErrTargetUnauthorized = fmt.Errorf("%w: target not authorized", ErrAuthorizationFailure)
	ErrOverlapping        = fmt.Errorf("%w: overlapping safety sphere", ErrAuthorizationFailure)
	ErrSignatureInvalid   = fmt.Errorf("%w: signature invalid", ErrAuthorizationFailure)
	ErrOutOfBounds        = fmt.Errorf("%w: target out of bounds", ErrAuthorizationFailure)
	ErrLockdown           = fmt.Errorf("%w: gate is in lockdown", ErrAuthorizationFailure)
	ErrTargetTableFull    = fmt.Errorf("%w: %w: target table full", ErrCapacityFailure, ErrAuthorizationFailure)

	ErrChainBroken         = fmt.Errorf("%w: chain broken", ErrLedgerFailure)
	ErrSequenceError       = fmt.Errorf("%w: sequence error", ErrLedgerFailure)
	ErrTransactionNotFound = fmt.Errorf("%w: transaction not found", ErrLedgerFailure)
	ErrUnknownValidator    = fmt.Errorf("%w: unknown validator", ErrLedgerFailure)
	ErrAlreadyEndorsed     = fmt.Errorf("%w: transaction already endorsed", ErrLedgerFailure)
	ErrHashMismatch        = fmt.Errorf("%w: transaction hash mismatch", ErrLedgerFailure)
	ErrPendingTableFull    = fmt.Errorf("%w: %w: pending transaction table full", ErrCapacityFailure, ErrLedgerFailure)

	ErrDuplicateVoter     = fmt.Errorf("%w: duplicate voter", ErrConsensusFailure)
	ErrStaleDecision      = fmt.Errorf("%w: stale decision", ErrConsensusFailure)
	ErrQuorumNotReached   = fmt.Errorf("%w: quorum not reached", ErrConsensusFailure)
	ErrDecisionNotFound   = fmt.Errorf("%w: decision not found", ErrConsensusFailure)
	ErrDecisionExists     = fmt.Errorf("%w: decision already open", ErrConsensusFailure)
	ErrVoterUnauthorized  = fmt.Errorf("%w: voter not authorized", ErrConsensusFailure)
	ErrDecisionTableFull  = fmt.Errorf("%w: %w: decision table full", ErrCapacityFailure, ErrConsensusFailure)
	ErrCommandTableFull   = fmt.Errorf("%w: parked command table full", ErrCapacityFailure)
	ErrCommandNotFound    = errors.New("command not found")
)

// reasonCodes is checked in order, most specific first.
var reasonCodes = []struct {
	err  error
	code string
}{
	{ErrAuthenticationFailure, "authentication_failure"},
	{ErrInsufficientEntropy, "insufficient_entropy"},
	{ErrUnsupportedAlgorithm, "unsupported_algorithm"},
	{ErrReplayedCommand, "replayed_command"},
	{ErrKeyPoolExhausted, "key_pool_exhausted"},
	{ErrKeyNotFound, "key_not_found"},
	{ErrKeyExpired, "key_expired"},
	{ErrKeyRevoked, "key_revoked"},
	{ErrTargetTableFull, "target_table_full"},
	{ErrTargetUnauthorized, "target_unauthorized"},
	{ErrOverlapping, "overlapping"},
	{ErrSignatureInvalid, "signature_invalid"},
	{ErrOutOfBounds, "out_of_bounds"},
	{ErrLockdown, "lockdown"},
	{ErrPendingTableFull, "pending_table_full"},
	{ErrChainBroken, "chain_broken"},
	{ErrSequenceError, "sequence_error"},
	{ErrTransactionNotFound, "transaction_not_found"},
	{ErrUnknownValidator, "unknown_validator"},
	{ErrAlreadyEndorsed, "already_endorsed"},
	{ErrHashMismatch, "hash_mismatch"},
	{ErrDecisionTableFull, "decision_table_full"},
	{ErrDuplicateVoter, "duplicate_voter"},
	{ErrStaleDecision, "stale_decision"},
	{ErrQuorumNotReached, "quorum_not_reached"},
	{ErrDecisionNotFound, "decision_not_found"},
	{ErrDecisionExists, "decision_exists"},
	{ErrVoterUnauthorized, "voter_unauthorized"},
	{ErrCommandTableFull, "command_table_full"},
	{ErrCommandNotFound, "command_not_found"},
	{ErrCryptoFailure, "crypto_failure"},
	{ErrKeyFailure, "key_failure"},
	{ErrAuthorizationFailure, "authorization_failure"},
	{ErrLedgerFailure, "ledger_failure"},
	{ErrConsensusFailure, "consensus_failure"},
	{ErrCapacityFailure, "capacity_failure"},
}

// ReasonCode maps an error to the machine-readable reason code reported in
// verdicts and audit records. Unknown errors map to "internal".
func ReasonCode(err error) string {
	if err == nil {
		return ""
	}
	for _, rc := range reasonCodes {
		if errors.Is(err, rc.err) {
			return rc.code
		}
	}
	return "internal"
}
