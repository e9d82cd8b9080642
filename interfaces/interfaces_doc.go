package interfaces

// Components should depend on these interfaces rather than on the concrete
// packages:
//
//	func New(deps Deps) *Gate {
//	    // deps.Keys interfaces.KeyStore
//	    // deps.Targets interfaces.TargetRegistry
//	    // deps.Ledger interfaces.Ledger
//	    // deps.Consensus interfaces.ConsensusCoordinator
//	}
//
// Capacity errors wrap two categories:
//
//	errors.Is(err, interfaces.ErrCapacityFailure) // true
//	errors.Is(err, interfaces.ErrKeyFailure)      // true for ErrKeyPoolExhausted
