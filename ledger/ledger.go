package ledger

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/metrics"
)

// GenesisID is the id of block 0.
const GenesisID = "genesis"

// Config contains the parameters of a Ledger.
type Config struct {
	// ConfirmationThreshold is the number of distinct validators needed to
	// confirm a transaction.
	ConfirmationThreshold int
	// Validators is the closed set of node ids allowed to confirm. Empty
	// accepts confirmations from any node id.
	Validators []string
	// MaxPending caps unconfirmed, non-stale transactions.
	MaxPending int
	// TransactionTimeout is the age after which an unconfirmed transaction
	// stops occupying the pending table.
	TransactionTimeout time.Duration

	Clock   clock.Clock
	Log     *slog.Logger
	Metrics *metrics.Metrics
}

// DefaultConfig returns the stock ledger parameters.
func DefaultConfig() Config {
	return Config{
		ConfirmationThreshold: 3,
		MaxPending:            50,
		TransactionTimeout:    30 * time.Second,
	}
}

// Validate checks the configuration for values that cannot work.
func (c Config) Validate() error {
	if c.ConfirmationThreshold <= 0 {
		return errors.New("confirmation threshold must be positive")
	}
	if len(c.Validators) > 0 && c.ConfirmationThreshold > len(c.Validators) {
		return fmt.Errorf("confirmation threshold %d exceeds validator count %d", c.ConfirmationThreshold, len(c.Validators))
	}
	if c.MaxPending <= 0 {
		return errors.New("max pending must be positive")
	}
	if c.TransactionTimeout <= 0 {
		return errors.New("transaction timeout must be positive")
	}
	return nil
}

// Entry is one command to be recorded by AppendBatch.
type Entry struct {
	CommandHash     interfaces.Hash
	SenderSignature []byte
	Bypass          bool
}

// Ledger is an append-only chain of transactions with set-based validator
// confirmation. Appending is the only chain mutation; confirmation and
// endorsement only annotate existing blocks.
type Ledger struct {
	cfg     Config
	clock   clock.Clock
	log     *slog.Logger
	metrics *metrics.Metrics

	validators map[string]struct{}

	mu    sync.RWMutex
	chain []interfaces.Transaction
	byID  map[string]int
}

// New creates a ledger holding only the genesis block.
func New(cfg Config) (*Ledger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ledger config: %w", err)
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}

	l := &Ledger{
		cfg:     cfg,
		clock:   cfg.Clock,
		log:     cfg.Log,
		metrics: cfg.Metrics,
	}
	if len(cfg.Validators) > 0 {
		l.validators = make(map[string]struct{}, len(cfg.Validators))
		for _, v := range cfg.Validators {
			l.validators[v] = struct{}{}
		}
	}

	genesis, err := Genesis()
	if err != nil {
		return nil, err
	}
	l.chain = []interfaces.Transaction{genesis}
	l.byID = map[string]int{GenesisID: 0}
	return l, nil
}

// Genesis returns block 0. It is identical on every node.
func Genesis() (interfaces.Transaction, error) {
	genesis := interfaces.Transaction{
		ID:        GenesisID,
		Timestamp: time.Unix(0, 0).UTC(),
		Confirmed: true,
	}
	hash, err := TransactionHash(genesis)
	if err != nil {
		return interfaces.Transaction{}, err
	}
	genesis.Hash = hash
	return genesis, nil
}

// Prepare builds a transaction chained onto the current tail. It does not
// append; a concurrent append makes the result fail with ErrChainBroken.
func (l *Ledger) Prepare(commandHash interfaces.Hash, senderSig []byte, bypass bool) (interfaces.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.prepareLocked(l.tailLocked(), commandHash, senderSig, bypass, MerkleRoot([]interfaces.Hash{commandHash}))
}

func (l *Ledger) prepareLocked(tail interfaces.Transaction, commandHash interfaces.Hash, senderSig []byte, bypass bool, root interfaces.Hash) (interfaces.Transaction, error) {
	tx := interfaces.Transaction{
		ID:              uuid.NewString(),
		CommandHash:     commandHash,
		SenderSignature: append([]byte(nil), senderSig...),
		Timestamp:       l.clock.Now(),
		BlockNumber:     tail.BlockNumber + 1,
		PreviousHash:    tail.Hash,
		MerkleRoot:      root,
		Bypass:          bypass,
	}
	hash, err := TransactionHash(tx)
	if err != nil {
		return interfaces.Transaction{}, fmt.Errorf("%w: %v", interfaces.ErrLedgerFailure, err)
	}
	tx.Hash = hash
	return tx, nil
}

// Append adds a prepared transaction to the chain.
func (l *Ledger) Append(tx interfaces.Transaction) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkPendingCapacityLocked(1); err != nil {
		return err
	}
	if err := l.appendLocked(tx); err != nil {
		return err
	}
	l.observeLocked()
	return nil
}

// Commit prepares and appends a transaction in one step.
func (l *Ledger) Commit(commandHash interfaces.Hash, senderSig []byte, bypass bool) (interfaces.Transaction, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkPendingCapacityLocked(1); err != nil {
		return interfaces.Transaction{}, err
	}
	tx, err := l.prepareLocked(l.tailLocked(), commandHash, senderSig, bypass, MerkleRoot([]interfaces.Hash{commandHash}))
	if err != nil {
		return interfaces.Transaction{}, err
	}
	if err := l.appendLocked(tx); err != nil {
		return interfaces.Transaction{}, err
	}
	l.observeLocked()
	return cloneTx(tx), nil
}

// AppendBatch appends one transaction per entry, all stamped with the
// Merkle root of the batch's command hashes. Either every entry is appended
// or none is.
func (l *Ledger) AppendBatch(entries []Entry) ([]interfaces.Transaction, error) {
	if len(entries) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkPendingCapacityLocked(len(entries)); err != nil {
		return nil, err
	}

	leaves := make([]interfaces.Hash, len(entries))
	for i, e := range entries {
		leaves[i] = e.CommandHash
	}
	root := MerkleRoot(leaves)

	batch := make([]interfaces.Transaction, 0, len(entries))
	tail := l.tailLocked()
	for _, e := range entries {
		tx, err := l.prepareLocked(tail, e.CommandHash, e.SenderSignature, e.Bypass, root)
		if err != nil {
			return nil, err
		}
		batch = append(batch, tx)
		tail = tx
	}

	for _, tx := range batch {
		// Cannot fail: the batch was chained onto the tail under the same lock.
		if err := l.appendLocked(tx); err != nil {
			l.log.Error("batch append failed midway", "err", err, "txID", tx.ID)
			return nil, err
		}
	}
	l.observeLocked()

	out := make([]interfaces.Transaction, len(batch))
	for i := range batch {
		out[i] = cloneTx(batch[i])
	}
	return out, nil
}

func (l *Ledger) appendLocked(tx interfaces.Transaction) error {
	tail := l.tailLocked()
	if tx.BlockNumber != tail.BlockNumber+1 {
		return fmt.Errorf("%w: block %d after tail %d", interfaces.ErrSequenceError, tx.BlockNumber, tail.BlockNumber)
	}
	if tx.PreviousHash != tail.Hash {
		return fmt.Errorf("%w: previous hash %s does not match tail %s", interfaces.ErrChainBroken, tx.PreviousHash, tail.Hash)
	}
	if tx.Timestamp.Before(tail.Timestamp) {
		return fmt.Errorf("%w: timestamp precedes tail", interfaces.ErrSequenceError)
	}
	if _, exists := l.byID[tx.ID]; exists || tx.ID == "" {
		return fmt.Errorf("%w: duplicate or empty transaction id %q", interfaces.ErrSequenceError, tx.ID)
	}
	hash, err := TransactionHash(tx)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrLedgerFailure, err)
	}
	if hash != tx.Hash {
		return interfaces.ErrHashMismatch
	}

	tx = cloneTx(tx)
	tx.ConsensusSignature = nil
	tx.ValidatingNodes = nil
	tx.Confirmed = false

	l.byID[tx.ID] = len(l.chain)
	l.chain = append(l.chain, tx)
	l.log.Debug("transaction appended", "txID", tx.ID, "block", tx.BlockNumber, "bypass", tx.Bypass)
	return nil
}

// checkPendingCapacityLocked fails when adding n transactions would exceed
// MaxPending. Stale transactions do not count.
func (l *Ledger) checkPendingCapacityLocked(n int) error {
	if l.pendingCountLocked()+n > l.cfg.MaxPending {
		return interfaces.ErrPendingTableFull
	}
	return nil
}

func (l *Ledger) pendingCountLocked() int {
	count := 0
	l.forEachPendingLocked(func(interfaces.Transaction) { count++ })
	return count
}

func (l *Ledger) forEachPendingLocked(fn func(interfaces.Transaction)) {
	cutoff := l.clock.Now().Add(-l.cfg.TransactionTimeout)
	// Timestamps never decrease along the chain, so everything before the
	// first stale block is stale too.
	for i := len(l.chain) - 1; i > 0; i-- {
		tx := l.chain[i]
		if tx.Timestamp.Before(cutoff) {
			break
		}
		if !tx.Confirmed {
			fn(tx)
		}
	}
}

// Confirm records a validator confirmation. Confirmations are a set:
// repeating one is a no-op. The transaction becomes confirmed once the set
// reaches ConfirmationThreshold.
func (l *Ledger) Confirm(txID string, nodeID string) (interfaces.Transaction, error) {
	if l.validators != nil {
		if _, known := l.validators[nodeID]; !known {
			return interfaces.Transaction{}, fmt.Errorf("%w: %s", interfaces.ErrUnknownValidator, nodeID)
		}
	}
	if nodeID == "" {
		return interfaces.Transaction{}, fmt.Errorf("%w: empty node id", interfaces.ErrUnknownValidator)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	i, found := l.byID[txID]
	if !found {
		return interfaces.Transaction{}, fmt.Errorf("%w: %s", interfaces.ErrTransactionNotFound, txID)
	}

	tx := &l.chain[i]
	if !slices.Contains(tx.ValidatingNodes, nodeID) {
		tx.ValidatingNodes = append(tx.ValidatingNodes, nodeID)
	}
	if !tx.Confirmed && len(tx.ValidatingNodes) >= l.cfg.ConfirmationThreshold {
		tx.Confirmed = true
		l.log.Info("transaction confirmed", "txID", tx.ID, "block", tx.BlockNumber, "validators", len(tx.ValidatingNodes))
		l.observeLocked()
	}
	return cloneTx(*tx), nil
}

// Endorse attaches the consensus signature to a transaction. It can be set
// only once.
func (l *Ledger) Endorse(txID string, consensusSig []byte) (interfaces.Transaction, error) {
	if len(consensusSig) == 0 {
		return interfaces.Transaction{}, fmt.Errorf("%w: empty consensus signature", interfaces.ErrLedgerFailure)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	i, found := l.byID[txID]
	if !found {
		return interfaces.Transaction{}, fmt.Errorf("%w: %s", interfaces.ErrTransactionNotFound, txID)
	}
	tx := &l.chain[i]
	if len(tx.ConsensusSignature) > 0 {
		return interfaces.Transaction{}, interfaces.ErrAlreadyEndorsed
	}
	tx.ConsensusSignature = append([]byte(nil), consensusSig...)
	return cloneTx(*tx), nil
}

// Status returns a copy of a transaction.
func (l *Ledger) Status(txID string) (interfaces.Transaction, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	i, found := l.byID[txID]
	if !found {
		return interfaces.Transaction{}, fmt.Errorf("%w: %s", interfaces.ErrTransactionNotFound, txID)
	}
	return cloneTx(l.chain[i]), nil
}

// Pending returns unconfirmed, non-stale transactions, oldest first.
func (l *Ledger) Pending() []interfaces.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []interfaces.Transaction
	l.forEachPendingLocked(func(tx interfaces.Transaction) {
		out = append(out, cloneTx(tx))
	})
	slices.Reverse(out)
	return out
}

// Transactions returns the chain from block from (inclusive), at most limit
// entries. A non-positive limit returns everything.
func (l *Ledger) Transactions(from uint64, limit int) []interfaces.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if from >= uint64(len(l.chain)) {
		return nil
	}
	end := len(l.chain)
	if limit > 0 && int(from)+limit < end {
		end = int(from) + limit
	}
	out := make([]interfaces.Transaction, 0, end-int(from))
	for _, tx := range l.chain[from:end] {
		out = append(out, cloneTx(tx))
	}
	return out
}

// Tail returns the last block.
func (l *Ledger) Tail() interfaces.Transaction {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return cloneTx(l.tailLocked())
}

// TailHash returns the hash of the last block.
func (l *Ledger) TailHash() interfaces.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tailLocked().Hash
}

// Len returns the number of blocks including genesis.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.chain)
}

func (l *Ledger) tailLocked() interfaces.Transaction {
	return l.chain[len(l.chain)-1]
}

// Verify checks the integrity of the whole chain.
func (l *Ledger) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return verifyChain(l.chain, l.cfg.ConfirmationThreshold)
}

func verifyChain(chain []interfaces.Transaction, threshold int) error {
	genesis, err := Genesis()
	if err != nil {
		return err
	}
	if len(chain) == 0 || chain[0].Hash != genesis.Hash {
		return fmt.Errorf("%w: genesis mismatch", interfaces.ErrChainBroken)
	}

	for i := 1; i < len(chain); i++ {
		tx, prev := chain[i], chain[i-1]
		if tx.BlockNumber != prev.BlockNumber+1 {
			return fmt.Errorf("%w: block %d follows %d", interfaces.ErrSequenceError, tx.BlockNumber, prev.BlockNumber)
		}
		if tx.PreviousHash != prev.Hash {
			return fmt.Errorf("%w: at block %d", interfaces.ErrChainBroken, tx.BlockNumber)
		}
		hash, err := TransactionHash(tx)
		if err != nil {
			return fmt.Errorf("%w: %v", interfaces.ErrLedgerFailure, err)
		}
		if hash != tx.Hash {
			return fmt.Errorf("%w: at block %d", interfaces.ErrHashMismatch, tx.BlockNumber)
		}
		if tx.Confirmed && len(tx.ValidatingNodes) < threshold {
			return fmt.Errorf("%w: block %d confirmed by %d validators", interfaces.ErrLedgerFailure, tx.BlockNumber, len(tx.ValidatingNodes))
		}
	}
	return nil
}

// Export returns the whole chain for persistence.
func (l *Ledger) Export() []interfaces.Transaction {
	return l.Transactions(0, 0)
}

// Import replaces the chain with a previously exported one after verifying
// it.
func (l *Ledger) Import(chain []interfaces.Transaction) error {
	if err := verifyChain(chain, l.cfg.ConfirmationThreshold); err != nil {
		return err
	}

	byID := make(map[string]int, len(chain))
	copied := make([]interfaces.Transaction, len(chain))
	for i, tx := range chain {
		if _, dup := byID[tx.ID]; dup {
			return fmt.Errorf("%w: duplicate transaction id %q", interfaces.ErrSequenceError, tx.ID)
		}
		byID[tx.ID] = i
		copied[i] = cloneTx(tx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.chain = copied
	l.byID = byID
	l.observeLocked()
	l.log.Info("ledger imported", "blocks", len(copied))
	return nil
}

func (l *Ledger) observeLocked() {
	l.metrics.SetLedger(l.tailLocked().BlockNumber, l.pendingCountLocked())
}

func cloneTx(tx interfaces.Transaction) interfaces.Transaction {
	tx.SenderSignature = append([]byte(nil), tx.SenderSignature...)
	tx.ConsensusSignature = append([]byte(nil), tx.ConsensusSignature...)
	tx.ValidatingNodes = append([]string(nil), tx.ValidatingNodes...)
	return tx
}

var _ interfaces.Ledger = (*Ledger)(nil)
