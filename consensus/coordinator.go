package consensus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ruteri/actuation-gate/audit"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/metrics"
)

// Resolution reasons carried in ConsensusResult.Reason.
const (
	ReasonApproved          = "approved"
	ReasonEthicalVeto       = "ethical_veto"
	ReasonApprovalRatio     = "approval_ratio"
	ReasonQuorumNotReached  = "quorum_not_reached"
	ReasonInsufficientVotes = "insufficient_votes"
	ReasonAborted           = "aborted"
	ReasonShutdown          = "shutdown"
	ReasonSigningFailed     = "result_signing_failed"
)

var errClosed = fmt.Errorf("%w: coordinator closed", interfaces.ErrConsensusFailure)

type decision struct {
	hash     interfaces.Hash
	class    interfaces.OperationClass
	required int
	openedAt time.Time

	votes      []interfaces.Vote
	voted      map[string]struct{}
	approvals  int
	rejections int
	vetoed     bool

	timer  *clock.Timer
	done   chan struct{}
	result interfaces.ConsensusResult
}

func (d *decision) tally() interfaces.ConsensusResult {
	return interfaces.ConsensusResult{
		DecisionHash: d.hash,
		Class:        d.class,
		State:        interfaces.DecisionOpen,
		Approvals:    d.approvals,
		Rejections:   d.rejections,
		Vetoed:       d.vetoed,
		OpenedAt:     d.openedAt,
	}
}

// Coordinator runs one vote per decision hash. Decisions are independent:
// waiting on one never blocks another. Votes are discarded once a decision
// resolves; only the signed outcome is retained.
type Coordinator struct {
	cfg     Config
	keys    interfaces.KeyStore
	engine  *cryptoutils.Engine
	clock   clock.Clock
	log     *slog.Logger
	audit   audit.Sink
	metrics *metrics.Metrics

	mu          sync.Mutex
	open        map[interfaces.Hash]*decision
	resolved    *lru.Cache
	subscribers []func(interfaces.ConsensusResult)
	closed      bool
}

// New creates a coordinator. keys signs resolved outcomes with the master
// key.
func New(cfg Config, keys interfaces.KeyStore) (*Coordinator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consensus config: %w", err)
	}
	if keys == nil {
		return nil, errors.New("consensus coordinator needs a keystore")
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Discard
	}

	resolved, err := lru.New(cfg.ResolvedCacheSize)
	if err != nil {
		return nil, err
	}

	return &Coordinator{
		cfg:      cfg,
		keys:     keys,
		engine:   cryptoutils.NewEngine(nil),
		clock:    cfg.Clock,
		log:      cfg.Log,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		open:     make(map[interfaces.Hash]*decision),
		resolved: resolved,
	}, nil
}

// RequestConsensus opens a decision. It resolves on its own once every voter
// has voted or Config.Timeout elapses.
func (c *Coordinator) RequestConsensus(decisionHash interfaces.Hash, class interfaces.OperationClass) error {
	if decisionHash.IsZero() {
		return fmt.Errorf("%w: empty decision hash", interfaces.ErrConsensusFailure)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errClosed
	}
	if _, open := c.open[decisionHash]; open || c.resolved.Contains(decisionHash) {
		c.mu.Unlock()
		return interfaces.ErrDecisionExists
	}
	if len(c.open) >= c.cfg.MaxOpenDecisions {
		c.mu.Unlock()
		return interfaces.ErrDecisionTableFull
	}

	d := &decision{
		hash:     decisionHash,
		class:    class,
		required: c.cfg.Required(class),
		openedAt: c.clock.Now(),
		voted:    make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	d.timer = c.clock.AfterFunc(c.cfg.Timeout, func() { c.expire(d) })
	c.open[decisionHash] = d
	c.mu.Unlock()

	c.log.Debug("consensus requested", "decision", decisionHash, "class", class, "required", d.required)
	c.audit.Emit(audit.Record{
		Event:        audit.EventConsensusRequested,
		Actor:        "coordinator",
		Timestamp:    d.openedAt,
		DecisionHash: decisionHash,
		Outcome:      interfaces.DecisionOpen.String(),
	}.With(slog.String("class", class.String()), slog.Int("required", d.required)))
	return nil
}

// SubmitVote records a signed vote and returns the decision state after it.
// Votes for resolved decisions fail with ErrStaleDecision but are audited.
func (c *Coordinator) SubmitVote(vote interfaces.Vote) (interfaces.DecisionState, error) {
	if err := c.checkVote(vote); err != nil {
		c.auditVote(vote, audit.EventVoteRejected, interfaces.ReasonCode(err))
		return interfaces.DecisionOpen, err
	}

	c.mu.Lock()
	d, open := c.open[vote.DecisionHash]
	if !open {
		result, resolved := c.resolvedLocked(vote.DecisionHash)
		c.mu.Unlock()
		if resolved {
			c.auditVote(vote, audit.EventLateVote, result.State.String())
			return result.State, interfaces.ErrStaleDecision
		}
		c.auditVote(vote, audit.EventVoteRejected, interfaces.ReasonCode(interfaces.ErrDecisionNotFound))
		return interfaces.DecisionOpen, interfaces.ErrDecisionNotFound
	}
	if _, dup := d.voted[vote.VoterID]; dup {
		c.mu.Unlock()
		c.auditVote(vote, audit.EventVoteRejected, interfaces.ReasonCode(interfaces.ErrDuplicateVoter))
		return interfaces.DecisionOpen, interfaces.ErrDuplicateVoter
	}

	vote.Signature = append([]byte(nil), vote.Signature...)
	d.votes = append(d.votes, vote)
	d.voted[vote.VoterID] = struct{}{}
	if vote.Approve {
		d.approvals++
	} else {
		d.rejections++
		if vote.EthicalVeto {
			d.vetoed = true
		}
	}

	result, resolved := c.evaluateLocked(d, false)
	c.mu.Unlock()

	c.auditVote(vote, audit.EventVoteAccepted, "accepted")
	if resolved {
		c.publish(result)
		return result.State, nil
	}
	return interfaces.DecisionOpen, nil
}

func (c *Coordinator) checkVote(vote interfaces.Vote) error {
	pub, known := c.cfg.Voters[vote.VoterID]
	if !known {
		return fmt.Errorf("%w: unknown voter %q", interfaces.ErrVoterUnauthorized, vote.VoterID)
	}
	digest, err := VoteDigest(vote)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrConsensusFailure, err)
	}
	if !c.engine.Verify(digest, vote.Signature, pub) {
		return fmt.Errorf("%w: bad signature from %q", interfaces.ErrVoterUnauthorized, vote.VoterID)
	}
	if math.IsNaN(vote.Confidence) || vote.Confidence < 0 || vote.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v outside [0, 1]", interfaces.ErrConsensusFailure, vote.Confidence)
	}
	return nil
}

// evaluateLocked applies the resolution rule. A veto with a rejection wins
// over any ratio. Without expiry the ratio is only evaluated once every voter
// has voted.
func (c *Coordinator) evaluateLocked(d *decision, expired bool) (interfaces.ConsensusResult, bool) {
	total := d.approvals + d.rejections
	switch {
	case d.vetoed:
		return c.resolveLocked(d, interfaces.DecisionRejected, ReasonEthicalVeto), true
	case expired && total < c.cfg.MinimumQuorum:
		return c.resolveLocked(d, interfaces.DecisionTimedOut, ReasonQuorumNotReached), true
	case expired && total < d.required:
		return c.resolveLocked(d, interfaces.DecisionRejected, ReasonInsufficientVotes), true
	case expired || total == len(c.cfg.Voters):
		ratio := float64(d.approvals) / float64(total)
		if ratio >= c.cfg.ApprovalThreshold && total >= d.required {
			return c.resolveLocked(d, interfaces.DecisionApproved, ReasonApproved), true
		}
		return c.resolveLocked(d, interfaces.DecisionRejected, ReasonApprovalRatio), true
	}
	return interfaces.ConsensusResult{}, false
}

func (c *Coordinator) resolveLocked(d *decision, state interfaces.DecisionState, reason string) interfaces.ConsensusResult {
	d.timer.Stop()

	result := d.tally()
	result.State = state
	result.Reason = reason
	result.ResolvedAt = c.clock.Now()

	digest, err := ResultDigest(result)
	if err == nil {
		result.Signature, result.SignerKeyID, err = c.keys.SignWithMaster(digest)
	}
	if err != nil {
		c.log.Error("failed to sign consensus result", "decision", d.hash, "err", err)
		// An approval nobody can verify must not be acted on.
		if state == interfaces.DecisionApproved {
			result.State = interfaces.DecisionRejected
			result.Reason = ReasonSigningFailed
		}
		result.Signature, result.SignerKeyID = nil, ""
	}

	d.result = result
	d.votes = nil
	delete(c.open, d.hash)
	c.resolved.Add(d.hash, result)
	close(d.done)
	return result
}

func (c *Coordinator) expire(d *decision) {
	c.mu.Lock()
	if c.open[d.hash] != d {
		c.mu.Unlock()
		return
	}
	result, _ := c.evaluateLocked(d, true)
	c.mu.Unlock()
	c.publish(result)
}

func (c *Coordinator) publish(result interfaces.ConsensusResult) {
	c.log.Info("consensus resolved",
		"decision", result.DecisionHash,
		"state", result.State,
		"reason", result.Reason,
		"approvals", result.Approvals,
		"rejections", result.Rejections,
	)
	c.metrics.ObserveConsensus(result.State.String(), result.Class.String())
	c.audit.Emit(audit.Record{
		Event:        audit.EventConsensusResolved,
		Actor:        "coordinator",
		Timestamp:    result.ResolvedAt,
		DecisionHash: result.DecisionHash,
		Outcome:      result.State.String(),
	}.With(
		slog.String("reason", result.Reason),
		slog.String("class", result.Class.String()),
		slog.Int("approvals", result.Approvals),
		slog.Int("rejections", result.Rejections),
		slog.Bool("vetoed", result.Vetoed),
	))

	c.mu.Lock()
	subscribers := append([]func(interfaces.ConsensusResult){}, c.subscribers...)
	c.mu.Unlock()
	for _, fn := range subscribers {
		fn(result)
	}
}

func (c *Coordinator) auditVote(vote interfaces.Vote, event, outcome string) {
	c.audit.Emit(audit.Record{
		Event:        event,
		Actor:        vote.VoterID,
		Timestamp:    c.clock.Now(),
		DecisionHash: vote.DecisionHash,
		Outcome:      outcome,
	}.With(
		slog.String("vote_id", vote.ID),
		slog.Bool("approve", vote.Approve),
		slog.Bool("ethical_veto", vote.EthicalVeto),
		slog.Float64("confidence", vote.Confidence),
	))
}

// Abort rejects an open decision.
func (c *Coordinator) Abort(decisionHash interfaces.Hash, reason string) error {
	c.mu.Lock()
	d, open := c.open[decisionHash]
	if !open {
		_, resolved := c.resolvedLocked(decisionHash)
		c.mu.Unlock()
		if resolved {
			return interfaces.ErrStaleDecision
		}
		return interfaces.ErrDecisionNotFound
	}
	if reason != "" {
		reason = ReasonAborted + ": " + reason
	} else {
		reason = ReasonAborted
	}
	result := c.resolveLocked(d, interfaces.DecisionRejected, reason)
	c.mu.Unlock()

	c.publish(result)
	return nil
}

// Wait blocks until the decision resolves or ctx is done.
func (c *Coordinator) Wait(ctx context.Context, decisionHash interfaces.Hash) (interfaces.ConsensusResult, error) {
	c.mu.Lock()
	d, open := c.open[decisionHash]
	if !open {
		result, resolved := c.resolvedLocked(decisionHash)
		c.mu.Unlock()
		if resolved {
			return result, nil
		}
		return interfaces.ConsensusResult{}, interfaces.ErrDecisionNotFound
	}
	done := d.done
	c.mu.Unlock()

	select {
	case <-done:
		return d.result, nil
	case <-ctx.Done():
		return interfaces.ConsensusResult{}, ctx.Err()
	}
}

// Status returns the current tally of an open decision or the outcome of a
// resolved one.
func (c *Coordinator) Status(decisionHash interfaces.Hash) (interfaces.ConsensusResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d, open := c.open[decisionHash]; open {
		return d.tally(), nil
	}
	if result, resolved := c.resolvedLocked(decisionHash); resolved {
		return result, nil
	}
	return interfaces.ConsensusResult{}, interfaces.ErrDecisionNotFound
}

// Votes returns the votes recorded so far on an open decision.
func (c *Coordinator) Votes(decisionHash interfaces.Hash) ([]interfaces.Vote, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d, open := c.open[decisionHash]
	if !open {
		if _, resolved := c.resolvedLocked(decisionHash); resolved {
			return nil, interfaces.ErrStaleDecision
		}
		return nil, interfaces.ErrDecisionNotFound
	}
	out := make([]interfaces.Vote, len(d.votes))
	for i, v := range d.votes {
		v.Signature = append([]byte(nil), v.Signature...)
		out[i] = v
	}
	return out, nil
}

// OpenDecisions returns the number of decisions still collecting votes.
func (c *Coordinator) OpenDecisions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.open)
}

// Subscribe registers fn to be called with every resolved outcome. fn runs on
// the goroutine that resolved the decision and must not block.
func (c *Coordinator) Subscribe(fn func(interfaces.ConsensusResult)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribers = append(c.subscribers, fn)
}

// Close resolves every open decision to TIMED_OUT and refuses new ones.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	results := make([]interfaces.ConsensusResult, 0, len(c.open))
	for _, d := range c.open {
		results = append(results, c.resolveLocked(d, interfaces.DecisionTimedOut, ReasonShutdown))
	}
	c.mu.Unlock()

	for _, r := range results {
		c.publish(r)
	}
}

func (c *Coordinator) resolvedLocked(decisionHash interfaces.Hash) (interfaces.ConsensusResult, bool) {
	v, ok := c.resolved.Get(decisionHash)
	if !ok {
		return interfaces.ConsensusResult{}, false
	}
	return v.(interfaces.ConsensusResult), true
}

var _ interfaces.ConsensusCoordinator = (*Coordinator)(nil)
