package gate

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/ruteri/actuation-gate/audit"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/metrics"
	"go.uber.org/atomic"
)

// Reason codes specific to the gate. Component failures use
// interfaces.ReasonCode.
const (
	ReasonLowConfidence      = "low_confidence"
	ReasonInvalidProposal    = "invalid_proposal"
	ReasonConsensusRejected  = "consensus_rejected"
	ReasonConsensusTimedOut  = "consensus_timed_out"
	ReasonDispatchFailed     = "dispatch_failed"
	ReasonConsensusAwaited   = "consensus_pending"
	ReasonParkedExpired      = "parked_expired"
	ReasonPostHocUnavailable = "post_hoc_consensus_unavailable"
)

// Coordinator is the consensus surface the gate needs. Subscribe delivers
// resolutions of emergency post-hoc decisions.
type Coordinator interface {
	interfaces.ConsensusCoordinator
	Subscribe(fn func(interfaces.ConsensusResult))
}

// Deps are the components a Gate orchestrates.
type Deps struct {
	Keys      interfaces.KeyStore
	Targets   interfaces.TargetRegistry
	Ledger    interfaces.Ledger
	Consensus Coordinator
	Transport interfaces.Transport
}

func (d Deps) validate() error {
	if d.Keys == nil || d.Targets == nil || d.Ledger == nil || d.Consensus == nil || d.Transport == nil {
		return errors.New("gate needs keys, targets, ledger, consensus and transport")
	}
	return nil
}

// Proposal is a scored command proposal from the decision source.
type Proposal struct {
	// CommandID identifies the command; generated when empty.
	CommandID string `json:"command_id,omitempty"`
	// Requester is recorded as the audit actor.
	Requester string `json:"requester,omitempty"`

	TargetID uint32 `json:"target_id"`
	Payload  []byte `json:"payload"`

	Dangerous                    bool `json:"dangerous"`
	EthicsSensitive              bool `json:"ethics_sensitive"`
	Emergency                    bool `json:"emergency"`
	RequiresBlockchainValidation bool `json:"requires_blockchain_validation"`

	Confidence   float64 `json:"confidence"`
	EthicalScore float64 `json:"ethical_score"`
	SafetyScore  float64 `json:"safety_score"`

	// SenderSignature is the proposer's signature, recorded on the ledger.
	SenderSignature []byte `json:"sender_signature,omitempty"`
}

// Outcome is the result class of a submission.
type Outcome int

const (
	Executed Outcome = iota
	Rejected
	Pending
)

func (o Outcome) String() string {
	switch o {
	case Executed:
		return "executed"
	case Rejected:
		return "rejected"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

func (o *Outcome) UnmarshalText(text []byte) error {
	for _, c := range []Outcome{Executed, Rejected, Pending} {
		if c.String() == string(text) {
			*o = c
			return nil
		}
	}
	return fmt.Errorf("unknown outcome %q", text)
}

// Verdict is the answer to Submit and Resume. Every rejection carries a
// reason code and, once computed, the command hash.
type Verdict struct {
	Outcome       Outcome                     `json:"outcome"`
	Reason        string                      `json:"reason,omitempty"`
	CommandID     string                      `json:"command_id"`
	CommandHash   interfaces.Hash             `json:"command_hash"`
	TransactionID string                      `json:"transaction_id,omitempty"`
	Bypass        bool                        `json:"bypass,omitempty"`
	Consensus     *interfaces.ConsensusResult `json:"consensus,omitempty"`
	Err           error                       `json:"-"`
}

type command struct {
	proposal Proposal
	target   interfaces.Target
	hash     interfaces.Hash
	txID     string
	parkedAt time.Time
}

func (c *command) verdict(outcome Outcome, reason string) Verdict {
	return Verdict{
		Outcome:       outcome,
		Reason:        reason,
		CommandID:     c.proposal.CommandID,
		CommandHash:   c.hash,
		TransactionID: c.txID,
		Bypass:        c.proposal.Emergency,
	}
}

// Gate admits, records, votes on, seals and dispatches commands.
type Gate struct {
	cfg     Config
	deps    Deps
	engine  *cryptoutils.Engine
	clock   clock.Clock
	log     *slog.Logger
	audit   audit.Sink
	metrics *metrics.Metrics

	locked     atomic.Bool
	lockReason atomic.String

	parkedMu sync.Mutex
	parked   map[string]*command

	bypassMu sync.Mutex
	bypassed map[interfaces.Hash]string

	seen *lru.Cache
}

// New wires a gate to its components.
func New(cfg Config, deps Deps) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gate config: %w", err)
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.Engine == nil {
		cfg.Engine = cryptoutils.NewEngine(nil)
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

	seen, err := lru.New(cfg.ReplayCacheSize)
	if err != nil {
		return nil, err
	}

	g := &Gate{
		cfg:      cfg,
		deps:     deps,
		engine:   cfg.Engine,
		clock:    cfg.Clock,
		log:      cfg.Log,
		audit:    cfg.Audit,
		metrics:  cfg.Metrics,
		parked:   make(map[string]*command),
		bypassed: make(map[interfaces.Hash]string),
		seen:     seen,
	}
	deps.Consensus.Subscribe(g.onResolved)
	return g, nil
}

// CommandHash is the SHA-256 digest of a proposal bound to its target. It is
// the consensus decision hash and the ledger command hash.
func CommandHash(p Proposal, target interfaces.Target) interfaces.Hash {
	buf := make([]byte, 0, 96+len(p.CommandID)+len(p.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.CommandID)))
	buf = append(buf, p.CommandID...)
	buf = binary.BigEndian.AppendUint32(buf, target.ID)
	buf = binary.BigEndian.AppendUint32(buf, target.SwarmID)
	for _, f := range []float64{target.Position.X, target.Position.Y, target.Position.Z, target.PrecisionRadius} {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
	}
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(p.Payload)))
	buf = append(buf, p.Payload...)
	var flags byte
	for i, set := range []bool{p.Dangerous, p.EthicsSensitive, p.Emergency, p.RequiresBlockchainValidation} {
		if set {
			flags |= 1 << i
		}
	}
	buf = append(buf, flags)
	for _, f := range []float64{p.Confidence, p.EthicalScore, p.SafetyScore} {
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(f))
	}

	return interfaces.Hash(sha256.Sum256(buf))
}

// Submit runs a proposal through the gate. It blocks for at most
// Config.ConsensusWait on a consensus decision, then returns Pending; the
// command can be continued with Resume.
func (g *Gate) Submit(ctx context.Context, p Proposal) Verdict {
	if p.CommandID == "" {
		p.CommandID = uuid.NewString()
	}
	cmd := &command{proposal: p}

	g.audit.Emit(audit.Record{
		Event:     audit.EventCommandSubmitted,
		Actor:     g.actor(p),
		Timestamp: g.clock.Now(),
		Outcome:   "received",
		Bypass:    p.Emergency,
	}.With(
		slog.String("command_id", p.CommandID),
		slog.Uint64("target_id", uint64(p.TargetID)),
		slog.Bool("dangerous", p.Dangerous),
		slog.Float64("confidence", p.Confidence),
	))

	if g.locked.Load() {
		return g.reject(cmd, interfaces.ErrLockdown)
	}
	if len(p.Payload) == 0 || !validScore(p.Confidence) || !validScore(p.EthicalScore) || !validScore(p.SafetyScore) {
		return g.rejectReason(cmd, ReasonInvalidProposal, errors.New("empty payload or score outside [0, 1]"))
	}
	if p.Emergency {
		return g.emergency(ctx, cmd)
	}
	if p.Confidence < g.cfg.ConfidenceThreshold {
		return g.rejectReason(cmd, ReasonLowConfidence, fmt.Errorf("confidence %v below %v", p.Confidence, g.cfg.ConfidenceThreshold))
	}

	target, err := g.admit(p.TargetID)
	if err != nil {
		return g.reject(cmd, err)
	}
	cmd.target = target
	cmd.hash = CommandHash(p, target)

	if p.RequiresBlockchainValidation {
		tx, err := g.deps.Ledger.Commit(cmd.hash, p.SenderSignature, false)
		if err != nil {
			return g.reject(cmd, err)
		}
		cmd.txID = tx.ID
	}

	class, needed := g.consensusClass(p)
	if !needed {
		return g.execute(ctx, cmd, nil)
	}
	if err := g.deps.Consensus.RequestConsensus(cmd.hash, class); err != nil {
		return g.reject(cmd, err)
	}
	return g.await(ctx, cmd)
}

func validScore(v float64) bool {
	return !math.IsNaN(v) && v >= 0 && v <= 1
}

// admit re-reads the target from the registry, re-verifying its signature,
// and re-runs the safety check against the current table.
func (g *Gate) admit(targetID uint32) (interfaces.Target, error) {
	target, err := g.deps.Targets.IsAuthorized(targetID)
	if err != nil {
		return interfaces.Target{}, err
	}
	if !g.deps.Targets.ValidateSafety(target) {
		return interfaces.Target{}, fmt.Errorf("%w: target %d failed safety validation", interfaces.ErrOverlapping, targetID)
	}
	return target, nil
}

func (g *Gate) consensusClass(p Proposal) (interfaces.OperationClass, bool) {
	switch {
	case p.Dangerous || p.SafetyScore < g.cfg.SafetyThreshold:
		return interfaces.ClassDangerous, true
	case p.EthicsSensitive || p.EthicalScore < g.cfg.EthicsThreshold:
		return interfaces.ClassStandard, true
	}
	return interfaces.ClassStandard, false
}

// await blocks on the decision for at most ConsensusWait and parks the
// command when it is still open.
func (g *Gate) await(ctx context.Context, cmd *command) Verdict {
	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ConsensusWait)
	defer cancel()

	result, err := g.deps.Consensus.Wait(waitCtx, cmd.hash)
	if err == nil {
		return g.decide(ctx, cmd, result)
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return g.reject(cmd, err)
	}

	if err := g.park(cmd); err != nil {
		if abortErr := g.deps.Consensus.Abort(cmd.hash, "parked command table full"); abortErr != nil {
			g.log.Warn("failed to abort decision", "decision", cmd.hash, "err", abortErr)
		}
		return g.reject(cmd, err)
	}

	v := cmd.verdict(Pending, ReasonConsensusAwaited)
	g.observe(v, cmd)
	return v
}

func (g *Gate) park(cmd *command) error {
	g.parkedMu.Lock()
	defer g.parkedMu.Unlock()

	if _, exists := g.parked[cmd.proposal.CommandID]; !exists && len(g.parked) >= g.cfg.MaxParkedCommands {
		return interfaces.ErrCommandTableFull
	}
	cmd.parkedAt = g.clock.Now()
	g.parked[cmd.proposal.CommandID] = cmd
	return nil
}

// Resume continues a Pending command. It returns Pending again while the
// decision is still open.
func (g *Gate) Resume(ctx context.Context, commandID string) Verdict {
	g.parkedMu.Lock()
	cmd, found := g.parked[commandID]
	g.parkedMu.Unlock()
	if !found {
		return Verdict{
			Outcome:   Rejected,
			Reason:    interfaces.ReasonCode(interfaces.ErrCommandNotFound),
			CommandID: commandID,
			Err:       interfaces.ErrCommandNotFound,
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, g.cfg.ConsensusWait)
	defer cancel()
	result, err := g.deps.Consensus.Wait(waitCtx, cmd.hash)
	if err != nil && (errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)) {
		return cmd.verdict(Pending, ReasonConsensusAwaited)
	}

	// Only one Resume may act on the outcome.
	g.parkedMu.Lock()
	claimed := g.parked[commandID] == cmd
	if claimed {
		delete(g.parked, commandID)
	}
	g.parkedMu.Unlock()
	if !claimed {
		return Verdict{
			Outcome:   Rejected,
			Reason:    interfaces.ReasonCode(interfaces.ErrCommandNotFound),
			CommandID: commandID,
			Err:       interfaces.ErrCommandNotFound,
		}
	}

	if err != nil {
		return g.reject(cmd, err)
	}
	if g.locked.Load() {
		return g.reject(cmd, interfaces.ErrLockdown)
	}
	return g.decide(ctx, cmd, result)
}

// Parked returns the ids of commands waiting for Resume.
func (g *Gate) Parked() []string {
	g.parkedMu.Lock()
	defer g.parkedMu.Unlock()

	ids := make([]string, 0, len(g.parked))
	for id := range g.parked {
		ids = append(ids, id)
	}
	return ids
}

// decide treats anything but APPROVED as a rejection.
func (g *Gate) decide(ctx context.Context, cmd *command, result interfaces.ConsensusResult) Verdict {
	switch result.State {
	case interfaces.DecisionApproved:
		return g.execute(ctx, cmd, &result)
	case interfaces.DecisionTimedOut:
		v := g.rejectReason(cmd, ReasonConsensusTimedOut, fmt.Errorf("%w: %s", interfaces.ErrQuorumNotReached, result.Reason))
		v.Consensus = &result
		return v
	default:
		v := g.rejectReason(cmd, ReasonConsensusRejected, fmt.Errorf("%w: consensus %s: %s", interfaces.ErrConsensusFailure, result.State, result.Reason))
		v.Consensus = &result
		return v
	}
}

// execute seals the command, endorses its ledger transaction, re-checks the
// target and dispatches. The transaction is confirmed only after a
// successful send.
func (g *Gate) execute(ctx context.Context, cmd *command, result *interfaces.ConsensusResult) Verdict {
	env, err := g.seal(cmd)
	if err != nil {
		return g.reject(cmd, err)
	}

	if result != nil && cmd.txID != "" {
		if _, err := g.deps.Ledger.Endorse(cmd.txID, result.Signature); err != nil {
			v := g.reject(cmd, err)
			v.Consensus = result
			return v
		}
	}

	if _, err := g.admit(cmd.target.ID); err != nil {
		return g.reject(cmd, err)
	}

	raw, err := EncodeEnvelope(env)
	if err != nil {
		return g.reject(cmd, err)
	}
	if err := g.deps.Transport.Send(ctx, cmd.target.SwarmID, cmd.target.ID, raw); err != nil {
		v := g.rejectReason(cmd, ReasonDispatchFailed, err)
		v.Consensus = result
		return v
	}

	if cmd.proposal.Emergency {
		g.recordBypass(cmd)
	}
	if cmd.txID != "" {
		if _, err := g.deps.Ledger.Confirm(cmd.txID, g.cfg.NodeID); err != nil {
			g.log.Error("failed to confirm executed transaction", "txID", cmd.txID, "err", err)
		}
	}

	v := cmd.verdict(Executed, "")
	v.Consensus = result
	g.observe(v, cmd)
	return v
}

// seal encrypts the payload with the swarm's current ephemeral key, minting
// one when none is valid, and signs the envelope with the master key.
func (g *Gate) seal(cmd *command) (interfaces.EncryptedCommand, error) {
	swarm := cmd.target.SwarmID
	key, err := g.deps.Keys.CurrentKey(swarm)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		key, err = g.deps.Keys.GenerateEphemeralKey(swarm)
	}
	if err != nil {
		return interfaces.EncryptedCommand{}, err
	}
	defer cryptoutils.Wipe(key.Material)

	master, err := g.deps.Keys.Master()
	if err != nil {
		return interfaces.EncryptedCommand{}, err
	}
	cryptoutils.Wipe(master.Material)

	env := interfaces.EncryptedCommand{
		CommandID:                    cmd.proposal.CommandID,
		Target:                       cmd.target,
		PayloadSize:                  len(cmd.proposal.Payload),
		Algorithm:                    g.cfg.Algorithm,
		Timestamp:                    g.clock.Now(),
		RequiresBlockchainValidation: cmd.proposal.RequiresBlockchainValidation,
		KeyID:                        key.ID,
		SignerKeyID:                  master.ID,
		TransactionID:                cmd.txID,
		Bypass:                       cmd.proposal.Emergency,
	}

	aad, err := EnvelopeHeader(env)
	if err != nil {
		return interfaces.EncryptedCommand{}, err
	}
	env.Ciphertext, env.Nonce, env.Tag, err = g.engine.Encrypt(g.cfg.Algorithm, cmd.proposal.Payload, key.Material, aad)
	if err != nil {
		return interfaces.EncryptedCommand{}, err
	}

	digest, err := EnvelopeDigest(env)
	if err != nil {
		return interfaces.EncryptedCommand{}, err
	}
	sig, signerID, err := g.deps.Keys.SignWithMaster(digest)
	if err != nil {
		return interfaces.EncryptedCommand{}, err
	}
	if signerID != env.SignerKeyID {
		return interfaces.EncryptedCommand{}, fmt.Errorf("%w: master key rotated while sealing", interfaces.ErrKeyFailure)
	}
	env.Signature = sig
	return env, nil
}

// emergency runs the bypass path: the ledger and consensus steps are
// skipped, a post-hoc dangerous-class decision is opened before dispatch and
// any non-approving outcome, timeouts included, locks the gate down. The
// review is withdrawn when the command is not dispatched.
func (g *Gate) emergency(ctx context.Context, cmd *command) Verdict {
	p := cmd.proposal
	if p.Confidence < g.cfg.EmergencyBypassThreshold {
		return g.rejectReason(cmd, ReasonLowConfidence, fmt.Errorf("emergency confidence %v below %v", p.Confidence, g.cfg.EmergencyBypassThreshold))
	}

	target, err := g.admit(p.TargetID)
	if err != nil {
		return g.reject(cmd, err)
	}
	cmd.target = target
	cmd.hash = CommandHash(p, target)

	g.bypassMu.Lock()
	g.bypassed[cmd.hash] = p.CommandID
	g.bypassMu.Unlock()
	if err := g.deps.Consensus.RequestConsensus(cmd.hash, interfaces.ClassDangerous); err != nil {
		g.bypassMu.Lock()
		delete(g.bypassed, cmd.hash)
		g.bypassMu.Unlock()
		return g.rejectReason(cmd, ReasonPostHocUnavailable, err)
	}

	g.audit.Emit(audit.Record{
		Event:        audit.EventEmergencyBypass,
		Actor:        g.actor(p),
		Timestamp:    g.clock.Now(),
		DecisionHash: cmd.hash,
		Outcome:      "bypass_requested",
		Bypass:       true,
	}.With(slog.String("command_id", p.CommandID), slog.Float64("confidence", p.Confidence)))

	v := g.execute(ctx, cmd, nil)
	if v.Outcome != Executed {
		g.withdrawBypass(cmd, v.Reason)
	}
	return v
}

// withdrawBypass closes the post-hoc review of an emergency command that was
// never dispatched. The bypass entry is dropped first so the resulting
// rejection does not lock the gate down.
func (g *Gate) withdrawBypass(cmd *command, reason string) {
	g.bypassMu.Lock()
	delete(g.bypassed, cmd.hash)
	g.bypassMu.Unlock()

	err := g.deps.Consensus.Abort(cmd.hash, "emergency command not dispatched: "+reason)
	if err != nil && !errors.Is(err, interfaces.ErrStaleDecision) {
		g.log.Warn("failed to withdraw post-hoc review", "commandID", cmd.proposal.CommandID, "err", err)
	}
}

// recordBypass appends a bypass-marked transaction for an executed emergency
// command. It never blocks execution.
func (g *Gate) recordBypass(cmd *command) {
	tx, err := g.deps.Ledger.Commit(cmd.hash, cmd.proposal.SenderSignature, true)
	if err != nil {
		g.log.Error("failed to record emergency bypass", "commandID", cmd.proposal.CommandID, "err", err)
		return
	}
	cmd.txID = tx.ID
}

func (g *Gate) onResolved(result interfaces.ConsensusResult) {
	g.bypassMu.Lock()
	commandID, bypass := g.bypassed[result.DecisionHash]
	delete(g.bypassed, result.DecisionHash)
	g.bypassMu.Unlock()
	if !bypass {
		return
	}

	g.audit.Emit(audit.Record{
		Event:        audit.EventEmergencyBypass,
		Actor:        "coordinator",
		Timestamp:    g.clock.Now(),
		DecisionHash: result.DecisionHash,
		Outcome:      "post_hoc_" + strings.ToLower(result.State.String()),
		Bypass:       true,
	}.With(slog.String("command_id", commandID), slog.String("reason", result.Reason)))

	if result.State != interfaces.DecisionApproved {
		g.Lockdown(fmt.Sprintf("post-hoc review of emergency command %s: %s (%s)", commandID, result.State, result.Reason))
	}
}

// Receive authenticates and decrypts an envelope received from the
// transport. The signer is checked through the keystore, so envelopes
// signed by a superseded master verify only within its grace window.
func (g *Gate) Receive(raw []byte) (interfaces.EncryptedCommand, error) {
	env, err := DecodeEnvelope(raw)
	if err != nil {
		return interfaces.EncryptedCommand{}, err
	}

	digest, err := EnvelopeDigest(env)
	if err != nil {
		return interfaces.EncryptedCommand{}, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailure, err)
	}
	if err := g.deps.Keys.VerifyWithKey(env.SignerKeyID, digest, env.Signature); err != nil {
		return interfaces.EncryptedCommand{}, g.receiveFailed(env, err)
	}

	key, err := g.deps.Keys.Lookup(env.KeyID)
	if err != nil {
		return interfaces.EncryptedCommand{}, g.receiveFailed(env, err)
	}
	defer cryptoutils.Wipe(key.Material)
	if !key.Ephemeral || key.OwnerID != env.Target.SwarmID {
		return interfaces.EncryptedCommand{}, g.receiveFailed(env, fmt.Errorf("%w: key %s is not a key of swarm %d", interfaces.ErrAuthenticationFailure, env.KeyID, env.Target.SwarmID))
	}

	aad, err := EnvelopeHeader(env)
	if err != nil {
		return interfaces.EncryptedCommand{}, fmt.Errorf("%w: %v", interfaces.ErrAuthenticationFailure, err)
	}
	plaintext, err := g.engine.Decrypt(env.Algorithm, env.Ciphertext, env.Nonce, env.Tag, key.Material, aad)
	if err != nil {
		return interfaces.EncryptedCommand{}, g.receiveFailed(env, err)
	}
	if len(plaintext) != env.PayloadSize {
		cryptoutils.Wipe(plaintext)
		return interfaces.EncryptedCommand{}, g.receiveFailed(env, fmt.Errorf("%w: payload size mismatch", interfaces.ErrAuthenticationFailure))
	}

	if g.cfg.MaxCommandAge > 0 && g.clock.Since(env.Timestamp) > g.cfg.MaxCommandAge {
		cryptoutils.Wipe(plaintext)
		return interfaces.EncryptedCommand{}, g.receiveFailed(env, fmt.Errorf("%w: envelope older than %s", interfaces.ErrReplayedCommand, g.cfg.MaxCommandAge))
	}
	if seen, _ := g.seen.ContainsOrAdd(env.CommandID, struct{}{}); seen {
		cryptoutils.Wipe(plaintext)
		return interfaces.EncryptedCommand{}, g.receiveFailed(env, interfaces.ErrReplayedCommand)
	}

	env.Payload = plaintext
	g.audit.Emit(audit.Record{
		Event:     audit.EventCommandReceived,
		Actor:     g.cfg.NodeID,
		Timestamp: g.clock.Now(),
		Outcome:   "accepted",
		Bypass:    env.Bypass,
	}.With(slog.String("command_id", env.CommandID), slog.String("key_id", env.KeyID)))
	return env, nil
}

func (g *Gate) receiveFailed(env interfaces.EncryptedCommand, err error) error {
	g.log.Warn("rejected received envelope", "commandID", env.CommandID, "reason", interfaces.ReasonCode(err), "err", err)
	g.audit.Emit(audit.Record{
		Event:     audit.EventCommandReceived,
		Actor:     g.cfg.NodeID,
		Timestamp: g.clock.Now(),
		Outcome:   interfaces.ReasonCode(err),
		Bypass:    env.Bypass,
	}.With(slog.String("command_id", env.CommandID)))
	return err
}

// Lockdown makes Submit and Resume reject everything until
// ReleaseLockdown.
func (g *Gate) Lockdown(reason string) {
	g.lockReason.Store(reason)
	if g.locked.CompareAndSwap(false, true) {
		g.log.Error("gate locked down", "reason", reason)
	}
	g.metrics.SetLockdown(true)
	g.audit.Emit(audit.Record{
		Event:     audit.EventLockdown,
		Actor:     g.cfg.NodeID,
		Timestamp: g.clock.Now(),
		Outcome:   "active",
	}.With(slog.String("reason", reason)))
}

// ReleaseLockdown lifts a lockdown.
func (g *Gate) ReleaseLockdown(actor string) {
	if !g.locked.CompareAndSwap(true, false) {
		return
	}
	g.lockReason.Store("")
	g.metrics.SetLockdown(false)
	g.log.Warn("gate lockdown released", "actor", actor)
	g.audit.Emit(audit.Record{
		Event:     audit.EventLockdownRelease,
		Actor:     actor,
		Timestamp: g.clock.Now(),
		Outcome:   "released",
	})
}

// Locked reports whether the gate is locked down and why.
func (g *Gate) Locked() (bool, string) {
	return g.locked.Load(), g.lockReason.Load()
}

// RotateKeys rotates the master key and re-signs every authorized target
// with the new one.
func (g *Gate) RotateKeys() (interfaces.SecurityKey, error) {
	master, err := g.deps.Keys.Rotate()
	if err != nil {
		return interfaces.SecurityKey{}, err
	}
	cryptoutils.Wipe(master.Material)
	master.Material = nil

	resignErr := g.deps.Targets.Resign()
	if resignErr != nil {
		g.log.Error("failed to re-sign targets after rotation", "err", resignErr)
	}
	g.audit.Emit(audit.Record{
		Event:     audit.EventKeyRotation,
		Actor:     g.cfg.NodeID,
		Timestamp: g.clock.Now(),
		Outcome:   "rotated",
	}.With(slog.String("key_id", master.ID), slog.Bool("targets_resigned", resignErr == nil)))
	return master, resignErr
}

// Maintain sweeps expired keys, rotates the master when due and drops
// parked commands nobody resumed.
func (g *Gate) Maintain() {
	if swept := g.deps.Keys.Sweep(); swept > 0 {
		g.log.Debug("keys swept", "count", swept)
	}
	if g.deps.Keys.RotationDue() {
		if _, err := g.RotateKeys(); err != nil {
			g.log.Error("scheduled key rotation failed", "err", err)
		}
	}
	g.metrics.SetLiveKeys(g.deps.Keys.LiveKeys())

	now := g.clock.Now()
	var expired []*command
	g.parkedMu.Lock()
	for id, cmd := range g.parked {
		if now.Sub(cmd.parkedAt) >= g.cfg.ParkedTTL {
			delete(g.parked, id)
			expired = append(expired, cmd)
		}
	}
	g.parkedMu.Unlock()

	for _, cmd := range expired {
		if err := g.deps.Consensus.Abort(cmd.hash, "parked command expired"); err != nil && !errors.Is(err, interfaces.ErrStaleDecision) {
			g.log.Warn("failed to abort expired decision", "decision", cmd.hash, "err", err)
		}
		g.rejectReason(cmd, ReasonParkedExpired, errors.New("parked command was not resumed"))
	}
}

// Run calls Maintain every MaintenanceInterval until ctx is done.
func (g *Gate) Run(ctx context.Context) {
	ticker := g.clock.Ticker(g.cfg.MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Maintain()
		}
	}
}

func (g *Gate) reject(cmd *command, err error) Verdict {
	return g.rejectReason(cmd, interfaces.ReasonCode(err), err)
}

func (g *Gate) rejectReason(cmd *command, reason string, err error) Verdict {
	v := cmd.verdict(Rejected, reason)
	v.Err = err
	g.log.Info("command rejected", "commandID", v.CommandID, "commandHash", v.CommandHash, "reason", reason, "err", err)
	g.observe(v, cmd)
	return v
}

func (g *Gate) observe(v Verdict, cmd *command) {
	g.metrics.ObserveVerdict(v.Outcome.String(), v.Reason)

	event := audit.EventCommandExecuted
	switch v.Outcome {
	case Rejected:
		event = audit.EventCommandRejected
	case Pending:
		event = audit.EventCommandPending
	}
	rec := audit.Record{
		Event:        event,
		Actor:        g.actor(cmd.proposal),
		Timestamp:    g.clock.Now(),
		DecisionHash: v.CommandHash,
		Outcome:      v.Outcome.String(),
		Bypass:       v.Bypass,
	}.With(slog.String("command_id", v.CommandID))
	if v.Reason != "" {
		rec = rec.With(slog.String("reason", v.Reason))
	}
	if v.TransactionID != "" {
		rec = rec.With(slog.String("transaction_id", v.TransactionID))
	}
	g.audit.Emit(rec)
}

func (g *Gate) actor(p Proposal) string {
	if p.Requester != "" {
		return p.Requester
	}
	return "decision-source"
}
