package gate

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/actuation-gate/audit"
	"github.com/ruteri/actuation-gate/consensus"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/ruteri/actuation-gate/ledger"
	"github.com/ruteri/actuation-gate/targets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeTransport struct {
	mu   sync.Mutex
	sent [][]byte
	err  error
}

func (f *fakeTransport) Send(_ context.Context, _ uint32, _ uint32, envelope []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, append([]byte(nil), envelope...))
	return nil
}

func (f *fakeTransport) envelopes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.sent...)
}

type testEnv struct {
	gate      *Gate
	keys      *keystore.Store
	targets   *targets.Registry
	ledger    *ledger.Ledger
	coord     *consensus.Coordinator
	transport *fakeTransport
	clock     *clock.Mock
	ring      *audit.Ring
	voters    map[string]*ecdsa.PrivateKey
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ring := audit.NewRing(512)

	env := &testEnv{
		transport: &fakeTransport{},
		clock:     mock,
		ring:      ring,
		voters:    make(map[string]*ecdsa.PrivateKey),
	}

	ledgerCfg := ledger.DefaultConfig()
	ledgerCfg.Clock = mock
	ledgerCfg.Log = logger
	var err error
	env.ledger, err = ledger.New(ledgerCfg)
	require.NoError(t, err)

	ksCfg := keystore.DefaultConfig()
	ksCfg.Clock = mock
	ksCfg.Log = logger
	ksCfg.Anchor = env.ledger.TailHash
	env.keys, err = keystore.New(ksCfg)
	require.NoError(t, err)
	_, err = env.keys.GenerateMasterKey()
	require.NoError(t, err)

	targetCfg := targets.DefaultConfig()
	targetCfg.Clock = mock
	targetCfg.Log = logger
	env.targets, err = targets.New(targetCfg, env.keys)
	require.NoError(t, err)
	_, err = env.targets.Authorize(interfaces.Target{
		ID:              1,
		Position:        interfaces.Position{X: 0, Y: 0, Z: 0},
		PrecisionRadius: 0.05,
		SwarmID:         7,
	})
	require.NoError(t, err)

	consCfg := consensus.DefaultConfig()
	consCfg.Voters = make(map[string]*ecdsa.PublicKey)
	for i := 1; i <= 7; i++ {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		id := fmt.Sprintf("voter-%d", i)
		env.voters[id] = priv
		consCfg.Voters[id] = &priv.PublicKey
	}
	consCfg.Clock = mock
	consCfg.Log = logger
	consCfg.Audit = ring
	env.coord, err = consensus.New(consCfg, env.keys)
	require.NoError(t, err)
	t.Cleanup(env.coord.Close)

	cfg := DefaultConfig()
	cfg.ConsensusWait = 200 * time.Millisecond
	cfg.Clock = mock
	cfg.Log = logger
	cfg.Audit = ring
	if mutate != nil {
		mutate(&cfg)
	}
	env.gate, err = New(cfg, Deps{
		Keys:      env.keys,
		Targets:   env.targets,
		Ledger:    env.ledger,
		Consensus: env.coord,
		Transport: env.transport,
	})
	require.NoError(t, err)
	return env
}

func safeProposal() Proposal {
	return Proposal{
		CommandID:                    uuid.NewString(),
		TargetID:                     1,
		Payload:                      []byte("move to waypoint 3"),
		RequiresBlockchainValidation: true,
		Confidence:                   0.9,
		EthicalScore:                 0.99,
		SafetyScore:                  0.99,
	}
}

func dangerousProposal() Proposal {
	p := safeProposal()
	p.Dangerous = true
	return p
}

func (e *testEnv) hashOf(t *testing.T, p Proposal) interfaces.Hash {
	t.Helper()
	target, err := e.targets.Get(p.TargetID)
	require.NoError(t, err)
	return CommandHash(p, target)
}

func (e *testEnv) signedVote(voter string, h interfaces.Hash, approve, veto bool) (interfaces.Vote, error) {
	return consensus.SignVote(interfaces.Vote{
		ID:           uuid.NewString(),
		VoterID:      voter,
		DecisionHash: h,
		Approve:      approve,
		Confidence:   0.95,
		Timestamp:    e.clock.Now(),
		EthicalVeto:  veto,
	}, e.voters[voter])
}

func (e *testEnv) castVotes(t *testing.T, h interfaces.Hash, n int, approve bool) {
	t.Helper()
	for i := 1; i <= n; i++ {
		v, err := e.signedVote(fmt.Sprintf("voter-%d", i), h, approve, false)
		require.NoError(t, err)
		_, err = e.coord.SubmitVote(v)
		require.NoError(t, err)
	}
}

func TestGate_ExecutesSafeCommand(t *testing.T) {
	env := newTestEnv(t, nil)
	p := safeProposal()

	v := env.gate.Submit(context.Background(), p)
	require.Equal(t, Executed, v.Outcome, "reason %s: %v", v.Reason, v.Err)
	assert.Equal(t, p.CommandID, v.CommandID)
	assert.Equal(t, env.hashOf(t, p), v.CommandHash)
	assert.Nil(t, v.Consensus)
	require.NotEmpty(t, v.TransactionID)

	tx, err := env.ledger.Status(v.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, v.CommandHash, tx.CommandHash)
	assert.Equal(t, []string{"gate"}, tx.ValidatingNodes)
	assert.False(t, tx.Confirmed, "one node is below the confirmation threshold")

	sent := env.transport.envelopes()
	require.Len(t, sent, 1)
	assert.NotContains(t, string(sent[0]), "waypoint", "payload travels encrypted")

	received, err := env.gate.Receive(sent[0])
	require.NoError(t, err)
	assert.Equal(t, p.Payload, received.Payload)
	assert.Equal(t, v.TransactionID, received.TransactionID)
	assert.Equal(t, uint32(7), received.Target.SwarmID)

	_, err = env.gate.Receive(sent[0])
	assert.ErrorIs(t, err, interfaces.ErrReplayedCommand)

	assert.Len(t, env.ring.Filter(audit.EventCommandExecuted), 1)
}

func TestGate_WithoutLedger(t *testing.T) {
	env := newTestEnv(t, nil)
	p := safeProposal()
	p.RequiresBlockchainValidation = false

	v := env.gate.Submit(context.Background(), p)
	require.Equal(t, Executed, v.Outcome)
	assert.Empty(t, v.TransactionID)
	assert.Equal(t, 1, env.ledger.Len())
}

func TestGate_AdmissionRejections(t *testing.T) {
	env := newTestEnv(t, nil)

	lowConfidence := safeProposal()
	lowConfidence.Confidence = 0.8
	lowConfidence.TargetID = 99
	v := env.gate.Submit(context.Background(), lowConfidence)
	assert.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, ReasonLowConfidence, v.Reason, "confidence is checked before the registry")

	unknown := safeProposal()
	unknown.TargetID = 99
	v = env.gate.Submit(context.Background(), unknown)
	assert.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, "target_unauthorized", v.Reason)
	assert.ErrorIs(t, v.Err, interfaces.ErrAuthorizationFailure)

	empty := safeProposal()
	empty.Payload = nil
	v = env.gate.Submit(context.Background(), empty)
	assert.Equal(t, ReasonInvalidProposal, v.Reason)

	require.NoError(t, env.targets.Revoke(1))
	v = env.gate.Submit(context.Background(), safeProposal())
	assert.Equal(t, "target_unauthorized", v.Reason)

	assert.Empty(t, env.transport.envelopes())
	assert.Equal(t, 1, env.ledger.Len(), "rejected proposals leave no ledger entry")
}

func TestGate_ConsensusApproval(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.ConsensusWait = 5 * time.Second
	})
	p := dangerousProposal()
	h := env.hashOf(t, p)

	done := make(chan struct{})
	go func() {
		defer close(done)
		deadline := time.Now().Add(2 * time.Second)
		for env.coord.OpenDecisions() == 0 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		for i := 1; i <= 7; i++ {
			v, err := env.signedVote(fmt.Sprintf("voter-%d", i), h, true, false)
			if !assert.NoError(t, err) {
				return
			}
			_, err = env.coord.SubmitVote(v)
			assert.NoError(t, err)
		}
	}()

	v := env.gate.Submit(context.Background(), p)
	<-done

	require.Equal(t, Executed, v.Outcome, "reason %s: %v", v.Reason, v.Err)
	require.NotNil(t, v.Consensus)
	assert.Equal(t, interfaces.DecisionApproved, v.Consensus.State)

	tx, err := env.ledger.Status(v.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, v.Consensus.Signature, tx.ConsensusSignature)
	assert.Len(t, env.transport.envelopes(), 1)
}

func TestGate_PendingThenResume(t *testing.T) {
	env := newTestEnv(t, nil)
	p := dangerousProposal()

	v := env.gate.Submit(context.Background(), p)
	require.Equal(t, Pending, v.Outcome)
	assert.Equal(t, []string{p.CommandID}, env.gate.Parked())
	assert.Empty(t, env.transport.envelopes())

	// Still open: Resume keeps it parked.
	v = env.gate.Resume(context.Background(), p.CommandID)
	assert.Equal(t, Pending, v.Outcome)

	env.castVotes(t, v.CommandHash, 7, true)

	v = env.gate.Resume(context.Background(), p.CommandID)
	require.Equal(t, Executed, v.Outcome, "reason %s: %v", v.Reason, v.Err)
	assert.Len(t, env.transport.envelopes(), 1)
	assert.Empty(t, env.gate.Parked())

	v = env.gate.Resume(context.Background(), p.CommandID)
	assert.Equal(t, Rejected, v.Outcome)
	assert.ErrorIs(t, v.Err, interfaces.ErrCommandNotFound)
}

func TestGate_TimedOutIsRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	p := dangerousProposal()

	v := env.gate.Submit(context.Background(), p)
	require.Equal(t, Pending, v.Outcome)

	env.castVotes(t, v.CommandHash, 4, true)
	env.clock.Add(10 * time.Second)

	v = env.gate.Resume(context.Background(), p.CommandID)
	require.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, ReasonConsensusTimedOut, v.Reason)
	require.NotNil(t, v.Consensus)
	assert.Equal(t, interfaces.DecisionTimedOut, v.Consensus.State)
	assert.Empty(t, env.transport.envelopes())

	tx, err := env.ledger.Status(v.TransactionID)
	require.NoError(t, err)
	assert.False(t, tx.Confirmed)
	assert.Empty(t, tx.ValidatingNodes)
	assert.Empty(t, tx.ConsensusSignature)
}

func TestGate_VetoRejects(t *testing.T) {
	env := newTestEnv(t, nil)
	p := safeProposal()
	p.EthicsSensitive = true

	v := env.gate.Submit(context.Background(), p)
	require.Equal(t, Pending, v.Outcome)

	env.castVotes(t, v.CommandHash, 6, true)
	veto, err := env.signedVote("voter-7", v.CommandHash, false, true)
	require.NoError(t, err)
	state, err := env.coord.SubmitVote(veto)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DecisionRejected, state)

	v = env.gate.Resume(context.Background(), p.CommandID)
	assert.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, ReasonConsensusRejected, v.Reason)
	assert.Empty(t, env.transport.envelopes())
}

func TestGate_ScoresRouteToConsensus(t *testing.T) {
	env := newTestEnv(t, nil)

	lowEthics := safeProposal()
	lowEthics.EthicalScore = 0.9
	v := env.gate.Submit(context.Background(), lowEthics)
	require.Equal(t, Pending, v.Outcome)
	status, err := env.coord.Status(v.CommandHash)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ClassStandard, status.Class)

	lowSafety := safeProposal()
	lowSafety.SafetyScore = 0.97
	v = env.gate.Submit(context.Background(), lowSafety)
	require.Equal(t, Pending, v.Outcome)
	status, err = env.coord.Status(v.CommandHash)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ClassDangerous, status.Class)
}

func TestGate_DispatchFailureLeavesTransactionUnconfirmed(t *testing.T) {
	env := newTestEnv(t, nil)
	env.transport.err = errors.New("radio link down")

	v := env.gate.Submit(context.Background(), safeProposal())
	require.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, ReasonDispatchFailed, v.Reason)
	require.NotEmpty(t, v.TransactionID)

	tx, err := env.ledger.Status(v.TransactionID)
	require.NoError(t, err)
	assert.False(t, tx.Confirmed)
	assert.Empty(t, tx.ValidatingNodes)
}

func TestGate_EmergencyBypassAndLockdown(t *testing.T) {
	env := newTestEnv(t, nil)

	weak := safeProposal()
	weak.Emergency = true
	weak.Confidence = 0.9
	v := env.gate.Submit(context.Background(), weak)
	assert.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, ReasonLowConfidence, v.Reason)

	p := dangerousProposal()
	p.Emergency = true
	p.Confidence = 0.97
	v = env.gate.Submit(context.Background(), p)
	require.Equal(t, Executed, v.Outcome, "reason %s: %v", v.Reason, v.Err)
	assert.True(t, v.Bypass)
	require.NotEmpty(t, v.TransactionID)

	tx, err := env.ledger.Status(v.TransactionID)
	require.NoError(t, err)
	assert.True(t, tx.Bypass)

	received, err := env.gate.Receive(env.transport.envelopes()[0])
	require.NoError(t, err)
	assert.True(t, received.Bypass)

	assert.NotEmpty(t, env.ring.Filter(audit.EventEmergencyBypass))
	for _, rec := range env.ring.Filter(audit.EventCommandExecuted) {
		assert.True(t, rec.Bypass)
	}

	// The post-hoc review runs as a dangerous decision and can reject.
	status, err := env.coord.Status(v.CommandHash)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ClassDangerous, status.Class)

	veto, err := env.signedVote("voter-1", v.CommandHash, false, true)
	require.NoError(t, err)
	_, err = env.coord.SubmitVote(veto)
	require.NoError(t, err)

	locked, reason := env.gate.Locked()
	assert.True(t, locked)
	assert.Contains(t, reason, p.CommandID)

	v = env.gate.Submit(context.Background(), safeProposal())
	assert.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, "lockdown", v.Reason)

	env.gate.ReleaseLockdown("operator")
	locked, _ = env.gate.Locked()
	assert.False(t, locked)
	v = env.gate.Submit(context.Background(), safeProposal())
	assert.Equal(t, Executed, v.Outcome)
}

func TestGate_ApprovedPostHocReviewKeepsGateOpen(t *testing.T) {
	env := newTestEnv(t, nil)
	p := safeProposal()
	p.Emergency = true
	p.Confidence = 0.99

	v := env.gate.Submit(context.Background(), p)
	require.Equal(t, Executed, v.Outcome)

	env.castVotes(t, v.CommandHash, 7, true)
	locked, _ := env.gate.Locked()
	assert.False(t, locked)
}

func TestGate_UndispatchedEmergencyWithdrawsReview(t *testing.T) {
	env := newTestEnv(t, nil)
	env.transport.err = errors.New("radio link down")

	p := safeProposal()
	p.Emergency = true
	p.Confidence = 0.99
	v := env.gate.Submit(context.Background(), p)
	require.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, ReasonDispatchFailed, v.Reason)

	status, err := env.coord.Status(v.CommandHash)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DecisionRejected, status.State)
	assert.Contains(t, status.Reason, "not dispatched")

	env.clock.Add(time.Hour)
	locked, _ := env.gate.Locked()
	assert.False(t, locked)
}

func TestGate_TimedOutPostHocReviewLocksDown(t *testing.T) {
	env := newTestEnv(t, nil)
	p := safeProposal()
	p.Emergency = true
	p.Confidence = 0.99

	v := env.gate.Submit(context.Background(), p)
	require.Equal(t, Executed, v.Outcome)

	env.clock.Add(time.Hour)
	require.Eventually(t, func() bool {
		locked, _ := env.gate.Locked()
		return locked
	}, time.Second, 10*time.Millisecond)
}

func TestGate_RotationGraceWindow(t *testing.T) {
	env := newTestEnv(t, nil)

	p1, p2 := safeProposal(), safeProposal()
	require.Equal(t, Executed, env.gate.Submit(context.Background(), p1).Outcome)
	require.Equal(t, Executed, env.gate.Submit(context.Background(), p2).Outcome)
	sent := env.transport.envelopes()
	require.Len(t, sent, 2)

	env.clock.Add(time.Minute)
	_, err := env.gate.RotateKeys()
	require.NoError(t, err)

	// The superseded master verifies while the swarm key is still valid.
	received, err := env.gate.Receive(sent[0])
	require.NoError(t, err)
	assert.Equal(t, p1.Payload, received.Payload)

	// Targets were re-signed with the new master.
	v := env.gate.Submit(context.Background(), safeProposal())
	assert.Equal(t, Executed, v.Outcome)

	env.clock.Add(4*time.Minute + time.Second)
	env.gate.Maintain()

	_, err = env.gate.Receive(sent[1])
	require.ErrorIs(t, err, interfaces.ErrKeyRevoked)
	assert.ErrorIs(t, err, interfaces.ErrKeyFailure)
}

func TestGate_ReceiveRejectsTampering(t *testing.T) {
	env := newTestEnv(t, nil)
	require.Equal(t, Executed, env.gate.Submit(context.Background(), safeProposal()).Outcome)
	raw := env.transport.envelopes()[0]

	mutations := map[string]func(*interfaces.EncryptedCommand){
		"target":       func(c *interfaces.EncryptedCommand) { c.Target.ID = 2 },
		"bypass":       func(c *interfaces.EncryptedCommand) { c.Bypass = true },
		"payload size": func(c *interfaces.EncryptedCommand) { c.PayloadSize++ },
		"timestamp":    func(c *interfaces.EncryptedCommand) { c.Timestamp = c.Timestamp.Add(time.Second) },
		"ciphertext":   func(c *interfaces.EncryptedCommand) { c.Ciphertext[0] ^= 1 },
		"nonce":        func(c *interfaces.EncryptedCommand) { c.Nonce[0] ^= 1 },
		"tag":          func(c *interfaces.EncryptedCommand) { c.Tag[0] ^= 1 },
		"signature":    func(c *interfaces.EncryptedCommand) { c.Signature[len(c.Signature)-1] ^= 1 },
		"safety check": func(c *interfaces.EncryptedCommand) { c.Target.RequiresSafetyCheck = !c.Target.RequiresSafetyCheck },
		"kind":         func(c *interfaces.EncryptedCommand) { c.Target.Kind = "injected" },
		"authorized":   func(c *interfaces.EncryptedCommand) { c.Target.Authorized = !c.Target.Authorized },
		"authorized at": func(c *interfaces.EncryptedCommand) {
			c.Target.AuthorizedAt = c.Target.AuthorizedAt.Add(time.Second)
		},
		"target signature": func(c *interfaces.EncryptedCommand) { c.Target.Signature = append(c.Target.Signature, 0) },
		"target signer":    func(c *interfaces.EncryptedCommand) { c.Target.SignerKeyID = "other" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			var cmd interfaces.EncryptedCommand
			require.NoError(t, json.Unmarshal(raw, &cmd))
			mutate(&cmd)
			tampered, err := json.Marshal(cmd)
			require.NoError(t, err)

			_, err = env.gate.Receive(tampered)
			assert.Error(t, err)
		})
	}

	_, err := env.gate.Receive([]byte("not an envelope"))
	assert.ErrorIs(t, err, interfaces.ErrAuthenticationFailure)

	// The untouched envelope is still accepted once.
	_, err = env.gate.Receive(raw)
	assert.NoError(t, err)
}

func TestGate_ReceiveRejectsStaleEnvelope(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxCommandAge = time.Minute
	})
	require.Equal(t, Executed, env.gate.Submit(context.Background(), safeProposal()).Outcome)

	env.clock.Add(2 * time.Minute)
	_, err := env.gate.Receive(env.transport.envelopes()[0])
	assert.ErrorIs(t, err, interfaces.ErrReplayedCommand)
}

func TestGate_ParkedTableFull(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxParkedCommands = 1
	})

	require.Equal(t, Pending, env.gate.Submit(context.Background(), dangerousProposal()).Outcome)

	v := env.gate.Submit(context.Background(), dangerousProposal())
	require.Equal(t, Rejected, v.Outcome)
	assert.ErrorIs(t, v.Err, interfaces.ErrCommandTableFull)

	status, err := env.coord.Status(v.CommandHash)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DecisionRejected, status.State, "the orphaned decision is aborted")
}

func TestGate_MaintainDropsExpiredParkedCommands(t *testing.T) {
	env := newTestEnv(t, nil)
	p := dangerousProposal()
	require.Equal(t, Pending, env.gate.Submit(context.Background(), p).Outcome)

	env.clock.Add(time.Minute)
	env.gate.Maintain()
	assert.Empty(t, env.gate.Parked())
	assert.NotEmpty(t, env.ring.Filter(audit.EventCommandRejected))

	v := env.gate.Resume(context.Background(), p.CommandID)
	assert.ErrorIs(t, v.Err, interfaces.ErrCommandNotFound)
}

func TestGate_MaintainRotatesWhenDue(t *testing.T) {
	env := newTestEnv(t, nil)
	before, err := env.keys.Master()
	require.NoError(t, err)

	env.clock.Add(time.Hour)
	env.gate.Maintain()

	after, err := env.keys.Master()
	require.NoError(t, err)
	assert.NotEqual(t, before.ID, after.ID)
	assert.Len(t, env.ring.Filter(audit.EventKeyRotation), 1)

	_, err = env.targets.IsAuthorized(1)
	assert.NoError(t, err)
}

func TestGate_ManualLockdown(t *testing.T) {
	env := newTestEnv(t, nil)

	p := dangerousProposal()
	require.Equal(t, Pending, env.gate.Submit(context.Background(), p).Outcome)

	env.gate.Lockdown("maintenance")
	locked, reason := env.gate.Locked()
	assert.True(t, locked)
	assert.Equal(t, "maintenance", reason)

	h := env.hashOf(t, p)
	env.castVotes(t, h, 7, true)
	v := env.gate.Resume(context.Background(), p.CommandID)
	assert.Equal(t, Rejected, v.Outcome)
	assert.Equal(t, "lockdown", v.Reason)
	assert.Empty(t, env.transport.envelopes())
}

func TestGate_Run(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		env.gate.Run(ctx)
	}()
	cancel()
	<-done
}

func TestConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Algorithm = interfaces.AlgorithmQuantumResistant
	assert.ErrorIs(t, cfg.Validate(), interfaces.ErrUnsupportedAlgorithm)

	cfg = DefaultConfig()
	cfg.EmergencyBypassThreshold = 0.5
	assert.Error(t, cfg.Validate())

	_, err := New(DefaultConfig(), Deps{})
	assert.Error(t, err)
}
