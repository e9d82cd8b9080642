package consensus

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/ruteri/actuation-gate/audit"
	"github.com/ruteri/actuation-gate/cryptoutils"
	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/ruteri/actuation-gate/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type testEnv struct {
	coord  *Coordinator
	keys   *keystore.Store
	voters map[string]*ecdsa.PrivateKey
	clock  *clock.Mock
	ring   *audit.Ring
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ksCfg := keystore.DefaultConfig()
	ksCfg.Clock = mock
	ksCfg.Log = logger
	keys, err := keystore.New(ksCfg)
	require.NoError(t, err)
	_, err = keys.GenerateMasterKey()
	require.NoError(t, err)

	env := &testEnv{
		keys:   keys,
		voters: make(map[string]*ecdsa.PrivateKey),
		clock:  mock,
		ring:   audit.NewRing(256),
	}

	cfg := DefaultConfig()
	cfg.Voters = make(map[string]*ecdsa.PublicKey)
	for i := 1; i <= 7; i++ {
		priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		require.NoError(t, err)
		id := fmt.Sprintf("voter-%d", i)
		env.voters[id] = priv
		cfg.Voters[id] = &priv.PublicKey
	}
	cfg.Clock = mock
	cfg.Log = logger
	cfg.Audit = env.ring
	if mutate != nil {
		mutate(&cfg)
	}

	env.coord, err = New(cfg, keys)
	require.NoError(t, err)
	t.Cleanup(env.coord.Close)
	return env
}

func decisionHash(name string) interfaces.Hash {
	return sha256.Sum256([]byte(name))
}

func (e *testEnv) vote(t *testing.T, voter string, h interfaces.Hash, approve, veto bool) interfaces.Vote {
	t.Helper()
	v, err := SignVote(interfaces.Vote{
		ID:           uuid.NewString(),
		VoterID:      voter,
		DecisionHash: h,
		Approve:      approve,
		Confidence:   0.9,
		Timestamp:    e.clock.Now(),
		EthicalVeto:  veto,
	}, e.voters[voter])
	require.NoError(t, err)
	return v
}

func (e *testEnv) submit(t *testing.T, voter string, h interfaces.Hash, approve, veto bool) interfaces.DecisionState {
	t.Helper()
	state, err := e.coord.SubmitVote(e.vote(t, voter, h, approve, veto))
	require.NoError(t, err)
	return state
}

func (e *testEnv) wait(t *testing.T, h interfaces.Hash) interfaces.ConsensusResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	result, err := e.coord.Wait(ctx, h)
	require.NoError(t, err)
	return result
}

func TestCoordinator_UnanimousApproval(t *testing.T) {
	env := newTestEnv(t, nil)
	h := decisionHash("unanimous")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassStandard))

	for i := 1; i < 7; i++ {
		assert.Equal(t, interfaces.DecisionOpen, env.submit(t, fmt.Sprintf("voter-%d", i), h, true, false))
	}
	assert.Equal(t, interfaces.DecisionApproved, env.submit(t, "voter-7", h, true, false))

	result := env.wait(t, h)
	assert.Equal(t, interfaces.DecisionApproved, result.State)
	assert.Equal(t, 7, result.Approvals)
	assert.Equal(t, ReasonApproved, result.Reason)

	digest, err := ResultDigest(result)
	require.NoError(t, err)
	assert.NoError(t, env.keys.VerifyWithKey(result.SignerKeyID, digest, result.Signature))
}

func TestCoordinator_VetoOverridesRatio(t *testing.T) {
	env := newTestEnv(t, nil)
	h := decisionHash("veto")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassStandard))

	for i := 1; i <= 6; i++ {
		env.submit(t, fmt.Sprintf("voter-%d", i), h, true, false)
	}
	assert.Equal(t, interfaces.DecisionRejected, env.submit(t, "voter-7", h, false, true))

	result := env.wait(t, h)
	assert.Equal(t, ReasonEthicalVeto, result.Reason)
	assert.True(t, result.Vetoed)
	assert.Equal(t, 6, result.Approvals)
}

func TestCoordinator_VetoResolvesImmediately(t *testing.T) {
	env := newTestEnv(t, nil)
	h := decisionHash("early-veto")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassDangerous))

	assert.Equal(t, interfaces.DecisionRejected, env.submit(t, "voter-3", h, false, true))

	state, err := env.coord.SubmitVote(env.vote(t, "voter-1", h, true, false))
	require.ErrorIs(t, err, interfaces.ErrStaleDecision)
	assert.Equal(t, interfaces.DecisionRejected, state)
	assert.Len(t, env.ring.Filter(audit.EventLateVote), 1, "late votes are audited")

	// A veto flag on an approving vote is not a veto.
	h2 := decisionHash("approving-veto")
	require.NoError(t, env.coord.RequestConsensus(h2, interfaces.ClassStandard))
	assert.Equal(t, interfaces.DecisionOpen, env.submit(t, "voter-1", h2, true, true))
}

func TestCoordinator_TimeoutBelowQuorum(t *testing.T) {
	env := newTestEnv(t, nil)
	h := decisionHash("below-quorum")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassStandard))

	for i := 1; i <= 4; i++ {
		env.submit(t, fmt.Sprintf("voter-%d", i), h, true, false)
	}
	env.clock.Add(10 * time.Second)

	result := env.wait(t, h)
	assert.Equal(t, interfaces.DecisionTimedOut, result.State)
	assert.Equal(t, ReasonQuorumNotReached, result.Reason)
	assert.Equal(t, 4, result.Approvals)
}

func TestCoordinator_TimeoutOutcomes(t *testing.T) {
	cases := []struct {
		name      string
		class     interfaces.OperationClass
		approvals int
		rejects   int
		want      interfaces.DecisionState
		reason    string
	}{
		{"standard quorum approves", interfaces.ClassStandard, 5, 0, interfaces.DecisionApproved, ReasonApproved},
		{"standard quorum ratio too low", interfaces.ClassStandard, 4, 2, interfaces.DecisionRejected, ReasonApprovalRatio},
		{"dangerous with quorum but short of required", interfaces.ClassDangerous, 6, 0, interfaces.DecisionRejected, ReasonInsufficientVotes},
		{"nothing received", interfaces.ClassDangerous, 0, 0, interfaces.DecisionTimedOut, ReasonQuorumNotReached},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			h := decisionHash(tc.name)
			require.NoError(t, env.coord.RequestConsensus(h, tc.class))

			voter := 1
			for i := 0; i < tc.approvals; i++ {
				env.submit(t, fmt.Sprintf("voter-%d", voter), h, true, false)
				voter++
			}
			for i := 0; i < tc.rejects; i++ {
				env.submit(t, fmt.Sprintf("voter-%d", voter), h, false, false)
				voter++
			}

			env.clock.Add(9 * time.Second)
			status, err := env.coord.Status(h)
			require.NoError(t, err)
			assert.Equal(t, interfaces.DecisionOpen, status.State)

			env.clock.Add(time.Second)
			result := env.wait(t, h)
			assert.Equal(t, tc.want, result.State)
			assert.Equal(t, tc.reason, result.Reason)
		})
	}
}

func TestCoordinator_AllVotesInRatio(t *testing.T) {
	env := newTestEnv(t, nil)

	low := decisionHash("five-of-seven")
	require.NoError(t, env.coord.RequestConsensus(low, interfaces.ClassDangerous))
	for i := 1; i <= 7; i++ {
		env.submit(t, fmt.Sprintf("voter-%d", i), low, i <= 5, false)
	}
	assert.Equal(t, interfaces.DecisionRejected, env.wait(t, low).State)

	high := decisionHash("six-of-seven")
	require.NoError(t, env.coord.RequestConsensus(high, interfaces.ClassDangerous))
	for i := 1; i <= 7; i++ {
		env.submit(t, fmt.Sprintf("voter-%d", i), high, i <= 6, false)
	}
	assert.Equal(t, interfaces.DecisionApproved, env.wait(t, high).State)
}

func TestCoordinator_VoteValidation(t *testing.T) {
	env := newTestEnv(t, nil)
	h := decisionHash("validation")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassStandard))

	env.submit(t, "voter-1", h, true, false)
	_, err := env.coord.SubmitVote(env.vote(t, "voter-1", h, false, false))
	assert.ErrorIs(t, err, interfaces.ErrDuplicateVoter)

	stranger := env.vote(t, "voter-2", h, true, false)
	stranger.VoterID = "stranger"
	_, err = env.coord.SubmitVote(stranger)
	assert.ErrorIs(t, err, interfaces.ErrVoterUnauthorized)

	forged := env.vote(t, "voter-2", h, true, false)
	forged.Approve = false
	_, err = env.coord.SubmitVote(forged)
	assert.ErrorIs(t, err, interfaces.ErrVoterUnauthorized)

	impersonated, err := SignVote(interfaces.Vote{ID: "x", VoterID: "voter-3", DecisionHash: h, Approve: true, Confidence: 1}, env.voters["voter-4"])
	require.NoError(t, err)
	_, err = env.coord.SubmitVote(impersonated)
	assert.ErrorIs(t, err, interfaces.ErrVoterUnauthorized)

	unsure, err := SignVote(interfaces.Vote{ID: "y", VoterID: "voter-5", DecisionHash: h, Approve: true, Confidence: 1.5}, env.voters["voter-5"])
	require.NoError(t, err)
	_, err = env.coord.SubmitVote(unsure)
	assert.ErrorIs(t, err, interfaces.ErrConsensusFailure)

	_, err = env.coord.SubmitVote(env.vote(t, "voter-2", decisionHash("unknown"), true, false))
	assert.ErrorIs(t, err, interfaces.ErrDecisionNotFound)

	votes, err := env.coord.Votes(h)
	require.NoError(t, err)
	require.Len(t, votes, 1)
	assert.Equal(t, "voter-1", votes[0].VoterID)

	assert.Len(t, env.ring.Filter(audit.EventVoteRejected), 6)
}

func TestCoordinator_RequestConsensus(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxOpenDecisions = 2
	})

	assert.Error(t, env.coord.RequestConsensus(interfaces.Hash{}, interfaces.ClassStandard))

	require.NoError(t, env.coord.RequestConsensus(decisionHash("a"), interfaces.ClassStandard))
	assert.ErrorIs(t, env.coord.RequestConsensus(decisionHash("a"), interfaces.ClassStandard), interfaces.ErrDecisionExists)

	require.NoError(t, env.coord.RequestConsensus(decisionHash("b"), interfaces.ClassStandard))
	err := env.coord.RequestConsensus(decisionHash("c"), interfaces.ClassStandard)
	require.ErrorIs(t, err, interfaces.ErrDecisionTableFull)
	assert.ErrorIs(t, err, interfaces.ErrCapacityFailure)
	assert.Equal(t, 2, env.coord.OpenDecisions())

	require.NoError(t, env.coord.Abort(decisionHash("a"), "operator"))
	require.NoError(t, env.coord.RequestConsensus(decisionHash("c"), interfaces.ClassStandard))
	assert.ErrorIs(t, env.coord.RequestConsensus(decisionHash("a"), interfaces.ClassStandard), interfaces.ErrDecisionExists, "resolved hashes are not reopened")
}

func TestCoordinator_Abort(t *testing.T) {
	env := newTestEnv(t, nil)
	h := decisionHash("abort")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassStandard))
	env.submit(t, "voter-1", h, true, false)

	require.NoError(t, env.coord.Abort(h, "operator request"))
	result := env.wait(t, h)
	assert.Equal(t, interfaces.DecisionRejected, result.State)
	assert.Equal(t, "aborted: operator request", result.Reason)

	assert.ErrorIs(t, env.coord.Abort(h, ""), interfaces.ErrStaleDecision)
	assert.ErrorIs(t, env.coord.Abort(decisionHash("missing"), ""), interfaces.ErrDecisionNotFound)

	_, err := env.coord.Votes(h)
	assert.ErrorIs(t, err, interfaces.ErrStaleDecision, "votes are discarded on resolution")

	// The timer was stopped: expiry does not touch the outcome.
	env.clock.Add(time.Minute)
	status, err := env.coord.Status(h)
	require.NoError(t, err)
	assert.Equal(t, "aborted: operator request", status.Reason)
}

func TestCoordinator_WaitHonoursContext(t *testing.T) {
	env := newTestEnv(t, nil)
	h := decisionHash("context")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassStandard))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := env.coord.Wait(ctx, h)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = env.coord.Wait(context.Background(), decisionHash("missing"))
	assert.ErrorIs(t, err, interfaces.ErrDecisionNotFound)
}

func TestCoordinator_CloseTimesOutOpenDecisions(t *testing.T) {
	env := newTestEnv(t, nil)
	h := decisionHash("shutdown")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassStandard))
	for i := 1; i <= 6; i++ {
		env.submit(t, fmt.Sprintf("voter-%d", i), h, true, false)
	}

	env.coord.Close()
	result := env.wait(t, h)
	assert.Equal(t, interfaces.DecisionTimedOut, result.State)
	assert.Equal(t, ReasonShutdown, result.Reason)

	assert.Error(t, env.coord.RequestConsensus(decisionHash("after"), interfaces.ClassStandard))
	env.coord.Close()
}

func TestCoordinator_Subscribe(t *testing.T) {
	env := newTestEnv(t, nil)
	results := make(chan interfaces.ConsensusResult, 4)
	env.coord.Subscribe(func(r interfaces.ConsensusResult) { results <- r })

	h := decisionHash("subscribe")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassDangerous))
	env.submit(t, "voter-1", h, false, true)

	select {
	case r := <-results:
		assert.Equal(t, h, r.DecisionHash)
		assert.Equal(t, interfaces.DecisionRejected, r.State)
	case <-time.After(time.Second):
		t.Fatal("subscriber not called")
	}
}

func TestCoordinator_SigningFailureRejects(t *testing.T) {
	env := newTestEnv(t, nil)
	h := decisionHash("unsigned")
	require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassStandard))

	// A store without a master cannot sign.
	empty, err := keystore.New(keystore.DefaultConfig())
	require.NoError(t, err)
	env.coord.keys = empty

	for i := 1; i <= 7; i++ {
		env.submit(t, fmt.Sprintf("voter-%d", i), h, true, false)
	}
	result := env.wait(t, h)
	assert.Equal(t, interfaces.DecisionRejected, result.State)
	assert.Equal(t, ReasonSigningFailed, result.Reason)
	assert.Empty(t, result.Signature)
}

func TestCoordinator_ConcurrentDecisions(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.MaxOpenDecisions = 64
	})

	const decisions = 16
	var wg sync.WaitGroup
	for d := 0; d < decisions; d++ {
		h := decisionHash(fmt.Sprintf("concurrent-%d", d))
		require.NoError(t, env.coord.RequestConsensus(h, interfaces.ClassStandard))
		for voter := range env.voters {
			wg.Add(1)
			go func(voter string) {
				defer wg.Done()
				_, err := env.coord.SubmitVote(env.vote(t, voter, h, true, false))
				assert.NoError(t, err)
			}(voter)
		}
	}
	wg.Wait()

	for d := 0; d < decisions; d++ {
		result := env.wait(t, decisionHash(fmt.Sprintf("concurrent-%d", d)))
		assert.Equal(t, interfaces.DecisionApproved, result.State)
		assert.Equal(t, 7, result.Approvals)
	}
	assert.Zero(t, env.coord.OpenDecisions())
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.Validate(), "no voters")

	pub, _, err := cryptoutils.RandomP256Keypair()
	require.NoError(t, err)
	data := []byte(fmt.Sprintf(`{"voters":[{"id":"v1","pubkey":%q}]}`, string(pub)))
	voters, err := LoadVoters(data)
	require.NoError(t, err)
	require.Contains(t, voters, "v1")

	cfg.Voters = voters
	assert.Error(t, cfg.Validate(), "quorum above voter count")

	cfg.MinimumQuorum = 1
	cfg.DangerousOperationVotes = 1
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 1, cfg.Required(interfaces.ClassDangerous))

	_, err = LoadVoters([]byte(`{"voters":[{"id":"v1","pubkey":"junk"}]}`))
	assert.Error(t, err)
}
