package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/actuation-gate/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecord_FieldsAreOrdered(t *testing.T) {
	rec := Record{
		Event:        EventConsensusResolved,
		Actor:        "coordinator",
		Timestamp:    time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		DecisionHash: interfaces.Hash{1},
		Outcome:      "APPROVED",
		Bypass:       true,
	}.With(slog.Int("approvals", 7), slog.String("class", "dangerous"))

	var keys []string
	for _, f := range rec.Fields() {
		keys = append(keys, f.Key)
	}
	assert.Equal(t, []string{"event", "actor", "timestamp", "decision_hash", "outcome", "bypass", "approvals", "class"}, keys)

	withoutHash := Record{Event: EventLockdown, Outcome: "active"}
	assert.Len(t, withoutHash.Fields(), 4)
}

func TestRecord_WithDoesNotAlias(t *testing.T) {
	base := Record{Event: EventCommandSubmitted, Attrs: make([]slog.Attr, 0, 4)}
	a := base.With(slog.String("k", "a"))
	b := base.With(slog.String("k", "b"))
	assert.Equal(t, "a", a.Attrs[0].Value.String())
	assert.Equal(t, "b", b.Attrs[0].Value.String())
	assert.Empty(t, base.Attrs)
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(slog.New(slog.NewJSONHandler(&buf, nil)))

	sink.Emit(Record{Event: EventEmergencyBypass, Actor: "gate", Outcome: "executed", Bypass: true})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "audit", line["msg"])
	assert.Equal(t, EventEmergencyBypass, line["event"])
	assert.Equal(t, true, line["bypass"])
	assert.Equal(t, "audit", line["component"])

	// Order is preserved in the rendered line.
	raw := buf.String()
	assert.Less(t, strings.Index(raw, `"event"`), strings.Index(raw, `"outcome"`))
}

func TestRing(t *testing.T) {
	ring := NewRing(3)
	assert.Empty(t, ring.Records())

	for i := 0; i < 5; i++ {
		ring.Emit(Record{Event: fmt.Sprintf("e%d", i)})
	}

	var events []string
	for _, r := range ring.Records() {
		events = append(events, r.Event)
	}
	assert.Equal(t, []string{"e2", "e3", "e4"}, events)
	assert.Len(t, ring.Filter("e3"), 1)
	assert.Empty(t, ring.Filter("e0"))
}

func TestRing_Concurrent(t *testing.T) {
	ring := NewRing(64)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				ring.Emit(Record{Event: EventVoteAccepted})
			}
		}()
	}
	wg.Wait()
	assert.Len(t, ring.Records(), 64)
}

func TestMulti(t *testing.T) {
	a, b := NewRing(4), NewRing(4)
	Multi{a, Discard, b}.Emit(Record{Event: EventKeyRotation})
	assert.Len(t, a.Records(), 1)
	assert.Len(t, b.Records(), 1)
}
