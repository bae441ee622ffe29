package metacog

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chimera/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type evolutionCall struct {
	topic         string
	failureReason string
	appliedFix    string
	improvement   float64
}

type fakeSink struct {
	mu    sync.Mutex
	calls []evolutionCall
	err   error
}

func (s *fakeSink) RecordEvolution(topic, failureReason, appliedFix string, improvement float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.calls = append(s.calls, evolutionCall{topic, failureReason, appliedFix, improvement})
	return int64(len(s.calls)), nil
}

func (s *fakeSink) Calls() []evolutionCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]evolutionCall, len(s.calls))
	copy(out, s.calls)
	return out
}

func waitEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case ev := <-sub.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return events.Event{}
	}
}

func recordN(e *Engine, topic string, n int, success bool, tag string) {
	for i := 0; i < n; i++ {
		e.RecordOutcome(topic, success, tag)
	}
}

func TestConfidenceDefaultsToOptimistic(t *testing.T) {
	e := NewEngine(Options{})
	assert.Equal(t, 1.0, e.Confidence("never_seen"))
	assert.Equal(t, 1.0, e.SystemConfidence())
}

func TestConfidenceIsWindowSuccessRatio(t *testing.T) {
	e := NewEngine(Options{})
	recordN(e, "optimization", 6, true, "")
	recordN(e, "optimization", 4, false, "timeout")
	assert.InDelta(t, 0.6, e.Confidence("optimization"), 1e-9)
}

func TestWindowEvictsOldestOutcome(t *testing.T) {
	e := NewEngine(Options{WindowSize: 4})
	recordN(e, "general", 4, false, "timeout")
	assert.InDelta(t, 0.0, e.Confidence("general"), 1e-9)

	// Four fresh successes push the failures out of the window entirely,
	// and the evicted failures release their error tags.
	recordN(e, "general", 4, true, "")
	assert.InDelta(t, 1.0, e.Confidence("general"), 1e-9)
	assert.Equal(t, "", e.TopErrorTag("general"))
}

func TestSystemConfidenceIsMeanOverTopics(t *testing.T) {
	e := NewEngine(Options{})
	recordN(e, "a", 2, true, "")
	recordN(e, "b", 1, true, "")
	recordN(e, "b", 1, false, "oom")
	assert.InDelta(t, 0.75, e.SystemConfidence(), 1e-9)

	confs := e.Confidences()
	assert.InDelta(t, 1.0, confs["a"], 1e-9)
	assert.InDelta(t, 0.5, confs["b"], 1e-9)
}

func TestTopErrorTagCountsWindowTags(t *testing.T) {
	e := NewEngine(Options{})
	e.RecordOutcome("optimization", false, "timeout")
	e.RecordOutcome("optimization", false, "oom")
	e.RecordOutcome("optimization", false, "timeout")
	assert.Equal(t, "timeout", e.TopErrorTag("optimization"))

	// Ties resolve alphabetically.
	e2 := NewEngine(Options{})
	e2.RecordOutcome("x", false, "remote_crashed")
	e2.RecordOutcome("x", false, "oom")
	assert.Equal(t, "oom", e2.TopErrorTag("x"))
}

func TestConfidenceChangedFiresOnBucketCross(t *testing.T) {
	broker := events.NewBroker(events.Options{})
	t.Cleanup(broker.Close)
	sub := broker.Subscribe("test", events.ConfidenceChanged)

	e := NewEngine(Options{Broker: broker})

	// First success leaves confidence at 1.0: same bucket, no event.
	e.RecordOutcome("general", true, "")

	// A failure halves confidence and crosses several buckets.
	e.RecordOutcome("general", false, "timeout")
	ev := waitEvent(t, sub)
	assert.Equal(t, events.ConfidenceChanged, ev.Type)
	assert.Equal(t, 7, ev.Priority)
	assert.Equal(t, "general", ev.Data["topic"])
	assert.InDelta(t, 0.5, ev.Data["confidence"].(float64), 1e-9)

	// Another failure moves 0.50 to 0.33, another cross.
	e.RecordOutcome("general", false, "timeout")
	ev = waitEvent(t, sub)
	assert.InDelta(t, 1.0/3.0, ev.Data["confidence"].(float64), 1e-9)
}

func TestPollRequiresSamplesThresholdCooldownAndFlight(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{}
	broker := events.NewBroker(events.Options{})
	t.Cleanup(broker.Close)
	sub := broker.Subscribe("test", events.EvolutionApplied)

	e := NewEngine(Options{Broker: broker, Sink: sink, Now: clock.Now})

	// Nine straight failures are below min_samples: no trigger yet.
	recordN(e, "optimization", 9, false, "timeout")
	require.Nil(t, e.Poll())

	// The tenth failure satisfies min_samples with confidence 0.
	e.RecordOutcome("optimization", false, "timeout")
	trigger := e.Poll()
	require.NotNil(t, trigger)
	assert.Equal(t, "optimization", trigger.Topic)
	assert.InDelta(t, 0.0, trigger.Confidence, 1e-9)
	assert.Equal(t, MaxLearningRounds, trigger.Rounds)
	assert.Equal(t, "timeout", trigger.TopErrorTag)

	// The round is now in flight: no second trigger for the topic.
	require.Nil(t, e.Poll())

	// Completion with a positive delta persists an evolution record and
	// publishes evolution_applied.
	e.OnLearningComplete("optimization", 0.20)
	calls := sink.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "optimization", calls[0].topic)
	assert.Equal(t, "timeout", calls[0].failureReason)
	assert.Equal(t, "federated_training rounds=10", calls[0].appliedFix)
	assert.InDelta(t, 0.20, calls[0].improvement, 1e-9)

	ev := waitEvent(t, sub)
	assert.Equal(t, 8, ev.Priority)
	assert.Equal(t, "optimization", ev.Data["topic"])
	assert.InDelta(t, 0.20, ev.Data["delta_confidence"].(float64), 1e-9)
	assert.Equal(t, "federated_training rounds=10", ev.Data["applied_fix"])

	// Cooldown runs from completion: still suppressed short of 300s,
	// eligible again after.
	clock.Advance(299 * time.Second)
	require.Nil(t, e.Poll())
	clock.Advance(1 * time.Second)
	require.NotNil(t, e.Poll())
}

func TestPollSkipsConfidentTopics(t *testing.T) {
	e := NewEngine(Options{})
	recordN(e, "general", 7, true, "")
	recordN(e, "general", 3, false, "timeout")
	assert.InDelta(t, 0.7, e.Confidence("general"), 1e-9)
	assert.Nil(t, e.Poll())
}

func TestPollPicksWeakestTopicFirst(t *testing.T) {
	e := NewEngine(Options{})
	recordN(e, "optimization", 5, true, "")
	recordN(e, "optimization", 5, false, "timeout")
	recordN(e, "symbiosis", 2, true, "")
	recordN(e, "symbiosis", 8, false, "oom")

	first := e.Poll()
	require.NotNil(t, first)
	assert.Equal(t, "symbiosis", first.Topic)

	second := e.Poll()
	require.NotNil(t, second)
	assert.Equal(t, "optimization", second.Topic)
}

func TestRecommendedRoundsScaleWithConfidence(t *testing.T) {
	// 10 × (1 − confidence), clamped to [3, 10].
	cases := []struct {
		confidence float64
		rounds     int
	}{
		{0.0, 10},
		{0.25, 8},
		{0.5, 5},
		{0.8, 3},
		{1.0, 3},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.rounds, recommendRounds(tc.confidence), "confidence %.2f", tc.confidence)
	}

	// A raised threshold makes a mid-confidence trigger observable with
	// the clamp floor applied.
	e := NewEngine(Options{ConfidenceThreshold: 0.9})
	recordN(e, "general", 8, true, "")
	recordN(e, "general", 2, false, "slow")
	trigger := e.Poll()
	require.NotNil(t, trigger)
	assert.InDelta(t, 0.8, trigger.Confidence, 1e-9)
	assert.Equal(t, MinLearningRounds, trigger.Rounds)
}

func TestOnLearningCompleteIgnoresNonPositiveDelta(t *testing.T) {
	clock := newFakeClock()
	sink := &fakeSink{}
	e := NewEngine(Options{Sink: sink, Now: clock.Now})

	recordN(e, "optimization", 10, false, "timeout")
	require.NotNil(t, e.Poll())

	// No improvement: nothing persisted, but the cooldown still arms.
	e.OnLearningComplete("optimization", -0.05)
	assert.Empty(t, sink.Calls())
	require.Nil(t, e.Poll())
	clock.Advance(DefaultCooldown)
	require.NotNil(t, e.Poll())
}

func TestOnLearningCompleteStorageFailureRaisesAlert(t *testing.T) {
	sink := &fakeSink{err: errors.New("store unavailable: write breaker open")}
	broker := events.NewBroker(events.Options{})
	t.Cleanup(broker.Close)
	sub := broker.Subscribe("test", events.Wildcard)

	e := NewEngine(Options{Broker: broker, Sink: sink})
	recordN(e, "optimization", 10, false, "timeout")
	require.NotNil(t, e.Poll())
	e.OnLearningComplete("optimization", 0.20)

	// The alert and the evolution event both surface; the alert wins on
	// priority.
	first := waitEvent(t, sub)
	second := waitEvent(t, sub)
	types := map[events.EventType]events.Event{first.Type: first, second.Type: second}

	alert, ok := types[events.SystemAlert]
	require.True(t, ok, "expected a system_alert, got %v and %v", first.Type, second.Type)
	assert.Equal(t, events.PrioritySystemAlert, alert.Priority)
	assert.Equal(t, "storage_unavailable", alert.Data["reason"])

	applied, ok := types[events.EvolutionApplied]
	require.True(t, ok)
	assert.Equal(t, int64(0), applied.Data["evolution_id"])
}
