package metacog

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"chimera/internal/events"
	"chimera/internal/logging"
)

// ==========================================================================
// Metacognitive Engine
// ==========================================================================
//
// The engine watches task outcomes per topic and decides when the node
// should stop and retrain instead of failing the same way again. Each
// topic keeps a bounded window of recent outcomes; the success ratio over
// that window is the topic's confidence. When confidence sinks below the
// threshold and enough samples exist, Poll hands out a LearningTrigger.
// Cooldown is measured from the completion of a learning round, and at
// most one round per topic is in flight at a time.

// Defaults for the trigger policy.
const (
	DefaultWindowSize          = 100
	DefaultConfidenceThreshold = 0.60
	DefaultCooldown            = 300 * time.Second
	DefaultMinSamples          = 10

	// Rounds recommended by a trigger stay inside this range.
	MinLearningRounds = 3
	MaxLearningRounds = 10

	// Confidence buckets are 0.05 wide; confidence_changed fires when an
	// outcome moves a topic across a bucket edge.
	confidenceBucketWidth = 0.05
)

// EvolutionSink persists the record written when a learning round
// completes with a positive delta.
type EvolutionSink interface {
	RecordEvolution(topic, failureReason, appliedFix string, improvement float64) (int64, error)
}

// LearningTrigger asks the orchestrator to run a learning round for one
// topic. Rounds is advisory.
type LearningTrigger struct {
	Topic       string
	Confidence  float64
	Rounds      int
	TopErrorTag string
}

type outcome struct {
	success  bool
	at       time.Time
	errorTag string
}

// failurePattern is the per-topic record. The engine owns these
// exclusively; nothing outside the package sees one.
type failurePattern struct {
	outcomes  []outcome
	errorTags map[string]int

	lastTrigger time.Time
	inFlight    bool
	lastRounds  int
}

func (p *failurePattern) confidence() float64 {
	if len(p.outcomes) == 0 {
		return 1.0
	}
	successes := 0
	for _, o := range p.outcomes {
		if o.success {
			successes++
		}
	}
	return float64(successes) / float64(len(p.outcomes))
}

// topErrorTag returns the most frequent tag in the window, ties broken
// alphabetically so the answer is stable.
func (p *failurePattern) topErrorTag() string {
	best, bestCount := "", 0
	tags := make([]string, 0, len(p.errorTags))
	for tag := range p.errorTags {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	for _, tag := range tags {
		if p.errorTags[tag] > bestCount {
			best, bestCount = tag, p.errorTags[tag]
		}
	}
	return best
}

// Engine tracks per-topic failure patterns and schedules learning rounds.
type Engine struct {
	mu       sync.Mutex
	patterns map[string]*failurePattern

	windowSize int
	threshold  float64
	cooldown   time.Duration
	minSamples int

	broker *events.Broker
	sink   EvolutionSink

	now func() time.Time
}

// Options configures an Engine. Zero fields take the defaults above.
type Options struct {
	WindowSize          int
	ConfidenceThreshold float64
	Cooldown            time.Duration
	MinSamples          int
	Broker              *events.Broker
	Sink                EvolutionSink

	// Now overrides the clock in tests.
	Now func() time.Time
}

// NewEngine creates an engine with no topic history.
func NewEngine(opts Options) *Engine {
	if opts.WindowSize <= 0 {
		opts.WindowSize = DefaultWindowSize
	}
	if opts.ConfidenceThreshold <= 0 {
		opts.ConfidenceThreshold = DefaultConfidenceThreshold
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = DefaultCooldown
	}
	if opts.MinSamples <= 0 {
		opts.MinSamples = DefaultMinSamples
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		patterns:   make(map[string]*failurePattern),
		windowSize: opts.WindowSize,
		threshold:  opts.ConfidenceThreshold,
		cooldown:   opts.Cooldown,
		minSamples: opts.MinSamples,
		broker:     opts.Broker,
		sink:       opts.Sink,
		now:        opts.Now,
	}
}

// RecordOutcome appends one task outcome to the topic's window. The
// oldest entry is evicted once the window is full. Crossing a confidence
// bucket publishes confidence_changed.
func (e *Engine) RecordOutcome(topic string, success bool, errorTag string) {
	e.mu.Lock()
	p := e.pattern(topic)
	oldBucket := confidenceBucket(p.confidence())

	if len(p.outcomes) >= e.windowSize {
		evicted := p.outcomes[0]
		p.outcomes = p.outcomes[1:]
		if evicted.errorTag != "" {
			p.errorTags[evicted.errorTag]--
			if p.errorTags[evicted.errorTag] <= 0 {
				delete(p.errorTags, evicted.errorTag)
			}
		}
	}
	p.outcomes = append(p.outcomes, outcome{success: success, at: e.now(), errorTag: errorTag})
	if !success && errorTag != "" {
		p.errorTags[errorTag]++
	}

	conf := p.confidence()
	newBucket := confidenceBucket(conf)
	e.mu.Unlock()

	logging.MetacogDebug("Outcome for %s: success=%v confidence=%.2f", topic, success, conf)
	if newBucket != oldBucket && e.broker != nil {
		e.broker.Publish(events.ConfidenceChanged, map[string]interface{}{
			"topic":      topic,
			"confidence": conf,
			"previous":   float64(oldBucket) * confidenceBucketWidth,
		})
	}
}

// Confidence returns the success ratio over the topic's window. Unknown
// topics and empty windows report 1.0.
func (e *Engine) Confidence(topic string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[topic]
	if !ok {
		return 1.0
	}
	return p.confidence()
}

// SystemConfidence is the mean confidence over all known topics, 1.0 when
// no topic has history yet.
func (e *Engine) SystemConfidence() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.patterns) == 0 {
		return 1.0
	}
	sum := 0.0
	for _, p := range e.patterns {
		sum += p.confidence()
	}
	return sum / float64(len(e.patterns))
}

// Confidences returns a snapshot of every topic's confidence.
func (e *Engine) Confidences() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.patterns))
	for topic, p := range e.patterns {
		out[topic] = p.confidence()
	}
	return out
}

// TopErrorTag returns the dominant error tag in the topic's window, or
// the empty string when the window holds no tagged failures.
func (e *Engine) TopErrorTag(topic string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.patterns[topic]
	if !ok {
		return ""
	}
	return p.topErrorTag()
}

// Poll returns a LearningTrigger for the weakest eligible topic, or nil.
// A topic is eligible when its confidence is below the threshold, its
// window holds at least MinSamples outcomes, no round is in flight for
// it, and the cooldown since the last completed round has passed. The
// returned topic is marked in-flight until OnLearningComplete.
func (e *Engine) Poll() *LearningTrigger {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	var (
		bestTopic string
		best      *failurePattern
		bestConf  float64
	)
	for topic, p := range e.patterns {
		if len(p.outcomes) < e.minSamples {
			continue
		}
		conf := p.confidence()
		if conf >= e.threshold {
			continue
		}
		if p.inFlight {
			continue
		}
		if !p.lastTrigger.IsZero() && now.Sub(p.lastTrigger) < e.cooldown {
			continue
		}
		if best == nil || conf < bestConf || (conf == bestConf && topic < bestTopic) {
			bestTopic, best, bestConf = topic, p, conf
		}
	}
	if best == nil {
		return nil
	}

	rounds := recommendRounds(bestConf)
	best.inFlight = true
	best.lastRounds = rounds
	trigger := &LearningTrigger{
		Topic:       bestTopic,
		Confidence:  bestConf,
		Rounds:      rounds,
		TopErrorTag: best.topErrorTag(),
	}
	logging.Metacog("Learning trigger for %s: confidence=%.2f rounds=%d tag=%q",
		trigger.Topic, trigger.Confidence, trigger.Rounds, trigger.TopErrorTag)
	return trigger
}

// OnLearningComplete closes the topic's in-flight round and starts the
// cooldown from now. A positive delta writes an evolution record and
// publishes evolution_applied; a failed write raises a system alert and
// the node carries on.
func (e *Engine) OnLearningComplete(topic string, deltaConfidence float64) {
	now := e.now()

	e.mu.Lock()
	p := e.pattern(topic)
	p.inFlight = false
	p.lastTrigger = now
	rounds := p.lastRounds
	failureReason := p.topErrorTag()
	e.mu.Unlock()

	logging.Metacog("Learning round for %s completed: delta=%+.2f", topic, deltaConfidence)
	if deltaConfidence <= 0 {
		return
	}

	if failureReason == "" {
		failureReason = "low_confidence"
	}
	appliedFix := fmt.Sprintf("federated_training rounds=%d", rounds)

	var evolutionID int64
	if e.sink != nil {
		id, err := e.sink.RecordEvolution(topic, failureReason, appliedFix, deltaConfidence)
		if err != nil {
			logging.MetacogWarn("Failed to persist evolution for %s: %v", topic, err)
			if e.broker != nil {
				e.broker.PublishWithPriority(events.SystemAlert, map[string]interface{}{
					"reason": "storage_unavailable",
					"topic":  topic,
					"error":  err.Error(),
				}, events.PrioritySystemAlert)
			}
		} else {
			evolutionID = id
		}
	}

	if e.broker != nil {
		e.broker.Publish(events.EvolutionApplied, map[string]interface{}{
			"topic":            topic,
			"delta_confidence": deltaConfidence,
			"applied_fix":      appliedFix,
			"evolution_id":     evolutionID,
		})
	}
}

// pattern returns the topic's record, creating it on first use. Callers
// hold e.mu.
func (e *Engine) pattern(topic string) *failurePattern {
	p, ok := e.patterns[topic]
	if !ok {
		p = &failurePattern{errorTags: make(map[string]int)}
		e.patterns[topic] = p
	}
	return p
}

// RecommendedRounds returns the adaptive round count for the topic's
// current confidence.
func (e *Engine) RecommendedRounds(topic string) int {
	return recommendRounds(e.Confidence(topic))
}

// recommendRounds maps low confidence to more training rounds.
func recommendRounds(confidence float64) int {
	rounds := int(math.Round(10 * (1 - confidence)))
	if rounds < MinLearningRounds {
		rounds = MinLearningRounds
	}
	if rounds > MaxLearningRounds {
		rounds = MaxLearningRounds
	}
	return rounds
}

// confidenceBucket maps a confidence to its 0.05-wide bucket index. The
// epsilon keeps exact multiples of 0.05 in the bucket they name.
func confidenceBucket(confidence float64) int {
	return int(confidence/confidenceBucketWidth + 1e-9)
}
