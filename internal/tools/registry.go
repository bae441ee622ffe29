package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"chimera/internal/events"
	"chimera/internal/logging"
	"chimera/internal/metrics"
	"chimera/internal/store"
)

// DefaultTimeout bounds tool invocations that declare none of their own.
const DefaultTimeout = 30 * time.Second

// MetricSink receives one sample per classified execution. Usually a
// *store.Store; nil disables persistence.
type MetricSink interface {
	RecordToolMetric(m store.ToolMetric) error
}

// Registry holds all available tools and dispatches local executions.
// It is thread-safe and supports registration at runtime.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]*Tool
	stats map[string]*ToolMetrics

	broker         *events.Broker
	sink           MetricSink
	prom           *metrics.Metrics
	defaultTimeout time.Duration
}

// RegistryOptions wires the registry's outputs. Nil fields disable the
// corresponding emission.
type RegistryOptions struct {
	Broker         *events.Broker
	Sink           MetricSink
	Metrics        *metrics.Metrics
	DefaultTimeout time.Duration
}

// NewRegistry creates an empty tool registry.
func NewRegistry(opts RegistryOptions) *Registry {
	timeout := opts.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Registry{
		tools:          make(map[string]*Tool),
		stats:          make(map[string]*ToolMetrics),
		broker:         opts.Broker,
		sink:           opts.Sink,
		prom:           opts.Metrics,
		defaultTimeout: timeout,
	}
}

// Register adds a tool. Re-registering an existing name replaces the
// old tool and resets its running metrics; the replacement is logged.
func (r *Registry) Register(tool *Tool) error {
	if err := tool.Validate(); err != nil {
		return fmt.Errorf("invalid tool: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, exists := r.tools[tool.Name]; exists {
		logging.ToolsWarn("Replacing tool %s (version %s -> %s)", tool.Name, old.Version, tool.Version)
	}
	r.tools[tool.Name] = tool
	r.stats[tool.Name] = &ToolMetrics{}

	logging.ToolsDebug("Registered tool: %s (version=%s, deps=%v)", tool.Name, tool.Version, tool.Dependencies)
	return nil
}

// MustRegister registers a tool and panics on error. Use for static
// registration at startup.
func (r *Registry) MustRegister(tool *Tool) {
	if err := r.Register(tool); err != nil {
		panic(fmt.Sprintf("failed to register tool %s: %v", tool.Name, err))
	}
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) *Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// Has returns true if a tool with the given name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Count returns the number of registered tools.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}

// MetricsFor returns a copy of a tool's running metrics.
func (r *Registry) MetricsFor(name string) (ToolMetrics, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.stats[name]
	if !ok {
		return ToolMetrics{}, false
	}
	return *m, true
}

// Execute runs a tool by name with the given arguments and classifies
// the outcome. Unknown tools and invalid arguments return immediately
// with no metric or event; every other outcome updates the tool's
// running metrics, appends a persistence sample, and publishes one
// tool_executed event.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) *ToolResult {
	tool := r.Get(name)
	if tool == nil {
		return Failure(name, NewError(KindUnknownTool, "no tool registered under %q", name), 0)
	}

	timeout := tool.Timeout
	if timeout <= 0 {
		timeout = r.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	logging.ToolsDebug("Executing tool: %s", name)
	start := time.Now()

	type outcome struct {
		data any
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				ch <- outcome{err: NewError(KindExecutionError, "tool %s panicked: %v", name, p)}
			}
		}()
		data, err := tool.Run(ctx, args)
		ch <- outcome{data: data, err: err}
	}()

	var result *ToolResult
	select {
	case out := <-ch:
		result = r.classify(name, out.data, out.err, time.Since(start))
	case <-ctx.Done():
		latency := time.Since(start)
		if ctx.Err() == context.DeadlineExceeded {
			result = Failure(name, NewError(KindTimeout, "tool %s exceeded %s", name, timeout), latency)
		} else {
			result = Failure(name, NewError(KindExecutionError, "tool %s cancelled", name), latency)
		}
	}

	r.record(result)
	return result
}

// classify turns a tool body's return into a tagged result.
func (r *Registry) classify(name string, data any, err error, latency time.Duration) *ToolResult {
	if err == nil {
		return &ToolResult{
			ToolName:       name,
			Success:        true,
			Data:           data,
			LatencySeconds: latency.Seconds(),
		}
	}

	var te *ToolError
	if errors.As(err, &te) {
		return Failure(name, te, latency)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Failure(name, NewError(KindTimeout, "tool %s timed out", name), latency)
	}
	return Failure(name, WrapError(KindExecutionError, fmt.Sprintf("tool %s failed", name), err), latency)
}

// RecordDispatch folds an orchestrator-level outcome into the same
// metric/event pipeline as local executions: remote results and failed
// placements both land here. nodeID tags the worker that held the task;
// empty means none was involved.
func (r *Registry) RecordDispatch(result *ToolResult, nodeID string) {
	var extra map[string]interface{}
	if nodeID != "" {
		extra = map[string]interface{}{"node_id": nodeID}
	}
	r.recordWith(result, extra)
}

// record updates running metrics and emits the metric/event pair.
// Exactly one sample and one event per classified execution.
func (r *Registry) record(result *ToolResult) {
	r.recordWith(result, nil)
}

func (r *Registry) recordWith(result *ToolResult, extra map[string]interface{}) {
	kind := result.ErrorKindOrEmpty()
	if kind.SkipsMetric() {
		logging.ToolsDebug("Tool %s rejected before execution (%s), no metric recorded", result.ToolName, kind)
		return
	}

	latency := time.Duration(result.LatencySeconds * float64(time.Second))

	r.mu.Lock()
	stats, ok := r.stats[result.ToolName]
	if !ok {
		// Tool was replaced or removed mid-flight, or runs only on remote
		// nodes; keep the sample anyway.
		stats = &ToolMetrics{}
		r.stats[result.ToolName] = stats
	}
	if result.Success {
		stats.SuccessCount++
	} else {
		stats.FailureCount++
		stats.LastError = result.Error.Error()
	}
	stats.TotalLatency += latency
	r.mu.Unlock()

	metricContext := make(map[string]interface{}, len(extra)+1)
	for k, v := range extra {
		metricContext[k] = v
	}
	outcomeLabel := "success"
	if !result.Success {
		outcomeLabel = string(kind)
		metricContext["error_kind"] = string(kind)
		logging.ToolsError("Tool %s failed in %.3fs: %v", result.ToolName, result.LatencySeconds, result.Error)
	} else {
		logging.Tools("Tool %s succeeded in %.3fs", result.ToolName, result.LatencySeconds)
	}
	if len(metricContext) == 0 {
		metricContext = nil
	}
	r.prom.ToolExecuted(result.ToolName, outcomeLabel, result.LatencySeconds)

	if r.sink != nil {
		sample := store.ToolMetric{
			ToolName: result.ToolName,
			Success:  result.Success,
			Latency:  latency,
			Context:  metricContext,
		}
		if err := r.sink.RecordToolMetric(sample); err != nil {
			logging.ToolsError("Metric persistence failed for %s: %v", result.ToolName, err)
			if r.broker != nil {
				r.broker.PublishWithPriority(events.SystemAlert, map[string]interface{}{
					"reason":    "storage_unavailable",
					"tool_name": result.ToolName,
					"error":     err.Error(),
				}, events.PrioritySystemAlert)
			}
		}
	}

	if r.broker != nil {
		data := map[string]interface{}{
			"tool_name":       result.ToolName,
			"success":         result.Success,
			"latency_seconds": result.LatencySeconds,
		}
		for k, v := range extra {
			data[k] = v
		}
		if !result.Success {
			data["error_kind"] = string(kind)
		}
		r.broker.Publish(events.ToolExecuted, data)
	}
}
