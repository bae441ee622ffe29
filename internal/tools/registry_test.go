package tools

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"chimera/internal/events"
	"chimera/internal/store"
)

// fakeSink captures persisted samples and can simulate write failures.
type fakeSink struct {
	samples []store.ToolMetric
	err     error
}

func (f *fakeSink) RecordToolMetric(m store.ToolMetric) error {
	if f.err != nil {
		return f.err
	}
	f.samples = append(f.samples, m)
	return nil
}

func nextEvent(t *testing.T, sub *events.Subscription) events.Event {
	t.Helper()
	select {
	case ev, ok := <-sub.Events():
		if !ok {
			t.Fatal("subscription closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return events.Event{}
}

func okTool(name string) *Tool {
	return &Tool{
		Name: name,
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			return "ok", nil
		},
	}
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	if reg == nil {
		t.Fatal("NewRegistry returned nil")
	}
	if reg.Count() != 0 {
		t.Errorf("new registry should be empty, got %d tools", reg.Count())
	}
}

func TestRegisterValidation(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})

	tests := []struct {
		name    string
		tool    *Tool
		wantErr error
	}{
		{
			name:    "empty name",
			tool:    &Tool{Name: "", Run: func(ctx context.Context, args map[string]any) (any, error) { return nil, nil }},
			wantErr: ErrToolNameEmpty,
		},
		{
			name:    "nil run",
			tool:    &Tool{Name: "test", Run: nil},
			wantErr: ErrToolRunNil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := reg.Register(tt.tool)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("got error %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRegisterReplacesExistingAndResetsMetrics(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})

	v1 := okTool("dupe")
	v1.Version = "1.0.0"
	if err := reg.Register(v1); err != nil {
		t.Fatalf("first Register failed: %v", err)
	}
	reg.Execute(context.Background(), "dupe", nil)

	m, ok := reg.MetricsFor("dupe")
	if !ok || m.SuccessCount != 1 {
		t.Fatalf("expected 1 success before replacement, got %+v", m)
	}

	v2 := okTool("dupe")
	v2.Version = "2.0.0"
	if err := reg.Register(v2); err != nil {
		t.Fatalf("replacement Register failed: %v", err)
	}

	if reg.Count() != 1 {
		t.Errorf("expected 1 tool after replacement, got %d", reg.Count())
	}
	if got := reg.Get("dupe").Version; got != "2.0.0" {
		t.Errorf("expected replacement version 2.0.0, got %s", got)
	}
	m, _ = reg.MetricsFor("dupe")
	if m.Executions() != 0 {
		t.Errorf("expected metrics reset on replacement, got %+v", m)
	}
}

func TestExecuteSuccessEmitsOneMetricAndOneEvent(t *testing.T) {
	broker := events.NewBroker(events.Options{})
	defer broker.Close()
	sink := &fakeSink{}
	reg := NewRegistry(RegistryOptions{Broker: broker, Sink: sink})
	reg.MustRegister(okTool("greet"))

	sub := broker.Subscribe("test", events.ToolExecuted)
	defer broker.Unsubscribe(sub)

	result := reg.Execute(context.Background(), "greet", map[string]any{"k": "v"})
	if !result.Success {
		t.Fatalf("expected success, got %+v", result.Error)
	}
	if result.Data != "ok" {
		t.Errorf("got data %v, want ok", result.Data)
	}

	ev := nextEvent(t, sub)
	if ev.Type != events.ToolExecuted {
		t.Errorf("got event type %s, want tool_executed", ev.Type)
	}
	if ev.Data["tool_name"] != "greet" || ev.Data["success"] != true {
		t.Errorf("unexpected event data: %v", ev.Data)
	}

	if len(sink.samples) != 1 {
		t.Fatalf("expected exactly 1 persisted sample, got %d", len(sink.samples))
	}
	if !sink.samples[0].Success || sink.samples[0].ToolName != "greet" {
		t.Errorf("unexpected sample: %+v", sink.samples[0])
	}
}

func TestExecuteUnknownToolSkipsMetricAndEvent(t *testing.T) {
	broker := events.NewBroker(events.Options{})
	defer broker.Close()
	sink := &fakeSink{}
	reg := NewRegistry(RegistryOptions{Broker: broker, Sink: sink})

	sub := broker.Subscribe("test", events.Wildcard)
	defer broker.Unsubscribe(sub)

	result := reg.Execute(context.Background(), "ghost", nil)
	if result.Success {
		t.Fatal("expected failure for unknown tool")
	}
	if result.Error.Kind != KindUnknownTool {
		t.Errorf("got kind %s, want unknown_tool", result.Error.Kind)
	}

	// A low-priority marker published afterwards must be the first
	// thing the subscriber sees.
	broker.PublishWithPriority(events.SystemAlert, map[string]interface{}{"marker": true}, 1)
	ev := nextEvent(t, sub)
	if ev.Data["marker"] != true {
		t.Errorf("expected marker event first, got %s %v", ev.Type, ev.Data)
	}
	if len(sink.samples) != 0 {
		t.Errorf("expected no persisted samples, got %d", len(sink.samples))
	}
}

func TestExecuteInvalidArgsSkipsMetricAndEvent(t *testing.T) {
	broker := events.NewBroker(events.Options{})
	defer broker.Close()
	sink := &fakeSink{}
	reg := NewRegistry(RegistryOptions{Broker: broker, Sink: sink})
	reg.MustRegister(&Tool{
		Name: "picky",
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, NewError(KindInvalidArgs, "need more args")
		},
	})

	sub := broker.Subscribe("test", events.Wildcard)
	defer broker.Unsubscribe(sub)

	result := reg.Execute(context.Background(), "picky", nil)
	if result.Error == nil || result.Error.Kind != KindInvalidArgs {
		t.Fatalf("expected invalid_args, got %+v", result)
	}

	broker.PublishWithPriority(events.SystemAlert, map[string]interface{}{"marker": true}, 1)
	ev := nextEvent(t, sub)
	if ev.Data["marker"] != true {
		t.Errorf("expected marker event first, got %s %v", ev.Type, ev.Data)
	}

	m, _ := reg.MetricsFor("picky")
	if m.Executions() != 0 {
		t.Errorf("expected no metric for invalid args, got %+v", m)
	}
	if len(sink.samples) != 0 {
		t.Errorf("expected no persisted samples, got %d", len(sink.samples))
	}
}

func TestExecuteTimeout(t *testing.T) {
	sink := &fakeSink{}
	reg := NewRegistry(RegistryOptions{Sink: sink})
	reg.MustRegister(&Tool{
		Name:    "sleeper",
		Timeout: 20 * time.Millisecond,
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			select {
			case <-time.After(500 * time.Millisecond):
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	result := reg.Execute(context.Background(), "sleeper", nil)
	if result.Success {
		t.Fatal("expected timeout failure")
	}
	if result.Error.Kind != KindTimeout {
		t.Errorf("got kind %s, want timeout", result.Error.Kind)
	}
	if !result.Error.Kind.Retryable() {
		t.Error("timeout should be retryable")
	}

	m, _ := reg.MetricsFor("sleeper")
	if m.FailureCount != 1 {
		t.Errorf("expected 1 failure, got %+v", m)
	}
	if len(sink.samples) != 1 || sink.samples[0].Success {
		t.Fatalf("expected 1 failed sample, got %+v", sink.samples)
	}
	if sink.samples[0].Context["error_kind"] != string(KindTimeout) {
		t.Errorf("unexpected sample context: %v", sink.samples[0].Context)
	}
}

func TestExecutePanicClassifiedAsExecutionError(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	reg.MustRegister(&Tool{
		Name: "bomb",
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			panic("boom")
		},
	})

	result := reg.Execute(context.Background(), "bomb", nil)
	if result.Success {
		t.Fatal("expected failure from panicking tool")
	}
	if result.Error.Kind != KindExecutionError {
		t.Errorf("got kind %s, want execution_error", result.Error.Kind)
	}
	if !strings.Contains(result.Error.Message, "boom") {
		t.Errorf("expected panic value in message, got %q", result.Error.Message)
	}

	m, _ := reg.MetricsFor("bomb")
	if m.FailureCount != 1 {
		t.Errorf("expected 1 failure, got %+v", m)
	}
}

func TestExecutePreservesClassifiedKind(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	reg.MustRegister(&Tool{
		Name: "offline",
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			return nil, NewError(KindDependencyUnavailable, "upstream is down")
		},
	})

	result := reg.Execute(context.Background(), "offline", nil)
	if result.Error.Kind != KindDependencyUnavailable {
		t.Errorf("got kind %s, want dependency_unavailable", result.Error.Kind)
	}

	m, _ := reg.MetricsFor("offline")
	if m.FailureCount != 1 {
		t.Errorf("dependency failures must be recorded, got %+v", m)
	}
	if !strings.Contains(m.LastError, "upstream is down") {
		t.Errorf("expected last error to carry the message, got %q", m.LastError)
	}
}

func TestStorageFailurePublishesAlertButKeepsEvent(t *testing.T) {
	broker := events.NewBroker(events.Options{})
	defer broker.Close()
	sink := &fakeSink{err: store.ErrUnavailable}
	reg := NewRegistry(RegistryOptions{Broker: broker, Sink: sink})
	reg.MustRegister(okTool("greet"))

	sub := broker.Subscribe("test", events.Wildcard)
	defer broker.Unsubscribe(sub)

	result := reg.Execute(context.Background(), "greet", nil)
	if !result.Success {
		t.Fatalf("tool should still succeed, got %+v", result.Error)
	}

	seen := map[events.EventType]bool{}
	for i := 0; i < 2; i++ {
		ev := nextEvent(t, sub)
		seen[ev.Type] = true
		if ev.Type == events.SystemAlert {
			if ev.Priority != events.PrioritySystemAlert {
				t.Errorf("alert priority = %d, want %d", ev.Priority, events.PrioritySystemAlert)
			}
			if ev.Data["reason"] != "storage_unavailable" {
				t.Errorf("unexpected alert data: %v", ev.Data)
			}
		}
	}
	if !seen[events.SystemAlert] || !seen[events.ToolExecuted] {
		t.Errorf("expected both system_alert and tool_executed, got %v", seen)
	}
}

func TestErrorKindClassification(t *testing.T) {
	tests := []struct {
		kind        ErrorKind
		retryable   bool
		skipsMetric bool
	}{
		{KindUnknownTool, false, true},
		{KindInvalidArgs, false, true},
		{KindTimeout, true, false},
		{KindRemoteRefused, true, false},
		{KindRemoteCrashed, true, false},
		{KindDependencyUnavailable, false, false},
		{KindExecutionError, false, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.retryable {
				t.Errorf("Retryable() = %v, want %v", got, tt.retryable)
			}
			if got := tt.kind.SkipsMetric(); got != tt.skipsMetric {
				t.Errorf("SkipsMetric() = %v, want %v", got, tt.skipsMetric)
			}
		})
	}
}

func TestKindOf(t *testing.T) {
	if got := KindOf(nil); got != "" {
		t.Errorf("KindOf(nil) = %q, want empty", got)
	}
	if got := KindOf(NewError(KindTimeout, "x")); got != KindTimeout {
		t.Errorf("KindOf(ToolError) = %q, want timeout", got)
	}
	if got := KindOf(errors.New("plain")); got != KindExecutionError {
		t.Errorf("KindOf(plain) = %q, want execution_error", got)
	}
}
