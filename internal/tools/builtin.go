package tools

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// simulatedRoundTime paces the built-in trainer so learning rounds
// take observable, bounded wall time.
const simulatedRoundTime = 5 * time.Millisecond

// RegisterBuiltins installs the local tool set every node ships with.
func RegisterBuiltins(r *Registry) {
	r.MustRegister(NewEchoTool())
	r.MustRegister(NewFederatedTrainingTool())
	r.MustRegister(NewAnalyzeAndPatchTool())
	r.MustRegister(NewSymbioticLinkTool())
}

// NewEchoTool returns a tool that reflects its input back. It doubles
// as the fallback for unmatched intents.
func NewEchoTool() *Tool {
	return &Tool{
		Name:        "echo",
		Version:     "1.0.0",
		Description: "Reflects the provided message or intent back to the caller",
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			msg := stringArg(args, "message", "")
			if msg == "" {
				msg = stringArg(args, "intent", "")
			}
			if msg == "" {
				return nil, NewError(KindInvalidArgs, "echo requires a message or intent argument")
			}
			return map[string]any{"echo": msg}, nil
		},
	}
}

// NewFederatedTrainingTool returns the simulated federated trainer.
// Each round contributes a fixed confidence delta; the params hash
// identifies the resulting model generation.
func NewFederatedTrainingTool() *Tool {
	return &Tool{
		Name:         "start_federated_training",
		Version:      "1.0.0",
		Description:  "Runs federated training rounds for a topic and reports the confidence delta",
		Dependencies: []string{"federated_learning"},
		Timeout:      2 * time.Minute,
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			rounds := intArg(args, "rounds", 5)
			if rounds < 1 {
				return nil, NewError(KindInvalidArgs, "rounds must be positive, got %d", rounds)
			}
			topic := stringArg(args, "topic", "general")

			select {
			case <-time.After(time.Duration(rounds) * simulatedRoundTime):
			case <-ctx.Done():
				return nil, ctx.Err()
			}

			delta := 0.02 * float64(rounds)
			sum := sha3.Sum256([]byte(fmt.Sprintf("%s|%d|%d", topic, rounds, time.Now().UnixNano())))
			return map[string]any{
				"topic":            topic,
				"rounds":           rounds,
				"delta_confidence": delta,
				"params_hash":      hex.EncodeToString(sum[:8]),
			}, nil
		},
	}
}

// NewAnalyzeAndPatchTool returns the simulated optimizer for a named
// symbol.
func NewAnalyzeAndPatchTool() *Tool {
	return &Tool{
		Name:         "analyze_and_patch",
		Version:      "1.0.0",
		Description:  "Analyzes a target symbol and applies a patch toward the stated goal",
		Dependencies: []string{"code_analysis"},
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			target := stringArg(args, "target", "")
			if target == "" {
				return nil, NewError(KindInvalidArgs, "analyze_and_patch requires a target symbol")
			}
			goal := stringArg(args, "goal", "performance")
			return map[string]any{
				"target":         target,
				"goal":           goal,
				"patch":          fmt.Sprintf("rewrote %s for %s", target, goal),
				"estimated_gain": 0.05,
			}, nil
		},
	}
}

// NewSymbioticLinkTool returns the tool that establishes a symbiotic
// link with a peer system.
func NewSymbioticLinkTool() *Tool {
	return &Tool{
		Name:         "initialize_symbiotic_link",
		Version:      "1.0.0",
		Description:  "Establishes a capability-sharing link and returns its identifier",
		Dependencies: []string{"symbiosis"},
		Run: func(ctx context.Context, args map[string]any) (any, error) {
			return map[string]any{
				"link_id":      uuid.NewString(),
				"capabilities": stringsArg(args, "capabilities"),
				"established":  true,
			}, nil
		},
	}
}

// ---- argument helpers ----

func stringArg(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// intArg tolerates float64 because decoded JSON numbers arrive that way.
func intArg(args map[string]any, key string, fallback int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func stringsArg(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
