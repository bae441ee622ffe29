package intent

import (
	"strings"

	"chimera/internal/logging"
)

// ==========================================================================
// Intent Compiler
// ==========================================================================
//
// Free-form intents compile to ordered plans through (matcher, planner)
// rules. Matching runs over a lowercased copy of the intent; planners see
// both the raw and normalized text. The first matching rule wins, and an
// unmatched intent compiles to a single step on the default tool.

// DefaultTool handles intents no rule recognizes.
const DefaultTool = "echo"

// RoundsAdaptive marks a rounds argument the orchestrator resolves from
// topic confidence at dispatch time.
const RoundsAdaptive = "adaptive"

// Step is one unit of work in a plan: a tool invocation tagged with the
// topic its outcome is recorded under.
type Step struct {
	Tool  string
	Args  map[string]interface{}
	Topic string
}

// Plan is an ordered sequence of steps. Execution is fail-fast: the first
// failing step ends the plan.
type Plan struct {
	Intent string
	Steps  []Step
}

// Rule pairs a matcher over the normalized intent with a planner that
// emits the steps for it.
type Rule struct {
	Name  string
	Match func(normalized string) bool
	Plan  func(raw, normalized string) []Step
}

// Compiler turns intents into plans.
type Compiler struct {
	rules       []Rule
	defaultTool string
}

// NewCompiler creates a compiler carrying the seed rules. An empty
// defaultTool falls back to DefaultTool.
func NewCompiler(defaultTool string) *Compiler {
	if defaultTool == "" {
		defaultTool = DefaultTool
	}
	return &Compiler{
		rules:       seedRules(),
		defaultTool: defaultTool,
	}
}

// AddRule appends a rule. Rules run in insertion order, seed rules first.
func (c *Compiler) AddRule(r Rule) {
	c.rules = append(c.rules, r)
}

// Compile matches the intent against the rules and returns the plan. The
// fallback plan routes the raw intent to the default tool under the
// "general" topic.
func (c *Compiler) Compile(raw string) Plan {
	normalized := strings.ToLower(strings.TrimSpace(raw))

	for _, rule := range c.rules {
		if !rule.Match(normalized) {
			continue
		}
		steps := rule.Plan(raw, normalized)
		logging.IntentDebug("Intent matched rule %q: %d step(s)", rule.Name, len(steps))
		return Plan{Intent: raw, Steps: steps}
	}

	logging.IntentDebug("Intent matched no rule, routing to %s", c.defaultTool)
	return Plan{
		Intent: raw,
		Steps: []Step{{
			Tool:  c.defaultTool,
			Args:  map[string]interface{}{"intent": raw},
			Topic: "general",
		}},
	}
}

// seedRules builds the recognized intent patterns.
func seedRules() []Rule {
	return []Rule{
		{
			Name: "federated_training",
			Match: func(normalized string) bool {
				return strings.Contains(normalized, "federated")
			},
			Plan: func(raw, normalized string) []Step {
				return []Step{{
					Tool:  "start_federated_training",
					Args:  map[string]interface{}{"rounds": RoundsAdaptive},
					Topic: "federated_learning",
				}}
			},
		},
		{
			Name: "optimize_function",
			Match: func(normalized string) bool {
				return strings.Contains(normalized, "optimize") && strings.Contains(normalized, "function")
			},
			Plan: func(raw, normalized string) []Step {
				return []Step{{
					Tool: "analyze_and_patch",
					Args: map[string]interface{}{
						"target": symbolAfter(raw, "function"),
						"goal":   "performance",
					},
					Topic: "optimization",
				}}
			},
		},
		{
			Name: "symbiotic_link",
			Match: func(normalized string) bool {
				return strings.Contains(normalized, "symbiotic")
			},
			Plan: func(raw, normalized string) []Step {
				return []Step{{
					Tool: "initialize_symbiotic_link",
					Args: map[string]interface{}{
						"capabilities": capabilitiesAfter(raw, "with"),
					},
					Topic: "symbiosis",
				}}
			},
		},
	}
}

// symbolAfter returns the first identifier-looking token following the
// keyword, stripped of call parentheses and surrounding punctuation.
// "optimize the function handleRequest()" yields "handleRequest".
func symbolAfter(text, keyword string) string {
	fields := strings.Fields(text)
	for i, tok := range fields {
		if !strings.EqualFold(trimToken(tok), keyword) {
			continue
		}
		for _, candidate := range fields[i+1:] {
			candidate = trimToken(candidate)
			if candidate != "" {
				return candidate
			}
		}
		return ""
	}
	return ""
}

// capabilitiesAfter collects the tokens following the keyword, so
// "establish symbiotic link with vision, audio" yields [vision audio].
// Without the keyword it returns an empty list.
func capabilitiesAfter(text, keyword string) []string {
	fields := strings.Fields(text)
	caps := []string{}
	for i, tok := range fields {
		if !strings.EqualFold(trimToken(tok), keyword) {
			continue
		}
		for _, candidate := range fields[i+1:] {
			candidate = trimToken(candidate)
			if candidate != "" {
				caps = append(caps, candidate)
			}
		}
		break
	}
	return caps
}

func trimToken(tok string) string {
	return strings.Trim(tok, " \t\r\n,;:.!?()[]{}<>\"'`")
}
