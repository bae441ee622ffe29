package core

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chimera/internal/events"
	"chimera/internal/intent"
	"chimera/internal/logging"
	"chimera/internal/metacog"
	"chimera/internal/nodes"
	"chimera/internal/tools"
)

// localTarget names the dispatch target when a step runs in-process.
const localTarget = "local"

// DispatchFrame is the wire message sent to a worker node holding a task.
type DispatchFrame struct {
	Type     string                 `json:"type"`
	TaskID   string                 `json:"task_id"`
	Tool     string                 `json:"tool"`
	Args     map[string]interface{} `json:"args"`
	Deadline time.Time              `json:"deadline"`
}

// IntentResult is the structured reply for one submitted intent. A failed
// plan carries the first failing step's error; completed steps before it
// already emitted their events.
type IntentResult struct {
	Intent         string
	OK             bool
	CompletedSteps int
	Data           interface{}
	Error          *tools.ToolError
}

type pendingTask struct {
	nodeID string
	tool   string
	ch     chan remoteReply
}

type remoteReply struct {
	ok      bool
	data    interface{}
	kind    tools.ErrorKind
	message string
}

// SubmitIntent compiles an intent and executes its plan fail-fast. Each
// step's outcome is recorded against its topic, and a learning trigger
// check runs once the plan ends either way. Intents are never
// deduplicated: submitting the same text twice builds two plans.
func (c *Core) SubmitIntent(ctx context.Context, raw string) (res *IntentResult) {
	defer func() {
		if p := recover(); p != nil {
			logging.CoreError("Invariant violation handling intent %q: %v", raw, p)
			c.broker.PublishWithPriority(events.SystemAlert, map[string]interface{}{
				"reason": "internal_invariant",
				"error":  fmt.Sprint(p),
			}, events.PrioritySystemAlert)
			res = &IntentResult{
				Intent: raw,
				Error:  tools.NewError(tools.KindInternalInvariant, "intent handling failed: %v", p),
			}
		}
	}()

	plan := c.compiler.Compile(raw)
	logging.Core("Executing plan for intent %q: %d step(s)", raw, len(plan.Steps))
	defer c.pollLearning()

	res = &IntentResult{Intent: raw}
	for _, step := range plan.Steps {
		result := c.runStep(ctx, step)

		errorTag := ""
		if !result.Success {
			errorTag = string(result.ErrorKindOrEmpty())
		}
		c.engine.RecordOutcome(step.Topic, result.Success, errorTag)

		if !result.Success {
			res.Error = result.Error
			return res
		}
		res.CompletedSteps++
		res.Data = result.Data
	}
	res.OK = true
	return res
}

// runStep places and executes one step. Tools without remote capability
// requirements run locally; steps naming an unregistered tool are routed
// to a node advertising the tool name as a capability.
func (c *Core) runStep(ctx context.Context, step intent.Step) *tools.ToolResult {
	taskID := uuid.NewString()
	args := c.resolveStepArgs(step)

	tool := c.tools.Get(step.Tool)
	if tool != nil && len(tool.Dependencies) == 0 {
		c.publishTaskDispatched(taskID, step, localTarget, 0)
		result := c.tools.Execute(ctx, step.Tool, args)
		c.publishTaskCompleted(taskID, step, result)
		return result
	}

	required := []string{step.Tool}
	if tool != nil {
		required = tool.Dependencies
	}
	result := c.dispatchWithRetries(ctx, taskID, step, args, required, tool)
	c.publishTaskCompleted(taskID, step, result)
	return result
}

// dispatchWithRetries selects a node for the step and retries remote
// faults on other nodes, up to max_retries, never revisiting a node that
// already failed the task. When no candidate remains, a registered tool
// falls back to local execution; an unregistered one fails with
// dependency_unavailable.
func (c *Core) dispatchWithRetries(ctx context.Context, taskID string, step intent.Step, args map[string]interface{}, required []string, tool *tools.Tool) *tools.ToolResult {
	timeout := tools.DefaultTimeout
	if tool != nil && tool.Timeout > 0 {
		timeout = tool.Timeout
	}

	excluded := make(map[string]bool)
	var last *tools.ToolResult
	for attempt := 0; ; attempt++ {
		node, err := c.nodes.ChooseNode(required, excluded)
		if err != nil {
			if tool != nil {
				c.publishTaskDispatched(taskID, step, localTarget, attempt)
				return c.tools.Execute(ctx, step.Tool, args)
			}
			if last != nil {
				// Retries exhausted the candidate set.
				return last
			}
			result := tools.Failure(step.Tool, tools.NewError(tools.KindDependencyUnavailable,
				"no healthy node provides %v and no local tool %q is registered", required, step.Tool), 0)
			c.tools.RecordDispatch(result, "")
			return result
		}

		c.publishTaskDispatched(taskID, step, node.ID, attempt)
		result := c.dispatchRemote(ctx, taskID, node, step.Tool, args, timeout)
		c.nodes.RecordOutcome(node.ID, result.Success)
		c.tools.RecordDispatch(result, node.ID)

		if result.Success {
			return result
		}
		kind := result.ErrorKindOrEmpty()
		if !kind.Retryable() || attempt >= c.cfg.Nodes.MaxRetries {
			return result
		}
		excluded[node.ID] = true
		last = result
		logging.Core("Task %s hit %s on node %s, retrying elsewhere (attempt %d of %d)",
			taskID, kind, node.ID, attempt+1, c.cfg.Nodes.MaxRetries)
	}
}

// dispatchRemote sends the task to one node and waits for its result
// frame, the deadline, or cancellation, whichever lands first.
func (c *Core) dispatchRemote(ctx context.Context, taskID string, node nodes.Node, toolName string, args map[string]interface{}, timeout time.Duration) *tools.ToolResult {
	start := time.Now()
	reply := make(chan remoteReply, 1)

	c.pendMu.Lock()
	c.pending[taskID] = &pendingTask{nodeID: node.ID, tool: toolName, ch: reply}
	c.pendMu.Unlock()
	defer c.removePending(taskID)

	frame := DispatchFrame{
		Type:     "dispatch",
		TaskID:   taskID,
		Tool:     toolName,
		Args:     args,
		Deadline: start.Add(timeout),
	}
	if err := c.nodes.Send(node.ID, frame); err != nil {
		return tools.Failure(toolName, tools.WrapError(tools.KindRemoteRefused,
			fmt.Sprintf("node %s refused dispatch", node.ID), err), time.Since(start))
	}
	logging.CoreDebug("Task %s dispatched to node %s (tool=%s)", taskID, node.ID, toolName)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rep := <-reply:
		latency := time.Since(start)
		if rep.ok {
			return &tools.ToolResult{
				ToolName:       toolName,
				Success:        true,
				Data:           rep.data,
				LatencySeconds: latency.Seconds(),
			}
		}
		return tools.Failure(toolName, tools.NewError(rep.kind, "node %s: %s", node.ID, rep.message), latency)
	case <-timer.C:
		return tools.Failure(toolName, tools.NewError(tools.KindTimeout,
			"no result from node %s within %s", node.ID, timeout), time.Since(start))
	case <-ctx.Done():
		return tools.Failure(toolName, tools.NewError(tools.KindExecutionError,
			"dispatch of %s cancelled", toolName), time.Since(start))
	}
}

// HandleNodeResult resolves a result frame against the pending dispatch
// table. Frames for unknown tasks, or from a node that does not hold the
// task, are protocol errors.
func (c *Core) HandleNodeResult(nodeID, taskID string, ok bool, data interface{}, errMsg string) error {
	c.pendMu.Lock()
	p, exists := c.pending[taskID]
	if exists && p.nodeID == nodeID {
		delete(c.pending, taskID)
	}
	c.pendMu.Unlock()

	if !exists {
		return fmt.Errorf("no pending task %q", taskID)
	}
	if p.nodeID != nodeID {
		return fmt.Errorf("task %q is held by another node", taskID)
	}

	rep := remoteReply{ok: ok, data: data}
	if !ok {
		rep.kind = tools.KindExecutionError
		rep.message = errMsg
		if rep.message == "" {
			rep.message = "remote execution failed"
		}
	}
	p.ch <- rep
	return nil
}

// failPendingForNode classifies every dispatch held by the node as a
// remote crash. Called when a node disconnects mid-task.
func (c *Core) failPendingForNode(nodeID string) {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	for taskID, p := range c.pending {
		if p.nodeID != nodeID {
			continue
		}
		delete(c.pending, taskID)
		p.ch <- remoteReply{ok: false, kind: tools.KindRemoteCrashed, message: "node disconnected mid-task"}
		logging.Core("Task %s failed: node %s disconnected", taskID, nodeID)
	}
}

func (c *Core) removePending(taskID string) {
	c.pendMu.Lock()
	delete(c.pending, taskID)
	c.pendMu.Unlock()
}

// PendingTasks reports the number of dispatches awaiting results.
func (c *Core) PendingTasks() int {
	c.pendMu.Lock()
	defer c.pendMu.Unlock()
	return len(c.pending)
}

// resolveStepArgs copies the step's arguments, resolves the adaptive
// rounds marker from the topic's current confidence, and tags the args
// with the step topic when the planner left it unset.
func (c *Core) resolveStepArgs(step intent.Step) map[string]interface{} {
	args := make(map[string]interface{}, len(step.Args)+1)
	for k, v := range step.Args {
		args[k] = v
	}
	if args["rounds"] == intent.RoundsAdaptive {
		args["rounds"] = c.engine.RecommendedRounds(step.Topic)
	}
	if _, ok := args["topic"]; !ok && step.Topic != "" {
		args["topic"] = step.Topic
	}
	return args
}

// pollLearning asks the engine for a trigger and runs the round in the
// background. The engine enforces one in-flight round per topic.
func (c *Core) pollLearning() {
	trigger := c.engine.Poll()
	if trigger == nil {
		return
	}
	c.learning.Add(1)
	go func() {
		defer c.learning.Done()
		c.runLearningRound(c.bg, trigger)
	}()
}

// runLearningRound dispatches the federated-training tool for a
// triggered topic and feeds the measured delta back to the engine. The
// round's execution produces tool events and metrics like any other, but
// its outcome is not folded into the topic's window.
func (c *Core) runLearningRound(ctx context.Context, trigger *metacog.LearningTrigger) {
	c.prom.LearningRoundStarted(trigger.Topic)
	c.broker.Publish(events.LearningStarted, map[string]interface{}{
		"topic":      trigger.Topic,
		"rounds":     trigger.Rounds,
		"confidence": trigger.Confidence,
		"error_tag":  trigger.TopErrorTag,
	})

	step := intent.Step{
		Tool: "start_federated_training",
		Args: map[string]interface{}{
			"topic":  trigger.Topic,
			"rounds": trigger.Rounds,
		},
		Topic: trigger.Topic,
	}
	result := c.runStep(ctx, step)

	delta := 0.0
	paramsHash := ""
	if result.Success {
		if data, ok := result.Data.(map[string]interface{}); ok {
			if v, ok := data["delta_confidence"].(float64); ok {
				delta = v
			}
			paramsHash, _ = data["params_hash"].(string)
		}
	}

	c.broker.Publish(events.LearningCompleted, map[string]interface{}{
		"topic":            trigger.Topic,
		"success":          result.Success,
		"delta_confidence": delta,
	})

	if result.Success {
		c.recordModelVersion(trigger, paramsHash, delta)
	}
	c.engine.OnLearningComplete(trigger.Topic, delta)
}

// recordModelVersion appends the next model generation for the topic.
// Storage failures alert and the node carries on.
func (c *Core) recordModelVersion(trigger *metacog.LearningTrigger, paramsHash string, delta float64) {
	version := int64(1)
	if latest, err := c.store.LatestModelVersion(trigger.Topic); err == nil && latest != nil {
		version = latest.Version + 1
	}
	err := c.store.RecordModelVersion(trigger.Topic, version, paramsHash, map[string]interface{}{
		"rounds":           trigger.Rounds,
		"delta_confidence": delta,
	})
	if err != nil {
		logging.CoreError("Model version write failed for %s: %v", trigger.Topic, err)
		c.broker.PublishWithPriority(events.SystemAlert, map[string]interface{}{
			"reason": "storage_unavailable",
			"topic":  trigger.Topic,
			"error":  err.Error(),
		}, events.PrioritySystemAlert)
	}
}

func (c *Core) publishTaskDispatched(taskID string, step intent.Step, target string, attempt int) {
	c.broker.Publish(events.TaskDispatched, map[string]interface{}{
		"task_id": taskID,
		"tool":    step.Tool,
		"topic":   step.Topic,
		"target":  target,
		"attempt": attempt,
	})
}

func (c *Core) publishTaskCompleted(taskID string, step intent.Step, result *tools.ToolResult) {
	data := map[string]interface{}{
		"task_id": taskID,
		"tool":    step.Tool,
		"topic":   step.Topic,
		"success": result.Success,
	}
	if kind := result.ErrorKindOrEmpty(); kind != "" {
		data["error_kind"] = string(kind)
	}
	c.broker.Publish(events.TaskCompleted, data)
}
