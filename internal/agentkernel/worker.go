package agentkernel

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/relaycore/conductor/internal/channel"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/messageevent"
	"github.com/relaycore/conductor/internal/registry"
	"github.com/relaycore/conductor/internal/toolrunner"
)

// WorkerState is the worker's lifecycle state (§4.8): idle -> working ->
// (idle|failed).
type WorkerState string

const (
	WorkerIdle    WorkerState = "idle"
	WorkerWorking WorkerState = "working"
	WorkerFailed  WorkerState = "failed"
)

// Mission is the unit of work handed to a worker by a delegation.
type Mission struct {
	Type       string
	Text       string
	CustomName string
	Rationale  string
}

// TaskResult is what a worker reports back to its parent (§4.3 step 5).
// Because WorkerAgent.HandleDelegatedTask returns this value directly,
// the call itself is the synchronous bus contract §9 calls for: the
// parent cannot observe HandleDelegatedTask returning before the result
// exists.
type TaskResult struct {
	AgentID   string
	Result    string
	Status    string // "completed" | "failed"
	Citations []conversation.Citation
	Err       error
}

// StatusUpdateFunc receives "started" (and other) lifecycle notices a
// worker reports to its parent over the in-process bus (§4.3 step 1).
type StatusUpdateFunc func(agentID, status string)

// WorkerAgent is a single-mission specialist (§4.3). It runs its own
// bounded tool loop with delegation disabled.
type WorkerAgent struct {
	*AbstractAgent

	model    ModelClient
	tools    *toolrunner.Runner
	events   *messageevent.Service
	registry *registry.Registry
	logger   *logger.Logger

	maxIter int
}

// NewWorkerAgent builds a worker from a resolved template (§4.6 step 2):
// canSpawnAgents is always false. The worker has no concurrent-task
// setting; nothing here limits how many runs one instance serves at once.
func NewWorkerAgent(identity Identity, tmpl *registry.AgentTemplate, model ModelClient, tools *toolrunner.Runner, events *messageevent.Service, reg *registry.Registry, log *logger.Logger, maxIter int) *WorkerAgent {
	caps := Capabilities{CanSpawnAgents: false, ToolAllowList: tmpl.ToolAllowList}
	return &WorkerAgent{
		AbstractAgent: NewAbstractAgent(identity, caps, tmpl, events, log),
		model:         model,
		tools:         tools,
		events:        events,
		registry:      reg,
		logger:        log.WithAgent(identity.AgentID),
		maxIter:       maxIter,
	}
}

// DelegationContext carries the correlation and history the supervisor
// propagates into a spawned worker (§4.6 step 4).
type DelegationContext struct {
	ConversationID string
	TurnID         string
	TraceID        string
	ParentSpanID   string
	CallerID       string
	// History is a small snippet of the parent conversation, giving the
	// worker enough grounding without the full transcript (§4.3 step 2).
	History []ContextMessage
}

// HandleDelegatedTask runs the worker's bounded tool loop against
// mission, reports status/result to the parent, and sends the final
// user-visible text to the channel unless the template collapses it by
// default. The returned TaskResult IS the synchronous task_result the
// supervisor's delegation step awaits (§4.3 steps 1-6).
func (w *WorkerAgent) HandleDelegatedTask(ctx context.Context, mission Mission, ch channel.Sink, onStatus StatusUpdateFunc, dc DelegationContext) TaskResult {
	if onStatus != nil {
		onStatus(w.Identity.AgentID, "started")
	}

	llmContext := append([]ContextMessage(nil), dc.History...)
	llmContext = append(llmContext, ContextMessage{Role: conversation.RoleUser, Content: mission.Text})

	loopCtx := toolLoopContext{
		agentID:        w.Identity.AgentID,
		agentName:      w.Identity.Name,
		conversationID: dc.ConversationID,
		turnID:         dc.TurnID,
		traceID:        dc.TraceID,
		callerID:       dc.CallerID,
		systemPrompt:   w.BuildSystemPrompt(w.Capabilities.ToolAllowList),
		tools:          w.Capabilities.ToolAllowList,
		context:        llmContext,
		maxIter:        w.maxIter,
	}

	outcome, err := runToolLoop(ctx, loopCtx, w.model, w.tools, w.events, ch)
	if err != nil {
		w.logger.Error("worker tool loop failed", zap.Error(err))
		result := TaskResult{AgentID: w.Identity.AgentID, Status: "failed", Err: err}
		if onStatus != nil {
			onStatus(w.Identity.AgentID, "failed")
		}
		return result
	}

	if outcome.FullResponse != "" && !collapseByDefault(w.Template) && ch != nil {
		_ = w.SendMessage(ctx, outcome.FullResponse, dc.ConversationID, dc.TurnID, SendMessageOpts{
			Citations: outcome.Citations,
			Usage:     &outcome.Usage,
		})
	}

	if onStatus != nil {
		onStatus(w.Identity.AgentID, "completed")
	}

	return TaskResult{
		AgentID:   w.Identity.AgentID,
		Result:    outcome.FullResponse,
		Status:    "completed",
		Citations: outcome.Citations,
	}
}

func collapseByDefault(tmpl *registry.AgentTemplate) bool {
	return tmpl != nil && tmpl.CollapseByDefault
}

// CallerID renders the canonical (agentId, conversationId) tag used to
// route tool events (§9 glossary: CallerId).
func CallerID(agentID, conversationID string) string {
	return fmt.Sprintf("%s:%s", agentID, conversationID)
}
