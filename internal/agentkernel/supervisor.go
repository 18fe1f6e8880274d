package agentkernel

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/relaycore/conductor/internal/channel"
	"github.com/relaycore/conductor/internal/common/errors"
	"github.com/relaycore/conductor/internal/common/logger"
	"github.com/relaycore/conductor/internal/conversation"
	"github.com/relaycore/conductor/internal/messageevent"
	"github.com/relaycore/conductor/internal/registry"
	"github.com/relaycore/conductor/internal/toolrunner"
	"github.com/relaycore/conductor/internal/tracing"
	"github.com/relaycore/conductor/internal/turntodo"
)

// SupervisorConfig holds the tunables of the supervisor's turn loop.
type SupervisorConfig struct {
	MaxToolIterations         int
	MaxToolIterationsWithPlan int
	MessageDedupWindow        time.Duration
	RecentConversationWindow  time.Duration
	AutoNameMessageThreshold  int
	TitlePreviewLength        int
	HistoryLimit              int
	WorkerHistorySnippet      int
	EvictionInterval          time.Duration
}

// DefaultSupervisorConfig returns the documented defaults.
func DefaultSupervisorConfig() SupervisorConfig {
	return SupervisorConfig{
		MaxToolIterations:         10,
		MaxToolIterationsWithPlan: 30,
		MessageDedupWindow:        5 * time.Minute,
		RecentConversationWindow:  10 * time.Minute,
		AutoNameMessageThreshold:  3,
		TitlePreviewLength:        48,
		HistoryLimit:              50,
		WorkerHistorySnippet:      4,
		EvictionInterval:          time.Minute,
	}
}

// Assignment is one delegated task record retained for introspection
// (§4.6 step 6).
type Assignment struct {
	ID          string
	AgentID     string
	Description string
	AssignedBy  string
	Status      string // pending | in_progress | completed | failed
	CreatedAt   time.Time
}

// SupervisorAgent is the top-level dispatcher (§4.4-§4.6): it owns the
// conversation lifecycle, deduplicates retries, runs the main
// tool/delegation/plan loop, spawns workers, and routes their results.
type SupervisorAgent struct {
	*AbstractAgent

	model     ModelClient
	fastModel ModelClient // auto-naming; falls back to model when nil
	runner    *toolrunner.Runner
	store     conversation.Store
	todos     turntodo.Store
	events    *messageevent.Service
	registry  *registry.Registry
	tracer    *tracing.Recorder
	cfg       SupervisorConfig
	logger    *logger.Logger

	// Shared mutable state (§5). All maps are guarded by mu; per-turn
	// accumulators never live here.
	mu                 sync.Mutex
	processingMessages map[string]time.Time
	delegatedMessages  map[string]time.Time
	subAgents          map[string]*WorkerAgent
	tasks              map[string]*Assignment
	delegationResults  map[string]TaskResult
	messageCounts      map[string]int
	autoNamed          map[string]bool

	// convMu serializes ensureConversation so two concurrent id-less
	// messages on one supervisor cannot both mint a conversation.
	convMu sync.Mutex

	nameGroup singleflight.Group

	evictStop chan struct{}
	evictOnce sync.Once
}

// NewSupervisorAgent constructs a supervisor from its template and shared
// collaborators.
func NewSupervisorAgent(identity Identity, tmpl *registry.AgentTemplate, deps SupervisorDeps, cfg SupervisorConfig, log *logger.Logger) *SupervisorAgent {
	caps := Capabilities{CanSpawnAgents: true, ToolAllowList: tmpl.ToolAllowList}
	return &SupervisorAgent{
		AbstractAgent:      NewAbstractAgent(identity, caps, tmpl, deps.Events, log),
		model:              deps.Model,
		fastModel:          deps.FastModel,
		runner:             deps.Runner,
		store:              deps.Store,
		todos:              deps.Todos,
		events:             deps.Events,
		registry:           deps.Registry,
		tracer:             deps.Tracer,
		cfg:                cfg,
		logger:             log.WithAgent(identity.AgentID),
		processingMessages: make(map[string]time.Time),
		delegatedMessages:  make(map[string]time.Time),
		subAgents:          make(map[string]*WorkerAgent),
		tasks:              make(map[string]*Assignment),
		delegationResults:  make(map[string]TaskResult),
		messageCounts:      make(map[string]int),
		autoNamed:          make(map[string]bool),
		evictStop:          make(chan struct{}),
	}
}

// SupervisorDeps bundles the shared collaborators injected into a
// supervisor (and, by reference, into every worker it spawns).
type SupervisorDeps struct {
	Model     ModelClient
	FastModel ModelClient
	Runner    *toolrunner.Runner
	Store     conversation.Store
	Todos     turntodo.Store
	Events    *messageevent.Service
	Registry  *registry.Registry
	Tracer    *tracing.Recorder
}

// Init starts the background dedup-eviction ticker (§9: ticker, not
// one-shot timers, so memory stays bounded).
func (s *SupervisorAgent) Init(ctx context.Context) error {
	go s.evictLoop()
	return nil
}

// Shutdown stops the eviction ticker.
func (s *SupervisorAgent) Shutdown(ctx context.Context) error {
	s.evictOnce.Do(func() { close(s.evictStop) })
	return nil
}

func (s *SupervisorAgent) evictLoop() {
	interval := s.cfg.EvictionInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.evictStop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-s.cfg.MessageDedupWindow)
			s.mu.Lock()
			for id, at := range s.processingMessages {
				if at.Before(cutoff) {
					delete(s.processingMessages, id)
				}
			}
			for id, at := range s.delegatedMessages {
				if at.Before(cutoff) {
					delete(s.delegatedMessages, id)
				}
			}
			s.mu.Unlock()
		}
	}
}

// tryBeginProcessing atomically inserts msgID into the dedup set,
// returning false when the id is already being (or was recently)
// processed.
func (s *SupervisorAgent) tryBeginProcessing(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.processingMessages[msgID]; ok {
		return false
	}
	s.processingMessages[msgID] = time.Now()
	return true
}

// tryMarkDelegated atomically inserts msgID into the per-message
// delegation guard, returning false if a delegation already ran for it.
func (s *SupervisorAgent) tryMarkDelegated(msgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.delegatedMessages[msgID]; ok {
		return false
	}
	s.delegatedMessages[msgID] = time.Now()
	return true
}

// HandleMessage is the supervisor's ingress: one call runs one complete
// turn (§4.4). Safe for concurrent use; per-turn state lives on this
// call's stack only.
func (s *SupervisorAgent) HandleMessage(ctx context.Context, msg *conversation.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	if !s.tryBeginProcessing(msg.ID) {
		s.logger.Debug("duplicate message ignored", zap.String("message_id", msg.ID))
		return nil
	}

	ch := s.Channel()
	if ch == nil {
		// ConfigurationFailure: abort before any model call (§7).
		err := errors.Internal("supervisor has no registered channel", nil)
		s.logger.Error("turn aborted", zap.Error(err))
		return err
	}

	isTaskRun := msg.Metadata.Type == conversation.MessageTypeTaskRun

	// Conversation selection (§4.4 step 2). User messages addressed to a
	// well-known conversation are redirected into a fresh one.
	convID := msg.ConversationID
	if convID == "" {
		convID = msg.Metadata.ConversationID
	}
	if convID != "" && conversation.IsWellKnownID(convID) && !isTaskRun {
		s.logger.Info("redirecting user message away from well-known conversation",
			zap.String("conversation_id", convID))
		convID = ""
	}

	conv, err := s.ensureConversation(ctx, convID, msg.Content, ch)
	if err != nil {
		return err
	}
	msg.ConversationID = conv.ID

	turnID := msg.TurnID
	if turnID == "" {
		turnID = msg.Metadata.TurnID
	}
	if turnID == "" {
		turnID = msg.ID
	}
	msg.TurnID = turnID

	log := s.logger.WithConversation(conv.ID, turnID)

	traceID := s.tracer.StartTrace(tracing.TraceMeta{
		ConversationID: conv.ID,
		TurnID:         turnID,
		AgentID:        s.Identity.AgentID,
	})
	spanID, spanErr := s.tracer.StartSpan(traceID, tracing.SpanMeta{
		Name:    "supervisor_turn",
		AgentID: s.Identity.AgentID,
		Role:    "supervisor",
	})
	if spanErr != nil {
		spanID = ""
	}

	ctx = WithTurnContext(ctx, TurnContext{
		TraceID:        traceID,
		SpanID:         spanID,
		ConversationID: conv.ID,
		TurnID:         turnID,
		Purpose:        "chat",
	})

	var turnErr error
	defer func() {
		status := tracing.StatusOK
		if turnErr != nil {
			status = tracing.StatusError
		}
		if spanID != "" {
			s.tracer.EndSpan(spanID, status, turnErr)
		}
		s.tracer.EndTrace(traceID, status)
	}()

	// Persist the inbound user message. task_run rows were already written
	// by the scheduler's EmitTaskRunEvent with the pre-allocated turnId.
	if !isTaskRun {
		row := &conversation.Message{
			ID:             msg.ID,
			ConversationID: conv.ID,
			TurnID:         turnID,
			Role:           conversation.RoleUser,
			Content:        msg.Content,
			Metadata:       msg.Metadata,
		}
		if err := s.store.CreateMessage(ctx, row); err != nil {
			// PersistenceFailure: log and keep the turn coherent in memory.
			log.Error("failed to persist user message", zap.Error(err))
		} else {
			s.noteMessagePersisted(ctx, conv, ch)
		}
	}

	// Command-trigger shortcut (§4.4 step 6): route straight to delegation
	// without invoking the model.
	if cmd := msg.Metadata.AgentCommand; cmd != nil && cmd.Command != "" {
		if tmpl, ok := s.registry.TemplateForCommand(cmd.Command); ok {
			turnErr = s.handleCommandDelegation(ctx, msg, conv, tmpl, cmd.Command, turnID, traceID, spanID, ch)
			return turnErr
		}
		log.Warn("unknown agent command, falling through to model", zap.String("command", cmd.Command))
	}

	st := &turnState{
		msg:     msg,
		conv:    conv,
		turnID:  turnID,
		traceID: traceID,
		spanID:  spanID,
		ch:      ch,
		tools:   s.effectiveTools(msg, isTaskRun),
	}
	st.fullSystemPrompt = s.BuildSystemPrompt(st.tools)
	st.systemPrompt = st.fullSystemPrompt

	if isTaskRun {
		// Scheduled turns run with no history for independence (§4.4 step 3).
		st.llmContext = []ContextMessage{{Role: conversation.RoleUser, Content: msg.Content}}
	} else {
		history, err := s.loadHistory(ctx, conv.ID, msg.ID)
		if err != nil {
			log.Warn("failed to load history", zap.Error(err))
		}
		st.llmContext = append(history, ContextMessage{Role: conversation.RoleUser, Content: msg.Content})
	}

	turnErr = s.runTurn(ctx, st)
	return turnErr
}

// turnState is the per-turn accumulator (§4.5). It lives on the
// HandleMessage stack frame; the supervisor instance never holds it.
type turnState struct {
	msg     *conversation.Message
	conv    *conversation.Conversation
	turnID  string
	traceID string
	spanID  string
	ch      channel.Sink

	tools            []string
	fullSystemPrompt string
	systemPrompt     string
	llmContext       []ContextMessage

	fullResponse     string
	collectedSources []conversation.Citation
	usage            conversation.Usage
	planMode         bool
}

// effectiveTools intersects the supervisor's capability allow-list with a
// task_run's per-message allowedTools restriction (§4.5).
func (s *SupervisorAgent) effectiveTools(msg *conversation.Message, isTaskRun bool) []string {
	base := s.Capabilities.ToolAllowList
	if !isTaskRun || len(msg.Metadata.AllowedTools) == 0 {
		return base
	}
	var out []string
	for _, t := range msg.Metadata.AllowedTools {
		if s.Capabilities.MatchesTool(t) {
			out = append(out, t)
		}
	}
	return out
}

// loadHistory returns the LLM-visible history for a conversation: user
// and assistant rows only, excluding delegation/task_run metadata types,
// tool rows, and the current ingress message (invariant 4, §3).
func (s *SupervisorAgent) loadHistory(ctx context.Context, convID, currentMsgID string) ([]ContextMessage, error) {
	msgs, err := s.store.FindMessagesByConversationID(ctx, convID, conversation.FindOptions{Limit: s.cfg.HistoryLimit})
	if err != nil {
		return nil, err
	}
	var out []ContextMessage
	for _, m := range msgs {
		if m.ID == currentMsgID || !m.IsLLMVisible() {
			continue
		}
		out = append(out, ContextMessage{Role: m.Role, Content: m.Content})
	}
	return out, nil
}

// ensureConversation resolves (or mints) the conversation for a turn and
// broadcasts lifecycle events. Serialized so concurrent id-less messages
// reuse one conversation (§9 conversation-selection race).
func (s *SupervisorAgent) ensureConversation(ctx context.Context, id, preview string, ch channel.Sink) (*conversation.Conversation, error) {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	if id != "" {
		conv, err := s.store.FindByID(ctx, id)
		if err == nil {
			// Idempotent refresh: only updatedAt moves.
			if uerr := s.store.Update(ctx, conv); uerr != nil {
				s.logger.Warn("failed to refresh conversation", zap.Error(uerr))
			}
			return conv, nil
		}
		conv = &conversation.Conversation{
			ID:        id,
			Title:     deriveTitle(preview, s.cfg.TitlePreviewLength),
			WellKnown: conversation.IsWellKnownID(id),
		}
		if cerr := s.store.Create(ctx, conv); cerr != nil {
			return nil, errors.Wrap(cerr, "failed to create conversation")
		}
		s.broadcastConversation(ctx, ch, "conversation_created", conv)
		return conv, nil
	}

	// The recent-conversation window never resolves to well-known ids;
	// FindRecent excludes them by contract.
	recent, err := s.store.FindRecent(ctx, s.cfg.RecentConversationWindow)
	if err == nil && recent != nil {
		if uerr := s.store.Update(ctx, recent); uerr != nil {
			s.logger.Warn("failed to refresh recent conversation", zap.Error(uerr))
		}
		s.broadcastConversation(ctx, ch, "conversation_updated", recent)
		return recent, nil
	}

	conv := &conversation.Conversation{Title: deriveTitle(preview, s.cfg.TitlePreviewLength)}
	if cerr := s.store.Create(ctx, conv); cerr != nil {
		return nil, errors.Wrap(cerr, "failed to create conversation")
	}
	s.broadcastConversation(ctx, ch, "conversation_created", conv)
	return conv, nil
}

func (s *SupervisorAgent) broadcastConversation(ctx context.Context, ch channel.Sink, eventType string, conv *conversation.Conversation) {
	ch.Broadcast(ctx, channel.LifecycleEvent{
		Type:           eventType,
		ConversationID: conv.ID,
		Data: map[string]any{
			"title":      conv.Title,
			"channelTag": conv.ChannelTag,
		},
	})
}

// deriveTitle trims the first user message into a temporary title.
func deriveTitle(preview string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 48
	}
	title := strings.TrimSpace(preview)
	if idx := strings.IndexByte(title, '\n'); idx >= 0 {
		title = title[:idx]
	}
	if len(title) > maxLen {
		title = strings.TrimSpace(title[:maxLen]) + "…"
	}
	if title == "" {
		title = "New conversation"
	}
	return title
}

// noteMessagePersisted bumps the conversation's message count and kicks
// off auto-naming when the threshold is crossed (§4.4).
func (s *SupervisorAgent) noteMessagePersisted(ctx context.Context, conv *conversation.Conversation, ch channel.Sink) {
	s.mu.Lock()
	s.messageCounts[conv.ID]++
	count := s.messageCounts[conv.ID]
	named := s.autoNamed[conv.ID]
	s.mu.Unlock()

	if named || conv.WellKnown || conv.ManuallyNamed || count < s.cfg.AutoNameMessageThreshold {
		return
	}
	go s.autoName(conv.ID, ch)
}

// autoName asks a fast model for a short title, at most once per
// conversation. It runs outside the turn and its usage is not counted
// toward the turn (open question resolved in DESIGN.md).
func (s *SupervisorAgent) autoName(convID string, ch channel.Sink) {
	_, _, _ = s.nameGroup.Do(convID, func() (any, error) {
		s.mu.Lock()
		if s.autoNamed[convID] {
			s.mu.Unlock()
			return nil, nil
		}
		s.autoNamed[convID] = true
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		conv, err := s.store.FindByID(ctx, convID)
		if err != nil || conv.WellKnown || conv.ManuallyNamed {
			return nil, nil
		}

		msgs, err := s.store.FindMessagesByConversationID(ctx, convID, conversation.FindOptions{Limit: 6})
		if err != nil {
			return nil, nil
		}
		var transcript strings.Builder
		for _, m := range msgs {
			if !m.IsLLMVisible() {
				continue
			}
			fmt.Fprintf(&transcript, "%s: %s\n", m.Role, m.Content)
		}

		model := s.fastModel
		if model == nil {
			model = s.model
		}
		resp, err := model.Generate(ctx, GenerateRequest{
			SystemPrompt: "Produce a short title (at most six words) for this conversation. Reply with the title only.",
			Context:      []ContextMessage{{Role: conversation.RoleUser, Content: transcript.String()}},
		}, nil)
		if err != nil || strings.TrimSpace(resp.Text) == "" {
			s.logger.Warn("auto-naming failed", zap.String("conversation_id", convID), zap.Error(err))
			return nil, nil
		}

		conv.Title = deriveTitle(resp.Text, s.cfg.TitlePreviewLength)
		if err := s.store.Update(ctx, conv); err != nil {
			s.logger.Warn("failed to store auto-name", zap.Error(err))
			return nil, nil
		}
		s.broadcastConversation(ctx, ch, "conversation_updated", conv)
		return nil, nil
	})
}

// runTurn executes the streaming tool/delegation/plan loop (§4.5).
func (s *SupervisorAgent) runTurn(ctx context.Context, st *turnState) error {
	callerID := CallerID(s.Identity.AgentID, st.conv.ID)
	log := s.logger.WithConversation(st.conv.ID, st.turnID)

	lc := toolLoopContext{
		agentID:        s.Identity.AgentID,
		agentName:      s.Identity.Name,
		conversationID: st.conv.ID,
		turnID:         st.turnID,
		traceID:        st.traceID,
		callerID:       callerID,
	}

	unsubscribe := subscribeToolEvents(lc, s.runner, s.events)
	subscribed := true
	defer func() {
		if subscribed {
			unsubscribe()
		}
	}()

	streamID := uuid.New().String()
	streamOpen := true
	st.ch.SendStreamStart(ctx, streamID, channel.StreamStartInfo{
		AgentID:        s.Identity.AgentID,
		AgentName:      s.Identity.Name,
		AgentEmoji:     s.Identity.Emoji,
		ConversationID: st.conv.ID,
	})
	defer func() {
		if streamOpen {
			st.ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{})
		}
	}()

	maxIter := s.cfg.MaxToolIterations
	for iter := 0; iter < maxIter; iter++ {
		resp, err := s.model.Generate(ctx, GenerateRequest{
			SystemPrompt: st.systemPrompt,
			Context:      st.llmContext,
			Tools:        toolDescriptors(s.runner, st.tools),
		}, func(text string) {
			st.fullResponse += text
			st.ch.SendStreamChunk(ctx, streamID, text, st.conv.ID)
		})
		if err != nil {
			// TransientUpstream (§7): end the stream cleanly, surface a
			// sanitized event, end the turn without propagating upstream
			// detail to the channel.
			st.ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{})
			streamOpen = false
			wrapped := errors.ServiceUnavailable("model", err)
			s.events.EmitErrorEvent(ctx, wrapped, st.conv.ID, st.turnID, st.ch)
			return wrapped
		}

		st.usage.PromptTokens += resp.Usage.PromptTokens
		st.usage.CompletionTokens += resp.Usage.CompletionTokens
		if resp.Usage.Model != "" {
			st.usage.Model = resp.Usage.Model
		}

		if len(resp.ToolCalls) == 0 {
			break
		}

		requests := make([]toolrunner.Request, 0, len(resp.ToolCalls))
		for _, call := range resp.ToolCalls {
			requests = append(requests, s.runner.CreateRequest(call.CallID, call.Name, call.Input, callerID, toolrunner.RequestContext{
				TraceID:        st.traceID,
				ConversationID: st.conv.ID,
				TurnID:         st.turnID,
				AgentID:        s.Identity.AgentID,
			}))
		}

		batch, err := s.runner.ExecuteBatch(ctx, requests)
		if err != nil {
			st.ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{})
			streamOpen = false
			wrapped := errors.ServiceUnavailable("tool runner", err)
			s.events.EmitErrorEvent(ctx, wrapped, st.conv.ID, st.turnID, st.ch)
			return wrapped
		}
		st.collectedSources = append(st.collectedSources, batch.Citations...)

		delegateIdx := indexOfSuccessfulCall(batch, ToolDelegate)
		delegateTodoIdx := indexOfSuccessfulCall(batch, ToolDelegateTodo)

		if delegateIdx >= 0 || delegateTodoIdx >= 0 {
			// End the stream (flushing usage so far), persist any streamed
			// prefix, and pause tool-event re-emission while the worker
			// reuses the shared runner (§4.5 step 5, §9).
			st.ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{Usage: &st.usage})
			streamOpen = false
			if st.fullResponse != "" {
				s.persistAssistantText(ctx, st, st.fullResponse, nil)
				st.fullResponse = ""
			}
			unsubscribe()
			subscribed = false

			if delegateIdx >= 0 {
				input := inputForCall(resp, batch.Results[delegateIdx].CallID)
				resultText, derr := s.handleDelegationFromTool(ctx, st, input)
				if derr != nil {
					log.Error("delegation failed, synthesizing fallback", zap.Error(derr))
					return s.synthesizeFallback(ctx, st)
				}
				batch.Results[delegateIdx].Output = resultText
			} else {
				input := inputForCall(resp, batch.Results[delegateTodoIdx].CallID)
				resultText, derr := s.handleTodoDelegation(ctx, st, input)
				if derr != nil {
					log.Error("plan delegation failed, synthesizing fallback", zap.Error(derr))
					return s.synthesizeFallback(ctx, st)
				}
				batch.Results[delegateTodoIdx].Output = resultText
			}

			unsubscribe = subscribeToolEvents(lc, s.runner, s.events)
			subscribed = true
			streamID = uuid.New().String()
			streamOpen = true
			st.ch.SendStreamStart(ctx, streamID, channel.StreamStartInfo{
				AgentID:        s.Identity.AgentID,
				AgentName:      s.Identity.Name,
				AgentEmoji:     s.Identity.Emoji,
				ConversationID: st.conv.ID,
			})
		}

		st.llmContext = appendToolRound(st.llmContext, resp, batch)

		// A live plan extends the iteration budget (§4.5).
		if counts, err := s.todos.CountByStatus(ctx, st.turnID); err == nil {
			if counts[turntodo.StatusPending]+counts[turntodo.StatusInProgress] > 0 {
				maxIter = s.cfg.MaxToolIterationsWithPlan
			}
		}
	}

	citations := correlateCitations(st.collectedSources, st.fullResponse)
	st.ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{Citations: citations, Usage: &st.usage})
	streamOpen = false

	if st.fullResponse != "" {
		s.persistAssistantText(ctx, st, st.fullResponse, citations)
	}
	return nil
}

// persistAssistantText writes one assistant message for the turn via the
// canonical path and bumps the auto-naming counter.
func (s *SupervisorAgent) persistAssistantText(ctx context.Context, st *turnState, text string, citations []conversation.Citation) {
	err := s.SaveAssistantMessageWithContext(ctx, text, st.conv.ID, st.turnID, SendMessageOpts{
		Citations: citations,
		Usage:     &st.usage,
	})
	if err != nil {
		s.logger.Error("failed to persist assistant message", zap.Error(err))
		return
	}
	s.noteMessagePersisted(ctx, st.conv, st.ch)
}

// handleDelegationFromTool implements §4.6: spawn a worker for the
// delegate call and await its synchronous task_result.
func (s *SupervisorAgent) handleDelegationFromTool(ctx context.Context, st *turnState, input map[string]any) (string, error) {
	if !s.tryMarkDelegated(st.msg.ID) {
		// Re-delegation guard: at most one worker per parent turn.
		s.logger.Warn("duplicate delegate call ignored", zap.String("message_id", st.msg.ID))
		return "A specialist is already handling this request.", nil
	}

	agentType, _ := input["type"].(string)
	missionText, _ := input["mission"].(string)
	customName, _ := input["customName"].(string)
	customEmoji, _ := input["customEmoji"].(string)
	rationale, _ := input["rationale"].(string)

	mission := Mission{Type: agentType, Text: missionText, CustomName: customName, Rationale: rationale}
	result, err := s.delegate(ctx, st, mission, customEmoji)
	if err != nil {
		return "", err
	}
	return result.Result, nil
}

// handleTodoDelegation implements the delegate_todo branch of §4.5 step 5:
// transition the targeted TurnTodo, dispatch a worker, record the
// outcome, and rebuild the LLM context for the next iteration.
func (s *SupervisorAgent) handleTodoDelegation(ctx context.Context, st *turnState, input map[string]any) (string, error) {
	todoID, _ := input["id"].(string)
	if todoID == "" {
		return "", errors.BadRequest("delegate_todo requires an id")
	}

	now := time.Now().UTC()
	inProgress := turntodo.StatusInProgress
	todo, err := s.todos.Update(ctx, todoID, turntodo.Patch{Status: &inProgress, StartedAt: &now})
	if err != nil {
		return "", errors.Wrap(err, "failed to start plan item")
	}

	mission := Mission{
		Type: todo.AgentType,
		Text: fmt.Sprintf("Carry out this plan item: %s", todo.Title),
	}
	result, derr := s.delegate(ctx, st, mission, "")

	done := time.Now().UTC()
	status := turntodo.StatusCompleted
	outcome := ""
	if derr != nil || result.Status == "failed" {
		status = turntodo.StatusCancelled
		if derr != nil {
			outcome = "failed: " + errors.Sanitize(derr)
		} else {
			outcome = "failed"
		}
	} else {
		outcome = summarize(result.Result, 200)
	}
	if _, uerr := s.todos.Update(ctx, todoID, turntodo.Patch{Status: &status, Outcome: &outcome, CompletedAt: &done}); uerr != nil {
		s.logger.Warn("failed to finish plan item", zap.Error(uerr))
	}
	if derr != nil {
		return "", derr
	}

	// Rebuild the context for the next iteration (§4.5 step 5).
	todos, terr := s.todos.FindByTurn(ctx, st.turnID)
	if terr == nil {
		if turntodo.HasPending(todos) {
			st.planMode = true
			st.systemPrompt = simplifiedPlanPrompt(renderTodoList(todos))
			st.tools = planTools
		} else {
			st.planMode = false
			st.systemPrompt = st.fullSystemPrompt
			st.tools = s.effectiveTools(st.msg, st.msg.Metadata.Type == conversation.MessageTypeTaskRun)
			st.llmContext = append(st.llmContext, ContextMessage{
				Role:    conversation.RoleAssistant,
				Content: "All plan items are finished:\n" + renderTodoList(todos) + "\nSynthesize the final answer for the user.",
			})
		}
	}

	return result.Result, nil
}

// delegate spawns a WorkerAgent per §4.6 and returns its synchronous
// task_result. The worker's result transits the delegationResults map so
// the parent's read is an explicit drain of the bus contract.
func (s *SupervisorAgent) delegate(ctx context.Context, st *turnState, mission Mission, customEmoji string) (TaskResult, error) {
	tmpl, ok := s.registry.Template(mission.Type)
	if !ok {
		tmpl = registry.GenericWorkerTemplate(mission.Type)
	}

	identity := Identity{
		AgentID: uuid.New().String(),
		Name:    tmpl.Name,
		Emoji:   tmpl.Emoji,
	}
	if mission.CustomName != "" {
		identity.Name = mission.CustomName
	}
	if customEmoji != "" {
		identity.Emoji = customEmoji
	}

	worker := NewWorkerAgent(identity, tmpl, s.model, s.runner, s.events, s.registry, s.logger, s.cfg.MaxToolIterations)
	worker.RegisterChannel(st.ch)

	s.registry.RegisterInstance(&registry.Instance{
		AgentID:        identity.AgentID,
		TemplateID:     tmpl.ID,
		ConversationID: st.conv.ID,
		ParentAgentID:  s.Identity.AgentID,
	})
	s.mu.Lock()
	s.subAgents[identity.AgentID] = worker
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subAgents, identity.AgentID)
		s.mu.Unlock()
		s.registry.UnregisterInstance(identity.AgentID)
	}()

	if _, err := s.events.EmitDelegationEvent(ctx, messageevent.DelegationParams{
		AgentType: mission.Type,
		AgentName: identity.Name,
		Mission:   mission.Text,
		Rationale: mission.Rationale,
	}, st.conv.ID, st.turnID); err != nil {
		s.logger.Warn("failed to persist delegation event", zap.Error(err))
	}

	assignment := &Assignment{
		ID:          uuid.New().String(),
		AgentID:     identity.AgentID,
		Description: mission.Text,
		AssignedBy:  s.Identity.AgentID,
		Status:      "pending",
		CreatedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	s.tasks[assignment.ID] = assignment
	s.mu.Unlock()

	spanID, spanErr := s.tracer.StartSpan(st.traceID, tracing.SpanMeta{
		Name:     "delegation",
		AgentID:  identity.AgentID,
		Role:     "worker",
		ParentID: st.spanID,
	})

	onStatus := func(agentID, status string) {
		s.mu.Lock()
		switch status {
		case "started":
			assignment.Status = "in_progress"
		case "completed":
			assignment.Status = "completed"
		case "failed":
			assignment.Status = "failed"
		}
		s.mu.Unlock()
	}

	result := worker.HandleDelegatedTask(ctx, mission, st.ch, onStatus, DelegationContext{
		ConversationID: st.conv.ID,
		TurnID:         st.turnID,
		TraceID:        st.traceID,
		ParentSpanID:   st.spanID,
		CallerID:       CallerID(identity.AgentID, st.conv.ID),
		History:        tailContext(st.llmContext, s.cfg.WorkerHistorySnippet),
	})

	// HandleDelegatedTask returns only after the worker's terminal
	// task_result, so this write happens-before the drain below (§5).
	s.mu.Lock()
	s.delegationResults[identity.AgentID] = result
	s.mu.Unlock()

	drained := s.takeDelegationResult(identity.AgentID)

	if spanErr == nil {
		status := tracing.StatusOK
		if drained.Status == "failed" {
			status = tracing.StatusError
		}
		s.tracer.EndSpan(spanID, status, drained.Err)
	}

	st.collectedSources = append(st.collectedSources, drained.Citations...)

	if drained.Status == "failed" {
		err := drained.Err
		if err == nil {
			err = fmt.Errorf("worker %s failed", identity.AgentID)
		}
		return drained, errors.Wrap(err, "delegated task failed")
	}
	return drained, nil
}

// takeDelegationResult reads and removes the worker's result (§4.6 step 8).
func (s *SupervisorAgent) takeDelegationResult(agentID string) TaskResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	result := s.delegationResults[agentID]
	delete(s.delegationResults, agentID)
	return result
}

// handleCommandDelegation is the §4.4 step 6 shortcut: the command's
// specialist handles the message directly, with no top-level model call.
func (s *SupervisorAgent) handleCommandDelegation(ctx context.Context, msg *conversation.Message, conv *conversation.Conversation, tmpl *registry.AgentTemplate, command, turnID, traceID, spanID string, ch channel.Sink) error {
	if !s.tryMarkDelegated(msg.ID) {
		return nil
	}

	st := &turnState{
		msg:     msg,
		conv:    conv,
		turnID:  turnID,
		traceID: traceID,
		spanID:  spanID,
		ch:      ch,
		tools:   s.Capabilities.ToolAllowList,
	}
	st.fullSystemPrompt = s.BuildSystemPrompt(st.tools)
	mission := Mission{
		Type:      tmpl.ID,
		Text:      msg.Content,
		Rationale: fmt.Sprintf("triggered by the %q command", command),
	}

	// tryMarkDelegated already ran; bypass the second guard in
	// handleDelegationFromTool by delegating directly.
	_, err := s.delegate(ctx, st, mission, "")
	if err != nil {
		return s.synthesizeFallback(ctx, st)
	}
	return nil
}

// synthesizeFallback answers the user directly after a delegation
// failure, suppressing the delegation from history (§4.6).
func (s *SupervisorAgent) synthesizeFallback(ctx context.Context, st *turnState) error {
	streamID := uuid.New().String()
	st.ch.SendStreamStart(ctx, streamID, channel.StreamStartInfo{
		AgentID:        s.Identity.AgentID,
		AgentName:      s.Identity.Name,
		AgentEmoji:     s.Identity.Emoji,
		ConversationID: st.conv.ID,
	})

	var text string
	resp, err := s.model.Generate(ctx, GenerateRequest{
		SystemPrompt: st.fullSystemPrompt + "\n\nA specialist hand-off was unavailable; answer the request yourself as well as you can.",
		Context:      []ContextMessage{{Role: conversation.RoleUser, Content: st.msg.Content}},
	}, func(chunk string) {
		text += chunk
		st.ch.SendStreamChunk(ctx, streamID, chunk, st.conv.ID)
	})
	if err != nil {
		st.ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{})
		wrapped := errors.ServiceUnavailable("model", err)
		s.events.EmitErrorEvent(ctx, wrapped, st.conv.ID, st.turnID, st.ch)
		return wrapped
	}

	st.usage.PromptTokens += resp.Usage.PromptTokens
	st.usage.CompletionTokens += resp.Usage.CompletionTokens
	st.ch.SendStreamEnd(ctx, streamID, channel.StreamEndInfo{Usage: &st.usage})

	if text != "" {
		s.persistAssistantText(ctx, st, text, nil)
	}
	return nil
}

// SubAgentCount reports how many workers are currently live under this
// supervisor.
func (s *SupervisorAgent) SubAgentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subAgents)
}

// Assignments returns a snapshot of the supervisor's task assignments.
func (s *SupervisorAgent) Assignments() []Assignment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Assignment, 0, len(s.tasks))
	for _, a := range s.tasks {
		out = append(out, *a)
	}
	return out
}

// indexOfSuccessfulCall finds the first successful result for toolName in
// a batch, -1 if none.
func indexOfSuccessfulCall(batch *toolrunner.BatchResult, toolName string) int {
	for i, r := range batch.Results {
		if r.ToolName == toolName && r.Success {
			return i
		}
	}
	return -1
}

// inputForCall recovers the model's input for a given call id.
func inputForCall(resp *GenerateResponse, callID string) map[string]any {
	for _, call := range resp.ToolCalls {
		if call.CallID == callID {
			return call.Input
		}
	}
	return map[string]any{}
}

// tailContext returns the last n entries of a context slice.
func tailContext(ctx []ContextMessage, n int) []ContextMessage {
	if n <= 0 || len(ctx) <= n {
		return append([]ContextMessage(nil), ctx...)
	}
	return append([]ContextMessage(nil), ctx[len(ctx)-n:]...)
}

// summarize truncates s to maxLen runes for todo outcomes.
func summarize(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return strings.TrimSpace(string(runes[:maxLen])) + "…"
}

// correlateCitations post-hoc matches collected sources against the final
// response (§4.5 step 6): sources the text visibly references sort first,
// duplicates collapse on (url, title, source).
func correlateCitations(sources []conversation.Citation, fullResponse string) []conversation.Citation {
	if len(sources) == 0 {
		return nil
	}
	seen := make(map[string]bool)
	var referenced, rest []conversation.Citation
	for _, c := range sources {
		key := c.URL + "|" + c.Title + "|" + c.Source
		if seen[key] {
			continue
		}
		seen[key] = true
		if (c.URL != "" && strings.Contains(fullResponse, c.URL)) ||
			(c.Title != "" && strings.Contains(fullResponse, c.Title)) {
			referenced = append(referenced, c)
		} else {
			rest = append(rest, c)
		}
	}
	return append(referenced, rest...)
}

// TurnContext is the request-scoped correlation pushed at turn start
// (§4.4 step 5) and inherited by every downstream model/tool call. It is
// carried on the context.Context, never on the agent instance, so
// concurrent turns cannot leak each other's ids (§9).
type TurnContext struct {
	TraceID        string
	SpanID         string
	ConversationID string
	TurnID         string
	Purpose        string
}

type turnContextKey struct{}

// WithTurnContext attaches tc to ctx.
func WithTurnContext(ctx context.Context, tc TurnContext) context.Context {
	return context.WithValue(ctx, turnContextKey{}, tc)
}

// TurnContextFrom returns the TurnContext attached to ctx, if any.
func TurnContextFrom(ctx context.Context) (TurnContext, bool) {
	tc, ok := ctx.Value(turnContextKey{}).(TurnContext)
	return tc, ok
}
