// Package registry implements the AgentRegistry (§2, §4.6, §9): a
// data-driven catalog of agent templates (identity, tool/skill allow-lists,
// command triggers, delegation metadata) plus a tracker of live agent
// instances. Modeled as plain value records, the way the
// teacher's container-agent registry declares its AgentTypeConfig table,
// generalized from "which Docker image" to "which identity/prompt/tools".
package registry

import (
	"fmt"
	"strings"
	"sync"
)

// AgentTemplate describes one agent type: its identity, its effective
// tool/skill allow-lists, and (for specialists) the command trigger that
// shortcuts straight to delegation (§4.4 step 6).
type AgentTemplate struct {
	ID               string
	Name             string
	Emoji            string
	Description      string
	SystemPrompt     string
	ToolAllowList    []string // wildcards allowed, e.g. "fs_*"
	SkillAllowList   []string
	CommandTrigger   string // e.g. "research" ⇒ metadata.agentCommand.command
	CanSpawnAgents   bool
	CollapseByDefault bool // worker's final text is not also broadcast to the channel
	WorkflowID       string // hints for well-known pipelines (deep-research, self-coding)
	Enabled          bool
}

// MatchesTool reports whether toolName is permitted by t's allow-list.
// A single "*" entry, or a "prefix*" entry matching toolName's prefix,
// grants access.
func (t *AgentTemplate) MatchesTool(toolName string) bool {
	return matchesAllowList(t.ToolAllowList, toolName)
}

func matchesAllowList(allowList []string, name string) bool {
	for _, pattern := range allowList {
		if pattern == "*" {
			return true
		}
		if strings.HasSuffix(pattern, "*") {
			if strings.HasPrefix(name, strings.TrimSuffix(pattern, "*")) {
				return true
			}
			continue
		}
		if pattern == name {
			return true
		}
	}
	return false
}

// Instance tracks one live agent (supervisor or worker) known to the
// registry, for introspection and for the supervisor's subAgents map.
type Instance struct {
	AgentID        string
	TemplateID     string
	ConversationID string
	ParentAgentID  string
}

// Registry is the AgentRegistry: a read path over agent templates plus a
// tracker of live instances. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*AgentTemplate
	triggers  map[string]string // command -> template id
	instances map[string]*Instance
}

// New builds a Registry seeded with templates (e.g. from DefaultTemplates()).
func New(templates []*AgentTemplate) *Registry {
	r := &Registry{
		templates: make(map[string]*AgentTemplate),
		triggers:  make(map[string]string),
		instances: make(map[string]*Instance),
	}
	for _, t := range templates {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a template.
func (r *Registry) Register(t *AgentTemplate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[t.ID] = t
	if t.CommandTrigger != "" {
		r.triggers[t.CommandTrigger] = t.ID
	}
}

// Template returns the template for id, if registered and enabled.
func (r *Registry) Template(id string) (*AgentTemplate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.templates[id]
	if !ok || !t.Enabled {
		return nil, false
	}
	return t, true
}

// TemplateForCommand resolves a command-trigger string to its template,
// implementing the §4.4 step 6 shortcut lookup.
func (r *Registry) TemplateForCommand(command string) (*AgentTemplate, bool) {
	r.mu.RLock()
	id, ok := r.triggers[command]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return r.Template(id)
}

// GenericWorkerTemplate returns a fallback identity for delegation requests
// naming an agent type the registry doesn't recognize (§4.6 step 1).
func GenericWorkerTemplate(agentType string) *AgentTemplate {
	return &AgentTemplate{
		ID:            agentType,
		Name:          fmt.Sprintf("%s worker", agentType),
		Emoji:         "🤖",
		SystemPrompt:  "You are a focused worker agent completing a single assigned mission.",
		ToolAllowList: []string{"*"},
		Enabled:       true,
	}
}

// RegisterInstance records a live agent instance.
func (r *Registry) RegisterInstance(inst *Instance) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.instances[inst.AgentID] = inst
}

// UnregisterInstance removes a live agent instance (worker completion/shutdown).
func (r *Registry) UnregisterInstance(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances, agentID)
}

// Instance returns the tracked instance for agentID, if any.
func (r *Registry) Instance(agentID string) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[agentID]
	return inst, ok
}

// Instances returns a snapshot of all live instances.
func (r *Registry) Instances() []*Instance {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Instance, 0, len(r.instances))
	for _, inst := range r.instances {
		out = append(out, inst)
	}
	return out
}
