package registry

// DefaultTemplates returns the built-in agent templates shipped with the
// reference deployment: a general-purpose supervisor persona and a
// handful of specialists reachable via delegation or a command trigger.
func DefaultTemplates() []*AgentTemplate {
	return []*AgentTemplate{
		{
			ID:             "general",
			Name:           "Assistant",
			Emoji:          "🤖",
			Description:    "General-purpose supervisor persona.",
			SystemPrompt:   "You are a helpful assistant that can use tools and delegate work to specialists.",
			ToolAllowList:  []string{"*"},
			SkillAllowList: []string{"*"},
			CanSpawnAgents: true,
			Enabled:        true,
		},
		{
			ID:             "researcher",
			Name:           "Research Agent",
			Emoji:          "🔎",
			Description:    "Performs web research and summarizes findings.",
			SystemPrompt:   "You are a research specialist. Use web_search to gather sources and synthesize a concise, cited answer.",
			ToolAllowList:  []string{"web_search", "create_todo", "list_todo"},
			CommandTrigger: "research",
			WorkflowID:     "deep-research",
			Enabled:        true,
		},
		{
			ID:                "writer",
			Name:              "Writer Agent",
			Emoji:             "✍️",
			Description:       "Drafts long-form text on request.",
			SystemPrompt:      "You are a writing specialist producing polished prose for the requested mission.",
			ToolAllowList:     []string{},
			CollapseByDefault: false,
			Enabled:           true,
		},
		{
			ID:             "coder",
			Name:           "Coding Agent",
			Emoji:          "🛠️",
			Description:    "Runs shell commands in a sandbox to complete coding missions.",
			SystemPrompt:   "You are a coding specialist with access to shell_exec in an isolated sandbox.",
			ToolAllowList:  []string{"shell_exec", "create_todo", "list_todo"},
			WorkflowID:     "self-coding",
			Enabled:        true,
		},
	}
}
