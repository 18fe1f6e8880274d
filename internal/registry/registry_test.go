package registry

import "testing"

func TestTemplateLookup(t *testing.T) {
	r := New(DefaultTemplates())

	tmpl, ok := r.Template("researcher")
	if !ok {
		t.Fatalf("researcher template missing")
	}
	if tmpl.WorkflowID != "deep-research" {
		t.Errorf("unexpected workflow id: %q", tmpl.WorkflowID)
	}

	if _, ok := r.Template("nonexistent"); ok {
		t.Errorf("unknown template resolved")
	}
}

func TestTemplate_DisabledHidden(t *testing.T) {
	r := New([]*AgentTemplate{
		{ID: "off", Name: "Off", Enabled: false},
	})
	if _, ok := r.Template("off"); ok {
		t.Errorf("disabled template resolved")
	}
}

func TestTemplateForCommand(t *testing.T) {
	r := New(DefaultTemplates())

	tmpl, ok := r.TemplateForCommand("research")
	if !ok || tmpl.ID != "researcher" {
		t.Fatalf("command trigger did not resolve: %+v", tmpl)
	}

	if _, ok := r.TemplateForCommand("unknown"); ok {
		t.Errorf("unknown command resolved")
	}
}

func TestMatchesTool(t *testing.T) {
	tests := []struct {
		name  string
		allow []string
		tool  string
		want  bool
	}{
		{"star", []string{"*"}, "anything", true},
		{"exact", []string{"web_search", "shell_exec"}, "shell_exec", true},
		{"prefix wildcard", []string{"fs_*"}, "fs_read", true},
		{"prefix miss", []string{"fs_*"}, "net_dial", false},
		{"empty list", nil, "web_search", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpl := &AgentTemplate{ToolAllowList: tt.allow}
			if got := tmpl.MatchesTool(tt.tool); got != tt.want {
				t.Errorf("MatchesTool(%q) = %v, want %v", tt.tool, got, tt.want)
			}
		})
	}
}

func TestGenericWorkerTemplate(t *testing.T) {
	tmpl := GenericWorkerTemplate("mystery")
	if !tmpl.Enabled || tmpl.ID != "mystery" {
		t.Errorf("generic template malformed: %+v", tmpl)
	}
	if !tmpl.MatchesTool("anything") {
		t.Errorf("generic worker should have unrestricted tools")
	}
}

func TestInstanceTracking(t *testing.T) {
	r := New(nil)

	r.RegisterInstance(&Instance{AgentID: "w-1", TemplateID: "writer", ConversationID: "c-1", ParentAgentID: "sup"})
	if inst, ok := r.Instance("w-1"); !ok || inst.ParentAgentID != "sup" {
		t.Fatalf("instance not tracked: %+v", inst)
	}
	if len(r.Instances()) != 1 {
		t.Errorf("expected one live instance")
	}

	r.UnregisterInstance("w-1")
	if _, ok := r.Instance("w-1"); ok {
		t.Errorf("instance not removed")
	}
}
