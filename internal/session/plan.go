package session

import "github.com/basket/go-amplifier/internal/profile"

// injectCredentials copies client-supplied keys into their provider configs.
// Keys already present in the profile are overwritten.
func injectCredentials(plan *profile.MountPlan, creds Credentials, model string) {
	keys := map[string]string{
		"provider-anthropic": creds.AnthropicAPIKey,
		"provider-openai":    creds.OpenAIAPIKey,
		"provider-gemini":    creds.GoogleAPIKey,
	}
	for i := range plan.Providers {
		p := &plan.Providers[i]
		if key := keys[p.Module]; key != "" {
			p.Config["api_key"] = key
		}
		if model != "" {
			p.Config["model"] = model
		}
	}
}

// injectWorkspace pins workspace-aware tools to the workspace root.
func injectWorkspace(plan *profile.MountPlan, w *WorkspaceContext) {
	if w == nil || w.WorkspaceRoot == "" {
		return
	}
	root := w.WorkspaceRoot
	for i := range plan.Tools {
		t := &plan.Tools[i]
		switch t.Module {
		case "tool-bash", "tool-search":
			t.Config["working_dir"] = root
		case "tool-filesystem":
			t.Config["allowed_write_paths"] = []any{root}
			t.Config["working_dir"] = root
		}
	}
}

// injectSystemContext prefixes the orchestrator system instruction with a
// workspace summary.
func injectSystemContext(plan *profile.MountPlan, w *WorkspaceContext) {
	summary := SystemContext(w)
	if summary == "" {
		return
	}
	if plan.Orchestrator.Config == nil {
		plan.Orchestrator.Config = map[string]any{}
	}
	existing, _ := plan.Orchestrator.Config["system_instruction"].(string)
	plan.Orchestrator.Config["system_instruction"] = summary + "\n\n" + existing
}
