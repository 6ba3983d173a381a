package profile

// MountPlan is the engine configuration compiled from a profile. It is a
// deep copy, so callers may mutate it freely.
type MountPlan struct {
	Profile      string         `json:"profile"`
	Providers    []ModuleConfig `json:"providers"`
	Tools        []ModuleConfig `json:"tools"`
	Hooks        []ModuleConfig `json:"hooks"`
	Orchestrator ModuleConfig   `json:"orchestrator"`
	Agents       []string       `json:"agents"`
}

func Compile(p *Profile) *MountPlan {
	plan := &MountPlan{
		Profile:   p.Name,
		Providers: cloneModules(p.Providers),
		Tools:     cloneModules(p.Tools),
		Hooks:     cloneModules(p.Hooks),
		Agents:    append([]string(nil), p.Agents...),
	}
	if p.Orchestrator != nil {
		plan.Orchestrator = cloneModule(*p.Orchestrator)
	}
	if plan.Orchestrator.Config == nil {
		plan.Orchestrator.Config = map[string]any{}
	}
	for _, list := range [][]ModuleConfig{plan.Providers, plan.Tools, plan.Hooks} {
		for i := range list {
			if list[i].Config == nil {
				list[i].Config = map[string]any{}
			}
		}
	}
	return plan
}

// Module returns the first module named name in list, or nil.
func Module(list []ModuleConfig, name string) *ModuleConfig {
	for i := range list {
		if list[i].Module == name {
			return &list[i]
		}
	}
	return nil
}

func (p *Profile) clone() *Profile {
	out := *p
	out.Providers = cloneModules(p.Providers)
	out.Tools = cloneModules(p.Tools)
	out.Hooks = cloneModules(p.Hooks)
	out.Agents = append([]string(nil), p.Agents...)
	if p.Orchestrator != nil {
		o := cloneModule(*p.Orchestrator)
		out.Orchestrator = &o
	}
	return &out
}

func cloneModules(in []ModuleConfig) []ModuleConfig {
	if in == nil {
		return nil
	}
	out := make([]ModuleConfig, len(in))
	for i, m := range in {
		out[i] = cloneModule(m)
	}
	return out
}

func cloneModule(m ModuleConfig) ModuleConfig {
	m.Config = cloneMap(m.Config)
	return m
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}
