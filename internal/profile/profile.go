// Package profile discovers session profiles on disk, resolves their
// extends chains and compiles them into mount plans.
package profile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	ErrNotFound = errors.New("profile not found")
	ErrCycle    = errors.New("profile extends cycle")
)

// ModuleConfig is one mountable module with its configuration.
type ModuleConfig struct {
	Module string         `yaml:"module" json:"module"`
	Source string         `yaml:"source,omitempty" json:"source,omitempty"`
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

type Profile struct {
	Name         string         `yaml:"name" json:"name"`
	Description  string         `yaml:"description" json:"description"`
	Extends      string         `yaml:"extends,omitempty" json:"extends,omitempty"`
	Collection   string         `yaml:"collection,omitempty" json:"collection,omitempty"`
	Providers    []ModuleConfig `yaml:"providers,omitempty" json:"providers"`
	Tools        []ModuleConfig `yaml:"tools,omitempty" json:"tools"`
	Hooks        []ModuleConfig `yaml:"hooks,omitempty" json:"hooks"`
	Orchestrator *ModuleConfig  `yaml:"orchestrator,omitempty" json:"orchestrator,omitempty"`
	Agents       []string       `yaml:"agents,omitempty" json:"agents"`

	Path string `yaml:"-" json:"-"`
}

// Summary is the listing view of a profile.
type Summary struct {
	Name        string  `json:"name"`
	Collection  *string `json:"collection"`
	Description string  `json:"description"`
	Extends     *string `json:"extends"`
}

type source struct {
	dir        string
	collection string
}

// Loader finds profiles in its search paths and in the profiles directory
// of every collection under its collection paths. The first match wins.
// Resolved profiles are cached until Invalidate.
type Loader struct {
	searchPaths     []string
	collectionPaths []string

	mu    sync.Mutex
	cache map[string]*Profile
}

func NewLoader(searchPaths, collectionPaths []string) *Loader {
	return &Loader{
		searchPaths:     append([]string(nil), searchPaths...),
		collectionPaths: append([]string(nil), collectionPaths...),
		cache:           make(map[string]*Profile),
	}
}

// Invalidate drops every cached profile.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache = make(map[string]*Profile)
}

// Dirs returns every directory profiles are read from, in precedence order.
func (l *Loader) Dirs() []string {
	srcs := l.sources()
	out := make([]string, 0, len(srcs))
	for _, s := range srcs {
		out = append(out, s.dir)
	}
	return out
}

func (l *Loader) sources() []source {
	var out []source
	for _, p := range l.searchPaths {
		out = append(out, source{dir: p})
	}
	for _, root := range l.collectionPaths {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			dir := filepath.Join(root, e.Name(), "profiles")
			if st, err := os.Stat(dir); err == nil && st.IsDir() {
				out = append(out, source{dir: dir, collection: e.Name()})
			}
		}
	}
	return out
}

// List returns a summary of every discoverable profile, sorted by name.
func (l *Loader) List() ([]Summary, error) {
	seen := make(map[string]bool)
	var out []Summary
	for _, src := range l.sources() {
		entries, err := os.ReadDir(src.dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read profile dir %s: %w", src.dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !isProfileFile(e.Name()) {
				continue
			}
			p, err := parseFile(filepath.Join(src.dir, e.Name()), src.collection)
			if err != nil {
				return nil, err
			}
			if seen[p.Name] {
				continue
			}
			seen[p.Name] = true
			out = append(out, p.summary())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Load returns the named profile with its extends chain applied. A name of
// the form "collection:name" restricts the lookup to that collection.
func (l *Loader) Load(name string) (*Profile, error) {
	l.mu.Lock()
	if p, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return p.clone(), nil
	}
	l.mu.Unlock()

	p, err := l.resolve(name, map[string]bool{})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = p
	l.mu.Unlock()
	return p.clone(), nil
}

func (l *Loader) resolve(name string, visiting map[string]bool) (*Profile, error) {
	if visiting[name] {
		return nil, fmt.Errorf("%w: %s", ErrCycle, name)
	}
	visiting[name] = true

	p, err := l.find(name)
	if err != nil {
		return nil, err
	}
	if p.Extends == "" {
		return p, nil
	}
	parent, err := l.resolve(p.Extends, visiting)
	if err != nil {
		return nil, fmt.Errorf("profile %s extends %s: %w", name, p.Extends, err)
	}
	return merge(parent, p), nil
}

func (l *Loader) find(name string) (*Profile, error) {
	collection, bare := "", name
	if i := strings.Index(name, ":"); i > 0 {
		collection, bare = name[:i], name[i+1:]
	}
	for _, src := range l.sources() {
		if collection != "" && src.collection != collection {
			continue
		}
		for _, ext := range []string{".yaml", ".yml", ".md"} {
			path := filepath.Join(src.dir, bare+ext)
			if _, err := os.Stat(path); err != nil {
				continue
			}
			return parseFile(path, src.collection)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
}

func isProfileFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".md":
		return true
	}
	return false
}

// parseFile reads a YAML profile, or a markdown profile whose YAML front
// matter holds the fields and whose body becomes the orchestrator's
// system_instruction.
func parseFile(path, collection string) (*Profile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile %s: %w", path, err)
	}
	var body string
	if filepath.Ext(path) == ".md" {
		raw, body = splitFrontMatter(raw)
	}
	var p Profile
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profile %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.Collection == "" {
		p.Collection = collection
	}
	if body = strings.TrimSpace(body); body != "" {
		if p.Orchestrator == nil {
			p.Orchestrator = &ModuleConfig{}
		}
		if p.Orchestrator.Config == nil {
			p.Orchestrator.Config = map[string]any{}
		}
		if _, ok := p.Orchestrator.Config["system_instruction"]; !ok {
			p.Orchestrator.Config["system_instruction"] = body
		}
	}
	p.Path = path
	return &p, nil
}

func splitFrontMatter(raw []byte) ([]byte, string) {
	const delim = "---"
	trimmed := bytes.TrimLeft(raw, "\ufeff")
	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(raw)
	}
	rest := trimmed[len(delim):]
	end := bytes.Index(rest, []byte("\n"+delim))
	if end < 0 {
		return rest, ""
	}
	front := rest[:end]
	body := rest[end+len(delim)+1:]
	return front, string(body)
}

func (p *Profile) summary() Summary {
	s := Summary{Name: p.Name, Description: p.Description}
	if p.Collection != "" {
		c := p.Collection
		s.Collection = &c
	}
	if p.Extends != "" {
		e := p.Extends
		s.Extends = &e
	}
	return s
}

// merge applies child on top of parent. Module lists override per module
// name and config maps merge recursively.
func merge(parent, child *Profile) *Profile {
	out := parent.clone()
	out.Name = child.Name
	out.Extends = child.Extends
	out.Path = child.Path
	out.Collection = child.Collection
	if child.Description != "" {
		out.Description = child.Description
	}
	out.Providers = mergeModules(out.Providers, child.Providers)
	out.Tools = mergeModules(out.Tools, child.Tools)
	out.Hooks = mergeModules(out.Hooks, child.Hooks)
	if child.Orchestrator != nil {
		if out.Orchestrator == nil {
			out.Orchestrator = &ModuleConfig{}
		}
		if child.Orchestrator.Module != "" {
			out.Orchestrator.Module = child.Orchestrator.Module
		}
		if child.Orchestrator.Source != "" {
			out.Orchestrator.Source = child.Orchestrator.Source
		}
		out.Orchestrator.Config = mergeMaps(out.Orchestrator.Config, child.Orchestrator.Config)
	}
	for _, a := range child.Agents {
		if !contains(out.Agents, a) {
			out.Agents = append(out.Agents, a)
		}
	}
	return out
}

func mergeModules(base, over []ModuleConfig) []ModuleConfig {
	out := cloneModules(base)
	for _, m := range over {
		replaced := false
		for i := range out {
			if out[i].Module == m.Module {
				if m.Source != "" {
					out[i].Source = m.Source
				}
				out[i].Config = mergeMaps(out[i].Config, m.Config)
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, cloneModule(m))
		}
	}
	return out
}

func mergeMaps(base, over map[string]any) map[string]any {
	if base == nil && over == nil {
		return nil
	}
	out := cloneMap(base)
	if out == nil {
		out = map[string]any{}
	}
	for k, v := range over {
		if sub, ok := v.(map[string]any); ok {
			if existing, ok := out[k].(map[string]any); ok {
				out[k] = mergeMaps(existing, sub)
				continue
			}
		}
		out[k] = cloneValue(v)
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
