// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_tools executes agent tools across the three phases of a
// call: pre-call data fetches before the provider connects, in-call function
// calls requested by the model, and post-call webhooks after the caller is
// gone. Definitions are configuration driven and hot-reloadable.
package internal_tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sync/atomic"
)

// Phase is a stage of the call a tool can run in.
type Phase string

const (
	PhasePreCall  Phase = "pre_call"
	PhaseInCall   Phase = "in_call"
	PhasePostCall Phase = "post_call"
)

// Kind distinguishes outbound HTTP tools from engine built-ins.
type Kind string

const (
	KindHTTP    Kind = "http"
	KindBuiltin Kind = "builtin"
)

// ParameterSpec describes one tool parameter for the provider schema.
type ParameterSpec struct {
	Type        string   `json:"type" mapstructure:"type"`
	Description string   `json:"description" mapstructure:"description"`
	Enum        []string `json:"enum,omitempty" mapstructure:"enum"`
	Required    bool     `json:"required" mapstructure:"required"`
}

// ToolDefinition is one configured tool.
type ToolDefinition struct {
	Name        string                   `mapstructure:"name"`
	Description string                   `mapstructure:"description"`
	Kind        Kind                     `mapstructure:"kind"`
	Phases      []Phase                  `mapstructure:"phases"`
	Parameters  map[string]ParameterSpec `mapstructure:"parameters"`

	// HTTP tools.
	URL          string            `mapstructure:"url"`
	Method       string            `mapstructure:"method"`
	Headers      map[string]string `mapstructure:"headers"`
	BodyTemplate string            `mapstructure:"body"`

	// Builtin tools reference an engine capability by name.
	Builtin string `mapstructure:"builtin"`

	// TimeoutMs bounds one execution; zero means the phase default.
	TimeoutMs int `mapstructure:"timeout_ms"`

	// IsGlobal activates the tool in every agent context for its phases
	// unless the context opts out of globals for that phase.
	IsGlobal bool `mapstructure:"is_global"`

	// OutputVariables names the substitution variables a pre-call tool's
	// result populates. See MapOutputs for how a result is split.
	OutputVariables []string `mapstructure:"output_variables"`
}

// HasPhase reports whether the tool runs in the given phase.
func (t ToolDefinition) HasPhase(p Phase) bool {
	for _, x := range t.Phases {
		if x == p {
			return true
		}
	}
	return false
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// resolveEnv expands ${VAR} references from the process environment. This
// happens once at registry load, never per call, so secrets in headers are
// not re-read and a changed environment needs a reload to take effect.
func resolveEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(m string) string {
		name := envRef.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

// bake returns a copy of the definition with environment references resolved.
func (t ToolDefinition) bake() ToolDefinition {
	out := t
	out.URL = resolveEnv(t.URL)
	out.BodyTemplate = resolveEnv(t.BodyTemplate)
	if len(t.Headers) > 0 {
		out.Headers = make(map[string]string, len(t.Headers))
		for k, v := range t.Headers {
			out.Headers[k] = resolveEnv(v)
		}
	}
	return out
}

// Validate checks the definition is executable.
func (t ToolDefinition) Validate() error {
	if t.Name == "" {
		return fmt.Errorf("tools: definition without name")
	}
	if len(t.Phases) == 0 {
		return fmt.Errorf("tools: %s declares no phases", t.Name)
	}
	switch t.Kind {
	case KindHTTP:
		if t.URL == "" {
			return fmt.Errorf("tools: http tool %s has no url", t.Name)
		}
	case KindBuiltin:
		if t.Builtin == "" {
			return fmt.Errorf("tools: builtin tool %s names no capability", t.Name)
		}
	default:
		return fmt.Errorf("tools: %s has unknown kind %q", t.Name, t.Kind)
	}
	if t.HasPhase(PhasePreCall) && len(t.OutputVariables) == 0 {
		return fmt.Errorf("tools: pre-call tool %s has no output_variables", t.Name)
	}
	return nil
}

// MapOutputs splits a tool result across the declared output variables.
// A JSON object result fills each variable from its matching field, string
// fields verbatim and anything else re-encoded. Any other result fills a
// single declared variable wholesale. Variables the result does not cover
// come back empty.
func (t ToolDefinition) MapOutputs(raw string) map[string]string {
	out := make(map[string]string, len(t.OutputVariables))
	for _, name := range t.OutputVariables {
		out[name] = ""
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &obj); err == nil && obj != nil {
		for _, name := range t.OutputVariables {
			field, ok := obj[name]
			if !ok {
				continue
			}
			var s string
			if err := json.Unmarshal(field, &s); err == nil {
				out[name] = s
			} else {
				out[name] = string(field)
			}
		}
		return out
	}

	if len(t.OutputVariables) == 1 {
		out[t.OutputVariables[0]] = raw
	}
	return out
}

type snapshot struct {
	byName  map[string]ToolDefinition
	byPhase map[Phase][]ToolDefinition
}

// Registry holds the active tool set. Reload swaps the whole set atomically;
// in-flight calls keep the snapshot they started with.
type Registry struct {
	current atomic.Pointer[snapshot]
}

// NewRegistry builds a registry from the given definitions.
func NewRegistry(defs []ToolDefinition) (*Registry, error) {
	r := &Registry{}
	if err := r.Reload(defs); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload validates and atomically installs a new tool set.
func (r *Registry) Reload(defs []ToolDefinition) error {
	snap := &snapshot{
		byName:  make(map[string]ToolDefinition, len(defs)),
		byPhase: make(map[Phase][]ToolDefinition),
	}
	for _, d := range defs {
		if err := d.Validate(); err != nil {
			return err
		}
		if _, dup := snap.byName[d.Name]; dup {
			return fmt.Errorf("tools: duplicate definition %s", d.Name)
		}
		baked := d.bake()
		snap.byName[d.Name] = baked
		for _, p := range d.Phases {
			snap.byPhase[p] = append(snap.byPhase[p], baked)
		}
	}
	r.current.Store(snap)
	return nil
}

// ForPhase returns every registered tool for a phase, regardless of
// context selection.
func (r *Registry) ForPhase(p Phase) []ToolDefinition {
	snap := r.current.Load()
	if snap == nil {
		return nil
	}
	return snap.byPhase[p]
}

// Selection is an agent context's view of the registry: global tools run
// implicitly in their phases unless the context opts out, and explicitly
// listed tools are added on top.
type Selection struct {
	PreCall  []string
	InCall   []string
	PostCall []string

	DisableGlobalPreCall  bool
	DisableGlobalInCall   bool
	DisableGlobalPostCall bool
}

func (s Selection) explicit(p Phase) []string {
	switch p {
	case PhasePreCall:
		return s.PreCall
	case PhaseInCall:
		return s.InCall
	case PhasePostCall:
		return s.PostCall
	}
	return nil
}

func (s Selection) globalsDisabled(p Phase) bool {
	switch p {
	case PhasePreCall:
		return s.DisableGlobalPreCall
	case PhaseInCall:
		return s.DisableGlobalInCall
	case PhasePostCall:
		return s.DisableGlobalPostCall
	}
	return false
}

// Active resolves the tools a selection runs in a phase: globals unless
// opted out, then the phase's explicit list. Explicit names that are not
// registered for the phase are skipped; a reload may have dropped them.
func (r *Registry) Active(p Phase, sel Selection) []ToolDefinition {
	snap := r.current.Load()
	if snap == nil {
		return nil
	}

	seen := make(map[string]bool)
	var out []ToolDefinition
	if !sel.globalsDisabled(p) {
		for _, d := range snap.byPhase[p] {
			if d.IsGlobal && !seen[d.Name] {
				seen[d.Name] = true
				out = append(out, d)
			}
		}
	}
	for _, name := range sel.explicit(p) {
		d, ok := snap.byName[name]
		if !ok || !d.HasPhase(p) || seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, d)
	}
	return out
}

// Lookup returns a tool by name.
func (r *Registry) Lookup(name string) (ToolDefinition, bool) {
	snap := r.current.Load()
	if snap == nil {
		return ToolDefinition{}, false
	}
	d, ok := snap.byName[name]
	return d, ok
}

// Executor runs one tool invocation.
type Executor interface {
	Execute(ctx context.Context, def ToolDefinition, params map[string]string, vars map[string]string) (string, error)
}
