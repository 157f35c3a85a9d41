// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	internal_session "github.com/rapidaai/voice-engine/internal/session"
	"github.com/rapidaai/voice-engine/pkg/commons"
	"github.com/rapidaai/voice-engine/pkg/utils"
)

const (
	defaultPreCallTimeout  = 2 * time.Second
	defaultInCallTimeout   = 10 * time.Second
	defaultPostCallTimeout = 15 * time.Second
)

// Runner drives tool execution for the three call phases.
type Runner struct {
	logger   commons.Logger
	registry *Registry
	executor Executor
	clock    func() time.Time
}

// NewRunner creates a phase runner.
func NewRunner(logger commons.Logger, registry *Registry, executor Executor) *Runner {
	return &Runner{logger: logger, registry: registry, executor: executor, clock: time.Now}
}

// RunPreCall executes the context's pre-call tools in parallel and returns
// the merged variable map. A tool that fails or times out contributes empty
// strings for its output variables; the call proceeds regardless. Wall time
// is the slowest tool, not the sum.
func (r *Runner) RunPreCall(ctx context.Context, sess *internal_session.CallSession, sel Selection, baseVars map[string]string) map[string]string {
	defs := r.registry.Active(PhasePreCall, sel)
	results := make(map[string]string)
	if len(defs) == 0 {
		return results
	}

	for _, def := range defs {
		for _, name := range def.OutputVariables {
			results[name] = ""
		}
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for _, def := range defs {
		def := def
		g.Go(func() error {
			timeout := defaultPreCallTimeout
			if def.TimeoutMs > 0 {
				timeout = time.Duration(def.TimeoutMs) * time.Millisecond
			}
			tctx, cancel := context.WithTimeout(gctx, timeout)
			defer cancel()

			started := r.clock()
			out, err := r.executor.Execute(tctx, def, nil, baseVars)
			elapsed := r.clock().Sub(started)
			if err != nil {
				r.logger.Warnw("pre-call tool failed, continuing with empty variables",
					"tool", def.Name, "variables", def.OutputVariables, "err", err)
				sess.RecordToolCall(def.Name, nil, "", elapsed)
				return nil
			}
			sess.RecordToolCall(def.Name, nil, out, elapsed)
			mu.Lock()
			for name, value := range def.MapOutputs(out) {
				results[name] = value
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()
	return results
}

// Dispatcher executes in-call tool requests from the provider. Providers can
// resend a function_call_request after a reconnect, so dispatch is keyed by
// the provider's tool call ID and duplicates return the first result.
type Dispatcher struct {
	logger   commons.Logger
	registry *Registry
	executor Executor
	clock    func() time.Time

	mu   sync.Mutex
	seen map[string]string
}

// NewDispatcher creates an in-call dispatcher.
func NewDispatcher(logger commons.Logger, registry *Registry, executor Executor) *Dispatcher {
	return &Dispatcher{
		logger:   logger,
		registry: registry,
		executor: executor,
		clock:    time.Now,
		seen:     make(map[string]string),
	}
}

// Dispatch runs one in-call tool and returns the result string that goes
// back to the provider. Errors come back as a result string too; the model
// should hear about the failure, not the transport.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *internal_session.CallSession, sel Selection, toolCallID, name string, params map[string]string) string {
	key := sess.CallID + "/" + toolCallID
	d.mu.Lock()
	if prior, ok := d.seen[key]; ok {
		d.mu.Unlock()
		d.logger.Debugf("duplicate tool call %s for %s, returning cached result", toolCallID, name)
		return prior
	}
	d.mu.Unlock()

	result := d.execute(ctx, sess, sel, name, params)

	d.mu.Lock()
	d.seen[key] = result
	d.mu.Unlock()
	return result
}

func (d *Dispatcher) execute(ctx context.Context, sess *internal_session.CallSession, sel Selection, name string, params map[string]string) string {
	def, ok := d.activeTool(sel, name)
	if !ok {
		d.logger.Warnf("provider requested in-call tool %q outside the context's set", name)
		return fmt.Sprintf("error: tool %s is not available", name)
	}

	timeout := defaultInCallTimeout
	if def.TimeoutMs > 0 {
		timeout = time.Duration(def.TimeoutMs) * time.Millisecond
	}
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	vars := MergeVars(callVars(sess), sess.PreCallResults())
	started := d.clock()
	out, err := d.executor.Execute(tctx, def, params, vars)
	elapsed := d.clock().Sub(started)
	if err != nil {
		d.logger.Warnw("in-call tool failed", "tool", name, "call_id", sess.CallID, "err", err)
		out = fmt.Sprintf("error: %s failed: %v", name, err)
	}
	sess.RecordToolCall(name, params, out, elapsed)
	return out
}

// activeTool resolves a requested tool against the context's in-call set.
// A provider can only call what its schema export contained.
func (d *Dispatcher) activeTool(sel Selection, name string) (ToolDefinition, bool) {
	for _, def := range d.registry.Active(PhaseInCall, sel) {
		if def.Name == name {
			return def, true
		}
	}
	return ToolDefinition{}, false
}

// Forget drops the dedupe state for a finished call.
func (d *Dispatcher) Forget(callID string) {
	prefix := callID + "/"
	d.mu.Lock()
	for k := range d.seen {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(d.seen, k)
		}
	}
	d.mu.Unlock()
}

// Summarizer produces a short natural-language summary of a finished call.
// The pipeline's LLM adapter satisfies it; post-call runs fine without one.
type Summarizer interface {
	Summarize(ctx context.Context, history []internal_session.HistoryEntry) (string, error)
}

// RunPostCall fires every post-call tool in the background. The caller is
// already gone; nothing waits on these, and failures are logged only. The
// {summary} variable carries a JSON-escaped transcript summary string, and
// {summary_json} the raw JSON object, so body templates can embed either.
func (r *Runner) RunPostCall(ctx context.Context, sess *internal_session.CallSession, sel Selection, summarizer Summarizer) {
	defs := r.registry.Active(PhasePostCall, sel)
	if len(defs) == 0 {
		return
	}
	if !sess.MarkPostCallFired() {
		return
	}

	utils.Go(ctx, func() {
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultPostCallTimeout)
		defer cancel()

		vars := MergeVars(callVars(sess), sess.PreCallResults(), r.summaryVars(pctx, sess, summarizer))
		for _, def := range defs {
			started := r.clock()
			out, err := r.executor.Execute(pctx, def, nil, vars)
			elapsed := r.clock().Sub(started)
			if err != nil {
				r.logger.Warnw("post-call tool failed", "tool", def.Name, "call_id", sess.CallID, "err", err)
			}
			sess.RecordToolCall(def.Name, nil, out, elapsed)
		}
	})
}

// summaryVars builds the {summary} and {summary_json} variables.
func (r *Runner) summaryVars(ctx context.Context, sess *internal_session.CallSession, summarizer Summarizer) map[string]string {
	text := ""
	if summarizer != nil {
		var err error
		text, err = summarizer.Summarize(ctx, sess.History())
		if err != nil {
			r.logger.Warnw("post-call summary failed, sending empty summary",
				"call_id", sess.CallID, "err", err)
			text = ""
		}
	}

	obj := map[string]interface{}{
		"call_id":  sess.CallID,
		"outcome":  string(sess.Outcome()),
		"summary":  text,
		"metrics":  sess.MetricsSnapshot(),
		"duration": time.Since(sess.StartTime).Seconds(),
	}
	raw, err := json.Marshal(obj)
	if err != nil {
		raw = []byte("{}")
	}
	escaped, err := json.Marshal(text)
	if err != nil {
		escaped = []byte(`""`)
	}
	return map[string]string{
		// {summary} is safe to place inside a JSON string literal.
		"summary": string(escaped[1 : len(escaped)-1]),
		// {summary_json} is a complete JSON object.
		"summary_json": string(raw),
	}
}

// callVars exposes the standard per-call substitution variables.
func callVars(sess *internal_session.CallSession) map[string]string {
	return map[string]string{
		"call_id":       sess.CallID,
		"caller_number": sess.CallerNumber,
		"called_number": sess.CalledNumber,
		"context":       sess.ContextName,
		"direction":     string(sess.Direction),
	}
}

// CallVars is the exported form used by the engine when seeding pre-call
// substitution before the session has tool results.
func CallVars(sess *internal_session.CallSession) map[string]string {
	return callVars(sess)
}
