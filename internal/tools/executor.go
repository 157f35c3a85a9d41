// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	internal_session "github.com/rapidaai/voice-engine/internal/session"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

// maxResultBytes caps a tool result before it is handed back to the model.
const maxResultBytes = 64 * 1024

// CallControl is the slice of call operations built-in tools need. The
// engine implements it; tests stub it.
type CallControl interface {
	// BlindTransfer redirects the caller's channel to the destination. The
	// agent leg ends once the transfer is confirmed.
	BlindTransfer(ctx context.Context, callID, destination string) error

	// RequestHangup schedules a hangup for after the current agent audio
	// finishes playing.
	RequestHangup(callID string)
}

// HTTPExecutor runs http-kind tools through a shared resty client.
type HTTPExecutor struct {
	logger commons.Logger
	client *resty.Client
}

// NewHTTPExecutor creates the executor with sane transport defaults. The
// per-attempt timeout comes from each tool's definition, not the client.
func NewHTTPExecutor(logger commons.Logger) *HTTPExecutor {
	client := resty.New().
		SetRetryCount(1).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("User-Agent", "voice-engine/1.0")
	return &HTTPExecutor{logger: logger, client: client}
}

// Execute implements Executor for HTTP tools. Placeholders in the URL,
// headers, and body are substituted from vars before the request.
func (e *HTTPExecutor) Execute(ctx context.Context, def ToolDefinition, params map[string]string, vars map[string]string) (string, error) {
	merged := MergeVars(vars, params)

	url := Substitute(def.URL, merged)
	method := strings.ToUpper(def.Method)
	if method == "" {
		method = "POST"
	}

	req := e.client.R().SetContext(ctx)
	for k, v := range def.Headers {
		req.SetHeader(k, Substitute(v, merged))
	}
	if def.BodyTemplate != "" {
		req.SetHeader("Content-Type", "application/json")
		req.SetBody(Substitute(def.BodyTemplate, merged))
	}

	started := time.Now()
	resp, err := req.Execute(method, url)
	if err != nil {
		return "", fmt.Errorf("tool %s request: %w", def.Name, err)
	}
	e.logger.Benchmark("tool_"+def.Name, time.Since(started))

	if resp.IsError() {
		return "", fmt.Errorf("tool %s: upstream status %d", def.Name, resp.StatusCode())
	}

	body := resp.Body()
	if len(body) > maxResultBytes {
		body = body[:maxResultBytes]
	}
	return string(body), nil
}

// BuiltinFunc is one engine-provided tool implementation.
type BuiltinFunc func(ctx context.Context, sess *internal_session.CallSession, params map[string]string) (string, error)

// BuiltinExecutor dispatches builtin-kind tools to registered capabilities.
type BuiltinExecutor struct {
	logger   commons.Logger
	control  CallControl
	http     *resty.Client
	builtins map[string]BuiltinFunc
	sessions func(callID string) *internal_session.CallSession
}

// NewBuiltinExecutor wires the standard built-ins against the engine's call
// control surface. sessions resolves a call ID to its live session.
func NewBuiltinExecutor(logger commons.Logger, control CallControl, sessions func(string) *internal_session.CallSession) *BuiltinExecutor {
	e := &BuiltinExecutor{
		logger:   logger,
		control:  control,
		http:     resty.New().SetTimeout(8 * time.Second),
		sessions: sessions,
	}
	e.builtins = map[string]BuiltinFunc{
		"blind_transfer": e.blindTransfer,
		"hangup_call":    e.hangupCall,
		"http_lookup":    e.httpLookup,
	}
	return e
}

// Execute implements Executor for builtin tools.
func (e *BuiltinExecutor) Execute(ctx context.Context, def ToolDefinition, params map[string]string, vars map[string]string) (string, error) {
	fn, ok := e.builtins[def.Builtin]
	if !ok {
		return "", fmt.Errorf("tools: unknown builtin %q", def.Builtin)
	}
	callID := vars["call_id"]
	sess := e.sessions(callID)
	if sess == nil && def.Builtin != "http_lookup" {
		return "", fmt.Errorf("tools: builtin %s without live call %q", def.Builtin, callID)
	}
	return fn(ctx, sess, MergeVars(vars, params))
}

// blindTransfer redirects the caller directly to the destination endpoint.
// The redirect targets the caller's channel itself; routing through an
// intermediate local channel pair loses media on some PBX versions.
func (e *BuiltinExecutor) blindTransfer(ctx context.Context, sess *internal_session.CallSession, params map[string]string) (string, error) {
	dest := params["destination"]
	if dest == "" {
		return "", fmt.Errorf("blind_transfer: destination parameter required")
	}

	sess.SetCurrentAction(&internal_session.CurrentAction{
		Type:      "blind_transfer",
		Target:    dest,
		StartedAt: time.Now(),
	})
	if err := e.control.BlindTransfer(ctx, sess.CallID, dest); err != nil {
		sess.SetCurrentAction(nil)
		return "", fmt.Errorf("blind_transfer to %s: %w", dest, err)
	}
	sess.TransferDestination = dest
	sess.SetOutcome(internal_session.OutcomeTransferred)
	e.logger.Infow("blind transfer initiated", "call_id", sess.CallID, "destination", dest)
	return fmt.Sprintf("transfer to %s initiated", dest), nil
}

// hangupCall schedules the hangup for after the agent's farewell audio has
// finished; the model is told so it can say goodbye first.
func (e *BuiltinExecutor) hangupCall(_ context.Context, sess *internal_session.CallSession, _ map[string]string) (string, error) {
	sess.SetHangupPending()
	e.control.RequestHangup(sess.CallID)
	e.logger.Infow("hangup scheduled after current audio", "call_id", sess.CallID)
	return "call will end after your goodbye message finishes", nil
}

// httpLookup fetches a URL and returns the body, a generic GET for agents
// that need ad hoc data without a dedicated tool definition.
func (e *BuiltinExecutor) httpLookup(ctx context.Context, _ *internal_session.CallSession, params map[string]string) (string, error) {
	url := params["url"]
	if url == "" {
		return "", fmt.Errorf("http_lookup: url parameter required")
	}
	resp, err := e.http.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", fmt.Errorf("http_lookup %s: %w", url, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("http_lookup %s: status %d", url, resp.StatusCode())
	}
	body := resp.Body()
	if len(body) > maxResultBytes {
		body = body[:maxResultBytes]
	}
	return string(body), nil
}

// Router picks the executor for a definition's kind.
type Router struct {
	HTTP    Executor
	Builtin Executor
}

// Execute implements Executor.
func (r *Router) Execute(ctx context.Context, def ToolDefinition, params map[string]string, vars map[string]string) (string, error) {
	switch def.Kind {
	case KindHTTP:
		return r.HTTP.Execute(ctx, def, params, vars)
	case KindBuiltin:
		return r.Builtin.Execute(ctx, def, params, vars)
	}
	return "", fmt.Errorf("tools: no executor for kind %q", def.Kind)
}
