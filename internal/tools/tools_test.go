package internal_tools

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_session "github.com/rapidaai/voice-engine/internal/session"
	"github.com/rapidaai/voice-engine/pkg/commons"
)

func TestSubstitute_SinglePassLiteralSafe(t *testing.T) {
	vars := map[string]string{
		"caller_number": "+15551234567",
		"payload":       `{"note": "{caller_number}"}`,
	}

	// A value containing a placeholder is inserted literally, never expanded.
	out := Substitute("data={payload}", vars)
	assert.Equal(t, `data={"note": "{caller_number}"}`, out)

	// Unknown placeholders pass through.
	assert.Equal(t, "x={nope}", Substitute("x={nope}", vars))

	// Malformed braces pass through.
	assert.Equal(t, "{unclosed", Substitute("{unclosed", vars))
	assert.Equal(t, "a {b c} d", Substitute("a {b c} d", vars))
}

func TestSubstitute_TruncatesLongValues(t *testing.T) {
	long := make([]byte, 2000)
	for i := range long {
		long[i] = 'a'
	}
	out := Substitute("v={big}", map[string]string{"big": string(long)})
	assert.Len(t, out, 2+maxVariableLen)
}

type scriptedExecutor struct {
	delay   time.Duration
	fail    map[string]bool
	calls   atomic.Int64
	results map[string]string
}

func (s *scriptedExecutor) Execute(ctx context.Context, def ToolDefinition, params, vars map[string]string) (string, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if s.fail[def.Name] {
		return "", fmt.Errorf("scripted failure")
	}
	if r, ok := s.results[def.Name]; ok {
		return r, nil
	}
	return "ok:" + def.Name, nil
}

func preCallDefs(n int) []ToolDefinition {
	defs := make([]ToolDefinition, n)
	for i := range defs {
		defs[i] = ToolDefinition{
			Name:            fmt.Sprintf("fetch_%d", i),
			Kind:            KindHTTP,
			URL:             "https://example.test/lookup",
			Phases:          []Phase{PhasePreCall},
			IsGlobal:        true,
			OutputVariables: []string{fmt.Sprintf("var_%d", i)},
		}
	}
	return defs
}

func TestRunPreCall_ParallelWallTime(t *testing.T) {
	reg, err := NewRegistry(preCallDefs(5))
	require.NoError(t, err)

	exec := &scriptedExecutor{delay: 200 * time.Millisecond}
	runner := NewRunner(commons.NewNopLogger(), reg, exec)
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	started := time.Now()
	vars := runner.RunPreCall(context.Background(), sess, Selection{}, CallVars(sess))
	elapsed := time.Since(started)

	// Five 200 ms tools in parallel finish near 200 ms, nowhere near 1 s.
	assert.Less(t, elapsed, 600*time.Millisecond)
	assert.Len(t, vars, 5)
	assert.Equal(t, "ok:fetch_0", vars["var_0"])
	assert.Equal(t, int64(5), exec.calls.Load())
}

func TestRunPreCall_FailureYieldsEmptyVariable(t *testing.T) {
	reg, err := NewRegistry(preCallDefs(3))
	require.NoError(t, err)

	exec := &scriptedExecutor{fail: map[string]bool{"fetch_1": true}}
	runner := NewRunner(commons.NewNopLogger(), reg, exec)
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	vars := runner.RunPreCall(context.Background(), sess, Selection{}, CallVars(sess))
	assert.Equal(t, "ok:fetch_0", vars["var_0"])
	assert.Equal(t, "", vars["var_1"])
	assert.Equal(t, "ok:fetch_2", vars["var_2"])
}

func TestRunPreCall_TimeoutYieldsEmptyVariable(t *testing.T) {
	defs := preCallDefs(1)
	defs[0].TimeoutMs = 50
	reg, err := NewRegistry(defs)
	require.NoError(t, err)

	exec := &scriptedExecutor{delay: 500 * time.Millisecond}
	runner := NewRunner(commons.NewNopLogger(), reg, exec)
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	started := time.Now()
	vars := runner.RunPreCall(context.Background(), sess, Selection{}, CallVars(sess))
	assert.Less(t, time.Since(started), 400*time.Millisecond)
	assert.Equal(t, "", vars["var_0"])
}

func TestRunPreCall_DefaultTimeoutBoundsTheCall(t *testing.T) {
	reg, err := NewRegistry(preCallDefs(1))
	require.NoError(t, err)

	// No timeout_ms configured; the default applies.
	exec := &scriptedExecutor{delay: 5 * time.Second}
	runner := NewRunner(commons.NewNopLogger(), reg, exec)
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	started := time.Now()
	vars := runner.RunPreCall(context.Background(), sess, Selection{}, CallVars(sess))
	elapsed := time.Since(started)

	assert.GreaterOrEqual(t, elapsed, 1900*time.Millisecond)
	assert.Less(t, elapsed, 3*time.Second)
	assert.Equal(t, "", vars["var_0"])
}

func TestRunPreCall_MapsJSONResultAcrossOutputVariables(t *testing.T) {
	reg, err := NewRegistry([]ToolDefinition{{
		Name:            "lookup_customer",
		Kind:            KindHTTP,
		URL:             "https://example.test/customer",
		Phases:          []Phase{PhasePreCall},
		IsGlobal:        true,
		OutputVariables: []string{"customer_first_name", "contact_id"},
	}})
	require.NoError(t, err)

	exec := &scriptedExecutor{results: map[string]string{
		"lookup_customer": `{"customer_first_name":"Ada","contact_id":8812,"ignored":"x"}`,
	}}
	runner := NewRunner(commons.NewNopLogger(), reg, exec)
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	vars := runner.RunPreCall(context.Background(), sess, Selection{}, CallVars(sess))
	assert.Equal(t, "Ada", vars["customer_first_name"])
	assert.Equal(t, "8812", vars["contact_id"], "non-string JSON fields carry their raw encoding")
	assert.NotContains(t, vars, "ignored")
}

func TestRunPreCall_TimeoutEmptiesEveryDeclaredVariable(t *testing.T) {
	reg, err := NewRegistry([]ToolDefinition{{
		Name:            "lookup_customer",
		Kind:            KindHTTP,
		URL:             "https://example.test/customer",
		Phases:          []Phase{PhasePreCall},
		IsGlobal:        true,
		TimeoutMs:       50,
		OutputVariables: []string{"customer_first_name", "contact_id"},
	}})
	require.NoError(t, err)

	exec := &scriptedExecutor{delay: 500 * time.Millisecond}
	runner := NewRunner(commons.NewNopLogger(), reg, exec)
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	vars := runner.RunPreCall(context.Background(), sess, Selection{}, CallVars(sess))
	require.Contains(t, vars, "customer_first_name")
	require.Contains(t, vars, "contact_id")
	assert.Equal(t, "", vars["customer_first_name"])
	assert.Equal(t, "", vars["contact_id"])
}

func TestMapOutputs(t *testing.T) {
	multi := ToolDefinition{OutputVariables: []string{"name", "tier"}}

	out := multi.MapOutputs(`{"name":"Ada","tier":"gold","extra":1}`)
	assert.Equal(t, map[string]string{"name": "Ada", "tier": "gold"}, out)

	// Fields missing from the JSON object stay empty.
	out = multi.MapOutputs(`{"name":"Ada"}`)
	assert.Equal(t, map[string]string{"name": "Ada", "tier": ""}, out)

	// A non-JSON result cannot be split across several variables.
	out = multi.MapOutputs("plain text")
	assert.Equal(t, map[string]string{"name": "", "tier": ""}, out)

	// With a single variable the whole result lands in it.
	single := ToolDefinition{OutputVariables: []string{"account"}}
	assert.Equal(t, map[string]string{"account": "plain text"}, single.MapOutputs("plain text"))
}

func TestRegistry_ActiveCombinesGlobalsAndSelection(t *testing.T) {
	reg, err := NewRegistry([]ToolDefinition{{
		Name:     "global_lookup",
		Kind:     KindHTTP,
		URL:      "https://example.test/a",
		Phases:   []Phase{PhaseInCall},
		IsGlobal: true,
	}, {
		Name:   "context_only",
		Kind:   KindHTTP,
		URL:    "https://example.test/b",
		Phases: []Phase{PhaseInCall},
	}, {
		Name:            "precall_only",
		Kind:            KindHTTP,
		URL:             "https://example.test/c",
		Phases:          []Phase{PhasePreCall},
		IsGlobal:        true,
		OutputVariables: []string{"v"},
	}})
	require.NoError(t, err)

	names := func(defs []ToolDefinition) []string {
		out := make([]string, 0, len(defs))
		for _, d := range defs {
			out = append(out, d.Name)
		}
		return out
	}

	// Globals only.
	assert.Equal(t, []string{"global_lookup"}, names(reg.Active(PhaseInCall, Selection{})))

	// Globals plus the explicit allowlist, without duplicates.
	sel := Selection{InCall: []string{"context_only", "global_lookup", "no_such_tool", "precall_only"}}
	assert.Equal(t, []string{"global_lookup", "context_only"}, names(reg.Active(PhaseInCall, sel)))

	// Opting out of globals leaves only the explicit list.
	sel = Selection{InCall: []string{"context_only"}, DisableGlobalInCall: true}
	assert.Equal(t, []string{"context_only"}, names(reg.Active(PhaseInCall, sel)))

	// The opt-out is per phase.
	assert.Equal(t, []string{"precall_only"},
		names(reg.Active(PhasePreCall, Selection{DisableGlobalInCall: true})))
}

func TestDispatcher_DuplicateToolCallReturnsCachedResult(t *testing.T) {
	reg, err := NewRegistry([]ToolDefinition{{
		Name:     "lookup_order",
		Kind:     KindHTTP,
		URL:      "https://example.test/order",
		Phases:   []Phase{PhaseInCall},
		IsGlobal: true,
	}})
	require.NoError(t, err)

	exec := &scriptedExecutor{results: map[string]string{"lookup_order": "order 42 shipped"}}
	d := NewDispatcher(commons.NewNopLogger(), reg, exec)
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	first := d.Dispatch(context.Background(), sess, Selection{}, "tc-1", "lookup_order", map[string]string{"id": "42"})
	second := d.Dispatch(context.Background(), sess, Selection{}, "tc-1", "lookup_order", map[string]string{"id": "42"})

	assert.Equal(t, "order 42 shipped", first)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), exec.calls.Load(), "duplicate dispatch must not re-execute")

	// A different tool call ID executes again.
	d.Dispatch(context.Background(), sess, Selection{}, "tc-2", "lookup_order", nil)
	assert.Equal(t, int64(2), exec.calls.Load())
}

func TestDispatcher_UnknownToolReturnsErrorString(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	d := NewDispatcher(commons.NewNopLogger(), reg, &scriptedExecutor{})
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	out := d.Dispatch(context.Background(), sess, Selection{}, "tc-1", "missing_tool", nil)
	assert.Contains(t, out, "not available")
}

func TestDispatcher_ToolOutsideContextSelectionRejected(t *testing.T) {
	reg, err := NewRegistry([]ToolDefinition{{
		Name:   "lookup_order",
		Kind:   KindHTTP,
		URL:    "https://example.test/order",
		Phases: []Phase{PhaseInCall},
	}})
	require.NoError(t, err)

	exec := &scriptedExecutor{}
	d := NewDispatcher(commons.NewNopLogger(), reg, exec)
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	// Registered but neither global nor allowlisted for this context.
	out := d.Dispatch(context.Background(), sess, Selection{}, "tc-1", "lookup_order", nil)
	assert.Contains(t, out, "not available")
	assert.Zero(t, exec.calls.Load())

	out = d.Dispatch(context.Background(), sess,
		Selection{InCall: []string{"lookup_order"}}, "tc-2", "lookup_order", nil)
	assert.Equal(t, "ok:lookup_order", out)
}

func TestRunPostCall_FiresExactlyOnce(t *testing.T) {
	reg, err := NewRegistry([]ToolDefinition{{
		Name:     "crm_webhook",
		Kind:     KindHTTP,
		URL:      "https://example.test/webhook",
		Phases:   []Phase{PhasePostCall},
		IsGlobal: true,
	}})
	require.NoError(t, err)

	exec := &scriptedExecutor{}
	runner := NewRunner(commons.NewNopLogger(), reg, exec)
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)

	runner.RunPostCall(context.Background(), sess, Selection{}, nil)
	runner.RunPostCall(context.Background(), sess, Selection{}, nil)
	runner.RunPostCall(context.Background(), sess, Selection{}, nil)

	require.Eventually(t, func() bool { return exec.calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(1), exec.calls.Load(), "post-call tools fire once per call")
}

func TestExportSchemas_Shapes(t *testing.T) {
	reg, err := NewRegistry([]ToolDefinition{{
		Name:        "lookup_order",
		Description: "Look up an order by ID",
		Kind:        KindHTTP,
		URL:         "https://example.test/order",
		Phases:      []Phase{PhaseInCall},
		IsGlobal:    true,
		Parameters: map[string]ParameterSpec{
			"order_id": {Type: "string", Description: "The order identifier", Required: true},
		},
	}, {
		// Pre-call tools never reach the model.
		Name:            "fetch_account",
		Kind:            KindHTTP,
		URL:             "https://example.test/account",
		Phases:          []Phase{PhasePreCall},
		IsGlobal:        true,
		OutputVariables: []string{"account"},
	}})
	require.NoError(t, err)

	flat := ExportSchemas(reg, StyleFlat, Selection{})
	require.Len(t, flat, 1)
	assert.Equal(t, "lookup_order", flat[0]["name"])
	params := flat[0]["parameters"].(map[string]interface{})
	assert.Equal(t, "object", params["type"])
	assert.Equal(t, []string{"order_id"}, params["required"])

	nested := ExportSchemas(reg, StyleNested, Selection{})
	require.Len(t, nested, 1)
	assert.Equal(t, "function", nested[0]["type"])
	fn := nested[0]["function"].(map[string]interface{})
	assert.Equal(t, "lookup_order", fn["name"])

	arr := ExportSchemas(reg, StyleArray, Selection{})
	require.Len(t, arr, 1)
	list := arr[0]["parameters"].([]map[string]interface{})
	require.Len(t, list, 1)
	assert.Equal(t, "order_id", list[0]["name"])
}

func TestRegistry_ReloadSwapsAtomically(t *testing.T) {
	reg, err := NewRegistry(preCallDefs(1))
	require.NoError(t, err)
	assert.Len(t, reg.ForPhase(PhasePreCall), 1)

	require.NoError(t, reg.Reload(preCallDefs(3)))
	assert.Len(t, reg.ForPhase(PhasePreCall), 3)

	// Invalid reload leaves the previous set in place.
	assert.Error(t, reg.Reload([]ToolDefinition{{Name: ""}}))
	assert.Len(t, reg.ForPhase(PhasePreCall), 3)
}

func TestBuiltinExecutor_HangupSchedulesNotImmediate(t *testing.T) {
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)
	control := &fakeControl{}
	exec := NewBuiltinExecutor(commons.NewNopLogger(), control, func(string) *internal_session.CallSession { return sess })

	def := ToolDefinition{Name: "hangup_call", Kind: KindBuiltin, Builtin: "hangup_call", Phases: []Phase{PhaseInCall}}
	out, err := exec.Execute(context.Background(), def, nil, map[string]string{"call_id": "c1"})
	require.NoError(t, err)
	assert.Contains(t, out, "goodbye")
	assert.True(t, sess.HangupPending())
	assert.Equal(t, int64(1), control.hangups.Load())
}

func TestBuiltinExecutor_BlindTransferSetsOutcome(t *testing.T) {
	sess := internal_session.New("c1", "+1555", "+1666", "support", internal_session.DirectionInbound)
	control := &fakeControl{}
	exec := NewBuiltinExecutor(commons.NewNopLogger(), control, func(string) *internal_session.CallSession { return sess })

	def := ToolDefinition{Name: "blind_transfer", Kind: KindBuiltin, Builtin: "blind_transfer", Phases: []Phase{PhaseInCall}}
	_, err := exec.Execute(context.Background(), def,
		map[string]string{"destination": "PJSIP/human-agent"},
		map[string]string{"call_id": "c1"})
	require.NoError(t, err)
	assert.Equal(t, "PJSIP/human-agent", control.lastTransfer)
	assert.Equal(t, internal_session.OutcomeTransferred, sess.Outcome())
}

type fakeControl struct {
	hangups      atomic.Int64
	lastTransfer string
}

func (f *fakeControl) BlindTransfer(_ context.Context, _, destination string) error {
	f.lastTransfer = destination
	return nil
}

func (f *fakeControl) RequestHangup(string) { f.hangups.Add(1) }
