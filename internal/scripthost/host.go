// Package scripthost evaluates compliance rule bodies written in Lua
// against one device. Adapted from the appliance daemon's plugin-style
// capability binding (internal/sshexec used to expose a narrow remote
// interface to a scripted caller); here the embedded language is Lua via
// gopher-lua rather than a Go plugin, and the capability surface is
// `conn.run_cmd` plus a `regex` module.
package scripthost

import (
	"context"
	"fmt"

	lua "github.com/yuin/gopher-lua"

	"github.com/fleetcheck/scanner/internal/domain"
)

// ScriptError reports any failure evaluating a rule body: a Lua parse
// error, a runtime error (including one surfaced from run_cmd), an
// unrecognized status token, or a non-table return value. The orchestrator
// maps every ScriptError to a ScanResult with status=error.
type ScriptError struct {
	RuleID string
	Err    error
}

func (e *ScriptError) Error() string {
	return fmt.Sprintf("rule %s: %v", e.RuleID, e.Err)
}

func (e *ScriptError) Unwrap() error { return e.Err }

// RunCmder is the narrow capability a Host binds as the Lua global `conn`.
// scripthost never imports sshsession directly so the boundary stays
// explicit and fakeable in tests.
type RunCmder interface {
	RunCmd(ctx context.Context, command string) (string, error)
}

// CheckResult is the deserialized verdict a rule body yields.
type CheckResult struct {
	Status  domain.CheckStatus
	Details *string
}

// Host wraps one Lua interpreter. A Host is created fresh per device and
// discarded after that device's rules have all been evaluated; it is never
// shared or reused across devices (see the orchestrator's worker loop).
type Host struct {
	state    *lua.LState
	ctx      context.Context
	sess     RunCmder
	baseline map[string]bool
}

// New creates a fresh interpreter and registers the regex module. conn is
// left unbound until BindSession.
func New() *Host {
	h := &Host{state: lua.NewState()}
	registerRegex(h.state)
	return h
}

// BindSession sets the global conn for every subsequent Eval on this Host.
// Call once per worker, before the first Eval.
func (h *Host) BindSession(sess RunCmder) {
	h.sess = sess

	conn := h.state.NewTable()
	h.state.SetField(conn, "run_cmd", h.state.NewFunction(h.luaRunCmd))
	h.state.SetGlobal("conn", conn)

	h.baseline = h.snapshotGlobals()
}

// snapshotGlobals records the set of global names present before any rule
// body has run (conn, regex, and whatever the standard library installs).
func (h *Host) snapshotGlobals() map[string]bool {
	names := make(map[string]bool)
	h.state.G.Global.ForEach(func(k, _ lua.LValue) {
		names[k.String()] = true
	})
	return names
}

// resetGlobals removes any global a rule body set that was not present in
// the baseline, so global writes from one rule body never survive into the
// next rule evaluated against the same device.
func (h *Host) resetGlobals() {
	if h.baseline == nil {
		return
	}

	var stray []lua.LValue
	h.state.G.Global.ForEach(func(k, _ lua.LValue) {
		if !h.baseline[k.String()] {
			stray = append(stray, k)
		}
	})
	for _, k := range stray {
		h.state.G.Global.RawSet(k, lua.LNil)
	}
}

// luaRunCmd implements conn.run_cmd(command) -> string, raising a Lua
// runtime error (caught by Eval as a ScriptError) if the underlying
// transport call fails.
func (h *Host) luaRunCmd(L *lua.LState) int {
	command := L.CheckString(1)
	if h.sess == nil {
		L.RaiseError("conn is not bound for this device")
		return 0
	}

	out, err := h.sess.RunCmd(h.ctx, command)
	if err != nil {
		L.RaiseError("run_cmd %q: %v", command, err)
		return 0
	}

	L.Push(lua.LString(out))
	return 1
}

// Eval loads and executes body, then deserializes its single returned
// table into a CheckResult. ctx is made available to run_cmd calls made
// during this evaluation.
func (h *Host) Eval(ctx context.Context, ruleID, body string) (CheckResult, error) {
	h.ctx = ctx
	defer func() { h.ctx = nil }()
	defer h.resetGlobals()

	fn, err := h.state.LoadString(body)
	if err != nil {
		return CheckResult{}, &ScriptError{RuleID: ruleID, Err: fmt.Errorf("parse: %w", err)}
	}

	h.state.Push(fn)
	if err := h.state.PCall(0, 1, nil); err != nil {
		return CheckResult{}, &ScriptError{RuleID: ruleID, Err: fmt.Errorf("runtime: %w", err)}
	}

	ret := h.state.Get(-1)
	h.state.Pop(1)

	table, ok := ret.(*lua.LTable)
	if !ok {
		return CheckResult{}, &ScriptError{RuleID: ruleID, Err: fmt.Errorf("rule body must return a table, got %s", ret.Type())}
	}

	return decodeVerdict(ruleID, table)
}

func decodeVerdict(ruleID string, table *lua.LTable) (CheckResult, error) {
	statusVal := table.RawGetString("status")
	statusStr, ok := statusVal.(lua.LString)
	if !ok {
		return CheckResult{}, &ScriptError{RuleID: ruleID, Err: fmt.Errorf("verdict missing string \"status\" field")}
	}

	status := domain.CheckStatus(statusStr.String())
	switch status {
	case domain.CheckPass, domain.CheckFail:
	case domain.CheckError:
		// error is reserved for host-detected failures (a run_cmd error, a
		// parse/runtime error, a malformed verdict); a rule body does not get
		// to self-report it directly.
		return CheckResult{}, &ScriptError{RuleID: ruleID, Err: fmt.Errorf("status %q is reserved and cannot be returned by a rule body", status)}
	default:
		return CheckResult{}, &ScriptError{RuleID: ruleID, Err: fmt.Errorf("unrecognized status token %q", status)}
	}

	result := CheckResult{Status: status}
	if detailsVal := table.RawGetString("details"); detailsVal != lua.LNil {
		detailsStr, ok := detailsVal.(lua.LString)
		if !ok {
			return CheckResult{}, &ScriptError{RuleID: ruleID, Err: fmt.Errorf("verdict \"details\" field must be a string")}
		}
		s := detailsStr.String()
		result.Details = &s
	}

	return result, nil
}

// Close releases the interpreter. Safe to call once after the device's
// rules have all been evaluated.
func (h *Host) Close() {
	h.state.Close()
}
