package sandbox

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// chunkName is the source name snippets are compiled under. It prefixes
// every runtime error position.
const chunkName = "snippet"

// interp is one session's Lua state: a user namespace layered over a
// read-only capability table. It is not safe for concurrent use; the
// owning session serializes access.
type interp struct {
	L    *lua.LState
	ns   *lua.LTable
	caps *lua.LTable

	policy   Policy
	scratch  string
	bridge   *bridge
	patterns map[string]*regexp.Regexp

	// out is swapped in for each run.
	out *output
}

func newInterp(payload any, policy Policy, scratch string, b *bridge) (*interp, error) {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:     true,
		RegistrySize:     1024 * 20,
		RegistryMaxSize:  1024 * 80,
		RegistryGrowStep: 32,
	})
	in := &interp{
		L:        L,
		policy:   policy,
		scratch:  scratch,
		bridge:   b,
		patterns: make(map[string]*regexp.Regexp),
		out:      newOutput(1),
	}
	if err := in.openLibs(); err != nil {
		L.Close()
		return nil, err
	}
	in.caps = in.capabilities(payload)
	in.ns = in.namespace()
	return in, nil
}

func (in *interp) openLibs() error {
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		err := in.L.CallByParam(lua.P{Fn: in.L.NewFunction(lib.open), NRet: 1, Protect: true}, lua.LString(lib.name))
		if err != nil {
			return fmt.Errorf("opening %s library: %w", lib.name, err)
		}
	}
	return nil
}

// capabilities builds the table every name lookup falls back to. Only
// what the policy lists is copied out of the stock globals.
func (in *interp) capabilities(payload any) *lua.LTable {
	L := in.L
	g := L.G.Global
	caps := L.NewTable()

	for _, name := range in.policy.Base {
		if v := g.RawGetString(name); v != lua.LNil {
			caps.RawSetString(name, v)
		}
	}
	for _, name := range in.policy.Libraries {
		if v := g.RawGetString(name); v != lua.LNil {
			caps.RawSetString(name, v)
		}
	}
	if std, ok := caps.RawGetString("table").(*lua.LTable); ok {
		caps.RawSetString("table", in.tableLib(std))
	}
	in.iteration(caps)

	str := L.NewTable()
	if std, ok := g.RawGetString("string").(*lua.LTable); ok {
		for _, name := range in.policy.String {
			str.RawSetString(name, std.RawGetString(name))
		}
	}
	str.RawSetString("rep", L.NewFunction(in.stringRep))
	caps.RawSetString("string", str)
	// Method calls on string values go through the same filtered table.
	if mt, ok := L.GetMetatable(lua.LString("")).(*lua.LTable); ok {
		mt.RawSetString("__index", str)
	}

	in.registerHelpers(caps)
	if in.bridge != nil {
		caps.RawSetString("llm_query", L.NewFunction(in.llmQuery))
		caps.RawSetString("llm_query_batched", L.NewFunction(in.llmQueryBatched))
	}
	caps.RawSetString("context", in.freeze(toLua(L, payload)))
	return caps
}

// namespace creates an empty user namespace. Reads fall through to the
// capability table and fail closed; writes to capability names fail.
func (in *interp) namespace() *lua.LTable {
	L := in.L
	ns := L.NewTable()
	mt := L.NewTable()
	mt.RawSetString("__index", L.NewFunction(in.lookup))
	mt.RawSetString("__newindex", L.NewFunction(in.assign))
	L.SetMetatable(ns, mt)
	return ns
}

func (in *interp) lookup(L *lua.LState) int {
	key := L.Get(2)
	if v := in.caps.RawGet(key); v != lua.LNil {
		L.Push(v)
		return 1
	}
	name := key.String()
	if IsDenied(name) {
		fail(L, KindUndefinedSymbol, "name '%s' is not available in the sandbox", name)
	}
	fail(L, KindUndefinedSymbol, "name '%s' is not defined", name)
	return 0
}

func (in *interp) assign(L *lua.LState) int {
	key := L.Get(2)
	if in.caps.RawGet(key) != lua.LNil {
		fail(L, KindRuntimeFailure, "cannot assign to reserved name '%s'", key.String())
	}
	in.ns.RawSet(key, L.Get(3))
	return 0
}

// names returns the user-defined names, sorted.
func (in *interp) names() []string {
	var out []string
	in.ns.ForEach(func(k, _ lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			out = append(out, string(s))
		}
	})
	sort.Strings(out)
	return out
}

// variables snapshots the user namespace as plain Go data.
func (in *interp) variables() map[string]any {
	vars := make(map[string]any)
	in.ns.ForEach(func(k, v lua.LValue) {
		if s, ok := k.(lua.LString); ok {
			vars[string(s)] = toGo(v)
		}
	})
	return vars
}

func (in *interp) previews(limit int) map[string]string {
	out := make(map[string]string)
	in.ns.ForEach(func(k, v lua.LValue) {
		s, ok := k.(lua.LString)
		if !ok || strings.HasPrefix(string(s), "_") {
			return
		}
		text := repr(v)
		if runes := []rune(text); limit > 0 && len(runes) > limit {
			text = string(runes[:limit]) + "..."
		}
		out[string(s)] = text
	})
	return out
}

// run executes one snippet against the namespace. It reports a classified
// failure, and whether the failure leaves the state unusable.
func (in *interp) run(ctx context.Context, code string, out *output) (*Error, bool) {
	in.out = out

	fn, err := in.compile(code)
	if err != nil {
		return classifySyntax(apiMessage(err)), false
	}
	fn.Env = in.ns

	L := in.L
	L.SetContext(ctx)
	defer L.RemoveContext()

	top := L.GetTop()
	defer L.SetTop(top)

	L.Push(fn)
	if err := L.PCall(0, lua.MultRet, nil); err != nil {
		if ctx.Err() != nil {
			return &Error{Kind: KindTimeout, Message: ctx.Err().Error()}, false
		}
		var apiErr *lua.ApiError
		if errors.As(err, &apiErr) && apiErr.Type == lua.ApiErrorPanic {
			return &Error{Kind: KindRuntimeFailure, Message: "internal error: " + apiMessage(err)}, true
		}
		return classify(apiMessage(err)), false
	}

	for i := top + 1; i <= L.GetTop(); i++ {
		if v := L.Get(i); v != lua.LNil {
			out.stdout.WriteString(repr(v) + "\n")
		}
	}
	return nil, false
}

// compile loads the snippet. When its last line is an expression, it is
// compiled as a return so the value can be displayed.
func (in *interp) compile(code string) (*lua.LFunction, error) {
	if rewritten, ok := displayRewrite(code); ok {
		if fn, err := in.L.Load(strings.NewReader(rewritten), chunkName); err == nil {
			return fn, nil
		}
	}
	return in.L.Load(strings.NewReader(code), chunkName)
}

func displayRewrite(code string) (string, bool) {
	lines := strings.Split(code, "\n")
	i := len(lines) - 1
	for i >= 0 && strings.TrimSpace(lines[i]) == "" {
		i--
	}
	if i < 0 {
		return "", false
	}
	last := strings.TrimSpace(lines[i])
	if strings.HasPrefix(last, "--") {
		return "", false
	}
	if kw, _, _ := strings.Cut(last, " "); kw == "return" || kw == "local" || kw == "end" || kw == "break" {
		return "", false
	}
	lines[i] = "return " + last
	return strings.Join(lines, "\n"), true
}

// apiMessage returns the raised value without the Go stack trace.
func apiMessage(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) && apiErr.Object != nil {
		return apiErr.Object.String()
	}
	return err.Error()
}

func (in *interp) close() {
	in.L.Close()
}
