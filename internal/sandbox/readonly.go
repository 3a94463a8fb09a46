package sandbox

import lua "github.com/yuin/gopher-lua"

// frozenKey marks the metatable of a read-only proxy. Snippets cannot
// reach metatables, so the marker is visible only to host code.
const frozenKey = "__frozen"

// freeze returns v with every table replaced by a read-only proxy: an
// empty table whose metatable reads through to the original and rejects
// writes. Nested tables are frozen first so a proxy never hands out a
// writable child.
func (in *interp) freeze(v lua.LValue) lua.LValue {
	t, ok := v.(*lua.LTable)
	if !ok {
		return v
	}
	var children []lua.LValue
	t.ForEach(func(k, val lua.LValue) {
		if _, ok := val.(*lua.LTable); ok {
			children = append(children, k)
		}
	})
	for _, k := range children {
		t.RawSet(k, in.freeze(t.RawGet(k)))
	}

	L := in.L
	mt := L.NewTable()
	mt.RawSetString("__index", t)
	mt.RawSetString("__newindex", L.NewFunction(frozenWrite))
	mt.RawSetString("__len", L.NewFunction(frozenLen))
	mt.RawSetString(frozenKey, lua.LTrue)
	proxy := L.NewTable()
	L.SetMetatable(proxy, mt)
	return proxy
}

func frozenWrite(L *lua.LState) int {
	fail(L, KindRuntimeFailure, "cannot assign to field '%s': context is read-only", L.Get(2).String())
	return 0
}

func frozenLen(L *lua.LState) int {
	L.Push(lua.LNumber(unwrapTable(L.CheckTable(1)).Len()))
	return 1
}

// unwrapTable returns the table a proxy reads through to, or t itself.
func unwrapTable(t *lua.LTable) *lua.LTable {
	mt, ok := t.Metatable.(*lua.LTable)
	if !ok || mt.RawGetString(frozenKey) != lua.LTrue {
		return t
	}
	if backing, ok := mt.RawGetString("__index").(*lua.LTable); ok {
		return backing
	}
	return t
}

func isFrozen(v lua.LValue) bool {
	t, ok := v.(*lua.LTable)
	return ok && unwrapTable(t) != t
}

// checkTable is L.CheckTable for helpers that only read: a proxy is
// replaced by the table behind it.
func checkTable(L *lua.LState, n int) *lua.LTable {
	return unwrapTable(L.CheckTable(n))
}

// iteration replaces the stock pairs, ipairs and next, which read tables
// raw and would see a proxy as empty. The proxy itself is passed along as
// the iteration state so the writable table behind it never escapes.
func (in *interp) iteration(caps *lua.LTable) {
	L := in.L
	next := L.NewFunction(frozenNext)
	ipairsStep := L.NewFunction(frozenIpairsStep)
	for name, fn := range map[string]lua.LGFunction{
		"next": frozenNext,
		"pairs": func(L *lua.LState) int {
			t := L.CheckTable(1)
			L.Push(next)
			L.Push(t)
			L.Push(lua.LNil)
			return 3
		},
		"ipairs": func(L *lua.LState) int {
			t := L.CheckTable(1)
			L.Push(ipairsStep)
			L.Push(t)
			L.Push(lua.LNumber(0))
			return 3
		},
	} {
		if caps.RawGetString(name) != lua.LNil {
			caps.RawSetString(name, L.NewFunction(fn))
		}
	}
	if fn, ok := caps.RawGetString("unpack").(*lua.LFunction); ok {
		caps.RawSetString("unpack", readThrough(L, fn))
	}
}

func frozenNext(L *lua.LState) int {
	t := checkTable(L, 1)
	k, v := t.Next(L.Get(2))
	if k == lua.LNil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(k)
	L.Push(v)
	return 2
}

func frozenIpairsStep(L *lua.LState) int {
	t := checkTable(L, 1)
	i := L.CheckInt(2) + 1
	v := t.RawGetInt(i)
	if v == lua.LNil {
		return 0
	}
	L.Push(lua.LNumber(i))
	L.Push(v)
	return 2
}

// readThrough wraps a stock Go function so a proxy in its first argument
// is read through.
func readThrough(L *lua.LState, fn *lua.LFunction) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		if t, ok := L.Get(1).(*lua.LTable); ok {
			L.Replace(1, unwrapTable(t))
		}
		return fn.GFunction(L)
	})
}

// rejectFrozen wraps a stock table function that mutates its first
// argument.
func rejectFrozen(L *lua.LState, name string, fn *lua.LFunction) *lua.LFunction {
	return L.NewFunction(func(L *lua.LState) int {
		if isFrozen(L.Get(1)) {
			fail(L, KindRuntimeFailure, "table.%s: context is read-only", name)
		}
		return fn.GFunction(L)
	})
}

// tableLib returns a copy of the stock table library that reads through
// proxies and refuses to mutate them.
func (in *interp) tableLib(std *lua.LTable) *lua.LTable {
	L := in.L
	lib := L.NewTable()
	std.ForEach(func(k, v lua.LValue) {
		fn, ok := v.(*lua.LFunction)
		if !ok || !fn.IsG {
			lib.RawSet(k, v)
			return
		}
		switch name := k.String(); name {
		case "insert", "remove", "sort":
			lib.RawSet(k, rejectFrozen(L, name, fn))
		default:
			lib.RawSet(k, readThrough(L, fn))
		}
	})
	return lib
}
