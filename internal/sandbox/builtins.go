package sandbox

import (
	"bytes"
	"encoding/json"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/tidwall/gjson"
	lua "github.com/yuin/gopher-lua"
)

// registerHelpers installs the host-provided helper functions into the
// capability table.
func (in *interp) registerHelpers(caps *lua.LTable) {
	L := in.L
	for name, fn := range map[string]lua.LGFunction{
		"print":      in.print,
		"eprint":     in.eprint,
		"repr":       in.repr,
		"len":        in.length,
		"keys":       in.keys,
		"values":     in.values,
		"sorted":     in.sorted,
		"defined":    in.defined,
		"split":      in.split,
		"lines":      in.lines,
		"trim":       in.trim,
		"contains":   in.contains,
		"startswith": in.startswith,
		"endswith":   in.endswith,
		"join":       in.join,
		"chunk":      in.chunk,
		"substr":     in.substr,
	} {
		caps.RawSetString(name, L.NewFunction(fn))
	}

	caps.RawSetString("json", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"encode": in.jsonEncode,
		"decode": in.jsonDecode,
		"query":  in.jsonQuery,
	}))
	caps.RawSetString("re", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"match":    in.reMatch,
		"find":     in.reFind,
		"find_all": in.reFindAll,
		"split":    in.reSplit,
		"replace":  in.reReplace,
	}))
	caps.RawSetString("files", L.SetFuncs(L.NewTable(), map[string]lua.LGFunction{
		"read":   in.fileRead,
		"write":  in.fileWrite,
		"list":   in.fileList,
		"remove": in.fileRemove,
	}))
}

// fail raises a classified error at the caller's line.
func fail(L *lua.LState, kind Kind, format string, args ...any) {
	L.RaiseError("%s", raise(kind, format, args...))
}

// --- Output ---

func (in *interp) print(L *lua.LState) int {
	in.out.stdout.WriteString(joinArgs(L) + "\n")
	return 0
}

func (in *interp) eprint(L *lua.LState) int {
	in.out.stderr.WriteString(joinArgs(L) + "\n")
	return 0
}

func joinArgs(L *lua.LState) string {
	n := L.GetTop()
	parts := make([]string, n)
	for i := 1; i <= n; i++ {
		parts[i-1] = L.ToStringMeta(L.Get(i)).String()
	}
	return strings.Join(parts, "\t")
}

func (in *interp) repr(L *lua.LState) int {
	L.Push(lua.LString(repr(L.CheckAny(1))))
	return 1
}

// --- Introspection ---

// length counts characters for strings and entries for tables.
func (in *interp) length(L *lua.LState) int {
	switch v := L.CheckAny(1).(type) {
	case lua.LString:
		L.Push(lua.LNumber(utf8.RuneCountInString(string(v))))
	case *lua.LTable:
		n := 0
		unwrapTable(v).ForEach(func(lua.LValue, lua.LValue) { n++ })
		L.Push(lua.LNumber(n))
	default:
		L.ArgError(1, "string or table expected, got "+v.Type().String())
	}
	return 1
}

func (in *interp) keys(L *lua.LState) int {
	t := checkTable(L, 1)
	out := L.NewTable()
	for _, k := range sortedKeys(t) {
		out.Append(k)
	}
	L.Push(out)
	return 1
}

func (in *interp) values(L *lua.LState) int {
	t := checkTable(L, 1)
	out := L.NewTable()
	for _, k := range sortedKeys(t) {
		out.Append(t.RawGet(k))
	}
	L.Push(out)
	return 1
}

// sorted returns a sorted copy of a sequence of numbers or strings.
func (in *interp) sorted(L *lua.LState) int {
	t := checkTable(L, 1)
	reverse := L.OptBool(2, false)

	items := make([]lua.LValue, 0, t.Len())
	for i := 1; i <= t.Len(); i++ {
		items = append(items, t.RawGetInt(i))
	}
	for _, v := range items {
		if v.Type() != items[0].Type() || (v.Type() != lua.LTNumber && v.Type() != lua.LTString) {
			L.ArgError(1, "sequence of numbers or of strings expected")
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if reverse {
			return lessKey(items[j], items[i])
		}
		return lessKey(items[i], items[j])
	})

	out := L.CreateTable(len(items), 0)
	for _, v := range items {
		out.Append(v)
	}
	L.Push(out)
	return 1
}

// defined reports whether a name resolves, without raising.
func (in *interp) defined(L *lua.LState) int {
	name := L.CheckString(1)
	ok := in.ns.RawGetString(name) != lua.LNil || in.caps.RawGetString(name) != lua.LNil
	L.Push(lua.LBool(ok))
	return 1
}

// --- Text ---

func (in *interp) split(L *lua.LState) int {
	s := L.CheckString(1)
	sep := L.OptString(2, "")
	var parts []string
	if sep == "" {
		parts = strings.Fields(s)
	} else {
		parts = strings.Split(s, sep)
	}
	L.Push(toLua(L, parts))
	return 1
}

func (in *interp) lines(L *lua.LState) int {
	s := L.CheckString(1)
	if s == "" {
		L.Push(L.NewTable())
		return 1
	}
	parts := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	for i, p := range parts {
		parts[i] = strings.TrimSuffix(p, "\r")
	}
	L.Push(toLua(L, parts))
	return 1
}

func (in *interp) trim(L *lua.LState) int {
	s := L.CheckString(1)
	if L.GetTop() >= 2 {
		L.Push(lua.LString(strings.Trim(s, L.CheckString(2))))
		return 1
	}
	L.Push(lua.LString(strings.TrimSpace(s)))
	return 1
}

// contains checks substrings for strings and membership for tables.
func (in *interp) contains(L *lua.LState) int {
	switch v := L.CheckAny(1).(type) {
	case lua.LString:
		L.Push(lua.LBool(strings.Contains(string(v), L.CheckString(2))))
	case *lua.LTable:
		needle := L.CheckAny(2)
		found := false
		unwrapTable(v).ForEach(func(_, item lua.LValue) {
			if !found && L.Equal(item, needle) {
				found = true
			}
		})
		L.Push(lua.LBool(found))
	default:
		L.ArgError(1, "string or table expected, got "+v.Type().String())
	}
	return 1
}

func (in *interp) startswith(L *lua.LState) int {
	L.Push(lua.LBool(strings.HasPrefix(L.CheckString(1), L.CheckString(2))))
	return 1
}

func (in *interp) endswith(L *lua.LState) int {
	L.Push(lua.LBool(strings.HasSuffix(L.CheckString(1), L.CheckString(2))))
	return 1
}

func (in *interp) join(L *lua.LState) int {
	t := checkTable(L, 1)
	sep := L.OptString(2, "")
	parts := make([]string, 0, t.Len())
	for i := 1; i <= t.Len(); i++ {
		parts = append(parts, L.ToStringMeta(t.RawGetInt(i)).String())
	}
	L.Push(lua.LString(strings.Join(parts, sep)))
	return 1
}

// chunk splits text into pieces of at most size characters, each starting
// size-overlap characters after the previous one.
func (in *interp) chunk(L *lua.LState) int {
	runes := []rune(L.CheckString(1))
	size := L.CheckInt(2)
	overlap := L.OptInt(3, 0)
	if size <= 0 {
		L.ArgError(2, "size must be positive")
	}
	if overlap < 0 || overlap >= size {
		L.ArgError(3, "overlap must be in [0, size)")
	}

	out := L.NewTable()
	step := size - overlap
	for start := 0; start < len(runes); start += step {
		end := min(start+size, len(runes))
		out.Append(lua.LString(string(runes[start:end])))
		if end == len(runes) {
			break
		}
	}
	L.Push(out)
	return 1
}

// substr slices by characters with Lua's 1-based inclusive indexing;
// negative indices count from the end.
func (in *interp) substr(L *lua.LState) int {
	runes := []rune(L.CheckString(1))
	n := len(runes)
	i := L.CheckInt(2)
	j := L.OptInt(3, -1)
	if i < 0 {
		i = n + i + 1
	}
	if j < 0 {
		j = n + j + 1
	}
	i = max(i, 1)
	j = min(j, n)
	if i > j {
		L.Push(lua.LString(""))
		return 1
	}
	L.Push(lua.LString(string(runes[i-1 : j])))
	return 1
}

func (in *interp) stringRep(L *lua.LState) int {
	s := L.CheckString(1)
	n := L.CheckInt(2)
	if n <= 0 {
		L.Push(lua.LString(""))
		return 1
	}
	if len(s)*n > in.policy.MaxRepeat || (len(s) > 0 && n > in.policy.MaxRepeat) {
		fail(L, KindRuntimeFailure, "string.rep result exceeds %d bytes", in.policy.MaxRepeat)
	}
	L.Push(lua.LString(strings.Repeat(s, n)))
	return 1
}

// --- JSON ---

func (in *interp) jsonEncode(L *lua.LState) int {
	v := toGo(L.CheckAny(1))
	indent := L.OptString(2, "")

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if indent != "" {
		enc.SetIndent("", indent)
	}
	if err := enc.Encode(v); err != nil {
		fail(L, KindRuntimeFailure, "json.encode: %v", err)
	}
	L.Push(lua.LString(strings.TrimSuffix(buf.String(), "\n")))
	return 1
}

func (in *interp) jsonDecode(L *lua.LState) int {
	var v any
	if err := json.Unmarshal([]byte(L.CheckString(1)), &v); err != nil {
		fail(L, KindRuntimeFailure, "json.decode: %v", err)
	}
	L.Push(toLua(L, v))
	return 1
}

// jsonQuery evaluates a gjson path against a JSON document or a table.
func (in *interp) jsonQuery(L *lua.LState) int {
	var doc string
	switch v := L.CheckAny(1).(type) {
	case lua.LString:
		doc = string(v)
	case *lua.LTable:
		b, err := json.Marshal(toGo(v))
		if err != nil {
			fail(L, KindRuntimeFailure, "json.query: %v", err)
		}
		doc = string(b)
	default:
		L.ArgError(1, "JSON string or table expected, got "+v.Type().String())
	}
	path := L.CheckString(2)

	if !gjson.Valid(doc) {
		fail(L, KindRuntimeFailure, "json.query: document is not valid JSON")
	}
	res := gjson.Get(doc, path)
	if !res.Exists() {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(toLua(L, res.Value()))
	return 1
}

// --- Regular expressions ---

func (in *interp) compilePattern(L *lua.LState, n int) *regexp.Regexp {
	pattern := L.CheckString(n)
	if re, ok := in.patterns[pattern]; ok {
		return re
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		fail(L, KindRuntimeFailure, "invalid pattern %q: %v", pattern, err)
	}
	in.patterns[pattern] = re
	return re
}

func (in *interp) reMatch(L *lua.LState) int {
	re := in.compilePattern(L, 1)
	L.Push(lua.LBool(re.MatchString(L.CheckString(2))))
	return 1
}

// reFind returns the first match and its 1-based inclusive byte span, or
// nil when there is none.
func (in *interp) reFind(L *lua.LState) int {
	re := in.compilePattern(L, 1)
	s := L.CheckString(2)
	loc := re.FindStringIndex(s)
	if loc == nil {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LString(s[loc[0]:loc[1]]))
	L.Push(lua.LNumber(loc[0] + 1))
	L.Push(lua.LNumber(loc[1]))
	return 3
}

// reFindAll returns every match. With one capture group it returns the
// group, with several it returns a table of groups per match.
func (in *interp) reFindAll(L *lua.LState) int {
	re := in.compilePattern(L, 1)
	s := L.CheckString(2)
	out := L.NewTable()
	for _, m := range re.FindAllStringSubmatch(s, -1) {
		switch len(m) {
		case 1:
			out.Append(lua.LString(m[0]))
		case 2:
			out.Append(lua.LString(m[1]))
		default:
			out.Append(toLua(L, m[1:]))
		}
	}
	L.Push(out)
	return 1
}

func (in *interp) reSplit(L *lua.LState) int {
	re := in.compilePattern(L, 1)
	L.Push(toLua(L, re.Split(L.CheckString(2), -1)))
	return 1
}

func (in *interp) reReplace(L *lua.LState) int {
	re := in.compilePattern(L, 1)
	s := L.CheckString(2)
	repl := L.CheckString(3)
	L.Push(lua.LString(re.ReplaceAllString(s, repl)))
	return 1
}
