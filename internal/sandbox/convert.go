package sandbox

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
)

// maxConvertDepth bounds table nesting when moving values across the
// Lua boundary. Deeper levels (and cycles) become a placeholder.
const maxConvertDepth = 64

// toLua converts decoded JSON/YAML data into Lua values. Arrays become
// 1-based sequences.
func toLua(L *lua.LState, v any) lua.LValue {
	switch v := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return v
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case uint64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return lua.LString(v.String())
		}
		return lua.LNumber(f)
	case []any:
		t := L.CreateTable(len(v), 0)
		for i, item := range v {
			t.RawSetInt(i+1, toLua(L, item))
		}
		return t
	case []string:
		t := L.CreateTable(len(v), 0)
		for _, item := range v {
			t.Append(lua.LString(item))
		}
		return t
	case map[string]any:
		t := L.CreateTable(0, len(v))
		for k, item := range v {
			t.RawSetString(k, toLua(L, item))
		}
		return t
	case map[any]any:
		t := L.CreateTable(0, len(v))
		for k, item := range v {
			t.RawSetString(fmt.Sprint(k), toLua(L, item))
		}
		return t
	default:
		return lua.LString(fmt.Sprint(v))
	}
}

// toGo converts a Lua value into plain Go data suitable for JSON encoding.
// Non-finite numbers have no JSON form and become "nan", "inf" or "-inf".
func toGo(v lua.LValue) any {
	return toGoDepth(v, map[*lua.LTable]bool{}, 0)
}

func toGoDepth(v lua.LValue, seen map[*lua.LTable]bool, depth int) any {
	switch v := v.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LNumber:
		f := float64(v)
		switch {
		case math.IsNaN(f):
			return "nan"
		case math.IsInf(f, 1):
			return "inf"
		case math.IsInf(f, -1):
			return "-inf"
		}
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return f
	case lua.LString:
		return string(v)
	case *lua.LTable:
		v = unwrapTable(v)
		if seen[v] || depth >= maxConvertDepth {
			return "<cycle>"
		}
		seen[v] = true
		defer delete(seen, v)

		if n := sequenceLen(v); n >= 0 {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				out = append(out, toGoDepth(v.RawGetInt(i), seen, depth+1))
			}
			return out
		}
		out := make(map[string]any)
		v.ForEach(func(k, val lua.LValue) {
			out[k.String()] = toGoDepth(val, seen, depth+1)
		})
		return out
	case *lua.LFunction:
		return "<function>"
	default:
		return v.String()
	}
}

// sequenceLen returns n when t holds exactly the keys 1..n, and -1
// otherwise. An empty table counts as a map.
func sequenceLen(t *lua.LTable) int {
	n := t.Len()
	if n == 0 {
		return -1
	}
	count := 0
	t.ForEach(func(lua.LValue, lua.LValue) { count++ })
	if count != n {
		return -1
	}
	return n
}

// repr renders a value the way the REPL displays it.
func repr(v lua.LValue) string {
	var b strings.Builder
	writeRepr(&b, v, map[*lua.LTable]bool{}, 0)
	return b.String()
}

const (
	maxReprDepth = 4
	maxReprItems = 100
)

func writeRepr(b *strings.Builder, v lua.LValue, seen map[*lua.LTable]bool, depth int) {
	switch v := v.(type) {
	case lua.LString:
		b.WriteString(strconv.Quote(string(v)))
	case lua.LNumber:
		b.WriteString(formatNumber(v))
	case *lua.LTable:
		v = unwrapTable(v)
		if seen[v] {
			b.WriteString("{...}")
			return
		}
		if depth >= maxReprDepth {
			b.WriteString("{...}")
			return
		}
		seen[v] = true
		defer delete(seen, v)

		b.WriteString("{")
		written := 0
		sep := func() {
			if written > 0 {
				b.WriteString(", ")
			}
			written++
		}
		n := v.Len()
		for i := 1; i <= n; i++ {
			if written >= maxReprItems {
				b.WriteString(", ...}")
				return
			}
			sep()
			writeRepr(b, v.RawGetInt(i), seen, depth+1)
		}
		for _, k := range sortedKeys(v) {
			if num, ok := k.(lua.LNumber); ok && isSeqIndex(num, n) {
				continue
			}
			if written >= maxReprItems {
				b.WriteString(", ...}")
				return
			}
			sep()
			if s, ok := k.(lua.LString); ok && isIdentifier(string(s)) {
				b.WriteString(string(s))
			} else {
				b.WriteString("[")
				writeRepr(b, k, seen, depth+1)
				b.WriteString("]")
			}
			b.WriteString(" = ")
			writeRepr(b, v.RawGet(k), seen, depth+1)
		}
		b.WriteString("}")
	case *lua.LFunction:
		b.WriteString("<function>")
	default:
		b.WriteString(v.String())
	}
}

func isSeqIndex(n lua.LNumber, length int) bool {
	f := float64(n)
	return f == math.Trunc(f) && f >= 1 && f <= float64(length)
}

// formatNumber prints integral numbers without a fractional part.
func formatNumber(n lua.LNumber) string {
	f := float64(n)
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', 14, 64)
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// sortedKeys returns a table's keys ordered numbers first, then strings,
// then everything else by its string form.
func sortedKeys(t *lua.LTable) []lua.LValue {
	var keys []lua.LValue
	t.ForEach(func(k, _ lua.LValue) { keys = append(keys, k) })
	sort.SliceStable(keys, func(i, j int) bool { return lessKey(keys[i], keys[j]) })
	return keys
}

func lessKey(a, b lua.LValue) bool {
	an, aNum := a.(lua.LNumber)
	bn, bNum := b.(lua.LNumber)
	switch {
	case aNum && bNum:
		return an < bn
	case aNum:
		return true
	case bNum:
		return false
	}
	as, aStr := a.(lua.LString)
	bs, bStr := b.(lua.LString)
	switch {
	case aStr && bStr:
		return as < bs
	case aStr:
		return true
	case bStr:
		return false
	}
	return a.String() < b.String()
}
