package sandbox

import "slices"

// Policy is the capability allowlist a session's scope is built from.
// Anything not listed here is unreachable from a snippet and resolves to
// UndefinedSymbol.
type Policy struct {
	// Base names copied from the Lua base library.
	Base []string
	// String functions exposed both as the string table and as methods
	// on string values.
	String []string
	// Libraries exposed whole.
	Libraries []string
	// MaxRepeat caps the length of strings built by string.rep.
	MaxRepeat int
	// MaxFileSize caps a single files.read or files.write.
	MaxFileSize int64
}

// DefaultPolicy returns the allowlist sessions are created with.
func DefaultPolicy() Policy {
	return Policy{
		Base: []string{
			"assert", "error", "ipairs", "next", "pairs", "pcall",
			"select", "tonumber", "tostring", "type", "unpack", "xpcall",
		},
		String: []string{
			"byte", "char", "find", "format", "gmatch", "gsub", "len",
			"lower", "match", "rep", "reverse", "sub", "upper",
		},
		Libraries:   []string{"table", "math"},
		MaxRepeat:   16 << 20,
		MaxFileSize: 64 << 20,
	}
}

// Denied lists names that exist in a stock Lua state but are deliberately
// kept out of scope. They are reported as undefined like any unknown name.
var Denied = []string{
	"load", "loadstring", "loadfile", "dofile", "require", "module",
	"setfenv", "getfenv", "rawget", "rawset", "rawequal",
	"getmetatable", "setmetatable", "collectgarbage", "newproxy",
	"io", "os", "debug", "package", "coroutine", "channel", "_G",
}

// IsDenied reports whether name is on the deny list.
func IsDenied(name string) bool {
	return slices.Contains(Denied, name)
}
