package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	lua "github.com/yuin/gopher-lua"
)

// contextFiles are the names writeContextFile may use. They stay read-only
// for the life of the session.
var contextFiles = []string{"context.txt", "context.json"}

// writeContextFile stores the payload in the scratch directory so snippets
// can also reach it through files.read.
func writeContextFile(dir string, payload any) (string, error) {
	if s, ok := payload.(string); ok {
		return "context.txt", os.WriteFile(filepath.Join(dir, "context.txt"), []byte(s), 0o600)
	}
	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding context: %w", err)
	}
	return "context.json", os.WriteFile(filepath.Join(dir, "context.json"), b, 0o600)
}

// scratchPath resolves name inside the scratch directory. Symlinks and
// ".." components cannot escape it.
func (in *interp) scratchPath(L *lua.LState, name string) string {
	if name == "" {
		fail(L, KindRuntimeFailure, "file name must not be empty")
	}
	p, err := securejoin.SecureJoin(in.scratch, name)
	if err != nil {
		fail(L, KindRuntimeFailure, "%s", in.scrub(err))
	}
	return p
}

// checkWritable rejects paths that would replace or delete the context
// file.
func (in *interp) checkWritable(L *lua.LState, p string) {
	for _, name := range contextFiles {
		if p == filepath.Join(in.scratch, name) {
			fail(L, KindRuntimeFailure, "%s is read-only", name)
		}
	}
}

// scrub hides the host location of the scratch directory.
func (in *interp) scrub(err error) string {
	return strings.ReplaceAll(err.Error(), in.scratch, "scratch")
}

func (in *interp) fileRead(L *lua.LState) int {
	p := in.scratchPath(L, L.CheckString(1))
	info, err := os.Stat(p)
	if err != nil {
		fail(L, KindRuntimeFailure, "%s", in.scrub(err))
	}
	if info.Size() > in.policy.MaxFileSize {
		fail(L, KindRuntimeFailure, "file is larger than %d bytes", in.policy.MaxFileSize)
	}
	b, err := os.ReadFile(p)
	if err != nil {
		fail(L, KindRuntimeFailure, "%s", in.scrub(err))
	}
	L.Push(lua.LString(b))
	return 1
}

func (in *interp) fileWrite(L *lua.LState) int {
	p := in.scratchPath(L, L.CheckString(1))
	content := L.CheckString(2)
	in.checkWritable(L, p)
	if int64(len(content)) > in.policy.MaxFileSize {
		fail(L, KindRuntimeFailure, "content is larger than %d bytes", in.policy.MaxFileSize)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		fail(L, KindRuntimeFailure, "%s", in.scrub(err))
	}
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		fail(L, KindRuntimeFailure, "%s", in.scrub(err))
	}
	L.Push(lua.LNumber(len(content)))
	return 1
}

// fileList returns the relative paths of all regular files, sorted.
func (in *interp) fileList(L *lua.LState) int {
	var names []string
	err := filepath.WalkDir(in.scratch, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			rel, _ := filepath.Rel(in.scratch, path)
			names = append(names, filepath.ToSlash(rel))
		}
		return nil
	})
	if err != nil {
		fail(L, KindRuntimeFailure, "%s", in.scrub(err))
	}
	sort.Strings(names)
	L.Push(toLua(L, names))
	return 1
}

func (in *interp) fileRemove(L *lua.LState) int {
	p := in.scratchPath(L, L.CheckString(1))
	if p == filepath.Clean(in.scratch) {
		fail(L, KindRuntimeFailure, "cannot remove the scratch directory")
	}
	in.checkWritable(L, p)
	err := os.Remove(p)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		fail(L, KindRuntimeFailure, "%s", in.scrub(err))
	}
	L.Push(lua.LBool(err == nil))
	return 1
}
