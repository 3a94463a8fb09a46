package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"gotest.tools/v3/assert"
	is "gotest.tools/v3/assert/cmp"

	"github.com/michaelbrown/rlm/internal/llm"
)

func newTestManager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	m := NewManager(append([]Option{WithScratchRoot(t.TempDir())}, opts...)...)
	t.Cleanup(m.CloseAll)
	return m
}

func createSession(t *testing.T, m *Manager, payload any, cfg Config) string {
	t.Helper()
	id, err := m.Create(payload, cfg)
	assert.NilError(t, err)
	return id
}

func execute(t *testing.T, m *Manager, id, code string) *ExecutionResult {
	t.Helper()
	res, err := m.Execute(context.Background(), ExecutionRequest{SessionID: id, Code: code})
	assert.NilError(t, err)
	return res
}

func assertKind(t *testing.T, res *ExecutionResult, kind Kind) {
	t.Helper()
	assert.Equal(t, res.Status, StatusError)
	assert.Assert(t, res.Error != nil, "expected %s, got success with stdout %q", kind, res.Stdout)
	assert.Equal(t, res.Error.Kind, kind, "message: %s", res.Error.Message)
}

func echoCompleter() llm.Completer {
	return llm.CompleterFunc(func(_ context.Context, req llm.CompletionRequest) (string, error) {
		return "reply:" + req.Prompt, nil
	})
}

func TestBindingsPersistAcrossExecutions(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})

	res := execute(t, m, id, "x = 42")
	assert.Equal(t, res.Status, StatusSuccess)
	assert.DeepEqual(t, res.NewVariables, []string{"x"})

	res = execute(t, m, id, "print(x)")
	assert.Equal(t, res.Status, StatusSuccess)
	assert.Equal(t, res.Stdout, "42\n")
	assert.DeepEqual(t, res.NewVariables, []string{})
}

func TestNewVariablesAreSorted(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})

	res := execute(t, m, id, "zeta = 1\nalpha = 2\nlocal hidden = 3")
	assert.DeepEqual(t, res.NewVariables, []string{"alpha", "zeta"})

	res = execute(t, m, id, "alpha = 5")
	assert.DeepEqual(t, res.NewVariables, []string{})
}

func TestExpressionDisplay(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})

	assert.Equal(t, execute(t, m, id, "1 + 2").Stdout, "3\n")
	assert.Equal(t, execute(t, m, id, "x = 'abc'\nx:upper()").Stdout, "\"ABC\"\n")
	assert.Equal(t, execute(t, m, id, "t = {1, 2, name = 'n'}\nt").Stdout, "{1, 2, name = \"n\"}\n")
	assert.Equal(t, execute(t, m, id, "print('once')").Stdout, "once\n")
	assert.Equal(t, execute(t, m, id, "y = 1").Stdout, "")
}

func TestUndefinedSymbols(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})

	for _, code := range []string{
		"print(nope)",
		"os.execute('ls')",
		"io.open('/etc/passwd')",
		"load('return 1')",
		"require('os')",
		"setmetatable({}, {})",
		"getfenv(1)",
		"debug.traceback()",
		"_G.x = 1",
		"llm_query('hi')",
	} {
		t.Run(code, func(t *testing.T) {
			res := execute(t, m, id, code)
			assertKind(t, res, KindUndefinedSymbol)
			assert.Equal(t, res.Error.Line, 1)
		})
	}
}

func TestRuntimeFailureReportsLine(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})

	res := execute(t, m, id, "local t = nil\nprint(t.x)")
	assertKind(t, res, KindRuntimeFailure)
	assert.Equal(t, res.Error.Line, 2)

	res = execute(t, m, id, "x = 1\n\nerror('custom failure')")
	assertKind(t, res, KindRuntimeFailure)
	assert.Equal(t, res.Error.Line, 3)
	assert.Equal(t, res.Error.Message, "custom failure")

	res = execute(t, m, id, "if x then")
	assertKind(t, res, KindRuntimeFailure)
	assert.Assert(t, is.Contains(res.Error.Message, "syntax error"))
}

func TestPartialStateSurvivesFailure(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})

	res := execute(t, m, id, "a = 1\nprint('before')\nerror('stop')\nb = 2")
	assertKind(t, res, KindRuntimeFailure)
	assert.Equal(t, res.Stdout, "before\n")
	assert.DeepEqual(t, res.NewVariables, []string{"a"})

	assert.Equal(t, execute(t, m, id, "print(a, defined('b'))").Stdout, "1\tfalse\n")
}

func TestContextBinding(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "the needle is 7", Config{})

	assert.Equal(t, execute(t, m, id, "print(len(context))").Stdout, "15\n")

	res := execute(t, m, id, "context = 'replaced'")
	assertKind(t, res, KindRuntimeFailure)
	assert.Assert(t, is.Contains(res.Error.Message, "reserved name 'context'"))

	res = execute(t, m, id, "print = nil")
	assertKind(t, res, KindRuntimeFailure)

	assert.Equal(t, execute(t, m, id, "print(context)").Stdout, "the needle is 7\n")
}

func TestStructuredContext(t *testing.T) {
	m := newTestManager(t)
	payload := map[string]any{
		"users": []any{
			map[string]any{"name": "ada", "age": 36},
			map[string]any{"name": "linus", "age": 54},
		},
	}
	id := createSession(t, m, payload, Config{})

	res := execute(t, m, id, "print(context.users[2].name, #context.users)")
	assert.Equal(t, res.Status, StatusSuccess)
	assert.Equal(t, res.Stdout, "linus\t2\n")

	res = execute(t, m, id, "print(json.query(context, 'users.#(age>40).name'))")
	assert.Equal(t, res.Stdout, "linus\n")
}

func TestStructuredContextIsReadOnly(t *testing.T) {
	m := newTestManager(t)
	payload := map[string]any{
		"meta":  map[string]any{"owner": "real"},
		"items": []any{1, 2, 3},
	}
	id := createSession(t, m, payload, Config{})

	for _, code := range []string{
		`context.meta.owner = "fabricated"`,
		`context.extra = 1`,
		`context.items[1] = 99`,
		`table.insert(context.items, 4)`,
		`table.remove(context.items)`,
		`table.sort(context.items, function(a, b) return a > b end)`,
	} {
		res := execute(t, m, id, code)
		assertKind(t, res, KindRuntimeFailure)
		assert.Assert(t, is.Contains(res.Error.Message, "read-only"), code)
	}

	res := execute(t, m, id, `print(context.meta.owner, context.extra, repr(context.items))`)
	assert.Equal(t, res.Stdout, "real\tnil\t{1, 2, 3}\n")

	res = execute(t, m, id, `local sum, n = 0, 0
for _, v in ipairs(context.items) do sum = sum + v end
for _ in pairs(context) do n = n + 1 end
print(sum, n, #context.items, len(context.items), join(keys(context), ","))
print(table.concat(context.items, "-"), unpack(context.items))
print(next(context.meta))
print(json.encode(context.items), contains(context.items, 2))`)
	assert.Equal(t, res.Status, StatusSuccess, "error: %v", res.Error)
	assert.Equal(t, res.Stdout, "6\t2\t3\t3\titems,meta\n1-2-3\t1\t2\t3\nowner\treal\n[1,2,3]\ttrue\n")

	// A copy is an ordinary table.
	res = execute(t, m, id, `local c = {}
for k, v in pairs(context.meta) do c[k] = v end
c.owner = "mine"
print(c.owner, context.meta.owner)`)
	assert.Equal(t, res.Status, StatusSuccess, "error: %v", res.Error)
	assert.Equal(t, res.Stdout, "mine\treal\n")
}

func TestTimeoutInterruptsLoop(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{CodeTimeout: 200 * time.Millisecond})

	start := time.Now()
	res := execute(t, m, id, "n = 1\nwhile true do end")
	assertKind(t, res, KindTimeout)
	assert.Assert(t, time.Since(start) < 5*time.Second)
	assert.DeepEqual(t, res.NewVariables, []string{"n"})

	// Statements completed before the interrupt stay bound.
	res = execute(t, m, id, "print(n)")
	assert.Equal(t, res.Status, StatusSuccess)
	assert.Equal(t, res.Stdout, "1\n")
}

func TestTimeoutCannotBeSwallowedByPcall(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{CodeTimeout: 200 * time.Millisecond})

	res := execute(t, m, id, "while true do pcall(function() while true do end end) end")
	assertKind(t, res, KindTimeout)
}

func TestRequestTimeoutOnlyShortens(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{CodeTimeout: 300 * time.Millisecond})

	res, err := m.Execute(context.Background(), ExecutionRequest{SessionID: id, Code: "while true do end", Timeout: time.Hour})
	assert.NilError(t, err)
	assertKind(t, res, KindTimeout)
	assert.Assert(t, res.Elapsed < 5*time.Second)
}

func TestOutputTruncation(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{TruncateOutputChars: 10})

	res := execute(t, m, id, "print(string.rep('a', 25))")
	assert.Equal(t, res.Status, StatusSuccess)
	assert.Assert(t, res.Truncated)
	assert.Equal(t, res.Stdout, "aaaaaaaaaa\n... [output truncated: 26 chars total]")

	res = execute(t, m, id, "print('short')")
	assert.Assert(t, !res.Truncated)
	assert.Equal(t, res.Stdout, "short\n")
}

func TestStderrCapture(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})

	res := execute(t, m, id, "eprint('warning', 1)\nprint('ok')")
	assert.Equal(t, res.Stdout, "ok\n")
	assert.Equal(t, res.Stderr, "warning\t1\n")
}

func TestStringRepIsBounded(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})

	res := execute(t, m, id, "s = string.rep('x', 1e9)")
	assertKind(t, res, KindRuntimeFailure)
	res = execute(t, m, id, "s = ('x'):rep(1e9)")
	assertKind(t, res, KindRuntimeFailure)
}

func TestDelegation(t *testing.T) {
	var depth int
	completer := llm.CompleterFunc(func(ctx context.Context, req llm.CompletionRequest) (string, error) {
		depth = DelegationDepth(ctx)
		return fmt.Sprintf("%s|%s|%d", req.Prompt, req.System, req.MaxTokens), nil
	})
	m := newTestManager(t, WithCompleters(StaticCompleters{"sub": completer}))
	id := createSession(t, m, "ctx", Config{SubModel: "sub"})

	res := execute(t, m, id, `r = llm_query("summarize", {system = "be brief", max_tokens = 50})
print(r)`)
	assert.Equal(t, res.Status, StatusSuccess)
	assert.Equal(t, res.Stdout, "summarize|be brief|50\n")
	assert.Equal(t, depth, 1)
}

func TestDelegationIsNotCached(t *testing.T) {
	var calls int
	var mu sync.Mutex
	completer := llm.CompleterFunc(func(context.Context, llm.CompletionRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return "same", nil
	})
	m := newTestManager(t, WithCompleters(StaticCompleters{"sub": completer}))
	id := createSession(t, m, "ctx", Config{SubModel: "sub"})

	execute(t, m, id, "a = llm_query('q')\nb = llm_query('q')")
	assert.Equal(t, calls, 2)
}

func TestDelegationBatched(t *testing.T) {
	m := newTestManager(t, WithCompleters(StaticCompleters{"sub": echoCompleter()}))
	id := createSession(t, m, "ctx", Config{SubModel: "sub", MaxConcurrentDelegations: 2})

	res := execute(t, m, id, `out = llm_query_batched({"a", "b", "c"})
print(join(out, ","))`)
	assert.Equal(t, res.Status, StatusSuccess)
	assert.Equal(t, res.Stdout, "reply:a,reply:b,reply:c\n")
}

func TestSecondaryModelFailure(t *testing.T) {
	completer := llm.CompleterFunc(func(context.Context, llm.CompletionRequest) (string, error) {
		return "", errors.New("upstream unavailable")
	})
	m := newTestManager(t, WithCompleters(StaticCompleters{"sub": completer}))
	id := createSession(t, m, "ctx", Config{SubModel: "sub"})

	res := execute(t, m, id, "x = llm_query('q')")
	assertKind(t, res, KindSecondaryModelFailure)
	assert.Assert(t, is.Contains(res.Error.Message, "upstream unavailable"))

	// Catchable inside the snippet.
	res = execute(t, m, id, "ok, err = pcall(llm_query, 'q')\nprint(ok, contains(err, 'SecondaryModelFailure: upstream unavailable'))")
	assert.Equal(t, res.Status, StatusSuccess)
	assert.Equal(t, res.Stdout, "false\ttrue\n")
}

func TestDelegationTimeout(t *testing.T) {
	completer := llm.CompleterFunc(func(ctx context.Context, _ llm.CompletionRequest) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	m := newTestManager(t, WithCompleters(StaticCompleters{"slow": completer}))

	id := createSession(t, m, "ctx", Config{SubModel: "slow", CodeTimeout: 5 * time.Second, DelegationTimeout: 100 * time.Millisecond})
	res := execute(t, m, id, "x = llm_query('q')")
	assertKind(t, res, KindSecondaryModelFailure)

	id = createSession(t, m, "ctx", Config{SubModel: "slow", CodeTimeout: 200 * time.Millisecond})
	res = execute(t, m, id, "x = llm_query('q')")
	assertKind(t, res, KindTimeout)
}

func TestRecursionLimit(t *testing.T) {
	resolver := StaticCompleters{"echo": echoCompleter()}
	m := newTestManager(t, WithCompleters(resolver))

	var inner string
	resolver["nested"] = llm.CompleterFunc(func(ctx context.Context, _ llm.CompletionRequest) (string, error) {
		res, err := m.Execute(ctx, ExecutionRequest{SessionID: inner, Code: `print(llm_query("deeper"))`})
		if err != nil {
			return "", err
		}
		if res.Error != nil {
			return string(res.Error.Kind), nil
		}
		return strings.TrimSpace(res.Stdout), nil
	})

	t.Run("limit one stops the nested call", func(t *testing.T) {
		inner = createSession(t, m, "inner", Config{SubModel: "echo", MaxDelegationDepth: Depth(5)})
		outer := createSession(t, m, "outer", Config{SubModel: "nested", MaxDelegationDepth: Depth(1)})
		res := execute(t, m, outer, `print(llm_query("go"))`)
		assert.Equal(t, res.Status, StatusSuccess)
		assert.Equal(t, res.Stdout, "RecursionLimitExceeded\n")
	})

	t.Run("limit two allows one nested call", func(t *testing.T) {
		inner = createSession(t, m, "inner", Config{SubModel: "echo", MaxDelegationDepth: Depth(2)})
		outer := createSession(t, m, "outer", Config{SubModel: "nested", MaxDelegationDepth: Depth(2)})
		res := execute(t, m, outer, `print(llm_query("go"))`)
		assert.Equal(t, res.Status, StatusSuccess)
		assert.Equal(t, res.Stdout, "reply:deeper\n")
	})

	t.Run("zero disables delegation", func(t *testing.T) {
		id := createSession(t, m, "ctx", Config{SubModel: "echo", MaxDelegationDepth: Depth(0)})
		res := execute(t, m, id, `x = llm_query("q")`)
		assertKind(t, res, KindRecursionLimitExceeded)
	})
}

func TestResetClearsBindings(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "kept", Config{})

	execute(t, m, id, "x = 1")
	assert.NilError(t, m.Reset(context.Background(), id))

	s, err := m.Get(id)
	assert.NilError(t, err)
	assert.Equal(t, s.State(), StateReset)

	res := execute(t, m, id, "print(x)")
	assertKind(t, res, KindUndefinedSymbol)

	res = execute(t, m, id, "print(context)")
	assert.Equal(t, res.Stdout, "kept\n")
	assert.Equal(t, s.State(), StateActive)
}

func TestCloseIsTerminal(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})

	assert.NilError(t, m.Close(id))

	_, err := m.Execute(context.Background(), ExecutionRequest{SessionID: id, Code: "x = 1"})
	assert.Assert(t, errors.Is(err, ErrSessionNotFound))
	_, err = m.Get(id)
	assert.Assert(t, IsNotFound(err))
	assert.Assert(t, errors.Is(m.Reset(context.Background(), id), ErrSessionNotFound))
	assert.Assert(t, errors.Is(m.Close(id), ErrSessionNotFound))
}

func TestUnknownSession(t *testing.T) {
	m := newTestManager(t)
	_, err := m.Execute(context.Background(), ExecutionRequest{SessionID: "missing", Code: "x = 1"})
	assert.Assert(t, errors.Is(err, ErrSessionNotFound))
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	m := newTestManager(t, WithCompleters(StaticCompleters{}))

	_, err := m.Create("ctx", Config{CodeTimeout: -1})
	assert.Assert(t, errors.Is(err, ErrConfigInvalid))

	_, err = m.Create("ctx", Config{SubModel: "unknown"})
	assert.Assert(t, errors.Is(err, ErrConfigInvalid))

	_, err = NewManager(WithScratchRoot(t.TempDir())).Create("ctx", Config{SubModel: "any"})
	assert.Assert(t, errors.Is(err, ErrConfigInvalid))
}

func TestSessionsAreIsolated(t *testing.T) {
	m := newTestManager(t)
	a := createSession(t, m, "a", Config{})
	b := createSession(t, m, "b", Config{})

	execute(t, m, a, "x = 'from a'")
	res := execute(t, m, b, "print(x)")
	assertKind(t, res, KindUndefinedSymbol)

	execute(t, m, a, "string.upper = nil")
	assert.Equal(t, execute(t, m, b, "print(('b'):upper())").Stdout, "B\n")
}

func TestSessionsAreIsolatedConcurrently(t *testing.T) {
	m := newTestManager(t)
	ids := map[string]string{
		"alpha": createSession(t, m, "alpha", Config{}),
		"beta":  createSession(t, m, "beta", Config{}),
	}

	const rounds = 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*rounds)
	for name, id := range ids {
		other := "beta"
		if name == "beta" {
			other = "alpha"
		}
		code := fmt.Sprintf("seen_%[1]s = (defined('seen_%[1]s') and seen_%[1]s or 0) + 1\n"+
			"print(context, seen_%[1]s, defined('seen_%[2]s'))", name, other)

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 1; i <= rounds; i++ {
				res, err := m.Execute(context.Background(), ExecutionRequest{SessionID: id, Code: code})
				if err != nil {
					errs <- err
					return
				}
				if want := fmt.Sprintf("%s\t%d\tfalse\n", name, i); res.Stdout != want {
					errs <- fmt.Errorf("%s round %d: stdout %q, want %q (error %v)", name, i, res.Stdout, want, res.Error)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestExecutionsAreSerialized(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})
	execute(t, m, id, "n = 0")

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := m.Execute(context.Background(), ExecutionRequest{SessionID: id, Code: "local v = n\nn = v + 1"})
			if err == nil && res.Error != nil {
				err = res.Error
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NilError(t, err)
	}

	assert.Equal(t, execute(t, m, id, "print(n)").Stdout, "20\n")
}

func TestVariablesSnapshot(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})
	execute(t, m, id, "count = 3\nnames = {'a', 'b'}\nf = function() end")

	s, err := m.Get(id)
	assert.NilError(t, err)
	vars, err := s.Variables(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, vars, map[string]any{
		"count": int64(3),
		"names": []any{"a", "b"},
		"f":     "<function>",
	})
}

func TestVariablesNonFiniteNumbers(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})
	execute(t, m, id, "x = 0/0\ny = 1/0\nz = -1/0\nw = 2")

	s, err := m.Get(id)
	assert.NilError(t, err)
	vars, err := s.Variables(context.Background())
	assert.NilError(t, err)
	assert.DeepEqual(t, vars, map[string]any{"x": "nan", "y": "inf", "z": "-inf", "w": int64(2)})

	_, err = json.Marshal(vars)
	assert.NilError(t, err)
}

func TestHistory(t *testing.T) {
	m := newTestManager(t)
	id := createSession(t, m, "ctx", Config{})
	execute(t, m, id, "x = 1")
	execute(t, m, id, "nope()")

	s, err := m.Get(id)
	assert.NilError(t, err)
	h := s.History()
	assert.Equal(t, len(h), 2)
	assert.Equal(t, h[0].Seq, 1)
	assert.Equal(t, h[1].Result.Error.Kind, KindUndefinedSymbol)
	assert.Equal(t, s.Info().Executions, 2)
}

func TestObserverEvents(t *testing.T) {
	var mu sync.Mutex
	var types []EventType
	obs := ObserverFunc(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.Type)
	})
	m := newTestManager(t, WithObserver(obs), WithCompleters(StaticCompleters{"sub": echoCompleter()}))

	id := createSession(t, m, "ctx", Config{SubModel: "sub"})
	execute(t, m, id, "x = llm_query('q')")
	assert.NilError(t, m.Reset(context.Background(), id))
	assert.NilError(t, m.Close(id))

	assert.DeepEqual(t, types, []EventType{
		EventSessionCreated,
		EventSnippetSubmitted,
		EventDelegationIssued,
		EventDelegationReturned,
		EventSnippetCompleted,
		EventSessionReset,
		EventSessionClosed,
	})
}

func TestList(t *testing.T) {
	m := newTestManager(t)
	a := createSession(t, m, "a", Config{})
	b := createSession(t, m, map[string]any{"k": "v"}, Config{})

	infos := m.List()
	assert.Equal(t, len(infos), 2)
	ids := map[string]SessionInfo{infos[0].ID: infos[0], infos[1].ID: infos[1]}
	assert.Equal(t, ids[a].ContextKind, "text")
	assert.Equal(t, ids[b].ContextKind, "structured")

	assert.NilError(t, m.Close(a))
	assert.Equal(t, len(m.List()), 1)
}
