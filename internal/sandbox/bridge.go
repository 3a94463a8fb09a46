package sandbox

import (
	"context"
	"errors"
	"fmt"

	lua "github.com/yuin/gopher-lua"
	"golang.org/x/sync/errgroup"

	"github.com/michaelbrown/rlm/internal/llm"
)

type delegationKey struct{}

type delegation struct {
	depth int
	limit int
}

// WithDelegation records the delegation depth a call chain has reached and
// the tightest limit seen on it. Completers that run their own sessions
// must pass the context they receive through to Execute so that nested
// llm_query calls see the depth.
func WithDelegation(ctx context.Context, depth, limit int) context.Context {
	return context.WithValue(ctx, delegationKey{}, delegation{depth: depth, limit: limit})
}

// DelegationDepth returns how many delegated calls enclose ctx.
func DelegationDepth(ctx context.Context) int {
	d, _ := ctx.Value(delegationKey{}).(delegation)
	return d.depth
}

// bridge turns llm_query calls into Completer requests.
type bridge struct {
	completer llm.Completer
	cfg       Config
	emit      func(Event)
}

// enter checks the depth limit and returns the context for the child call.
func (b *bridge) enter(ctx context.Context) (context.Context, int, error) {
	limit := b.cfg.DepthLimit()
	depth := 0
	if d, ok := ctx.Value(delegationKey{}).(delegation); ok {
		depth = d.depth
		limit = min(limit, d.limit)
	}
	if depth >= limit {
		return nil, depth, &Error{
			Kind:    KindRecursionLimitExceeded,
			Message: fmt.Sprintf("delegation depth %d would exceed the limit of %d", depth+1, limit),
		}
	}
	return WithDelegation(ctx, depth+1, limit), depth + 1, nil
}

// call runs one delegated completion. The Completer runs on its own
// goroutine; the caller waits for it or for the deadline.
func (b *bridge) call(ctx context.Context, req llm.CompletionRequest) (string, error) {
	child, depth, err := b.enter(ctx)
	if err != nil {
		return "", err
	}
	if b.cfg.DelegationTimeout > 0 {
		var cancel context.CancelFunc
		child, cancel = context.WithTimeout(child, b.cfg.DelegationTimeout)
		defer cancel()
	}

	b.emit(Event{Type: EventDelegationIssued, Depth: depth, Prompt: req.Prompt})

	type reply struct {
		text string
		err  error
	}
	ch := make(chan reply, 1)
	go func() {
		text, err := b.completer.Complete(child, req)
		ch <- reply{text, err}
	}()

	var r reply
	select {
	case r = <-ch:
	case <-child.Done():
		if ctx.Err() != nil {
			r.err = ctx.Err()
		} else {
			r.err = fmt.Errorf("no reply within %s", b.cfg.DelegationTimeout)
		}
	}

	done := Event{Type: EventDelegationReturned, Depth: depth}
	if r.err != nil {
		done.Error = r.err.Error()
	}
	b.emit(done)

	if r.err == nil {
		return r.text, nil
	}
	if ctx.Err() != nil {
		// The run itself is out of time; the VM aborts on its next instruction.
		return "", &Error{Kind: KindTimeout, Message: ctx.Err().Error()}
	}
	var nested *Error
	if errors.As(r.err, &nested) && nested.Kind == KindRecursionLimitExceeded {
		return "", nested
	}
	return "", &Error{Kind: KindSecondaryModelFailure, Message: r.err.Error()}
}

// queryOptions reads the optional {system, max_tokens, temperature} table.
func queryOptions(L *lua.LState, n int, req *llm.CompletionRequest) {
	opts := L.OptTable(n, nil)
	if opts == nil {
		return
	}
	if s, ok := opts.RawGetString("system").(lua.LString); ok {
		req.System = string(s)
	}
	if v, ok := opts.RawGetString("max_tokens").(lua.LNumber); ok {
		req.MaxTokens = int(v)
	}
	if v, ok := opts.RawGetString("temperature").(lua.LNumber); ok {
		t := float64(v)
		req.Temperature = &t
	}
}

// raiseCall surfaces a bridge error inside the snippet.
func raiseCall(L *lua.LState, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Kind: KindSecondaryModelFailure, Message: err.Error()}
	}
	fail(L, e.Kind, "%s", e.Message)
}

func (in *interp) llmQuery(L *lua.LState) int {
	req := llm.CompletionRequest{Prompt: L.CheckString(1)}
	queryOptions(L, 2, &req)

	text, err := in.bridge.call(L.Context(), req)
	if err != nil {
		raiseCall(L, err)
	}
	L.Push(lua.LString(text))
	return 1
}

// llmQueryBatched runs sibling queries concurrently and returns the
// replies in prompt order. Every sibling is at the same depth.
func (in *interp) llmQueryBatched(L *lua.LState) int {
	t := checkTable(L, 1)
	var base llm.CompletionRequest
	queryOptions(L, 2, &base)

	prompts := make([]string, t.Len())
	for i := range prompts {
		s, ok := t.RawGetInt(i + 1).(lua.LString)
		if !ok {
			L.ArgError(1, fmt.Sprintf("prompt %d is not a string", i+1))
		}
		prompts[i] = string(s)
	}

	replies := make([]string, len(prompts))
	g, gctx := errgroup.WithContext(L.Context())
	g.SetLimit(in.bridge.cfg.MaxConcurrentDelegations)
	for i, p := range prompts {
		g.Go(func() error {
			req := base
			req.Prompt = p
			text, err := in.bridge.call(gctx, req)
			if err != nil {
				return err
			}
			replies[i] = text
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		raiseCall(L, err)
	}

	L.Push(toLua(L, replies))
	return 1
}
