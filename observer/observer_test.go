package observer

import "testing"

type recordingHooks struct {
	BaseHooks
	puts    int
	bypass  bool
}

func (h *recordingHooks) PrePut(ctx *Context, e MutationEvent) {
	h.puts++
	if h.bypass {
		ctx.Bypass()
	}
}

type shortCircuitHooks struct {
	BaseHooks
	puts int
}

func (h *shortCircuitHooks) PrePut(ctx *Context, e MutationEvent) {
	h.puts++
	ctx.ByPassRemaining()
}

func TestChainDispatchesToAllObservers(t *testing.T) {
	c := NewChain(LogAndContinue, nil)
	a := &recordingHooks{}
	b := &recordingHooks{}
	c.Register(a)
	c.Register(b)

	ctx := c.Dispatch(func(h Hooks, ctx *Context) {
		h.PrePut(ctx, MutationEvent{})
	})
	if a.puts != 1 || b.puts != 1 {
		t.Fatalf("puts = %d,%d, want 1,1", a.puts, b.puts)
	}
	if ctx.Bypassed() {
		t.Fatal("expected no bypass")
	}
}

func TestChainBypassSurfacesToCaller(t *testing.T) {
	c := NewChain(LogAndContinue, nil)
	a := &recordingHooks{bypass: true}
	c.Register(a)

	ctx := c.Dispatch(func(h Hooks, ctx *Context) {
		h.PrePut(ctx, MutationEvent{})
	})
	if !ctx.Bypassed() {
		t.Fatal("expected Bypassed() true")
	}
}

func TestChainShortCircuitStopsRemaining(t *testing.T) {
	c := NewChain(LogAndContinue, nil)
	a := &shortCircuitHooks{}
	b := &recordingHooks{}
	c.Register(a)
	c.Register(b)

	c.Dispatch(func(h Hooks, ctx *Context) {
		h.PrePut(ctx, MutationEvent{})
	})
	if a.puts != 1 {
		t.Fatalf("a.puts = %d, want 1", a.puts)
	}
	if b.puts != 0 {
		t.Fatalf("b.puts = %d, want 0 (short-circuited)", b.puts)
	}
}

type panickingHooks struct{ BaseHooks }

func (panickingHooks) PrePut(ctx *Context, e MutationEvent) { panic("boom") }

func TestChainRecoversPanicInLogAndContinueMode(t *testing.T) {
	c := NewChain(LogAndContinue, nil)
	c.Register(panickingHooks{})
	after := &recordingHooks{}
	c.Register(after)

	c.Dispatch(func(h Hooks, ctx *Context) {
		h.PrePut(ctx, MutationEvent{})
	})
	if after.puts != 1 {
		t.Fatalf("after.puts = %d, want 1 (chain should continue past a recovered panic)", after.puts)
	}
}

func TestChainRePanicsInAbortOnErrorMode(t *testing.T) {
	c := NewChain(AbortOnError, nil)
	c.Register(panickingHooks{})

	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected Dispatch to re-panic in AbortOnError mode")
		}
	}()
	c.Dispatch(func(h Hooks, ctx *Context) {
		h.PrePut(ctx, MutationEvent{})
	})
}

func TestRollListenerInvokesCallbacks(t *testing.T) {
	var pre, post bool
	l := &RollListener{
		OnPreRoll:  func(old, new uint64) { pre = true },
		OnPostRoll: func(old, new uint64) { post = true },
	}
	l.PreLogRoll(1, 2)
	l.PostLogRoll(1, 2)
	if !pre || !post {
		t.Fatal("expected both callbacks invoked")
	}
}
