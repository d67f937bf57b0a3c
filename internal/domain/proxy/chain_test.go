package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

type fakeInterceptor struct {
	name       string
	priority   int
	intercept  func(ctx context.Context, ic *InterceptContext) (InterceptAction, error)
	shouldRun  func(ic *InterceptContext) bool
	calls      int
	callsMu    sync.Mutex
}

func (f *fakeInterceptor) Intercept(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
	f.callsMu.Lock()
	f.calls++
	f.callsMu.Unlock()
	if f.intercept != nil {
		return f.intercept(ctx, ic)
	}
	return Continue(), nil
}

func (f *fakeInterceptor) Priority() int { return f.priority }

func (f *fakeInterceptor) ShouldIntercept(ic *InterceptContext) bool {
	if f.shouldRun != nil {
		return f.shouldRun(ic)
	}
	return true
}

func (f *fakeInterceptor) Name() string { return f.name }

func newTestMessage(t *testing.T) *mcp.Message {
	t.Helper()
	msg, err := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{}}`), mcp.ClientToServer)
	if err != nil {
		t.Fatalf("WrapMessage() error: %v", err)
	}
	return msg
}

func TestChain_EmptyIsNoop(t *testing.T) {
	t.Parallel()

	c := NewChain()
	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")

	action, err := c.Run(context.Background(), ic)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action.Kind != ActionContinue {
		t.Errorf("Run() on empty chain = %v, want ActionContinue", action.Kind)
	}
}

func TestChain_PriorityOrder(t *testing.T) {
	t.Parallel()

	var order []string
	var mu sync.Mutex
	record := func(name string) func(context.Context, *InterceptContext) (InterceptAction, error) {
		return func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return Continue(), nil
		}
	}

	c := NewChain()
	c.Register(&fakeInterceptor{name: "low", priority: 1, intercept: record("low")})
	c.Register(&fakeInterceptor{name: "high", priority: 10, intercept: record("high")})
	c.Register(&fakeInterceptor{name: "mid", priority: 5, intercept: record("mid")})

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	if _, err := c.Run(context.Background(), ic); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	want := []string{"high", "mid", "low"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestChain_TiesBrokenByRegistrationOrder(t *testing.T) {
	t.Parallel()

	var order []string
	var mu sync.Mutex
	record := func(name string) func(context.Context, *InterceptContext) (InterceptAction, error) {
		return func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return Continue(), nil
		}
	}

	c := NewChain()
	c.Register(&fakeInterceptor{name: "first", priority: 5, intercept: record("first")})
	c.Register(&fakeInterceptor{name: "second", priority: 5, intercept: record("second")})

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	if _, err := c.Run(context.Background(), ic); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if len(order) != 2 || order[0] != "first" || order[1] != "second" {
		t.Errorf("order = %v, want [first second]", order)
	}
}

func TestChain_PredicateSkipsInterceptor(t *testing.T) {
	t.Parallel()

	skipped := &fakeInterceptor{name: "skipped", shouldRun: func(ic *InterceptContext) bool { return false }}
	c := NewChain()
	c.Register(skipped)

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	if _, err := c.Run(context.Background(), ic); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	if skipped.calls != 0 {
		t.Errorf("skipped interceptor was invoked %d times, want 0", skipped.calls)
	}
}

func TestChain_ModifyCarriesForward(t *testing.T) {
	t.Parallel()

	modified := newTestMessage(t)
	c := NewChain()
	c.Register(&fakeInterceptor{name: "modifier", priority: 10, intercept: func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
		return Modify(modified), nil
	}})

	var sawMessage *mcp.Message
	c.Register(&fakeInterceptor{name: "observer", priority: 5, intercept: func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
		sawMessage = ic.Message
		return Continue(), nil
	}})

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	action, err := c.Run(context.Background(), ic)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action.Kind != ActionContinue {
		t.Errorf("final action = %v, want ActionContinue", action.Kind)
	}
	if sawMessage != modified {
		t.Error("downstream interceptor did not observe the modified message")
	}
}

func TestChain_BlockShortCircuits(t *testing.T) {
	t.Parallel()

	reached := false
	c := NewChain()
	c.Register(&fakeInterceptor{name: "blocker", priority: 10, intercept: func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
		return Block("denied"), nil
	}})
	c.Register(&fakeInterceptor{name: "unreached", priority: 5, intercept: func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
		reached = true
		return Continue(), nil
	}})

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	action, err := c.Run(context.Background(), ic)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action.Kind != ActionBlock || action.Reason != "denied" {
		t.Errorf("action = %+v, want Block(denied)", action)
	}
	if reached {
		t.Error("lower-priority interceptor ran after a Block, chain should short-circuit")
	}
}

func TestChain_DelayThenResolvesToTerminalAction(t *testing.T) {
	t.Parallel()

	c := NewChain()
	c.Register(&fakeInterceptor{name: "delayer", priority: 10, intercept: func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
		return DelayThen(10*time.Millisecond, Block("delayed-block")), nil
	}})

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	start := time.Now()
	action, err := c.Run(context.Background(), ic)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action.Kind != ActionBlock || action.Reason != "delayed-block" {
		t.Errorf("action = %+v, want Block(delayed-block)", action)
	}
	if elapsed < 10*time.Millisecond {
		t.Errorf("Run() returned after %v, want >= 10ms delay", elapsed)
	}
}

func TestChain_PauseResolvesOnResumeHandle(t *testing.T) {
	t.Parallel()

	resume := make(chan InterceptAction, 1)
	resume <- Continue()

	c := NewChain()
	c.Register(&fakeInterceptor{name: "pauser", priority: 10, intercept: func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
		return Pause(resume), nil
	}})

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	action, err := c.Run(context.Background(), ic)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action.Kind != ActionContinue {
		t.Errorf("action after resumed pause = %v, want ActionContinue", action.Kind)
	}
}

func TestChain_PauseTimesOutToBlock(t *testing.T) {
	t.Parallel()

	c := NewChain()
	c.PauseTimeout = 10 * time.Millisecond
	c.Register(&fakeInterceptor{name: "pauser", priority: 10, intercept: func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
		return Pause(make(chan InterceptAction)), nil
	}})

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	action, err := c.Run(context.Background(), ic)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if action.Kind != ActionBlock {
		t.Errorf("action after pause timeout = %v, want ActionBlock", action.Kind)
	}
}

func TestChain_OnActionRecordsEveryResolvedAction(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var kinds []ActionKind

	c := NewChain()
	c.OnAction = func(kind ActionKind) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	}
	c.Register(&fakeInterceptor{name: "blocker", priority: 10, intercept: func(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
		return Block("denied"), nil
	}})

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	if _, err := c.Run(context.Background(), ic); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 1 || kinds[0] != ActionBlock {
		t.Errorf("recorded kinds = %v, want [ActionBlock]", kinds)
	}
}

func TestChain_OnActionRecordsImplicitContinue(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	var kinds []ActionKind

	c := NewChain()
	c.OnAction = func(kind ActionKind) {
		mu.Lock()
		kinds = append(kinds, kind)
		mu.Unlock()
	}
	c.Register(&fakeInterceptor{name: "passthrough"})

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	if _, err := c.Run(context.Background(), ic); err != nil {
		t.Fatalf("Run() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != ActionContinue || kinds[1] != ActionContinue {
		t.Errorf("recorded kinds = %v, want [ActionContinue ActionContinue]", kinds)
	}
}

func TestChain_DeregisterRemovesInterceptor(t *testing.T) {
	t.Parallel()

	c := NewChain()
	interceptor := &fakeInterceptor{name: "removable"}
	c.Register(interceptor)

	if !c.Deregister("removable") {
		t.Fatal("Deregister() = false, want true")
	}
	if c.Deregister("removable") {
		t.Error("second Deregister() = true, want false (already removed)")
	}

	ic := NewInterceptContext(newTestMessage(t), mcp.ClientToServer, "sess-1", "2025-06-18")
	if _, err := c.Run(context.Background(), ic); err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if interceptor.calls != 0 {
		t.Errorf("deregistered interceptor was invoked %d times, want 0", interceptor.calls)
	}
}

func TestActionKind_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		kind ActionKind
		want string
	}{
		{ActionContinue, "continue"},
		{ActionModify, "modify"},
		{ActionBlock, "block"},
		{ActionMock, "mock"},
		{ActionPause, "pause"},
		{ActionDelay, "delay"},
	}
	for _, tt := range tests {
		if got := tt.kind.String(); got != tt.want {
			t.Errorf("ActionKind(%d).String() = %q, want %q", tt.kind, got, tt.want)
		}
	}
}
