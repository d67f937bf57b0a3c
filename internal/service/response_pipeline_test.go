package service

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/shadowcat-mcp/shadowcat/internal/domain/proxy"
	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
	"go.uber.org/goleak"
)

type modifyFirstInterceptor struct{ seen int }

func (m *modifyFirstInterceptor) Intercept(ctx context.Context, ic *proxy.InterceptContext) (proxy.InterceptAction, error) {
	m.seen++
	if m.seen != 1 {
		return proxy.Continue(), nil
	}
	modified, err := mcp.WrapMessage([]byte(`{"jsonrpc":"2.0","id":42,"result":{"x":2}}`), mcp.ServerToClient)
	if err != nil {
		return proxy.InterceptAction{}, err
	}
	return proxy.Modify(modified), nil
}

func (m *modifyFirstInterceptor) Priority() int                                { return 10 }
func (m *modifyFirstInterceptor) ShouldIntercept(ic *proxy.InterceptContext) bool { return true }
func (m *modifyFirstInterceptor) Name() string                                 { return "modify-first" }

// TestResponsePipeline_Relay_InterceptModify covers E3: a registered
// interceptor modifies the first of two SSE-sourced events, leaves the
// second untouched, and both are delivered in order.
func TestResponsePipeline_Relay_InterceptModify(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	chain := proxy.NewChain()
	chain.Register(&modifyFirstInterceptor{})
	p := NewResponsePipeline(chain, nil)

	upstream := strings.NewReader(
		"{\"jsonrpc\":\"2.0\",\"id\":42,\"result\":{\"x\":1}}\n" +
			"{\"jsonrpc\":\"2.0\",\"method\":\"notify\",\"params\":{}}\n")

	type delivery struct {
		mode mcp.ResponseMode
		msg  *mcp.Message
	}
	var delivered []delivery

	err := p.Relay(context.Background(), upstream, "sess-1", "2025-06-18", true, nil, func(mode mcp.ResponseMode, msg *mcp.Message) error {
		delivered = append(delivered, delivery{mode, msg})
		return nil
	})
	if err != nil {
		t.Fatalf("Relay() error: %v", err)
	}

	if len(delivered) != 2 {
		t.Fatalf("delivered %d messages, want 2", len(delivered))
	}
	for i, d := range delivered {
		if d.mode != mcp.ResponseEventStream {
			t.Errorf("delivered[%d].mode = %v, want ResponseEventStream", i, d.mode)
		}
	}

	var result struct {
		Result struct {
			X int `json:"x"`
		} `json:"result"`
	}
	if err := json.Unmarshal(delivered[0].msg.Raw, &result); err != nil {
		t.Fatalf("unmarshal first delivered message: %v", err)
	}
	if result.Result.X != 2 {
		t.Errorf("first delivered message result.x = %d, want 2 (modified)", result.Result.X)
	}
}

func TestResponsePipeline_Relay_BlockForcesJSON(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	chain := proxy.NewChain()
	chain.Register(&fakeInterceptorForResponsePipeline{})
	p := NewResponsePipeline(chain, nil)

	upstream := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":7,\"result\":{}}\n")

	var modes []mcp.ResponseMode
	err := p.Relay(context.Background(), upstream, "sess-1", "2025-06-18", true, nil, func(mode mcp.ResponseMode, msg *mcp.Message) error {
		modes = append(modes, mode)
		return nil
	})
	if err != nil {
		t.Fatalf("Relay() error: %v", err)
	}
	if len(modes) != 1 || modes[0] != mcp.ResponseJSON {
		t.Errorf("modes = %v, want [ResponseJSON] (Block always forces JSON)", modes)
	}
}

type fakeInterceptorForResponsePipeline struct{}

func (f *fakeInterceptorForResponsePipeline) Intercept(ctx context.Context, ic *proxy.InterceptContext) (proxy.InterceptAction, error) {
	return proxy.Block("denied"), nil
}
func (f *fakeInterceptorForResponsePipeline) Priority() int                                { return 0 }
func (f *fakeInterceptorForResponsePipeline) ShouldIntercept(ic *proxy.InterceptContext) bool { return true }
func (f *fakeInterceptorForResponsePipeline) Name() string                                 { return "blocker" }

func TestResponsePipeline_Relay_StopsAtStopID(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	chain := proxy.NewChain()
	p := NewResponsePipeline(chain, nil)

	upstream := strings.NewReader(
		"{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n" +
			"{\"jsonrpc\":\"2.0\",\"id\":2,\"result\":{}}\n")

	var count int
	err := p.Relay(context.Background(), upstream, "sess-1", "2025-06-18", false, json.RawMessage("1"), func(mode mcp.ResponseMode, msg *mcp.Message) error {
		count++
		return nil
	})
	if err != nil {
		t.Fatalf("Relay() error: %v", err)
	}
	if count != 1 {
		t.Errorf("delivered %d messages, want 1 (stop at id=1)", count)
	}
}

func TestResponsePipeline_OnSSEEvent_FiresForStreamedDeliveries(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	chain := proxy.NewChain()
	p := NewResponsePipeline(chain, nil)

	var events []string
	p.OnSSEEvent(func(stream string) { events = append(events, stream) })

	upstream := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n")
	err := p.Relay(context.Background(), upstream, "sess-1", "2025-06-18", true, nil, func(mode mcp.ResponseMode, msg *mcp.Message) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Relay() error: %v", err)
	}
	if len(events) != 1 || events[0] != "response" {
		t.Errorf("events = %v, want [response]", events)
	}
}

func TestResponsePipeline_OnSSEEvent_SilentForJSONMode(t *testing.T) {
	defer goleak.VerifyNone(t)
	t.Parallel()

	chain := proxy.NewChain()
	p := NewResponsePipeline(chain, nil)

	var events []string
	p.OnSSEEvent(func(stream string) { events = append(events, stream) })

	upstream := strings.NewReader("{\"jsonrpc\":\"2.0\",\"id\":1,\"result\":{}}\n")
	err := p.Relay(context.Background(), upstream, "sess-1", "2025-06-18", false, nil, func(mode mcp.ResponseMode, msg *mcp.Message) error {
		return nil
	})
	if err != nil {
		t.Fatalf("Relay() error: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("events = %v, want none for a non-streaming delivery", events)
	}
}
