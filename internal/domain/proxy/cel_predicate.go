package proxy

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/shadowcat-mcp/shadowcat/pkg/mcp"
)

// CompiledExpr is a pre-compiled boolean expression, evaluated per message
// against an activation map built from an InterceptContext.
type CompiledExpr interface {
	Eval(ctx context.Context, activation map[string]interface{}) (bool, error)
}

// ExprCompiler compiles a CEL expression string into a CompiledExpr.
// Implemented by internal/adapter/outbound/cel; kept as an interface here
// so this package never imports the concrete CEL library.
type ExprCompiler interface {
	Compile(expr string) (CompiledExpr, error)
}

// RuleAction is the terminal disposition a matched Rule applies.
type RuleAction string

const (
	RuleAllow RuleAction = "allow"
	RuleDeny  RuleAction = "deny"
)

// Rule is a single CEL-backed interception rule: ToolMatch restricts it to
// requests whose tool name (or bare method, for non-tool-call requests)
// matches a glob pattern; Condition is an additional CEL predicate
// evaluated over the message's activation map. A Rule with an empty
// ToolMatch and Condition matches every message.
type Rule struct {
	ID        string
	Priority  int
	ToolMatch string
	Condition string
	Action    RuleAction
	Reason    string
}

// CELInterceptor evaluates an ordered set of Rules, compiled once at
// registration time, against each message. The first matching
// Deny rule blocks the message; the first matching Allow rule short-
// circuits remaining rules with Continue; no match falls through to
// Continue.
type CELInterceptor struct {
	rules    []Rule
	compiled []CompiledExpr // parallel to rules; nil entry means "no Condition, always matches"
	priority int
}

// NewCELInterceptor compiles rules using compiler and returns an
// interceptor ready to register on a Chain. Rules are evaluated in the
// order given; callers wanting priority ordering should pre-sort before
// calling this.
func NewCELInterceptor(compiler ExprCompiler, rules []Rule, priority int) (*CELInterceptor, error) {
	compiled := make([]CompiledExpr, len(rules))
	for i, r := range rules {
		if r.Condition == "" {
			continue
		}
		expr, err := compiler.Compile(r.Condition)
		if err != nil {
			return nil, fmt.Errorf("proxy: compile rule %q: %w", r.ID, err)
		}
		compiled[i] = expr
	}
	return &CELInterceptor{rules: rules, compiled: compiled, priority: priority}, nil
}

func (c *CELInterceptor) Intercept(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
	toolName, toolArgs := extractToolCall(ic.Message)
	activation := buildActivation(ic, toolName, toolArgs)

	for i, r := range c.rules {
		if r.ToolMatch != "" {
			matchesTool := toolName != "" && globMatch(r.ToolMatch, toolName)
			matchesMethod := globMatch(r.ToolMatch, ic.Message.Method())
			if !matchesTool && !matchesMethod {
				continue
			}
		}

		matched := true
		if c.compiled[i] != nil {
			ok, err := c.compiled[i].Eval(ctx, activation)
			if err != nil {
				return InterceptAction{}, fmt.Errorf("proxy: evaluate rule %q: %w", r.ID, err)
			}
			matched = ok
		}
		if !matched {
			continue
		}

		switch r.Action {
		case RuleDeny:
			reason := r.Reason
			if reason == "" {
				reason = fmt.Sprintf("denied by rule %s", r.ID)
			}
			return Block(reason), nil
		case RuleAllow:
			return Continue(), nil
		}
	}

	return Continue(), nil
}

func (c *CELInterceptor) Priority() int { return c.priority }

func (c *CELInterceptor) ShouldIntercept(ic *InterceptContext) bool {
	return ic.Message.IsRequest() || ic.Message.IsNotification()
}

func (c *CELInterceptor) Name() string { return "cel-rules" }

var _ Interceptor = (*CELInterceptor)(nil)

// extractToolCall pulls the tool name and arguments out of a tools/call
// request's params. Returns ("", nil) for every other method.
func extractToolCall(msg *mcp.Message) (string, map[string]interface{}) {
	if msg.Method() != "tools/call" {
		return "", nil
	}
	params := msg.ParseParams()
	if params == nil {
		return "", nil
	}
	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]interface{})
	return name, args
}

func buildActivation(ic *InterceptContext, toolName string, toolArgs map[string]interface{}) map[string]interface{} {
	if toolArgs == nil {
		toolArgs = map[string]interface{}{}
	}
	roles, _ := ic.Metadata["identity_roles"].([]string)
	return map[string]interface{}{
		"method":             ic.Message.Method(),
		"direction":          ic.Direction.String(),
		"session_id":         ic.SessionID,
		"negotiated_version": string(ic.Negotiated),
		"tool_name":          toolName,
		"tool_args":          toolArgs,
		"identity_roles":     roles,
		"request_time":       ic.Timestamp,
	}
}

func globMatch(pattern, name string) bool {
	matched, err := filepath.Match(pattern, name)
	return err == nil && matched
}
