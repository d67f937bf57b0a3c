package cel

import (
	"context"

	"github.com/google/cel-go/cel"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/proxy"
)

// Compiler adapts Evaluator to proxy.ExprCompiler, letting the domain
// interceptor compile rule conditions without importing cel-go directly.
type Compiler struct {
	evaluator *Evaluator
}

// NewCompiler builds a Compiler backed by a fresh intercept-context
// environment.
func NewCompiler() (*Compiler, error) {
	ev, err := NewEvaluator()
	if err != nil {
		return nil, err
	}
	return &Compiler{evaluator: ev}, nil
}

// Compile validates and compiles expr, returning a proxy.CompiledExpr.
func (c *Compiler) Compile(expr string) (proxy.CompiledExpr, error) {
	if err := c.evaluator.ValidateExpression(expr); err != nil {
		return nil, err
	}
	prg, err := c.evaluator.Compile(expr)
	if err != nil {
		return nil, err
	}
	return &compiledExpr{evaluator: c.evaluator, prg: prg}, nil
}

type compiledExpr struct {
	evaluator *Evaluator
	prg       cel.Program
}

func (c *compiledExpr) Eval(ctx context.Context, activation map[string]interface{}) (bool, error) {
	return c.evaluator.Evaluate(ctx, c.prg, activation)
}

var _ proxy.ExprCompiler = (*Compiler)(nil)
