package proxy

import "context"

// Interceptor is a single processor in the chain. Priority
// (higher first) and ShouldIntercept let the chain filter and order
// interceptors without invoking ones that don't apply to a given message.
type Interceptor interface {
	// Intercept inspects ctx.Message and returns the action to take.
	Intercept(ctx context.Context, ic *InterceptContext) (InterceptAction, error)

	// Priority orders interceptors within the chain; higher runs first.
	// Ties are broken by registration order.
	Priority() int

	// ShouldIntercept is evaluated before Intercept; when false the
	// interceptor is skipped entirely for this message.
	ShouldIntercept(ic *InterceptContext) bool

	// Name identifies the interceptor for logging and diagnostics.
	Name() string
}

// PassthroughInterceptor forwards all messages unchanged. A reference
// implementation; NewChain does not register it.
type PassthroughInterceptor struct{}

func NewPassthroughInterceptor() *PassthroughInterceptor { return &PassthroughInterceptor{} }

func (i *PassthroughInterceptor) Intercept(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
	return Continue(), nil
}

func (i *PassthroughInterceptor) Priority() int { return 0 }

func (i *PassthroughInterceptor) ShouldIntercept(ic *InterceptContext) bool { return true }

func (i *PassthroughInterceptor) Name() string { return "passthrough" }

var _ Interceptor = (*PassthroughInterceptor)(nil)
