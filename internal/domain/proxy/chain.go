package proxy

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Chain is the Interceptor Chain: a polymorphic, dynamically
// registrable, thread-safe ordered sequence. Registration is writer-rare,
// invocation is reader-frequent, so reads take an RLock and the sorted
// slice is only rebuilt on Register/Deregister.
//
// An empty chain is a no-op: Run returns Continue for every message without
// allocating.
type Chain struct {
	mu           sync.RWMutex
	interceptors []Interceptor
	// seq assigns a monotonically increasing registration order, used to
	// break priority ties deterministically.
	seq []int
	next int

	// PauseTimeout bounds how long Run waits on a Pause action's resume
	// handle before resolving it to a Block action.
	PauseTimeout time.Duration

	// OnAction, if set, is called with the kind of every resolved action
	// Run produces (one call per interceptor invoked, plus the implicit
	// Continue a non-empty chain returns when nothing intercepted). Left
	// nil, Run records nothing; a caller wanting chain metrics sets this
	// once at construction rather than Chain importing a metrics type
	// itself.
	OnAction func(kind ActionKind)
}

// NewChain creates an empty chain with a default pause timeout.
func NewChain() *Chain {
	return &Chain{PauseTimeout: 5 * time.Minute}
}

// Register adds an interceptor to the chain. Thread-safe.
func (c *Chain) Register(i Interceptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.interceptors = append(c.interceptors, i)
	c.seq = append(c.seq, c.next)
	c.next++
	c.resort()
}

// Deregister removes the first interceptor with the given name.
func (c *Chain) Deregister(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for idx, i := range c.interceptors {
		if i.Name() == name {
			c.interceptors = append(c.interceptors[:idx], c.interceptors[idx+1:]...)
			c.seq = append(c.seq[:idx], c.seq[idx+1:]...)
			return true
		}
	}
	return false
}

// resort orders interceptors by descending priority, then ascending
// registration order (ties broken by insertion order).
func (c *Chain) resort() {
	type entry struct {
		i   Interceptor
		seq int
	}
	entries := make([]entry, len(c.interceptors))
	for idx := range c.interceptors {
		entries[idx] = entry{c.interceptors[idx], c.seq[idx]}
	}
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].i.Priority() != entries[b].i.Priority() {
			return entries[a].i.Priority() > entries[b].i.Priority()
		}
		return entries[a].seq < entries[b].seq
	})
	for idx := range entries {
		c.interceptors[idx] = entries[idx].i
		c.seq[idx] = entries[idx].seq
	}
}

// snapshot returns a copy of the ordered interceptor list, safe to iterate
// without holding the chain's lock across interceptor calls (some may
// block on network I/O, so none may run while holding the lock).
func (c *Chain) snapshot() []Interceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Interceptor, len(c.interceptors))
	copy(out, c.interceptors)
	return out
}

// Run applies the chain to ic, filtering by predicate, applying in priority
// order, and short-circuiting on any action other than Continue/Modify. A
// Modify action replaces ic.Message for the remainder of the chain.
func (c *Chain) Run(ctx context.Context, ic *InterceptContext) (InterceptAction, error) {
	interceptors := c.snapshot()
	if len(interceptors) == 0 {
		return Continue(), nil
	}

	for _, i := range interceptors {
		if !i.ShouldIntercept(ic) {
			continue
		}

		action, err := i.Intercept(ctx, ic)
		if err != nil {
			return InterceptAction{}, err
		}

		action, err = c.resolve(ctx, action)
		if err != nil {
			return InterceptAction{}, err
		}
		c.recordAction(action.Kind)

		switch action.Kind {
		case ActionContinue:
			continue
		case ActionModify:
			ic.Message = action.Modified
			continue
		default:
			return action, nil
		}
	}

	c.recordAction(ActionContinue)
	return Continue(), nil
}

// recordAction invokes OnAction if set, the single point every resolved
// action passes through.
func (c *Chain) recordAction(kind ActionKind) {
	if c.OnAction != nil {
		c.OnAction(kind)
	}
}

// resolve fully evaluates Pause and Delay actions into a terminal
// Continue/Modify/Block/Mock action, so callers of Run never see Pause or
// Delay directly.
func (c *Chain) resolve(ctx context.Context, action InterceptAction) (InterceptAction, error) {
	for {
		switch action.Kind {
		case ActionDelay:
			select {
			case <-time.After(action.Delay):
			case <-ctx.Done():
				return InterceptAction{}, ctx.Err()
			}
			action = *action.Then

		case ActionPause:
			timeout := c.PauseTimeout
			if timeout <= 0 {
				timeout = 5 * time.Minute
			}
			select {
			case next, ok := <-action.ResumeHandle:
				if !ok {
					return Block("interceptor pause handle closed without a decision"), nil
				}
				action = next
			case <-time.After(timeout):
				return Block("interceptor pause timed out"), nil
			case <-ctx.Done():
				return InterceptAction{}, ctx.Err()
			}

		default:
			return action, nil
		}
	}
}
