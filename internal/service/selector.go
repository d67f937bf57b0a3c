package service

import (
	"errors"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/shadowcat-mcp/shadowcat/internal/domain/upstream"
)

// ErrNoHealthyUpstream is returned when every configured upstream is
// disabled or unhealthy.
var ErrNoHealthyUpstream = errors.New("service: no healthy upstream available")

// Strategy is an Upstream Selector policy.
type Strategy string

const (
	// StrategyRoundRobin cycles through healthy upstreams in order.
	StrategyRoundRobin Strategy = "round_robin"
	// StrategyWeighted picks among healthy upstreams biased by Weight.
	StrategyWeighted Strategy = "weighted"
	// StrategySessionAffinity hashes the session ID into the healthy
	// set so the same session always lands on the same member, so long
	// as that member stays healthy.
	StrategySessionAffinity Strategy = "session_affinity"
)

// Selector chooses an upstream for a session's first request. Once
// chosen, the Session Manager stamps the session's sticky UpstreamID and
// the selector is never consulted again for that session.
type Selector struct {
	store    upstream.UpstreamStore
	strategy Strategy

	mu   sync.Mutex
	next int // round-robin cursor
}

// NewSelector creates a Selector over store using strategy.
func NewSelector(store upstream.UpstreamStore, strategy Strategy) *Selector {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	return &Selector{store: store, strategy: strategy}
}

func healthy(all []upstream.Upstream) []upstream.Upstream {
	out := make([]upstream.Upstream, 0, len(all))
	for _, u := range all {
		if u.Enabled && u.Healthy {
			out = append(out, u)
		}
	}
	return out
}

// Select picks an upstream for sessionID from the currently healthy set.
func (s *Selector) Select(all []upstream.Upstream, sessionID string) (*upstream.Upstream, error) {
	candidates := healthy(all)
	if len(candidates) == 0 {
		return nil, ErrNoHealthyUpstream
	}

	switch s.strategy {
	case StrategySessionAffinity:
		h := xxhash.Sum64String(sessionID)
		idx := int(h % uint64(len(candidates)))
		u := candidates[idx]
		return &u, nil

	case StrategyWeighted:
		total := 0
		for _, u := range candidates {
			total += weightOf(u)
		}
		h := xxhash.Sum64String(sessionID)
		target := int(h % uint64(total))
		acc := 0
		for _, u := range candidates {
			acc += weightOf(u)
			if target < acc {
				u := u
				return &u, nil
			}
		}
		u := candidates[len(candidates)-1]
		return &u, nil

	default: // StrategyRoundRobin
		s.mu.Lock()
		idx := s.next % len(candidates)
		s.next++
		s.mu.Unlock()
		u := candidates[idx]
		return &u, nil
	}
}

func weightOf(u upstream.Upstream) int {
	if u.Weight <= 0 {
		return 1
	}
	return u.Weight
}
