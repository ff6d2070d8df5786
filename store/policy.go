// Package store provides token and quota backends for github.com/jassus213/go-token-gate.
//
// Currently supported backends:
//   - MemoryStore: in-memory store for single-instance applications and tests
//   - RedisStore: Redis-based store for distributed applications
//   - SQLStore: database/sql store for SQLite and MySQL
//
// BreakerStore wraps any of them with a circuit breaker.
//
// Stores implement the tokengate.Store interface. Budgets are fixed per token;
// no store resets quotas over time.
//
// Example usage:
//
//	st := store.NewMemory(
//	    store.WithPolicies(tokengate.Policy{Name: "free", Limit: 10, MaxTokens: 3}),
//	)
//	gate := tokengate.NewConsumptionGate(st)
package store

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	tokengate "github.com/jassus213/go-token-gate"
)

// Options configures a store.
type Options struct {
	Policies      []tokengate.Policy
	DefaultPolicy string
	// Prefix namespaces Redis keys. Other stores ignore it.
	Prefix string
}

// Option is a functional option for stores.
type Option func(*Options)

// WithPolicies registers policies. Later policies with the same name win.
func WithPolicies(p ...tokengate.Policy) Option {
	return func(o *Options) { o.Policies = append(o.Policies, p...) }
}

// WithDefaultPolicy names the policy used when an identity carries none.
func WithDefaultPolicy(name string) Option {
	return func(o *Options) { o.DefaultPolicy = name }
}

// WithPrefix sets the Redis key prefix. Default "tokengate".
func WithPrefix(prefix string) Option {
	return func(o *Options) {
		if prefix != "" {
			o.Prefix = prefix
		}
	}
}

func newOptions(opts ...Option) Options {
	o := Options{Prefix: "tokengate"}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// policies is a concurrency-safe policy registry shared by all stores.
type policies struct {
	mu       sync.RWMutex
	byName   map[string]tokengate.Policy
	fallback string
}

func newPolicies(o Options) *policies {
	p := &policies{byName: make(map[string]tokengate.Policy, len(o.Policies)), fallback: o.DefaultPolicy}
	for _, pol := range o.Policies {
		p.byName[pol.Name] = pol
	}
	return p
}

func (p *policies) set(pol tokengate.Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byName[pol.Name] = pol
}

// resolve picks the policy for a create call.
func (p *policies) resolve(name string) (tokengate.Policy, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if name == "" {
		name = p.fallback
	}
	if name == "" {
		return tokengate.Policy{}, tokengate.NewError(tokengate.KindPolicy, "No policy was provided", nil)
	}
	pol, ok := p.byName[name]
	if !ok {
		return tokengate.Policy{}, tokengate.NewError(tokengate.KindPolicy,
			fmt.Sprintf("Policy %q does not exist", name), nil)
	}
	return pol, nil
}

func maxTokensError(pol tokengate.Policy) error {
	return tokengate.NewError(tokengate.KindPolicy,
		fmt.Sprintf("Max tokens (%d) reached for policy %q", pol.MaxTokens, pol.Name), nil)
}

// newToken returns a 32 character lowercase hex token.
func newToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func copyAttributes(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// initialRecord builds a fresh record. Timestamps are kept at millisecond
// precision so every backend round-trips them unchanged.
func initialRecord(id tokengate.Identity, pol tokengate.Policy) tokengate.TokenRecord {
	rec := tokengate.TokenRecord{
		CreatedAt:  time.UnixMilli(time.Now().UnixMilli()).UTC(),
		Token:      newToken(),
		OwnerID:    id.OwnerID,
		PolicyName: pol.Name,
		Count:      pol.Count,
		Attributes: copyAttributes(id.Attributes),
	}
	if !pol.Count {
		rec.Limit = pol.Limit
		rec.Remaining = pol.Limit
	}
	return rec
}
