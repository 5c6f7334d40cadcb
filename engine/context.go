package engine

import (
	"fmt"

	"github.com/briangreenhill/refreshcache/cache"
)

// LoadContext identifies the value a kind should load. Two contexts are the
// same entry exactly when their unique keys match.
type LoadContext struct {
	identity any
	key      string
}

// NewLoadContext wraps identity. The identity is fixed for the context's
// lifetime.
func NewLoadContext(identity any) (LoadContext, error) {
	if identity == nil {
		return LoadContext{}, ErrNilIdentity
	}
	return LoadContext{identity: identity, key: fmt.Sprint(identity)}, nil
}

// Identity returns the value the context was built from.
func (lc LoadContext) Identity() any { return lc.identity }

// UniqueKey is the string form of the identity.
func (lc LoadContext) UniqueKey() string { return lc.key }

// UniqueName returns the persisted record name for kind.
func (lc LoadContext) UniqueName(kind string) string {
	return cache.UniqueName(kind, lc.key)
}

func (lc LoadContext) String() string { return lc.key }
