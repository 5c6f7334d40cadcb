package engine

import (
	"fmt"
	"strings"
	"time"
)

// Policy governs whether and how long a kind's values are cached, and when a
// refresh is triggered.
type Policy int

const (
	// NoCache always fetches live and never persists.
	NoCache Policy = iota + 1
	// CacheThenRefresh serves any persisted value first, then refreshes live
	// once the cached copy has expired.
	CacheThenRefresh
	// ValidCacheOnly uses a persisted value only while it is unexpired.
	ValidCacheOnly
	// AutoRefresh behaves like CacheThenRefresh and also refreshes values in
	// the background as soon as they expire.
	AutoRefresh
	// Forever never expires a value once it has been loaded.
	Forever
)

const (
	// DefaultDuration applies when a policy leaves Duration unset.
	DefaultDuration = 300 * time.Second
	// ForeverDuration is the cache duration used by the Forever policy.
	ForeverDuration = 100 * 365 * 24 * time.Hour
)

var policyNames = map[Policy]string{
	NoCache:          "NoCache",
	CacheThenRefresh: "CacheThenRefresh",
	ValidCacheOnly:   "ValidCacheOnly",
	AutoRefresh:      "AutoRefresh",
	Forever:          "Forever",
}

func (p Policy) String() string {
	if s, ok := policyNames[p]; ok {
		return s
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy accepts a policy name in any case.
func ParsePolicy(s string) (Policy, error) {
	for p, name := range policyNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown cache policy %q", s)
}

// CachePolicy pairs a Policy with how long a loaded value stays valid.
// The zero value means CacheThenRefresh for DefaultDuration.
type CachePolicy struct {
	Policy   Policy
	Duration time.Duration
}

func (cp CachePolicy) String() string {
	return fmt.Sprintf("%s/%s", cp.Policy, cp.Duration)
}

func (cp CachePolicy) resolve() CachePolicy {
	if cp.Policy == 0 {
		cp.Policy = CacheThenRefresh
	}
	switch {
	case cp.Policy == NoCache:
		cp.Duration = 0
	case cp.Policy == Forever:
		cp.Duration = ForeverDuration
	case cp.Duration <= 0:
		cp.Duration = DefaultDuration
	}
	return cp
}
