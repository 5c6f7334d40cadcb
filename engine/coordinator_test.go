package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func inlineCoordinator(p Policy) (*coordinator, *[]error) {
	var unhandled []error
	c := newCoordinator(p, func(fn func()) { fn() }, func(err error) { unhandled = append(unhandled, err) })
	return c, &unhandled
}

func TestCoordinatorHoldsLiveWhileCacheActive(t *testing.T) {
	c, _ := inlineCoordinator(CacheThenRefresh)
	var got []string
	c.subscribe(func() { got = append(got, "ok") }, func(err error) { got = append(got, "err:"+err.Error()) })

	c.register(slotCache)
	c.register(slotLive)

	c.failure(slotLive, errors.New("live"))
	assert.Empty(t, got, "live result must wait for the cache read")

	c.success(slotCache)
	assert.Equal(t, []string{"ok", "err:live"}, got)
	assert.Zero(t, c.pending())
	assert.Zero(t, c.activeCount())
}

func TestCoordinatorReleasesImmediatelyForOtherPolicies(t *testing.T) {
	for _, p := range []Policy{NoCache, ValidCacheOnly, AutoRefresh, Forever} {
		t.Run(p.String(), func(t *testing.T) {
			c, _ := inlineCoordinator(p)
			var got []string
			c.subscribe(func() { got = append(got, "ok") }, func(err error) { got = append(got, err.Error()) })
			c.register(slotCache)
			c.register(slotLive)

			c.failure(slotLive, errors.New("live"))
			assert.Equal(t, []string{"live"}, got)
			assert.Equal(t, 1, c.pending(), "subscriber waits for the cache slot")

			c.success(slotCache)
			assert.Equal(t, []string{"live", "ok"}, got)
			assert.Zero(t, c.pending())
		})
	}
}

func TestCoordinatorUnhandledError(t *testing.T) {
	c, unhandled := inlineCoordinator(CacheThenRefresh)
	called := false
	c.subscribe(func() { called = true }, nil)

	boom := errors.New("boom")
	c.register(slotLive)
	c.failure(slotLive, boom)

	assert.False(t, called)
	assert.Equal(t, []error{boom}, *unhandled)
}

func TestCoordinatorDoesNotReplayToLateSubscribers(t *testing.T) {
	c, _ := inlineCoordinator(CacheThenRefresh)
	var first, late int
	c.subscribe(func() { first++ }, nil)
	c.register(slotLive)
	c.success(slotLive)

	c.subscribe(func() { late++ }, nil)
	c.unregister(slotCache)
	assert.Equal(t, 1, first)
	assert.Zero(t, late)
	assert.Equal(t, 1, c.pending())
}

func TestCoordinatorCountsRegistrations(t *testing.T) {
	c, _ := inlineCoordinator(Forever)
	c.register(slotLive)
	c.register(slotLive)
	c.unregister(slotLive)
	assert.Equal(t, 1, c.activeCount())
	c.unregister(slotLive)
	c.unregister(slotLive)
	assert.Zero(t, c.activeCount())
}

func TestCoordinatorUnsubscribe(t *testing.T) {
	c, _ := inlineCoordinator(Forever)
	called := false
	id := c.subscribe(func() { called = true }, nil)
	c.unsubscribe(id)
	c.success(slotNone)
	assert.False(t, called)
}
