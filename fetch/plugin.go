package fetch

import (
	"errors"

	"github.com/briangreenhill/refreshcache/engine"
	"github.com/briangreenhill/refreshcache/plugins"
)

// KindName is the name the resource kind is registered under.
const KindName = "resource"

// Plugin installs the resource kind into a Manager.
type Plugin struct {
	client *Client
	policy engine.CachePolicy
	kind   *engine.Kind[Resource]
}

// NewPlugin creates a new resource plugin fetching through client.
func NewPlugin(client *Client, policy engine.CachePolicy) *Plugin {
	return &Plugin{
		client: client,
		policy: policy,
	}
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return KindName
}

// Install registers the resource kind.
func (p *Plugin) Install(m *engine.Manager) error {
	if p.client == nil {
		return errors.New("resource plugin: no client")
	}
	k, err := engine.Register(m, engine.Registration[Resource]{
		Name:      KindName,
		Policy:    p.policy,
		Fetch:     p.client.Fetcher(),
		Optimizer: Optimizer{},
	})
	if err != nil {
		return err
	}
	p.kind = k
	return nil
}

// Kind returns the installed kind, or nil before Install.
func (p *Plugin) Kind() *engine.Kind[Resource] {
	return p.kind
}

// Ensure Plugin implements the plugins.Plugin interface
var _ plugins.Plugin = (*Plugin)(nil)
