package server

import (
	"context"

	"github.com/anyhost/sv2relay/internal/client"
	"github.com/anyhost/sv2relay/internal/protocol"
	"github.com/anyhost/sv2relay/internal/roles"
)

// Proxy is an upstream to its downstreams and a downstream to its parent.
// Channel opens from every session are forwarded over the one parent
// connection, whose mapper keeps their request ids apart.
type Proxy struct {
	roles.BaseUpstream
	roles.HashRate

	registry *Registry
	upstream roles.Optional[*client.Upstream]
}

// NewProxy creates a proxy role. An absent upstream is allowed: the proxy
// still pairs downstreams but rejects their channel opens with no-upstream.
func NewProxy(base roles.BaseUpstream, registry *Registry, upstream roles.Optional[*client.Upstream]) *Proxy {
	return &Proxy{
		BaseUpstream: base,
		registry:     registry,
		upstream:     upstream,
	}
}

// Mapper returns the parent connection's mapper, if there is a parent.
func (p *Proxy) Mapper() (*roles.SharedMapper, bool) {
	u, ok := p.upstream.Get()
	if !ok {
		return nil, false
	}
	return u.Mapper(), true
}

func (p *Proxy) RemoteSelector() *Registry {
	return p.registry
}

// OpenChannel forwards req to the parent.
func (p *Proxy) OpenChannel(ctx context.Context, _ *Session, req *protocol.OpenStandardMiningChannel) (*protocol.OpenStandardMiningChannelSuccess, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	u, ok := p.upstream.Get()
	if !ok {
		return nil, protocol.ErrNoUpstream
	}
	if !u.Connected() {
		return nil, protocol.ErrUpstreamUnavailable
	}

	success, err := u.OpenChannel(ctx, req)
	if err != nil {
		return nil, err
	}
	p.AddHashRate(roles.NominalHashRate(req.NominalHashRate))
	return success, nil
}
