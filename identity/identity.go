// Package identity resolves actor ids to identities with roles.
package identity

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/songzhibin97/bizflow/types"
)

// ErrUnknownActor is returned when an actor id cannot be resolved.
var ErrUnknownActor = errors.New("unknown actor")

// Provider supplies actor identity and role memberships.
type Provider interface {
	Resolve(ctx context.Context, actorID string) (types.Actor, error)
}

// StaticProvider resolves actors from a fixed table.
type StaticProvider struct {
	mu     sync.RWMutex
	roles  map[string][]string
	strict bool
}

// NewStaticProvider creates a provider from actor id to roles. A non-strict
// provider resolves unknown ids to an actor without roles.
func NewStaticProvider(roles map[string][]string, strict bool) *StaticProvider {
	p := &StaticProvider{roles: make(map[string][]string, len(roles)), strict: strict}
	for id, r := range roles {
		p.roles[id] = append([]string(nil), r...)
	}
	return p
}

// Grant adds roles to an actor.
func (p *StaticProvider) Grant(actorID string, roles ...string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.roles[actorID] = append(p.roles[actorID], roles...)
}

// Resolve implements Provider.
func (p *StaticProvider) Resolve(ctx context.Context, actorID string) (types.Actor, error) {
	if actorID == "" {
		return types.Actor{}, fmt.Errorf("%w: empty id", ErrUnknownActor)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	roles, ok := p.roles[actorID]
	if !ok && p.strict {
		return types.Actor{}, fmt.Errorf("%w: %s", ErrUnknownActor, actorID)
	}
	return types.Actor{ID: actorID, Roles: append([]string(nil), roles...)}, nil
}

var _ Provider = (*StaticProvider)(nil)
