// Package provider implements the engine's policy-source contract
// (spec.md §4.7's policyProvider collaborator): Provider plus a Null
// default and a StaticProvider backed by a YAML document directory with
// fsnotify hot-reload, adapted from the teacher's policy.Loader.WatchConfig.
package provider

import (
	"context"

	"github.com/polyauthz/engine/internal/authz"
)

// Provider resolves the policies applicable to a context. GetPolicyByID and
// InvalidateCache are optional capabilities a provider may decline.
type Provider interface {
	GetPoliciesForContext(ctx context.Context, actx authz.Context) ([]authz.Policy, error)
	GetPolicyByID(ctx context.Context, id string) (authz.Policy, bool, error)
	InvalidateCache(clientID string)
}

// Null is a Provider that always returns an empty policy list (spec.md
// §4.7: "If no policy provider, the policy list is empty").
type Null struct{}

func (Null) GetPoliciesForContext(context.Context, authz.Context) ([]authz.Policy, error) {
	return nil, nil
}

func (Null) GetPolicyByID(context.Context, string) (authz.Policy, bool, error) {
	return authz.Policy{}, false, nil
}

func (Null) InvalidateCache(string) {}
