package authz

import (
	"context"
	"time"
)

// LocalAuthorizer grants unconditional access to subjects named in an
// audience's trusted_apps list, and denies everyone else. It has no network
// dependency: cmd/broker uses it when no audience configures a policy URL,
// skipping the external policy call (SKIP_AUTHZ, by contrast, disables
// authorization altogether with a nil Authorizer).
type LocalAuthorizer struct {
	policies map[string]AudiencePolicy
}

// NewLocalAuthorizer builds a LocalAuthorizer from the per-audience policy
// map assembled from configuration.
func NewLocalAuthorizer(policies map[string]AudiencePolicy) *LocalAuthorizer {
	return &LocalAuthorizer{policies: policies}
}

func (l *LocalAuthorizer) Authorize(ctx context.Context, audience, subject, object, action string) (time.Duration, error) {
	policy, ok := l.policies[audience]
	if !ok {
		return 0, ErrForbidden
	}
	for _, trusted := range policy.TrustedApps {
		if trusted == subject {
			return 0, nil
		}
	}
	return 0, ErrForbidden
}
