// Package authz implements the authorization port this broker calls before
// executing any dispatcher method: sign this service's own credential
// (id_token), then ask either a local trusted-app policy or an external
// authorization service whether (subject, object, action) is permitted for
// a given audience.
package authz

import (
	"context"
	"errors"
	"time"
)

// ErrForbidden is returned by an Authorizer when the action is not
// permitted. Dispatcher maps this to a 403 per §4.4/§7.
var ErrForbidden = errors.New("authz: forbidden")

// Authorizer decides whether subject may perform action on object within
// audience. A nil error and zero duration means "permitted indefinitely";
// a non-zero duration is the caller's authorization TTL (callers that cache
// the decision should not trust it past that point).
type Authorizer interface {
	Authorize(ctx context.Context, audience, subject, object, action string) (time.Duration, error)
}

// AudiencePolicy is the per-audience configuration an Authorizer
// implementation is built from (internal/config.AuthzAudienceConfig).
type AudiencePolicy struct {
	URL         string
	TrustedApps []string
	Timeout     time.Duration
}
