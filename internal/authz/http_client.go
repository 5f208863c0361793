package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/metrics"
)

// HTTPAuthorizer calls an external authorization service per audience,
// presenting a freshly-signed id_token and wrapping every call in its own
// circuit breaker, grounded on pkg/gateway's per-backend breaker pattern
// (one breaker per audience here instead of per backend id).
type HTTPAuthorizer struct {
	signer   *IDTokenSigner
	policies map[string]AudiencePolicy
	breakers map[string]*gobreaker.CircuitBreaker
	client   *http.Client
}

// NewHTTPAuthorizer builds an HTTPAuthorizer with one breaker per
// configured audience.
func NewHTTPAuthorizer(signer *IDTokenSigner, policies map[string]AudiencePolicy) *HTTPAuthorizer {
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(policies))
	for audience := range policies {
		aud := audience
		breakers[aud] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "authz:" + aud,
			MaxRequests: 3,
			Interval:    1 * time.Minute,
			Timeout:     10 * time.Second,
			OnStateChange: func(name string, from, to gobreaker.State) {
				var stateVal float64
				switch to {
				case gobreaker.StateClosed:
					stateVal = 0
				case gobreaker.StateOpen:
					stateVal = 1
				case gobreaker.StateHalfOpen:
					stateVal = 2
				}
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateVal)
			},
		})
	}

	return &HTTPAuthorizer{
		signer:   signer,
		policies: policies,
		breakers: breakers,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

type authzRequest struct {
	Subject string `json:"subject"`
	Object  string `json:"object"`
	Action  string `json:"action"`
}

type authzResponse struct {
	Allowed  bool  `json:"allowed"`
	TTLSecs  int64 `json:"ttl_seconds,omitempty"`
}

func (a *HTTPAuthorizer) Authorize(ctx context.Context, audience, subject, object, action string) (time.Duration, error) {
	policy, ok := a.policies[audience]
	if !ok || policy.URL == "" {
		return 0, fmt.Errorf("authz: no policy configured for audience %q", audience)
	}

	breaker := a.breakers[audience]
	timeout := policy.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	idToken, err := a.signer.Sign(audience, timeout)
	if err != nil {
		return 0, fmt.Errorf("authz: sign id_token: %w", err)
	}

	result, err := breaker.Execute(func() (interface{}, error) {
		return a.call(ctx, policy.URL, idToken, subject, object, action, timeout)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState {
			metrics.CircuitBreakerFailures.WithLabelValues("authz:" + audience).Inc()
			logging.Warn(ctx, "authz circuit breaker open, denying by default")
			return 0, ErrForbidden
		}
		return 0, err
	}

	resp := result.(*authzResponse)
	if !resp.Allowed {
		return 0, ErrForbidden
	}
	return time.Duration(resp.TTLSecs) * time.Second, nil
}

func (a *HTTPAuthorizer) call(ctx context.Context, url, idToken, subject, object, action string, timeout time.Duration) (*authzResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(authzRequest{Subject: subject, Object: object, Action: action})
	if err != nil {
		return nil, fmt.Errorf("marshal authz request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build authz request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+idToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authz request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("authz service returned %d", resp.StatusCode)
	}

	var out authzResponse
	if resp.StatusCode == http.StatusForbidden {
		return &authzResponse{Allowed: false}, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode authz response: %w", err)
	}
	return &out, nil
}
