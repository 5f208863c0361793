// Package gateway publishes signaling decisions as outgoing backend
// requests over the bus, guarding each backend behind its own circuit
// breaker so one wedged backend cannot starve requests to the rest.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/metrics"
	"github.com/netology-group/conference-broker/internal/signal"
)

// ErrBackendUnavailable is returned when a backend's circuit breaker is
// open and the request was dropped rather than published.
var ErrBackendUnavailable = errors.New("gateway: backend circuit breaker open")

// RequestKind names the four outgoing backend request shapes §6 defines.
type RequestKind string

const (
	RequestAttach  RequestKind = "attach"
	RequestMessage RequestKind = "message"
	RequestTrickle RequestKind = "trickle"
	RequestDetach  RequestKind = "detach"
)

// pluginConference is the janus plugin name every attach request names,
// per §6's "{janus:\"attach\", plugin:\"janus.plugin.conference\", ...}".
const pluginConference = "janus.plugin.conference"

// attachPayload is the body of an "attach" request.
type attachPayload struct {
	Plugin      string `json:"plugin"`
	SessionID   int64  `json:"session_id"`
	Transaction string `json:"transaction"`
}

// messagePayload is the body of a "message" request.
type messagePayload struct {
	SessionID   int64           `json:"session_id"`
	HandleID    int64           `json:"handle_id"`
	Body        messageBody     `json:"body"`
	Jsep        json.RawMessage `json:"jsep,omitempty"`
	Transaction string          `json:"transaction"`
}

type messageBody struct {
	Method signal.BackendMethod `json:"method"`
}

// tricklePayload is the body of a "trickle" request.
type tricklePayload struct {
	SessionID   int64           `json:"session_id"`
	HandleID    int64           `json:"handle_id"`
	Candidate   json.RawMessage `json:"candidate"`
	Transaction string          `json:"transaction"`
}

// detachPayload is the body of a "detach" request.
type detachPayload struct {
	SessionID   int64  `json:"session_id"`
	HandleID    int64  `json:"handle_id"`
	Transaction string `json:"transaction"`
}

// Client publishes backend requests over the bus, holding one circuit
// breaker per backend id so a single failing backend degrades in
// isolation.
type Client struct {
	publisher publisher

	mu       sync.Mutex
	breakers map[uuid.UUID]*gobreaker.CircuitBreaker
}

// publisher is the subset of *bus.Service the gateway depends on, so tests
// can exercise it against a real bus.Service backed by miniredis without
// needing a mock.
type publisher interface {
	Publish(ctx context.Context, topic string, env *bus.Envelope) error
}

// NewClient builds a Client publishing through svc.
func NewClient(svc publisher) *Client {
	return &Client{
		publisher: svc,
		breakers:  make(map[uuid.UUID]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(backendID uuid.UUID) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cb, ok := c.breakers[backendID]; ok {
		return cb
	}

	name := breakerName(backendID)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    1 * time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
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
	c.breakers[backendID] = cb
	return cb
}

func breakerName(backendID uuid.UUID) string {
	return "backend:" + backendID.String()
}

func (c *Client) publish(ctx context.Context, backendID uuid.UUID, method string, payload any) error {
	cb := c.breakerFor(backendID)
	name := breakerName(backendID)

	_, err := cb.Execute(func() (interface{}, error) {
		env, err := bus.NewRequest(method, "", "", "", payload)
		if err != nil {
			return nil, fmt.Errorf("gateway: build envelope: %w", err)
		}
		return nil, c.publisher.Publish(ctx, bus.BackendInbound(backendID.String()), env)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerFailures.WithLabelValues(name).Inc()
			slog.Warn("gateway circuit breaker open, dropping request", "backend_id", backendID, "method", method)
			return ErrBackendUnavailable
		}
		return fmt.Errorf("gateway: publish %s: %w", method, err)
	}
	return nil
}

// Attach sends an "attach" request creating a new plugin handle within an
// already-established backend session.
func (c *Client) Attach(ctx context.Context, backendID uuid.UUID, sessionID int64, transaction string) error {
	return c.publish(ctx, backendID, string(RequestAttach), attachPayload{
		Plugin:      pluginConference,
		SessionID:   sessionID,
		Transaction: transaction,
	})
}

// Message publishes the outgoing request signal.Decide produced: a
// stream.create/stream.read "message", or a "trickle", depending on
// out.Method.
func (c *Client) Message(ctx context.Context, out *signal.Outgoing) error {
	if out.Method == signal.MethodTrickle {
		return c.publish(ctx, out.Connection.BackendID, string(RequestTrickle), tricklePayload{
			SessionID:   out.Connection.SessionID,
			HandleID:    out.Connection.HandleID,
			Candidate:   out.Jsep,
			Transaction: out.Transaction,
		})
	}

	return c.publish(ctx, out.Connection.BackendID, string(RequestMessage), messagePayload{
		SessionID:   out.Connection.SessionID,
		HandleID:    out.Connection.HandleID,
		Body:        messageBody{Method: out.Method},
		Jsep:        out.Jsep,
		Transaction: out.Transaction,
	})
}

// WriterConfigUpdate and ReaderConfigUpdate publish the config-mutation
// "message" requests (§6), which carry no jsep.
func (c *Client) WriterConfigUpdate(ctx context.Context, backendID uuid.UUID, sessionID, handleID int64, transaction string) error {
	return c.publish(ctx, backendID, string(RequestMessage), messagePayload{
		SessionID:   sessionID,
		HandleID:    handleID,
		Body:        messageBody{Method: "writer_config.update"},
		Transaction: transaction,
	})
}

func (c *Client) ReaderConfigUpdate(ctx context.Context, backendID uuid.UUID, sessionID, handleID int64, transaction string) error {
	return c.publish(ctx, backendID, string(RequestMessage), messagePayload{
		SessionID:   sessionID,
		HandleID:    handleID,
		Body:        messageBody{Method: "reader_config.update"},
		Transaction: transaction,
	})
}

// AgentLeave publishes the "message" request telling the backend an agent
// is voluntarily leaving its rtc.
func (c *Client) AgentLeave(ctx context.Context, backendID uuid.UUID, sessionID, handleID int64, transaction string) error {
	return c.publish(ctx, backendID, string(RequestMessage), messagePayload{
		SessionID:   sessionID,
		HandleID:    handleID,
		Body:        messageBody{Method: "agent.leave"},
		Transaction: transaction,
	})
}

// Detach sends a "detach" request tearing down a plugin handle.
func (c *Client) Detach(ctx context.Context, backendID uuid.UUID, sessionID, handleID int64, transaction string) error {
	return c.publish(ctx, backendID, string(RequestDetach), detachPayload{
		SessionID:   sessionID,
		HandleID:    handleID,
		Transaction: transaction,
	})
}
