package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/signal"
)

func newTestClient(t *testing.T) (*Client, *bus.Service, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	return NewClient(svc), svc, mr
}

func TestClient_Attach_PublishesToBackendInbound(t *testing.T) {
	client, svc, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	backendID := uuid.New()
	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, bus.BackendInbound(backendID.String()))
	defer func() { _ = sub.Close() }()

	require.NoError(t, client.Attach(ctx, backendID, 42, "tok-1"))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, string(RequestAttach), env.Properties.Method)

	var payload attachPayload
	require.NoError(t, env.Unmarshal(&payload))
	assert.Equal(t, "janus.plugin.conference", payload.Plugin)
	assert.Equal(t, int64(42), payload.SessionID)
	assert.Equal(t, "tok-1", payload.Transaction)
}

func TestClient_Message_RoutesTrickleSeparately(t *testing.T) {
	client, svc, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	backendID := uuid.New()
	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, bus.BackendInbound(backendID.String()))
	defer func() { _ = sub.Close() }()

	out := &signal.Outgoing{
		Method:      signal.MethodTrickle,
		Transaction: "tok-2",
		Connection:  signal.Connection{BackendID: backendID, SessionID: 1, HandleID: 2},
		Jsep:        json.RawMessage(`{"candidate":"c"}`),
	}
	require.NoError(t, client.Message(ctx, out))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, string(RequestTrickle), env.Properties.Method)
}

func TestClient_Message_StreamCreate(t *testing.T) {
	client, svc, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	backendID := uuid.New()
	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, bus.BackendInbound(backendID.String()))
	defer func() { _ = sub.Close() }()

	out := &signal.Outgoing{
		Method:      signal.MethodStreamCreate,
		Transaction: "tok-3",
		Connection:  signal.Connection{BackendID: backendID, SessionID: 1, HandleID: 2},
		Jsep:        json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	}
	require.NoError(t, client.Message(ctx, out))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, string(RequestMessage), env.Properties.Method)

	var payload messagePayload
	require.NoError(t, env.Unmarshal(&payload))
	assert.Equal(t, signal.MethodStreamCreate, payload.Body.Method)
}

func TestClient_Detach(t *testing.T) {
	client, svc, mr := newTestClient(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	backendID := uuid.New()
	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, bus.BackendInbound(backendID.String()))
	defer func() { _ = sub.Close() }()

	require.NoError(t, client.Detach(ctx, backendID, 1, 2, "tok-4"))

	msg, err := sub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var env bus.Envelope
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
	assert.Equal(t, string(RequestDetach), env.Properties.Method)
}

// TestClient_CircuitBreakerOpensPerBackend mirrors pkg/sfu's breaker test:
// it drives enough consecutive failures against one backend to trip its
// breaker, then confirms a second, healthy backend is unaffected.
func TestClient_CircuitBreakerOpensPerBackend(t *testing.T) {
	client, svc, mr := newTestClient(t)
	defer func() { _ = svc.Close() }()

	failingBackend := uuid.New()
	healthyBackend := uuid.New()
	ctx := context.Background()

	mr.Close() // every publish to the real redis conn now fails

	var lastErr error
	for i := 0; i < 5; i++ {
		lastErr = client.Attach(ctx, failingBackend, 1, "tok")
	}
	assert.ErrorIs(t, lastErr, ErrBackendUnavailable)

	// A distinct backend id has its own breaker and is not short-circuited
	// by the failing one, even though the underlying bus is still down.
	err := client.Attach(ctx, healthyBackend, 1, "tok")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrBackendUnavailable)
}
