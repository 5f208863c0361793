// Package dispatcher is the request dispatcher: it decodes an inbound bus
// envelope, authenticates the caller's agent identity, enforces the
// per-method rate limit, routes to a typed handler by method name, and
// converts the handler's result (or error) into a unicast response
// envelope. Grounded on the teacher's gin route table
// (router.Group("/ws"), one gin.HandlerFunc per method), generalized from
// HTTP verbs to bus methods.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/authz"
	"github.com/netology-group/conference-broker/internal/backendmgr"
	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/metrics"
	"github.com/netology-group/conference-broker/internal/ratelimit"
	"github.com/netology-group/conference-broker/internal/signal"
	"github.com/netology-group/conference-broker/internal/store"
)

// Deps are every persistence/transport/policy port a handler may need.
// Individual handler files narrow this down to the fields they use.
type Deps struct {
	Rooms         store.RoomQueries
	Rtcs          store.RtcQueries
	Streams       store.StreamQueries
	Agents        store.AgentQueries
	Backends      store.BackendQueries
	Recordings    store.RecordingQueries
	ReaderConfigs store.ReaderConfigQueries
	WriterConfigs store.WriterConfigQueries

	BackendMgr *backendmgr.Manager

	Bus interface {
		Publish(ctx context.Context, topic string, env *bus.Envelope) error
	}

	Authz     authz.Authorizer
	RateLimit *ratelimit.RateLimiter

	// Label is this broker's own agent_label, stamped on broadcast events.
	Label string
}

// Request is one decoded inbound call, passed to every Handler.
type Request struct {
	Method          string
	Agent           signal.AgentIdentity
	ResponseTopic   string
	CorrelationData string
	Payload         json.RawMessage
}

// Handler implements one dispatcher method. A non-nil *apperr.Error short
// circuits to the error response path; otherwise the returned value is
// marshaled as the response payload. Returning Deferred suppresses the
// immediate response entirely — the handler has registered its own
// completion (via internal/backendmgr's transaction table) and the caller
// will be answered later, asynchronously, when the backend acks.
type Handler func(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error)

// deferredMarker is Deferred's concrete type.
type deferredMarker struct{}

// Deferred is the sentinel a Handler returns in place of a payload when it
// has handed the response off to an asynchronous completion (rtc.connect's
// attach, rtc_signal.create's stream.create/stream.read/trickle).
var Deferred = deferredMarker{}

// Dispatcher routes decoded envelopes to their Handler by method name.
type Dispatcher struct {
	deps    Deps
	methods map[string]Handler
}

// New builds a Dispatcher wired over deps with the full SPEC_FULL §4.4
// method surface registered.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{deps: deps}
	d.methods = map[string]Handler{
		"room.create": handleRoomCreate,
		"room.read":   handleRoomRead,
		"room.update": handleRoomUpdate,
		"room.enter":  handleRoomEnter,
		"room.leave":  handleRoomLeave,
		"room.close":  handleRoomClose,

		"rtc.create":  handleRtcCreate,
		"rtc.read":    handleRtcRead,
		"rtc.list":    handleRtcList,
		"rtc.connect": handleRtcConnect,

		"rtc_signal.create": handleRtcSignalCreate,

		"rtc_stream.list": handleRtcStreamList,

		"rtc_reader_config.upsert": handleRtcReaderConfigUpsert,
		"rtc_writer_config.upsert": handleRtcWriterConfigUpsert,

		"message.broadcast": handleMessageBroadcast,
		"message.unicast":   handleMessageUnicast,

		"agent.list": handleAgentList,

		"system.vacuum":              handleSystemVacuum,
		"system.upload":              handleSystemUpload,
		"system.close_orphaned_rooms": handleSystemCloseOrphanedRooms,

		"subscription.create": handleSubscriptionCreate,
		"subscription.delete": handleSubscriptionDelete,
	}
	return d
}

// parseAgentIdentity splits the envelope's flat "label.account.audience"
// agent id back into its triple. The audience itself may contain dots (it
// is a DNS-like namespace), so only the first two components are peeled
// off the front.
func parseAgentIdentity(raw string) (signal.AgentIdentity, error) {
	parts := strings.SplitN(raw, ".", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return signal.AgentIdentity{}, fmt.Errorf("dispatcher: malformed agent id %q", raw)
	}
	return signal.AgentIdentity{Label: parts[0], AccountLabel: parts[1], Audience: parts[2]}, nil
}

// Handle runs the full decode → authenticate → rate-limit → route →
// respond lifecycle for one inbound request envelope. Returns nil when the
// handler deferred its response (see Deferred) — the caller should publish
// nothing in that case, since a later backend ack will complete the
// request through internal/backendmgr instead.
func (d *Dispatcher) Handle(ctx context.Context, env *bus.Envelope) *bus.Envelope {
	method := env.Properties.Method
	start := time.Now()
	defer func() {
		metrics.DispatcherDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
	}()

	correlationData := env.Properties.CorrelationData

	agent, err := parseAgentIdentity(env.Properties.AgentID)
	if err != nil {
		return d.respond(ctx, method, correlationData, nil, apperr.New(apperr.KindAuthenticationFailed, "malformed agent identity", err))
	}

	handler, ok := d.methods[method]
	if !ok {
		return d.respond(ctx, method, correlationData, nil, apperr.New(apperr.KindBadRequest, fmt.Sprintf("unknown method %q", method), nil))
	}

	if d.deps.RateLimit != nil {
		allowed, rlErr := d.deps.RateLimit.Allow(ctx, method, agent.String())
		if rlErr == nil && !allowed {
			return d.respond(ctx, method, correlationData, nil, apperr.New(apperr.KindRateLimitExceeded, "rate limit exceeded", nil))
		}
	}

	req := &Request{
		Method:          method,
		Agent:           agent,
		ResponseTopic:   env.Properties.ResponseTopic,
		CorrelationData: correlationData,
		Payload:         env.Payload,
	}

	payload, appErr := handler(ctx, d, req)
	if appErr == nil {
		if _, deferred := payload.(deferredMarker); deferred {
			metrics.DispatcherRequests.WithLabelValues(method, "202").Inc()
			return nil
		}
	}
	return d.respond(ctx, method, correlationData, payload, appErr)
}

// respond builds the outgoing response envelope, recording metrics and
// mirroring to the error sink per §7 for statuses 422, 424, and ≥500.
func (d *Dispatcher) respond(ctx context.Context, method, correlationData string, payload any, appErr *apperr.Error) *bus.Envelope {
	status := 200
	if appErr != nil {
		status = apperr.Status(appErr.Kind)
		payload = apperr.Problem{Type: string(appErr.Kind), Title: appErr.Title, Status: status}
		if apperr.ShouldMirrorToSink(appErr.Kind) {
			logging.Error(ctx, "dispatcher: request failed",
				zap.String("method", method),
				zap.String("correlation_data", correlationData),
				zap.String("kind", string(appErr.Kind)),
				zap.Error(appErr))
		}
	}

	metrics.DispatcherRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()

	env, err := bus.NewResponse(status, correlationData, payload)
	if err != nil {
		logging.Error(ctx, "dispatcher: build response envelope", zap.Error(err))
		env, _ = bus.NewResponse(500, correlationData, apperr.Problem{Type: "general", Title: "failed to build response", Status: 500})
	}
	return env
}

// decodePayload unmarshals req.Payload into v, wrapping any failure as a
// BadRequest — every handler's first line.
func decodePayload(req *Request, v any) *apperr.Error {
	if len(req.Payload) == 0 {
		return apperr.New(apperr.KindBadRequest, "missing request payload", nil)
	}
	if err := json.Unmarshal(req.Payload, v); err != nil {
		return apperr.New(apperr.KindBadRequest, "malformed request payload", err)
	}
	return nil
}

// clampLimitPtr applies store.ClampLimit's absent/explicit-zero/over-25
// boundary rule to an optional request field.
func clampLimitPtr(limit *int) int {
	if limit == nil {
		return store.ClampLimit(0, true)
	}
	return store.ClampLimit(*limit, false)
}

// authorize is the shared authz hook every handler calls before mutating
// or reading domain state. A nil Authorizer (SkipAuthz) permits everything.
func (d *Dispatcher) authorize(ctx context.Context, audience, subject, object, action string) *apperr.Error {
	if d.deps.Authz == nil {
		return nil
	}
	if _, err := d.deps.Authz.Authorize(ctx, audience, subject, object, action); err != nil {
		return apperr.New(apperr.KindAccessDenied, fmt.Sprintf("%s may not %s %s", subject, action, object), err)
	}
	return nil
}

// broadcastRoomEvent publishes a room-scoped notification envelope,
// stamped with this broker's own label.
func (d *Dispatcher) broadcastRoomEvent(ctx context.Context, roomID, method string, payload any) {
	if d.deps.Bus == nil {
		return
	}
	env, err := bus.NewEvent(d.deps.Label, payload)
	if err != nil {
		logging.Error(ctx, "dispatcher: build broadcast event", zap.Error(err))
		return
	}
	env.Properties.Method = method
	if err := d.deps.Bus.Publish(ctx, bus.RoomEvents(roomID), env); err != nil {
		logging.Error(ctx, "dispatcher: publish room event", zap.Error(err))
	}
}
