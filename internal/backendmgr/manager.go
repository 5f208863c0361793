package backendmgr

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/idgen"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/metrics"
	"github.com/netology-group/conference-broker/internal/signal"
	"github.com/netology-group/conference-broker/internal/store"
)

// Publisher is the subset of pkg/gateway.Client the manager depends on.
type Publisher interface {
	Attach(ctx context.Context, backendID uuid.UUID, sessionID int64, transaction string) error
	Message(ctx context.Context, out *signal.Outgoing) error
	Detach(ctx context.Context, backendID uuid.UUID, sessionID, handleID int64, transaction string) error
	WriterConfigUpdate(ctx context.Context, backendID uuid.UUID, sessionID, handleID int64, transaction string) error
	ReaderConfigUpdate(ctx context.Context, backendID uuid.UUID, sessionID, handleID int64, transaction string) error
	AgentLeave(ctx context.Context, backendID uuid.UUID, sessionID, handleID int64, transaction string) error
}

// Responder is the subset of *bus.Service used to deliver unicast
// responses and room broadcasts.
type Responder interface {
	Publish(ctx context.Context, topic string, env *bus.Envelope) error
}

// Deps are the manager's persistence and transport ports.
type Deps struct {
	Rtcs       store.RtcQueries
	Streams    store.StreamQueries
	Agents     store.AgentQueries
	Backends   store.BackendQueries
	Recordings store.RecordingQueries
	Gateway    Publisher
	Bus        Responder

	// Label is this broker's agent_label, stamped on every broadcast event
	// it publishes.
	Label string

	DefaultTimeout      time.Duration
	StreamUploadTimeout time.Duration
}

// Manager is the backend session manager: allocation, transaction
// bookkeeping and the asynchronous event reducer described in SPEC_FULL
// §4.3, generalized from the teacher's Hub (internal/v1/session/hub.go).
type Manager struct {
	deps  Deps
	table *Table
}

// New builds a Manager over deps.
func New(deps Deps) *Manager {
	return &Manager{deps: deps, table: NewTable()}
}

// Table exposes the transaction table for the watchdog loop and tests.
func (m *Manager) Table() *Table { return m.table }

// Attach publishes an "attach" request asking the backend for a new plugin
// handle, registering its transaction before the request leaves for the
// bus. The handle pool entry is allocated later, by OnAttachAck.
func (m *Manager) Attach(ctx context.Context, backendID uuid.UUID, sessionID int64, rtcID uuid.UUID, reqp signal.Reqp, responseTopic, correlationData string) error {
	token, err := signal.EncodeToken(signal.Token{CreateRtcHandle: &signal.CreateRtcHandle{
		RtcID: rtcID, SessionID: sessionID, Reqp: reqp,
	}})
	if err != nil {
		return fmt.Errorf("backendmgr: encode attach token: %w", err)
	}

	now := time.Now()
	m.table.Insert(&Transaction{
		ID:              idgen.Default.New(),
		Token:           token,
		Kind:            "CreateRtcHandle",
		Reqp:            reqp,
		ResponseTopic:   responseTopic,
		CorrelationData: correlationData,
		StartedAt:       now,
		SessionID:       sessionID,
		BackendID:       backendID,
		RtcID:           &rtcID,
		Deadline:        deadlineFor(now, "CreateRtcHandle", m.deps.DefaultTimeout, m.deps.StreamUploadTimeout),
	})

	if err := m.deps.Gateway.Attach(ctx, backendID, sessionID, token); err != nil {
		m.table.Retire(token)
		return fmt.Errorf("backendmgr: publish attach: %w", err)
	}
	return nil
}

// Dispatch publishes the outgoing request a signal.Decide call produced,
// registering its transaction first. Per §4.3/§5 ("Per RTC: writer-set
// update strictly precedes the outgoing CreateStream backend request"),
// the writer binding signal.Decide persists has already committed by the
// time this runs.
func (m *Manager) Dispatch(ctx context.Context, out *signal.Outgoing, rtcID uuid.UUID, responseTopic, correlationData string) error {
	tok, err := signal.DecodeToken(out.Transaction)
	if err != nil {
		return fmt.Errorf("backendmgr: decode outgoing token: %w", err)
	}

	now := time.Now()
	m.table.Insert(&Transaction{
		ID:              idgen.Default.New(),
		Token:           out.Transaction,
		Kind:            tok.Kind(),
		Reqp:            tok.ReqpOf(),
		ResponseTopic:   responseTopic,
		CorrelationData: correlationData,
		StartedAt:       now,
		SessionID:       out.Connection.SessionID,
		BackendID:       out.Connection.BackendID,
		RtcID:           &rtcID,
		Deadline:        deadlineFor(now, tok.Kind(), m.deps.DefaultTimeout, m.deps.StreamUploadTimeout),
	})

	if err := m.deps.Gateway.Message(ctx, out); err != nil {
		m.table.Retire(out.Transaction)
		return fmt.Errorf("backendmgr: publish %s: %w", tok.Kind(), err)
	}
	return nil
}

// deliverError publishes a unicast error response to txn's originating
// caller, mirroring SPEC_FULL §4.4's enrich-and-respond convention.
func (m *Manager) deliverError(ctx context.Context, txn *Transaction, appErr *apperr.Error) {
	if txn.ResponseTopic == "" || m.deps.Bus == nil {
		return
	}

	env, err := bus.NewResponse(apperr.Status(appErr.Kind), txn.CorrelationData, map[string]string{
		"kind":  string(appErr.Kind),
		"title": appErr.Title,
	})
	if err != nil {
		logging.Error(ctx, "backendmgr: build error response", zap.Error(err))
		return
	}
	if err := m.deps.Bus.Publish(ctx, txn.ResponseTopic, env); err != nil {
		logging.Error(ctx, "backendmgr: publish error response", zap.Error(err))
	}
}

// deliverSuccess publishes a unicast 200 response to txn's originating
// caller, completing an asynchronous backend request from the agent's
// point of view.
func (m *Manager) deliverSuccess(ctx context.Context, txn *Transaction, payload any) {
	if txn.ResponseTopic == "" || m.deps.Bus == nil {
		return
	}

	env, err := bus.NewResponse(200, txn.CorrelationData, payload)
	if err != nil {
		logging.Error(ctx, "backendmgr: build success response", zap.Error(err))
		return
	}
	if err := m.deps.Bus.Publish(ctx, txn.ResponseTopic, env); err != nil {
		logging.Error(ctx, "backendmgr: publish success response", zap.Error(err))
	}
}

// DetachHandle emits an outgoing "detach" request tearing down a backend
// plugin handle, per §4.5's "orphaned handles are detached via
// janus.detach and returned to the pool". The handle is already being
// released from the local pool by the caller, so this is fire-and-forget:
// the transaction carries no signal.Token and its ack, if any, is not
// tracked in the transaction table.
func (m *Manager) DetachHandle(ctx context.Context, backendID uuid.UUID, sessionID, handleID int64) error {
	transaction := idgen.Default.New().String()
	if err := m.deps.Gateway.Detach(ctx, backendID, sessionID, handleID, transaction); err != nil {
		return fmt.Errorf("backendmgr: publish detach: %w", err)
	}
	return nil
}

// pushConfigUpdate resolves agentID's connection on rtcID to its backend
// handle and publishes through fn, one of Publisher's config-update/
// agent-leave methods. A caller with no connection yet (config set ahead
// of rtc.connect) is not an error: there is simply nothing to push to.
func (m *Manager) pushConfigUpdate(ctx context.Context, rtcID uuid.UUID, agentID string, fn func(context.Context, uuid.UUID, int64, int64, string) error) error {
	conn, err := m.deps.Agents.ConnectionFor(ctx, agentID, rtcID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	handle, err := m.deps.Backends.GetHandle(ctx, conn.BackendHandleID)
	if err != nil {
		return err
	}
	backend, err := m.deps.Backends.Get(ctx, handle.BackendID)
	if err != nil {
		return err
	}
	return fn(ctx, backend.ID, backend.SessionID, conn.HandleID, idgen.Default.New().String())
}

// PushWriterConfig emits a "writer_config.update" message for agentID's
// backend handle on rtcID, per §3's "pushed to backend on change".
func (m *Manager) PushWriterConfig(ctx context.Context, rtcID uuid.UUID, agentID string) error {
	return m.pushConfigUpdate(ctx, rtcID, agentID, m.deps.Gateway.WriterConfigUpdate)
}

// PushReaderConfig emits a "reader_config.update" message for agentID's
// backend handle on rtcID.
func (m *Manager) PushReaderConfig(ctx context.Context, rtcID uuid.UUID, agentID string) error {
	return m.pushConfigUpdate(ctx, rtcID, agentID, m.deps.Gateway.ReaderConfigUpdate)
}

// NotifyAgentLeave emits an "agent.leave" message for agentID's backend
// handle on rtcID, ahead of the caller tearing down its AgentConnection.
func (m *Manager) NotifyAgentLeave(ctx context.Context, rtcID uuid.UUID, agentID string) error {
	return m.pushConfigUpdate(ctx, rtcID, agentID, m.deps.Gateway.AgentLeave)
}
