package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/signal"
	"github.com/netology-group/conference-broker/internal/store"
)

type rtcSignalCreateRequest struct {
	RtcID uuid.UUID       `json:"rtc_id"`
	Jsep  json.RawMessage `json:"jsep"`
	Label string          `json:"label,omitempty"`
}

func handleRtcSignalCreate(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in rtcSignalCreateRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	rtc, appErr := d.getRtc(ctx, in.RtcID)
	if appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, rtc.RoomID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String()+"/rtcs/"+rtc.ID.String(), "update"); appErr != nil {
		return nil, appErr
	}

	agent := req.Agent
	agentConn, err := d.deps.Agents.ConnectionFor(ctx, agent.String(), rtc.ID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, apperr.New(apperr.KindGeneral, "failed to load agent connection", err)
	}
	conn := signal.Connection{}
	if agentConn != nil {
		backend, appErr := d.getBackendForConnection(ctx, agentConn)
		if appErr != nil {
			return nil, appErr
		}
		conn = signal.Connection{BackendID: backend.ID, SessionID: backend.SessionID, HandleID: agentConn.HandleID}
	}

	reqp := signal.Reqp{
		Method:       req.Method,
		AgentLabel:   agent.Label,
		AccountLabel: agent.AccountLabel,
		Audience:     agent.Audience,
	}

	deps := signal.Dependencies{Agents: d.deps.Agents, Streams: d.deps.Streams, Writers: d.deps.WriterConfigs}
	out, err := signal.Decide(ctx, deps, time.Now(), *room, *rtc, conn, agent, reqp, in.Jsep, in.Label)
	if err != nil {
		return nil, mapSignalErr(err)
	}

	if err := d.deps.BackendMgr.Dispatch(ctx, out, rtc.ID, req.ResponseTopic, req.CorrelationData); err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to dispatch signal", err)
	}
	return Deferred, nil
}

// getBackendForConnection resolves the Backend snapshot for an existing
// AgentConnection, whose BackendHandleID points into the handle pool
// rather than the backend row directly.
func (d *Dispatcher) getBackendForConnection(ctx context.Context, conn *store.AgentConnection) (*store.Backend, *apperr.Error) {
	handle, err := d.deps.Backends.GetHandle(ctx, conn.BackendHandleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindBackendNotFound, "backend handle not found", nil)
		}
		return nil, apperr.New(apperr.KindGeneral, "failed to load backend handle", err)
	}
	backend, err := d.deps.Backends.Get(ctx, handle.BackendID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindBackendNotFound, "backend not found", nil)
		}
		return nil, apperr.New(apperr.KindGeneral, "failed to load backend", err)
	}
	return backend, nil
}

func mapSignalErr(err error) *apperr.Error {
	switch {
	case errors.Is(err, signal.ErrInvalidSdpType):
		return apperr.New(apperr.KindInvalidSdpType, "answer is not a valid sdp type for rtc_signal.create", err)
	case errors.Is(err, signal.ErrInvalidJsep):
		return apperr.New(apperr.KindInvalidJsep, "invalid jsep payload", err)
	case errors.Is(err, signal.ErrNoConnection):
		return apperr.New(apperr.KindRtcNotFound, "agent has no connection for this rtc", err)
	case errors.Is(err, signal.ErrWriterConflict):
		return apperr.New(apperr.KindWriterConflict, "another writer is already bound to this rtc", err)
	case errors.Is(err, signal.ErrRoomClosed):
		return apperr.New(apperr.KindAccessDenied, "room is closed", err)
	case errors.Is(err, signal.ErrPolicyForbidsWriter):
		return apperr.New(apperr.KindAccessDenied, "room policy forbids this agent from writing", err)
	case errors.Is(err, signal.ErrLabelRequired):
		return apperr.New(apperr.KindInvalidJsep, "write offers must carry a label", err)
	default:
		return apperr.New(apperr.KindGeneral, "failed to decide signal", err)
	}
}
