package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/store"
)

type roomCreateRequest struct {
	Audience         string             `json:"audience"`
	TimeLower        time.Time          `json:"time_lower"`
	TimeUpper        *time.Time         `json:"time_upper,omitempty"`
	RtcSharingPolicy store.SharingPolicy `json:"rtc_sharing_policy"`
	ClassroomID      *uuid.UUID         `json:"classroom_id,omitempty"`
}

type roomResponse struct {
	ID               uuid.UUID           `json:"id"`
	Audience         string              `json:"audience"`
	TimeLower        time.Time           `json:"time_lower"`
	TimeUpper        *time.Time          `json:"time_upper,omitempty"`
	RtcSharingPolicy store.SharingPolicy `json:"rtc_sharing_policy"`
	BackendID        *uuid.UUID          `json:"backend_id,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
}

func roomToResponse(r *store.Room) roomResponse {
	return roomResponse{
		ID:               r.ID,
		Audience:         r.Audience,
		TimeLower:        r.TimeLower,
		TimeUpper:        r.TimeUpper,
		RtcSharingPolicy: r.RtcSharingPolicy,
		BackendID:        r.BackendID,
		CreatedAt:        r.CreatedAt,
	}
}

func handleRoomCreate(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in roomCreateRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, in.Audience, req.Agent.String(), "rooms", "create"); appErr != nil {
		return nil, appErr
	}

	room := &store.Room{
		Audience:         in.Audience,
		TimeLower:        in.TimeLower,
		TimeUpper:        in.TimeUpper,
		RtcSharingPolicy: in.RtcSharingPolicy,
		ClassroomID:      in.ClassroomID,
	}
	if err := d.deps.Rooms.Create(ctx, room); err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to create room", err)
	}
	return roomToResponse(room), nil
}

type roomIDRequest struct {
	ID uuid.UUID `json:"id"`
}

func (d *Dispatcher) getRoom(ctx context.Context, id uuid.UUID) (*store.Room, *apperr.Error) {
	room, err := d.deps.Rooms.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindRoomNotFound, "room not found", nil)
		}
		return nil, apperr.New(apperr.KindGeneral, "failed to load room", err)
	}
	return room, nil
}

func handleRoomRead(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in roomIDRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.ID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String(), "read"); appErr != nil {
		return nil, appErr
	}
	return roomToResponse(room), nil
}

type roomUpdateRequest struct {
	ID               uuid.UUID            `json:"id"`
	TimeUpper        *time.Time           `json:"time_upper,omitempty"`
	RtcSharingPolicy *store.SharingPolicy `json:"rtc_sharing_policy,omitempty"`
}

func handleRoomUpdate(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in roomUpdateRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.ID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String(), "update"); appErr != nil {
		return nil, appErr
	}

	if in.TimeUpper != nil {
		room.TimeUpper = in.TimeUpper
	}
	if in.RtcSharingPolicy != nil {
		room.RtcSharingPolicy = *in.RtcSharingPolicy
	}
	if err := d.deps.Rooms.Update(ctx, room); err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to update room", err)
	}
	return roomToResponse(room), nil
}

func handleRoomEnter(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in roomIDRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.ID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String(), "enter"); appErr != nil {
		return nil, appErr
	}
	if room.RtcSharingPolicy == store.PolicyNone {
		return nil, apperr.New(apperr.KindAccessDenied, "room policy forbids entry", nil)
	}

	agent, err := d.deps.Agents.Upsert(ctx, req.Agent.String(), room.ID, store.AgentReady)
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to record agent presence", err)
	}
	d.broadcastRoomEvent(ctx, room.ID.String(), "room.enter", map[string]string{"agent_id": agent.AgentID})
	return map[string]string{"agent_id": agent.AgentID}, nil
}

func handleRoomLeave(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in roomIDRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.ID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String(), "leave"); appErr != nil {
		return nil, appErr
	}

	// Clear the writer binding and close any stream this agent was
	// actively sending, across every RTC of the room — the sole-writer
	// Open Question decision.
	now := time.Now()
	openStreams, err := d.deps.Streams.OpenBySenderInRoom(ctx, room.ID, req.Agent.String())
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to list agent's open streams", err)
	}
	for _, s := range openStreams {
		if err := d.deps.Streams.Close(ctx, s.ID, now); err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to close writer stream", err)
		}
		d.broadcastRoomEvent(ctx, room.ID.String(), "rtc_stream.update", map[string]string{"rtc_id": s.RtcID.String()})
	}

	// Drop the AgentConnection row for every rtc of this room: the agent
	// may hold a reader connection on rtcs it never wrote to, and those
	// rows must also disappear on leave so the orphan-handle sweep can
	// reclaim the backend handles they were pinning.
	rtcs, err := d.deps.Rtcs.List(ctx, room.ID, store.ClampLimit(0, true))
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to list room rtcs", err)
	}
	for _, rtc := range rtcs {
		if err := d.deps.BackendMgr.NotifyAgentLeave(ctx, rtc.ID, req.Agent.String()); err != nil {
			logging.Warn(ctx, "dispatcher: notify agent leave", zap.String("rtc_id", rtc.ID.String()), zap.Error(err))
		}
		if err := d.deps.Agents.Disconnect(ctx, req.Agent.String(), rtc.ID); err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to disconnect agent", err)
		}
	}

	if err := d.deps.Agents.Delete(ctx, req.Agent.String(), room.ID); err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to remove agent presence", err)
	}
	d.broadcastRoomEvent(ctx, room.ID.String(), "room.leave", map[string]string{"agent_id": req.Agent.String()})
	return map[string]string{"ok": "true"}, nil
}

func handleRoomClose(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in roomIDRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.ID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String(), "update"); appErr != nil {
		return nil, appErr
	}

	now := time.Now()
	room.TimeUpper = &now
	if err := d.deps.Rooms.Update(ctx, room); err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to close room", err)
	}
	d.broadcastRoomEvent(ctx, room.ID.String(), "room.close", roomToResponse(room))
	return roomToResponse(room), nil
}
