package dispatcher

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/selector"
	"github.com/netology-group/conference-broker/internal/signal"
	"github.com/netology-group/conference-broker/internal/store"
)

type rtcCreateRequest struct {
	RoomID uuid.UUID `json:"room_id"`
}

type rtcResponse struct {
	ID        uuid.UUID `json:"id"`
	RoomID    uuid.UUID `json:"room_id"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

func rtcToResponse(r *store.Rtc) rtcResponse {
	return rtcResponse{ID: r.ID, RoomID: r.RoomID, CreatedBy: r.CreatedBy, CreatedAt: r.CreatedAt}
}

func (d *Dispatcher) getRtc(ctx context.Context, id uuid.UUID) (*store.Rtc, *apperr.Error) {
	rtc, err := d.deps.Rtcs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New(apperr.KindRtcNotFound, "rtc not found", nil)
		}
		return nil, apperr.New(apperr.KindGeneral, "failed to load rtc", err)
	}
	return rtc, nil
}

func handleRtcCreate(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in rtcCreateRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.RoomID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String()+"/rtcs", "create"); appErr != nil {
		return nil, appErr
	}

	rtc := &store.Rtc{CreatedBy: req.Agent.String()}
	if err := d.deps.Rtcs.Create(ctx, room, rtc); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.New(apperr.KindAccessDenied, "owner already has an rtc in this room", err)
		}
		if errors.Is(err, store.ErrPolicyForbidsCreation) {
			return nil, apperr.New(apperr.KindAccessDenied, "room policy forbids rtc creation", err)
		}
		return nil, apperr.New(apperr.KindGeneral, "failed to create rtc", err)
	}
	return rtcToResponse(rtc), nil
}

type rtcIDRequest struct {
	ID uuid.UUID `json:"id"`
}

func handleRtcRead(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in rtcIDRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	rtc, appErr := d.getRtc(ctx, in.ID)
	if appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, rtc.RoomID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String()+"/rtcs/"+rtc.ID.String(), "read"); appErr != nil {
		return nil, appErr
	}
	return rtcToResponse(rtc), nil
}

type rtcListRequest struct {
	RoomID uuid.UUID `json:"room_id"`
	Limit  *int      `json:"limit,omitempty"`
}

func handleRtcList(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in rtcListRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.RoomID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String()+"/rtcs", "list"); appErr != nil {
		return nil, appErr
	}

	limit := clampLimitPtr(in.Limit)
	rtcs, err := d.deps.Rtcs.List(ctx, room.ID, limit)
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to list rtcs", err)
	}
	out := make([]rtcResponse, len(rtcs))
	for i := range rtcs {
		out[i] = rtcToResponse(&rtcs[i])
	}
	return out, nil
}

func handleRtcConnect(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in rtcIDRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	rtc, appErr := d.getRtc(ctx, in.ID)
	if appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, rtc.RoomID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String()+"/rtcs/"+rtc.ID.String(), "connect"); appErr != nil {
		return nil, appErr
	}
	if room.RtcSharingPolicy == store.PolicyNone {
		return nil, apperr.New(apperr.KindNotImplemented, "rtc_sharing_policy=none rtc.connect is not implemented", nil)
	}

	backend, appErr := d.selectBackend(ctx, room)
	if appErr != nil {
		return nil, appErr
	}

	if room.BackendID == nil {
		if err := d.deps.Rooms.PinBackend(ctx, room.ID, backend.ID); err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to pin backend", err)
		}
	}

	reqp := signal.Reqp{
		Method:       req.Method,
		AgentLabel:   req.Agent.Label,
		AccountLabel: req.Agent.AccountLabel,
		Audience:     req.Agent.Audience,
	}
	if err := d.deps.BackendMgr.Attach(ctx, backend.ID, backend.SessionID, rtc.ID, reqp, req.ResponseTopic, req.CorrelationData); err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to dispatch attach", err)
	}
	return Deferred, nil
}

func (d *Dispatcher) selectBackend(ctx context.Context, room *store.Room) (*store.Backend, *apperr.Error) {
	var pinned *selector.Candidate
	online, err := d.deps.Backends.Online(ctx, room.JanusGroup)
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to list online backends", err)
	}

	candidates := make([]selector.Candidate, 0, len(online))
	for _, b := range online {
		used, err := d.deps.Streams.UsedCapacity(ctx, b.ID)
		if err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to compute backend used capacity", err)
		}
		c := selector.Candidate{Backend: b, Used: used}
		candidates = append(candidates, c)
		if room.BackendID != nil && b.ID == *room.BackendID {
			pc := c
			pinned = &pc
		}
	}

	backend, err := selector.Select(*room, pinned, candidates, nil)
	if err != nil {
		return nil, apperr.New(apperr.KindNoAvailableBackends, "no backend available", err)
	}
	return backend, nil
}
