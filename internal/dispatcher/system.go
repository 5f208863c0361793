package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/signal"
	"github.com/netology-group/conference-broker/internal/store"
)

// handleSystemVacuum reclaims backend handles orphaned since no
// AgentConnection references them, the same sweep internal/housekeeping
// runs on a timer — exposed here so an operator can trigger it on demand.
func handleSystemVacuum(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	if appErr := d.authorize(ctx, req.Agent.Audience, req.Agent.String(), "system", "vacuum"); appErr != nil {
		return nil, appErr
	}

	orphans, err := d.deps.Backends.OrphanedHandles(ctx)
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to list orphaned handles", err)
	}
	for _, h := range orphans {
		if backend, err := d.deps.Backends.Get(ctx, h.BackendID); err == nil {
			if err := d.deps.BackendMgr.DetachHandle(ctx, backend.ID, backend.SessionID, h.HandleID); err != nil {
				logging.Warn(ctx, "dispatcher: detach orphaned handle", zap.String("handle_id", h.ID.String()), zap.Error(err))
			}
		}
		if err := d.deps.Agents.DisconnectByHandle(ctx, h.ID); err != nil {
			logging.Warn(ctx, "dispatcher: disconnect stale connection for orphaned handle", zap.String("handle_id", h.ID.String()), zap.Error(err))
		}
		if err := d.deps.Backends.ReleaseHandle(ctx, h.ID); err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to release orphaned handle", err)
		}
	}
	return map[string]int{"reclaimed": len(orphans)}, nil
}

type systemUploadRequest struct {
	RtcID uuid.UUID `json:"rtc_id"`
}

// handleSystemUpload requests recording upload for rtcID's most recent
// backend-bound stream, ahead of the recording finalizer's own automatic
// trigger (once all of the rtc's streams have closed).
func handleSystemUpload(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in systemUploadRequest
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
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "system", "upload"); appErr != nil {
		return nil, appErr
	}

	streams, err := d.deps.Streams.List(ctx, rtc.ID, 1)
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to load rtc streams", err)
	}
	if len(streams) == 0 {
		return nil, apperr.New(apperr.KindRtcNotFound, "rtc has no streams to upload", nil)
	}
	last := streams[len(streams)-1]

	backend, err := d.deps.Backends.Get(ctx, last.BackendID)
	if err != nil {
		return nil, apperr.New(apperr.KindBackendNotFound, "backend not found", err)
	}

	reqp := signal.Reqp{
		Method:       req.Method,
		AgentLabel:   req.Agent.Label,
		AccountLabel: req.Agent.AccountLabel,
		Audience:     req.Agent.Audience,
	}
	if err := d.deps.BackendMgr.RequestUpload(ctx, rtc.ID, backend.ID, backend.SessionID, last.HandleID, reqp, req.ResponseTopic, req.CorrelationData); err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to request upload", err)
	}
	return Deferred, nil
}

// handleSystemCloseOrphanedRooms force-closes every room whose time.upper
// has already passed but that still has open streams, the same sweep
// internal/housekeeping's closure sweeper runs on a timer.
func handleSystemCloseOrphanedRooms(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	if appErr := d.authorize(ctx, req.Agent.Audience, req.Agent.String(), "system", "close_orphaned_rooms"); appErr != nil {
		return nil, appErr
	}

	now := time.Now()
	rooms, err := d.deps.Rooms.ClosedWithOpenStreams(ctx, now)
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to list orphaned rooms", err)
	}

	closedCount := 0
	for _, room := range rooms {
		rtcs, err := d.deps.Rtcs.List(ctx, room.ID, store.ClampLimit(0, true))
		if err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to list room rtcs", err)
		}
		for _, rtc := range rtcs {
			open, err := d.deps.Streams.List(ctx, rtc.ID, store.ClampLimit(0, true))
			if err != nil {
				return nil, apperr.New(apperr.KindGeneral, "failed to list rtc streams", err)
			}
			for _, s := range open {
				if !s.Open() {
					continue
				}
				if err := d.deps.Streams.Close(ctx, s.ID, now); err != nil {
					return nil, apperr.New(apperr.KindGeneral, "failed to force-close stream", err)
				}
				if backend, err := d.deps.Backends.Get(ctx, s.BackendID); err == nil {
					if err := d.deps.BackendMgr.DetachHandle(ctx, backend.ID, backend.SessionID, s.HandleID); err != nil {
						logging.Warn(ctx, "dispatcher: detach closed stream handle", zap.String("rtc_id", s.RtcID.String()), zap.Error(err))
					}
				}
			}
		}
		d.broadcastRoomEvent(ctx, room.ID.String(), "room.close", roomToResponse(&room))
		closedCount++
	}
	return map[string]int{"closed_rooms": closedCount}, nil
}
