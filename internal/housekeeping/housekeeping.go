// Package housekeeping runs the broker's background sweeps: closing rooms
// whose grace period has elapsed but still have open streams, reclaiming
// backend handles orphaned by a crashed agent, and triggering recording
// upload once every stream of an rtc has closed. Grounded on
// internal/backendmgr's watchdog (time.Ticker sweep loop, deadline-driven),
// itself generalized from the teacher's internal/v1/session/hub.go
// time.AfterFunc grace-period cleanup.
package housekeeping

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/backendmgr"
	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/metrics"
	"github.com/netology-group/conference-broker/internal/signal"
	"github.com/netology-group/conference-broker/internal/store"
)

// Deps are the persistence/transport ports the sweeps need.
type Deps struct {
	Rooms      store.RoomQueries
	Rtcs       store.RtcQueries
	Streams    store.StreamQueries
	Agents     store.AgentQueries
	Backends   store.BackendQueries
	Recordings store.RecordingQueries

	BackendMgr *backendmgr.Manager
	Bus        interface {
		Publish(ctx context.Context, topic string, env *bus.Envelope) error
	}

	// Label is this broker's own agent_label, stamped on broadcast events.
	Label string
}

// Sweeper runs the three independent housekeeping loops.
type Sweeper struct {
	deps Deps
}

// New builds a Sweeper over deps.
func New(deps Deps) *Sweeper {
	return &Sweeper{deps: deps}
}

// RunRoomClosureSweep force-closes any stream still open in a room whose
// time.upper has already passed, every period, until ctx is cancelled.
func (s *Sweeper) RunRoomClosureSweep(ctx context.Context, period time.Duration) {
	s.run(ctx, period, "room_closure", s.sweepOrphanedRooms)
}

// RunHandleReclaimSweep releases every backend handle orphaned since no
// AgentConnection references it, every period, until ctx is cancelled.
func (s *Sweeper) RunHandleReclaimSweep(ctx context.Context, period time.Duration) {
	s.run(ctx, period, "handle_reclaim", s.sweepOrphanedHandles)
}

// RunRecordingFinalizeSweep requests upload for every rtc whose streams
// have all closed but whose recording hasn't started, every period, until
// ctx is cancelled.
func (s *Sweeper) RunRecordingFinalizeSweep(ctx context.Context, period time.Duration) {
	s.run(ctx, period, "recording_finalize", s.sweepPendingUploads)
}

func (s *Sweeper) run(ctx context.Context, period time.Duration, loop string, sweep func(context.Context) (int, error)) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			acted, err := sweep(ctx)
			if err != nil {
				logging.Error(ctx, "housekeeping: sweep failed", zap.String("loop", loop), zap.Error(err))
				continue
			}
			metrics.HousekeepingSweeps.WithLabelValues(loop).Inc()
			metrics.HousekeepingItemsActed.WithLabelValues(loop).Add(float64(acted))
		}
	}
}

func (s *Sweeper) sweepOrphanedRooms(ctx context.Context) (int, error) {
	now := time.Now()
	rooms, err := s.deps.Rooms.ClosedWithOpenStreams(ctx, now)
	if err != nil {
		return 0, err
	}

	closed := 0
	for _, room := range rooms {
		rtcs, err := s.deps.Rtcs.List(ctx, room.ID, store.ClampLimit(0, true))
		if err != nil {
			return closed, err
		}
		for _, rtc := range rtcs {
			streams, err := s.deps.Streams.List(ctx, rtc.ID, store.ClampLimit(0, true))
			if err != nil {
				return closed, err
			}
			for _, stream := range streams {
				if !stream.Open() {
					continue
				}
				if err := s.deps.Streams.Close(ctx, stream.ID, now); err != nil {
					return closed, err
				}
				s.detachStreamHandle(ctx, stream)
			}
		}
		s.broadcastRoomClose(ctx, room)
		closed++
	}
	return closed, nil
}

// roomClosePayload mirrors internal/dispatcher's room response shape, so
// an agent-close broadcast looks the same whether it came from an operator
// request or this sweep.
type roomClosePayload struct {
	ID        string     `json:"id"`
	Audience  string     `json:"audience"`
	TimeUpper *time.Time `json:"time_upper,omitempty"`
}

func (s *Sweeper) broadcastRoomClose(ctx context.Context, room store.Room) {
	if s.deps.Bus == nil {
		return
	}
	env, err := bus.NewEvent(s.deps.Label, roomClosePayload{ID: room.ID.String(), Audience: room.Audience, TimeUpper: room.TimeUpper})
	if err != nil {
		logging.Error(ctx, "housekeeping: build room.close event", zap.Error(err))
		return
	}
	env.Properties.Method = "room.close"
	if err := s.deps.Bus.Publish(ctx, bus.RoomEvents(room.ID.String()), env); err != nil {
		logging.Error(ctx, "housekeeping: publish room.close event", zap.Error(err))
	}
}

// detachStreamHandle emits janus.detach for the backend handle a
// force-closed stream was using, best-effort: a failure here doesn't
// block the closure sweep, it just leaves the handle for the next
// orphan-handle sweep to reclaim.
func (s *Sweeper) detachStreamHandle(ctx context.Context, stream store.RtcStream) {
	backend, err := s.deps.Backends.Get(ctx, stream.BackendID)
	if err != nil {
		logging.Warn(ctx, "housekeeping: backend missing for closed stream", zap.String("rtc_id", stream.RtcID.String()))
		return
	}
	if err := s.deps.BackendMgr.DetachHandle(ctx, backend.ID, backend.SessionID, stream.HandleID); err != nil {
		logging.Warn(ctx, "housekeeping: detach closed stream handle", zap.String("rtc_id", stream.RtcID.String()), zap.Error(err))
	}
}

func (s *Sweeper) sweepOrphanedHandles(ctx context.Context) (int, error) {
	orphans, err := s.deps.Backends.OrphanedHandles(ctx)
	if err != nil {
		return 0, err
	}
	for _, handle := range orphans {
		backend, err := s.deps.Backends.Get(ctx, handle.BackendID)
		if err != nil {
			logging.Warn(ctx, "housekeeping: backend missing for orphaned handle", zap.String("handle_id", handle.ID.String()))
		} else if err := s.deps.BackendMgr.DetachHandle(ctx, backend.ID, backend.SessionID, handle.HandleID); err != nil {
			logging.Warn(ctx, "housekeeping: detach orphaned handle", zap.String("handle_id", handle.ID.String()), zap.Error(err))
		}
		// Belt-and-suspenders: OrphanedHandles already excludes handles
		// with a referencing connection, but clear one anyway before the
		// handle is recycled so a stale row can never outlive its handle.
		if err := s.deps.Agents.DisconnectByHandle(ctx, handle.ID); err != nil {
			logging.Warn(ctx, "housekeeping: disconnect stale connection for orphaned handle", zap.String("handle_id", handle.ID.String()), zap.Error(err))
		}
		if err := s.deps.Backends.ReleaseHandle(ctx, handle.ID); err != nil {
			return 0, err
		}
	}
	return len(orphans), nil
}

func (s *Sweeper) sweepPendingUploads(ctx context.Context) (int, error) {
	rtcIDs, err := s.deps.Recordings.PendingUploads(ctx)
	if err != nil {
		return 0, err
	}

	triggered := 0
	for _, rtcID := range rtcIDs {
		streams, err := s.deps.Streams.List(ctx, rtcID, 1)
		if err != nil {
			return triggered, err
		}
		if len(streams) == 0 {
			continue
		}
		last := streams[len(streams)-1]

		backend, err := s.deps.Backends.Get(ctx, last.BackendID)
		if err != nil {
			logging.Warn(ctx, "housekeeping: backend missing for pending-upload rtc", zap.String("rtc_id", rtcID.String()))
			continue
		}

		reqp := signal.Reqp{Method: "system.upload"}
		if err := s.deps.BackendMgr.RequestUpload(ctx, rtcID, backend.ID, backend.SessionID, last.HandleID, reqp, "", ""); err != nil {
			logging.Error(ctx, "housekeeping: request upload", zap.String("rtc_id", rtcID.String()), zap.Error(err))
			continue
		}
		triggered++
	}
	return triggered, nil
}
