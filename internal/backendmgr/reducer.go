package backendmgr

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/metrics"
	"github.com/netology-group/conference-broker/internal/store"
)

// EventKind names one of the gateway's asynchronous event shapes, the
// "janus" tag in SPEC_FULL §6, plus the backend status event.
type EventKind string

const (
	EventWebRtcUp EventKind = "webrtcup"
	EventMedia    EventKind = "media"
	EventTimeout  EventKind = "timeout"
	EventHangUp   EventKind = "hangup"
	EventSlowLink EventKind = "slowlink"
	EventDetached EventKind = "detached"
	EventStatus   EventKind = "status"
)

// MediaInfo carries the Media event's kind/receiving fields.
type MediaInfo struct {
	Kind      string
	Receiving bool
}

// StatusInfo carries a backend StatusEvent's fields.
type StatusInfo struct {
	BackendID        uuid.UUID
	Label            string
	Online           bool
	Capacity         *int
	BalancerCapacity *int
	Group            string
}

// GatewayEvent is one incoming asynchronous notification from a backend.
type GatewayEvent struct {
	Kind      EventKind
	BackendID uuid.UUID
	SessionID int64
	HandleID  int64 // the janus "sender"
	Media     *MediaInfo
	Status    *StatusInfo
}

// Reduce processes one gateway event per SPEC_FULL §4.3's event reducer,
// locating the affected stream by (backend_id, handle_id) and updating
// persistent state accordingly. Events for the same (backend_id,
// handle_id) must be serialized by the caller; across handles they may run
// concurrently — Reduce itself holds no lock.
func (m *Manager) Reduce(ctx context.Context, ev GatewayEvent) error {
	metrics.BackendEvents.WithLabelValues(string(ev.Kind)).Inc()

	switch ev.Kind {
	case EventWebRtcUp:
		return m.reduceWebRtcUp(ctx, ev)
	case EventMedia:
		return m.reduceMedia(ctx, ev)
	case EventHangUp, EventDetached, EventTimeout:
		return m.reduceStreamEnd(ctx, ev)
	case EventSlowLink:
		return nil
	case EventStatus:
		return m.reduceStatus(ctx, ev)
	default:
		logging.Warn(ctx, "backendmgr: unknown gateway event kind", zap.String("kind", string(ev.Kind)))
		return nil
	}
}

func (m *Manager) findStream(ctx context.Context, ev GatewayEvent) (*store.RtcStream, error) {
	stream, err := m.deps.Streams.OpenByBackendHandle(ctx, ev.BackendID, ev.HandleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return stream, nil
}

func (m *Manager) broadcastStreamUpdate(ctx context.Context, rtcID uuid.UUID, method string, payload any) {
	rtc, err := m.deps.Rtcs.Get(ctx, rtcID)
	if err != nil {
		logging.Warn(ctx, "backendmgr: resolve rtc for broadcast", zap.Error(err))
		return
	}
	env, err := bus.NewEvent(m.deps.Label, payload)
	if err != nil {
		logging.Warn(ctx, "backendmgr: build broadcast event", zap.Error(err))
		return
	}
	env.Properties.Method = method
	if err := m.deps.Bus.Publish(ctx, bus.RoomEvents(rtc.RoomID.String()), env); err != nil {
		logging.Warn(ctx, "backendmgr: publish broadcast event", zap.Error(err))
	}
}

func (m *Manager) reduceWebRtcUp(ctx context.Context, ev GatewayEvent) error {
	stream, err := m.findStream(ctx, ev)
	if err != nil || stream == nil {
		return err
	}

	if err := m.deps.Streams.MarkStarted(ctx, stream.ID, time.Now()); err != nil {
		return err
	}
	m.broadcastStreamUpdate(ctx, stream.RtcID, "rtc_stream.update", map[string]string{
		"rtc_id": stream.RtcID.String(),
		"status": "started",
	})
	return nil
}

func (m *Manager) reduceMedia(ctx context.Context, ev GatewayEvent) error {
	stream, err := m.findStream(ctx, ev)
	if err != nil || stream == nil {
		return err
	}
	m.broadcastStreamUpdate(ctx, stream.RtcID, "rtc_stream.video_metrics", map[string]any{
		"rtc_id":    stream.RtcID.String(),
		"kind":      ev.Media.Kind,
		"receiving": ev.Media.Receiving,
	})
	return nil
}

func (m *Manager) reduceStreamEnd(ctx context.Context, ev GatewayEvent) error {
	stream, err := m.findStream(ctx, ev)
	if err != nil || stream == nil {
		return err
	}

	now := time.Now()
	if err := m.deps.Streams.Close(ctx, stream.ID, now); err != nil {
		return err
	}
	if err := m.deps.Agents.DisconnectByRtcHandle(ctx, stream.RtcID, stream.HandleID); err != nil {
		logging.Warn(ctx, "backendmgr: disconnect agent on stream end", zap.Error(err))
	}
	m.broadcastStreamUpdate(ctx, stream.RtcID, "rtc_stream.update", map[string]string{
		"rtc_id": stream.RtcID.String(),
		"status": "closed",
	})
	return nil
}

func (m *Manager) reduceStatus(ctx context.Context, ev GatewayEvent) error {
	if ev.Status == nil {
		return nil
	}

	backend := &store.Backend{
		ID:               ev.Status.BackendID,
		Label:            ev.Status.Label,
		Online:           ev.Status.Online,
		Capacity:         ev.Status.Capacity,
		BalancerCapacity: ev.Status.BalancerCapacity,
		Group:            ev.Status.Group,
		LastSeenAt:       time.Now(),
	}
	if err := m.deps.Backends.UpsertStatus(ctx, backend); err != nil {
		return err
	}
	if ev.Status.Online {
		return nil
	}

	now := time.Now()
	closed, err := m.deps.Streams.CloseAllForBackend(ctx, ev.Status.BackendID, now)
	if err != nil {
		return err
	}
	for _, stream := range closed {
		if err := m.deps.Agents.DisconnectByRtcHandle(ctx, stream.RtcID, stream.HandleID); err != nil {
			logging.Warn(ctx, "backendmgr: disconnect agent on backend offline", zap.Error(err))
		}
	}

	for _, txn := range m.table.RetireAllForBackend(ev.Status.BackendID) {
		m.deliverError(ctx, txn, apperr.New(apperr.KindBackendOffline, "backend went offline", nil))
	}
	return nil
}
