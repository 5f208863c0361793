package backendmgr

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/bus"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/signal"
)

// incomingFrame is the wire shape of everything a backend publishes back to
// this broker on its inbound topic: either the ack for a request this
// broker sent ("success"/"error", correlated via the "transaction" token
// embedded in the original request's payload), or one of the asynchronous
// janus-tagged events §3/§4.3 describe (webrtcup/media/timeout/hangup/
// slowlink/detached/status). backend_id is this protocol's one addition
// over the bare Janus wire shape spec.md quotes: a real Janus gateway has
// no notion of it, but every event this broker reduces needs to know which
// backend row it concerns, so backends adapted to this bus protocol are
// expected to stamp it on every frame, not just status.
type incomingFrame struct {
	Janus       string          `json:"janus"`
	BackendID   uuid.UUID       `json:"backend_id,omitempty"`
	SessionID   int64           `json:"session_id"`
	Sender      int64           `json:"sender"`
	Transaction string          `json:"transaction,omitempty"`
	PluginData  *pluginData     `json:"plugindata,omitempty"`
	Jsep        json.RawMessage `json:"jsep,omitempty"`
}

type pluginData struct {
	Data json.RawMessage `json:"data"`
}

type mediaEventData struct {
	Kind      string `json:"kind"`
	Receiving bool   `json:"receiving"`
}

type statusEventData struct {
	Label            string `json:"label"`
	Online           bool   `json:"online"`
	Capacity         *int   `json:"capacity,omitempty"`
	BalancerCapacity *int   `json:"balancer_capacity,omitempty"`
	Group            string `json:"group,omitempty"`
}

type uploadEventData struct {
	Segments  []UploadedSegment `json:"segments,omitempty"`
	DumpsURIs string            `json:"dumps_uris,omitempty"`
}

// HandleBackendEnvelope routes one envelope received on this broker's
// backend-facing inbound topic to the pending transaction it acks, or to
// the asynchronous event reducer, whichever the "janus" tag calls for.
func (m *Manager) HandleBackendEnvelope(ctx context.Context, env *bus.Envelope) error {
	var frame incomingFrame
	if err := env.Unmarshal(&frame); err != nil {
		return fmt.Errorf("backendmgr: decode backend envelope: %w", err)
	}

	switch EventKind(frame.Janus) {
	case EventWebRtcUp, EventMedia, EventTimeout, EventHangUp, EventSlowLink, EventDetached, EventStatus:
		return m.handleAsyncEvent(ctx, frame)
	}

	switch frame.Janus {
	case "success":
		return m.handleSuccessAck(ctx, frame)
	case "error":
		return m.handleErrorAck(ctx, frame)
	case "ack":
		return nil // a Janus keepalive ack carries no transaction outcome
	default:
		logging.Warn(ctx, "backendmgr: unrecognized backend frame", zap.String("janus", frame.Janus))
		return nil
	}
}

func (m *Manager) handleSuccessAck(ctx context.Context, frame incomingFrame) error {
	tok, err := signal.DecodeToken(frame.Transaction)
	if err != nil {
		// Not every success ack correlates with a tracked transaction — a
		// DetachHandle request carries a bare uuid, not a signal.Token,
		// since nothing downstream needs to react to its outcome.
		logging.Warn(ctx, "backendmgr: success ack for untracked transaction", zap.Error(err))
		return nil
	}

	switch tok.Kind() {
	case "CreateRtcHandle":
		m.OnAttachAck(ctx, frame.Transaction, frame.Sender)
	case "CreateStream", "ReadStream", "Trickle":
		m.OnStreamAck(ctx, frame.Transaction, frame.Jsep, true)
	case "UploadStream":
		var data uploadEventData
		if frame.PluginData != nil {
			if err := json.Unmarshal(frame.PluginData.Data, &data); err != nil {
				return fmt.Errorf("backendmgr: decode upload ack: %w", err)
			}
		}
		m.OnUploadAck(ctx, frame.Transaction, data.Segments, data.DumpsURIs, true)
	default:
		logging.Warn(ctx, "backendmgr: success ack for unhandled transaction kind", zap.String("kind", tok.Kind()))
	}
	return nil
}

func (m *Manager) handleErrorAck(ctx context.Context, frame incomingFrame) error {
	tok, err := signal.DecodeToken(frame.Transaction)
	if err != nil {
		logging.Warn(ctx, "backendmgr: error ack for untracked transaction", zap.Error(err))
		return nil
	}

	switch tok.Kind() {
	case "CreateStream", "ReadStream", "Trickle":
		m.OnStreamAck(ctx, frame.Transaction, nil, false)
	case "UploadStream":
		m.OnUploadAck(ctx, frame.Transaction, nil, "", false)
	case "CreateRtcHandle":
		if txn, found := m.table.Retire(frame.Transaction); found {
			m.deliverError(ctx, txn, apperr.New(apperr.KindBackendOffline, "backend rejected attach", nil))
		}
	default:
		logging.Warn(ctx, "backendmgr: error ack for unhandled transaction kind", zap.String("kind", tok.Kind()))
	}
	return nil
}

func (m *Manager) handleAsyncEvent(ctx context.Context, frame incomingFrame) error {
	ev := GatewayEvent{
		Kind:      EventKind(frame.Janus),
		BackendID: frame.BackendID,
		SessionID: frame.SessionID,
		HandleID:  frame.Sender,
	}

	var raw json.RawMessage
	if frame.PluginData != nil {
		raw = frame.PluginData.Data
	}

	switch ev.Kind {
	case EventMedia:
		var data mediaEventData
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &data); err != nil {
				return fmt.Errorf("backendmgr: decode media event: %w", err)
			}
		}
		ev.Media = &MediaInfo{Kind: data.Kind, Receiving: data.Receiving}
	case EventStatus:
		var data statusEventData
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &data); err != nil {
				return fmt.Errorf("backendmgr: decode status event: %w", err)
			}
		}
		ev.Status = &StatusInfo{
			BackendID:        frame.BackendID,
			Label:            data.Label,
			Online:           data.Online,
			Capacity:         data.Capacity,
			BalancerCapacity: data.BalancerCapacity,
			Group:            data.Group,
		}
	}

	return m.Reduce(ctx, ev)
}
