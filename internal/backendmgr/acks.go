package backendmgr

import (
	"context"

	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/store"
)

// OnAttachAck retires the CreateRtcHandle transaction matching token,
// records the AgentConnection the gateway's allocated handle implies, and
// delivers the completed rtc.connect result to the original caller.
func (m *Manager) OnAttachAck(ctx context.Context, token string, janusHandleID int64) {
	txn, found := m.table.Retire(token)
	if !found {
		logging.Warn(ctx, "backendmgr: attach ack for unknown transaction")
		return
	}
	if txn.RtcID == nil {
		return
	}

	bh, err := m.deps.Backends.AllocateHandle(ctx, txn.BackendID)
	if err != nil {
		logging.Error(ctx, "backendmgr: allocate handle pool entry", zap.Error(err))
		return
	}

	conn := &store.AgentConnection{
		AgentID:         txn.Reqp.AgentLabel + "." + txn.Reqp.AccountLabel + "." + txn.Reqp.Audience,
		RtcID:           *txn.RtcID,
		HandleID:        janusHandleID,
		BackendHandleID: bh.ID,
	}
	if err := m.deps.Agents.Connect(ctx, conn); err != nil {
		logging.Error(ctx, "backendmgr: record agent connection", zap.Error(err))
		return
	}

	m.deliverSuccess(ctx, txn, map[string]string{"id": txn.RtcID.String(), "status": "connected"})
}

// OnStreamAck retires the CreateStream/ReadStream/Trickle transaction
// matching token and delivers the outcome (the backend's jsep answer, when
// present) to the original caller. A failed ack surfaces as
// invalid_jsep, mirroring a rejected SDP answer from the backend.
func (m *Manager) OnStreamAck(ctx context.Context, token string, jsep []byte, ok bool) {
	txn, found := m.table.Retire(token)
	if !found {
		logging.Warn(ctx, "backendmgr: stream ack for unknown transaction")
		return
	}

	if !ok {
		m.deliverError(ctx, txn, apperr.New(apperr.KindInvalidJsep, "backend rejected signaling request", nil))
		return
	}

	payload := map[string]any{"jsep": string(jsep)}
	m.deliverSuccess(ctx, txn, payload)
}
