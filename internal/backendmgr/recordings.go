package backendmgr

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/idgen"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/signal"
	"github.com/netology-group/conference-broker/internal/store"
)

// UploadedSegment is one [Lo, Hi) window reported by a stream.upload ack.
type UploadedSegment struct {
	Lo time.Time
	Hi time.Time
}

// RequestUpload marks rtcID's recording in-progress and publishes the
// "stream.upload" request that OnUploadAck eventually retires, per §4.5.
// Called by the recording finalizer once every stream of the rtc has
// closed, or directly by an admin system.upload request.
func (m *Manager) RequestUpload(ctx context.Context, rtcID uuid.UUID, backendID uuid.UUID, sessionID, handleID int64, reqp signal.Reqp, responseTopic, correlationData string) error {
	if _, err := m.deps.Recordings.EnsureInProgress(ctx, rtcID); err != nil {
		return fmt.Errorf("backendmgr: ensure recording in progress: %w", err)
	}

	token, err := signal.EncodeToken(signal.Token{UploadStream: &signal.UploadStream{
		RtcID: rtcID, SessionID: sessionID, HandleID: handleID, Reqp: reqp,
	}})
	if err != nil {
		return fmt.Errorf("backendmgr: encode upload token: %w", err)
	}

	now := time.Now()
	m.table.Insert(&Transaction{
		ID:              idgen.Default.New(),
		Token:           token,
		Kind:            "UploadStream",
		Reqp:            reqp,
		ResponseTopic:   responseTopic,
		CorrelationData: correlationData,
		StartedAt:       now,
		SessionID:       sessionID,
		BackendID:       backendID,
		RtcID:           &rtcID,
		Deadline:        deadlineFor(now, "UploadStream", m.deps.DefaultTimeout, m.deps.StreamUploadTimeout),
	})

	out := &signal.Outgoing{
		Method:      signal.MethodStreamUpload,
		Transaction: token,
		Connection:  signal.Connection{BackendID: backendID, SessionID: sessionID, HandleID: handleID},
	}
	if err := m.deps.Gateway.Message(ctx, out); err != nil {
		m.table.Retire(token)
		return fmt.Errorf("backendmgr: publish stream.upload: %w", err)
	}
	return nil
}

// OnUploadAck retires the UploadStream transaction matching token and
// finalizes the rtc's recording, per §4.5: once the gateway acks with
// segments, the recording transitions to Ready; on a failed ack it
// transitions to Missing.
func (m *Manager) OnUploadAck(ctx context.Context, token string, segments []UploadedSegment, dumpsURIs string, ok bool) {
	txn, found := m.table.Retire(token)
	if !found {
		logging.Warn(ctx, "backendmgr: upload ack for unknown transaction")
		return
	}
	if txn.RtcID == nil {
		return
	}

	if !ok {
		if err := m.deps.Recordings.Finalize(ctx, *txn.RtcID, store.RecordingMissing, ""); err != nil {
			logging.Error(ctx, "backendmgr: finalize recording as missing", zap.Error(err))
		}
		return
	}

	for _, seg := range segments {
		if err := m.deps.Recordings.AppendSegment(ctx, *txn.RtcID, seg.Lo, seg.Hi); err != nil {
			logging.Error(ctx, "backendmgr: append recording segment", zap.Error(err))
			return
		}
	}
	if err := m.deps.Recordings.Finalize(ctx, *txn.RtcID, store.RecordingReady, dumpsURIs); err != nil {
		logging.Error(ctx, "backendmgr: finalize recording as ready", zap.Error(err))
	}
}
