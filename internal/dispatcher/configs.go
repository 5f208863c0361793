package dispatcher

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/logging"
	"github.com/netology-group/conference-broker/internal/store"
)

type readerConfigUpsertRequest struct {
	RtcID        uuid.UUID `json:"rtc_id"`
	ReceiveVideo bool      `json:"receive_video"`
	ReceiveAudio bool      `json:"receive_audio"`
}

type readerConfigResponse struct {
	RtcID        uuid.UUID `json:"rtc_id"`
	ReaderID     string    `json:"reader_id"`
	ReceiveVideo bool      `json:"receive_video"`
	ReceiveAudio bool      `json:"receive_audio"`
}

// handleRtcReaderConfigUpsert upserts the calling agent's own receive
// preference for rtc_id, idempotently, then pushes a "reader_config.update"
// message to the backend handle bound to the agent's connection, if it has
// one yet.
func handleRtcReaderConfigUpsert(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in readerConfigUpsertRequest
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
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rtcs/"+rtc.ID.String(), "update"); appErr != nil {
		return nil, appErr
	}

	cfg, err := d.deps.ReaderConfigs.Upsert(ctx, &store.RtcReaderConfig{
		RtcID:        rtc.ID,
		ReaderID:     req.Agent.String(),
		ReceiveVideo: in.ReceiveVideo,
		ReceiveAudio: in.ReceiveAudio,
	})
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to upsert reader config", err)
	}

	if err := d.deps.BackendMgr.PushReaderConfig(ctx, rtc.ID, req.Agent.String()); err != nil {
		logging.Warn(ctx, "dispatcher: push reader config", zap.Error(err))
	}

	return readerConfigResponse{
		RtcID:        cfg.RtcID,
		ReaderID:     cfg.ReaderID,
		ReceiveVideo: cfg.ReceiveVideo,
		ReceiveAudio: cfg.ReceiveAudio,
	}, nil
}

type writerConfigUpsertRequest struct {
	RtcID     uuid.UUID `json:"rtc_id"`
	SendVideo bool      `json:"send_video"`
	SendAudio bool      `json:"send_audio"`
	VideoRemb *int64    `json:"video_remb,omitempty"`
}

type writerConfigResponse struct {
	RtcID     uuid.UUID `json:"rtc_id"`
	SendVideo bool      `json:"send_video"`
	SendAudio bool      `json:"send_audio"`
	VideoRemb *int64    `json:"video_remb,omitempty"`
}

// handleRtcWriterConfigUpsert upserts rtc_id's writer send/encoding
// preference, per §3 "pushed to backend on change", then pushes a
// "writer_config.update" message to the backend handle bound to the
// calling agent's connection, if it has one yet.
func handleRtcWriterConfigUpsert(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in writerConfigUpsertRequest
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
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rtcs/"+rtc.ID.String(), "update"); appErr != nil {
		return nil, appErr
	}

	cfg, err := d.deps.WriterConfigs.Upsert(ctx, &store.RtcWriterConfig{
		RtcID:     rtc.ID,
		SendVideo: in.SendVideo,
		SendAudio: in.SendAudio,
		VideoRemb: in.VideoRemb,
	})
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to upsert writer config", err)
	}

	if err := d.deps.BackendMgr.PushWriterConfig(ctx, rtc.ID, req.Agent.String()); err != nil {
		logging.Warn(ctx, "dispatcher: push writer config", zap.Error(err))
	}

	return writerConfigResponse{
		RtcID:     cfg.RtcID,
		SendVideo: cfg.SendVideo,
		SendAudio: cfg.SendAudio,
		VideoRemb: cfg.VideoRemb,
	}, nil
}
