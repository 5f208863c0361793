package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/netology-group/conference-broker/internal/apperr"
)

type rtcStreamListRequest struct {
	RtcID uuid.UUID `json:"rtc_id"`
	Limit *int      `json:"limit,omitempty"`
}

type rtcStreamResponse struct {
	ID        uuid.UUID  `json:"id"`
	RtcID     uuid.UUID  `json:"rtc_id"`
	Label     string     `json:"label,omitempty"`
	SentBy    string     `json:"sent_by"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func handleRtcStreamList(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in rtcStreamListRequest
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
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String()+"/rtcs/"+rtc.ID.String()+"/streams", "list"); appErr != nil {
		return nil, appErr
	}

	limit := clampLimitPtr(in.Limit)
	streams, err := d.deps.Streams.List(ctx, rtc.ID, limit)
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to list streams", err)
	}
	out := make([]rtcStreamResponse, len(streams))
	for i, s := range streams {
		out[i] = rtcStreamResponse{ID: s.ID, RtcID: s.RtcID, Label: s.Label, SentBy: s.SentBy, StartedAt: s.StartedAt, EndedAt: s.EndedAt}
	}
	return out, nil
}
