package dispatcher

import (
	"context"

	"github.com/google/uuid"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/store"
)

type agentListRequest struct {
	RoomID uuid.UUID `json:"room_id"`
	Limit  *int      `json:"limit,omitempty"`
}

type agentResponse struct {
	AgentID string          `json:"agent_id"`
	RoomID  uuid.UUID       `json:"room_id"`
	Status  store.AgentStatus `json:"status"`
}

func handleAgentList(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in agentListRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.RoomID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String()+"/agents", "list"); appErr != nil {
		return nil, appErr
	}

	limit := clampLimitPtr(in.Limit)
	agents, err := d.deps.Agents.List(ctx, room.ID, limit)
	if err != nil {
		return nil, apperr.New(apperr.KindGeneral, "failed to list agents", err)
	}
	out := make([]agentResponse, len(agents))
	for i, a := range agents {
		out[i] = agentResponse{AgentID: a.AgentID, RoomID: a.RoomID, Status: a.Status}
	}
	return out, nil
}

type subscriptionRequest struct {
	RoomID uuid.UUID `json:"room_id"`
}

// handleSubscriptionCreate authorizes and acknowledges a room-events
// subscription; the actual subscribe call against the bus happens once,
// at startup, on the service's own static topic set (SPEC_FULL §6) — this
// handler only answers whether the caller may listen.
func handleSubscriptionCreate(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in subscriptionRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.RoomID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String()+"/events", "subscribe"); appErr != nil {
		return nil, appErr
	}
	return map[string]string{"topic": "rooms/" + room.ID.String() + "/events"}, nil
}

func handleSubscriptionDelete(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in subscriptionRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	room, appErr := d.getRoom(ctx, in.RoomID)
	if appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, room.Audience, req.Agent.String(), "rooms/"+room.ID.String()+"/events", "unsubscribe"); appErr != nil {
		return nil, appErr
	}
	return map[string]string{"ok": "true"}, nil
}
