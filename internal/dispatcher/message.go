package dispatcher

import (
	"context"
	"encoding/json"

	"github.com/netology-group/conference-broker/internal/apperr"
	"github.com/netology-group/conference-broker/internal/bus"
)

type messageBroadcastRequest struct {
	Audience string          `json:"audience"`
	Label    string          `json:"label,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

func handleMessageBroadcast(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in messageBroadcastRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, in.Audience, req.Agent.String(), "audiences/"+in.Audience, "broadcast"); appErr != nil {
		return nil, appErr
	}

	if d.deps.Bus != nil {
		env, err := bus.NewEvent(in.Label, json.RawMessage(in.Payload))
		if err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to build broadcast event", err)
		}
		env.Properties.Method = "message.broadcast"
		if err := d.deps.Bus.Publish(ctx, bus.AudienceEvents(in.Audience), env); err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to publish broadcast", err)
		}
	}
	return map[string]string{"ok": "true"}, nil
}

type messageUnicastRequest struct {
	AgentLabel string          `json:"agent_label"`
	Payload    json.RawMessage `json:"payload"`
}

func handleMessageUnicast(ctx context.Context, d *Dispatcher, req *Request) (any, *apperr.Error) {
	var in messageUnicastRequest
	if appErr := decodePayload(req, &in); appErr != nil {
		return nil, appErr
	}
	if appErr := d.authorize(ctx, req.Agent.Audience, req.Agent.String(), "agents/"+in.AgentLabel, "unicast"); appErr != nil {
		return nil, appErr
	}

	if d.deps.Bus != nil {
		env, err := bus.NewEvent(req.Agent.Label, json.RawMessage(in.Payload))
		if err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to build unicast event", err)
		}
		env.Properties.Method = "message.unicast"
		if err := d.deps.Bus.Publish(ctx, bus.AgentInbound(in.AgentLabel, "events"), env); err != nil {
			return nil, apperr.New(apperr.KindGeneral, "failed to publish unicast", err)
		}
	}
	return map[string]string{"ok": "true"}, nil
}
