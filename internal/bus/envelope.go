package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind distinguishes the three message shapes the bus protocol defines.
type Kind string

const (
	KindRequest  Kind = "request"
	KindResponse Kind = "response"
	KindEvent    Kind = "event"
)

// Properties carries the envelope's routing and correlation metadata,
// mirroring the MQTT v5 user-properties the wire protocol is modeled on.
type Properties struct {
	Kind           Kind      `json:"type"`
	Method         string    `json:"method,omitempty"`
	CorrelationData string   `json:"correlation_data,omitempty"`
	ResponseTopic  string    `json:"response_topic,omitempty"`
	AgentID        string    `json:"agent_id,omitempty"`
	AgentLabel     string    `json:"agent_label,omitempty"`
	StatusCode     int       `json:"status,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Envelope is the single wire shape exchanged over every topic this broker
// publishes or subscribes to: a request carries Method+ResponseTopic, a
// response carries StatusCode+CorrelationData, an event carries neither and
// fans out to subscribers instead of a single reply topic.
type Envelope struct {
	Properties Properties      `json:"properties"`
	Payload    json.RawMessage `json:"payload"`
}

// NewRequest builds a request envelope addressed to method, with a reply
// expected on responseTopic and correlated via correlationData.
func NewRequest(method, agentID, responseTopic, correlationData string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request payload: %w", err)
	}
	return &Envelope{
		Properties: Properties{
			Kind:            KindRequest,
			Method:          method,
			AgentID:         agentID,
			ResponseTopic:   responseTopic,
			CorrelationData: correlationData,
			Timestamp:       time.Now().UTC(),
		},
		Payload: raw,
	}, nil
}

// NewResponse builds a response envelope correlated back to a prior request.
func NewResponse(statusCode int, correlationData string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal response payload: %w", err)
	}
	return &Envelope{
		Properties: Properties{
			Kind:            KindResponse,
			StatusCode:      statusCode,
			CorrelationData: correlationData,
			Timestamp:       time.Now().UTC(),
		},
		Payload: raw,
	}, nil
}

// NewEvent builds a broadcast event envelope, optionally naming the label
// the label this broker is acting under.
func NewEvent(label string, payload any) (*Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return &Envelope{
		Properties: Properties{
			Kind:       KindEvent,
			AgentLabel: label,
			Timestamp:  time.Now().UTC(),
		},
		Payload: raw,
	}, nil
}

// Unmarshal decodes the envelope payload into v.
func (e *Envelope) Unmarshal(v any) error {
	if e == nil || len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Topic builders. Names mirror SPEC_FULL §6 exactly.

// AgentInbound is the topic a backend/agent service publishes requests to.
func AgentInbound(agentLabel, service string) string {
	return fmt.Sprintf("agents/%s/api/v1/in/%s", agentLabel, service)
}

// AudienceEvents is the broadcast topic for an audience's room/system events.
func AudienceEvents(audience string) string {
	return fmt.Sprintf("audiences/%s/events", audience)
}

// RoomEvents is the broadcast topic for a single room's events.
func RoomEvents(roomID string) string {
	return fmt.Sprintf("rooms/%s/events", roomID)
}

// BackendInbound is the topic this broker publishes outgoing backend
// requests to (attach/message/trickle/detach), one per backend id.
func BackendInbound(backendID string) string {
	return fmt.Sprintf("agents/%s/api/v1/in/backend", backendID)
}
