// Package signal implements the per-RTC signaling state machine: it
// classifies an agent's JSEP payload, decides what persistent writer/reader
// state it implies, and produces the outgoing backend request (with its
// correlating transaction token) the caller should publish.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/netology-group/conference-broker/internal/store"
)

var (
	ErrInvalidJsep        = errors.New("signal: invalid jsep payload")
	ErrInvalidSdpType     = errors.New("signal: answer is not a valid sdp type for rtc_signal.create")
	ErrNoConnection       = errors.New("signal: agent has no connection for this rtc")
	ErrWriterConflict     = errors.New("signal: another writer is already bound to this rtc")
	ErrRoomClosed         = errors.New("signal: room is closed")
	ErrPolicyForbidsWriter = errors.New("signal: room policy forbids this agent from writing")
	ErrLabelRequired      = errors.New("signal: write offers must carry a label")
)

// AgentIdentity is the authenticated triple (label, account, audience) the
// spec renders "label.account.audience".
type AgentIdentity struct {
	Label        string
	AccountLabel string
	Audience     string
}

func (a AgentIdentity) String() string {
	return a.Label + "." + a.AccountLabel + "." + a.Audience
}

// Connection names the backend/session/handle an agent is already attached
// to for this rtc, established previously by rtc.connect.
type Connection struct {
	BackendID uuid.UUID
	SessionID int64
	HandleID  int64
}

// Dependencies are the persistence ports the state machine consults.
type Dependencies struct {
	Agents  store.AgentQueries
	Streams store.StreamQueries
	Writers store.WriterConfigQueries
}

// BackendMethod is the outgoing janus "message"/"trickle" method this
// decision produces.
type BackendMethod string

const (
	MethodStreamCreate BackendMethod = "stream.create"
	MethodStreamRead   BackendMethod = "stream.read"
	MethodTrickle      BackendMethod = "trickle"
	MethodStreamUpload BackendMethod = "stream.upload"
)

// Outgoing is the backend request the caller (the dispatcher/backend
// manager) should publish, already carrying its correlation token.
type Outgoing struct {
	Class       JsepClass
	Method      BackendMethod
	Transaction string
	Connection  Connection
	Jsep        json.RawMessage
}

// Decide runs the classify → precondition-check → persist → build-request
// pipeline for one rtc_signal.create request.
func Decide(
	ctx context.Context,
	deps Dependencies,
	now time.Time,
	room store.Room,
	rtc store.Rtc,
	conn Connection,
	agent AgentIdentity,
	reqp Reqp,
	jsep json.RawMessage,
	label string,
) (*Outgoing, error) {
	class := Classify(jsep)

	switch class {
	case ClassAnswer:
		return nil, ErrInvalidSdpType
	case ClassInvalid:
		return nil, ErrInvalidJsep
	case ClassTrickle:
		return decideTrickle(ctx, deps, rtc, conn, agent, reqp, jsep)
	case ClassReadOnlyOffer:
		if room.Closed(now) {
			return nil, ErrRoomClosed
		}
		return decideReadOnlyOffer(ctx, deps, rtc, conn, agent, reqp, jsep)
	case ClassWriteOffer:
		if room.Closed(now) {
			return nil, ErrRoomClosed
		}
		return decideWriteOffer(ctx, room, deps, rtc, conn, agent, reqp, jsep, label)
	default:
		return nil, ErrInvalidJsep
	}
}

func requireConnection(ctx context.Context, deps Dependencies, rtcID uuid.UUID, agent AgentIdentity) error {
	_, err := deps.Agents.ConnectionFor(ctx, agent.String(), rtcID)
	if errors.Is(err, store.ErrNotFound) {
		return ErrNoConnection
	}
	return err
}

func decideTrickle(ctx context.Context, deps Dependencies, rtc store.Rtc, conn Connection, agent AgentIdentity, reqp Reqp, jsep json.RawMessage) (*Outgoing, error) {
	if err := requireConnection(ctx, deps, rtc.ID, agent); err != nil {
		return nil, err
	}

	token, err := EncodeToken(Token{Trickle: &Trickle{
		RtcID:     rtc.ID,
		SessionID: conn.SessionID,
		HandleID:  conn.HandleID,
		Reqp:      reqp,
	}})
	if err != nil {
		return nil, err
	}

	return &Outgoing{Class: ClassTrickle, Method: MethodTrickle, Transaction: token, Connection: conn, Jsep: jsep}, nil
}

func decideReadOnlyOffer(ctx context.Context, deps Dependencies, rtc store.Rtc, conn Connection, agent AgentIdentity, reqp Reqp, jsep json.RawMessage) (*Outgoing, error) {
	if err := requireConnection(ctx, deps, rtc.ID, agent); err != nil {
		return nil, err
	}

	token, err := EncodeToken(Token{ReadStream: &ReadStream{
		RtcID:     rtc.ID,
		SessionID: conn.SessionID,
		HandleID:  conn.HandleID,
		Reqp:      reqp,
	}})
	if err != nil {
		return nil, err
	}

	return &Outgoing{Class: ClassReadOnlyOffer, Method: MethodStreamRead, Transaction: token, Connection: conn, Jsep: jsep}, nil
}

func decideWriteOffer(ctx context.Context, room store.Room, deps Dependencies, rtc store.Rtc, conn Connection, agent AgentIdentity, reqp Reqp, jsep json.RawMessage, label string) (*Outgoing, error) {
	if label == "" {
		return nil, ErrLabelRequired
	}
	if err := requireConnection(ctx, deps, rtc.ID, agent); err != nil {
		return nil, err
	}

	switch room.RtcSharingPolicy {
	case store.PolicyNone:
		return nil, ErrPolicyForbidsWriter
	case store.PolicyOwned:
		if rtc.CreatedBy != agent.String() {
			return nil, ErrPolicyForbidsWriter
		}
	case store.PolicyShared:
		// any connected agent may attempt to become writer; uniqueness is
		// enforced by the stream insert below.
	}

	stream := &store.RtcStream{
		RtcID:     rtc.ID,
		BackendID: conn.BackendID,
		HandleID:  conn.HandleID,
		Label:     label,
		SentBy:    agent.String(),
	}
	if err := deps.Streams.Create(ctx, stream); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrWriterConflict
		}
		return nil, fmt.Errorf("signal: reserve writer stream: %w", err)
	}

	// Optionally upsert writer config: a fresh writer binding gets the
	// default send_video=send_audio=true config row if none exists yet,
	// so rtc_writer_config.upsert has something to find and update later.
	if _, err := deps.Writers.Get(ctx, rtc.ID); errors.Is(err, store.ErrNotFound) {
		if _, err := deps.Writers.Upsert(ctx, &store.RtcWriterConfig{RtcID: rtc.ID, SendVideo: true, SendAudio: true}); err != nil {
			return nil, fmt.Errorf("signal: ensure writer config: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("signal: load writer config: %w", err)
	}

	token, err := EncodeToken(Token{CreateStream: &CreateStream{
		RtcID:     rtc.ID,
		SessionID: conn.SessionID,
		HandleID:  conn.HandleID,
		Reqp:      reqp,
	}})
	if err != nil {
		return nil, err
	}

	return &Outgoing{Class: ClassWriteOffer, Method: MethodStreamCreate, Transaction: token, Connection: conn, Jsep: jsep}, nil
}
