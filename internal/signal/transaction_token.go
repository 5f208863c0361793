package signal

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Reqp is the original request's envelope headers, embedded in every
// transaction token so the gateway's asynchronous response can be routed
// back to the caller that made the original request.
type Reqp struct {
	Method       string `json:"method"`
	AgentLabel   string `json:"agent_label"`
	AccountLabel string `json:"account_label"`
	Audience     string `json:"audience"`
}

// CreateRtcHandle correlates an outgoing "attach" request.
type CreateRtcHandle struct {
	RtcID     uuid.UUID `json:"rtc_id"`
	SessionID int64     `json:"session_id"`
	Reqp      Reqp      `json:"reqp"`
}

// CreateStream correlates an outgoing "stream.create" message.
type CreateStream struct {
	RtcID     uuid.UUID `json:"rtc_id"`
	SessionID int64     `json:"session_id"`
	HandleID  int64     `json:"handle_id"`
	Reqp      Reqp      `json:"reqp"`
}

// ReadStream correlates an outgoing "stream.read" message.
type ReadStream struct {
	RtcID     uuid.UUID `json:"rtc_id"`
	SessionID int64     `json:"session_id"`
	HandleID  int64     `json:"handle_id"`
	Reqp      Reqp      `json:"reqp"`
}

// Trickle correlates an outgoing ICE trickle request.
type Trickle struct {
	RtcID     uuid.UUID `json:"rtc_id"`
	SessionID int64     `json:"session_id"`
	HandleID  int64     `json:"handle_id"`
	Reqp      Reqp      `json:"reqp"`
}

// UploadStream correlates an outgoing "stream.upload" message.
type UploadStream struct {
	RtcID     uuid.UUID `json:"rtc_id"`
	SessionID int64     `json:"session_id"`
	HandleID  int64     `json:"handle_id"`
	Reqp      Reqp      `json:"reqp"`
}

// ServicePing correlates a housekeeping ping with no rtc/backend context.
type ServicePing struct {
	Reqp Reqp `json:"reqp"`
}

// Token is the tagged union of outgoing-transaction kinds, serialized the
// way the original Rust service's serde externally-tagged enum does:
// exactly one field is present, named after its variant.
type Token struct {
	CreateRtcHandle *CreateRtcHandle `json:"CreateRtcHandle,omitempty"`
	CreateStream    *CreateStream    `json:"CreateStream,omitempty"`
	ReadStream      *ReadStream      `json:"ReadStream,omitempty"`
	Trickle         *Trickle         `json:"Trickle,omitempty"`
	UploadStream    *UploadStream    `json:"UploadStream,omitempty"`
	ServicePing     *ServicePing     `json:"ServicePing,omitempty"`
}

// ErrMalformedToken is returned by Decode for any input that does not
// base64-decode, json-decode, or carry exactly one populated variant.
var ErrMalformedToken = errors.New("signal: malformed transaction token")

// Kind names the populated variant, or "" if none (or more than one) is set.
func (t Token) Kind() string {
	set := 0
	var kind string
	check := func(name string, present bool) {
		if present {
			set++
			kind = name
		}
	}
	check("CreateRtcHandle", t.CreateRtcHandle != nil)
	check("CreateStream", t.CreateStream != nil)
	check("ReadStream", t.ReadStream != nil)
	check("Trickle", t.Trickle != nil)
	check("UploadStream", t.UploadStream != nil)
	check("ServicePing", t.ServicePing != nil)
	if set != 1 {
		return ""
	}
	return kind
}

// ReqpOf returns the Reqp embedded in whichever variant is set, or the
// zero Reqp if none is.
func (t Token) ReqpOf() Reqp {
	switch {
	case t.CreateRtcHandle != nil:
		return t.CreateRtcHandle.Reqp
	case t.CreateStream != nil:
		return t.CreateStream.Reqp
	case t.ReadStream != nil:
		return t.ReadStream.Reqp
	case t.Trickle != nil:
		return t.Trickle.Reqp
	case t.UploadStream != nil:
		return t.UploadStream.Reqp
	case t.ServicePing != nil:
		return t.ServicePing.Reqp
	default:
		return Reqp{}
	}
}

// EncodeToken serializes token to a base64-encoded JSON blob suitable for
// the outgoing backend request's "transaction" field.
func EncodeToken(token Token) (string, error) {
	if token.Kind() == "" {
		return "", fmt.Errorf("signal: token must carry exactly one variant")
	}
	raw, err := json.Marshal(token)
	if err != nil {
		return "", fmt.Errorf("signal: marshal transaction token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// DecodeToken is the inverse of EncodeToken. It never panics: any
// malformed input yields ErrMalformedToken.
func DecodeToken(encoded string) (Token, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	var token Token
	if err := json.Unmarshal(raw, &token); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if token.Kind() == "" {
		return Token{}, ErrMalformedToken
	}
	return token, nil
}
