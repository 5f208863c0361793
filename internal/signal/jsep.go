package signal

import (
	"encoding/json"
	"strings"
)

// JsepClass is the classification the signaling state machine assigns to an
// inbound JSEP payload.
type JsepClass int

const (
	// ClassInvalid covers shapes that match none of the recognized cases.
	ClassInvalid JsepClass = iota
	ClassReadOnlyOffer
	ClassWriteOffer
	ClassAnswer
	ClassTrickle
)

func (c JsepClass) String() string {
	switch c {
	case ClassReadOnlyOffer:
		return "read_only_offer"
	case ClassWriteOffer:
		return "write_offer"
	case ClassAnswer:
		return "answer"
	case ClassTrickle:
		return "trickle"
	default:
		return "invalid"
	}
}

type offerOrAnswer struct {
	Type string `json:"type"`
	Sdp  string `json:"sdp"`
}

type trickleCandidate struct {
	Candidate *string `json:"candidate"`
	Completed bool    `json:"completed"`
}

// Classify inspects raw JSEP JSON and returns its class. It never panics:
// any shape it can't parse into one of the recognized cases yields
// ClassInvalid, never an error.
func Classify(raw json.RawMessage) JsepClass {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ClassTrickle
	}

	var sdpMsg offerOrAnswer
	if err := json.Unmarshal(raw, &sdpMsg); err == nil && sdpMsg.Type != "" {
		switch sdpMsg.Type {
		case "offer":
			if everyMediaSectionIsRecvonly(sdpMsg.Sdp) {
				return ClassReadOnlyOffer
			}
			return ClassWriteOffer
		case "answer":
			return ClassAnswer
		}
	}

	var candidate map[string]json.RawMessage
	if err := json.Unmarshal(raw, &candidate); err == nil {
		if _, hasCandidate := candidate["candidate"]; hasCandidate {
			return ClassTrickle
		}
		if completed, hasCompleted := candidate["completed"]; hasCompleted {
			var b bool
			if err := json.Unmarshal(completed, &b); err == nil && b {
				return ClassTrickle
			}
		}
	}

	return ClassInvalid
}

// everyMediaSectionIsRecvonly walks an SDP's media ("m=") sections and
// reports whether every section carries exactly one of
// {recvonly, sendonly, sendrecv} and that attribute is recvonly in every
// section. A malformed or sectionless SDP is treated as not-recvonly
// (WriteOffer), matching the spec's "otherwise" fallback.
func everyMediaSectionIsRecvonly(sdp string) bool {
	lines := strings.Split(sdp, "\n")
	var sections [][]string
	var current []string
	inMedia := false

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if strings.HasPrefix(line, "m=") {
			if inMedia {
				sections = append(sections, current)
			}
			current = []string{line}
			inMedia = true
			continue
		}
		if inMedia {
			current = append(current, line)
		}
	}
	if inMedia {
		sections = append(sections, current)
	}
	if len(sections) == 0 {
		return false
	}

	for _, section := range sections {
		directions := 0
		isRecvonly := false
		for _, line := range section {
			switch strings.TrimSpace(line) {
			case "a=recvonly":
				directions++
				isRecvonly = true
			case "a=sendonly", "a=sendrecv":
				directions++
			}
		}
		if directions != 1 || !isRecvonly {
			return false
		}
	}
	return true
}
