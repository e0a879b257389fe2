// Package signal relays call-control messages between peers through the live
// data backend: a sender writes a Signal record, the backend pushes it to the
// recipient's open subscription, and the recipient's Service hands it to the
// registered listener for that category.
package signal

import (
	"time"

	"github.com/caselink/signalhub/internal/errs"
)

// Type is the category of a signaling message.
type Type string

const (
	TypeOffer            Type = "offer"
	TypeAnswer           Type = "answer"
	TypeICECandidate     Type = "ice_candidate"
	TypeCallRequest      Type = "call_request"
	TypeCallAccept       Type = "call_accept"
	TypeCallReject       Type = "call_reject"
	TypeGroupCallRequest Type = "group_call_request"
	TypeGroupCallJoin    Type = "group_call_join"
	TypeGroupCallLeave   Type = "group_call_leave"
)

var validTypes = map[Type]struct{}{
	TypeOffer: {}, TypeAnswer: {}, TypeICECandidate: {},
	TypeCallRequest: {}, TypeCallAccept: {}, TypeCallReject: {},
	TypeGroupCallRequest: {}, TypeGroupCallJoin: {}, TypeGroupCallLeave: {},
}

// Signal is one directed or group-addressed control message. Exactly one of
// ToUser and GroupID must be set. Data is an opaque payload whose shape
// depends on Type; the relay never interprets it.
type Signal struct {
	ID        string         `json:"id,omitempty"`
	Type      Type           `json:"signal_type"`
	FromUser  string         `json:"from_user"`
	ToUser    string         `json:"to_user,omitempty"`
	GroupID   string         `json:"group_id,omitempty"`
	Data      map[string]any `json:"signal_data,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	CreatedAt time.Time      `json:"created_at,omitzero"`
}

// SessionDescription is the payload of offer and answer signals.
type SessionDescription struct {
	SDP              string         `json:"sdp"`
	MediaConstraints map[string]any `json:"media_constraints,omitempty"`
}

// ICECandidate is the payload of ice_candidate signals.
type ICECandidate struct {
	Candidate     string `json:"candidate"`
	SDPMLineIndex int    `json:"sdp_mline_index"`
	SDPMid        string `json:"sdp_mid,omitempty"`
}

// CallInfo is the payload of the call_* and group_call_* signals.
type CallInfo struct {
	CallID     string         `json:"call_id,omitempty"`
	CallType   string         `json:"call_type,omitempty"` // "voice" or "video"
	CallerName string         `json:"caller_name,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Validate rejects malformed signals before any backend write.
func (s *Signal) Validate() error {
	if _, ok := validTypes[s.Type]; !ok {
		return errs.Validation("unknown signal type " + string(s.Type))
	}
	if s.FromUser == "" {
		return errs.Validation("signal is missing from_user")
	}
	if s.ToUser == "" && s.GroupID == "" {
		return errs.Validation("signal needs either to_user or group_id")
	}
	if s.ToUser != "" && s.GroupID != "" {
		return errs.Validation("signal must not set both to_user and group_id")
	}
	return nil
}
