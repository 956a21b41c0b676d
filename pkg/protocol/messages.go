package protocol

import (
	"errors"
	"time"
)

// Hello is sent by the relay right after a client connects.
type Hello struct {
	ClientID string `json:"client_id"`
}

// Error represents an error reply from the relay.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// FileDescriptor announces one file a sender is offering.
type FileDescriptor struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Type string `json:"type"`
}

// PrepareSend registers a list of files and asks the relay for a retrieval code.
type PrepareSend struct {
	Files []FileDescriptor `json:"files"`
}

// PrepareSendAck carries the retrieval code generated for a PrepareSend.
type PrepareSendAck struct {
	RecvCode  string    `json:"recv_code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PrepareRecv looks up a retrieval code.
type PrepareRecv struct {
	RecvCode string `json:"recv_code"`
}

// PrepareRecvAck tells a receiver who the sender is and what it offers.
type PrepareRecvAck struct {
	ClientID string           `json:"client_id"`
	Files    []FileDescriptor `json:"files"`
}

// DeleteRecvCode invalidates a retrieval code.
type DeleteRecvCode struct {
	RecvCode string `json:"recv_code"`
}

// SessionDescription is an SDP offer or answer.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// ICECandidate is a trickled network path candidate.
type ICECandidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// Signal carries either a session description or a candidate between two clients.
// Outbound signals name TargetID; the relay rewrites them to carry SourceClientID.
type Signal struct {
	TargetID       string              `json:"target_id,omitempty"`
	SourceClientID string              `json:"source_client_id,omitempty"`
	SDP            *SessionDescription `json:"sdp,omitempty"`
	ICE            *ICECandidate       `json:"ice,omitempty"`
}

// Validate reports whether exactly one of SDP and ICE is set.
func (s Signal) Validate() error {
	switch {
	case s.SDP == nil && s.ICE == nil:
		return errors.New("signal carries neither sdp nor ice")
	case s.SDP != nil && s.ICE != nil:
		return errors.New("signal carries both sdp and ice")
	}
	return nil
}
