// Package protocol defines the AWCP wire schema: the five protocol
// messages, transport handles, and the task-event stream format.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Version is the protocol version carried in every message header.
const Version = "1"

// MessageType identifies a protocol message kind.
type MessageType string

const (
	MessageTypeInvite MessageType = "INVITE"
	MessageTypeAccept MessageType = "ACCEPT"
	MessageTypeStart  MessageType = "START"
	MessageTypeDone   MessageType = "DONE"
	MessageTypeError  MessageType = "ERROR"
)

// Envelope is the header shared by all protocol messages.
type Envelope struct {
	Version      string      `json:"version"`
	Type         MessageType `json:"type"`
	DelegationID string      `json:"delegationId"`
}

// Header returns the envelope itself so payload structs satisfy Message
// by embedding.
func (e Envelope) Header() Envelope { return e }

// Message is any AWCP protocol message.
type Message interface {
	Header() Envelope
}

// NewEnvelope builds a header for the given type and delegation.
func NewEnvelope(t MessageType, delegationID string) Envelope {
	return Envelope{Version: Version, Type: t, DelegationID: delegationID}
}

// Invite is sent by the delegator to offer a delegation.
type Invite struct {
	Envelope
	Task         TaskSpec       `json:"task"`
	Lease        LeaseConfig    `json:"lease"`
	Environment  []ResourceDecl `json:"environment"`
	Requirements *Requirements  `json:"requirements,omitempty"`
	Auth         *Auth          `json:"auth,omitempty"`
}

// Accept is the executor's positive reply to an INVITE.
type Accept struct {
	Envelope
	ExecutorWorkDir     WorkDir      `json:"executorWorkDir"`
	ExecutorConstraints *Constraints `json:"executorConstraints,omitempty"`
}

// Start activates an accepted delegation, carrying the final lease and the
// transport handle the executor uses to attach the environment.
type Start struct {
	Envelope
	Lease   ActiveLease     `json:"lease"`
	WorkDir json.RawMessage `json:"workDir"`
}

// Handle decodes the tagged transport handle carried by the START message.
func (s *Start) Handle() (TransportHandle, error) {
	return DecodeHandle(s.WorkDir)
}

// SetHandle encodes the handle into the message.
func (s *Start) SetHandle(h TransportHandle) error {
	raw, err := EncodeHandle(h)
	if err != nil {
		return err
	}
	s.WorkDir = raw
	return nil
}

// Done reports successful task completion back to the delegator.
type Done struct {
	Envelope
	FinalSummary string       `json:"finalSummary"`
	Highlights   []string     `json:"highlights,omitempty"`
	Notes        string       `json:"notes,omitempty"`
	Snapshot     *SnapshotRef `json:"snapshot,omitempty"`
}

// ErrorMessage reports a failure in either direction. Code is one of the
// stable taxonomy codes.
type ErrorMessage struct {
	Envelope
	Code    string `json:"code"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// Parse decodes a protocol message, validating the header. Messages with an
// unknown type or a version other than "1" are rejected without inspection
// of the payload.
func Parse(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("invalid message: %w", err)
	}
	if env.Version != Version {
		return nil, fmt.Errorf("unsupported protocol version %q", env.Version)
	}
	if env.DelegationID == "" {
		return nil, fmt.Errorf("message missing delegationId")
	}

	var msg Message
	switch env.Type {
	case MessageTypeInvite:
		msg = &Invite{}
	case MessageTypeAccept:
		msg = &Accept{}
	case MessageTypeStart:
		msg = &Start{}
	case MessageTypeDone:
		msg = &Done{}
	case MessageTypeError:
		msg = &ErrorMessage{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return msg, nil
}
