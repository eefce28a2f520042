package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProtocolVersion is the control protocol version
const ProtocolVersion = "1"

// MessageType defines message types for control-plane communication
type MessageType string

const (
	// MessageTypeInformation asks for version information
	MessageTypeInformation MessageType = "information"
	// MessageTypeCurrentData asks for the full manager snapshot; also pushed periodically
	MessageTypeCurrentData MessageType = "currentData"
	// MessageTypeLogHistory asks for the retained log lines
	MessageTypeLogHistory MessageType = "logHistory"
	// MessageTypeNotifications asks for the notification ring
	MessageTypeNotifications MessageType = "notifications"
	// MessageTypeClearNotification drops one notification by sequence
	MessageTypeClearNotification MessageType = "clearNotification"
	// MessageTypeClearNotifications drops every notification
	MessageTypeClearNotifications MessageType = "clearNotifications"
	// MessageTypeCreateProfile creates a profile
	MessageTypeCreateProfile MessageType = "createProfile"
	// MessageTypeRemoveProfile removes a profile
	MessageTypeRemoveProfile MessageType = "removeProfile"
	// MessageTypeUpdateProfile changes the options of a closed profile
	MessageTypeUpdateProfile MessageType = "updateProfile"
	// MessageTypeStartProfile opens a profile's service
	MessageTypeStartProfile MessageType = "startProfile"
	// MessageTypeStopProfile closes a profile's service
	MessageTypeStopProfile MessageType = "stopProfile"
	// MessageTypeDestroyConnection tears one connection down
	MessageTypeDestroyConnection MessageType = "destroyConnection"
	// MessageTypeResponse answers a request with the same ID
	MessageTypeResponse MessageType = "response"
	// MessageTypeLog carries one log line
	MessageTypeLog MessageType = "log"
	// MessageTypeEvent carries one manager or service signal
	MessageTypeEvent MessageType = "event"
	// MessageTypePing keeps the connection alive
	MessageTypePing MessageType = "ping"
	// MessageTypePong is a response to ping
	MessageTypePong MessageType = "pong"
)

// Message represents the base structure for all control-plane messages
type Message struct {
	// Type is the message type
	Type MessageType `json:"type"`
	// ID correlates a request with its response
	ID string `json:"id,omitempty"`
	// Version is the protocol version
	Version string `json:"version"`
	// Timestamp is when the message was created (in milliseconds since epoch)
	Timestamp int64 `json:"timestamp"`
	// Payload contains the actual message data
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewMessage creates a new message with specified type and payload
func NewMessage(msgType MessageType, payload interface{}) (*Message, error) {
	var payloadJSON json.RawMessage
	var err error

	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to convert payload to JSON: %v", err)
		}
	}

	return &Message{
		Type:      msgType,
		Version:   ProtocolVersion,
		Timestamp: time.Now().UnixNano() / int64(time.Millisecond),
		Payload:   payloadJSON,
	}, nil
}

// NewResponse builds the response to request id. A nil err means success.
func NewResponse(id string, data interface{}, err error) (*Message, error) {
	payload := ResponsePayload{Success: err == nil}
	if err != nil {
		payload.Error = err.Error()
		payload.Code = CodeOf(err)
	} else if data != nil {
		raw, mErr := json.Marshal(data)
		if mErr != nil {
			return nil, fmt.Errorf("failed to convert response data to JSON: %v", mErr)
		}
		payload.Data = raw
	}

	msg, mErr := NewMessage(MessageTypeResponse, payload)
	if mErr != nil {
		return nil, mErr
	}
	msg.ID = id
	return msg, nil
}

// ParsePayload parses message payload into the provided struct
func (m *Message) ParsePayload(v interface{}) error {
	if m.Payload == nil {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// ProfilePayload is for createProfile and updateProfile
type ProfilePayload struct {
	Name    string  `json:"name"`
	Profile Profile `json:"profile"`
}

// NamePayload is for startProfile
type NamePayload struct {
	Name string `json:"name"`
}

// StopPayload is for stopProfile and removeProfile.
// A nil or negative TimeoutMs waits for connections without a deadline.
type StopPayload struct {
	Name      string `json:"name"`
	TimeoutMs *int64 `json:"timeoutMs,omitempty"`
}

// ConnectionPayload is for destroyConnection
type ConnectionPayload struct {
	Name string `json:"name"`
	UID  string `json:"uid"`
}

// SequencePayload is for clearNotification
type SequencePayload struct {
	Sequence uint64 `json:"sequence"`
}

// ResponsePayload is the answer to every request
type ResponsePayload struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Err returns the failure carried by the response, or nil
func (r *ResponsePayload) Err() error {
	if r.Success {
		return nil
	}
	return ErrorFromCode(r.Code, r.Error)
}

// InformationPayload answers an information request
type InformationPayload struct {
	Version         string `json:"version"`
	ProtocolVersion string `json:"protocolVersion"`
}

// EventPayload is the wire form of an Event
type EventPayload struct {
	Signal     Signal   `json:"signal"`
	Service    string   `json:"service,omitempty"`
	Connection string   `json:"connection,omitempty"`
	Profile    *Profile `json:"profile,omitempty"`
	Error      string   `json:"error,omitempty"`
	Sequence   uint64   `json:"sequence,omitempty"`
	Timestamp  int64    `json:"timestamp"`
}

// NewEventPayload converts an Event for the wire
func NewEventPayload(ev Event) EventPayload {
	payload := EventPayload{
		Signal:     ev.Signal,
		Service:    ev.Service,
		Connection: ev.Connection,
		Profile:    ev.Profile,
		Sequence:   ev.Sequence,
		Timestamp:  ev.Time.UnixNano() / int64(time.Millisecond),
	}
	if ev.Err != nil {
		payload.Error = ev.Err.Error()
	}
	return payload
}

// Timeout converts TimeoutMs to a close timeout, negative for no deadline
func (p StopPayload) Timeout() time.Duration {
	if p.TimeoutMs == nil || *p.TimeoutMs < 0 {
		return -1
	}
	return time.Duration(*p.TimeoutMs) * time.Millisecond
}

// NewStopPayload builds a StopPayload from a close timeout
func NewStopPayload(name string, timeout time.Duration) StopPayload {
	p := StopPayload{Name: name}
	if timeout >= 0 {
		ms := timeout.Milliseconds()
		p.TimeoutMs = &ms
	}
	return p
}
