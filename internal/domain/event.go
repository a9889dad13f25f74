package domain

import (
	"encoding/json"
	"time"
)

// EventType is the discriminant carried in every webhook payload.
type EventType string

const (
	EventHealthCheck  EventType = "health-check"
	EventCallStarted  EventType = "call-started"
	EventCallEnded    EventType = "call-ended"
	EventToolCalls    EventType = "tool-calls"
	EventTranscript   EventType = "transcript"
	EventFunctionCall EventType = "function-call"
	EventMessage      EventType = "message"
)

// Known reports whether t is one of the supported event kinds.
func (t EventType) Known() bool {
	switch t {
	case EventHealthCheck, EventCallStarted, EventCallEnded, EventToolCalls,
		EventTranscript, EventFunctionCall, EventMessage:
		return true
	}
	return false
}

// Envelope is the raw inbound request as seen by the validator.
type Envelope struct {
	// ReceivedAt is the reference time for the timestamp skew check.
	ReceivedAt time.Time
	RawBody    []byte
	Signature  string
}

// Event is a payload that passed schema and required-field validation.
// Variants embed Base.
type Event interface {
	Kind() EventType
	OccurredAt() time.Time
	sealed()
}

// Base holds the fields every event variant shares.
type Base struct {
	Timestamp time.Time
}

func (b Base) OccurredAt() time.Time { return b.Timestamp }
func (Base) sealed()                 {}

// CallInfo is the subset of the platform's call object the service relies on.
type CallInfo struct {
	ID             string
	AssistantID    string
	PhoneNumber    string
	CustomerNumber string
	StartedAt      time.Time
	EndedAt        time.Time
}

type HealthCheckEvent struct {
	Base
}

func (HealthCheckEvent) Kind() EventType { return EventHealthCheck }

type CallStartedEvent struct {
	Base
	Call CallInfo
}

func (CallStartedEvent) Kind() EventType { return EventCallStarted }

// CallEndedEvent carries the end-of-call report. Description is the text
// used for priority classification (analysis summary, summary or transcript).
type CallEndedEvent struct {
	Base
	Call        CallInfo
	EndedReason string
	DurationSec float64
	Cost        float64
	Description string
	Transcript  string
	ServiceType string
}

func (CallEndedEvent) Kind() EventType { return EventCallEnded }

type ToolCallsEvent struct {
	Base
	CallID    string
	ToolCalls []ToolCall
}

func (ToolCallsEvent) Kind() EventType { return EventToolCalls }

type TranscriptEvent struct {
	Base
	CallID     string
	Role       string
	Transcript string
	Final      bool
}

func (TranscriptEvent) Kind() EventType { return EventTranscript }

type FunctionCallEvent struct {
	Base
	CallID string
	Name   string
	Params json.RawMessage
}

func (FunctionCallEvent) Kind() EventType { return EventFunctionCall }

type MessageEvent struct {
	Base
	CallID  string
	Role    string
	Content string
}

func (MessageEvent) Kind() EventType { return EventMessage }
