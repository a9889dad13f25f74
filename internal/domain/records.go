package domain

import (
	"encoding/json"
	"time"
)

// CallRecord is the persisted view of a call.
type CallRecord struct {
	ID             string
	AssistantID    string
	PhoneNumber    string
	CustomerNumber string
	Status         string
	StartedAt      *time.Time
	EndedAt        *time.Time
	EndedReason    string
	DurationSec    float64
	Cost           float64
	Priority       Priority
	SLASeconds     *int
	Summary        string
	UpdatedAt      time.Time
}

const (
	CallStatusInProgress = "in-progress"
	CallStatusEnded      = "ended"
)

// TranscriptRecord is one utterance or message attached to a call.
type TranscriptRecord struct {
	ID        string
	CallID    string
	Role      string
	Content   string
	Final     bool
	CreatedAt time.Time
}

// ToolCallLog records a processed tool call and its outcome.
type ToolCallLog struct {
	ID         string
	CallID     string
	ToolCallID string
	Name       string
	Arguments  json.RawMessage
	Result     json.RawMessage
	Error      string
	DurationMS int64
	CreatedAt  time.Time
}

// NotificationLog records one dispatch outcome for one recipient.
type NotificationLog struct {
	ID        string
	Recipient string
	Message   string
	MessageID string
	Status    string
	Error     string
	Attempts  int
	CreatedAt time.Time
}

const (
	NotificationSent   = "sent"
	NotificationFailed = "failed"
)
