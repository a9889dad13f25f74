package repository

import (
	"context"
	"time"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

// CallRepository persists call lifecycle records.
type CallRepository interface {
	// StartCall records a call as in progress. A call that already ended is
	// left untouched.
	StartCall(ctx context.Context, call domain.CallRecord) error
	// EndCall records the end of a call. It reports false, and changes
	// nothing, when the call had already been ended.
	EndCall(ctx context.Context, call domain.CallRecord) (bool, error)
	GetCall(ctx context.Context, id string) (*domain.CallRecord, error)
}

// TranscriptRepository stores utterances attached to calls.
type TranscriptRepository interface {
	AppendTranscript(ctx context.Context, rec domain.TranscriptRecord) error
	ListTranscripts(ctx context.Context, callID string, limit int) ([]domain.TranscriptRecord, error)
}

// ToolCallRepository stores evaluated tool calls.
type ToolCallRepository interface {
	SaveToolCall(ctx context.Context, rec domain.ToolCallLog) error
}

// NotificationRepository stores SMS dispatch outcomes.
type NotificationRepository interface {
	SaveNotification(ctx context.Context, rec domain.NotificationLog) error
}

// StatsRepository answers the aggregate counts behind the summary endpoint.
type StatsRepository interface {
	CountCalls(ctx context.Context, since time.Time) (int, error)
	CountCallsByPriority(ctx context.Context, since time.Time) (map[domain.Priority]int, error)
	CountNotificationsByStatus(ctx context.Context, since time.Time) (map[string]int, error)
	CountToolCalls(ctx context.Context, since time.Time) (int, error)
}

// Store bundles every repository the service needs.
type Store interface {
	CallRepository
	TranscriptRepository
	ToolCallRepository
	NotificationRepository
	StatsRepository
}
