// Package ingest routes validated webhook events to their side effects.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/repository"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/toolcall"
)

// Store is the persistence the ingest path writes to.
type Store interface {
	repository.CallRepository
	repository.TranscriptRepository
	repository.ToolCallRepository
}

// Ack is the reply for events that only need to be recorded.
type Ack struct {
	Received bool   `json:"received"`
	Type     string `json:"type"`
	CallID   string `json:"callId,omitempty"`
}

// CallEndedResponse carries the classification of an ended call.
type CallEndedResponse struct {
	Received   bool                    `json:"received"`
	CallID     string                  `json:"callId"`
	Duplicate  bool                    `json:"duplicate,omitempty"`
	Priority   domain.Priority         `json:"priority,omitempty"`
	SLASeconds *int                    `json:"slaSeconds,omitempty"`
	Reason     string                  `json:"reason,omitempty"`
	Alert      *domain.DispatchSummary `json:"alert,omitempty"`
}

// ToolCallsResponse is the shape the platform expects back for tool calls.
type ToolCallsResponse struct {
	Results []domain.ToolCallResult `json:"results"`
}

// FunctionCallResponse answers a legacy single function call.
type FunctionCallResponse struct {
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type Service struct {
	store     Store
	processor *toolcall.Processor
	notifier  toolcall.Notifier
	onCall    []string
	logger    *slog.Logger
	now       func() time.Time
}

// New constructs an ingest service. notifier may be nil, in which case P1
// calls are logged but no SMS is sent.
func New(store Store, processor *toolcall.Processor, notifier toolcall.Notifier, onCall []string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		processor: processor,
		notifier:  notifier,
		onCall:    onCall,
		logger:    logger,
		now:       time.Now,
	}
}

// Handle applies the side effects of one event and returns the JSON reply.
func (s *Service) Handle(ctx context.Context, event domain.Event) (any, error) {
	switch ev := event.(type) {
	case domain.HealthCheckEvent:
		return map[string]string{"status": "ok"}, nil
	case domain.CallStartedEvent:
		return s.callStarted(ctx, ev)
	case domain.CallEndedEvent:
		return s.callEnded(ctx, ev)
	case domain.ToolCallsEvent:
		return s.toolCalls(ctx, ev), nil
	case domain.TranscriptEvent:
		return s.transcript(ctx, ev.CallID, ev.Role, ev.Transcript, ev.Final, ev.Kind())
	case domain.MessageEvent:
		return s.transcript(ctx, ev.CallID, ev.Role, ev.Content, true, ev.Kind())
	case domain.FunctionCallEvent:
		return s.functionCall(ctx, ev), nil
	default:
		return nil, domain.NewValidationError("unknown_event_type", "unsupported event type")
	}
}

func (s *Service) callStarted(ctx context.Context, ev domain.CallStartedEvent) (any, error) {
	rec := domain.CallRecord{
		ID:             ev.Call.ID,
		AssistantID:    ev.Call.AssistantID,
		PhoneNumber:    ev.Call.PhoneNumber,
		CustomerNumber: ev.Call.CustomerNumber,
		StartedAt:      timePtr(ev.Call.StartedAt),
	}
	if rec.StartedAt == nil {
		rec.StartedAt = timePtr(ev.OccurredAt())
	}
	if err := s.store.StartCall(ctx, rec); err != nil {
		return nil, storeError("start call", err)
	}
	s.logger.Info("call started", "call_id", ev.Call.ID)
	return Ack{Received: true, Type: string(ev.Kind()), CallID: ev.Call.ID}, nil
}

func (s *Service) callEnded(ctx context.Context, ev domain.CallEndedEvent) (any, error) {
	class := s.processor.Classify(toolcall.PriorityInput{
		Description: ev.Description,
		ServiceType: ev.ServiceType,
	})
	sla := class.SLASeconds
	rec := domain.CallRecord{
		ID:             ev.Call.ID,
		AssistantID:    ev.Call.AssistantID,
		PhoneNumber:    ev.Call.PhoneNumber,
		CustomerNumber: ev.Call.CustomerNumber,
		StartedAt:      timePtr(ev.Call.StartedAt),
		EndedAt:        timePtr(ev.Call.EndedAt),
		EndedReason:    ev.EndedReason,
		DurationSec:    ev.DurationSec,
		Cost:           ev.Cost,
		Priority:       class.Priority,
		SLASeconds:     &sla,
		Summary:        ev.Description,
	}
	first, err := s.store.EndCall(ctx, rec)
	if err != nil {
		return nil, storeError("end call", err)
	}
	if !first {
		s.logger.Info("duplicate call-ended ignored", "call_id", ev.Call.ID)
		return CallEndedResponse{Received: true, CallID: ev.Call.ID, Duplicate: true}, nil
	}

	resp := CallEndedResponse{
		Received:   true,
		CallID:     ev.Call.ID,
		Priority:   class.Priority,
		SLASeconds: &sla,
		Reason:     class.Reason,
	}
	s.logger.Info("call ended",
		"call_id", ev.Call.ID,
		"priority", string(class.Priority),
		"sla_seconds", sla,
		"reason", class.Reason,
	)
	if class.Priority == domain.PriorityP1 {
		resp.Alert = s.alertOnCall(ctx, ev, class)
	}
	return resp, nil
}

func (s *Service) alertOnCall(ctx context.Context, ev domain.CallEndedEvent, class domain.Classification) *domain.DispatchSummary {
	if s.notifier == nil || len(s.onCall) == 0 {
		s.logger.Warn("P1 call without on-call notification", "call_id", ev.Call.ID)
		return nil
	}
	summary := s.notifier.Alert(ctx, s.onCall, emergencyMessage(ev, class))
	if summary.Failed > 0 {
		s.logger.Warn("P1 alert partially failed", "call_id", ev.Call.ID, "sent", summary.Sent, "failed", summary.Failed)
	}
	return &summary
}

func emergencyMessage(ev domain.CallEndedEvent, class domain.Classification) string {
	parts := []string{"[" + string(class.Priority) + "] URGENCE"}
	if class.Matched != "" {
		parts = append(parts, "Motif: "+class.Matched)
	}
	if n := strings.TrimSpace(ev.Call.CustomerNumber); n != "" {
		parts = append(parts, "Client: "+n)
	}
	if d := strings.TrimSpace(ev.Description); d != "" {
		const max = 240
		if r := []rune(d); len(r) > max {
			d = string(r[:max]) + "..."
		}
		parts = append(parts, d)
	}
	return strings.Join(parts, " | ")
}

func (s *Service) toolCalls(ctx context.Context, ev domain.ToolCallsEvent) ToolCallsResponse {
	results := make([]domain.ToolCallResult, len(ev.ToolCalls))
	for i, call := range ev.ToolCalls {
		start := s.now()
		results[i] = s.processor.Process(ctx, call)
		s.saveToolCall(ctx, ev.CallID, call, results[i], s.now().Sub(start))
	}
	return ToolCallsResponse{Results: results}
}

func (s *Service) functionCall(ctx context.Context, ev domain.FunctionCallEvent) FunctionCallResponse {
	call := domain.ToolCall{ID: "fc-" + uuid.NewString(), Name: ev.Name, Arguments: ev.Params}
	start := s.now()
	res := s.processor.Process(ctx, call)
	s.saveToolCall(ctx, ev.CallID, call, res, s.now().Sub(start))
	return FunctionCallResponse{Result: res.Result, Error: res.Error}
}

// saveToolCall records a result. The platform is waiting on the reply, so
// a failed write is logged and the result still returned.
func (s *Service) saveToolCall(ctx context.Context, callID string, call domain.ToolCall, res domain.ToolCallResult, took time.Duration) {
	rec := domain.ToolCallLog{
		ID:         uuid.NewString(),
		CallID:     callID,
		ToolCallID: call.ID,
		Name:       call.Name,
		Arguments:  call.Arguments,
		Error:      res.Error,
		DurationMS: took.Milliseconds(),
		CreatedAt:  s.now().UTC(),
	}
	if res.Result != nil {
		if raw, err := json.Marshal(res.Result); err == nil {
			rec.Result = raw
		}
	}
	if err := s.store.SaveToolCall(ctx, rec); err != nil {
		s.logger.Warn("tool call log write failed", "tool", call.Name, "tool_call_id", call.ID, "error", err)
	}
}

func (s *Service) transcript(ctx context.Context, callID, role, content string, final bool, kind domain.EventType) (any, error) {
	rec := domain.TranscriptRecord{
		ID:        uuid.NewString(),
		CallID:    callID,
		Role:      role,
		Content:   content,
		Final:     final,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.AppendTranscript(ctx, rec); err != nil {
		return nil, storeError("append transcript", err)
	}
	return Ack{Received: true, Type: string(kind), CallID: callID}, nil
}

func storeError(op string, err error) error {
	if _, ok := domain.AsError(err); ok {
		return err
	}
	return domain.NewDatabaseError(fmt.Errorf("%s: %w", op, err))
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
