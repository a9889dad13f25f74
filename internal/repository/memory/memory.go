// Package memory is the in-process Store used when no database is
// configured and in tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/repository"
)

type Store struct {
	mu            sync.RWMutex
	now           func() time.Time
	calls         map[string]domain.CallRecord
	transcripts   map[string][]domain.TranscriptRecord
	toolCalls     []domain.ToolCallLog
	notifications []domain.NotificationLog
}

var _ repository.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		now:         time.Now,
		calls:       make(map[string]domain.CallRecord),
		transcripts: make(map[string][]domain.TranscriptRecord),
	}
}

func (s *Store) StartCall(_ context.Context, call domain.CallRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.calls[call.ID]
	if ok && existing.Status == domain.CallStatusEnded {
		return nil
	}
	call.Status = domain.CallStatusInProgress
	call.UpdatedAt = s.now().UTC()
	s.calls[call.ID] = call
	return nil
}

func (s *Store) EndCall(_ context.Context, call domain.CallRecord) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.calls[call.ID]
	if ok && existing.Status == domain.CallStatusEnded {
		return false, nil
	}
	if ok {
		if call.StartedAt == nil {
			call.StartedAt = existing.StartedAt
		}
		if call.AssistantID == "" {
			call.AssistantID = existing.AssistantID
		}
		if call.PhoneNumber == "" {
			call.PhoneNumber = existing.PhoneNumber
		}
		if call.CustomerNumber == "" {
			call.CustomerNumber = existing.CustomerNumber
		}
	}
	call.Status = domain.CallStatusEnded
	call.UpdatedAt = s.now().UTC()
	s.calls[call.ID] = call
	return true, nil
}

func (s *Store) GetCall(_ context.Context, id string) (*domain.CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	call, ok := s.calls[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &call, nil
}

func (s *Store) AppendTranscript(_ context.Context, rec domain.TranscriptRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.transcripts[rec.CallID] = append(s.transcripts[rec.CallID], rec)
	return nil
}

func (s *Store) ListTranscripts(_ context.Context, callID string, limit int) ([]domain.TranscriptRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.transcripts[callID]
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	out := make([]domain.TranscriptRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *Store) SaveToolCall(_ context.Context, rec domain.ToolCallLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.toolCalls = append(s.toolCalls, rec)
	return nil
}

func (s *Store) SaveNotification(_ context.Context, rec domain.NotificationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	s.notifications = append(s.notifications, rec)
	return nil
}

// Notifications returns the stored dispatch logs, oldest first.
func (s *Store) Notifications() []domain.NotificationLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.NotificationLog, len(s.notifications))
	copy(out, s.notifications)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ToolCalls returns the stored tool call logs in insertion order.
func (s *Store) ToolCalls() []domain.ToolCallLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.ToolCallLog, len(s.toolCalls))
	copy(out, s.toolCalls)
	return out
}

func (s *Store) CountCalls(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, c := range s.calls {
		if !c.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountCallsByPriority(_ context.Context, since time.Time) (map[domain.Priority]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.Priority]int)
	for _, c := range s.calls {
		if c.Priority != "" && !c.UpdatedAt.Before(since) {
			out[c.Priority]++
		}
	}
	return out, nil
}

func (s *Store) CountNotificationsByStatus(_ context.Context, since time.Time) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for _, n := range s.notifications {
		if !n.CreatedAt.Before(since) {
			out[n.Status]++
		}
	}
	return out, nil
}

func (s *Store) CountToolCalls(_ context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.toolCalls {
		if !t.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
