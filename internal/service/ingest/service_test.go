package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/repository/memory"
	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/service/toolcall"
)

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []string
	to     [][]string
}

func (n *recordingNotifier) Alert(_ context.Context, recipients []string, message string) domain.DispatchSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, message)
	n.to = append(n.to, recipients)
	var s domain.DispatchSummary
	for _, r := range recipients {
		s.Add(domain.DispatchOutcome{Recipient: r, MessageID: "SM1"})
	}
	return s
}

type failingStore struct {
	*memory.Store
	err error
}

func (f failingStore) EndCall(context.Context, domain.CallRecord) (bool, error) {
	return false, f.err
}

func (f failingStore) SaveToolCall(context.Context, domain.ToolCallLog) error {
	return f.err
}

func newTestService(store Store, notifier toolcall.Notifier) *Service {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	processor := toolcall.NewProcessor(toolcall.DefaultRules(), notifier, []string{"+15145550199"}, logger)
	return New(store, processor, notifier, []string{"+15145550199", "+15145550198"}, logger)
}

func callEnded(id, description string) domain.CallEndedEvent {
	return domain.CallEndedEvent{
		Base: domain.Base{Timestamp: time.Now()},
		Call: domain.CallInfo{
			ID:             id,
			AssistantID:    "asst-1",
			CustomerNumber: "+15145550101",
			EndedAt:        time.Now(),
		},
		EndedReason: "customer-ended-call",
		Description: description,
	}
}

func TestCallEndedClassifiesAndAlertsOnP1(t *testing.T) {
	store := memory.New()
	notifier := &recordingNotifier{}
	svc := newTestService(store, notifier)

	out, err := svc.Handle(context.Background(), callEnded("call-1", "Mon sous-sol est inondé depuis ce matin"))
	require.NoError(t, err)
	resp, ok := out.(CallEndedResponse)
	require.True(t, ok)
	assert.Equal(t, domain.PriorityP1, resp.Priority)
	require.NotNil(t, resp.SLASeconds)
	assert.Equal(t, 0, *resp.SLASeconds)
	require.NotNil(t, resp.Alert)
	assert.Equal(t, 2, resp.Alert.Sent)

	require.Len(t, notifier.alerts, 1)
	assert.Contains(t, notifier.alerts[0], "[P1]")
	assert.Contains(t, notifier.alerts[0], "+15145550101")
	assert.Equal(t, []string{"+15145550199", "+15145550198"}, notifier.to[0])

	rec, err := store.GetCall(context.Background(), "call-1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, rec.Status)
	assert.Equal(t, domain.PriorityP1, rec.Priority)
}

func TestCallEndedDuplicateHasNoSideEffects(t *testing.T) {
	store := memory.New()
	notifier := &recordingNotifier{}
	svc := newTestService(store, notifier)
	ev := callEnded("call-2", "refoulement d'égout")

	_, err := svc.Handle(context.Background(), ev)
	require.NoError(t, err)
	out, err := svc.Handle(context.Background(), ev)
	require.NoError(t, err)

	resp := out.(CallEndedResponse)
	assert.True(t, resp.Duplicate)
	assert.Empty(t, resp.Priority)
	assert.Len(t, notifier.alerts, 1, "the replay must not alert again")
}

func TestCallEndedLowerPrioritiesDoNotAlert(t *testing.T) {
	cases := []struct {
		description string
		want        domain.Priority
		sla         int
	}{
		{description: "Travaux de la ville de Laval sur la rue", want: domain.PriorityP2, sla: 120},
		{description: "Je voudrais un nettoyage de drain", want: domain.PriorityP4, sla: 1800},
	}
	for _, tc := range cases {
		notifier := &recordingNotifier{}
		svc := newTestService(memory.New(), notifier)
		out, err := svc.Handle(context.Background(), callEnded("c-"+string(tc.want), tc.description))
		require.NoError(t, err)
		resp := out.(CallEndedResponse)
		assert.Equal(t, tc.want, resp.Priority, tc.description)
		assert.Equal(t, tc.sla, *resp.SLASeconds, tc.description)
		assert.Nil(t, resp.Alert)
		assert.Empty(t, notifier.alerts)
	}
}

func TestCallEndedStoreFailureIsDatabaseError(t *testing.T) {
	svc := newTestService(failingStore{Store: memory.New(), err: errors.New("connection refused")}, &recordingNotifier{})
	_, err := svc.Handle(context.Background(), callEnded("c", "inondation"))
	require.Error(t, err)
	assert.Equal(t, domain.KindDatabase, domain.KindOf(err))
	de, _ := domain.AsError(err)
	assert.NotContains(t, de.Message, "connection refused")
}

func TestToolCallsKeepOrderAndLog(t *testing.T) {
	store := memory.New()
	svc := newTestService(store, &recordingNotifier{})
	ev := domain.ToolCallsEvent{
		CallID: "call-9",
		ToolCalls: []domain.ToolCall{
			{ID: "t1", Name: toolcall.ToolCalculateQuote, Arguments: json.RawMessage(`{"serviceType":"debouchage","urgent":true}`)},
			{ID: "t2", Name: "doesNotExist", Arguments: json.RawMessage(`{}`)},
			{ID: "t3", Name: toolcall.ToolValidateService, Arguments: json.RawMessage(`{"serviceType":"piscine"}`)},
		},
	}

	out, err := svc.Handle(context.Background(), ev)
	require.NoError(t, err)
	resp := out.(ToolCallsResponse)
	require.Len(t, resp.Results, 3)
	assert.Equal(t, "t1", resp.Results[0].ToolCallID)
	assert.False(t, resp.Results[0].Failed())
	assert.Equal(t, "t2", resp.Results[1].ToolCallID)
	assert.Equal(t, "function not found: doesNotExist", resp.Results[1].Error)
	assert.Equal(t, "t3", resp.Results[2].ToolCallID)

	logs := store.ToolCalls()
	require.Len(t, logs, 3)
	assert.Equal(t, "call-9", logs[0].CallID)
	assert.NotEmpty(t, logs[0].Result)
	assert.Equal(t, "function not found: doesNotExist", logs[1].Error)
}

func TestToolCallsSurviveLogFailure(t *testing.T) {
	svc := newTestService(failingStore{Store: memory.New(), err: errors.New("db down")}, &recordingNotifier{})
	out, err := svc.Handle(context.Background(), domain.ToolCallsEvent{
		ToolCalls: []domain.ToolCall{{ID: "t1", Name: toolcall.ToolClassifyPriority, Arguments: json.RawMessage(`{"description":"backup"}`)}},
	})
	require.NoError(t, err)
	resp := out.(ToolCallsResponse)
	require.Len(t, resp.Results, 1)
	assert.False(t, resp.Results[0].Failed())
}

func TestTranscriptAndMessageAreAppended(t *testing.T) {
	store := memory.New()
	svc := newTestService(store, nil)

	_, err := svc.Handle(context.Background(), domain.TranscriptEvent{CallID: "c1", Role: "user", Transcript: "allo", Final: true})
	require.NoError(t, err)
	out, err := svc.Handle(context.Background(), domain.MessageEvent{CallID: "c1", Role: "assistant", Content: "Bonjour"})
	require.NoError(t, err)
	assert.Equal(t, Ack{Received: true, Type: "message", CallID: "c1"}, out)

	recs, err := store.ListTranscripts(context.Background(), "c1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "allo", recs[0].Content)
	assert.Equal(t, "assistant", recs[1].Role)
}

func TestCallStartedThenEnded(t *testing.T) {
	store := memory.New()
	svc := newTestService(store, nil)
	started := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	_, err := svc.Handle(context.Background(), domain.CallStartedEvent{
		Call: domain.CallInfo{ID: "c1", AssistantID: "a", CustomerNumber: "+15145550101", StartedAt: started},
	})
	require.NoError(t, err)
	rec, err := store.GetCall(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusInProgress, rec.Status)

	out, err := svc.Handle(context.Background(), callEnded("c1", "inspection camera"))
	require.NoError(t, err)
	assert.Equal(t, domain.PriorityP4, out.(CallEndedResponse).Priority)
	rec, err = store.GetCall(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, rec.StartedAt)
	assert.Equal(t, started, *rec.StartedAt)
}

func TestFunctionCall(t *testing.T) {
	svc := newTestService(memory.New(), nil)
	out, err := svc.Handle(context.Background(), domain.FunctionCallEvent{
		CallID: "c1",
		Name:   toolcall.ToolGetSchedulingEstimate,
		Params: json.RawMessage(`{"serviceType":"debouchage"}`),
	})
	require.NoError(t, err)
	resp := out.(FunctionCallResponse)
	assert.Empty(t, resp.Error)
	assert.NotNil(t, resp.Result)
}
