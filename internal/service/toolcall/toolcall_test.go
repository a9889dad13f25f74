package toolcall

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCalculateQuoteGainageLength(t *testing.T) {
	r := DefaultRules()

	q, err := CalculateQuote(r, QuoteRequest{ServiceType: "gainage", LengthFeet: 10})
	require.NoError(t, err)
	assert.Equal(t, 3900.0, q.Total)

	q, err = CalculateQuote(r, QuoteRequest{ServiceType: "gainage", LengthFeet: 15})
	require.NoError(t, err)
	assert.Equal(t, 4350.0, q.Total)
	assert.Equal(t, 4350.0, q.Base)

	q, err = CalculateQuote(r, QuoteRequest{ServiceType: "gainage"})
	require.NoError(t, err)
	assert.Equal(t, 3900.0, q.Total, "missing length prices the included length")

	q, err = CalculateQuote(r, QuoteRequest{ServiceType: "gainage", LengthFeet: 10.5})
	require.NoError(t, err)
	assert.Equal(t, 3990.0, q.Total, "partial feet round up")
}

func TestCalculateQuoteSurchargesAreAdditive(t *testing.T) {
	r := DefaultRules()
	base, err := CalculateQuote(r, QuoteRequest{ServiceType: "inspection_camera"})
	require.NoError(t, err)

	remote, err := CalculateQuote(r, QuoteRequest{ServiceType: "inspection_camera", RemoteZone: true})
	require.NoError(t, err)
	assert.Equal(t, base.Total+100, remote.Total)

	all, err := CalculateQuote(r, QuoteRequest{ServiceType: "inspection_camera", RemoteZone: true, Urgent: true, GPS: true})
	require.NoError(t, err)
	assert.Equal(t, base.Total+100+150+75, all.Total)
	assert.Len(t, all.Surcharges, 3)
}

func TestCalculateQuoteOrderOfOperations(t *testing.T) {
	r := DefaultRules()
	// (650 + 150) * 1.3 - 100 = 940
	q, err := CalculateQuote(r, QuoteRequest{
		ServiceType: "racines",
		Urgent:      true,
		Complexity:  "moderate",
		Conditions:  []string{"recent_inspection"},
	})
	require.NoError(t, err)
	assert.Equal(t, 940.0, q.Total)
	assert.Equal(t, 1.3, q.Multiplier)
	assert.Equal(t, 100.0, q.Credit)

	// (3900 + 100) * 1.6 = 6400
	q, err = CalculateQuote(r, QuoteRequest{ServiceType: "gainage", LengthFeet: 10, RemoteZone: true, Complexity: "Complex"})
	require.NoError(t, err)
	assert.Equal(t, 6400.0, q.Total)
}

func TestCalculateQuoteFloor(t *testing.T) {
	r := DefaultRules()
	q, err := CalculateQuote(r, QuoteRequest{ServiceType: "debouchage", Conditions: []string{"existing_cleanout", "recent_inspection"}})
	require.NoError(t, err)
	assert.Equal(t, 350.0, q.Total)
	assert.True(t, q.Floored)
	assert.Equal(t, 100.0, q.Credit, "credit applies once")

	r.BasePrices["debouchage"] = 10
	q, err = CalculateQuote(r, QuoteRequest{ServiceType: "debouchage", Complexity: "simple"})
	require.NoError(t, err)
	assert.Equal(t, r.Floor, q.Total)
}

func TestCalculateQuoteNeverBelowFloor(t *testing.T) {
	r := DefaultRules()
	for service := range r.BasePrices {
		for _, complexity := range []string{"", "simple", "moderate", "complex"} {
			for _, flags := range [][3]bool{{false, false, false}, {true, true, true}} {
				q, err := CalculateQuote(r, QuoteRequest{
					ServiceType: service,
					Complexity:  complexity,
					RemoteZone:  flags[0],
					Urgent:      flags[1],
					GPS:         flags[2],
					Conditions:  []string{"recent_inspection"},
				})
				require.NoError(t, err)
				assert.GreaterOrEqual(t, q.Total, r.Floor, service)
			}
		}
	}
}

func TestCalculateQuoteDeterministic(t *testing.T) {
	r := DefaultRules()
	req := QuoteRequest{ServiceType: "gainage", LengthFeet: 23.2, Urgent: true, GPS: true, Complexity: "moderate"}
	first, err := CalculateQuote(r, req)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := CalculateQuote(r, req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestCalculateQuoteRejections(t *testing.T) {
	r := DefaultRules()
	_, err := CalculateQuote(r, QuoteRequest{ServiceType: "fosse septique"})
	assert.ErrorContains(t, err, "rejected")
	_, err = CalculateQuote(r, QuoteRequest{ServiceType: "teleportation"})
	assert.ErrorContains(t, err, "unknown")
	_, err = CalculateQuote(r, QuoteRequest{ServiceType: "debouchage", Complexity: "extreme"})
	assert.ErrorContains(t, err, "complexity")
	_, err = CalculateQuote(r, QuoteRequest{ServiceType: "gainage", LengthFeet: -1})
	assert.Error(t, err)
}

func TestValidateService(t *testing.T) {
	r := DefaultRules()
	cases := map[string]ServiceStatus{
		"Débouchage":     ServiceAccepted,
		"drain-français": ServiceAccepted,
		"camera":         ServiceAccepted,
		"Fosse Septique": ServiceRejected,
		"pool":           ServiceRejected,
		"roofing":        ServiceUnknown,
		"":               ServiceUnknown,
	}
	for in, want := range cases {
		v := ValidateService(r, in)
		assert.Equal(t, want, v.Status, in)
		assert.Equal(t, want == ServiceAccepted, v.Accepted, in)
	}
}

func TestClassifyPriorityLadder(t *testing.T) {
	r := DefaultRules()
	cases := []struct {
		name string
		in   PriorityInput
		want domain.Priority
		sla  int
	}{
		{"flood", PriorityInput{Description: "Basement flood since this morning"}, domain.PriorityP1, 0},
		{"french backup accented", PriorityInput{Description: "Gros REFOULEMENT d'égout au sous-sol"}, domain.PriorityP1, 0},
		{"accent folded", PriorityInput{Description: "Le drain a débordé"}, domain.PriorityP1, 0},
		{"emergency beats municipal", PriorityInput{Description: "Ville de Laval: inondation urgente", ServiceType: "gainage"}, domain.PriorityP1, 0},
		{"municipal", PriorityInput{Description: "Contrat pour la municipalité de Blainville"}, domain.PriorityP2, 120},
		{"municipal beats high value", PriorityInput{Description: "Public works tender", EstimatedValue: 50000}, domain.PriorityP2, 120},
		{"high value service", PriorityInput{Description: "Quote for relining", ServiceType: "gainage"}, domain.PriorityP3, 3600},
		{"high value amount", PriorityInput{Description: "Large job", ServiceType: "debouchage", EstimatedValue: 3000}, domain.PriorityP3, 3600},
		{"just below threshold", PriorityInput{Description: "Large job", EstimatedValue: 2999.99}, domain.PriorityP4, 1800},
		{"default", PriorityInput{Description: "Slow kitchen drain"}, domain.PriorityP4, 1800},
		{"empty", PriorityInput{}, domain.PriorityP4, 1800},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyPriority(r, tc.in)
			assert.Equal(t, tc.want, got.Priority)
			assert.Equal(t, tc.sla, got.SLASeconds)
		})
	}
}

func TestClassifyPriorityMatchesWordStarts(t *testing.T) {
	r := DefaultRules()
	got := ClassifyPriority(r, PriorityInput{Description: "preflooding inspection"})
	assert.Equal(t, domain.PriorityP4, got.Priority)
}

func TestEstimateScheduling(t *testing.T) {
	r := DefaultRules()
	est := EstimateScheduling(r, "Débouchage", false)
	assert.True(t, est.Known)
	assert.Equal(t, "same day or next business day", est.Window)

	est = EstimateScheduling(r, "roofing", false)
	assert.False(t, est.Known)
	assert.Equal(t, r.DefaultScheduling, est.Window)

	est = EstimateScheduling(r, "gainage", true)
	assert.Equal(t, r.EmergencyScheduling, est.Window)
}

type recordingNotifier struct {
	mu         sync.Mutex
	recipients []string
	message    string
}

func (n *recordingNotifier) Alert(_ context.Context, recipients []string, message string) domain.DispatchSummary {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recipients = recipients
	n.message = message
	var s domain.DispatchSummary
	for _, r := range recipients {
		s.Add(domain.DispatchOutcome{Recipient: r, MessageID: "SM" + r})
	}
	return s
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func TestProcessAllCorrelatesResults(t *testing.T) {
	p := NewProcessor(DefaultRules(), nil, nil, quietLogger())
	calls := []domain.ToolCall{
		call("t1", ToolCalculateQuote, `{"serviceType":"gainage","lengthFeet":"15"}`),
		call("t2", "bookFlight", `{}`),
		call("t3", ToolClassifyPriority, `{"description":"inondation"}`),
		call("t4", ToolValidateService, `{"service":"piscine"}`),
		call("t5", ToolGetSchedulingEstimate, `{"serviceType":"racines","priority":"p1"}`),
	}
	results := p.ProcessAll(context.Background(), calls)
	require.Len(t, results, len(calls))
	for i, r := range results {
		assert.Equal(t, calls[i].ID, r.ToolCallID)
	}

	quote, ok := results[0].Result.(Quote)
	require.True(t, ok)
	assert.Equal(t, 4350.0, quote.Total)

	assert.Equal(t, "function not found: bookFlight", results[1].Error)
	assert.Nil(t, results[1].Result)

	class := results[2].Result.(domain.Classification)
	assert.Equal(t, domain.PriorityP1, class.Priority)

	assert.Equal(t, ServiceRejected, results[3].Result.(ServiceValidation).Status)
	assert.Equal(t, DefaultRules().EmergencyScheduling, results[4].Result.(SchedulingEstimate).Window)
}

func TestProcessBadArgumentsBecomeResultErrors(t *testing.T) {
	p := NewProcessor(DefaultRules(), nil, nil, quietLogger())
	cases := []domain.ToolCall{
		call("a", ToolCalculateQuote, `{"serviceType":"gainage","lengthFeet":"fifteen"}`),
		call("b", ToolCalculateQuote, `{"lengthFeet":12}`),
		call("c", ToolValidateService, `[]`),
		call("d", ToolCalculateQuote, `{"serviceType":"gainage","remoteZone":"maybe"}`),
		call("e", ToolSendSMSAlert, `{"message":"hello"}`),
	}
	for _, c := range cases {
		r := p.Process(context.Background(), c)
		assert.True(t, r.Failed(), c.ID)
		assert.Nil(t, r.Result, c.ID)
	}
}

func TestSendSMSAlertWithoutNotifierIsExternalServiceError(t *testing.T) {
	p := NewProcessor(DefaultRules(), nil, []string{"+15142340100"}, quietLogger())
	_, err := p.sendSMSAlert(context.Background(), []byte(`{"message":"hello"}`))
	require.Error(t, err)
	assert.Equal(t, domain.KindExternalService, domain.KindOf(err))
	appErr, ok := domain.AsError(err)
	require.True(t, ok)
	assert.Equal(t, "sms_not_configured", appErr.Code)
	assert.ErrorIs(t, err, errSMSNotConfigured)

	r := p.Process(context.Background(), call("e", ToolSendSMSAlert, `{"message":"hello"}`))
	assert.Contains(t, r.Error, "sms notifications are not configured")
}

func TestProcessFlexibleArguments(t *testing.T) {
	p := NewProcessor(DefaultRules(), nil, nil, quietLogger())
	r := p.Process(context.Background(), call("q", ToolCalculateQuote,
		`{"service":"Gainage","length":"12,0","remoteZone":"oui","urgency":true,"conditions":"recent_inspection"}`))
	require.False(t, r.Failed(), r.Error)
	// 3900 + 2*90 + 100 + 150 - 100
	assert.Equal(t, 4230.0, r.Result.(Quote).Total)
}

func TestSendSMSAlertUsesOnCallByDefault(t *testing.T) {
	n := &recordingNotifier{}
	p := NewProcessor(DefaultRules(), n, []string{"+15145550100", "+15145550101"}, quietLogger())

	r := p.Process(context.Background(), call("s", ToolSendSMSAlert, `{"message":"Refoulement","priority":"p1","address":"12 rue Principale"}`))
	require.False(t, r.Failed(), r.Error)
	summary := r.Result.(domain.DispatchSummary)
	assert.Equal(t, 2, summary.Sent)
	assert.Equal(t, []string{"+15145550100", "+15145550101"}, n.recipients)
	assert.Equal(t, "[P1] | Refoulement | Adresse: 12 rue Principale", n.message)

	r = p.Process(context.Background(), call("s2", ToolSendSMSAlert, `{"message":"x","phone":"514-555-0199"}`))
	require.False(t, r.Failed())
	assert.Equal(t, []string{"514-555-0199"}, n.recipients)
}

func TestLoadRulesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
floor: 400
surcharges:
  urgency: 200
base_prices:
  debouchage: 375
keywords:
  municipal:
    - "arrondissement"
`), 0o600))
	t.Setenv("PRICING_CONDITION_CREDIT", "50")

	r, err := LoadRules(path)
	require.NoError(t, err)
	assert.Equal(t, 400.0, r.Floor)
	assert.Equal(t, 200.0, r.Surcharges.Urgency)
	assert.Equal(t, 100.0, r.Surcharges.RemoteZone)
	assert.Equal(t, 375.0, r.BasePrices["debouchage"])
	assert.Equal(t, 3900.0, r.BasePrices["gainage"])
	assert.Equal(t, 50.0, r.ConditionCredit)
	assert.Equal(t, []string{"arrondissement"}, r.Keywords.Municipal)
	assert.NotEmpty(t, r.Keywords.Emergency)

	got := ClassifyPriority(r, PriorityInput{Description: "Arrondissement Verdun"})
	assert.Equal(t, domain.PriorityP2, got.Priority)
}

func TestLoadRulesWithoutFileReturnsDefaults(t *testing.T) {
	r, err := LoadRules("")
	require.NoError(t, err)
	assert.Equal(t, DefaultRules().Floor, r.Floor)
	assert.Equal(t, DefaultRules().BasePrices, r.BasePrices)
}

func TestLoadRulesRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("floor: -5\n"), 0o600))
	_, err := LoadRules(path)
	assert.Error(t, err)

	_, err = LoadRules(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
