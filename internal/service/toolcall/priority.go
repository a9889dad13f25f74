package toolcall

import (
	"slices"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

// PriorityInput is what classification looks at.
type PriorityInput struct {
	Description    string
	ServiceType    string
	EstimatedValue float64
}

// ClassifyPriority evaluates the rule ladder top-down and stops at the first
// match: emergency keywords, municipal keywords, high value, default.
func ClassifyPriority(r Rules, in PriorityInput) domain.Classification {
	text := normalizeText(in.Description)

	if kw, ok := firstKeyword(text, r.Keywords.Emergency); ok {
		return domain.Classification{
			Priority:   domain.PriorityP1,
			SLASeconds: r.slaFor(domain.PriorityP1),
			Reason:     "emergency keyword",
			Matched:    kw,
		}
	}
	if kw, ok := firstKeyword(text, r.Keywords.Municipal); ok {
		return domain.Classification{
			Priority:   domain.PriorityP2,
			SLASeconds: r.slaFor(domain.PriorityP2),
			Reason:     "municipal keyword",
			Matched:    kw,
		}
	}
	if service := resolveService(r, in.ServiceType); service != "" && slices.Contains(r.HighValueServices, service) {
		return domain.Classification{
			Priority:   domain.PriorityP3,
			SLASeconds: r.slaFor(domain.PriorityP3),
			Reason:     "high value service",
			Matched:    service,
		}
	}
	if r.HighValueThreshold > 0 && in.EstimatedValue >= r.HighValueThreshold {
		return domain.Classification{
			Priority:   domain.PriorityP3,
			SLASeconds: r.slaFor(domain.PriorityP3),
			Reason:     "estimated value above threshold",
		}
	}
	return domain.Classification{
		Priority:   domain.PriorityP4,
		SLASeconds: r.slaFor(domain.PriorityP4),
		Reason:     "standard request",
	}
}

func firstKeyword(text string, keywords []string) (string, bool) {
	for _, kw := range keywords {
		if containsKeyword(text, kw) {
			return kw, true
		}
	}
	return "", false
}

// SchedulingEstimate is the getSchedulingEstimate answer.
type SchedulingEstimate struct {
	Service string `json:"service,omitempty"`
	Window  string `json:"window"`
	Known   bool   `json:"known"`
}

// EstimateScheduling looks up the booking window for serviceType. Emergency
// requests get the dispatch window regardless of service.
func EstimateScheduling(r Rules, serviceType string, emergency bool) SchedulingEstimate {
	service := resolveService(r, serviceType)
	if emergency && r.EmergencyScheduling != "" {
		return SchedulingEstimate{Service: service, Window: r.EmergencyScheduling, Known: true}
	}
	if window, ok := r.Scheduling[service]; ok {
		return SchedulingEstimate{Service: service, Window: window, Known: true}
	}
	return SchedulingEstimate{Service: service, Window: r.DefaultScheduling}
}
