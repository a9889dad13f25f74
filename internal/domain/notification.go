package domain

// NotificationJob is a single dispatch attempt to one recipient.
type NotificationJob struct {
	Recipient string
	Message   string
	Attempt   int
}

// DispatchOutcome is the per-recipient entry in a DispatchSummary.
type DispatchOutcome struct {
	Recipient string `json:"recipient"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}

// DispatchSummary aggregates independent per-recipient sends.
type DispatchSummary struct {
	Sent    int               `json:"sent"`
	Failed  int               `json:"failed"`
	Results []DispatchOutcome `json:"results"`
}

// Add appends an outcome and updates the counters.
func (s *DispatchSummary) Add(o DispatchOutcome) {
	if o.Error != "" {
		s.Failed++
	} else {
		s.Sent++
	}
	s.Results = append(s.Results, o)
}
