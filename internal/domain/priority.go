package domain

// Priority is the urgency class assigned to a service request.
type Priority string

const (
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
	PriorityP4 Priority = "P4"
)

// Classification is the outcome of priority evaluation.
type Classification struct {
	Priority   Priority `json:"priority"`
	SLASeconds int      `json:"slaSeconds"`
	Reason     string   `json:"reason"`
	Matched    string   `json:"matched,omitempty"`
}
