package toolcall

import (
	"fmt"
	"math"
	"slices"
)

type ServiceStatus string

const (
	ServiceAccepted ServiceStatus = "accepted"
	ServiceRejected ServiceStatus = "rejected"
	ServiceUnknown  ServiceStatus = "unknown"
)

// ServiceValidation answers whether a requested service is offered.
type ServiceValidation struct {
	Requested string        `json:"requested"`
	Service   string        `json:"service,omitempty"`
	Status    ServiceStatus `json:"status"`
	Accepted  bool          `json:"accepted"`
	Message   string        `json:"message"`
}

// ValidateService classifies serviceType against the catalogue. Unrecognised
// services are reported as unknown, not as an error.
func ValidateService(r Rules, serviceType string) ServiceValidation {
	service := resolveService(r, serviceType)
	v := ServiceValidation{Requested: serviceType, Service: service}
	switch {
	case service != "" && slices.Contains(r.AcceptedServices, service):
		v.Status = ServiceAccepted
		v.Accepted = true
		v.Message = "service offered"
	case service != "" && slices.Contains(r.RejectedServices, service):
		v.Status = ServiceRejected
		v.Message = "service not offered; refer the caller elsewhere"
	default:
		v.Status = ServiceUnknown
		v.Message = "service not recognised; a coordinator will follow up"
	}
	return v
}

func resolveService(r Rules, serviceType string) string {
	service := normalizeService(serviceType)
	if alias, ok := r.Aliases[service]; ok {
		return alias
	}
	return service
}

// QuoteRequest is the calculateQuote input after argument decoding.
type QuoteRequest struct {
	ServiceType string
	LengthFeet  float64
	RemoteZone  bool
	Urgent      bool
	GPS         bool
	Complexity  string
	Conditions  []string
}

type LineItem struct {
	Label  string  `json:"label"`
	Amount float64 `json:"amount"`
}

// Quote is a fully itemised price.
type Quote struct {
	Service    string     `json:"service"`
	Base       float64    `json:"base"`
	Surcharges []LineItem `json:"surcharges,omitempty"`
	Multiplier float64    `json:"multiplier"`
	Credit     float64    `json:"credit,omitempty"`
	Floored    bool       `json:"floored,omitempty"`
	Total      float64    `json:"total"`
	Currency   string     `json:"currency"`
}

// CalculateQuote prices req: base (plus extra length), additive surcharges,
// complexity multiplier, condition credit, then the floor. The result is
// rounded to cents.
func CalculateQuote(r Rules, req QuoteRequest) (Quote, error) {
	check := ValidateService(r, req.ServiceType)
	if !check.Accepted {
		return Quote{}, fmt.Errorf("service %q is %s", req.ServiceType, check.Status)
	}
	service := check.Service
	base, ok := r.BasePrices[service]
	if !ok {
		return Quote{}, fmt.Errorf("no base price for service %q", service)
	}
	if req.LengthFeet < 0 {
		return Quote{}, fmt.Errorf("lengthFeet must not be negative")
	}

	q := Quote{Service: service, Currency: r.Currency, Multiplier: 1}
	if lr, ok := r.VariableLength[service]; ok && req.LengthFeet > lr.BaseLength {
		extra := math.Ceil(req.LengthFeet - lr.BaseLength)
		base += extra * lr.PerUnit
	}
	q.Base = roundCents(base)

	price := base
	add := func(on bool, label string, amount float64) {
		if on && amount != 0 {
			q.Surcharges = append(q.Surcharges, LineItem{Label: label, Amount: amount})
			price += amount
		}
	}
	add(req.RemoteZone, "remote_zone", r.Surcharges.RemoteZone)
	add(req.Urgent, "urgency", r.Surcharges.Urgency)
	add(req.GPS, "gps_locating", r.Surcharges.GPS)

	if complexity := normalizeService(req.Complexity); complexity != "" {
		m, ok := r.Multipliers[complexity]
		if !ok {
			return Quote{}, fmt.Errorf("unknown complexity %q", req.Complexity)
		}
		q.Multiplier = m
		price *= m
	}

	for _, c := range req.Conditions {
		if slices.Contains(r.DisqualifyingConditions, normalizeService(c)) {
			q.Credit = r.ConditionCredit
			price -= r.ConditionCredit
			break
		}
	}

	if price < r.Floor {
		price = r.Floor
		q.Floored = true
	}
	q.Total = roundCents(price)
	return q, nil
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}
