package toolcall

import (
	"fmt"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

// LengthRule prices services sold by the foot beyond an included length.
type LengthRule struct {
	BaseLength float64 `koanf:"base_length"`
	PerUnit    float64 `koanf:"per_unit"`
}

type Surcharges struct {
	RemoteZone float64 `koanf:"remote_zone"`
	Urgency    float64 `koanf:"urgency"`
	GPS        float64 `koanf:"gps"`
}

type KeywordClasses struct {
	Emergency []string `koanf:"emergency"`
	Municipal []string `koanf:"municipal"`
}

type SLA struct {
	P1 int `koanf:"p1"`
	P2 int `koanf:"p2"`
	P3 int `koanf:"p3"`
	P4 int `koanf:"p4"`
}

// Rules holds every business constant the tools evaluate against. Service
// names are stored normalized (see normalizeService).
type Rules struct {
	AcceptedServices        []string              `koanf:"accepted_services"`
	RejectedServices        []string              `koanf:"rejected_services"`
	Aliases                 map[string]string     `koanf:"aliases"`
	BasePrices              map[string]float64    `koanf:"base_prices"`
	VariableLength          map[string]LengthRule `koanf:"variable_length"`
	Surcharges              Surcharges            `koanf:"surcharges"`
	Multipliers             map[string]float64    `koanf:"multipliers"`
	DisqualifyingConditions []string              `koanf:"disqualifying_conditions"`
	ConditionCredit         float64               `koanf:"condition_credit"`
	Floor                   float64               `koanf:"floor"`
	Currency                string                `koanf:"currency"`
	Keywords                KeywordClasses        `koanf:"keywords"`
	HighValueServices       []string              `koanf:"high_value_services"`
	HighValueThreshold      float64               `koanf:"high_value_threshold"`
	SLASeconds              SLA                   `koanf:"sla_seconds"`
	Scheduling              map[string]string     `koanf:"scheduling"`
	DefaultScheduling       string                `koanf:"default_scheduling"`
	EmergencyScheduling     string                `koanf:"emergency_scheduling"`
}

// DefaultRules returns the built-in price book.
func DefaultRules() Rules {
	return defaultRules().normalized()
}

func defaultRules() Rules {
	return Rules{
		AcceptedServices: []string{
			"debouchage",
			"inspection_camera",
			"nettoyage_drain",
			"racines",
			"gainage",
			"drain_francais",
			"pompe_puisard",
			"clapet_antiretour",
			"excavation",
		},
		RejectedServices: []string{
			"fosse_septique",
			"plomberie_generale",
			"piscine",
			"gouttieres",
			"chauffe_eau",
		},
		Aliases: map[string]string{
			"unclog":        "debouchage",
			"drain_unclog":  "debouchage",
			"camera":        "inspection_camera",
			"inspection":    "inspection_camera",
			"cleaning":      "nettoyage_drain",
			"nettoyage":     "nettoyage_drain",
			"roots":         "racines",
			"lining":        "gainage",
			"pipe_lining":   "gainage",
			"french_drain":  "drain_francais",
			"sump_pump":     "pompe_puisard",
			"backwater":     "clapet_antiretour",
			"clapet":        "clapet_antiretour",
			"septic":        "fosse_septique",
			"water_heater":  "chauffe_eau",
			"gutters":       "gouttieres",
			"pool":          "piscine",
			"plumbing":      "plomberie_generale",
			"plomberie":     "plomberie_generale",
			"sewer_lining":  "gainage",
			"pipe_cleaning": "nettoyage_drain",
		},
		BasePrices: map[string]float64{
			"debouchage":        350,
			"inspection_camera": 450,
			"nettoyage_drain":   500,
			"racines":           650,
			"gainage":           3900,
			"drain_francais":    2500,
			"pompe_puisard":     900,
			"clapet_antiretour": 1200,
			"excavation":        3500,
		},
		VariableLength: map[string]LengthRule{
			"gainage": {BaseLength: 10, PerUnit: 90},
		},
		Surcharges: Surcharges{RemoteZone: 100, Urgency: 150, GPS: 75},
		Multipliers: map[string]float64{
			"simple":   1.0,
			"moderate": 1.3,
			"complex":  1.6,
		},
		DisqualifyingConditions: []string{"recent_inspection", "existing_cleanout"},
		ConditionCredit:         100,
		Floor:                   350,
		Currency:                "CAD",
		Keywords: KeywordClasses{
			Emergency: []string{
				"inondation", "inonde", "flood", "refoulement", "refoule", "backup", "back up",
				"urgence", "urgent", "emergency", "deborde", "debordement", "overflow",
				"eau au sous-sol", "water in basement",
			},
			Municipal: []string{
				"municipal", "municipalite", "ville de", "city of", "travaux publics",
				"public works", "egout municipal", "voirie",
			},
		},
		HighValueServices:  []string{"gainage", "excavation", "drain_francais"},
		HighValueThreshold: 3000,
		SLASeconds:         SLA{P1: 0, P2: 120, P3: 3600, P4: 1800},
		Scheduling: map[string]string{
			"debouchage":        "same day or next business day",
			"inspection_camera": "within 2 business days",
			"nettoyage_drain":   "within 3 business days",
			"racines":           "within 3 business days",
			"gainage":           "1 to 2 weeks after camera inspection",
			"drain_francais":    "2 to 3 weeks, weather permitting",
			"pompe_puisard":     "within 2 business days",
			"clapet_antiretour": "within 1 week",
			"excavation":        "2 to 4 weeks, permit dependent",
		},
		DefaultScheduling:   "a coordinator will call back within 1 business day to schedule",
		EmergencyScheduling: "technician dispatched within 2 hours",
	}
}

// LoadRules returns DefaultRules overlaid with the YAML file at path (when
// set) and PRICING_* environment variables. Nested keys use a double
// underscore, e.g. PRICING_SURCHARGES__URGENCY=200. Lists in an override
// replace the default list.
func LoadRules(path string) (Rules, error) {
	k := koanf.New(".")
	if strings.TrimSpace(path) != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Rules{}, fmt.Errorf("load pricing rules %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider("PRICING_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "PRICING_")), "__", ".")
	}), nil); err != nil {
		return Rules{}, fmt.Errorf("load pricing env: %w", err)
	}

	rules := defaultRules()
	for key, list := range map[string]*[]string{
		"accepted_services":        &rules.AcceptedServices,
		"rejected_services":        &rules.RejectedServices,
		"disqualifying_conditions": &rules.DisqualifyingConditions,
		"high_value_services":      &rules.HighValueServices,
		"keywords.emergency":       &rules.Keywords.Emergency,
		"keywords.municipal":       &rules.Keywords.Municipal,
	} {
		if k.Exists(key) {
			*list = nil
		}
	}
	if err := k.Unmarshal("", &rules); err != nil {
		return Rules{}, fmt.Errorf("decode pricing rules: %w", err)
	}
	if err := rules.Validate(); err != nil {
		return Rules{}, err
	}
	return rules.normalized(), nil
}

// Validate rejects rule sets that would make quotes meaningless.
func (r Rules) Validate() error {
	if r.Floor < 0 {
		return fmt.Errorf("pricing rules: floor must not be negative")
	}
	for name, price := range r.BasePrices {
		if price < 0 {
			return fmt.Errorf("pricing rules: base price for %s is negative", name)
		}
	}
	for name, m := range r.Multipliers {
		if m <= 0 {
			return fmt.Errorf("pricing rules: multiplier %s must be positive", name)
		}
	}
	for name, lr := range r.VariableLength {
		if lr.BaseLength < 0 || lr.PerUnit < 0 {
			return fmt.Errorf("pricing rules: length rule for %s is negative", name)
		}
	}
	return nil
}

// normalized rewrites service and keyword names into their matching form.
func (r Rules) normalized() Rules {
	out := r
	out.AcceptedServices = mapStrings(r.AcceptedServices, normalizeService)
	out.RejectedServices = mapStrings(r.RejectedServices, normalizeService)
	out.HighValueServices = mapStrings(r.HighValueServices, normalizeService)
	out.DisqualifyingConditions = mapStrings(r.DisqualifyingConditions, normalizeService)
	out.Keywords.Emergency = mapStrings(r.Keywords.Emergency, normalizeText)
	out.Keywords.Municipal = mapStrings(r.Keywords.Municipal, normalizeText)
	out.Aliases = make(map[string]string, len(r.Aliases))
	for k, v := range r.Aliases {
		out.Aliases[normalizeService(k)] = normalizeService(v)
	}
	out.BasePrices = normalizeKeys(r.BasePrices)
	out.VariableLength = normalizeKeys(r.VariableLength)
	out.Scheduling = normalizeKeys(r.Scheduling)
	out.Multipliers = normalizeKeys(r.Multipliers)
	return out
}

func (r Rules) slaFor(p domain.Priority) int {
	switch p {
	case domain.PriorityP1:
		return r.SLASeconds.P1
	case domain.PriorityP2:
		return r.SLASeconds.P2
	case domain.PriorityP3:
		return r.SLASeconds.P3
	default:
		return r.SLASeconds.P4
	}
}

func mapStrings(in []string, fn func(string) string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if v := fn(s); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func normalizeKeys[V any](in map[string]V) map[string]V {
	out := make(map[string]V, len(in))
	for k, v := range in {
		out[normalizeService(k)] = v
	}
	return out
}
