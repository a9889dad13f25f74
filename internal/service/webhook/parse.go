package webhook

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

// wire shapes; the platform wraps events in {"message": {...}} but bare
// events are accepted too.
type wireEnvelope struct {
	Message json.RawMessage `json:"message"`
	Type    string          `json:"type"`
}

type wireCall struct {
	ID          string `json:"id"`
	AssistantID string `json:"assistantId"`
	StartedAt   string `json:"startedAt"`
	EndedAt     string `json:"endedAt"`
	Customer    struct {
		Number string `json:"number"`
	} `json:"customer"`
	PhoneNumber struct {
		Number string `json:"number"`
	} `json:"phoneNumber"`
	Metadata map[string]any `json:"metadata"`
}

type wireFunction struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	Parameters json.RawMessage `json:"parameters"`
}

type wireToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireMessage struct {
	Type            string          `json:"type"`
	Timestamp       json.RawMessage `json:"timestamp"`
	Call            *wireCall       `json:"call"`
	EndedReason     string          `json:"endedReason"`
	DurationSeconds float64         `json:"durationSeconds"`
	Cost            float64         `json:"cost"`
	Summary         string          `json:"summary"`
	Transcript      string          `json:"transcript"`
	TranscriptType  string          `json:"transcriptType"`
	Role            string          `json:"role"`
	Content         string          `json:"content"`
	Analysis        struct {
		Summary        string         `json:"summary"`
		StructuredData map[string]any `json:"structuredData"`
	} `json:"analysis"`
	ToolCallList []wireToolCall `json:"toolCallList"`
	ToolCalls    []wireToolCall `json:"toolCalls"`
	FunctionCall *wireFunction  `json:"functionCall"`
}

type variantParser func(msg wireMessage, base domain.Base) (domain.Event, error)

var variantParsers = map[domain.EventType]variantParser{
	domain.EventHealthCheck:  parseHealthCheck,
	domain.EventCallStarted:  parseCallStarted,
	domain.EventCallEnded:    parseCallEnded,
	domain.EventToolCalls:    parseToolCalls,
	domain.EventTranscript:   parseTranscript,
	domain.EventFunctionCall: parseFunctionCall,
	domain.EventMessage:      parseMessage,
}

// PeekType sniffs the event discriminant without validating the payload.
// It returns "" when the body is not a JSON object carrying a type.
func PeekType(body []byte) domain.EventType {
	raw, err := unwrap(body)
	if err != nil {
		return ""
	}
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return ""
	}
	return domain.EventType(strings.TrimSpace(probe.Type))
}

// ParseEvent decodes body into a validated domain.Event. Parse errors never
// echo payload content.
func ParseEvent(body []byte) (domain.Event, error) {
	raw, err := unwrap(body)
	if err != nil {
		return nil, err
	}
	var msg wireMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, domain.NewValidationError("invalid_json", "request body is not valid JSON")
	}
	kind := domain.EventType(strings.TrimSpace(msg.Type))
	if kind == "" {
		return nil, missingField("type")
	}
	parse, ok := variantParsers[kind]
	if !ok {
		return nil, domain.NewValidationError("unknown_event_type", "unsupported event type")
	}
	ts, err := parseTimestamp(msg.Timestamp)
	if err != nil {
		return nil, domain.NewValidationError("invalid_field", "timestamp is not a valid time")
	}
	return parse(msg, domain.Base{Timestamp: ts})
}

func unwrap(body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, domain.NewValidationError("invalid_json", "request body is not valid JSON")
	}
	var env wireEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, domain.NewValidationError("invalid_json", "request body is not valid JSON")
	}
	msg := bytes.TrimSpace(env.Message)
	if len(msg) > 0 && msg[0] == '{' {
		return json.RawMessage(msg), nil
	}
	return json.RawMessage(trimmed), nil
}

func parseHealthCheck(_ wireMessage, base domain.Base) (domain.Event, error) {
	return domain.HealthCheckEvent{Base: base}, nil
}

func parseCallStarted(msg wireMessage, base domain.Base) (domain.Event, error) {
	call, err := requireCall(msg.Call, true)
	if err != nil {
		return nil, err
	}
	info, err := callInfo(call)
	if err != nil {
		return nil, err
	}
	return domain.CallStartedEvent{Base: base, Call: info}, nil
}

func parseCallEnded(msg wireMessage, base domain.Base) (domain.Event, error) {
	call, err := requireCall(msg.Call, true)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(call.EndedAt) == "" {
		return nil, missingField("call.endedAt")
	}
	info, err := callInfo(call)
	if err != nil {
		return nil, err
	}
	description := firstNonEmpty(msg.Analysis.Summary, msg.Summary, stringFrom(call.Metadata, "description"), msg.Transcript)
	serviceType := firstNonEmpty(stringFrom(msg.Analysis.StructuredData, "serviceType"), stringFrom(call.Metadata, "serviceType"))
	return domain.CallEndedEvent{
		Base:        base,
		Call:        info,
		EndedReason: msg.EndedReason,
		DurationSec: msg.DurationSeconds,
		Cost:        msg.Cost,
		Description: description,
		Transcript:  msg.Transcript,
		ServiceType: serviceType,
	}, nil
}

func parseToolCalls(msg wireMessage, base domain.Base) (domain.Event, error) {
	list := msg.ToolCallList
	if len(list) == 0 {
		list = msg.ToolCalls
	}
	if len(list) == 0 {
		return nil, missingField("toolCallList")
	}
	calls := make([]domain.ToolCall, 0, len(list))
	for i, tc := range list {
		if strings.TrimSpace(tc.ID) == "" {
			return nil, missingField(fmt.Sprintf("toolCallList[%d].id", i))
		}
		if strings.TrimSpace(tc.Function.Name) == "" {
			return nil, missingField(fmt.Sprintf("toolCallList[%d].function.name", i))
		}
		args, err := normalizeArguments(tc.Function.Arguments)
		if err != nil {
			return nil, domain.NewValidationError("invalid_field", fmt.Sprintf("toolCallList[%d].function.arguments is not a JSON object", i))
		}
		calls = append(calls, domain.ToolCall{ID: tc.ID, Name: strings.TrimSpace(tc.Function.Name), Arguments: args})
	}
	var callID string
	if msg.Call != nil {
		callID = msg.Call.ID
	}
	return domain.ToolCallsEvent{Base: base, CallID: callID, ToolCalls: calls}, nil
}

func parseTranscript(msg wireMessage, base domain.Base) (domain.Event, error) {
	call, err := requireCall(msg.Call, false)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.Transcript) == "" {
		return nil, missingField("transcript")
	}
	role := strings.TrimSpace(msg.Role)
	if role == "" {
		role = "user"
	}
	return domain.TranscriptEvent{
		Base:       base,
		CallID:     call.ID,
		Role:       role,
		Transcript: msg.Transcript,
		Final:      msg.TranscriptType == "" || msg.TranscriptType == "final",
	}, nil
}

func parseFunctionCall(msg wireMessage, base domain.Base) (domain.Event, error) {
	if msg.FunctionCall == nil || strings.TrimSpace(msg.FunctionCall.Name) == "" {
		return nil, missingField("functionCall.name")
	}
	raw := msg.FunctionCall.Parameters
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = msg.FunctionCall.Arguments
	}
	params, err := normalizeArguments(raw)
	if err != nil {
		return nil, domain.NewValidationError("invalid_field", "functionCall.parameters is not a JSON object")
	}
	var callID string
	if msg.Call != nil {
		callID = msg.Call.ID
	}
	return domain.FunctionCallEvent{Base: base, CallID: callID, Name: strings.TrimSpace(msg.FunctionCall.Name), Params: params}, nil
}

func parseMessage(msg wireMessage, base domain.Base) (domain.Event, error) {
	call, err := requireCall(msg.Call, false)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil, missingField("content")
	}
	role := strings.TrimSpace(msg.Role)
	if role == "" {
		role = "assistant"
	}
	return domain.MessageEvent{Base: base, CallID: call.ID, Role: role, Content: msg.Content}, nil
}

func requireCall(call *wireCall, needAssistant bool) (*wireCall, error) {
	if call == nil || strings.TrimSpace(call.ID) == "" {
		return nil, missingField("call.id")
	}
	if needAssistant && strings.TrimSpace(call.AssistantID) == "" {
		return nil, missingField("call.assistantId")
	}
	return call, nil
}

func callInfo(call *wireCall) (domain.CallInfo, error) {
	info := domain.CallInfo{
		ID:             strings.TrimSpace(call.ID),
		AssistantID:    strings.TrimSpace(call.AssistantID),
		PhoneNumber:    call.PhoneNumber.Number,
		CustomerNumber: call.Customer.Number,
	}
	var err error
	if info.StartedAt, err = parseOptionalTime(call.StartedAt); err != nil {
		return domain.CallInfo{}, domain.NewValidationError("invalid_field", "call.startedAt is not RFC3339")
	}
	if info.EndedAt, err = parseOptionalTime(call.EndedAt); err != nil {
		return domain.CallInfo{}, domain.NewValidationError("invalid_field", "call.endedAt is not RFC3339")
	}
	return info, nil
}

// normalizeArguments accepts an object, a JSON-encoded string holding an
// object, or nothing (treated as {}).
func normalizeArguments(raw json.RawMessage) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return json.RawMessage(`{}`), nil
	}
	if trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, err
		}
		trimmed = bytes.TrimSpace([]byte(encoded))
		if len(trimmed) == 0 {
			return json.RawMessage(`{}`), nil
		}
	}
	if trimmed[0] != '{' || !json.Valid(trimmed) {
		return nil, errors.New("arguments must be an object")
	}
	return json.RawMessage(trimmed), nil
}

// parseTimestamp accepts epoch milliseconds or seconds (number or numeric
// string) and RFC3339 strings. Absent means zero time.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return time.Time{}, nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return time.Time{}, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return time.Time{}, nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return epoch(n), nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	var n float64
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return time.Time{}, err
	}
	return epoch(n), nil
}

func epoch(n float64) time.Time {
	if math.Abs(n) >= 1e12 {
		return time.UnixMilli(int64(n)).UTC()
	}
	sec, frac := math.Modf(n)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func parseOptionalTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func missingField(path string) error {
	return domain.NewValidationError("missing_required_field", "missing required field: "+path)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func stringFrom(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
