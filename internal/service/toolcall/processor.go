package toolcall

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

// Tool names the assistant may call.
const (
	ToolValidateService       = "validateService"
	ToolCalculateQuote        = "calculateQuote"
	ToolClassifyPriority      = "classifyPriority"
	ToolGetSchedulingEstimate = "getSchedulingEstimate"
	ToolSendSMSAlert          = "sendSMSAlert"
)

// Notifier fans an alert out to recipients. notify.Service implements it.
type Notifier interface {
	Alert(ctx context.Context, recipients []string, message string) domain.DispatchSummary
}

var errSMSNotConfigured = errors.New("sms notifications are not configured")

type handler func(ctx context.Context, args []byte) (any, error)

// Processor evaluates tool calls. Every tool except sendSMSAlert is a pure
// function of its arguments and the rules.
type Processor struct {
	rules    Rules
	notifier Notifier
	onCall   []string
	logger   *slog.Logger
	handlers map[string]handler
}

func NewProcessor(rules Rules, notifier Notifier, onCall []string, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		rules:    rules.normalized(),
		notifier: notifier,
		onCall:   onCall,
		logger:   logger,
	}
	p.handlers = map[string]handler{
		ToolValidateService:       p.validateService,
		ToolCalculateQuote:        p.calculateQuote,
		ToolClassifyPriority:      p.classifyPriority,
		ToolGetSchedulingEstimate: p.schedulingEstimate,
		ToolSendSMSAlert:          p.sendSMSAlert,
	}
	return p
}

// Rules returns the rule set in use.
func (p *Processor) Rules() Rules { return p.rules }

// Classify runs priority classification outside of a tool call.
func (p *Processor) Classify(in PriorityInput) domain.Classification {
	return ClassifyPriority(p.rules, in)
}

// Process evaluates one call. Failures, unknown tools and panics included,
// come back as a result carrying an error string.
func (p *Processor) Process(ctx context.Context, call domain.ToolCall) (res domain.ToolCallResult) {
	res.ToolCallID = call.ID
	h, ok := p.handlers[call.Name]
	if !ok {
		res.Error = "function not found: " + call.Name
		p.logger.Warn("unknown tool call", "tool", call.Name, "tool_call_id", call.ID)
		return res
	}
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("tool call panicked", "tool", call.Name, "tool_call_id", call.ID, "panic", fmt.Sprint(r))
			res.Result = nil
			res.Error = "internal error evaluating " + call.Name
		}
	}()

	start := time.Now()
	out, err := h(ctx, call.Arguments)
	if err != nil {
		res.Error = err.Error()
		p.logger.Info("tool call failed",
			"tool", call.Name,
			"tool_call_id", call.ID,
			"error", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
		return res
	}
	res.Result = out
	p.logger.Debug("tool call evaluated",
		"tool", call.Name,
		"tool_call_id", call.ID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return res
}

// ProcessAll evaluates calls in order, one result per call.
func (p *Processor) ProcessAll(ctx context.Context, calls []domain.ToolCall) []domain.ToolCallResult {
	results := make([]domain.ToolCallResult, len(calls))
	for i, call := range calls {
		results[i] = p.Process(ctx, call)
	}
	return results
}

func (p *Processor) validateService(_ context.Context, raw []byte) (any, error) {
	var args serviceArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.service()) == "" {
		return nil, fmt.Errorf("serviceType is required")
	}
	return ValidateService(p.rules, args.service()), nil
}

func (p *Processor) calculateQuote(_ context.Context, raw []byte) (any, error) {
	var args quoteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.service()) == "" {
		return nil, fmt.Errorf("serviceType is required")
	}
	return CalculateQuote(p.rules, args.request())
}

func (p *Processor) classifyPriority(_ context.Context, raw []byte) (any, error) {
	var args priorityArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	return ClassifyPriority(p.rules, args.input()), nil
}

func (p *Processor) schedulingEstimate(_ context.Context, raw []byte) (any, error) {
	var args schedulingArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	emergency := bool(args.Emergency) || strings.EqualFold(strings.TrimSpace(args.Priority), string(domain.PriorityP1))
	return EstimateScheduling(p.rules, args.service(), emergency), nil
}

func (p *Processor) sendSMSAlert(ctx context.Context, raw []byte) (any, error) {
	var args smsArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	message := strings.TrimSpace(args.Message)
	if message == "" {
		return nil, fmt.Errorf("message is required")
	}
	if p.notifier == nil {
		return nil, domain.NewExternalServiceError("sms_not_configured", errSMSNotConfigured)
	}
	recipients := []string(args.Recipients)
	if len(recipients) == 0 && strings.TrimSpace(args.Phone) != "" {
		recipients = []string{args.Phone}
	}
	if len(recipients) == 0 {
		recipients = p.onCall
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients")
	}
	return p.notifier.Alert(ctx, recipients, composeAlert(args, message)), nil
}

func composeAlert(args smsArgs, message string) string {
	var parts []string
	if pr := strings.TrimSpace(args.Priority); pr != "" {
		parts = append(parts, "["+strings.ToUpper(pr)+"]")
	}
	parts = append(parts, message)
	if name := strings.TrimSpace(args.CallerName); name != "" {
		parts = append(parts, "Client: "+name)
	}
	if addr := strings.TrimSpace(args.Address); addr != "" {
		parts = append(parts, "Adresse: "+addr)
	}
	return strings.Join(parts, " | ")
}
