package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// The assistant is an LLM; numbers and flags arrive as JSON values or as
// strings depending on the prompt.

type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "$"))
		s = strings.ReplaceAll(s, ",", ".")
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("not a number: %q", s)
		}
		*f = flexFloat(v)
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexFloat(v)
	return nil
}

type flexBool bool

func (f *flexBool) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "yes", "oui", "1", "y", "o":
			*f = true
		case "false", "no", "non", "0", "n", "":
			*f = false
		default:
			return fmt.Errorf("not a boolean: %q", s)
		}
		return nil
	}
	var v bool
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	*f = flexBool(v)
	return nil
}

// flexStrings accepts a list or a single comma separated string.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		var out []string
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		*f = out
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

type serviceArgs struct {
	ServiceType string `json:"serviceType"`
	Service     string `json:"service"`
}

func (a serviceArgs) service() string {
	if strings.TrimSpace(a.ServiceType) != "" {
		return a.ServiceType
	}
	return a.Service
}

type quoteArgs struct {
	serviceArgs
	LengthFeet flexFloat   `json:"lengthFeet"`
	Length     flexFloat   `json:"length"`
	RemoteZone flexBool    `json:"remoteZone"`
	Urgent     flexBool    `json:"urgent"`
	Urgency    flexBool    `json:"urgency"`
	GPS        flexBool    `json:"gps"`
	Complexity string      `json:"complexity"`
	Conditions flexStrings `json:"conditions"`
}

func (a quoteArgs) request() QuoteRequest {
	length := float64(a.LengthFeet)
	if length == 0 {
		length = float64(a.Length)
	}
	return QuoteRequest{
		ServiceType: a.service(),
		LengthFeet:  length,
		RemoteZone:  bool(a.RemoteZone),
		Urgent:      bool(a.Urgent || a.Urgency),
		GPS:         bool(a.GPS),
		Complexity:  a.Complexity,
		Conditions:  a.Conditions,
	}
}

type priorityArgs struct {
	serviceArgs
	Description    string    `json:"description"`
	Issue          string    `json:"issue"`
	EstimatedValue flexFloat `json:"estimatedValue"`
}

func (a priorityArgs) input() PriorityInput {
	desc := a.Description
	if strings.TrimSpace(desc) == "" {
		desc = a.Issue
	}
	return PriorityInput{Description: desc, ServiceType: a.service(), EstimatedValue: float64(a.EstimatedValue)}
}

type schedulingArgs struct {
	serviceArgs
	Emergency flexBool `json:"emergency"`
	Priority  string   `json:"priority"`
}

type smsArgs struct {
	Message    string      `json:"message"`
	Recipients flexStrings `json:"recipients"`
	Phone      string      `json:"phone"`
	Priority   string      `json:"priority"`
	CallerName string      `json:"callerName"`
	Address    string      `json:"address"`
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
