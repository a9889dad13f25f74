package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultGatewayTimeout = 10 * time.Second
	maxErrorBodySize      = 4096
)

// Gateway sends one SMS and returns the provider's message id.
type Gateway interface {
	Send(ctx context.Context, to, body string) (string, error)
}

// GatewayError is a non-success answer from the SMS provider.
type GatewayError struct {
	StatusCode int
	Message    string
}

func (e *GatewayError) Error() string {
	if e.StatusCode == 0 {
		return "sms gateway: " + e.Message
	}
	return fmt.Sprintf("sms gateway: status %d: %s", e.StatusCode, e.Message)
}

// Retryable reports whether a later attempt may succeed. Client errors other
// than throttling are final.
func (e *GatewayError) Retryable() bool {
	if e.StatusCode == http.StatusTooManyRequests || e.StatusCode == 0 {
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError
}

// TwilioGateway posts messages to the Twilio REST API.
type TwilioGateway struct {
	baseURL    string
	accountSID string
	authToken  string
	from       string
	client     *http.Client
}

// NewTwilioGateway builds a gateway for the given account. baseURL is the API
// root, normally https://api.twilio.com.
func NewTwilioGateway(baseURL, accountSID, authToken, from string, client *http.Client) (*TwilioGateway, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errors.New("sms gateway base url required")
	}
	if strings.TrimSpace(accountSID) == "" || strings.TrimSpace(authToken) == "" {
		return nil, errors.New("sms gateway credentials required")
	}
	if strings.TrimSpace(from) == "" {
		return nil, errors.New("sms gateway sender number required")
	}
	if client == nil {
		client = &http.Client{Timeout: defaultGatewayTimeout}
	} else if client.Timeout == 0 {
		client.Timeout = defaultGatewayTimeout
	}
	return &TwilioGateway{
		baseURL:    trimmed,
		accountSID: strings.TrimSpace(accountSID),
		authToken:  strings.TrimSpace(authToken),
		from:       strings.TrimSpace(from),
		client:     client,
	}, nil
}

// Account is the account SID, used to key the circuit breaker.
func (g *TwilioGateway) Account() string { return g.accountSID }

type messageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (g *TwilioGateway) Send(ctx context.Context, to, body string) (string, error) {
	form := url.Values{}
	form.Set("From", g.from)
	form.Set("To", to)
	form.Set("Body", body)

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", g.baseURL, url.PathEscape(g.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build sms request: %w", err)
	}
	req.SetBasicAuth(g.accountSID, g.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("send sms request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errorForStatus(resp)
	}
	var out messageResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		return "", &GatewayError{StatusCode: resp.StatusCode, Message: "invalid response body"}
	}
	if strings.TrimSpace(out.SID) == "" {
		return "", &GatewayError{StatusCode: resp.StatusCode, Message: "response missing message sid"}
	}
	return out.SID, nil
}

func errorForStatus(resp *http.Response) error {
	buf, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	summary := strings.TrimSpace(string(buf))
	var parsed messageResponse
	if json.Unmarshal(buf, &parsed) == nil && parsed.Message != "" {
		summary = parsed.Message
	}
	if summary == "" {
		summary = resp.Status
	}
	return &GatewayError{StatusCode: resp.StatusCode, Message: summary}
}
