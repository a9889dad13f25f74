package webhook

import (
	"errors"
	"log/slog"
	"mime"
	"strings"
	"time"

	"github.com/JSLeboeuf/drain-fortin-production-clean-sub001/internal/domain"
)

const (
	// DefaultMaxBodyBytes caps inbound payloads before parsing.
	DefaultMaxBodyBytes int64 = 1 << 20
	// DefaultTimestampSkew is the tolerated distance between payload and server clocks.
	DefaultTimestampSkew = 5 * time.Minute
)

// legacy callers still post form or plain content types with a JSON body.
var allowedContentTypes = map[string]struct{}{
	"application/json":                  {},
	"application/x-www-form-urlencoded": {},
	"text/plain":                        {},
}

// Options configures a Validator.
type Options struct {
	Secret        []byte
	MaxBodyBytes  int64
	TimestampSkew time.Duration
	// RejectStale turns the skew warning into a 401.
	RejectStale bool
	Now         func() time.Time
	Logger      *slog.Logger
}

// Validator authenticates and type-checks inbound webhook envelopes. It has
// no side effects beyond logging.
type Validator struct {
	secret      []byte
	maxBody     int64
	skew        time.Duration
	rejectStale bool
	now         func() time.Time
	logger      *slog.Logger
}

// NewValidator constructs a Validator, applying defaults for zero options.
func NewValidator(opts Options) *Validator {
	v := &Validator{
		secret:      opts.Secret,
		maxBody:     opts.MaxBodyBytes,
		skew:        opts.TimestampSkew,
		rejectStale: opts.RejectStale,
		now:         opts.Now,
		logger:      opts.Logger,
	}
	if v.maxBody <= 0 {
		v.maxBody = DefaultMaxBodyBytes
	}
	if v.skew <= 0 {
		v.skew = DefaultTimestampSkew
	}
	if v.now == nil {
		v.now = time.Now
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	return v
}

// MaxBodyBytes reports the payload ceiling.
func (v *Validator) MaxBodyBytes() int64 { return v.maxBody }

// Validate runs authentication, size, content-type, schema and timestamp
// checks in order and returns the typed event.
func (v *Validator) Validate(env domain.Envelope, contentType string) (domain.Event, error) {
	if len(v.secret) == 0 {
		return nil, domain.NewInternalError(errors.New("webhook secret not configured"))
	}
	if _, err := NormalizeSignature(env.Signature); err != nil {
		return nil, err
	}
	if int64(len(env.RawBody)) > v.maxBody {
		return nil, domain.NewPayloadTooLargeError(v.maxBody)
	}
	if err := checkContentType(contentType); err != nil {
		return nil, err
	}
	if err := VerifySignature(env.RawBody, v.secret, env.Signature); err != nil {
		return nil, err
	}
	event, err := ParseEvent(env.RawBody)
	if err != nil {
		return nil, err
	}
	if err := v.checkTimestamp(event, env.ReceivedAt); err != nil {
		return nil, err
	}
	return event, nil
}

func (v *Validator) checkTimestamp(event domain.Event, receivedAt time.Time) error {
	ts := event.OccurredAt()
	if ts.IsZero() {
		return nil
	}
	if receivedAt.IsZero() {
		receivedAt = v.now()
	}
	skew := receivedAt.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew <= v.skew {
		return nil
	}
	v.logger.Warn("webhook timestamp outside tolerated skew",
		"type", string(event.Kind()),
		"skew", skew.String(),
		"max_skew", v.skew.String(),
		"rejected", v.rejectStale,
	)
	if v.rejectStale {
		return domain.NewAuthenticationError("stale_timestamp", "webhook timestamp outside tolerated window")
	}
	return nil
}

func checkContentType(header string) error {
	value := strings.TrimSpace(header)
	if value == "" {
		return domain.NewValidationError("unsupported_content_type", "content-type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(value)
	if err != nil {
		return domain.NewValidationError("unsupported_content_type", "content-type must be application/json")
	}
	if _, ok := allowedContentTypes[strings.ToLower(mediaType)]; !ok {
		return domain.NewValidationError("unsupported_content_type", "content-type must be application/json")
	}
	return nil
}
