// Package errs provides the structured error envelope shared by the stream
// client and the execution engine.
package errs

import (
	"sort"
	"strconv"
	"strings"
)

// Code identifies an error category.
type Code string

const (
	// CodeTransport covers dropped connections and malformed frames.
	CodeTransport Code = "transport"
	// CodeSubscription covers subscribe ack errors and ack timeouts.
	CodeSubscription Code = "subscription"
	// CodeAuth covers missing signers and rejected stream credentials.
	CodeAuth Code = "auth"
	// CodeSubmission covers orders rejected by the exchange.
	CodeSubmission Code = "submission"
	// CodeTimeout covers orders that did not fill by their deadline.
	CodeTimeout Code = "timeout"
	// CodeReconciliation covers position deltas that disagree with fills.
	CodeReconciliation Code = "reconciliation"
	// CodeUnavailable covers state that has not been received yet.
	CodeUnavailable Code = "unavailable"
	// CodeInvalid covers invalid caller input.
	CodeInvalid Code = "invalid_request"
	// CodeDecode covers wire messages that do not match their schema.
	CodeDecode Code = "decode"
)

// Sentinels for errors.Is. Any *E with the same Code matches.
var (
	ErrTransport      = &E{Code: CodeTransport}
	ErrSubscription   = &E{Code: CodeSubscription}
	ErrAuth           = &E{Code: CodeAuth}
	ErrSubmission     = &E{Code: CodeSubmission}
	ErrTimeout        = &E{Code: CodeTimeout}
	ErrReconciliation = &E{Code: CodeReconciliation}
	ErrUnavailable    = &E{Code: CodeUnavailable}
	ErrInvalid        = &E{Code: CodeInvalid}
	ErrDecode         = &E{Code: CodeDecode}
)

// E is the error envelope produced across the module.
type E struct {
	Component string
	Code      Code
	Message   string
	RawCode   string
	Fields    map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error for the component and code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{Component: strings.TrimSpace(component), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) { e.Message = trimmed }
}

// WithCause sets the underlying cause.
func WithCause(err error) Option {
	return func(e *E) { e.cause = err }
}

// WithRawCode records the exchange-native error code.
func WithRawCode(code string) Option {
	trimmed := strings.TrimSpace(code)
	return func(e *E) { e.RawCode = trimmed }
}

// WithField appends a key/value pair rendered in Error().
func WithField(key, value string) Option {
	return func(e *E) {
		key = strings.TrimSpace(key)
		if key == "" {
			return
		}
		if e.Fields == nil {
			e.Fields = make(map[string]string, 1)
		}
		e.Fields[key] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 6)
	if e.Component != "" {
		parts = append(parts, e.Component+":")
	}
	code := string(e.Code)
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawCode != "" {
		parts = append(parts, "raw_code="+e.RawCode)
	}
	for _, k := range sortedKeys(e.Fields) {
		parts = append(parts, k+"="+strconv.Quote(e.Fields[k]))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether target is an envelope with the same code.
func (e *E) Is(target error) bool {
	t, ok := target.(*E)
	if !ok || e == nil || t == nil {
		return false
	}
	return t.Code == e.Code
}

// CodeOf returns the code of the first *E in err's chain, or "".
func CodeOf(err error) Code {
	for err != nil {
		if e, ok := err.(*E); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}

func sortedKeys(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
