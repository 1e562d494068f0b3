package errors

import (
	stdErrors "errors"
	"fmt"
	"sort"
	"sync"
)

// Code identifies a failure class across agents and collaborators.
type Code string

// Severity drives alert routing and audit level.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeTimeout               Code = "TIMEOUT"

	// Trading pipeline taxonomy.
	CodeValidation       Code = "VALIDATION_FAILED"
	CodeQuoteUnavailable Code = "QUOTE_UNAVAILABLE"
	CodeOrderRejected    Code = "ORDER_REJECTED"
	CodeTransport        Code = "TRANSPORT_FAILURE"
	CodeUnknownStatus    Code = "UNKNOWN_STATUS"
	CodeStorageFailure   Code = "STORAGE_FAILURE"
)

// Attributes holds the default behaviour attached to a code.
type Attributes struct {
	Message   string
	Kind      string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:               {Message: "unknown error", Kind: "system_error", Severity: SeverityCritical, Alert: true},
		CodeInvalidArgument:       {Message: "invalid argument", Kind: "invalid_argument", Severity: SeverityInfo},
		CodeNotFound:              {Message: "resource not found", Kind: "not_found", Severity: SeverityInfo},
		CodeConflict:              {Message: "resource conflict", Kind: "conflict", Severity: SeverityWarning},
		CodeInitializationFailure: {Message: "component not initialized", Kind: "system_error", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeTimeout:               {Message: "operation timed out", Kind: "timeout", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeValidation:            {Message: "request validation failed", Kind: "validation_error", Severity: SeverityInfo},
		CodeQuoteUnavailable:      {Message: "no current price", Kind: "quote_unavailable", Severity: SeverityWarning, Retryable: true},
		CodeOrderRejected:         {Message: "order rejected by trading api", Kind: "order_rejected", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeTransport:             {Message: "trading api call failed", Kind: "execution_error", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeUnknownStatus:         {Message: "order status unknown", Kind: "unknown_status", Severity: SeverityWarning, Alert: true},
		CodeStorageFailure:        {Message: "storage failure", Kind: "storage_error", Severity: SeverityCritical, Retryable: true, Alert: true},
	}
)

// Register lets a package describe its own codes during init.
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf returns the registered attributes, falling back to UNKNOWN.
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}

// Codes lists every registered code in lexical order.
func Codes() []Code {
	registryMu.RLock()
	out := make([]Code, 0, len(registry))
	for code := range registry {
		out = append(out, code)
	}
	registryMu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Error is the coded error carried through the system.
type Error struct {
	code      Code
	message   string
	cause     error
	metadata  map[string]string
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option tweaks an Error at construction.
type Option func(*Error)

// WithMetadata attaches a key/value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithRetryable overrides the registered retry behaviour.
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.retryable = &retryable }
}

// WithAlert overrides whether the error should raise an alert.
func WithAlert(alert bool) Option {
	return func(e *Error) { e.alert = &alert }
}

// WithSeverity overrides the registered severity.
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.severity = &sev }
}

// New builds an Error. An empty message takes the registered default.
func New(code Code, message string, opts ...Option) *Error {
	if message == "" {
		message = AttributesOf(code).Message
	}
	e := &Error{code: code, message: message}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Wrap builds an Error around cause.
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is matches on code so sentinel errors work with errors.Is.
func (e *Error) Is(target error) bool {
	if e == nil || target == nil {
		return false
	}
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.code == t.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message returns the message without the code prefix or cause.
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Kind is the snake_case label used in structured results.
func (e *Error) Kind() string {
	return AttributesOf(e.Code()).Kind
}

func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	clone := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		clone[k] = v
	}
	return clone
}

func (e *Error) Retryable() bool {
	if e == nil {
		return false
	}
	if e.retryable != nil {
		return *e.retryable
	}
	return AttributesOf(e.code).Retryable
}

func (e *Error) ShouldAlert() bool {
	if e == nil {
		return false
	}
	if e.alert != nil {
		return *e.alert
	}
	return AttributesOf(e.code).Alert
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	if e.severity != nil {
		return *e.severity
	}
	return AttributesOf(e.code).Severity
}

// From extracts the first *Error in err's chain.
func From(err error) (*Error, bool) {
	if err == nil {
		return nil, false
	}
	var target *Error
	if stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf returns the code of err, or UNKNOWN.
func CodeOf(err error) Code {
	if e, ok := From(err); ok {
		return e.Code()
	}
	return CodeUnknown
}

// HasCode reports whether err carries code anywhere in its chain.
func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

// KindOf returns the result label for err.
func KindOf(err error) string {
	return AttributesOf(CodeOf(err)).Kind
}

// MessageOf prefers the coded message over the full chain.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if e, ok := From(err); ok {
		if e.cause != nil {
			return fmt.Sprintf("%s: %v", e.message, e.cause)
		}
		return e.message
	}
	return err.Error()
}

func RetryableError(err error) bool {
	if e, ok := From(err); ok {
		return e.Retryable()
	}
	return false
}

func ShouldAlert(err error) bool {
	if e, ok := From(err); ok {
		return e.ShouldAlert()
	}
	return false
}

func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
