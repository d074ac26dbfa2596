package kernel

import "fmt"

// ErrorKind is the stable taxonomy from the error-handling design: Input,
// Quota, Routing, Provider, Integrity, Cancelled. Each surfaces a single
// human-readable sentence to the caller and never leaks raw provider
// payloads.
type ErrorKind string

const (
	KindInput     ErrorKind = "INPUT"
	KindQuota     ErrorKind = "QUOTA"
	KindRouting   ErrorKind = "ROUTING"
	KindProvider  ErrorKind = "PROVIDER"
	KindIntegrity ErrorKind = "INTEGRITY"
	KindCancel    ErrorKind = "CANCELLED"
)

// KernelError is the single error type every kernel operation returns.
// Callers inspect Kind (via errors.As) to decide on retry/backoff
// behavior; Message is the stable, user-facing sentence.
type KernelError struct {
	Kind       ErrorKind
	Code       string // stable machine-readable code, e.g. "InvalidInput"
	Message    string
	Retryable  bool
	RetryAfter float64 // seconds; zero when not applicable
}

func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewInputError(code, message string) *KernelError {
	return &KernelError{Kind: KindInput, Code: code, Message: message}
}

func NewQuotaError(code, message string, retryAfter float64) *KernelError {
	return &KernelError{Kind: KindQuota, Code: code, Message: message, Retryable: true, RetryAfter: retryAfter}
}

func NewRoutingError(code, message string) *KernelError {
	return &KernelError{Kind: KindRouting, Code: code, Message: message}
}

func NewProviderError(code, message string, retryable bool) *KernelError {
	return &KernelError{Kind: KindProvider, Code: code, Message: message, Retryable: retryable}
}

func NewIntegrityError(code, message string) *KernelError {
	return &KernelError{Kind: KindIntegrity, Code: code, Message: message}
}

func NewCancelledError(code, message string) *KernelError {
	return &KernelError{Kind: KindCancel, Code: code, Message: message}
}

// Well-known codes referenced directly by spec.md's operation contracts.
var (
	ErrInvalidInput        = NewInputError("InvalidInput", "prompt must be between 1 and 5000 characters")
	ErrNoProviders         = NewRoutingError("NoProviders", "no provider is configured or reachable")
	ErrOrchestrationFailed = NewIntegrityError("OrchestrationFailed", "all subtasks failed; no response could be synthesized")
)

// ErrRateLimited builds a QUOTA error carrying the retry-after seconds the
// RateLimiter computed for the caller.
func ErrRateLimited(retryAfter float64) *KernelError {
	return NewQuotaError("RateLimited", "request rate limit exceeded for this principal", retryAfter)
}

// ErrNoRoute builds a ROUTING error for a subtask whose candidate set is
// empty (no model supports its task type, or every candidate's breaker is
// OPEN).
func ErrNoRoute(subtaskID string) *KernelError {
	return NewRoutingError("NoRoute", fmt.Sprintf("no available model for subtask %s", subtaskID))
}

// ProviderErrorClass classifies a raw ProviderClient failure so the
// Executor and CircuitBreaker can decide what to do with it.
type ProviderErrorClass string

const (
	ClassRateLimited ProviderErrorClass = "rate_limited"
	ClassTimeout     ProviderErrorClass = "timeout"
	ClassTransport   ProviderErrorClass = "transport"
	ClassAuth        ProviderErrorClass = "auth"
	ClassServerError ProviderErrorClass = "server_error"
	ClassFatal       ProviderErrorClass = "fatal"
)

// ClassifiedError is what a ProviderClient.Generate returns on failure.
type ClassifiedError struct {
	Class      ProviderErrorClass
	Message    string
	RetryAfter float64
}

func (e *ClassifiedError) Error() string { return fmt.Sprintf("%s: %s", e.Class, e.Message) }

// Retryable reports whether the Executor should attempt a fallback model
// rather than failing the subtask outright. Only ClassFatal (e.g. a
// malformed request the provider permanently rejects) is not.
func (e *ClassifiedError) Retryable() bool { return e.Class != ClassFatal }
