package cogito

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for task lifecycle violations. Handlers log and drop on
// these; they never terminate a task.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrTaskNotFound      = errors.New("task not found")
	ErrTaskTerminal      = errors.New("task is terminal")
	ErrDuplicateTask     = errors.New("task already registered")
)

// ErrLLM is a structured error from the language-model adapter. Providers
// should return it so the orchestrator can classify user-visible failures.
type ErrLLM struct {
	Provider   string
	Status     int // HTTP status when applicable, 0 otherwise
	Message    string
	RetryAfter time.Duration // parsed Retry-After header, 0 when absent
}

func (e *ErrLLM) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: http %d: %s", e.Provider, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// maxIterationsError produces the exact error string persisted when a task
// exceeds its cognitive iteration budget.
func maxIterationsError(max int) string {
	return fmt.Sprintf("Max cognitive iterations exceeded (%d)", max)
}

// ErrorClass buckets an LLM-call failure for user-visible reporting.
type ErrorClass string

const (
	ErrorClassAuth      ErrorClass = "auth"
	ErrorClassRateLimit ErrorClass = "rate_limit"
	ErrorClassLLM       ErrorClass = "llm"
	ErrorClassOther     ErrorClass = "other"
)

// ClassifyLLMError buckets err so the orchestrator can deliver a targeted
// error message to the user instead of a raw stack of wrapped causes.
func ClassifyLLMError(err error) ErrorClass {
	var le *ErrLLM
	if errors.As(err, &le) {
		switch {
		case le.Status == 401 || le.Status == 403:
			return ErrorClassAuth
		case le.Status == 429:
			return ErrorClassRateLimit
		default:
			return ErrorClassLLM
		}
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "api key") || strings.Contains(msg, "authentication"):
		return ErrorClassAuth
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "quota"):
		return ErrorClassRateLimit
	case strings.Contains(msg, "model") || strings.Contains(msg, "llm") || strings.Contains(msg, "completion"):
		return ErrorClassLLM
	default:
		return ErrorClassOther
	}
}

// IsTransientLLMError reports whether err is worth retrying (rate limit or
// upstream unavailability).
func IsTransientLLMError(err error) bool {
	var le *ErrLLM
	if errors.As(err, &le) {
		return le.Status == 429 || le.Status == 503
	}
	return false
}
