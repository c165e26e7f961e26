package llm

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	// ErrBudgetExceeded reports a prompt larger than the model accepts.
	// The concrete error is usually a *BudgetError carrying the overflow.
	ErrBudgetExceeded = errors.New("llm: prompt exceeds model context budget")

	// ErrRequest reports a transport or service failure. Such failures are
	// worth retrying a bounded number of times.
	ErrRequest = errors.New("llm: request failed")
)

// BudgetError is returned when the backend rejects a prompt for its size.
type BudgetError struct {
	// Limit is the model's context limit, when the backend reported it.
	Limit int

	// Requested is the token count the backend computed for the request.
	Requested int

	// Excess is Requested minus Limit, or 0 when either is unknown.
	Excess int

	// Err is the underlying backend error.
	Err error
}

func (e *BudgetError) Error() string {
	if e.Excess > 0 {
		return fmt.Sprintf("llm: prompt exceeds model context budget by %d tokens (%d > %d)", e.Excess, e.Requested, e.Limit)
	}
	return ErrBudgetExceeded.Error()
}

// Unwrap exposes both the sentinel and the backend error to errors.Is/As.
func (e *BudgetError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrBudgetExceeded}
	}
	return []error{ErrBudgetExceeded, e.Err}
}

// contextOverflow matches the phrasing used by OpenAI-compatible backends,
// e.g. "maximum context length is 8192 tokens. However, your messages
// resulted in 9001 tokens".
var contextOverflow = regexp.MustCompile(`(?i)maximum context length is (\d+) tokens.*?(?:resulted in|requested) (\d+) tokens`)

var overflowHints = []string{
	"context_length_exceeded",
	"maximum context length",
	"context window",
	"prompt is too long",
	"too many tokens",
}

// ClassifyOverflow inspects a backend error message and returns a
// *BudgetError when it describes a context overflow. Limit and Requested are
// filled in when the message states them.
func ClassifyOverflow(err error) (*BudgetError, bool) {
	if err == nil {
		return nil, false
	}
	msg := err.Error()
	if m := contextOverflow.FindStringSubmatch(msg); m != nil {
		limit, _ := strconv.Atoi(m[1])
		requested, _ := strconv.Atoi(m[2])
		return &BudgetError{Limit: limit, Requested: requested, Excess: max(requested-limit, 0), Err: err}, true
	}
	lower := strings.ToLower(msg)
	for _, h := range overflowHints {
		if strings.Contains(lower, h) {
			return &BudgetError{Err: err}, true
		}
	}
	return nil, false
}

// Classify wraps a backend error for the operation op with the matching
// sentinel: a *BudgetError for context overflows, ErrRequest otherwise.
// Context cancellation is passed through unchanged apart from the prefix.
func Classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if be, ok := ClassifyOverflow(err); ok {
		return fmt.Errorf("%s: %w", op, be)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrRequest, err)
}
