package reflection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
)

// DefaultRequestRetries bounds the attempts [LLMSummarizer] makes for one
// request that keeps failing with a transport error.
const DefaultRequestRetries = 5

// SummaryRequest is one summarization call.
type SummaryRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// Summarizer turns a reflection prompt into raw reply text. Errors wrap
// [llm.ErrBudgetExceeded] when the prompt was too large and [llm.ErrRequest]
// when the service failed.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) (string, error)
}

// SummarizerFunc adapts a function to [Summarizer].
type SummarizerFunc func(ctx context.Context, req SummaryRequest) (string, error)

// Summarize calls f.
func (f SummarizerFunc) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	return f(ctx, req)
}

// SummarizerOption configures an [LLMSummarizer].
type SummarizerOption func(*LLMSummarizer)

// WithRequestRetries sets the maximum attempts per request. Values below 1
// mean a single attempt.
func WithRequestRetries(n int) SummarizerOption {
	return func(s *LLMSummarizer) { s.tries = max(1, n) }
}

// WithBackOff overrides the delay policy between attempts.
func WithBackOff(b backoff.BackOff) SummarizerOption {
	return func(s *LLMSummarizer) { s.backoff = b }
}

// WithSummarizerMetrics records completion latency and provider errors.
func WithSummarizerMetrics(m *observe.Metrics) SummarizerOption {
	return func(s *LLMSummarizer) { s.metrics = m }
}

// LLMSummarizer is a [Summarizer] backed by an [llm.Provider]. Transport
// failures are retried with exponential backoff; budget errors and context
// cancellation are returned at once.
type LLMSummarizer struct {
	llm     llm.Provider
	tries   int
	backoff backoff.BackOff
	metrics *observe.Metrics
}

var _ Summarizer = (*LLMSummarizer)(nil)

// NewLLMSummarizer creates an [LLMSummarizer] backed by the given provider.
func NewLLMSummarizer(provider llm.Provider, opts ...SummarizerOption) *LLMSummarizer {
	s := &LLMSummarizer{llm: provider, tries: DefaultRequestRetries}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ContextWindow reports the provider's context limit.
func (s *LLMSummarizer) ContextWindow() int {
	return s.llm.Capabilities().ContextWindow
}

// Summarize sends req as a system and a user message asking for a JSON
// object and returns the reply text.
func (s *LLMSummarizer) Summarize(ctx context.Context, req SummaryRequest) (string, error) {
	bo := s.backoff
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
	}

	attempt := 0
	op := func() (string, error) {
		attempt++
		start := time.Now()
		resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: req.System,
			Messages:     []llm.Message{{Role: llm.RoleUser, Content: req.User}},
			Temperature:  req.Temperature,
			MaxTokens:    req.MaxTokens,
			JSON:         true,
		})
		if s.metrics != nil {
			s.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		}
		if err == nil {
			return resp.Content, nil
		}
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, s.llm.ModelID(), "llm")
		}
		if errors.Is(err, llm.ErrBudgetExceeded) || ctx.Err() != nil {
			return "", backoff.Permanent(err)
		}
		observe.Logger(ctx).Warn("reflection: summarizer request failed",
			"model", s.llm.ModelID(), "attempt", attempt, "err", err)
		return "", err
	}

	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(s.tries)),
	)
	if err != nil {
		if errors.Is(err, llm.ErrBudgetExceeded) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("reflection: summarize: %w", err)
		}
		if !errors.Is(err, llm.ErrRequest) {
			err = fmt.Errorf("%w: %w", llm.ErrRequest, err)
		}
		observe.Logger(ctx).Error("reflection: summarizer gave up", "model", s.llm.ModelID(), "attempts", attempt, "err", err)
		return "", fmt.Errorf("reflection: summarize after %d attempts: %w", attempt, err)
	}
	return out, nil
}
