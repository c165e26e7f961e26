// Package appraise assigns importance and keywords to new memory text.
//
// Importance is rated by an LLM on a 1 to 10 scale; keywords come from a
// [keywords.Extractor]. Appraisal never fails: when the model is unavailable
// or its reply holds no number, the default importance is used.
package appraise

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"github.com/MrWong99/mnemo/internal/keywords"
	"github.com/MrWong99/mnemo/internal/observe"
	"github.com/MrWong99/mnemo/internal/reflection"
	"github.com/MrWong99/mnemo/pkg/provider/llm"
)

// Importance bounds and the fallback used when no rating is available.
const (
	MinImportance     = 1
	MaxImportance     = 10
	DefaultImportance = 5
)

// ratingPrompt is the system prompt for importance ratings.
const ratingPrompt = `You will be given a description of something a character did or concluded.
Rate how important it is on a scale from 1 to 10, where 1 is mundane and 10 is critical.
Reply with the number only.`

var firstInteger = regexp.MustCompile(`\d+`)

// Option configures an [Appraiser].
type Option func(*Appraiser)

// WithDefaultImportance sets the importance used when rating fails.
func WithDefaultImportance(v float64) Option {
	return func(a *Appraiser) { a.fallback = v }
}

// WithMetrics records rating latency and provider errors.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Appraiser) { a.metrics = m }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(a *Appraiser) {
		if l != nil {
			a.log = l
		}
	}
}

// Appraiser rates importance with an LLM and extracts keywords.
// A nil LLM skips rating and always uses the default importance.
type Appraiser struct {
	llm       llm.Provider
	extractor keywords.Extractor
	fallback  float64
	metrics   *observe.Metrics
	log       *slog.Logger
}

var _ reflection.Appraiser = (*Appraiser)(nil)

// New creates an Appraiser.
func New(provider llm.Provider, extractor keywords.Extractor, opts ...Option) *Appraiser {
	a := &Appraiser{
		llm:       provider,
		extractor: extractor,
		fallback:  DefaultImportance,
		log:       slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// Appraise returns the importance and keywords of text.
func (a *Appraiser) Appraise(ctx context.Context, text string) reflection.Appraisal {
	out := reflection.Appraisal{Importance: a.Rate(ctx, text)}
	if a.extractor != nil {
		out.Keywords = a.extractor.Extract(text)
	}
	return out
}

// Rate asks the model for an importance rating of text.
func (a *Appraiser) Rate(ctx context.Context, text string) float64 {
	if a.llm == nil {
		return a.fallback
	}
	start := time.Now()
	resp, err := a.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: ratingPrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: text}},
		MaxTokens:    10,
	})
	if a.metrics != nil {
		a.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		if a.metrics != nil {
			a.metrics.RecordProviderError(ctx, a.llm.ModelID(), "llm")
		}
		a.log.Warn("appraise: rating failed, using default", "err", err, "default", a.fallback)
		return a.fallback
	}
	v, ok := ParseRating(resp.Content)
	if !ok {
		a.log.Debug("appraise: no rating in reply", "reply", resp.Content)
		return a.fallback
	}
	return v
}

// ParseRating returns the first integer in s clamped to
// [MinImportance, MaxImportance].
func ParseRating(s string) (float64, bool) {
	m := firstInteger.FindString(s)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil {
		// Too many digits to be a rating anyway.
		return MaxImportance, true
	}
	return float64(min(max(n, MinImportance), MaxImportance)), true
}
