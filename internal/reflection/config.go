package reflection

import (
	"errors"
	"fmt"
)

// Default reflection parameters.
const (
	DefaultMaxOutputTokens  = 512
	DefaultTemperature      = 1.0
	DefaultParseRetries     = 5
	DefaultMemoriesPerProbe = 25
)

// DefaultProbeQuestions are the retrieval queries that assemble the pool of
// memories a cycle reflects on.
var DefaultProbeQuestions = []string{
	"What have I been doing to achieve the goal of the game?",
	"Which locations, actions or items seem important or helpful to the goal of the game?",
	"Which locations, actions or items seem unimportant or detrimental to the goal of the game?",
	"Which strategies have been effective so far, and how should I adjust my overall game plan to align with the evolving dynamics of the game?",
}

// DefaultInsightQuestion closes every reflection prompt.
const DefaultInsightQuestion = "What five high-level insights can you infer from the above statements? " +
	"You can make new and/or updated generalizations, but there should be no more than five in total."

// Config tunes a [Reflector].
type Config struct {
	// ContextWindow is the summarizer's total token limit. Zero asks the
	// summarizer, when it implements ContextWindow() int.
	ContextWindow int

	// MaxOutputTokens is reserved for the reply.
	MaxOutputTokens int

	// Temperature is passed to the summarizer. Nil selects
	// [DefaultTemperature]; an explicit zero asks for deterministic replies.
	Temperature *float64

	// ParseRetries is how many times a batch is re-sent after a reply that
	// does not parse. Nil selects [DefaultParseRetries]; zero sends each
	// batch once.
	ParseRetries *int

	// MemoriesPerProbe caps the memories retrieved per probe question.
	MemoriesPerProbe int

	// ProbeQuestions are the retrieval queries that build the pool.
	ProbeQuestions []string

	// InsightQuestion is appended to every user prompt.
	InsightQuestion string
}

// DefaultConfig returns the stock configuration. ContextWindow is left to
// the summarizer.
func DefaultConfig() Config {
	return Config{
		MaxOutputTokens:  DefaultMaxOutputTokens,
		Temperature:      Float(DefaultTemperature),
		ParseRetries:     Int(DefaultParseRetries),
		MemoriesPerProbe: DefaultMemoriesPerProbe,
		ProbeQuestions:   append([]string(nil), DefaultProbeQuestions...),
		InsightQuestion:  DefaultInsightQuestion,
	}
}

// Float returns a pointer to v, for the optional fields of [Config].
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for the optional fields of [Config].
func Int(v int) *int { return &v }

// withDefaults fills zero and nil fields from [DefaultConfig].
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxOutputTokens == 0 {
		c.MaxOutputTokens = d.MaxOutputTokens
	}
	if c.Temperature == nil {
		c.Temperature = d.Temperature
	} else {
		c.Temperature = Float(*c.Temperature)
	}
	if c.ParseRetries == nil {
		c.ParseRetries = d.ParseRetries
	} else {
		c.ParseRetries = Int(*c.ParseRetries)
	}
	if c.MemoriesPerProbe == 0 {
		c.MemoriesPerProbe = d.MemoriesPerProbe
	}
	if len(c.ProbeQuestions) == 0 {
		c.ProbeQuestions = d.ProbeQuestions
	}
	if c.InsightQuestion == "" {
		c.InsightQuestion = d.InsightQuestion
	}
	return c
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs []error
	if c.ContextWindow < 0 {
		errs = append(errs, fmt.Errorf("reflection: context_window must be >= 0, got %d", c.ContextWindow))
	}
	if c.MaxOutputTokens < 0 {
		errs = append(errs, fmt.Errorf("reflection: max_output_tokens must be >= 0, got %d", c.MaxOutputTokens))
	}
	if t := c.Temperature; t != nil && (*t < 0 || *t > 2) {
		errs = append(errs, fmt.Errorf("reflection: temperature must be within [0, 2], got %g", *t))
	}
	if n := c.ParseRetries; n != nil && *n < 0 {
		errs = append(errs, fmt.Errorf("reflection: parse_retries must be >= 0, got %d", *n))
	}
	if c.MemoriesPerProbe < 0 {
		errs = append(errs, fmt.Errorf("reflection: memories_per_probe must be >= 0, got %d", c.MemoriesPerProbe))
	}
	for i, q := range c.ProbeQuestions {
		if q == "" {
			errs = append(errs, fmt.Errorf("reflection: probe_questions[%d] is empty", i))
		}
	}
	return errors.Join(errs...)
}
