// Package tokenizer counts tokens the way chat-completion models do, so that
// prompt budgets can be computed before a request is sent.
//
// [Tiktoken] uses the BPE tables of OpenAI models through tiktoken-go.
// [Heuristic] approximates four characters per token and is used when no
// table is available (offline environments, non-OpenAI models).
package tokenizer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// Chat formatting overheads of OpenAI-style chat models.
const (
	// MessageOverhead is added once per message for the role/content framing.
	MessageOverhead = 3

	// ReplyPrimer is added once per request for the assistant reply header.
	ReplyPrimer = 3

	// DefaultEncoding is used for models tiktoken-go does not know.
	DefaultEncoding = "cl100k_base"
)

// Counter returns the number of tokens in a text.
type Counter interface {
	Count(text string) int
}

// Tiktoken counts tokens with a BPE encoding. Safe for concurrent use.
type Tiktoken struct {
	mu  sync.Mutex
	enc *tiktoken.Tiktoken
}

// NewTiktoken returns a counter for model, falling back to [DefaultEncoding]
// when the model has no registered encoding.
func NewTiktoken(model string) (*Tiktoken, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding(DefaultEncoding)
		if err != nil {
			return nil, fmt.Errorf("tokenizer: load %s: %w", DefaultEncoding, err)
		}
	}
	return &Tiktoken{enc: enc}, nil
}

// Count implements Counter.
func (t *Tiktoken) Count(text string) int {
	if text == "" {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.enc.Encode(text, nil, nil))
}

// Heuristic estimates tokens from the character count. It never returns
// zero for non-empty text.
type Heuristic struct {
	// CharsPerToken defaults to 4 when zero.
	CharsPerToken int
}

// Count implements Counter.
func (h Heuristic) Count(text string) int {
	if text == "" {
		return 0
	}
	cpt := h.CharsPerToken
	if cpt <= 0 {
		cpt = 4
	}
	return (len([]rune(text)) + cpt - 1) / cpt
}

// ForModel returns a tiktoken counter for model, or a [Heuristic] when the
// encoding tables cannot be loaded.
func ForModel(model string) Counter {
	t, err := NewTiktoken(model)
	if err != nil {
		slog.Warn("tokenizer: falling back to character heuristic", "model", model, "err", err)
		return Heuristic{}
	}
	return t
}

// Prompt counts the tokens of contents sent as one chat message. A non-empty
// role adds the message framing; padReply adds the assistant reply primer
// and should be set only for the final message of a request.
func Prompt(c Counter, role string, padReply bool, contents ...string) int {
	n := 0
	if padReply {
		n += ReplyPrimer
	}
	for _, s := range contents {
		n += c.Count(s)
	}
	if role != "" {
		n += MessageOverhead + c.Count(role)
	}
	return n
}

// Sum returns the plain token count of each text added together.
func Sum(c Counter, texts []string) int {
	return Prompt(c, "", false, texts...)
}
