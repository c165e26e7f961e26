// Package keywords derives the categorized keywords stored with each memory
// record and used by retrieval as a candidate pre-filter.
//
// The bundled [RuleExtractor] is a lightweight, dependency-free stand-in for a
// syntactic parser. It produces three categories:
//
//   - characters: names that resolve against the agent's roster of known
//     characters, using fuzzy matching to absorb typos and honorifics;
//   - objects: the head noun of every noun phrase introduced by a determiner
//     or preposition ("picked up the rusty sword" yields "sword");
//   - misc_deps: clause subjects that are not known characters, and
//     capitalized proper nouns found mid-sentence.
//
// Object and misc words are lower-cased so that the same word written at the
// start or in the middle of a sentence indexes identically. Character
// keywords use the roster's canonical spelling.
package keywords

import (
	"strings"
	"sync"
	"unicode"

	"github.com/MrWong99/mnemo/pkg/memory"
)

// Extractor turns free text into categorized keywords. Implementations must
// be safe for concurrent use.
type Extractor interface {
	Extract(text string) memory.Keywords
}

// Pronouns and deictic words that never carry retrieval signal.
var customStopwords = []string{
	"he", "it", "i", "you", "she", "they", "we", "us", "'s",
	"this", "that", "these", "those", "them",
}

var stopwords = setOf(append([]string{
	"me", "my", "mine", "myself", "your", "yours", "yourself", "him", "his",
	"himself", "her", "hers", "herself", "its", "itself", "our", "ours",
	"ourselves", "their", "theirs", "themselves",
	"what", "which", "who", "whom", "whose", "where", "when", "why", "how",
	"am", "is", "are", "was", "were", "be", "been", "being", "have", "has",
	"had", "having", "do", "does", "did", "doing", "done", "can", "could",
	"will", "would", "shall", "should", "may", "might", "must",
	"and", "or", "but", "nor", "so", "yet", "if", "then", "than", "because",
	"as", "until", "while", "not", "no", "yes", "very", "too", "also", "just",
	"only", "own", "same", "such", "there", "here", "again", "once", "up",
	"down", "out", "off", "about", "against", "between", "during", "before",
	"after", "above", "below", "to", "all", "both", "few", "more", "most",
	"other", "now", "seem", "seems", "get", "got", "s", "t",
}, customStopwords...))

// Words that open a noun phrase.
var phraseOpeners = setOf([]string{
	"the", "a", "an", "some", "any", "every", "each", "another", "my", "your",
	"his", "her", "its", "our", "their", "this", "that", "these", "those",
	"of", "in", "on", "at", "from", "with", "into", "onto", "by", "for",
	"under", "over", "near", "behind", "through", "across", "inside",
	"outside", "beside", "toward", "towards", "around", "within", "without",
})

// Option configures a [RuleExtractor].
type Option func(*RuleExtractor)

// WithCharacters seeds the roster of known character names.
func WithCharacters(names ...string) Option {
	return func(e *RuleExtractor) { e.names = newNameMatcher(names) }
}

// WithStopwords adds extra words that are never emitted.
func WithStopwords(words ...string) Option {
	return func(e *RuleExtractor) {
		for _, w := range words {
			e.extraStop[strings.ToLower(w)] = struct{}{}
		}
	}
}

// RuleExtractor is the default [Extractor].
type RuleExtractor struct {
	mu        sync.RWMutex
	names     *nameMatcher
	extraStop map[string]struct{}
}

var _ Extractor = (*RuleExtractor)(nil)

// New creates a RuleExtractor.
func New(opts ...Option) *RuleExtractor {
	e := &RuleExtractor{
		names:     newNameMatcher(nil),
		extraStop: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// SetCharacters replaces the roster of known character names.
func (e *RuleExtractor) SetCharacters(names []string) {
	m := newNameMatcher(names)
	e.mu.Lock()
	e.names = m
	e.mu.Unlock()
}

// Characters returns the current roster in insertion order.
func (e *RuleExtractor) Characters() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]string(nil), e.names.names...)
}

// MatchCharacter resolves name against the roster and returns the canonical
// spelling when it refers to a known character.
func (e *RuleExtractor) MatchCharacter(name string) (string, bool) {
	e.mu.RLock()
	m := e.names
	e.mu.RUnlock()
	return m.match(name)
}

// Extract returns the keywords found in text, or nil for blank text.
func (e *RuleExtractor) Extract(text string) memory.Keywords {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	e.mu.RLock()
	m := e.names
	e.mu.RUnlock()

	kw := make(memory.Keywords)

	// Multi-word roster names are found verbatim before tokenization splits
	// them apart.
	lower := strings.ToLower(text)
	for _, n := range m.names {
		if strings.Contains(n, " ") && strings.Contains(lower, strings.ToLower(n)) {
			kw.Add(memory.CategoryCharacters, n)
		}
	}

	for _, clause := range splitClauses(text) {
		e.extractClause(m, clause, kw)
	}
	return kw
}

func (e *RuleExtractor) extractClause(m *nameMatcher, clause []token, kw memory.Keywords) {
	inPhrase := false
	var head string

	flush := func() {
		if head != "" {
			e.addWord(m, memory.CategoryObjects, head, kw)
		}
		head = ""
		inPhrase = false
	}

	for i, tok := range clause {
		low := strings.ToLower(tok.text)

		if _, ok := phraseOpeners[low]; ok {
			flush()
			inPhrase = true
			continue
		}
		if e.isStop(low) {
			flush()
			continue
		}

		switch {
		case i == 0:
			// Clause-initial content word: the subject.
			e.addWord(m, memory.CategoryMisc, tok.text, kw)
		case inPhrase:
			head = tok.text
		case tok.capitalized:
			e.addWord(m, memory.CategoryMisc, tok.text, kw)
		}
	}
	flush()
}

// addWord files word under category unless it names a known character, in
// which case it is filed under characters with its canonical spelling.
func (e *RuleExtractor) addWord(m *nameMatcher, category, word string, kw memory.Keywords) {
	if name, ok := m.match(word); ok {
		kw.Add(memory.CategoryCharacters, name)
		return
	}
	low := strings.ToLower(word)
	if len([]rune(low)) < 2 || isNumber(low) {
		return
	}
	kw.Add(category, low)
}

func (e *RuleExtractor) isStop(low string) bool {
	if _, ok := stopwords[low]; ok {
		return true
	}
	_, ok := e.extraStop[low]
	return ok
}

type token struct {
	text        string
	capitalized bool
}

// splitClauses tokenizes text into words grouped by clause. Sentence
// punctuation, commas, semicolons and colons end a clause.
func splitClauses(text string) [][]token {
	var (
		clauses [][]token
		cur     []token
		word    []rune
	)
	endWord := func() {
		if len(word) == 0 {
			return
		}
		w := strings.Trim(string(word), "'")
		if strings.HasSuffix(strings.ToLower(w), "'s") {
			w = w[:len(w)-2]
		}
		if w != "" {
			cur = append(cur, token{text: w, capitalized: unicode.IsUpper([]rune(w)[0])})
		}
		word = word[:0]
	}
	endClause := func() {
		endWord()
		if len(cur) > 0 {
			clauses = append(clauses, cur)
		}
		cur = nil
	}

	for _, r := range text {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '\'' || r == '-':
			word = append(word, r)
		case strings.ContainsRune(".!?,;:\n", r):
			endClause()
		default:
			endWord()
		}
	}
	endClause()
	return clauses
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

func setOf(words []string) map[string]struct{} {
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		out[w] = struct{}{}
	}
	return out
}
