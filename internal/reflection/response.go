package reflection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ErrMalformedResponse is returned when a summarizer reply does not match
// the expected shape. The batch is re-sent.
var ErrMalformedResponse = errors.New("reflection: malformed summarizer response")

// Response is a parsed summarizer reply.
type Response struct {
	New     []NewEntry
	Updated []UpdatedEntry
}

// NewEntry proposes a new reflection. HasStatement is false when the entry
// carried no usable statement.
type NewEntry struct {
	Statement    string
	HasStatement bool
}

// UpdatedEntry proposes to revise the reflection with id Index.
type UpdatedEntry struct {
	Index        int
	HasIndex     bool
	Statement    string
	HasStatement bool
}

// ParseResponse decodes a summarizer reply.
//
// The reply must be a single JSON object whose only keys are "new" and
// "updated", each holding an array or null; a surrounding Markdown code fence
// is tolerated. Anything else yields [ErrMalformedResponse]. Individual
// entries are read leniently: an entry that is not an object, or whose
// statement is not a string, is kept without a statement so the caller can
// skip it. An index may be an integral number or a numeric string.
func ParseResponse(raw string) (Response, error) {
	body := stripFence(raw)

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var top map[string]json.RawMessage
	if err := dec.Decode(&top); err != nil {
		return Response{}, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if top == nil {
		return Response{}, fmt.Errorf("%w: top level is not an object", ErrMalformedResponse)
	}
	if dec.More() {
		return Response{}, fmt.Errorf("%w: trailing data after object", ErrMalformedResponse)
	}

	var resp Response
	for key, val := range top {
		items, err := entryList(val)
		if err != nil {
			return Response{}, fmt.Errorf("%w: %q: %w", ErrMalformedResponse, key, err)
		}
		switch key {
		case "new":
			for _, it := range items {
				s, ok := stringField(it, "statement")
				resp.New = append(resp.New, NewEntry{Statement: s, HasStatement: ok})
			}
		case "updated":
			for _, it := range items {
				s, ok := stringField(it, "statement")
				idx, hasIdx := indexField(it)
				resp.Updated = append(resp.Updated, UpdatedEntry{
					Index: idx, HasIndex: hasIdx, Statement: s, HasStatement: ok,
				})
			}
		default:
			return Response{}, fmt.Errorf("%w: unexpected key %q", ErrMalformedResponse, key)
		}
	}
	return resp, nil
}

// entryList decodes val as an array of objects. Elements that are not
// objects become nil maps.
func entryList(val json.RawMessage) ([]map[string]json.RawMessage, error) {
	if bytes.Equal(bytes.TrimSpace(val), []byte("null")) {
		return nil, nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(val, &raw); err != nil {
		return nil, errors.New("not an array")
	}
	out := make([]map[string]json.RawMessage, len(raw))
	for i, r := range raw {
		var obj map[string]json.RawMessage
		if json.Unmarshal(r, &obj) == nil {
			out[i] = obj
		}
	}
	return out, nil
}

func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func indexField(obj map[string]json.RawMessage) (int, bool) {
	raw, ok := obj["index"]
	if !ok {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return integral(n.String())
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return integral(strings.TrimSpace(s))
	}
	return 0, false
}

func integral(s string) (int, bool) {
	if i, err := strconv.Atoi(s); err == nil {
		return i, true
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > math.MaxInt32 {
		return 0, false
	}
	return int(f), true
}

// stripFence removes a surrounding ``` or ```json fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
