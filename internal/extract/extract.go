// Package extract recovers JSON documents from free-form language-model
// output: markdown code fences, leading prose and trailing commentary are
// tolerated.
package extract

import (
	"encoding/json"
	"errors"
	"strings"
)

// Kind classifies extraction failures.
type Kind string

// Unparseable means no JSON document could be recovered from the text.
const Unparseable Kind = "UNPARSEABLE"

// ErrUnparseable is matched by every *Error.
var ErrUnparseable = errors.New("unparseable model output")

// Error reports that raw model output held no recoverable JSON document.
type Error struct {
	Kind Kind
	Raw  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return "extract json: " + string(e.Kind) + ": " + e.Err.Error()
	}
	return "extract json: " + string(e.Kind)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrUnparseable}
	}
	return []error{ErrUnparseable, e.Err}
}

// JSON returns the first JSON object or array found in raw, decoded into
// generic Go values (map[string]any, []any, float64, string, bool, nil).
func JSON(raw string) (any, error) {
	var v any
	if err := Into(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// Into decodes the JSON document recovered from raw into dst.
func Into(raw string, dst any) error {
	candidates := candidates(raw)
	if len(candidates) == 0 {
		return &Error{Kind: Unparseable, Raw: raw, Err: errors.New("no JSON object or array")}
	}
	var lastErr error
	for _, c := range candidates {
		err := json.Unmarshal([]byte(c), dst)
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return &Error{Kind: Unparseable, Raw: raw, Err: lastErr}
}

// candidates returns the slices of raw that may hold a JSON document, in the
// order they should be tried.
func candidates(raw string) []string {
	text := stripFence(strings.TrimSpace(raw))

	obj := strings.IndexByte(text, '{')
	arr := strings.IndexByte(text, '[')

	type span struct {
		at    int
		close byte
	}
	var order []span
	switch {
	case obj >= 0 && (arr < 0 || obj < arr):
		order = append(order, span{obj, '}'})
		if arr >= 0 {
			order = append(order, span{arr, ']'})
		}
	case arr >= 0:
		order = append(order, span{arr, ']'})
		if obj >= 0 {
			order = append(order, span{obj, '}'})
		}
	}

	var out []string
	for _, s := range order {
		end := strings.LastIndexByte(text, s.close)
		if end <= s.at {
			continue
		}
		out = append(out, text[s.at:end+1])
	}
	return out
}

// stripFence removes a surrounding ``` fence, with or without a language tag.
func stripFence(text string) string {
	if !strings.HasPrefix(text, "```") {
		return text
	}
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	text = strings.TrimSpace(text)
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
