// Package repair recovers structured JSON values from generator output that
// is supposed to be JSON but may carry prose, markdown fencing, truncation or
// small syntax defects.
//
// Every function in this package is pure. Parse runs the strategies in a
// fixed order and stops at the first one that yields a JSON object or array.
// A strategy never closes unterminated braces or picks a nested fragment out
// of an unbalanced document, so truncated output fails instead of producing a
// partial structure.
package repair

import (
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"
)

// Strategy names one step of the cascade.
type Strategy string

const (
	StrategyDirect          Strategy = "direct"
	StrategyFenced          Strategy = "fenced"
	StrategyCommaRepair     Strategy = "comma_repair"
	StrategyBraceCandidates Strategy = "brace_candidates"
	StrategyOuterBraces     Strategy = "outer_braces"
	StrategyQuoteNormalized Strategy = "quote_normalized"
	StrategyAggressive      Strategy = "aggressive"
	StrategyCommentStripped Strategy = "comment_stripped"
)

// sampleSize bounds the head/tail excerpts carried by UnparsableOutputError.
const sampleSize = 120

// Result is a recovered value and the strategy that produced it.
type Result struct {
	Value    any
	Strategy Strategy
}

// UnparsableOutputError is returned when every strategy failed. It carries
// only the length and bounded samples of the input, never the full text.
type UnparsableOutputError struct {
	Length int
	Head   string
	Tail   string
}

func (e *UnparsableOutputError) Error() string {
	return fmt.Sprintf("unparsable generator output (%d bytes): head=%q tail=%q", e.Length, e.Head, e.Tail)
}

type step struct {
	name Strategy
	fn   func(string) (any, bool)
}

var cascade = []step{
	{StrategyDirect, direct},
	{StrategyFenced, fenced},
	{StrategyCommaRepair, commaRepair},
	{StrategyBraceCandidates, braceCandidates},
	{StrategyOuterBraces, outerSlice},
	{StrategyQuoteNormalized, quoteNormalized},
	{StrategyAggressive, aggressive},
	{StrategyCommentStripped, commentStripped},
}

// Strategies lists the cascade order.
func Strategies() []Strategy {
	out := make([]Strategy, 0, len(cascade))
	for _, s := range cascade {
		out = append(out, s.name)
	}
	return out
}

// Parse runs the cascade over text.
func Parse(text string) (Result, error) {
	for _, s := range cascade {
		if v, ok := s.fn(text); ok {
			return Result{Value: v, Strategy: s.name}, nil
		}
	}
	return Result{}, newUnparsable(text)
}

// ParseObject runs the cascade and requires the recovered value to be a JSON object.
func ParseObject(text string) (map[string]any, Strategy, error) {
	res, err := Parse(text)
	if err != nil {
		return nil, "", err
	}
	obj, ok := res.Value.(map[string]any)
	if !ok {
		return nil, res.Strategy, newUnparsable(text)
	}
	return obj, res.Strategy, nil
}

func newUnparsable(text string) *UnparsableOutputError {
	return &UnparsableOutputError{
		Length: len(text),
		Head:   head(text, sampleSize),
		Tail:   tail(text, sampleSize),
	}
}

// decode accepts only JSON objects and arrays with no trailing data.
func decode(s string) (any, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	if s[0] != '{' && s[0] != '[' {
		return nil, false
	}
	var v any
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return nil, false
	}
	switch v.(type) {
	case map[string]any, []any:
		return v, true
	default:
		return nil, false
	}
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	start := len(s) - n
	for start < len(s) && !utf8.RuneStart(s[start]) {
		start++
	}
	return s[start:]
}
