// Package parser extracts (trait, value) pairs from link output.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Parser kinds.
const (
	KindRegex = "regex"
	KindLine  = "line"
	KindJSON  = "json"
	KindSplit = "split"
)

// Rule is a parser declared on an ability executor.
//
//	regex: every match of Pattern; Group selects a capture group (0 = whole match)
//	line:  every non-empty line
//	json:  Pattern is a comma separated key path; arrays yield one value per element
//	split: Pattern separates fields on each line; Group selects the field
type Rule struct {
	Kind    string `yaml:"kind" json:"kind"`
	Trait   string `yaml:"trait" json:"trait"`
	Pattern string `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Group   int    `yaml:"group,omitempty" json:"group,omitempty"`
}

// Pair is one extracted value.
type Pair struct {
	Trait string
	Value string
}

// Error reports malformed output or an invalid rule.
type Error struct {
	Rule Rule
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("parser %s for %s: %v", e.Rule.Kind, e.Rule.Trait, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

const regexCacheSize = 512

var (
	cacheOnce  sync.Once
	regexCache *lru.Cache[string, *regexp.Regexp]
)

func compile(pattern string) (*regexp.Regexp, error) {
	cacheOnce.Do(func() {
		regexCache, _ = lru.New[string, *regexp.Regexp](regexCacheSize)
	})
	if re, ok := regexCache.Get(pattern); ok {
		return re, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Add(pattern, re)
	return re, nil
}

// Validate checks that r can be applied.
func Validate(r Rule) error {
	if r.Trait == "" {
		return &Error{Rule: r, Err: fmt.Errorf("trait required")}
	}
	switch r.Kind {
	case KindLine:
		return nil
	case KindRegex, KindSplit:
		if r.Group < 0 {
			return &Error{Rule: r, Err: fmt.Errorf("group %d is negative", r.Group)}
		}
		re, err := compile(r.Pattern)
		if err != nil {
			return &Error{Rule: r, Err: err}
		}
		if r.Kind == KindRegex && r.Group > re.NumSubexp() {
			return &Error{Rule: r, Err: fmt.Errorf("group %d out of range", r.Group)}
		}
		return nil
	case KindJSON:
		if r.Pattern == "" {
			return &Error{Rule: r, Err: fmt.Errorf("key path required")}
		}
		return nil
	}
	return &Error{Rule: r, Err: fmt.Errorf("unknown parser kind %q", r.Kind)}
}

// Extract applies r to output.
func Extract(r Rule, output string) ([]Pair, error) {
	if err := Validate(r); err != nil {
		return nil, err
	}
	switch r.Kind {
	case KindRegex:
		return extractRegex(r, output)
	case KindLine:
		return extractLines(r, output), nil
	case KindJSON:
		return extractJSON(r, output)
	case KindSplit:
		return extractSplit(r, output)
	}
	return nil, nil
}

func extractRegex(r Rule, output string) ([]Pair, error) {
	re, err := compile(r.Pattern)
	if err != nil {
		return nil, &Error{Rule: r, Err: err}
	}
	var out []Pair
	for _, m := range re.FindAllStringSubmatch(strings.TrimSpace(output), -1) {
		if v := strings.TrimSpace(m[r.Group]); v != "" {
			out = append(out, Pair{Trait: r.Trait, Value: v})
		}
	}
	return out, nil
}

func extractLines(r Rule, output string) []Pair {
	var out []Pair
	for _, l := range strings.Split(output, "\n") {
		if v := strings.TrimSpace(l); v != "" {
			out = append(out, Pair{Trait: r.Trait, Value: v})
		}
	}
	return out
}

func extractSplit(r Rule, output string) ([]Pair, error) {
	re, err := compile(r.Pattern)
	if err != nil {
		return nil, &Error{Rule: r, Err: err}
	}
	var out []Pair
	for _, l := range strings.Split(output, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		fields := re.Split(l, -1)
		if r.Group >= len(fields) {
			continue
		}
		if v := strings.TrimSpace(fields[r.Group]); v != "" {
			out = append(out, Pair{Trait: r.Trait, Value: v})
		}
	}
	return out, nil
}

func extractJSON(r Rule, output string) ([]Pair, error) {
	output = strings.TrimSpace(output)
	if output == "" {
		return nil, nil
	}
	var doc any
	if err := json.Unmarshal([]byte(output), &doc); err != nil {
		return nil, &Error{Rule: r, Err: fmt.Errorf("malformed json: %w", err)}
	}
	path := strings.Split(r.Pattern, ",")
	var out []Pair
	if list, ok := doc.([]any); ok {
		for _, entry := range list {
			if v, ok := lookup(entry, path); ok {
				out = append(out, Pair{Trait: r.Trait, Value: v})
			}
		}
		return out, nil
	}
	v, ok := lookup(doc, path)
	if !ok {
		return nil, &Error{Rule: r, Err: fmt.Errorf("key path %q not found", r.Pattern)}
	}
	return append(out, Pair{Trait: r.Trait, Value: v}), nil
}

func lookup(doc any, path []string) (string, bool) {
	cur := doc
	for _, k := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return "", false
		}
		cur, ok = m[strings.TrimSpace(k)]
		if !ok {
			return "", false
		}
	}
	switch v := cur.(type) {
	case nil:
		return "", false
	case string:
		return v, v != ""
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return "", false
		}
		return string(b), true
	default:
		return fmt.Sprint(v), true
	}
}
