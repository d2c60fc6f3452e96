// Package detect implements the regex stage of PII detection.
//
// An Engine holds a named set of compiled patterns and a confidence
// threshold. It can scan a flat string, walk a parsed JSON value (stamping
// each hit with the path of the leaf it came from), and splice replacement
// values back into text by span.
package detect

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"mcp-conceal/internal/pii"
)

// Engine evaluates a fixed pattern set against input strings.
type Engine struct {
	patterns  map[string]*regexp.Regexp
	threshold float64
}

// NewEngine compiles the pattern set. Invalid regexes or an out-of-range
// threshold fail construction.
func NewEngine(patterns map[string]string, threshold float64) (*Engine, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("confidence threshold %v out of range [0,1]", threshold)
	}
	compiled := make(map[string]*regexp.Regexp, len(patterns))
	for name, expr := range patterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", name, err)
		}
		compiled[name] = re
	}
	return &Engine{patterns: compiled, threshold: threshold}, nil
}

// DetectInText runs every pattern over s and returns the entities at or
// above the confidence threshold, sorted by start offset ascending.
func (e *Engine) DetectInText(s string) []pii.DetectedEntity {
	var out []pii.DetectedEntity
	for name, re := range e.patterns {
		for _, loc := range re.FindAllStringIndex(s, -1) {
			value := s[loc[0]:loc[1]]
			conf := confidence(name, value)
			if conf < e.threshold {
				continue
			}
			out = append(out, pii.DetectedEntity{
				EntityType:    name,
				OriginalValue: value,
				Start:         loc[0],
				End:           loc[1],
				Confidence:    conf,
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// DetectInJSON walks a parsed JSON value depth-first and detects entities
// in every string leaf. Each entity's type carries an "@path" suffix
// locating the leaf, e.g. "email@params.customer.email".
func (e *Engine) DetectInJSON(v any) []pii.DetectedEntity {
	var out []pii.DetectedEntity
	e.walkJSON(v, "", &out)
	return out
}

func (e *Engine) walkJSON(v any, path string, out *[]pii.DetectedEntity) {
	switch node := v.(type) {
	case string:
		for _, ent := range e.DetectInText(node) {
			if path != "" {
				ent.EntityType = ent.EntityType + "@" + path
			}
			*out = append(*out, ent)
		}
	case map[string]any:
		for key, child := range node {
			childPath := key
			if path != "" {
				childPath = path + "." + key
			}
			e.walkJSON(child, childPath, out)
		}
	case []any:
		for i, child := range node {
			e.walkJSON(child, path+"["+strconv.Itoa(i)+"]", out)
		}
	}
}

// ReplaceEntities re-detects entities in text and substitutes each with its
// replacement value. Originals with no entry in replacements are left as-is.
func (e *Engine) ReplaceEntities(text string, replacements map[string]string) string {
	return ReplaceSpans(text, e.DetectInText(text), replacements)
}

// ReplaceSpans splices replacement values into text at the entity spans.
// Entities are processed in ascending start order; a span that begins inside
// the previous substituted span is skipped. Entities whose original value
// has no replacement are left unchanged.
func ReplaceSpans(text string, entities []pii.DetectedEntity, replacements map[string]string) string {
	if len(entities) == 0 {
		return text
	}
	sorted := make([]pii.DetectedEntity, len(entities))
	copy(sorted, entities)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var b strings.Builder
	b.Grow(len(text))
	cursor := 0
	for _, ent := range sorted {
		if ent.Start < cursor || ent.End > len(text) || ent.Start > ent.End {
			continue
		}
		fake, ok := replacements[ent.OriginalValue]
		if !ok {
			continue
		}
		b.WriteString(text[cursor:ent.Start])
		b.WriteString(fake)
		cursor = ent.End
	}
	b.WriteString(text[cursor:])
	return b.String()
}

// confidence derives a per-type score from the shape of the matched value.
func confidence(entityType, value string) float64 {
	switch entityType {
	case "email":
		if strings.Contains(value, "@") && strings.Contains(value, ".") {
			return 0.95
		}
		return 0.7
	case "phone":
		if digitCount(value) >= 10 {
			return 0.9
		}
		return 0.6
	case "ssn":
		if strings.Count(value, "-") == 2 {
			return 0.95
		}
		return 0.8
	case "credit_card":
		if digitCount(value) == 16 {
			return 0.85
		}
		return 0.7
	case "ip_address":
		if validIPv4(value) {
			return 0.95
		}
		return 0.7
	case "url":
		if strings.HasPrefix(value, "http://") || strings.HasPrefix(value, "https://") {
			return 0.9
		}
		return 0.7
	default:
		return 0.8
	}
}

func digitCount(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

func validIPv4(s string) bool {
	parts := strings.Split(s, ".")
	if len(parts) != 4 {
		return false
	}
	for _, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 || n > 255 {
			return false
		}
	}
	return true
}
