package pattern

import (
	"fmt"
	"regexp"
)

// DefaultGroup is the capture group name holding the station identifier
const DefaultGroup = "id"

// Matcher extracts identifiers from text using a compiled pattern
type Matcher struct {
	re    *regexp.Regexp
	group int
}

// Compile builds a Matcher. The pattern must contain a group named "id", or
// exactly one named group.
func Compile(expr string) (*Matcher, error) {
	if expr == "" {
		return nil, fmt.Errorf("pattern is empty")
	}

	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("failed to compile pattern: %w", err)
	}

	if idx := re.SubexpIndex(DefaultGroup); idx > 0 {
		return &Matcher{re: re, group: idx}, nil
	}

	named := -1
	for i, name := range re.SubexpNames() {
		if name == "" {
			continue
		}
		if named != -1 {
			return nil, fmt.Errorf("pattern %q has several named groups and none is %q", expr, DefaultGroup)
		}
		named = i
	}
	if named == -1 {
		return nil, fmt.Errorf("pattern %q has no named capture group", expr)
	}

	return &Matcher{re: re, group: named}, nil
}

// MustCompile is Compile that panics on error, for tests and constants
func MustCompile(expr string) *Matcher {
	m, err := Compile(expr)
	if err != nil {
		panic(err)
	}
	return m
}

// Extract returns the named-group substring. The boolean is false when the
// pattern does not match or the group captured nothing.
func (m *Matcher) Extract(text string) (string, bool) {
	loc := m.re.FindStringSubmatchIndex(text)
	if loc == nil {
		return "", false
	}
	start, end := loc[2*m.group], loc[2*m.group+1]
	if start < 0 || end <= start {
		return "", false
	}
	return text[start:end], true
}

// String returns the source pattern
func (m *Matcher) String() string {
	return m.re.String()
}

// ExtractAll returns the identifiers of every text that matches, in order,
// without duplicates
func (m *Matcher) ExtractAll(texts []string) []string {
	seen := make(map[string]bool, len(texts))
	var ids []string
	for _, t := range texts {
		id, ok := m.Extract(t)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}
