// Package match implements the ignore filters of the network and animation
// trackers: URL glob sets and CSS selector sets.
package match

import (
	"fmt"
	"regexp"
	"strings"
)

// URLSet matches request URLs against a list of patterns. A pattern is
// either a glob, where "*" matches any run of characters (slashes
// included) and "?" matches exactly one, or a regular expression prefixed
// with "re:". Globs are anchored at both ends.
type URLSet struct {
	patterns []string
	exprs    []*regexp.Regexp
}

// CompileURLs compiles patterns into a URLSet. An empty list yields a set
// that matches nothing.
func CompileURLs(patterns []string) (*URLSet, error) {
	s := &URLSet{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		re, err := compileURLPattern(p)
		if err != nil {
			return nil, fmt.Errorf("match: url pattern %q: %w", p, err)
		}
		s.patterns = append(s.patterns, p)
		s.exprs = append(s.exprs, re)
	}
	return s, nil
}

// Match reports whether url matches any pattern.
func (s *URLSet) Match(url string) bool {
	if s == nil {
		return false
	}
	for _, re := range s.exprs {
		if re.MatchString(url) {
			return true
		}
	}
	return false
}

// MatchedBy returns the first pattern matching url, or "".
func (s *URLSet) MatchedBy(url string) string {
	if s == nil {
		return ""
	}
	for i, re := range s.exprs {
		if re.MatchString(url) {
			return s.patterns[i]
		}
	}
	return ""
}

// Len returns the number of compiled patterns.
func (s *URLSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.exprs)
}

func compileURLPattern(p string) (*regexp.Regexp, error) {
	if expr, ok := strings.CutPrefix(p, "re:"); ok {
		return regexp.Compile(expr)
	}
	var b strings.Builder
	b.WriteString("^")
	for _, r := range p {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")
	return regexp.Compile(b.String())
}
