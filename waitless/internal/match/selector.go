package match

import (
	"fmt"
	"slices"
	"strings"

	"github.com/andybalholm/cascadia"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Element describes the DOM element an animation runs on, as reported by
// the injected script. Ancestry is not transported, so selectors relying
// on combinators or structural pseudo-classes are resolved in the page and
// reported back through Matched.
type Element struct {
	Tag     string            `json:"tag"`
	ID      string            `json:"id,omitempty"`
	Classes []string          `json:"classes,omitempty"`
	Attrs   map[string]string `json:"attrs,omitempty"`
	// Matched lists the ignore selectors for which Element.matches() was
	// true in the page.
	Matched []string `json:"matched,omitempty"`
}

// String renders the element as a short CSS-like descriptor.
func (e Element) String() string {
	var b strings.Builder
	b.WriteString(strings.ToLower(e.Tag))
	if e.ID != "" {
		b.WriteString("#" + e.ID)
	}
	for _, c := range e.Classes {
		b.WriteString("." + c)
	}
	return b.String()
}

// SelectorSet matches elements against CSS selectors.
type SelectorSet struct {
	raw       []string
	selectors []cascadia.Selector
}

// CompileSelectors compiles CSS selectors with cascadia.
func CompileSelectors(selectors []string) (*SelectorSet, error) {
	s := &SelectorSet{}
	for _, raw := range selectors {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		sel, err := cascadia.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("match: selector %q: %w", raw, err)
		}
		s.raw = append(s.raw, raw)
		s.selectors = append(s.selectors, sel)
	}
	return s, nil
}

// Selectors returns the source selectors in compile order.
func (s *SelectorSet) Selectors() []string {
	if s == nil {
		return nil
	}
	return slices.Clone(s.raw)
}

// Match reports whether el matches any selector of the set, either because
// the page said so or because the descriptor satisfies the selector.
func (s *SelectorSet) Match(el Element) bool {
	if s == nil || len(s.selectors) == 0 {
		return false
	}
	for _, m := range el.Matched {
		if slices.Contains(s.raw, m) {
			return true
		}
	}
	node := el.node()
	for _, sel := range s.selectors {
		if sel.Match(node) {
			return true
		}
	}
	return false
}

// node builds a detached html.Node carrying the descriptor's tag and
// attributes.
func (e Element) node() *html.Node {
	tag := strings.ToLower(e.Tag)
	n := &html.Node{
		Type:     html.ElementNode,
		Data:     tag,
		DataAtom: atom.Lookup([]byte(tag)),
	}
	if e.ID != "" {
		n.Attr = append(n.Attr, html.Attribute{Key: "id", Val: e.ID})
	}
	if len(e.Classes) > 0 {
		n.Attr = append(n.Attr, html.Attribute{Key: "class", Val: strings.Join(e.Classes, " ")})
	}
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		if k == "id" || k == "class" {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		n.Attr = append(n.Attr, html.Attribute{Key: k, Val: e.Attrs[k]})
	}
	return n
}
