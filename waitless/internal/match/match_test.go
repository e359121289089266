package match

import "testing"

func TestURLSet_Glob(t *testing.T) {
	s, err := CompileURLs([]string{"*/analytics*", "https://cdn.example.com/*.woff2"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		url  string
		want bool
	}{
		{"/analytics/beacon", true},
		{"https://example.com/analytics/beacon?v=1", true},
		{"https://example.com/api/analytics", true},
		{"https://example.com/api/users", false},
		{"https://cdn.example.com/fonts/inter.woff2", true},
		{"https://cdn.example.com/fonts/inter.woff", false},
	}
	for _, tc := range cases {
		if got := s.Match(tc.url); got != tc.want {
			t.Errorf("Match(%q) = %v, want %v", tc.url, got, tc.want)
		}
	}
	if got := s.MatchedBy("/analytics/beacon"); got != "*/analytics*" {
		t.Errorf("MatchedBy: got %q", got)
	}
}

func TestURLSet_RegexpAndEmpty(t *testing.T) {
	s, err := CompileURLs([]string{"", "re:^wss?://"})
	if err != nil {
		t.Fatal(err)
	}
	if s.Len() != 1 {
		t.Fatalf("Len: got %d, want 1 (blank patterns skipped)", s.Len())
	}
	if !s.Match("wss://push.example.com/socket") {
		t.Error("regexp pattern did not match")
	}

	var nilSet *URLSet
	if nilSet.Match("anything") {
		t.Error("nil set matched")
	}

	if _, err := CompileURLs([]string{"re:(["}); err == nil {
		t.Error("invalid regexp accepted")
	}
}

func TestSelectorSet_Descriptor(t *testing.T) {
	s, err := CompileSelectors([]string{".spinner", "#ticker", "div[data-role=carousel]"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		el   Element
		want bool
	}{
		{Element{Tag: "DIV", Classes: []string{"loader", "spinner"}}, true},
		{Element{Tag: "span", ID: "ticker"}, true},
		{Element{Tag: "div", Attrs: map[string]string{"data-role": "carousel"}}, true},
		{Element{Tag: "button", Classes: []string{"primary"}}, false},
	}
	for _, tc := range cases {
		if got := s.Match(tc.el); got != tc.want {
			t.Errorf("Match(%s) = %v, want %v", tc.el, got, tc.want)
		}
	}
}

func TestSelectorSet_PageReportedMatch(t *testing.T) {
	s, err := CompileSelectors([]string{".modal .fade-in"})
	if err != nil {
		t.Fatal(err)
	}
	el := Element{Tag: "div", Classes: []string{"fade-in"}}
	if s.Match(el) {
		t.Fatal("descendant selector matched a detached node")
	}
	el.Matched = []string{".modal .fade-in"}
	if !s.Match(el) {
		t.Fatal("page-reported match ignored")
	}
	el.Matched = []string{".unrelated"}
	if s.Match(el) {
		t.Fatal("selector outside the set accepted")
	}
}

func TestCompileSelectors_Invalid(t *testing.T) {
	if _, err := CompileSelectors([]string{"div[["}); err == nil {
		t.Fatal("invalid selector accepted")
	}
}

func TestElementString(t *testing.T) {
	el := Element{Tag: "DIV", ID: "x", Classes: []string{"a", "b"}}
	if got := el.String(); got != "div#x.a.b" {
		t.Errorf("String: got %q", got)
	}
}
