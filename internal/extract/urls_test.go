package extract

import (
	"reflect"
	"testing"
)

func TestURLs_SchemesAndBareDomains(t *testing.T) {
	text := `Sources:
- https://example.com/a (primary)
- see http://example.org/b.
- ftp://files.example.net/data.csv
- www.example.io/page
- bare-domain.com/path works too`

	got := URLs(text)
	want := []string{
		"https://example.com/a",
		"http://example.org/b",
		"ftp://files.example.net/data.csv",
		"https://www.example.io/page",
		"https://bare-domain.com/path",
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("URLs mismatch:\n got %v\nwant %v", got, want)
	}
}

func TestURLs_OrderAndDedup(t *testing.T) {
	text := "https://a.com/x then https://b.com/y then https://a.com/x again"
	got := URLs(text)
	want := []string{"https://a.com/x", "https://b.com/y"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("URLs mismatch: got %v want %v", got, want)
	}
}

func TestURLs_None(t *testing.T) {
	if got := URLs("no links in this sentence"); got != nil {
		t.Fatalf("expected nil, got %v", got)
	}
	if got := URLs(""); got != nil {
		t.Fatalf("expected nil for empty text, got %v", got)
	}
}

func TestClean(t *testing.T) {
	cases := []struct{ in, want string }{
		{"https://example.com/a.", "https://example.com/a"},
		{"https://example.com/a),", "https://example.com/a"},
		{"https://example.com/a?q=1;", "https://example.com/a?q=1"},
		{"www.example.com/x", "https://www.example.com/x"},
		{"example.com", "https://example.com"},
		{"ftp://files.example.net/f", "ftp://files.example.net/f"},
		{"mailto:someone@example.com", ""},
		{"noscheme-nodot", ""},
	}
	for _, tc := range cases {
		if got := Clean(tc.in); got != tc.want {
			t.Errorf("Clean(%q) = %q; want %q", tc.in, got, tc.want)
		}
	}
}
