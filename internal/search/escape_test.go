package search

import (
	"strings"
	"testing"
)

func TestEscapeQueryCharsCoversReservedSet(t *testing.T) {
	// The engine's full reserved set. Escaping any literal containing one
	// of these must neutralize it.
	for _, c := range `+-&|!(){}[]^"~*?:\/` {
		in := "a" + string(c) + "b"
		out := EscapeQueryChars(in)
		if !strings.Contains(out, `\`+string(c)) {
			t.Errorf("char %q not escaped: %q -> %q", c, in, out)
		}
	}
}

func TestEscapeQueryCharsFieldInjection(t *testing.T) {
	// "field:value" passed as data must stay a literal, not become a
	// field filter.
	got := EscapeQueryChars("title:secret")
	if got != `title\:secret` {
		t.Errorf("got %q, want %q", got, `title\:secret`)
	}
}

func TestEscapeQueryCharsHyphen(t *testing.T) {
	if got := EscapeQueryChars("a-b"); got != `a\-b` {
		t.Errorf("got %q, want %q", got, `a\-b`)
	}
}

func TestEscapeQueryCharsWhitespace(t *testing.T) {
	if got := EscapeQueryChars("two words"); got != `two\ words` {
		t.Errorf("got %q, want %q", got, `two\ words`)
	}
}

func TestEscapeLike(t *testing.T) {
	cases := []struct{ in, want string }{
		{"abc%", "abc*"},
		{"a_c", "a?c"},
		{"50%-off%", `50*\-off*`},
		{`100\%`, `100%`}, // escaped wildcard stays literal
		{"plain", "plain"},
	}
	for _, tc := range cases {
		if got := EscapeLike(tc.in); got != tc.want {
			t.Errorf("EscapeLike(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
