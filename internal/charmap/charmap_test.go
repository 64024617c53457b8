package charmap

import "testing"

func TestRFC1459Fold(t *testing.T) {
	cases := []struct{ a, b string }{
		{"Guest[1]", "guest{1}"},
		{"Foo|Bar", "foo\\bar"},
		{"A^B", "a~b"},
	}
	for _, c := range cases {
		if !RFC1459.Equal(c.a, c.b) {
			t.Errorf("expected %q == %q under rfc1459 fold", c.a, c.b)
		}
	}
	if ASCII.Equal("A^B", "a~b") {
		t.Errorf("ascii charmap must not fold ^ onto ~")
	}
}

func TestValidNick(t *testing.T) {
	if !RFC1459.ValidNick("Guest-1", 9) {
		t.Errorf("Guest-1 should be a valid nick")
	}
	if RFC1459.ValidNick("1Guest", 9) {
		t.Errorf("nick may not start with a digit")
	}
	if RFC1459.ValidNick("toolongnickname", 9) {
		t.Errorf("nick exceeding maxLen must be rejected")
	}
	if RFC1459.ValidNick("", 9) {
		t.Errorf("empty nick must be rejected")
	}
}

func TestValidHost(t *testing.T) {
	if !RFC1459.ValidHost("host.example.com") {
		t.Errorf("expected valid hostname")
	}
	if RFC1459.ValidHost("host!example.com") {
		t.Errorf("! is not a legal hostname byte")
	}
}
