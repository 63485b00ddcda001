package offset

import "testing"

func TestParseRoundTrip(t *testing.T) {
	cases := []Offset{
		Zero,
		{ReadSeq: 0, Pos: 5},
		{ReadSeq: 3, Pos: 128},
		{ReadSeq: 1 << 20, Pos: 1 << 40},
	}
	for _, c := range cases {
		s := c.String()
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if !got.Equal(c) {
			t.Fatalf("round trip mismatch: got %+v want %+v", got, c)
		}
	}
}

func TestParseSpecialCases(t *testing.T) {
	for _, s := range []string{"", "-1"} {
		got, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		if !got.IsZero() {
			t.Fatalf("Parse(%q) = %+v, want zero offset", s, got)
		}
	}
}

func TestParseRejectsMalformed(t *testing.T) {
	bad := []string{
		"abc",
		"0000000000000000",
		"0000000000000000_",
		"_0000000000000000",
		"0000000000000000_0000000000000000_extra",
		"00000000000000a0_0000000000000000",
		"1_2_3",
		"-2",
	}
	for _, s := range bad {
		if _, err := Parse(s); err == nil {
			t.Fatalf("Parse(%q) expected error, got nil", s)
		}
	}
}

func TestLexicographicOrderMatchesNumericOrder(t *testing.T) {
	lower := Offset{ReadSeq: 1, Pos: 5}
	higher := Offset{ReadSeq: 1, Pos: 6}
	if !(lower.String() < higher.String()) {
		t.Fatalf("expected %q < %q", lower.String(), higher.String())
	}

	crossSegment := Offset{ReadSeq: 2, Pos: 0}
	if !(higher.String() < crossSegment.String()) {
		t.Fatalf("expected %q < %q", higher.String(), crossSegment.String())
	}
}

func TestCompareAndHelpers(t *testing.T) {
	a := Offset{ReadSeq: 0, Pos: 10}
	b := Offset{ReadSeq: 0, Pos: 20}
	if !a.Less(b) {
		t.Fatal("expected a < b")
	}
	if !a.LessOrEqual(a) {
		t.Fatal("expected a <= a")
	}
	if a.Equal(b) {
		t.Fatal("expected a != b")
	}
	if a.Add(10) != b {
		t.Fatalf("a.Add(10) = %+v, want %+v", a.Add(10), b)
	}
}
