package fingerprint

import "testing"

func TestSumIsStableAndContentDerived(t *testing.T) {
	a := Sum([]byte("hello"))
	b := SumString("hello")
	if a != b {
		t.Fatalf("Sum and SumString differ: %q vs %q", a, b)
	}
	if a != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
		t.Fatalf("unexpected digest %q", a)
	}
	if Sum([]byte("hello!")) == a {
		t.Fatalf("different bodies produced the same fingerprint")
	}
}

func TestEqualAndShort(t *testing.T) {
	fp := Sum(nil)
	if !Equal(fp, " "+fp+" ") {
		t.Fatalf("Equal should ignore whitespace")
	}
	if got := Short(fp); len(got) != 12 {
		t.Fatalf("Short() len = %d, want 12", len(got))
	}
	if got := Short("abc"); got != "abc" {
		t.Fatalf("Short(abc) = %q", got)
	}
}
