package util

import "testing"

func TestParseUnits(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{"1", "1000000000000000000", true},
		{"0.001", "1000000000000000", true},
		{"1000000", "1000000000000000000000000", true},
		{"0.000000000000000001", "1", true},
		{"0.0000000000000000001", "", false},
		{"-1", "", false},
		{"abc", "", false},
	}

	for _, c := range cases {
		got, err := ParseUnits(c.in)
		if !c.ok {
			if err == nil {
				t.Errorf("ParseUnits(%q) expected error, got %s", c.in, got.Dec())
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseUnits(%q): %v", c.in, err)
		}
		if got.Dec() != c.want {
			t.Errorf("ParseUnits(%q) = %s, want %s", c.in, got.Dec(), c.want)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	v, err := ParseUnits("0.002")
	if err != nil {
		t.Fatal(err)
	}
	if s := FormatUnits(v); s != "0.002" {
		t.Fatalf("FormatUnits = %s, want 0.002", s)
	}
	if s := FormatUnits(nil); s != "0" {
		t.Fatalf("FormatUnits(nil) = %s", s)
	}
}

func TestParseBaseUnits(t *testing.T) {
	v, err := ParseBaseUnits("0x10")
	if err != nil || v.Uint64() != 16 {
		t.Fatalf("hex parse: %v %v", v, err)
	}
	v, err = ParseBaseUnits("42")
	if err != nil || v.Uint64() != 42 {
		t.Fatalf("dec parse: %v %v", v, err)
	}
	if _, err := ParseBaseUnits("-3"); err == nil {
		t.Fatal("expected error for negative")
	}
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(RealClock{}.Now())
	start := c.Now()
	c.Advance(1500)
	if got := c.Now().Sub(start); got != 1500 {
		t.Fatalf("advance = %v", got)
	}
}
