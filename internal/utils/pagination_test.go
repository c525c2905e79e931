package utils

import "testing"

func TestAtoiDefault(t *testing.T) {
	cases := []struct {
		s    string
		def  int
		want int
	}{
		// empty -> default
		{"", 10, 10},
		// valid ints
		{"42", 0, 42},
		{"-13", 1, -13},
		{"0012", 99, 12},
		// invalid -> default (no trim)
		{"x", 5, 5},
		{" 42", 7, 7},
		// overflow -> default
		{"999999999999999999999999", -1, -1},
	}

	for _, tc := range cases {
		if got := AtoiDefault(tc.s, tc.def); got != tc.want {
			t.Fatalf("AtoiDefault(%q, %d) = %d; want %d", tc.s, tc.def, got, tc.want)
		}
	}
}

func TestNewPage(t *testing.T) {
	cases := []struct {
		page, size string
		want       Page
	}{
		{"", "", Page{1, 20}},
		{"3", "10", Page{3, 10}},
		{"0", "-5", Page{1, 20}},
		{"x", "500", Page{1, 100}},
	}
	for _, tc := range cases {
		if got := NewPage(tc.page, tc.size, 20, 100); got != tc.want {
			t.Fatalf("NewPage(%q, %q) = %+v; want %+v", tc.page, tc.size, got, tc.want)
		}
	}
}

func TestPageBounds(t *testing.T) {
	cases := []struct {
		p          Page
		total      int
		start, end int
	}{
		{Page{1, 10}, 25, 0, 10},
		{Page{3, 10}, 25, 20, 25},
		{Page{4, 10}, 25, 25, 25},
		{Page{1, 10}, 0, 0, 0},
	}
	for _, tc := range cases {
		s, e := tc.p.Bounds(tc.total)
		if s != tc.start || e != tc.end {
			t.Fatalf("%+v.Bounds(%d) = [%d,%d); want [%d,%d)", tc.p, tc.total, s, e, tc.start, tc.end)
		}
	}
}
