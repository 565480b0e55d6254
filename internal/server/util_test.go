package server

import "testing"

func TestSanitizeBase(t *testing.T) {
	cases := map[string]string{
		"":         "",
		"/":        "",
		"admin":    "/admin",
		"/_admin/": "/_admin",
		" /x/y/ ":  "/x/y",
	}
	for in, want := range cases {
		if got := sanitizeBase(in); got != want {
			t.Errorf("sanitizeBase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestIsSafeID(t *testing.T) {
	good := []string{"proc-1", "proc-6f1c2d9e-0b7a-4c8e-9d1f-2a3b4c5d6e7f", "a.b_c"}
	bad := []string{"", "../etc", "a/b", "a b", "x;rm"}
	for _, s := range good {
		if !isSafeID(s) {
			t.Errorf("expected %q to be safe", s)
		}
	}
	for _, s := range bad {
		if isSafeID(s) {
			t.Errorf("expected %q to be rejected", s)
		}
	}
}
