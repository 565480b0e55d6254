package process

import (
	"reflect"
	"testing"
)

func TestBuildCommand(t *testing.T) {
	requireUnix(t)
	cases := []struct {
		in   string
		want []string
	}{
		{"", []string{"/bin/true"}},
		{"openclaw gateway --port 18789", []string{"openclaw", "gateway", "--port", "18789"}},
		{"sh -c 'exec start-gateway.sh'", []string{"/bin/sh", "-c", "exec start-gateway.sh"}},
		{"/bin/sh -c \"a | b\"", []string{"/bin/sh", "-c", "a | b"}},
		{"start.sh > /tmp/out", []string{"/bin/sh", "-c", "start.sh > /tmp/out"}},
	}
	for _, tc := range cases {
		cmd := BuildCommand(tc.in)
		if !reflect.DeepEqual(cmd.Args, tc.want) {
			t.Errorf("BuildCommand(%q).Args = %q, want %q", tc.in, cmd.Args, tc.want)
		}
	}
}

func TestParseExplicitShell(t *testing.T) {
	if _, _, ok := parseExplicitShell("echo sh -c nope"); ok {
		t.Fatalf("must only match at the start")
	}
	shell, after, ok := parseExplicitShell("  bash -c 'x y'")
	if !ok || shell != "bash" || after != "x y" {
		t.Fatalf("unexpected: %q %q %v", shell, after, ok)
	}
}
