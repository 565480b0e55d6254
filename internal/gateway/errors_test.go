package gateway

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tomhay/moltworker/internal/process"
)

func TestHintFor(t *testing.T) {
	cases := map[string]string{
		"Error: ANTHROPIC_API_KEY is not set":                     HintConfiguration,
		"missing gateway token":                                   HintConfiguration,
		"FATAL ERROR: Reached heap limit Allocation failed":       HintResources,
		"JavaScript heap out of memory":                           HintResources,
		"fork: Cannot allocate memory":                            HintResources,
		"gateway did not open port 18789 within 3m0s":             HintGeneric,
		"segmentation fault (core dumped)":                        HintGeneric,
	}
	for text, want := range cases {
		assert.Equal(t, want, HintFor(text), text)
	}
}

func TestStartupErrorDetailsTail(t *testing.T) {
	se := &StartupError{Kind: KindLaunchTimeout, Message: "timeout", Stderr: strings.Repeat("x", DetailTailBytes) + "END"}
	d := se.Details()
	assert.Len(t, d, DetailTailBytes)
	assert.True(t, strings.HasSuffix(d, "END"))

	se = &StartupError{Stdout: "only stdout"}
	assert.Equal(t, "only stdout", se.Details())
}

func TestStartupErrorUnwrap(t *testing.T) {
	se := &StartupError{Kind: KindLaunchTimeout, Message: "gateway did not open port", Err: process.ErrPortTimeout}
	assert.True(t, errors.Is(se, process.ErrPortTimeout))
	assert.Equal(t, "gateway did not open port: timed out waiting for port", se.Error())
	assert.Equal(t, "launch_timeout", se.Kind.String())
}

func TestMatcher(t *testing.T) {
	m := DefaultMatcher()
	assert.True(t, m.MatchCommand("/usr/local/bin/start-gateway.sh"))
	assert.True(t, m.MatchCommand("openclaw gateway --port 18789 --bind lan"))
	assert.False(t, m.MatchCommand("openclaw devices list"))
	assert.False(t, m.MatchCommand("openclaw --version"))
	assert.False(t, m.MatchCommand("openclaw config get gateway"))
	assert.False(t, m.MatchCommand("node server.js"))

	assert.True(t, m.Match(process.Info{Command: "start-gateway.sh", Status: process.StatusStarting}))
	assert.False(t, m.Match(process.Info{Command: "start-gateway.sh", Status: process.StatusCompleted}))
}
