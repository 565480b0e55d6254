package gateway

import (
	"fmt"
	"regexp"
	"strings"
)

// Kind classifies supervisor failures. Only the launch kinds reach callers;
// the rest are handled locally by relaunching.
type Kind int

const (
	KindDiscovery Kind = iota
	KindUnreachable
	KindLoopbackOnly
	KindLaunchTimeout
	KindLaunchUnreachable
	KindLaunchFailed
	KindKill
)

func (k Kind) String() string {
	switch k {
	case KindDiscovery:
		return "discovery"
	case KindUnreachable:
		return "unreachable"
	case KindLoopbackOnly:
		return "loopback_only"
	case KindLaunchTimeout:
		return "launch_timeout"
	case KindLaunchUnreachable:
		return "launch_unreachable"
	case KindLaunchFailed:
		return "launch_failed"
	case KindKill:
		return "kill"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// StartupError is returned by Ensure when a fresh launch did not produce a
// verified gateway. Stdout and Stderr hold the captured output tails.
type StartupError struct {
	Kind      Kind
	Message   string
	ProcessID string
	Stdout    string
	Stderr    string
	Err       error
}

func (e *StartupError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *StartupError) Unwrap() error { return e.Err }

// DetailTailBytes caps Details.
const DetailTailBytes = 2048

// Details returns the diagnostic payload: the stderr tail, falling back to stdout.
func (e *StartupError) Details() string {
	s := strings.TrimSpace(e.Stderr)
	if s == "" {
		s = strings.TrimSpace(e.Stdout)
	}
	if len(s) > DetailTailBytes {
		s = s[len(s)-DetailTailBytes:]
	}
	return s
}

var (
	missingCredentialRe = regexp.MustCompile(`(?i)(api[_ -]?key|token|credential|secret)[^\n]*(missing|not set|not configured|required|undefined|invalid)|\b(missing|no)\b[^\n]*(api[_ -]?key|token|credential)`)
	outOfMemoryRe       = regexp.MustCompile(`(?i)out of memory|heap limit|cannot allocate memory|\boom\b|ENOMEM`)
)

const (
	HintConfiguration = "A required credential appears to be missing. Check the gateway environment (gateway.env / gateway.env_files) and restart."
	HintResources     = "The gateway ran out of memory. Give the host more memory or reduce the gateway's workload, then restart."
	HintGeneric       = "Check the gateway output with `moltworker logs` for details."
)

// Hint picks an actionable suggestion by pattern-matching the diagnostic text.
func (e *StartupError) Hint() string {
	return HintFor(e.Message + "\n" + e.Stderr + "\n" + e.Stdout + "\n" + errString(e.Err))
}

// HintFor classifies arbitrary diagnostic text.
func HintFor(text string) string {
	switch {
	case missingCredentialRe.MatchString(text):
		return HintConfiguration
	case outOfMemoryRe.MatchString(text):
		return HintResources
	default:
		return HintGeneric
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
