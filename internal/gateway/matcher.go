package gateway

import (
	"strings"

	"github.com/tomhay/moltworker/internal/process"
)

var (
	DefaultInclude = []string{"start-gateway.sh", "openclaw gateway"}
	// DefaultExclude lists CLI invocations that share the gateway's command prefix.
	DefaultExclude = []string{"openclaw devices", "openclaw --version", "openclaw onboard", "openclaw config"}
)

// Matcher decides which processes are gateway instances.
type Matcher struct {
	Include []string `mapstructure:"include"`
	Exclude []string `mapstructure:"exclude"`
}

func DefaultMatcher() Matcher {
	return Matcher{
		Include: append([]string(nil), DefaultInclude...),
		Exclude: append([]string(nil), DefaultExclude...),
	}
}

// MatchCommand reports whether cmd contains an include pattern and no exclude pattern.
func (m Matcher) MatchCommand(cmd string) bool {
	for _, x := range m.Exclude {
		if x != "" && strings.Contains(cmd, x) {
			return false
		}
	}
	for _, in := range m.Include {
		if in != "" && strings.Contains(cmd, in) {
			return true
		}
	}
	return false
}

// Match is MatchCommand restricted to starting or running processes.
func (m Matcher) Match(p process.Info) bool {
	return p.Status.Active() && m.MatchCommand(p.Command)
}
