package process

import (
	"os/exec"
	"strings"
)

// BuildCommand constructs an *exec.Cmd for the given command line.
// It avoids invoking a shell when not necessary, and it also respects
// an explicit shell invocation already present in the command string
// (e.g., "sh -c 'echo hi'"), avoiding double-wrapping with another shell.
func BuildCommand(command string) *exec.Cmd {
	cmdStr := strings.TrimSpace(command)
	if cmdStr == "" {
		return getTrueCommand()
	}
	if _, afterC, ok := parseExplicitShell(cmdStr); ok {
		return getShellCommand(afterC)
	}
	// Fallback: when metacharacters are present, use a shell
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204 -- the command comes from operator configuration
	return exec.Command(parts[0], parts[1:]...)
}

// parseExplicitShell detects patterns like "sh -c <ARG>" or "/bin/sh -c <ARG>" at the
// beginning of cmdStr. It returns (shellPath, afterCArg, true) when matched.
// It preserves the substring after "-c " verbatim to avoid breaking quoting.
func parseExplicitShell(cmdStr string) (string, string, bool) {
	trim := strings.TrimLeft(cmdStr, " \t")
	candidates := []string{"sh -c ", "/bin/sh -c ", "/usr/bin/sh -c ", "bash -c ", "/bin/bash -c "}
	for _, p := range candidates {
		if strings.HasPrefix(trim, p) {
			after := trim[len(p):]
			// Strip one pair of outer quotes so the shell sees the actual script.
			if n := len(after); n >= 2 {
				if (after[0] == '\'' && after[n-1] == '\'') || (after[0] == '"' && after[n-1] == '"') {
					after = after[1 : n-1]
				}
			}
			return strings.Fields(p)[0], after, true
		}
	}
	return "", "", false
}
