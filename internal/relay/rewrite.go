package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"unicode/utf8"
)

// DeviceIdentityFields are stripped from handshake params; they trigger
// signature checks on the gateway that the proxy cannot satisfy.
var DeviceIdentityFields = []string{"device", "deviceId", "deviceIdentity", "publicKey", "signature", "signedAt", "nonce"}

// RewriteHandshake removes device identity from params and sets params.auth to
// a token-only credential. Untouched values keep their original JSON.
func RewriteHandshake(data []byte, token string) ([]byte, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, fmt.Errorf("parse handshake: %w", err)
	}
	params := map[string]json.RawMessage{}
	if raw, ok := top["params"]; ok && string(raw) != "null" {
		if err := json.Unmarshal(raw, &params); err != nil {
			return nil, fmt.Errorf("parse handshake params: %w", err)
		}
	}
	for _, k := range DeviceIdentityFields {
		delete(params, k)
	}
	auth, err := json.Marshal(struct {
		Token string `json:"token"`
	}{token})
	if err != nil {
		return nil, err
	}
	params["auth"] = auth

	if top["params"], err = json.Marshal(params); err != nil {
		return nil, err
	}
	return json.Marshal(top)
}

// Rule is the configuration form of a Substitution.
type Rule struct {
	Pattern     string `mapstructure:"pattern"`
	Replacement string `mapstructure:"replacement"`
}

// Substitution replaces a whole backend message matching Pattern.
type Substitution struct {
	Pattern     *regexp.Regexp
	Replacement string
}

// Substitutions is an ordered table; the first matching entry wins.
type Substitutions []Substitution

// DefaultRules rewrites the gateway's pairing and token errors. The pairing
// rule must stay first: pairing errors can also carry an "unauthorized" prefix.
var DefaultRules = []Rule{
	{
		Pattern:     `(?i)pairing required|not paired`,
		Replacement: PairingReplacement,
	},
	{
		Pattern:     `(?i)token (missing|mismatch)|missing token|invalid token|unauthorized: gateway token`,
		Replacement: TokenReplacement,
	},
}

const (
	PairingReplacement = "Pairing required. Complete device pairing first, then reconnect."
	TokenReplacement   = "Invalid or missing token. Include a valid access token in the URL: ?token=<your-token>"
)

func Compile(rules []Rule) (Substitutions, error) {
	out := make(Substitutions, 0, len(rules))
	var errs []error
	for i, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("rule %d: %w", i, err))
			continue
		}
		out = append(out, Substitution{Pattern: re, Replacement: r.Replacement})
	}
	return out, errors.Join(errs...)
}

func DefaultSubstitutions() Substitutions {
	s, _ := Compile(DefaultRules)
	return s
}

// Apply returns the replacement of the first matching entry.
func (s Substitutions) Apply(msg string) (string, bool) {
	for _, sub := range s {
		if sub.Pattern.MatchString(msg) {
			return sub.Replacement, true
		}
	}
	return msg, false
}

// RewriteError substitutes error.message. When nothing matches data is
// returned unchanged and false.
func RewriteError(data []byte, subs Substitutions) ([]byte, bool) {
	var top map[string]json.RawMessage
	if json.Unmarshal(data, &top) != nil {
		return data, false
	}
	var e map[string]json.RawMessage
	if json.Unmarshal(top["error"], &e) != nil {
		return data, false
	}
	var msg string
	if json.Unmarshal(e["message"], &msg) != nil {
		return data, false
	}
	repl, ok := subs.Apply(msg)
	if !ok || repl == msg {
		return data, false
	}
	var err error
	if e["message"], err = json.Marshal(repl); err != nil {
		return data, false
	}
	if top["error"], err = json.Marshal(e); err != nil {
		return data, false
	}
	out, err := json.Marshal(top)
	if err != nil {
		return data, false
	}
	return out, true
}

// MaxCloseReason is the largest close reason a control frame can carry.
const MaxCloseReason = 123

// CloseReason substitutes and truncates a reason from the backend.
func CloseReason(reason string, subs Substitutions) string {
	r, _ := subs.Apply(reason)
	return truncateReason(r)
}

func truncateReason(s string) string {
	if len(s) <= MaxCloseReason {
		return s
	}
	s = s[:MaxCloseReason]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}
