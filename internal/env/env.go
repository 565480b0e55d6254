package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes the environment handed to the gateway process.
// The supervisor treats the injected variables as an opaque map.
type Env struct {
	Var Var // injected variables (K->V)
	env Var // cached base from OS environment
}

func New() *Env {
	return &Env{
		Var: make(Var),
	}
}

// FromOS caches the current process environment as the base.
func (e *Env) FromOS() {
	e.env = Parse(os.Environ())
}

// WithBase replaces the cached base environment. A nil base means an empty one,
// which keeps the gateway from inheriting the proxy's own secrets.
func (e *Env) WithBase(base Var) *Env {
	e.env = make(Var, len(base))
	for k, v := range base {
		e.env[k] = v
	}
	return e
}

// Set sets a variable K=V.
func (e *Env) Set(k, v string) {
	if e.Var == nil {
		e.Var = make(Var)
	}
	e.Var[k] = v
}

// WithSet is the chaining form of Set.
func (e *Env) WithSet(k, v string) *Env {
	e.Set(k, v)
	return e
}

// Unset removes a variable.
func (e *Env) Unset(k string) {
	if e.Var != nil {
		delete(e.Var, k)
	}
}

// Keys returns the injected variable names in sorted order. Values are never
// exposed through this accessor.
func (e *Env) Keys() []string {
	keys := make([]string, 0, len(e.Var))
	for k := range e.Var {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Merge composes the final environment list applying order:
// base = OS env (or cached)
// then apply e.Var
// then apply vars overrides
// Returns the environment slice in "K=V" form, sorted by key, with ${VAR}
// expansion performed using the composed map (simple expansion, no recursion).
func (e *Env) Merge(vars map[string]string) []string {
	if e.env == nil {
		e.FromOS()
	}
	m := make(Var, len(e.env)+len(e.Var)+len(vars))
	for k, v := range e.env {
		m[k] = v
	}
	for k, v := range e.Var {
		if k == "" {
			continue
		}
		m[k] = v
	}
	for k, v := range vars {
		if k == "" {
			continue
		}
		m[k] = v
	}
	expanded := make(Var, len(m))
	for k, v := range m {
		expanded[k] = expand(v, m)
	}
	out := make([]string, 0, len(expanded))
	for k, v := range expanded {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Parse converts "K=V" entries into a map. Entries without '=' or with an
// empty key are skipped; later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i > 0 {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	res := s
	for k, v := range m {
		res = strings.ReplaceAll(res, "${"+k+"}", v)
	}
	return res
}
