// Package env composes the environment handed to supervised services.
package env

import (
	"os"
	"sort"
	"strings"
)

type Vars map[string]string

// Env holds the supervisor-wide overlay applied on top of the OS environment.
type Env struct {
	global Vars
	base   Vars // snapshot of os.Environ, taken lazily
}

func New() *Env { return &Env{global: make(Vars)} }

// FromPairs builds an Env whose global overlay is the given "K=V" list.
func FromPairs(pairs []string) *Env {
	e := New()
	for k, v := range Parse(pairs) {
		e.global[k] = v
	}
	return e
}

// Set adds a global K=V.
func (e *Env) Set(k, v string) {
	if k == "" {
		return
	}
	e.global[k] = v
}

func (e *Env) snapshotOS() Vars {
	if e.base == nil {
		e.base = Parse(os.Environ())
	}
	return e.base
}

// Compose layers OS env, the global overlay and the per-service list, then
// prefixes pathDirs onto PATH and expands ${VAR} references once.
// The result is sorted for stable output.
func (e *Env) Compose(perService []string, pathDirs ...string) []string {
	m := make(Vars)
	for k, v := range e.snapshotOS() {
		m[k] = v
	}
	for k, v := range e.global {
		m[k] = v
	}
	for k, v := range Parse(perService) {
		m[k] = v
	}
	if len(pathDirs) > 0 {
		dirs := append([]string{}, pathDirs...)
		if cur := m["PATH"]; cur != "" {
			dirs = append(dirs, cur)
		}
		m["PATH"] = strings.Join(dirs, string(os.PathListSeparator))
	}

	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+expand(v, m))
	}
	sort.Strings(out)
	return out
}

// Parse converts "K=V" pairs into a map, skipping malformed entries.
func Parse(pairs []string) Vars {
	m := make(Vars, len(pairs))
	for _, kv := range pairs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

func expand(s string, m Vars) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(k string) string { return m[k] })
}
