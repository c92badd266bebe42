package env

import (
	"os"
	"sort"
	"strings"
)

type Var map[string]string

// Env composes child process environments on top of a base, normally the
// launcher's own environment.
type Env struct {
	base Var
}

// FromOS captures the current process environment as the base.
func FromOS() *Env {
	return &Env{base: Parse(os.Environ())}
}

// New uses kvs as the base instead of the OS environment.
func New(kvs []string) *Env {
	return &Env{base: Parse(kvs)}
}

// Parse converts "K=V" pairs into a map. Entries without '=' or with an
// empty key are skipped; later entries win.
func Parse(kvs []string) Var {
	m := make(Var, len(kvs))
	for _, kv := range kvs {
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		m[kv[:i]] = kv[i+1:]
	}
	return m
}

// Merge applies layers over the base in order. Values in layers may refer
// to ${VAR}, resolved against the base plus the layers before them;
// unknown references are left as written. The result is sorted by key.
func (e *Env) Merge(layers ...[]string) []string {
	m := make(Var, len(e.base))
	for k, v := range e.base {
		m[k] = v
	}
	for _, layer := range layers {
		for _, kv := range layer {
			i := strings.IndexByte(kv, '=')
			if i <= 0 {
				continue
			}
			m[kv[:i]] = expand(kv[i+1:], m)
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func expand(s string, m Var) string {
	if !strings.Contains(s, "${") {
		return s
	}
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		name := s[i+2 : i+2+j]
		b.WriteString(s[:i])
		if v, ok := m[name]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i : i+3+j])
		}
		s = s[i+3+j:]
	}
	b.WriteString(s)
	return b.String()
}
