// Package redact masks known secret values and basic-auth URL userinfo out
// of strings before they reach a log line, a run summary, or an envelope.
// Every emitter in both the control plane and the worker is expected to
// route its outgoing strings through String or Map before they leave the
// process (spec §7: "every emitter passes outgoing strings through a
// redactor").
package redact

import (
	"regexp"
	"strings"
)

const mask = "***"

var basicAuthURL = regexp.MustCompile(`(https?|ssh|git\+ssh)://[^/\s:@]+:[^/\s@]+@`)

// Redactor masks a fixed set of known secret values out of arbitrary
// strings. It is built once per run from the run's secret map so that
// every value the run was given is caught regardless of which component
// is logging it.
type Redactor struct {
	values []string
}

// New builds a Redactor over the given known secret values. Empty values
// are ignored (masking "" would corrupt every string).
func New(values ...string) *Redactor {
	r := &Redactor{}
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			r.values = append(r.values, v)
		}
	}
	return r
}

// FromMap builds a Redactor over every value in m (used for EnvironmentVars
// and Secrets maps alike — secrets are always masked, and an env var that
// happens to collide with a secret value is masked too).
func FromMap(m map[string]string) *Redactor {
	vals := make([]string, 0, len(m))
	for _, v := range m {
		vals = append(vals, v)
	}
	return New(vals...)
}

// String masks every known secret occurrence and any basic-auth userinfo
// segment out of s.
func (r *Redactor) String(s string) string {
	if r != nil {
		for _, v := range r.values {
			if v == "" {
				continue
			}
			s = strings.ReplaceAll(s, v, mask)
		}
	}
	return basicAuthURL.ReplaceAllString(s, "$1://"+mask+"@")
}

// Map returns a new map with the same keys as m and every value replaced
// by the mask; m itself is left untouched.
func (r *Redactor) Map(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k := range m {
		out[k] = mask
	}
	return out
}
