// Package keys derives the canonical identity of a generation request.
package keys

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"

	"github.com/pario-ai/genrelay/pkg/models"
)

// Key identifies requests that produce interchangeable results.
type Key string

// Short returns an abbreviated form for logs.
func (k Key) Short() string {
	if len(k) > 12 {
		return string(k[:12])
	}
	return string(k)
}

// Normalize returns p with surrounding whitespace trimmed from the subject,
// style, model and every option name and value. Case is preserved: the
// upstream service sees exactly these values. When two option names trim to
// the same name, the value of the lexically smallest original name wins.
// The caller's Options map is not modified.
func Normalize(p models.Params) models.Params {
	p.Subject = strings.TrimSpace(p.Subject)
	p.Style = strings.TrimSpace(p.Style)
	p.Model = strings.TrimSpace(p.Model)
	if len(p.Options) == 0 {
		p.Options = nil
		return p
	}

	names := make([]string, 0, len(p.Options))
	for name := range p.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	opts := make(map[string]string, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if _, dup := opts[trimmed]; dup {
			continue
		}
		opts[trimmed] = strings.TrimSpace(p.Options[name])
	}
	p.Options = opts
	return p
}

// Canonical returns the sorted name/value pairs that make up the identity of
// p after Normalize. Volatile fields (RequestID, SubmittedAt) are not part of
// it.
func Canonical(p models.Params) [][2]string {
	p = Normalize(p)
	fields := map[string]string{
		"subject": p.Subject,
		"style":   p.Style,
		"model":   p.Model,
	}
	for name, v := range p.Options {
		fields["opt."+name] = v
	}

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	pairs := make([][2]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, [2]string{name, fields[name]})
	}
	return pairs
}

// Compute hashes the canonical form of p with SHA-256.
func Compute(p models.Params) Key {
	data, _ := json.Marshal(Canonical(p))
	sum := sha256.Sum256(data)
	return Key(hex.EncodeToString(sum[:]))
}
