package config

import (
	"encoding/json"
	"net/url"
)

const redacted = "[REDACTED]"

// Secret holds a credential or webhook URL. Every printing and
// marshaling path redacts it; adapters read the value with Reveal.
type Secret string

func (s Secret) mask() string {
	if s == "" {
		return ""
	}
	return redacted
}

func (s Secret) String() string   { return s.mask() }
func (s Secret) GoString() string { return `"` + s.mask() + `"` }

func (s Secret) MarshalYAML() (interface{}, error) { return s.mask(), nil }
func (s Secret) MarshalJSON() ([]byte, error)      { return json.Marshal(s.mask()) }

func (s Secret) Reveal() string { return string(s) }

func (s Secret) IsSet() bool { return s != "" }

// Hint identifies a URL-valued secret by scheme and host only, for
// diagnostics. Non-URL values are fully redacted.
func (s Secret) Hint() string {
	u, err := url.Parse(string(s))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return s.mask()
	}
	return u.Scheme + "://" + u.Host + "/" + redacted
}
