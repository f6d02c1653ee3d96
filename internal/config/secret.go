package config

import "crypto/subtle"

// Secret is a string type that redacts itself when printed
type Secret string

// Equal compares s against other in constant time, so webhook token
// verification (spec.md §4.H step 2) doesn't leak timing information
// about how many leading characters matched.
func (s Secret) Equal(other string) bool {
	return subtle.ConstantTimeCompare([]byte(s), []byte(other)) == 1
}

func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON ensures secrets are redacted when marshaled to JSON
func (s Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// GoString ensures secrets are redacted under %#v formatting.
func (s Secret) GoString() string {
	return "[REDACTED]"
}

// MarshalYAML ensures secrets are redacted when marshaled to YAML.
func (s Secret) MarshalYAML() (interface{}, error) {
	return "[REDACTED]", nil
}
