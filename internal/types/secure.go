package types

// SecretString wraps sensitive configuration values so they cannot leak into
// logs or JSON output. The raw value must be retrieved explicitly via Reveal.
type SecretString string

// String implements fmt.Stringer with a redacted placeholder.
func (s SecretString) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// MarshalJSON redacts the value in JSON output.
func (s SecretString) MarshalJSON() ([]byte, error) {
	if s == "" {
		return []byte(`""`), nil
	}
	return []byte(`"[REDACTED]"`), nil
}

// Reveal returns the raw secret value.
func (s SecretString) Reveal() string {
	return string(s)
}
