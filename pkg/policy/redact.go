package policy

import "slices"

// RedactedValue replaces any parameter value hidden from approvers.
const RedactedValue = "«redacted»"

// Redact returns the approver-facing view of params. The input is not modified.
func Redact(params map[string]any, r Redaction) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		switch r.Mode {
		case RedactAllowlist:
			if !slices.Contains(r.Keys, k) {
				v = RedactedValue
			}
		case RedactDenylist:
			if slices.Contains(r.Keys, k) {
				v = RedactedValue
			}
		case RedactAll:
			v = RedactedValue
		}
		out[k] = v
	}
	return out
}
