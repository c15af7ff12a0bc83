package approval

// Reason explains why an approval or denial was not applied.
type Reason string

const (
	ReasonNotAuthorized Reason = "not_authorized"
	ReasonTerminal      Reason = "terminal"
	ReasonNotReady      Reason = "not_ready"
	ReasonDuplicate     Reason = "duplicate"
	ReasonStoreError    Reason = "store_error"
)

// Message returns the user-facing text for a reason.
func Message(r Reason) string {
	switch r {
	case ReasonNotAuthorized:
		return "You are not authorized to approve this request."
	case ReasonTerminal:
		return "This request has already been decided."
	case ReasonNotReady:
		return "Request not ready for approval (persona gating)."
	case ReasonDuplicate:
		return "You already approved this request."
	default:
		return "Unable to process interaction."
	}
}
