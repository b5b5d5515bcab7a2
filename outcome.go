package apns

import "time"

// PushOutcome is the terminal result of a submission: exactly one of
// Accepted, Rejected, or Failed.
type PushOutcome struct {
	Accepted bool

	// ApnsID is set on Accepted, and echoes the apns-id used for the
	// request (caller-supplied or server-assigned).
	ApnsID string
	// UniqueID is set on Accepted when the development-environment
	// server provides one (see ClientBuilder.UniqueIDPassthrough).
	UniqueID string

	// Rejected is non-nil when APNs responded with a non-200 status.
	// Its Reason is empty when the body is missing or does not parse.
	Rejected *RejectionError

	// Err is set when the submission never produced a usable HTTP
	// response: transport failure, timeout, or client shutdown.
	Err error
}

// IsAccepted reports whether the outcome is the Accepted arm.
func (o PushOutcome) IsAccepted() bool { return o.Accepted }

// IsRejected reports whether the outcome is the Rejected arm.
func (o PushOutcome) IsRejected() bool { return o.Rejected != nil }

// IsFailed reports whether the outcome is the Failed arm.
func (o PushOutcome) IsFailed() bool { return !o.Accepted && o.Rejected == nil }

func acceptedOutcome(apnsID, uniqueID string) PushOutcome {
	return PushOutcome{Accepted: true, ApnsID: apnsID, UniqueID: uniqueID}
}

func rejectedOutcome(reason string, invalidationTime *time.Time) PushOutcome {
	return PushOutcome{Rejected: &RejectionError{Reason: reason, TokenInvalidationTime: invalidationTime}}
}

func failedOutcome(err error) PushOutcome {
	return PushOutcome{Err: err}
}
