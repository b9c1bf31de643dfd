package outbox

// Reason classifies a publish failure.
type Reason string

const (
	ReasonValidation Reason = "validation_error"
	ReasonIO         Reason = "io_error"
	ReasonTimeout    Reason = "timeout"
	ReasonPublish    Reason = "publish_error"
	ReasonException  Reason = "exception"
)

// PublishResult is the immutable outcome of a publish. Publishers
// return results; they never raise through the public surface.
type PublishResult struct {
	OK      bool
	EventID string
	Subject string

	// Failure fields, zero on success.
	Reason  Reason
	Details string
	Err     error
}

func success(eventID, subj string) PublishResult {
	return PublishResult{OK: true, EventID: eventID, Subject: subj}
}

func failure(eventID, subj string, reason Reason, details string, err error) PublishResult {
	return PublishResult{
		EventID: eventID,
		Subject: subj,
		Reason:  reason,
		Details: details,
		Err:     err,
	}
}
