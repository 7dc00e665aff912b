package jobs

// statemachine.go: job lifecycle transition rules.
//
//	waiting ──(claim, CAS)──► processing ──(success)──► completed
//	   ▲                          │
//	   │                          └──(error)──► failed
//	   └──────(attempts < max)──────────────────┘
//
// completed is terminal. failed is terminal once attempts are exhausted.

// CheckTransition returns nil when j may move to the status to, or an
// *InvalidStateTransitionError explaining why not. A same-status update is not
// a transition and is always allowed.
func CheckTransition(j *Job, to Status) error {
	if to == j.Status {
		return nil
	}
	deny := func(reason string) error {
		return &InvalidStateTransitionError{ID: j.ID, From: j.Status, To: to, Reason: reason}
	}
	if !to.Valid() {
		return deny("unknown status")
	}

	switch j.Status {
	case StatusWaiting:
		if to == StatusProcessing {
			return nil
		}
	case StatusProcessing:
		if to == StatusCompleted || to == StatusFailed {
			return nil
		}
	case StatusFailed:
		if to != StatusWaiting {
			break
		}
		if j.Attempts >= j.MaxAttempts {
			return deny("attempts exhausted")
		}
		return nil
	case StatusCompleted:
		return deny("completed is terminal")
	}
	return deny("")
}

// ValidTransition reports whether from → to is a legal edge, assuming the
// retry policy still allows failed → waiting.
func ValidTransition(from, to Status) bool {
	return CheckTransition(&Job{Status: from, MaxAttempts: 1}, to) == nil
}
