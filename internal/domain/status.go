package domain

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

// Job status constants
const (
	StatusPending    JobStatus = "PENDING"
	StatusProcessing JobStatus = "PROCESSING"
	StatusCompleted  JobStatus = "COMPLETED"
	StatusFailed     JobStatus = "FAILED"
	StatusCancelled  JobStatus = "CANCELLED"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []JobStatus{
	StatusPending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

// transitions holds the allowed moves. PROCESSING -> PENDING exists only for
// reclaiming a claim whose worker stopped heartbeating.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled, StatusPending},
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are accepted from s.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Cancellable reports whether a cancel request may move s to CANCELLED.
func (s JobStatus) Cancellable() bool {
	return s == StatusPending || s == StatusProcessing
}

func (s JobStatus) String() string {
	return string(s)
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a user supplied value into a JobStatus.
func ParseStatus(v string) (JobStatus, bool) {
	s := JobStatus(v)
	return s, s.Valid()
}
