package domain

// JobWakeUp is published when a job becomes claimable. It carries no state;
// workers always re-read the job from the store.
type JobWakeUp struct {
	JobID string `json:"job_id"`
}
