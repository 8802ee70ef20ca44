package models

// Step names a unit of work inside a chain.
type Step string

const (
	StepExecute       Step = "execute"
	StepPersistResult Step = "persist-result"
	StepCaptureError  Step = "capture-error"
)

// Chain is the transient description of one job run handed to the queue.
// It carries only the record id and kind; the record stays authoritative.
type Chain struct {
	JobID   string `json:"job_id"`
	JobKind string `json:"job_kind"`
	Steps   []Step `json:"steps"`
	OnError Step   `json:"on_error"`
}
