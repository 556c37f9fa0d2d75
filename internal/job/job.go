// Package job implements the Job state machine (spec.md §4.3): a single
// generation request's lifecycle from pop through generate to submit.
package job

import "time"

// Status is the tagged job lifecycle value. The variants are kept distinct
// even though FINALIZING/FINALIZING_FAULTED and DONE/DONE_FAULTED look
// collapsible: they record whether the fault happened in the generation
// phase or the submission phase, which Worker escalation and the submit
// path both need to tell apart (spec.md §9).
type Status int

const (
	StatusInit Status = iota
	StatusWorking
	StatusPolling
	StatusFinalizing
	StatusFinalizingFaulted
	StatusFaulted
	StatusDone
	StatusDoneFaulted
)

func (s Status) String() string {
	switch s {
	case StatusInit:
		return "INIT"
	case StatusWorking:
		return "WORKING"
	case StatusPolling:
		return "POLLING"
	case StatusFinalizing:
		return "FINALIZING"
	case StatusFinalizingFaulted:
		return "FINALIZING_FAULTED"
	case StatusFaulted:
		return "FAULTED"
	case StatusDone:
		return "DONE"
	case StatusDoneFaulted:
		return "DONE_FAULTED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal reports whether s is one of the three terminal states.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusDoneFaulted, StatusFaulted:
		return true
	default:
		return false
	}
}

// IsFinalizing reports whether generation has finished even if the upload
// is still outstanding.
func (s Status) IsFinalizing() bool {
	return s == StatusFinalizing || s == StatusFinalizingFaulted
}

// imagePayloadKeys are the keys whose presence marks a payload as
// image-generation leakage onto a text-only worker (spec.md §4.3).
var imagePayloadKeys = []string{"width", "length", "steps"}

// Payload is the job descriptor the dispatcher hands back from a pop.
type Payload struct {
	Prompt           string
	MaxLength        int
	Temperature      float64
	TopP             float64
	StopSequence     []string
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Softprompt       string
	Raw              map[string]any // full decoded payload, for pre-flight scanning and wire passthrough
}

// HasImageKeys reports whether Raw carries any of the image-generation-only
// fields, which would mean this payload was misrouted to a text worker.
func (p Payload) HasImageKeys() bool {
	for _, k := range imagePayloadKeys {
		if _, ok := p.Raw[k]; ok {
			return true
		}
	}
	return false
}

// Result is the outcome handed back from a Backend Client Generate call.
type Result struct {
	Text     string
	Seed     int
	Censored string
}

// Job tracks one generation request end to end. Only the goroutine that
// owns a Job mutates it; Worker reads the exported fields only after that
// goroutine has signaled completion through its Done channel.
type Job struct {
	ID      string
	Payload Payload

	Status        Status
	StartTime     time.Time
	StaleDeadline time.Time
	RetryCount    int
	OutOfMemory   bool

	createdAt time.Time

	Text     string
	Seed     int
	Censored string
}

// New constructs a Job in status INIT.
func New(id string, payload Payload) *Job {
	return &Job{
		ID:        id,
		Payload:   payload,
		Status:    StatusInit,
		createdAt: time.Now(),
	}
}

// maxJobLifetime is the absolute lifetime cap applied regardless of
// StaleDeadline (spec.md §9 open question: both apply, whichever fires
// first).
const maxJobLifetime = 1200 * time.Second

// Start transitions INIT->WORKING, computing the stale deadline and
// rejecting image-generation payloads before any backend call is made.
// It returns false if the job was pre-flight rejected into FAULTED.
func (j *Job) Start() bool {
	if j.Payload.HasImageKeys() {
		j.Status = StatusFaulted
		return false
	}
	j.Status = StatusWorking
	j.StartTime = time.Now()
	maxSeconds := float64(j.Payload.MaxLength)/2 + 10
	j.StaleDeadline = j.StartTime.Add(time.Duration(maxSeconds * float64(time.Second)))
	return true
}

// IsStale reports whether the job has begun, is non-terminal, and has
// exceeded either its per-job stale deadline or the absolute lifetime cap.
func (j *Job) IsStale(now time.Time) bool {
	if j.Status == StatusInit || j.Status.IsTerminal() {
		return false
	}
	if now.Sub(j.createdAt) > maxJobLifetime {
		return true
	}
	return now.After(j.StaleDeadline)
}

// FinishGeneration records a successful Generate call and moves the job
// into FINALIZING, ready for submission.
func (j *Job) FinishGeneration(result Result) {
	j.Text = result.Text
	j.Seed = result.Seed
	j.Censored = result.Censored
	j.Status = StatusFinalizing
}

// FaultGeneration records a non-retryable (or retry-exhausted) backend
// failure, moving the job into FINALIZING_FAULTED so submission still runs
// with a "faulted" state marker.
func (j *Job) FaultGeneration(outOfMemory bool) {
	if outOfMemory {
		j.OutOfMemory = true
	}
	j.Status = StatusFinalizingFaulted
}

// SubmitPayload is the wire shape POSTed to the dispatcher submit endpoint.
type SubmitPayload struct {
	ID         string `json:"id"`
	Generation string `json:"generation"`
	Seed       int    `json:"seed"`
	State      string `json:"state,omitempty"`
}

// PrepareSubmitPayload builds the submit body, attaching the "faulted"
// state marker for a generation-phase fault (spec.md §4.3 / scenario 6).
func (j *Job) PrepareSubmitPayload() SubmitPayload {
	p := SubmitPayload{ID: j.ID, Generation: j.Text, Seed: j.Seed}
	if j.Status == StatusFaulted || j.Status == StatusFinalizingFaulted {
		p.State = "faulted"
	} else if j.Censored != "" {
		p.State = j.Censored
	}
	return p
}

// FinishSubmit applies a submit outcome to the job's terminal state. ok is
// true for a genuine success or a 404 ("already submitted"); the two are
// not told apart here. A job that was already faulted
// before submission (pre-flight reject or a faulted generation) still ends
// in DONE_FAULTED even on a successful submit — only a clean generation
// reaches plain DONE (spec.md §8 scenario 6).
func (j *Job) FinishSubmit(ok bool) {
	wasFaulted := j.Status == StatusFaulted || j.Status == StatusFinalizingFaulted
	if ok {
		if wasFaulted {
			j.Status = StatusDoneFaulted
		} else {
			j.Status = StatusDone
		}
		return
	}
	if j.Status.IsFinalizing() {
		j.Status = StatusDoneFaulted
		return
	}
	j.Status = StatusFaulted
}
