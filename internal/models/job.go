package models

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"time"
	"unicode/utf8"

	"reel/internal/pkg/errors"
)

// State is the lifecycle state of a render job.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateUploading State = "uploading"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{
	StatePending, StateRunning, StateUploading,
	StateSucceeded, StateFailed, StateCancelled,
}

// IsTerminal reports whether no further transition is possible.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateCancelled
}

// IsInFlight reports whether a slot owns the job.
func (s State) IsInFlight() bool {
	return s == StateRunning || s == StateUploading
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", errors.ValidationField("state", fmt.Sprintf("unknown state %q", s))
}

// transitions holds the forward edges. The retry reset back to pending is
// not an edge here; only ResetForRetry performs it.
var transitions = map[State][]State{
	StatePending:   {StateRunning, StateCancelled},
	StateRunning:   {StateUploading, StateFailed},
	StateUploading: {StateSucceeded, StateFailed},
}

// CanTransition reports whether from -> to is a legal forward edge.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Quality selects render resolution and frame rate.
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
	Quality4K     Quality = "4k"
)

// Qualities lists supported qualities from cheapest to most expensive.
var Qualities = []Quality{QualityLow, QualityMedium, QualityHigh, Quality4K}

// Valid reports whether q is a supported quality.
func (q Quality) Valid() bool {
	for _, known := range Qualities {
		if q == known {
			return true
		}
	}
	return false
}

// ErrorKind classifies a job failure.
type ErrorKind string

const (
	ErrorKindRender   ErrorKind = "RenderError"
	ErrorKindUpload   ErrorKind = "UploadError"
	ErrorKindTimeout  ErrorKind = "Timeout"
	ErrorKindInternal ErrorKind = "InternalError"
)

// MaxErrorMessageBytes bounds ErrorInfo.Message.
const MaxErrorMessageBytes = 2000

var sceneNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Request is the immutable submission payload.
type Request struct {
	ScriptReference string  `json:"script_reference"`
	SceneName       string  `json:"scene_name,omitempty"`
	Quality         Quality `json:"quality"`
	WebhookURL      string  `json:"webhook_url,omitempty"`
	Priority        int     `json:"priority,omitempty"`
}

// Validate checks the request shape. It does not resolve the script.
func (r Request) Validate() error {
	if r.ScriptReference == "" {
		return errors.ValidationField("script_reference", "script_reference is required")
	}
	if r.SceneName != "" && !sceneNameRe.MatchString(r.SceneName) {
		return errors.ValidationField("scene_name", fmt.Sprintf("invalid scene name %q", r.SceneName))
	}
	if !r.Quality.Valid() {
		return errors.ValidationField("quality", fmt.Sprintf("quality %q is not supported (low, medium, high, 4k)", r.Quality))
	}
	if r.WebhookURL != "" {
		u, err := url.Parse(r.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.ValidationField("webhook_url", "webhook_url must be an absolute http(s) URL")
		}
	}
	return nil
}

// Result is set only on succeeded jobs.
type Result struct {
	URL             string   `json:"url"`
	ObjectKey       string   `json:"object_key"`
	SizeBytes       int64    `json:"size_bytes"`
	DurationSeconds float64  `json:"duration_seconds,omitempty"`
	Scenes          []string `json:"scenes,omitempty"`
}

// ErrorInfo is set only on failed jobs.
type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// Job is the durable record of one render request.
type Job struct {
	ID           string     `json:"id"`
	State        State      `json:"state"`
	Request      Request    `json:"request"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	Result       *Result    `json:"result,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
	Notified     bool       `json:"notified"`
	NotifyError  string     `json:"notify_error,omitempty"`
	NotifiedAt   *time.Time `json:"notified_at,omitempty"`
}

// NewJob returns a pending record for req.
func NewJob(id string, req Request, now time.Time) *Job {
	now = now.UTC()
	return &Job{
		ID:        id,
		State:     StatePending,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Touch advances UpdatedAt without letting it move backwards.
func (j *Job) Touch(now time.Time) {
	now = now.UTC()
	if now.After(j.UpdatedAt) {
		j.UpdatedAt = now
	}
}

// SameVersion reports whether o is the record j as last written: same state,
// attempt and update time. It tells whether a write reported as failed
// actually landed.
func (j *Job) SameVersion(o *Job) bool {
	return o != nil && j.ID == o.ID &&
		j.State == o.State &&
		j.AttemptCount == o.AttemptCount &&
		j.UpdatedAt.Equal(o.UpdatedAt)
}

// Transition moves the job along a forward edge. Entering running counts an
// attempt; entering a terminal state stamps FinishedAt.
func (j *Job) Transition(to State, now time.Time) error {
	if !CanTransition(j.State, to) {
		return errors.FailedPrecondition(fmt.Sprintf("illegal transition %s -> %s", j.State, to)).
			WithField("job_id", j.ID)
	}
	j.State = to
	j.Touch(now)

	switch {
	case to == StateRunning:
		j.AttemptCount++
		if j.StartedAt == nil {
			t := j.UpdatedAt
			j.StartedAt = &t
		}
	case to.IsTerminal():
		t := j.UpdatedAt
		j.FinishedAt = &t
	}
	return nil
}

// Succeed records the upload result and moves uploading -> succeeded.
func (j *Job) Succeed(res Result, now time.Time) error {
	if err := j.Transition(StateSucceeded, now); err != nil {
		return err
	}
	j.Result = &res
	j.Error = nil
	return nil
}

// Fail records the failure and moves running|uploading -> failed.
func (j *Job) Fail(kind ErrorKind, message string, now time.Time) error {
	if err := j.Transition(StateFailed, now); err != nil {
		return err
	}
	j.Result = nil
	j.Error = &ErrorInfo{Kind: kind, Message: TruncateMessage(message)}
	return nil
}

// ResetForRetry puts an interrupted job back to pending. AttemptCount is
// preserved so the retry ceiling holds across restarts.
func (j *Job) ResetForRetry(now time.Time) error {
	if !j.State.IsInFlight() {
		return errors.FailedPrecondition(fmt.Sprintf("cannot reset job in state %s", j.State)).
			WithField("job_id", j.ID)
	}
	j.State = StatePending
	j.Touch(now)
	return nil
}

// NeedsNotification reports whether a terminal webhook is still owed.
func (j *Job) NeedsNotification() bool {
	return j.State.IsTerminal() && j.Request.WebhookURL != "" && !j.Notified
}

// MarkNotified records the end of the delivery sequence. deliveryErr is
// empty on success.
func (j *Job) MarkNotified(deliveryErr string, now time.Time) {
	j.Notified = true
	j.NotifyError = TruncateMessage(deliveryErr)
	j.Touch(now)
	t := j.UpdatedAt
	j.NotifiedAt = &t
}

// Clone returns a deep copy.
func (j *Job) Clone() *Job {
	c := *j
	if j.StartedAt != nil {
		t := *j.StartedAt
		c.StartedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	if j.NotifiedAt != nil {
		t := *j.NotifiedAt
		c.NotifiedAt = &t
	}
	if j.Result != nil {
		r := *j.Result
		r.Scenes = append([]string(nil), j.Result.Scenes...)
		c.Result = &r
	}
	if j.Error != nil {
		e := *j.Error
		c.Error = &e
	}
	return &c
}

// Status is the public projection of a job.
type Status struct {
	ID           string     `json:"id"`
	State        State      `json:"state"`
	Quality      Quality    `json:"quality"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	AttemptCount int        `json:"attempt_count"`
	Result       *Result    `json:"result,omitempty"`
	Error        *ErrorInfo `json:"error,omitempty"`
}

// Status projects the record for status queries.
func (j *Job) Status() Status {
	c := j.Clone()
	return Status{
		ID:           c.ID,
		State:        c.State,
		Quality:      c.Request.Quality,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
		StartedAt:    c.StartedAt,
		FinishedAt:   c.FinishedAt,
		AttemptCount: c.AttemptCount,
		Result:       c.Result,
		Error:        c.Error,
	}
}

// TruncateMessage cuts s to MaxErrorMessageBytes on a rune boundary.
func TruncateMessage(s string) string {
	if len(s) <= MaxErrorMessageBytes {
		return s
	}
	cut := MaxErrorMessageBytes
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// SortByCreated orders jobs by CreatedAt, then ID.
func SortByCreated(jobs []*Job) {
	sort.SliceStable(jobs, func(a, b int) bool {
		if !jobs[a].CreatedAt.Equal(jobs[b].CreatedAt) {
			return jobs[a].CreatedAt.Before(jobs[b].CreatedAt)
		}
		return jobs[a].ID < jobs[b].ID
	})
}
