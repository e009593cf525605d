package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrPayloadMalformed wraps body decoding and shape errors.
var ErrPayloadMalformed = errors.New("webhook payload malformed")

// Event kinds carried in the X-GitHub-Event header.
const (
	KindWorkflowRun = "workflow_run"
	KindWorkflowJob = "workflow_job"
)

// Outcome says what the ingestion endpoint should do with a delivery.
type Outcome string

const (
	// OutcomeAccepted is a completed failure that must be stored and analyzed.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeIgnored is a supported event that is not a completed failure.
	OutcomeIgnored Outcome = "ignored"
	// OutcomeUnsupported is an event kind this service does not handle.
	OutcomeUnsupported Outcome = "unsupported"
)

// FailureEvent is the canonical shape shared by run-level and job-level events.
type FailureEvent struct {
	Kind       string    `json:"kind"`
	Action     string    `json:"action"`
	Owner      string    `json:"owner"`
	Repo       string    `json:"repo"`
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	Status     string    `json:"status"`
	Conclusion string    `json:"conclusion"`
	HTMLURL    string    `json:"html_url"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IsCompletedFailure reports whether the event should proceed to storage.
func (e *FailureEvent) IsCompletedFailure() bool {
	return e.Action == "completed" && e.Conclusion == "failure"
}

// Normalized is the result of normalizing one delivery.
type Normalized struct {
	Outcome Outcome
	Kind    string
	Event   *FailureEvent
}

type repository struct {
	Name  string `json:"name"`
	Owner struct {
		Login string `json:"login"`
	} `json:"owner"`
}

// WorkflowRunEvent is the run-level delivery.
type WorkflowRunEvent struct {
	Action      string     `json:"action"`
	Repository  repository `json:"repository"`
	WorkflowRun *struct {
		ID         int64     `json:"id"`
		Name       string    `json:"name"`
		Status     string    `json:"status"`
		Conclusion string    `json:"conclusion"`
		HTMLURL    string    `json:"html_url"`
		CreatedAt  time.Time `json:"created_at"`
		UpdatedAt  time.Time `json:"updated_at"`
	} `json:"workflow_run"`
}

// WorkflowJobEvent is the job-level delivery. Its run_id addresses the same
// record as the run-level event for that run.
type WorkflowJobEvent struct {
	Action      string     `json:"action"`
	Repository  repository `json:"repository"`
	WorkflowJob *struct {
		ID           int64     `json:"id"`
		RunID        int64     `json:"run_id"`
		Name         string    `json:"name"`
		WorkflowName string    `json:"workflow_name"`
		Status       string    `json:"status"`
		Conclusion   string    `json:"conclusion"`
		HTMLURL      string    `json:"html_url"`
		StartedAt    time.Time `json:"started_at"`
		CompletedAt  time.Time `json:"completed_at"`
	} `json:"workflow_job"`
}

type variant interface {
	normalize() (*FailureEvent, error)
}

var variants = map[string]func() variant{
	KindWorkflowRun: func() variant { return &WorkflowRunEvent{} },
	KindWorkflowJob: func() variant { return &WorkflowJobEvent{} },
}

// Supported reports whether kind has a normalizer.
func Supported(kind string) bool {
	_, ok := variants[kind]
	return ok
}

// Normalize decodes body according to kind. Unknown kinds yield
// OutcomeUnsupported without inspecting the body.
func Normalize(kind string, body []byte) (*Normalized, error) {
	newVariant, ok := variants[kind]
	if !ok {
		return &Normalized{Outcome: OutcomeUnsupported, Kind: kind}, nil
	}

	v := newVariant()
	if err := json.Unmarshal(body, v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPayloadMalformed, err)
	}
	ev, err := v.normalize()
	if err != nil {
		return nil, err
	}
	ev.Kind = kind

	out := &Normalized{Outcome: OutcomeIgnored, Kind: kind, Event: ev}
	if ev.IsCompletedFailure() {
		out.Outcome = OutcomeAccepted
	}
	return out, nil
}

func (r repository) validate() error {
	if r.Owner.Login == "" || r.Name == "" {
		return fmt.Errorf("%w: repository owner and name are required", ErrPayloadMalformed)
	}
	return nil
}

func (e *WorkflowRunEvent) normalize() (*FailureEvent, error) {
	if err := e.Repository.validate(); err != nil {
		return nil, err
	}
	if e.WorkflowRun == nil || e.WorkflowRun.ID == 0 {
		return nil, fmt.Errorf("%w: workflow_run.id is required", ErrPayloadMalformed)
	}
	run := e.WorkflowRun
	return &FailureEvent{
		Action:     e.Action,
		Owner:      e.Repository.Owner.Login,
		Repo:       e.Repository.Name,
		ID:         run.ID,
		Name:       run.Name,
		Status:     run.Status,
		Conclusion: run.Conclusion,
		HTMLURL:    run.HTMLURL,
		CreatedAt:  run.CreatedAt,
		UpdatedAt:  run.UpdatedAt,
	}, nil
}

func (e *WorkflowJobEvent) normalize() (*FailureEvent, error) {
	if err := e.Repository.validate(); err != nil {
		return nil, err
	}
	if e.WorkflowJob == nil || e.WorkflowJob.RunID == 0 {
		return nil, fmt.Errorf("%w: workflow_job.run_id is required", ErrPayloadMalformed)
	}
	job := e.WorkflowJob
	name := job.WorkflowName
	if name == "" {
		name = job.Name
	}
	return &FailureEvent{
		Action:     e.Action,
		Owner:      e.Repository.Owner.Login,
		Repo:       e.Repository.Name,
		ID:         job.RunID,
		Name:       name,
		Status:     job.Status,
		Conclusion: job.Conclusion,
		HTMLURL:    job.HTMLURL,
		CreatedAt:  job.StartedAt,
		UpdatedAt:  job.CompletedAt,
	}, nil
}
