// Package lifecycle owns fix_status transitions: approval, rejection and the
// apply-to-repository side effect that follows an approval.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jonathan/cifix/internal/db"
	"github.com/jonathan/cifix/internal/github"
	"github.com/jonathan/cifix/internal/logging"
	"github.com/jonathan/cifix/internal/metrics"
)

// Mutator materializes an approved fix in the repository.
type Mutator interface {
	ApplyFix(ctx context.Context, owner, repo, fixText string, recordID int64) (*github.ApplyResult, error)
}

// Learner receives decided records as feedback.
type Learner interface {
	LearnFromRecord(ctx context.Context, r *db.FailureRecord, outcome string) (*db.LearnedPattern, error)
}

// Config controls the apply side effect. Timeout bounds one attempt;
// Deadline, when positive, bounds all attempts together.
type Config struct {
	Timeout  time.Duration
	Attempts int
	Backoff  time.Duration
	Deadline time.Duration
}

// ApplyOutcome reports what happened to an approved fix. Status is the
// record's fix_status after the apply; it stays "applying" when the outcome
// could not be recorded.
type ApplyOutcome struct {
	Status     string `json:"status"`
	PRURL      string `json:"pr_url,omitempty"`
	BranchName string `json:"branch_name,omitempty"`
	Error      string `json:"error,omitempty"`
	Attempts   int    `json:"attempts"`
}

// Decision is the result of an approve or reject call.
type Decision struct {
	Record *db.FailureRecord `json:"failure"`
	// Apply is nil when no apply was attempted.
	Apply *ApplyOutcome `json:"apply,omitempty"`
}

// FixStatus is the read-side view served by the status endpoint.
type FixStatus struct {
	ID           int64     `json:"id"`
	FixStatus    string    `json:"fix_status"`
	SuggestedFix *string   `json:"suggested_fix,omitempty"`
	PRURL        *string   `json:"pr_url,omitempty"`
	FixBranch    *string   `json:"fix_branch,omitempty"`
	FixError     *string   `json:"fix_error,omitempty"`
	DecidedBy    *string   `json:"decided_by,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Manager performs guarded fix status transitions.
type Manager struct {
	store   db.Store
	mutator Mutator
	learner Learner
	metrics *metrics.Metrics
	cfg     Config
	logger  *slog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// NewManager creates a Manager. learner and m may be nil.
func NewManager(store db.Store, mutator Mutator, learner Learner, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	return &Manager{
		store:   store,
		mutator: mutator,
		learner: learner,
		metrics: m,
		cfg:     cfg,
		logger:  logging.New("lifecycle"),
		sleep:   sleepCtx,
	}
}

// Approve moves a pending fix to approved and, when the record carries a fix
// and its repository, applies it. The decision stands even if the apply
// fails; the outcome is reported in Decision.Apply.
func (m *Manager) Approve(ctx context.Context, id int64, decidedBy string) (*Decision, error) {
	before, err := m.transition(ctx, id, "approve", db.FixStatusApproved, decidedBy)
	if err != nil {
		return nil, err
	}
	m.learn(ctx, before, db.OutcomeApproved)

	decision := &Decision{}
	if applicable(before) {
		decision.Apply = m.apply(context.WithoutCancel(ctx), before)
	}

	decision.Record, err = m.store.GetFailure(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload failure: %w", err)
	}
	return decision, nil
}

// Reject moves a pending fix to rejected.
func (m *Manager) Reject(ctx context.Context, id int64, decidedBy string) (*Decision, error) {
	before, err := m.transition(ctx, id, "reject", db.FixStatusRejected, decidedBy)
	if err != nil {
		return nil, err
	}
	m.learn(ctx, before, db.OutcomeRejected)

	record, err := m.store.GetFailure(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reload failure: %w", err)
	}
	return &Decision{Record: record}, nil
}

// Status returns the fix status and apply artifacts of a record.
func (m *Manager) Status(ctx context.Context, id int64) (*FixStatus, error) {
	r, err := m.store.GetFailure(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get failure: %w", err)
	}
	if r == nil {
		return nil, ErrNotFound
	}
	return &FixStatus{
		ID:           r.ID,
		FixStatus:    r.FixStatus,
		SuggestedFix: r.SuggestedFix,
		PRURL:        r.PRURL,
		FixBranch:    r.FixBranch,
		FixError:     r.FixError,
		DecidedBy:    r.DecidedBy,
		UpdatedAt:    r.UpdatedAt,
	}, nil
}

// Pending lists fixes awaiting a decision.
func (m *Manager) Pending(ctx context.Context, limit int) ([]db.FailureRecord, error) {
	records, err := m.store.ListFailures(ctx, db.FailureFilters{
		FixStatuses: db.AwaitingDecisionStatuses,
		HasFix:      true,
		Limit:       limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pending fixes: %w", err)
	}
	return records, nil
}

// transition applies a decision with a compare-and-set on fix_status and
// returns the record as it was before the transition.
func (m *Manager) transition(ctx context.Context, id int64, action, to, decidedBy string) (*db.FailureRecord, error) {
	r, err := m.store.GetFailure(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get failure: %w", err)
	}
	if r == nil {
		return nil, ErrNotFound
	}

	upd := &db.FixUpdate{}
	if decidedBy != "" {
		upd.DecidedBy = &decidedBy
	}
	ok, err := m.store.TransitionFixStatus(ctx, id, db.DecidableStatuses, to, upd)
	if err != nil {
		return nil, fmt.Errorf("failed to %s fix: %w", action, err)
	}
	if !ok {
		current := r.FixStatus
		if latest, err := m.store.GetFailure(ctx, id); err == nil && latest != nil {
			current = latest.FixStatus
		}
		return nil, &ErrInvalidState{ID: id, Action: action, Current: current}
	}

	m.metrics.ObserveTransition(r.FixStatus, to)
	m.logger.Info("fix decided",
		slog.Int64("failure_id", id),
		slog.String("from", r.FixStatus),
		slog.String("to", to),
		slog.String("decided_by", decidedBy))
	return r, nil
}

func applicable(r *db.FailureRecord) bool {
	return r.SuggestedFix != nil && strings.TrimSpace(*r.SuggestedFix) != "" &&
		r.Owner != "" && r.Repo != ""
}

func (m *Manager) apply(ctx context.Context, r *db.FailureRecord) *ApplyOutcome {
	logger := m.logger.With(slog.Int64("failure_id", r.ID), slog.String("repo", r.RepoContext()))

	ok, err := m.store.TransitionFixStatus(ctx, r.ID, []string{db.FixStatusApproved}, db.FixStatusApplying, nil)
	if err != nil {
		logger.Error("failed to start apply", slog.String("error", err.Error()))
		return &ApplyOutcome{Status: db.FixStatusApproved, Error: err.Error()}
	}
	if !ok {
		return &ApplyOutcome{Status: db.FixStatusApproved, Error: "apply already started"}
	}
	m.metrics.ObserveTransition(db.FixStatusApproved, db.FixStatusApplying)

	out := &ApplyOutcome{}
	res, err := m.attempt(ctx, r, out, logger)
	if err != nil {
		msg := err.Error()
		out.Status = db.FixStatusApprovedApplicationFailed
		out.Error = msg
		m.finish(ctx, r.ID, out, &db.FixUpdate{FixError: &msg})
		logger.Error("fix application failed", slog.Int("attempts", out.Attempts), slog.String("error", msg))
		return out
	}

	out.Status = db.FixStatusApplied
	out.PRURL = res.PullRequest
	out.BranchName = res.BranchName
	m.finish(ctx, r.ID, out, &db.FixUpdate{PRURL: &res.PullRequest, FixBranch: &res.BranchName})
	logger.Info("fix applied", slog.String("pr_url", res.PullRequest), slog.String("branch", res.BranchName))
	return out
}

// attempt calls the mutator with backoff until it succeeds, the attempts
// run out or the overall deadline passes.
func (m *Manager) attempt(ctx context.Context, r *db.FailureRecord, out *ApplyOutcome, logger *slog.Logger) (*github.ApplyResult, error) {
	if m.cfg.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.Deadline)
		defer cancel()
	}

	var (
		res *github.ApplyResult
		err error
	)
	for attempt := 1; attempt <= m.cfg.Attempts; attempt++ {
		out.Attempts = attempt
		res, err = m.callMutator(ctx, r)
		if err == nil {
			m.metrics.ObserveApply("success")
			break
		}
		m.metrics.ObserveApply("error")
		logger.Warn("apply attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()))
		if attempt == m.cfg.Attempts {
			break
		}
		if sleepErr := m.sleep(ctx, m.cfg.Backoff<<(attempt-1)); sleepErr != nil {
			err = fmt.Errorf("apply deadline exceeded after %d attempts: %w", attempt, err)
			break
		}
	}
	return res, err
}

func (m *Manager) callMutator(ctx context.Context, r *db.FailureRecord) (*github.ApplyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	res, err := m.mutator.ApplyFix(ctx, r.Owner, r.Repo, *r.SuggestedFix, r.ID)
	if err != nil {
		return nil, err
	}
	switch {
	case res == nil:
		return nil, fmt.Errorf("mutator returned no result")
	case strings.TrimSpace(res.PullRequest) == "":
		return nil, fmt.Errorf("mutator returned no pull request")
	case strings.TrimSpace(res.BranchName) == "":
		return nil, fmt.Errorf("mutator returned no branch")
	}
	return res, nil
}

// finish moves the record out of applying to out.Status. When that write
// fails the record stays in applying, and out says so.
func (m *Manager) finish(ctx context.Context, id int64, out *ApplyOutcome, upd *db.FixUpdate) {
	to := out.Status
	ok, err := m.store.TransitionFixStatus(ctx, id, []string{db.FixStatusApplying}, to, upd)
	if err == nil && !ok {
		err = fmt.Errorf("record is no longer applying")
	}
	if err != nil {
		m.logger.Error("failed to record apply outcome",
			slog.Int64("failure_id", id),
			slog.String("status", to),
			slog.String("error", err.Error()))
		msg := fmt.Sprintf("failed to record apply outcome %s: %v", to, err)
		if out.Error != "" {
			msg = out.Error + "; " + msg
		}
		out.Status = db.FixStatusApplying
		out.Error = msg
		return
	}
	m.metrics.ObserveTransition(db.FixStatusApplying, to)
}

func (m *Manager) learn(ctx context.Context, r *db.FailureRecord, outcome string) {
	if m.learner == nil {
		return
	}
	if _, err := m.learner.LearnFromRecord(ctx, r, outcome); err != nil {
		m.logger.Warn("failed to learn from decision",
			slog.Int64("failure_id", r.ID),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
