package db

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store used by tests and by `serve` when no
// DATABASE_URL is configured. All operations run under one mutex, which makes
// upserts and compare-and-set transitions atomic.
type MemStore struct {
	mu           sync.Mutex
	now          func() time.Time
	failures     map[int64]*FailureRecord
	byKey        map[string]int64
	patterns     map[int64]*LearnedPattern
	patternByKey map[string]int64
	nextFailure  int64
	nextPattern  int64
}

var _ Store = (*MemStore)(nil)

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		now:          time.Now,
		failures:     make(map[int64]*FailureRecord),
		byKey:        make(map[string]int64),
		patterns:     make(map[int64]*LearnedPattern),
		patternByKey: make(map[string]int64),
	}
}

// SetClock replaces the time source used for created/updated timestamps.
func (s *MemStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// UpsertFailure implements Store.
func (s *MemStore) UpsertFailure(_ context.Context, in *FailureInput) (*FailureRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	key := FailureKey(in.Owner, in.Repo, in.RunID)
	if id, ok := s.byKey[key]; ok {
		r := s.failures[id]
		r.WorkflowName = in.WorkflowName
		r.Status = in.Status
		r.Conclusion = in.Conclusion
		if in.HTMLURL != "" {
			r.HTMLURL = in.HTMLURL
		}
		r.UpdatedAt = now
		return copyFailure(r), false, nil
	}

	s.nextFailure++
	r := &FailureRecord{
		ID:           s.nextFailure,
		Owner:        in.Owner,
		Repo:         in.Repo,
		RunID:        in.RunID,
		WorkflowName: in.WorkflowName,
		Status:       in.Status,
		Conclusion:   in.Conclusion,
		HTMLURL:      in.HTMLURL,
		FixStatus:    FixStatusNone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.failures[r.ID] = r
	s.byKey[key] = r.ID
	return copyFailure(r), true, nil
}

// Insert stores a fully-formed record as-is and returns its assigned ID.
// It exists for seeding tests and for importing history.
func (s *MemStore) Insert(r FailureRecord) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextFailure++
	r.ID = s.nextFailure
	if r.FixStatus == "" {
		r.FixStatus = FixStatusNone
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	s.failures[r.ID] = &r
	s.byKey[r.Key()] = r.ID
	return r.ID
}

// GetFailure implements Store.
func (s *MemStore) GetFailure(_ context.Context, id int64) (*FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.failures[id]
	if !ok {
		return nil, nil
	}
	return copyFailure(r), nil
}

// GetFailureByKey implements Store.
func (s *MemStore) GetFailureByKey(_ context.Context, owner, repo string, runID int64) (*FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byKey[FailureKey(owner, repo, runID)]
	if !ok {
		return nil, nil
	}
	return copyFailure(s.failures[id]), nil
}

// ListFailures implements Store.
func (s *MemStore) ListFailures(_ context.Context, filters FailureFilters) ([]FailureRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []FailureRecord
	for _, r := range s.failures {
		if filters.Owner != "" && r.Owner != filters.Owner {
			continue
		}
		if filters.Repo != "" && r.Repo != filters.Repo {
			continue
		}
		if len(filters.FixStatuses) > 0 && !slices.Contains(filters.FixStatuses, r.FixStatus) {
			continue
		}
		if filters.HasFix && (r.SuggestedFix == nil || *r.SuggestedFix == "") {
			continue
		}
		out = append(out, *copyFailure(r))
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// SaveAnalysis implements Store.
func (s *MemStore) SaveAnalysis(_ context.Context, id int64, upd *AnalysisUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.failures[id]
	if !ok || !slices.Contains(ReanalyzableStatuses, r.FixStatus) {
		return false, nil
	}
	if upd.ErrorLog != nil {
		r.ErrorLog = cloneString(upd.ErrorLog)
	}
	if len(upd.AnalysisResult) > 0 {
		r.AnalysisResult = append([]byte(nil), upd.AnalysisResult...)
	}
	if upd.SuggestedFix != nil {
		r.SuggestedFix = cloneString(upd.SuggestedFix)
	}
	if upd.ConfidenceScore != nil {
		v := *upd.ConfidenceScore
		r.ConfidenceScore = &v
	}
	if upd.ErrorCategory != nil {
		r.ErrorCategory = cloneString(upd.ErrorCategory)
	}
	if upd.FixComplexity != nil {
		r.FixComplexity = cloneString(upd.FixComplexity)
	}
	if upd.MarkPending && r.FixStatus == FixStatusNone {
		r.FixStatus = FixStatusPending
	}
	r.UpdatedAt = s.now()
	return true, nil
}

// TransitionFixStatus implements Store.
func (s *MemStore) TransitionFixStatus(_ context.Context, id int64, from []string, to string, upd *FixUpdate) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.failures[id]
	if !ok || !slices.Contains(from, r.FixStatus) {
		return false, nil
	}
	r.FixStatus = to
	if upd != nil {
		if upd.PRURL != nil {
			r.PRURL = cloneString(upd.PRURL)
		}
		if upd.FixBranch != nil {
			r.FixBranch = cloneString(upd.FixBranch)
		}
		if upd.FixError != nil {
			r.FixError = cloneString(upd.FixError)
		}
		if upd.DecidedBy != nil {
			r.DecidedBy = cloneString(upd.DecidedBy)
		}
	}
	r.UpdatedAt = s.now()
	return true, nil
}

// UpsertPattern implements Store.
func (s *MemStore) UpsertPattern(_ context.Context, in *PatternInput) (*LearnedPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := in.ErrorSignature + "\x00" + in.FixHash + "\x00" + in.RepoContext
	if id, ok := s.patternByKey[key]; ok {
		p := s.patterns[id]
		p.OccurrenceCount++
		p.Outcome = in.Outcome
		p.ErrorCategory = in.ErrorCategory
		if in.SeenAt.After(p.LastSeenAt) {
			p.LastSeenAt = in.SeenAt
		}
		cp := *p
		return &cp, nil
	}

	s.nextPattern++
	p := &LearnedPattern{
		ID:              s.nextPattern,
		ErrorSignature:  in.ErrorSignature,
		ErrorText:       in.ErrorText,
		ErrorCategory:   in.ErrorCategory,
		FixText:         in.FixText,
		FixHash:         in.FixHash,
		Outcome:         in.Outcome,
		RepoContext:     in.RepoContext,
		OccurrenceCount: 1,
		FirstSeenAt:     in.SeenAt,
		LastSeenAt:      in.SeenAt,
	}
	s.patterns[p.ID] = p
	s.patternByKey[key] = p.ID
	cp := *p
	return &cp, nil
}

// ListPatterns implements Store.
func (s *MemStore) ListPatterns(_ context.Context, filters PatternFilters) ([]LearnedPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LearnedPattern, 0, len(s.patterns))
	for _, p := range s.patterns {
		if filters.RepoContext != "" && p.RepoContext != filters.RepoContext {
			continue
		}
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filters.Limit > 0 && len(out) > filters.Limit {
		out = out[:filters.Limit]
	}
	return out, nil
}

// ResetPatterns implements Store.
func (s *MemStore) ResetPatterns(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.patterns = make(map[int64]*LearnedPattern)
	s.patternByKey = make(map[string]int64)
	s.nextPattern = 0
	return nil
}

// Close implements Store.
func (s *MemStore) Close() {}

func copyFailure(r *FailureRecord) *FailureRecord {
	cp := *r
	cp.ErrorLog = cloneString(r.ErrorLog)
	cp.SuggestedFix = cloneString(r.SuggestedFix)
	cp.ErrorCategory = cloneString(r.ErrorCategory)
	cp.FixComplexity = cloneString(r.FixComplexity)
	cp.PRURL = cloneString(r.PRURL)
	cp.FixBranch = cloneString(r.FixBranch)
	cp.FixError = cloneString(r.FixError)
	cp.DecidedBy = cloneString(r.DecidedBy)
	if r.ConfidenceScore != nil {
		v := *r.ConfidenceScore
		cp.ConfidenceScore = &v
	}
	if r.AnalysisResult != nil {
		cp.AnalysisResult = append([]byte(nil), r.AnalysisResult...)
	}
	return &cp
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
