package server

import (
	"net/http"
	"strconv"

	"github.com/jonathan/cifix/internal/learning"
	"github.com/jonathan/cifix/internal/types"
)

func (s *Server) handlePredictSuccess(w http.ResponseWriter, r *http.Request) {
	var req types.PredictRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pred, err := s.engine.PredictSuccess(r.Context(), learning.PredictInput{
		ErrorLog:     req.ErrorLog,
		SuggestedFix: req.SuggestedFix,
		RepoContext:  req.RepoContext,
		Confidence:   req.Confidence,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, pred)
}

func (s *Server) handleSimilarFixes(w http.ResponseWriter, r *http.Request) {
	var req types.SimilarFixesRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	matches, err := s.engine.SimilarFixes(r.Context(), learning.SimilarQuery{
		ErrorLog:      req.ErrorLog,
		RepoContext:   req.RepoContext,
		MinSimilarity: req.MinSimilarity,
		Limit:         req.Limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []learning.Match{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"matches": matches,
		"count":   len(matches),
	})
}

func (s *Server) handleEnhanceFix(w http.ResponseWriter, r *http.Request) {
	var req types.EnhanceFixRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	fix, err := s.engine.EnhanceFix(r.Context(), learning.EnhanceInput{
		ErrorLog:      req.ErrorLog,
		RepoContext:   req.RepoContext,
		BaseFix:       req.SuggestedFix,
		MinConfidence: req.MinConfidence,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, fix)
}

func (s *Server) handleLearnFromFeedback(w http.ResponseWriter, r *http.Request) {
	var req types.FeedbackRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	pattern, err := s.engine.Learn(r.Context(), learning.Feedback{
		ErrorLog:      req.ErrorLog,
		SuggestedFix:  req.SuggestedFix,
		Outcome:       req.Outcome,
		RepoContext:   req.RepoContext,
		ErrorCategory: req.ErrorCategory,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"status":  "learned",
		"pattern": pattern,
	})
}

// handlePatternInsights summarises the whole corpus, or one repository's
// share of it when repo_context is given.
func (s *Server) handlePatternInsights(w http.ResponseWriter, r *http.Request) {
	insights, err := s.engine.Insights(r.Context(), r.URL.Query().Get("repo_context"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, insights)
}

// handlePatternInsightsFor adds the category of the posted error log and
// the corpus statistics for that category.
func (s *Server) handlePatternInsightsFor(w http.ResponseWriter, r *http.Request) {
	var req types.InsightsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	insights, err := s.engine.Insights(r.Context(), req.RepoContext)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	category := learning.Classify(req.ErrorLog)
	var stats *learning.GroupStats
	for i := range insights.Categories {
		if insights.Categories[i].Key == category {
			stats = &insights.Categories[i]
			break
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"error_category": category,
		"category_stats": stats,
		"insights":       insights,
	})
}

func (s *Server) handleModelPerformance(w http.ResponseWriter, r *http.Request) {
	threshold, err := queryThreshold(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	perf, err := s.engine.ModelPerformance(r.Context(), threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, perf)
}

// handleModelPerformanceFor adds the precision the analyzer achieves on
// failures of the posted log's category.
func (s *Server) handleModelPerformanceFor(w http.ResponseWriter, r *http.Request) {
	var req types.PerformanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	perf, err := s.engine.ModelPerformance(r.Context(), req.Threshold)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	category := learning.Classify(req.ErrorLog)
	var precision *learning.CategoryPrecision
	for i := range perf.Categories {
		if perf.Categories[i].Category == category {
			precision = &perf.Categories[i]
			break
		}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"error_category":     category,
		"category_precision": precision,
		"performance":        perf,
	})
}

func queryThreshold(r *http.Request) (float64, error) {
	raw := r.URL.Query().Get("threshold")
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < 0 || v > 1 {
		return 0, &ErrValidation{Field: "threshold", Message: "must be a number between 0 and 1"}
	}
	return v, nil
}
