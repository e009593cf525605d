package server

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/jonathan/cifix/internal/db"
	"github.com/jonathan/cifix/internal/types"
	"github.com/jonathan/cifix/internal/webhook"
)

// webhookResponse acknowledges a delivery.
type webhookResponse struct {
	Status    webhook.Outcome `json:"status"`
	Event     string          `json:"event"`
	FailureID int64           `json:"failure_id,omitempty"`
	Created   bool            `json:"created,omitempty"`
	Analysis  string          `json:"analysis,omitempty"`
}

// handleWebhook ingests workflow_run and workflow_job deliveries. The
// signature is checked against the raw body before anything is parsed.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	kind := r.Header.Get(webhook.HeaderEvent)
	logger := s.logger.With(
		slog.String("request_id", requestID(r.Context())),
		slog.String("event", kind),
		slog.String("delivery", r.Header.Get(webhook.HeaderDelivery)))

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		s.metrics.ObserveWebhook(kind, "malformed")
		s.writeError(w, r, &ErrValidation{Message: "failed to read body"})
		return
	}

	if err := s.verifier.Verify(body, r.Header.Get(webhook.HeaderSignature)); err != nil {
		logger.Warn("rejected webhook delivery", slog.String("error", err.Error()))
		s.metrics.ObserveWebhook(kind, "forbidden")
		s.writeError(w, r, err)
		return
	}

	normalized, err := webhook.Normalize(kind, body)
	if err != nil {
		logger.Warn("malformed webhook payload", slog.String("error", err.Error()))
		s.metrics.ObserveWebhook(kind, "malformed")
		s.writeError(w, r, err)
		return
	}
	s.metrics.ObserveWebhook(kind, string(normalized.Outcome))

	resp := webhookResponse{Status: normalized.Outcome, Event: kind}
	switch normalized.Outcome {
	case webhook.OutcomeUnsupported:
		logger.Info("unsupported webhook event acknowledged")
		s.jsonResponse(w, http.StatusOK, resp)
		return
	case webhook.OutcomeIgnored:
		logger.Debug("webhook event ignored",
			slog.String("action", normalized.Event.Action),
			slog.String("conclusion", normalized.Event.Conclusion))
		s.jsonResponse(w, http.StatusOK, resp)
		return
	}

	ev := normalized.Event
	record, created, err := s.store.UpsertFailure(r.Context(), &db.FailureInput{
		Owner:        ev.Owner,
		Repo:         ev.Repo,
		RunID:        ev.ID,
		WorkflowName: ev.Name,
		Status:       "completed",
		Conclusion:   ev.Conclusion,
		HTMLURL:      ev.HTMLURL,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp.FailureID = record.ID
	resp.Created = created

	// Redeliveries only re-dispatch when no successful analysis exists yet.
	if created || (!record.HasAnalysis() && record.FixStatus == db.FixStatusNone) {
		s.dispatcher.Dispatch(record)
		resp.Analysis = "dispatched"
	} else {
		resp.Analysis = "skipped"
	}

	logger.Info("failure ingested",
		slog.Int64("failure_id", record.ID),
		slog.String("key", record.Key()),
		slog.Bool("created", created),
		slog.String("analysis", resp.Analysis))
	s.jsonResponse(w, http.StatusOK, resp)
}

// handleAnalyze triggers analysis of a run on demand.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req types.AnalyzeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	record, err := s.store.GetFailureByKey(r.Context(), req.Owner, req.Repo, req.RunID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	created := false
	if record == nil {
		record, created, err = s.store.UpsertFailure(r.Context(), &db.FailureInput{
			Owner:      req.Owner,
			Repo:       req.Repo,
			RunID:      req.RunID,
			Status:     "completed",
			Conclusion: "failure",
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	s.dispatcher.Dispatch(record)
	s.jsonResponse(w, http.StatusOK, types.AnalyzeResponse{
		FailureID: record.ID,
		Owner:     record.Owner,
		Repo:      record.Repo,
		RunID:     record.RunID,
		Created:   created,
	})
}
