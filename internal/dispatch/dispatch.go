// Package dispatch runs failure analyses in the background. Dispatch never
// blocks the caller; concurrency is bounded, duplicate dispatches for the
// same run share one analysis, and every outcome is written back to the
// store.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/jonathan/cifix/internal/analyzer"
	"github.com/jonathan/cifix/internal/db"
	"github.com/jonathan/cifix/internal/logging"
	"github.com/jonathan/cifix/internal/metrics"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// writeTimeout bounds the store write-back after an analysis finishes.
const writeTimeout = 30 * time.Second

// ErrClosed is reported for dispatches made after Close.
var ErrClosed = errors.New("dispatcher is closed")

// PanicError wraps a panic recovered from the analyzer.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("analyzer panicked: %v", e.Value)
}

// Config controls dispatcher concurrency.
type Config struct {
	Workers int
	Timeout time.Duration
}

// Outcome is delivered once on the channel returned by Dispatch.
type Outcome struct {
	RecordID int64
	Result   *analyzer.Result
	Err      error
	// Saved is false when the record moved past review before the
	// analysis finished and the write-back was skipped.
	Saved bool
	// Coalesced is true when the dispatch joined an analysis already in flight.
	Coalesced bool
}

// Dispatcher supervises background analyses.
type Dispatcher struct {
	analyzer analyzer.Analyzer
	store    db.Store
	metrics  *metrics.Metrics
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	sem   *semaphore.Weighted
	group singleflight.Group

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// New creates a Dispatcher. m may be nil.
func New(a analyzer.Analyzer, store db.Store, m *metrics.Metrics, cfg Config) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		analyzer: a,
		store:    store,
		metrics:  m,
		timeout:  cfg.Timeout,
		logger:   logging.New("dispatch"),
		now:      time.Now,
		sem:      semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Dispatch schedules analysis of a failure record and returns immediately.
// The returned channel receives exactly one Outcome and is then closed;
// callers may ignore it.
func (d *Dispatcher) Dispatch(r *db.FailureRecord) <-chan Outcome {
	done := make(chan Outcome, 1)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		done <- Outcome{RecordID: r.ID, Err: ErrClosed}
		close(done)
		return done
	}
	d.wg.Add(1)
	d.mu.Unlock()

	rec := *r
	go func() {
		defer d.wg.Done()
		defer close(done)

		leader := false
		v, err, _ := d.group.Do(rec.Key(), func() (any, error) {
			leader = true
			return d.run(&rec), nil
		})
		if err != nil {
			done <- Outcome{RecordID: rec.ID, Err: err}
			return
		}
		out := v.(Outcome)
		if !leader {
			out.Coalesced = true
			if d.metrics != nil {
				d.metrics.DispatchCoalesce.Inc()
			}
		}
		done <- out
	}()
	return done
}

// Wait blocks until every dispatched analysis has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// Close stops accepting dispatches and drains in-flight analyses. If ctx
// expires first, running analyses are cancelled and ctx's error returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-drained
		return ctx.Err()
	}
}

func (d *Dispatcher) run(r *db.FailureRecord) Outcome {
	out := Outcome{RecordID: r.ID}
	logger := d.logger.With(
		slog.Int64("failure_id", r.ID),
		slog.String("key", r.Key()))

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(d.ctx), writeTimeout)
	defer cancel()

	if err := d.sem.Acquire(d.ctx, 1); err != nil {
		err = fmt.Errorf("analysis cancelled before it started: %w", err)
		logger.Warn("no analysis slot", slog.String("error", err.Error()))
		return d.recordFailure(writeCtx, logger, r, out, err, "cancelled", 0)
	}
	defer d.sem.Release(1)

	if d.metrics != nil {
		d.metrics.AnalysesInFlight.Inc()
		defer d.metrics.AnalysesInFlight.Dec()
	}

	start := d.now()
	res, err := d.analyze(r)
	elapsed := d.now().Sub(start)

	if err != nil {
		label := "failure"
		var panicErr *PanicError
		if errors.As(err, &panicErr) {
			label = "panic"
			logger.Error("analyzer panicked",
				slog.Any("panic", panicErr.Value),
				slog.String("stack", string(panicErr.Stack)))
		} else {
			logger.Warn("analysis failed", slog.String("error", err.Error()))
		}
		return d.recordFailure(writeCtx, logger, r, out, err, label, elapsed)
	}

	out.Result = res
	upd, err := analysisUpdate(res)
	if err != nil {
		logger.Error("unusable analysis result", slog.String("error", err.Error()))
		return d.recordFailure(writeCtx, logger, r, out, err, "failure", elapsed)
	}
	saved, err := d.store.SaveAnalysis(writeCtx, r.ID, upd)
	if err != nil {
		err = fmt.Errorf("failed to save analysis: %w", err)
		logger.Error("failed to save analysis", slog.String("error", err.Error()))
		return d.recordFailure(writeCtx, logger, r, out, err, "failure", elapsed)
	}
	out.Saved = saved
	if !saved {
		logger.Info("record moved past review, analysis discarded")
		d.metrics.ObserveAnalysis("stale", elapsed)
		return out
	}

	logger.Info("analysis saved",
		slog.String("confidence", res.Confidence),
		slog.String("error_type", res.ErrorType),
		slog.Bool("has_fix", upd.MarkPending),
		slog.Duration("elapsed", elapsed))
	d.metrics.ObserveAnalysis("success", elapsed)
	return out
}

// recordFailure writes a failed-analysis diagnostic for r so the record is
// never left looking unanalyzed, and returns out carrying err.
func (d *Dispatcher) recordFailure(ctx context.Context, logger *slog.Logger, r *db.FailureRecord, out Outcome, err error, label string, elapsed time.Duration) Outcome {
	out.Err = err
	saved, saveErr := d.store.SaveAnalysis(ctx, r.ID, &db.AnalysisUpdate{
		AnalysisResult: db.FailedAnalysis(err, d.now()),
	})
	if saveErr != nil {
		logger.Error("failed to record analysis failure", slog.String("error", saveErr.Error()))
		out.Err = errors.Join(err, fmt.Errorf("failed to record analysis failure: %w", saveErr))
	}
	out.Saved = saved
	d.metrics.ObserveAnalysis(label, elapsed)
	return out
}

// analyze calls the analyzer under the dispatch timeout. The analyzer call
// runs on its own goroutine so an analyzer that ignores ctx cannot hold the
// slot past the deadline.
func (d *Dispatcher) analyze(r *db.FailureRecord) (*analyzer.Result, error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.timeout)
	defer cancel()

	type result struct {
		res *analyzer.Result
		err error
	}
	ch := make(chan result, 1)
	go func() {
		var res result
		defer func() {
			if p := recover(); p != nil {
				res = result{err: &PanicError{Value: p, Stack: debug.Stack()}}
			}
			ch <- res
		}()
		res.res, res.err = d.analyzer.Analyze(ctx, r.Owner, r.Repo, r.RunID)
	}()

	select {
	case res := <-ch:
		if res.err == nil && res.res == nil {
			return nil, errors.New("analyzer returned no result")
		}
		return res.res, res.err
	case <-ctx.Done():
		if d.ctx.Err() != nil {
			return nil, fmt.Errorf("analysis cancelled by shutdown: %w", context.Canceled)
		}
		return nil, fmt.Errorf("analysis timed out after %s: %w", d.timeout, ctx.Err())
	}
}

func analysisUpdate(res *analyzer.Result) (*db.AnalysisUpdate, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal analysis result: %w", err)
	}
	upd := &db.AnalysisUpdate{AnalysisResult: raw}
	if res.ErrorLog != "" {
		upd.ErrorLog = &res.ErrorLog
	}
	if score, ok := analyzer.ConfidenceScore(res.Confidence); ok {
		upd.ConfidenceScore = &score
	}
	if res.ErrorType != "" {
		category := res.ErrorType
		upd.ErrorCategory = &category
	}
	if complexity := res.FixComplexity(); complexity != "" {
		upd.FixComplexity = &complexity
	}
	if fix := res.FixText(); fix != "" {
		upd.SuggestedFix = &fix
		upd.MarkPending = true
	}
	return upd, nil
}
