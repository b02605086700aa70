// Package workflow coordinates the three pipeline stages over a persisted
// Run. The orchestrator owns all Run mutations; stages never touch the
// store's run tables.
package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/analysis"
	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/store"
)

// FilterStage selects candidate keys from stored financials.
type FilterStage interface {
	Filter(ctx context.Context, criteria model.FilterCriteria) ([]string, error)
	Stats(ctx context.Context, criteria model.FilterCriteria) (model.FilterStats, error)
}

// ResearchStage gathers external signal for a batch of candidates.
type ResearchStage interface {
	ResearchBatch(ctx context.Context, candidates []model.CandidateIdentity, maxConcurrent int) []model.ResearchRecord
}

// AnalysisStage assesses surviving candidates with the model.
type AnalysisStage interface {
	AnalyzeBatch(ctx context.Context, batch []model.CandidateContext, maxConcurrent int) ([]model.AnalysisRecord, []analysis.CandidateFailure)
}

// Orchestrator drives runs end to end and answers status queries.
type Orchestrator struct {
	store    store.Store
	filter   FilterStage
	research ResearchStage
	analysis AnalysisStage
	cfg      *config.Config
}

// New wires an orchestrator over the given store and stages.
func New(st store.Store, fs FilterStage, rs ResearchStage, as AnalysisStage, cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		store:    st,
		filter:   fs,
		research: rs,
		analysis: as,
		cfg:      cfg,
	}
}

// StartRun executes the full pipeline synchronously and returns the final
// Run. The returned error covers orchestrator-boundary failures only;
// per-candidate failures are folded into the run status instead.
func (o *Orchestrator) StartRun(ctx context.Context, criteria model.FilterCriteria, initiator string) (*model.Run, error) {
	run, err := o.store.CreateRun(ctx, criteria, initiator)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: create run")
	}

	log := zap.L().With(zap.String("run_id", run.ID))
	log.Info("workflow: run started", zap.String("initiator", initiator))

	// Stage 1: filter.
	keys, err := o.filter.Filter(ctx, criteria)
	if err != nil {
		log.Error("workflow: filter stage failed", zap.Error(err))
		return o.finish(ctx, run.ID, model.RunStatusFailed, eris.ToString(err, false))
	}
	run.Stage1Count = len(keys)
	if err := o.store.UpdateRunCounts(ctx, run.ID, model.RunStageFilter, len(keys), 0, 0); err != nil {
		log.Error("workflow: checkpoint after filter failed", zap.Error(err))
		return o.finish(ctx, run.ID, model.RunStatusFailed, eris.ToString(err, false))
	}
	log.Info("workflow: filter stage done", zap.Int("candidates", len(keys)))

	// Empty cohort is a successful, empty run.
	if len(keys) == 0 {
		return o.finish(ctx, run.ID, model.RunStatusComplete, "")
	}

	companies, err := o.store.GetCompanies(ctx, keys)
	if err != nil {
		log.Error("workflow: load candidate companies failed", zap.Error(err))
		return o.finish(ctx, run.ID, model.RunStatusFailed, eris.ToString(err, false))
	}
	byKey := make(map[string]model.Company, len(companies))
	for _, c := range companies {
		byKey[c.RegNo] = c
	}

	// Stage 2: research. Preserve stage-1 ordering.
	candidates := make([]model.CandidateIdentity, len(keys))
	for i, k := range keys {
		c := byKey[k]
		candidates[i] = model.CandidateIdentity{RegNo: k, Name: c.Name, Website: c.Website}
	}

	records := o.research.ResearchBatch(ctx, candidates, o.cfg.Research.MaxConcurrent)
	for _, rec := range records {
		if err := o.store.SaveResearchRecord(ctx, run.ID, rec); err != nil {
			log.Error("workflow: persist research record failed",
				zap.String("reg_no", rec.RegNo), zap.Error(err))
			return o.finish(ctx, run.ID, model.RunStatusFailed, eris.ToString(err, false))
		}
	}
	run.Stage2Count = len(records)
	if err := o.store.UpdateRunCounts(ctx, run.ID, model.RunStageResearch, len(keys), len(records), 0); err != nil {
		log.Error("workflow: checkpoint after research failed", zap.Error(err))
		return o.finish(ctx, run.ID, model.RunStatusFailed, eris.ToString(err, false))
	}
	log.Info("workflow: research stage done", zap.Int("records", len(records)))

	// Stage 3: analysis over every stage-1 candidate; a thin research record
	// still flows through, the prompt just says so.
	batch := make([]model.CandidateContext, len(keys))
	recByKey := make(map[string]*model.ResearchRecord, len(records))
	for i := range records {
		recByKey[records[i].RegNo] = &records[i]
	}
	for i, k := range keys {
		c := byKey[k]
		batch[i] = model.CandidateContext{
			RegNo:      k,
			Name:       c.Name,
			Financials: c,
			Research:   recByKey[k],
		}
	}

	analyses, failures := o.analysis.AnalyzeBatch(ctx, batch, o.cfg.Analysis.MaxConcurrent)
	for _, rec := range analyses {
		if err := o.store.SaveAnalysisRecord(ctx, run.ID, rec); err != nil {
			log.Error("workflow: persist analysis record failed",
				zap.String("reg_no", rec.RegNo), zap.Error(err))
			return o.finish(ctx, run.ID, model.RunStatusFailed, eris.ToString(err, false))
		}
	}
	run.Stage3Count = len(analyses)
	if err := o.store.UpdateRunCounts(ctx, run.ID, model.RunStageAnalysis, len(keys), len(records), len(analyses)); err != nil {
		log.Error("workflow: checkpoint after analysis failed", zap.Error(err))
		return o.finish(ctx, run.ID, model.RunStatusFailed, eris.ToString(err, false))
	}
	log.Info("workflow: analysis stage done",
		zap.Int("records", len(analyses)),
		zap.Int("failed", len(failures)),
	)

	status := model.RunStatusComplete
	summary := ""
	if len(failures) > 0 {
		status = model.RunStatusCompleteWithErrors
		summary = summarizeFailures(failures)
	}
	return o.finish(ctx, run.ID, status, summary)
}

// finish transitions the run to a terminal status and returns the stored
// row, so counts and timestamps reflect what was persisted.
func (o *Orchestrator) finish(ctx context.Context, runID string, status model.RunStatus, errSummary string) (*model.Run, error) {
	if err := o.store.FinishRun(ctx, runID, status, errSummary); err != nil {
		return nil, eris.Wrapf(err, "workflow: finish run %s", runID)
	}
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: reload run %s", runID)
	}
	zap.L().Info("workflow: run finished",
		zap.String("run_id", runID),
		zap.String("status", string(status)),
		zap.Int("stage1", run.Stage1Count),
		zap.Int("stage2", run.Stage2Count),
		zap.Int("stage3", run.Stage3Count),
	)
	return run, nil
}

// summarizeFailures renders a stable, keyed failure summary for the run row.
func summarizeFailures(failures []analysis.CandidateFailure) string {
	sorted := make([]analysis.CandidateFailure, len(failures))
	copy(sorted, failures)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RegNo < sorted[j].RegNo })

	parts := make([]string, len(sorted))
	for i, f := range sorted {
		parts[i] = fmt.Sprintf("%s: %s", f.RegNo, f.Reason)
	}
	return fmt.Sprintf("analysis failed for %d candidate(s): %s", len(sorted), strings.Join(parts, "; "))
}

// PreviewFilterStats answers a dry-run question: how many companies match
// the criteria, and how many a run would process.
func (o *Orchestrator) PreviewFilterStats(ctx context.Context, criteria model.FilterCriteria) (model.FilterStats, error) {
	return o.filter.Stats(ctx, criteria)
}

// GetRunStatus returns the current state of a run.
func (o *Orchestrator) GetRunStatus(ctx context.Context, runID string) (*model.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: get run %s", runID)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (o *Orchestrator) ListRuns(ctx context.Context, f store.RunFilter) ([]model.Run, error) {
	runs, err := o.store.ListRuns(ctx, f)
	if err != nil {
		return nil, eris.Wrap(err, "workflow: list runs")
	}
	return runs, nil
}

// ListCandidateAnalyses returns a run's analysis records, best fit first,
// optionally narrowed to one recommendation.
func (o *Orchestrator) ListCandidateAnalyses(ctx context.Context, runID string, recommendation model.Recommendation) ([]model.AnalysisRecord, error) {
	if recommendation != "" && !recommendation.Valid() {
		return nil, eris.Errorf("workflow: unknown recommendation %q", recommendation)
	}
	recs, err := o.store.ListAnalysisRecords(ctx, runID, recommendation)
	if err != nil {
		return nil, eris.Wrapf(err, "workflow: list analyses for run %s", runID)
	}
	return recs, nil
}
