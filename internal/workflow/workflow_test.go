package workflow

import (
	"context"
	"strings"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/analysis"
	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/internal/store"
)

// memStore is an in-memory store.Store for orchestrator tests.
type memStore struct {
	runs      map[string]*model.Run
	companies map[string]model.Company
	research  map[string][]model.ResearchRecord
	analyses  map[string][]model.AnalysisRecord

	saveResearchErr error
	saveAnalysisErr error

	// countsErr is returned from the countsErrOn-th UpdateRunCounts call.
	countsErr   error
	countsErrOn int
	countsCalls int
}

func newMemStore(companies ...model.Company) *memStore {
	m := &memStore{
		runs:      make(map[string]*model.Run),
		companies: make(map[string]model.Company),
		research:  make(map[string][]model.ResearchRecord),
		analyses:  make(map[string][]model.AnalysisRecord),
	}
	for _, c := range companies {
		m.companies[c.RegNo] = c
	}
	return m
}

func (m *memStore) CreateRun(_ context.Context, criteria model.FilterCriteria, initiator string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.NewString(),
		Criteria:  criteria,
		Status:    model.RunStatusRunning,
		Initiator: initiator,
		StartedAt: time.Now().UTC(),
	}
	m.runs[run.ID] = run
	return run, nil
}

func (m *memStore) UpdateRunCounts(_ context.Context, runID string, stage model.RunStage, s1, s2, s3 int) error {
	m.countsCalls++
	if m.countsErr != nil && m.countsCalls == m.countsErrOn {
		return m.countsErr
	}
	run, ok := m.runs[runID]
	if !ok {
		return eris.Errorf("run %s not found", runID)
	}
	run.Stage = stage
	run.Stage1Count, run.Stage2Count, run.Stage3Count = s1, s2, s3
	return nil
}

func (m *memStore) FinishRun(_ context.Context, runID string, status model.RunStatus, errSummary string) error {
	run, ok := m.runs[runID]
	if !ok {
		return eris.Errorf("run %s not found", runID)
	}
	now := time.Now().UTC()
	run.Status = status
	run.Error = errSummary
	run.CompletedAt = &now
	return nil
}

func (m *memStore) GetRun(_ context.Context, runID string) (*model.Run, error) {
	run, ok := m.runs[runID]
	if !ok {
		return nil, eris.Errorf("run %s not found", runID)
	}
	cp := *run
	return &cp, nil
}

func (m *memStore) ListRuns(_ context.Context, _ store.RunFilter) ([]model.Run, error) {
	out := make([]model.Run, 0, len(m.runs))
	for _, r := range m.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (m *memStore) GetCompanies(_ context.Context, regNos []string) ([]model.Company, error) {
	out := make([]model.Company, 0, len(regNos))
	for _, k := range regNos {
		if c, ok := m.companies[k]; ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (m *memStore) ImportCompanies(_ context.Context, companies []model.Company) (int64, error) {
	for _, c := range companies {
		m.companies[c.RegNo] = c
	}
	return int64(len(companies)), nil
}

func (m *memStore) SaveResearchRecord(_ context.Context, runID string, rec model.ResearchRecord) error {
	if m.saveResearchErr != nil {
		return m.saveResearchErr
	}
	m.research[runID] = append(m.research[runID], rec)
	return nil
}

func (m *memStore) ListResearchRecords(_ context.Context, runID string) ([]model.ResearchRecord, error) {
	return m.research[runID], nil
}

func (m *memStore) SaveAnalysisRecord(_ context.Context, runID string, rec model.AnalysisRecord) error {
	if m.saveAnalysisErr != nil {
		return m.saveAnalysisErr
	}
	m.analyses[runID] = append(m.analyses[runID], rec)
	return nil
}

func (m *memStore) ListAnalysisRecords(_ context.Context, runID string, reco model.Recommendation) ([]model.AnalysisRecord, error) {
	var out []model.AnalysisRecord
	for _, a := range m.analyses[runID] {
		if reco != "" && a.Recommendation != reco {
			continue
		}
		a.CompanyName = m.companies[a.RegNo].Name
		out = append(out, a)
	}
	return out, nil
}

func (m *memStore) QueryKeys(_ context.Context, _ string, _ ...any) ([]string, error) {
	return nil, nil
}
func (m *memStore) QueryCount(_ context.Context, _ string, _ ...any) (int, error) { return 0, nil }
func (m *memStore) PlaceholderFormat() sq.PlaceholderFormat                       { return sq.Dollar }
func (m *memStore) Migrate(_ context.Context) error                               { return nil }
func (m *memStore) Close() error                                                  { return nil }

// Stage stubs.

type stubFilter struct {
	keys  []string
	stats model.FilterStats
	err   error
}

func (s *stubFilter) Filter(_ context.Context, _ model.FilterCriteria) ([]string, error) {
	return s.keys, s.err
}

func (s *stubFilter) Stats(_ context.Context, _ model.FilterCriteria) (model.FilterStats, error) {
	return s.stats, s.err
}

type stubResearch struct {
	got []model.CandidateIdentity
}

func (s *stubResearch) ResearchBatch(_ context.Context, candidates []model.CandidateIdentity, _ int) []model.ResearchRecord {
	s.got = candidates
	records := make([]model.ResearchRecord, len(candidates))
	for i, c := range candidates {
		records[i] = model.ResearchRecord{
			RegNo:      c.RegNo,
			Website:    c.Website,
			ScrapeOK:   c.Website != "",
			Confidence: 40,
			CreatedAt:  time.Now().UTC(),
		}
	}
	return records
}

type stubAnalysis struct {
	failRegNos map[string]bool
	got        []model.CandidateContext
}

func (s *stubAnalysis) AnalyzeBatch(_ context.Context, batch []model.CandidateContext, _ int) ([]model.AnalysisRecord, []analysis.CandidateFailure) {
	s.got = batch
	var records []model.AnalysisRecord
	var failures []analysis.CandidateFailure
	for _, c := range batch {
		if s.failRegNos[c.RegNo] {
			failures = append(failures, analysis.CandidateFailure{RegNo: c.RegNo, Reason: "model call failed"})
			continue
		}
		records = append(records, model.AnalysisRecord{
			RegNo:          c.RegNo,
			BusinessModel:  "stub",
			FitScore:       5,
			Recommendation: model.RecommendationWatch,
			Rationale:      "stub",
			CreatedAt:      time.Now().UTC(),
		})
	}
	return records, failures
}

func testWorkflowConfig() *config.Config {
	return &config.Config{
		Research: config.ResearchConfig{MaxConcurrent: 10},
		Analysis: config.AnalysisConfig{MaxConcurrent: 5},
	}
}

func testCompanies() []model.Company {
	return []model.Company{
		{RegNo: "DK1", Name: "Alpha", Website: "https://alpha.dk", Revenue: 5e6, Growth: 0.3},
		{RegNo: "DK2", Name: "Beta", Revenue: 4e6, Growth: 0.2},
		{RegNo: "DK3", Name: "Gamma", Website: "https://gamma.dk", Revenue: 3e6, Growth: 0.1},
		{RegNo: "DK4", Name: "Delta", Revenue: 2e6, Growth: 0.05},
		{RegNo: "DK5", Name: "Epsilon", Revenue: 1e6, Growth: 0.01},
	}
}

func TestStartRun_HappyPath(t *testing.T) {
	st := newMemStore(testCompanies()...)
	fs := &stubFilter{keys: []string{"DK1", "DK2", "DK3"}}
	rs := &stubResearch{}
	as := &stubAnalysis{}
	orch := New(st, fs, rs, as, testWorkflowConfig())

	criteria := model.NewFilterCriteria(1e6, 0, 0, nil, nil, 10)
	run, err := orch.StartRun(context.Background(), criteria, "test")
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, model.RunStageAnalysis, run.Stage)
	assert.Equal(t, 3, run.Stage1Count)
	assert.Equal(t, 3, run.Stage2Count)
	assert.Equal(t, 3, run.Stage3Count)
	assert.Empty(t, run.Error)
	require.NotNil(t, run.CompletedAt)

	// Research received identities in filter order.
	require.Len(t, rs.got, 3)
	assert.Equal(t, "DK1", rs.got[0].RegNo)
	assert.Equal(t, "https://alpha.dk", rs.got[0].Website)
	assert.Equal(t, "DK2", rs.got[1].RegNo)
	assert.Empty(t, rs.got[1].Website)

	// Analysis saw financials plus the research record.
	require.Len(t, as.got, 3)
	assert.Equal(t, "Alpha", as.got[0].Name)
	require.NotNil(t, as.got[0].Research)
	assert.Equal(t, "DK1", as.got[0].Research.RegNo)

	// Everything persisted.
	assert.Len(t, st.research[run.ID], 3)
	assert.Len(t, st.analyses[run.ID], 3)

	// Analyses read back carrying the joined company name.
	listed, err := orch.ListCandidateAnalyses(context.Background(), run.ID, "")
	require.NoError(t, err)
	require.Len(t, listed, 3)
	assert.Equal(t, "Alpha", listed[0].CompanyName)
}

func TestStartRun_ZeroCandidates(t *testing.T) {
	st := newMemStore()
	fs := &stubFilter{keys: nil}
	rs := &stubResearch{}
	as := &stubAnalysis{}
	orch := New(st, fs, rs, as, testWorkflowConfig())

	run, err := orch.StartRun(context.Background(), model.NewFilterCriteria(1e9, 0, 0, nil, nil, 10), "test")
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusComplete, run.Status)
	assert.Equal(t, 0, run.Stage1Count)
	assert.Equal(t, 0, run.Stage2Count)
	assert.Equal(t, 0, run.Stage3Count)
	assert.Nil(t, rs.got)
	assert.Nil(t, as.got)
}

func TestStartRun_PartialAnalysisFailures(t *testing.T) {
	st := newMemStore(testCompanies()...)
	fs := &stubFilter{keys: []string{"DK1", "DK2", "DK3", "DK4", "DK5"}}
	rs := &stubResearch{}
	as := &stubAnalysis{failRegNos: map[string]bool{"DK2": true, "DK4": true}}
	orch := New(st, fs, rs, as, testWorkflowConfig())

	run, err := orch.StartRun(context.Background(), model.NewFilterCriteria(0, 0, 0, nil, nil, 10), "test")
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusCompleteWithErrors, run.Status)
	assert.Equal(t, 5, run.Stage1Count)
	assert.Equal(t, 5, run.Stage2Count)
	assert.Equal(t, 3, run.Stage3Count)

	// Failed keys named in the summary, sorted.
	assert.Contains(t, run.Error, "2 candidate(s)")
	assert.Contains(t, run.Error, "DK2: model call failed")
	assert.Contains(t, run.Error, "DK4: model call failed")
	assert.Less(t,
		strings.Index(run.Error, "DK2"), strings.Index(run.Error, "DK4"))

	// Research records persisted for everyone, analyses only for survivors.
	assert.Len(t, st.research[run.ID], 5)
	assert.Len(t, st.analyses[run.ID], 3)
}

func TestStartRun_FilterErrorFailsRun(t *testing.T) {
	st := newMemStore()
	fs := &stubFilter{err: eris.New("relation companies does not exist")}
	rs := &stubResearch{}
	as := &stubAnalysis{}
	orch := New(st, fs, rs, as, testWorkflowConfig())

	run, err := orch.StartRun(context.Background(), model.NewFilterCriteria(0, 0, 0, nil, nil, 10), "test")
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "relation companies does not exist")
	assert.Nil(t, rs.got, "research must not run after a filter failure")
	require.NotNil(t, run.CompletedAt)
}

func TestStartRun_ResearchPersistFailureFailsRun(t *testing.T) {
	st := newMemStore(testCompanies()...)
	st.saveResearchErr = eris.New("disk full")
	fs := &stubFilter{keys: []string{"DK1"}}
	orch := New(st, fs, &stubResearch{}, &stubAnalysis{}, testWorkflowConfig())

	run, err := orch.StartRun(context.Background(), model.NewFilterCriteria(0, 0, 0, nil, nil, 10), "test")
	require.NoError(t, err)

	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "disk full")
}

func TestStartRun_CheckpointFailureFailsRun(t *testing.T) {
	st := newMemStore(testCompanies()...)
	// First checkpoint (after filter) succeeds, second (after research) errors.
	st.countsErr = eris.New("connection reset by peer")
	st.countsErrOn = 2
	fs := &stubFilter{keys: []string{"DK1", "DK2"}}
	orch := New(st, fs, &stubResearch{}, &stubAnalysis{}, testWorkflowConfig())

	run, err := orch.StartRun(context.Background(), model.NewFilterCriteria(0, 0, 0, nil, nil, 10), "test")
	require.NoError(t, err)

	// The stored row must land in a terminal status, never stay running.
	assert.Equal(t, model.RunStatusFailed, run.Status)
	assert.Contains(t, run.Error, "connection reset by peer")
	require.NotNil(t, run.CompletedAt)

	stored, err := st.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusFailed, stored.Status)
	assert.True(t, stored.Status.Terminal())
}

func TestPreviewFilterStats(t *testing.T) {
	fs := &stubFilter{stats: model.FilterStats{TotalMatches: 240, WillReturn: 100}}
	orch := New(newMemStore(), fs, &stubResearch{}, &stubAnalysis{}, testWorkflowConfig())

	stats, err := orch.PreviewFilterStats(context.Background(), model.NewFilterCriteria(0, 0, 0, nil, nil, 100))
	require.NoError(t, err)
	assert.Equal(t, 240, stats.TotalMatches)
	assert.Equal(t, 100, stats.WillReturn)
}

func TestListCandidateAnalyses_RejectsUnknownRecommendation(t *testing.T) {
	orch := New(newMemStore(), &stubFilter{}, &stubResearch{}, &stubAnalysis{}, testWorkflowConfig())

	_, err := orch.ListCandidateAnalyses(context.Background(), "some-run", "acquire")
	assert.Error(t, err)
}
