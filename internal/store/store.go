package store

import (
	"context"

	sq "github.com/Masterminds/squirrel"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the sourcing pipeline.
type Store interface {
	// Runs
	CreateRun(ctx context.Context, criteria model.FilterCriteria, initiator string) (*model.Run, error)
	UpdateRunCounts(ctx context.Context, runID string, stage model.RunStage, stage1, stage2, stage3 int) error
	FinishRun(ctx context.Context, runID string, status model.RunStatus, errSummary string) error
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)

	// Companies
	GetCompanies(ctx context.Context, regNos []string) ([]model.Company, error)
	ImportCompanies(ctx context.Context, companies []model.Company) (int64, error)

	// Per-candidate records
	SaveResearchRecord(ctx context.Context, runID string, rec model.ResearchRecord) error
	ListResearchRecords(ctx context.Context, runID string) ([]model.ResearchRecord, error)
	SaveAnalysisRecord(ctx context.Context, runID string, rec model.AnalysisRecord) error
	ListAnalysisRecords(ctx context.Context, runID string, recommendation model.Recommendation) ([]model.AnalysisRecord, error)

	// Filter execution. The filter stage builds the SQL (single source of
	// truth for the predicate); the backend only runs it.
	QueryKeys(ctx context.Context, sqlStr string, args ...any) ([]string, error)
	QueryCount(ctx context.Context, sqlStr string, args ...any) (int, error)
	PlaceholderFormat() sq.PlaceholderFormat

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
