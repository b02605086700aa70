// Package filter implements stage 1 of the sourcing pipeline: deterministic
// relational filtering of the company snapshot into an ordered, size-bounded
// candidate list.
package filter

import (
	"context"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// Executor runs filter SQL against the active store backend.
// store.PostgresStore and store.SQLiteStore both satisfy it.
type Executor interface {
	QueryKeys(ctx context.Context, sqlStr string, args ...any) ([]string, error)
	QueryCount(ctx context.Context, sqlStr string, args ...any) (int, error)
	PlaceholderFormat() sq.PlaceholderFormat
}

// Stage translates FilterCriteria into a relational predicate and executes it.
type Stage struct {
	ex Executor
}

// NewStage creates a filter stage bound to a store backend.
func NewStage(ex Executor) *Stage {
	return &Stage{ex: ex}
}

// Filter returns candidate keys matching the criteria, ordered by growth
// descending then revenue descending, capped at criteria.MaxResults.
// A query error is fatal for the run; there are no partial results.
func (s *Stage) Filter(ctx context.Context, criteria model.FilterCriteria) ([]string, error) {
	sqlStr, args, err := BuildSelect(criteria, s.ex.PlaceholderFormat())
	if err != nil {
		return nil, err
	}

	keys, err := s.ex.QueryKeys(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "filter: execute")
	}

	zap.L().Info("filter: candidates selected",
		zap.Int("count", len(keys)),
		zap.Int("max_results", criteria.MaxResults),
	)
	return keys, nil
}

// Stats counts matches for a criteria set without materializing the
// candidate list. Shares BuildPredicate with Filter, so the preview count
// always agrees with what a run would select.
func (s *Stage) Stats(ctx context.Context, criteria model.FilterCriteria) (model.FilterStats, error) {
	sqlStr, args, err := BuildCount(criteria, s.ex.PlaceholderFormat())
	if err != nil {
		return model.FilterStats{}, err
	}

	total, err := s.ex.QueryCount(ctx, sqlStr, args...)
	if err != nil {
		return model.FilterStats{}, eris.Wrap(err, "filter: count")
	}

	willReturn := total
	if criteria.MaxResults > 0 && willReturn > criteria.MaxResults {
		willReturn = criteria.MaxResults
	}
	return model.FilterStats{TotalMatches: total, WillReturn: willReturn}, nil
}

// BuildSelect renders the candidate-key query for the given backend.
func BuildSelect(criteria model.FilterCriteria, pf sq.PlaceholderFormat) (string, []any, error) {
	pred, err := BuildPredicate(criteria)
	if err != nil {
		return "", nil, err
	}

	q := sq.StatementBuilder.PlaceholderFormat(pf).
		Select("reg_no").
		From("companies").
		OrderBy("growth DESC", "revenue DESC")
	if len(pred) > 0 {
		q = q.Where(pred)
	}
	if criteria.MaxResults > 0 {
		q = q.Limit(uint64(criteria.MaxResults))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", nil, eris.Wrap(err, "filter: build select")
	}
	return sqlStr, args, nil
}

// BuildCount renders the matching-row count query for the given backend.
func BuildCount(criteria model.FilterCriteria, pf sq.PlaceholderFormat) (string, []any, error) {
	pred, err := BuildPredicate(criteria)
	if err != nil {
		return "", nil, err
	}

	q := sq.StatementBuilder.PlaceholderFormat(pf).
		Select("COUNT(*)").
		From("companies")
	if len(pred) > 0 {
		q = q.Where(pred)
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return "", nil, eris.Wrap(err, "filter: build count")
	}
	return sqlStr, args, nil
}

// BuildPredicate is the single source of truth for criteria translation;
// Filter and Stats must never diverge on what "matches" means.
func BuildPredicate(criteria model.FilterCriteria) (sq.And, error) {
	pred := sq.And{}

	if criteria.MinRevenue > 0 {
		pred = append(pred, sq.GtOrEq{"revenue": criteria.MinRevenue})
	}
	if criteria.MinMargin > model.ThresholdUnset {
		pred = append(pred, sq.GtOrEq{"margin": criteria.MinMargin})
	}
	if criteria.MinGrowth > model.ThresholdUnset {
		pred = append(pred, sq.GtOrEq{"growth": criteria.MinGrowth})
	}
	if len(criteria.IndustryCodes) > 0 {
		pred = append(pred, sq.Eq{"industry_code": criteria.IndustryCodes})
	}

	for _, fragment := range criteria.Fragments {
		if err := validateFragment(fragment); err != nil {
			return nil, err
		}
		pred = append(pred, sq.Expr("("+fragment+")"))
	}

	return pred, nil
}

// validateFragment rejects statement terminators and comment tokens.
// Fragments come from vetted saved views, not end users; this guard only
// catches a mangled fragment before it reaches the database.
func validateFragment(fragment string) error {
	if strings.TrimSpace(fragment) == "" {
		return eris.New("filter: empty predicate fragment")
	}
	if strings.Contains(fragment, ";") || strings.Contains(fragment, "--") {
		return eris.Errorf("filter: fragment contains forbidden token: %q", fragment)
	}
	return nil
}
