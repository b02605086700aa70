package filter

import (
	"context"
	"testing"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sourcing-cli/internal/model"
)

func TestBuildSelect_AllCriteria(t *testing.T) {
	criteria := model.NewFilterCriteria(1_000_000, 0.15, 0.10, []string{"62.01", "62.02"}, nil, 50)

	sqlStr, args, err := BuildSelect(criteria, sq.Dollar)
	require.NoError(t, err)

	assert.Equal(t,
		"SELECT reg_no FROM companies WHERE (revenue >= $1 AND margin >= $2 AND growth >= $3 AND industry_code IN ($4,$5)) ORDER BY growth DESC, revenue DESC LIMIT 50",
		sqlStr)
	assert.Equal(t, []any{1_000_000.0, 0.15, 0.10, "62.01", "62.02"}, args)
}

func TestBuildSelect_NoCriteria(t *testing.T) {
	criteria := model.NewFilterCriteria(0, 0, 0, nil, nil, 0)

	sqlStr, _, err := BuildSelect(criteria, sq.Dollar)
	require.NoError(t, err)

	// Zero margin/growth normalize to unset; only ordering and the default
	// cap remain.
	assert.Equal(t,
		"SELECT reg_no FROM companies ORDER BY growth DESC, revenue DESC LIMIT 100",
		sqlStr)
}

func TestBuildSelect_ZeroMarginIsUnset(t *testing.T) {
	criteria := model.NewFilterCriteria(0, 0, 0, nil, nil, 10)

	sqlStr, args, err := BuildSelect(criteria, sq.Dollar)
	require.NoError(t, err)
	assert.NotContains(t, sqlStr, "margin")
	assert.NotContains(t, sqlStr, "growth >=")
	assert.Empty(t, args)
}

func TestBuildSelect_NegativeMarginThreshold(t *testing.T) {
	// A genuinely negative threshold must survive normalization.
	criteria := model.NewFilterCriteria(0, -0.05, 0, nil, nil, 10)

	sqlStr, args, err := BuildSelect(criteria, sq.Dollar)
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "margin >= $1")
	assert.Equal(t, []any{-0.05}, args)
}

func TestBuildSelect_Fragments(t *testing.T) {
	criteria := model.NewFilterCriteria(0, 0, 0, nil, []string{"employees BETWEEN 10 AND 50"}, 25)

	sqlStr, _, err := BuildSelect(criteria, sq.Dollar)
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "(employees BETWEEN 10 AND 50)")
}

func TestBuildSelect_QuestionPlaceholders(t *testing.T) {
	criteria := model.NewFilterCriteria(500_000, 0, 0, nil, nil, 10)

	sqlStr, args, err := BuildSelect(criteria, sq.Question)
	require.NoError(t, err)
	assert.Contains(t, sqlStr, "revenue >= ?")
	assert.Equal(t, []any{500_000.0}, args)
}

func TestBuildPredicate_RejectsBadFragments(t *testing.T) {
	tests := []struct {
		name     string
		fragment string
	}{
		{"statement terminator", "revenue > 0; DROP TABLE companies"},
		{"comment token", "revenue > 0 --"},
		{"empty", ""},
		{"whitespace only", "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			criteria := model.NewFilterCriteria(0, 0, 0, nil, []string{tt.fragment}, 10)
			_, err := BuildPredicate(criteria)
			assert.Error(t, err)
		})
	}
}

func TestBuildCount_SharesPredicate(t *testing.T) {
	criteria := model.NewFilterCriteria(2_000_000, 0.20, 0, []string{"10.71"}, nil, 5)

	selectSQL, selectArgs, err := BuildSelect(criteria, sq.Dollar)
	require.NoError(t, err)
	countSQL, countArgs, err := BuildCount(criteria, sq.Dollar)
	require.NoError(t, err)

	// Same predicate and args; count carries no ordering or limit.
	assert.Equal(t, selectArgs, countArgs)
	assert.Contains(t, countSQL, "COUNT(*)")
	assert.NotContains(t, countSQL, "ORDER BY")
	assert.NotContains(t, countSQL, "LIMIT")
	assert.Contains(t, selectSQL, "LIMIT 5")
}

// fakeExecutor returns canned keys and counts.
type fakeExecutor struct {
	keys    []string
	count   int
	lastSQL string
	err     error
}

func (f *fakeExecutor) QueryKeys(_ context.Context, sqlStr string, _ ...any) ([]string, error) {
	f.lastSQL = sqlStr
	return f.keys, f.err
}

func (f *fakeExecutor) QueryCount(_ context.Context, sqlStr string, _ ...any) (int, error) {
	f.lastSQL = sqlStr
	return f.count, f.err
}

func (f *fakeExecutor) PlaceholderFormat() sq.PlaceholderFormat { return sq.Dollar }

func TestStage_Filter(t *testing.T) {
	// Ordering comes from the database; the stage preserves it.
	ex := &fakeExecutor{keys: []string{"DK111", "DK222", "DK333"}}
	stage := NewStage(ex)

	keys, err := stage.Filter(context.Background(), model.NewFilterCriteria(1_000_000, 0, 0, nil, nil, 100))
	require.NoError(t, err)

	assert.Equal(t, []string{"DK111", "DK222", "DK333"}, keys)
	assert.Contains(t, ex.lastSQL, "ORDER BY growth DESC, revenue DESC")
}

func TestStage_Stats_CapsWillReturn(t *testing.T) {
	ex := &fakeExecutor{count: 240}
	stage := NewStage(ex)

	stats, err := stage.Stats(context.Background(), model.NewFilterCriteria(0, 0, 0, nil, nil, 100))
	require.NoError(t, err)

	assert.Equal(t, 240, stats.TotalMatches)
	assert.Equal(t, 100, stats.WillReturn)
}

func TestStage_Stats_UnderCap(t *testing.T) {
	ex := &fakeExecutor{count: 7}
	stage := NewStage(ex)

	stats, err := stage.Stats(context.Background(), model.NewFilterCriteria(0, 0, 0, nil, nil, 100))
	require.NoError(t, err)

	assert.Equal(t, 7, stats.TotalMatches)
	assert.Equal(t, 7, stats.WillReturn)
}

func TestStage_Filter_BadFragmentFailsBeforeQuery(t *testing.T) {
	ex := &fakeExecutor{}
	stage := NewStage(ex)

	_, err := stage.Filter(context.Background(), model.NewFilterCriteria(0, 0, 0, nil, []string{"x; y"}, 10))
	require.Error(t, err)
	assert.Empty(t, ex.lastSQL)
}
