package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/sourcing-cli/internal/db"
	"github.com/sells-group/sourcing-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot store operations.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, criteria, status, initiator, started_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_run_counts": `UPDATE runs SET stage = $1, stage1_count = $2, stage2_count = $3, stage3_count = $4 WHERE id = $5`,
	"finish_run":        `UPDATE runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
	"get_run":           `SELECT id, criteria, status, stage, stage1_count, stage2_count, stage3_count, initiator, error, started_at, completed_at FROM runs WHERE id = $1`,
	"upsert_research": `INSERT INTO research_records (run_id, reg_no, website, homepage_text, about_text, products, search_results, scrape_ok, search_ok, confidence, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id, reg_no) DO UPDATE SET
			website = EXCLUDED.website,
			homepage_text = EXCLUDED.homepage_text,
			about_text = EXCLUDED.about_text,
			products = EXCLUDED.products,
			search_results = EXCLUDED.search_results,
			scrape_ok = EXCLUDED.scrape_ok,
			search_ok = EXCLUDED.search_ok,
			confidence = EXCLUDED.confidence,
			created_at = EXCLUDED.created_at`,
	"insert_analysis": `INSERT INTO analysis_records (run_id, reg_no, business_model, market_position, strengths, weaknesses, opportunities, threats, fit_score, recommendation, rationale, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	// Prepare frequently-used statements on each new connection.
	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sqlStr := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sqlStr); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool for subsystems that need direct
// query access (e.g., bulk company import).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS companies (
	reg_no        TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	website       TEXT,
	industry_code TEXT,
	revenue       DOUBLE PRECISION NOT NULL DEFAULT 0,
	margin        DOUBLE PRECISION NOT NULL DEFAULT 0,
	growth        DOUBLE PRECISION NOT NULL DEFAULT 0,
	employees     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	criteria     JSONB NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	stage        TEXT,
	stage1_count INTEGER NOT NULL DEFAULT 0,
	stage2_count INTEGER NOT NULL DEFAULT 0,
	stage3_count INTEGER NOT NULL DEFAULT 0,
	initiator    TEXT,
	error        TEXT,
	started_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS research_records (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	reg_no         TEXT NOT NULL,
	website        TEXT,
	homepage_text  TEXT,
	about_text     TEXT,
	products       JSONB,
	search_results JSONB,
	scrape_ok      BOOLEAN NOT NULL DEFAULT false,
	search_ok      BOOLEAN NOT NULL DEFAULT false,
	confidence     INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, reg_no)
);

CREATE TABLE IF NOT EXISTS analysis_records (
	run_id          TEXT NOT NULL REFERENCES runs(id),
	reg_no          TEXT NOT NULL,
	business_model  TEXT,
	market_position TEXT,
	strengths       JSONB,
	weaknesses      JSONB,
	opportunities   JSONB,
	threats         JSONB,
	fit_score       INTEGER NOT NULL,
	recommendation  TEXT NOT NULL,
	rationale       TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (run_id, reg_no)
);

CREATE INDEX IF NOT EXISTS idx_companies_growth ON companies(growth DESC, revenue DESC);
CREATE INDEX IF NOT EXISTS idx_companies_industry ON companies(industry_code);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_analysis_recommendation ON analysis_records(run_id, recommendation);
`

// Migrate creates tables and indexes if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresMigration); err != nil {
		return eris.Wrap(err, "postgres: migrate")
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// CreateRun inserts a new run in status running with a criteria snapshot.
func (s *PostgresStore) CreateRun(ctx context.Context, criteria model.FilterCriteria, initiator string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.NewString(),
		Criteria:  criteria,
		Status:    model.RunStatusRunning,
		Initiator: initiator,
		StartedAt: time.Now().UTC(),
	}

	snapshot, err := json.Marshal(criteria)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: marshal criteria")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO runs (id, criteria, status, initiator, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, snapshot, run.Status, run.Initiator, run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create run")
	}
	return run, nil
}

// UpdateRunCounts persists the checkpointed stage and per-stage counters.
func (s *PostgresStore) UpdateRunCounts(ctx context.Context, runID string, stage model.RunStage, stage1, stage2, stage3 int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET stage = $1, stage1_count = $2, stage2_count = $3, stage3_count = $4 WHERE id = $5`,
		stage, stage1, stage2, stage3, runID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: update run counts")
	}
	return nil
}

// FinishRun moves a run into a terminal status.
func (s *PostgresStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errSummary string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, error = $2, completed_at = $3 WHERE id = $4`,
		status, errSummary, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: finish run")
	}
	return nil
}

// GetRun fetches a single run by ID.
func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, criteria, status, stage, stage1_count, stage2_count, stage3_count, initiator, error, started_at, completed_at FROM runs WHERE id = $1`,
		runID,
	)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, eris.Wrapf(err, "postgres: get run %s", runID)
		}
		return nil, eris.Wrap(err, "postgres: get run")
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q := sq.Select("id", "criteria", "status", "stage", "stage1_count", "stage2_count", "stage3_count", "initiator", "error", "started_at", "completed_at").
		From("runs").
		OrderBy("started_at DESC").
		PlaceholderFormat(sq.Dollar)

	if filter.Status != "" {
		q = q.Where(sq.Eq{"status": filter.Status})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	if filter.Offset > 0 {
		q = q.Offset(uint64(filter.Offset))
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list runs")
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate runs")
	}
	return runs, nil
}

// scanRun reads one run row; works for both Row and Rows.
func scanRun(row pgx.Row) (*model.Run, error) {
	var (
		run       model.Run
		criteria  []byte
		stage     *string
		initiator *string
		errText   *string
		completed *time.Time
	)
	if err := row.Scan(&run.ID, &criteria, &run.Status, &stage, &run.Stage1Count, &run.Stage2Count, &run.Stage3Count, &initiator, &errText, &run.StartedAt, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(criteria, &run.Criteria); err != nil {
		return nil, eris.Wrap(err, "unmarshal criteria")
	}
	if stage != nil {
		run.Stage = model.RunStage(*stage)
	}
	if initiator != nil {
		run.Initiator = *initiator
	}
	if errText != nil {
		run.Error = *errText
	}
	run.CompletedAt = completed
	return &run, nil
}

// GetCompanies fetches filter/display context for the given candidate keys.
func (s *PostgresStore) GetCompanies(ctx context.Context, regNos []string) ([]model.Company, error) {
	if len(regNos) == 0 {
		return nil, nil
	}

	rows, err := s.pool.Query(ctx,
		`SELECT reg_no, name, website, industry_code, revenue, margin, growth, employees FROM companies WHERE reg_no = ANY($1)`,
		regNos,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var (
			c        model.Company
			website  *string
			industry *string
		)
		if err := rows.Scan(&c.RegNo, &c.Name, &website, &industry, &c.Revenue, &c.Margin, &c.Growth, &c.Employees); err != nil {
			return nil, eris.Wrap(err, "postgres: scan company")
		}
		if website != nil {
			c.Website = *website
		}
		if industry != nil {
			c.IndustryCode = *industry
		}
		companies = append(companies, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate companies")
	}
	return companies, nil
}

// ImportCompanies bulk-loads a company snapshot via COPY. Existing rows are
// replaced wholesale: snapshots are authoritative.
func (s *PostgresStore) ImportCompanies(ctx context.Context, companies []model.Company) (int64, error) {
	if len(companies) == 0 {
		return 0, nil
	}

	regNos := make([]string, len(companies))
	rows := make([][]any, len(companies))
	for i, c := range companies {
		regNos[i] = c.RegNo
		rows[i] = []any{c.RegNo, c.Name, c.Website, c.IndustryCode, c.Revenue, c.Margin, c.Growth, c.Employees}
	}

	if _, err := s.pool.Exec(ctx, `DELETE FROM companies WHERE reg_no = ANY($1)`, regNos); err != nil {
		return 0, eris.Wrap(err, "postgres: clear existing companies")
	}

	n, err := db.CopyFrom(ctx, s.pool, "companies",
		[]string{"reg_no", "name", "website", "industry_code", "revenue", "margin", "growth", "employees"},
		rows,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: import companies")
	}
	return n, nil
}

// SaveResearchRecord upserts a research record for (run, candidate).
func (s *PostgresStore) SaveResearchRecord(ctx context.Context, runID string, rec model.ResearchRecord) error {
	products, err := json.Marshal(rec.Products)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal products")
	}
	searchResults, err := json.Marshal(rec.SearchResults)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal search results")
	}

	_, err = s.pool.Exec(ctx, preparedStatements["upsert_research"],
		runID, rec.RegNo, rec.Website, rec.HomepageText, rec.AboutText, products, searchResults,
		rec.ScrapeOK, rec.SearchOK, rec.Confidence, rec.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save research record %s", rec.RegNo)
	}
	return nil
}

// ListResearchRecords returns all research records for a run.
func (s *PostgresStore) ListResearchRecords(ctx context.Context, runID string) ([]model.ResearchRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT reg_no, website, homepage_text, about_text, products, search_results, scrape_ok, search_ok, confidence, created_at FROM research_records WHERE run_id = $1`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list research records")
	}
	defer rows.Close()

	var records []model.ResearchRecord
	for rows.Next() {
		var (
			rec           model.ResearchRecord
			website       *string
			homepage      *string
			about         *string
			products      []byte
			searchResults []byte
		)
		if err := rows.Scan(&rec.RegNo, &website, &homepage, &about, &products, &searchResults, &rec.ScrapeOK, &rec.SearchOK, &rec.Confidence, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan research record")
		}
		if website != nil {
			rec.Website = *website
		}
		if homepage != nil {
			rec.HomepageText = *homepage
		}
		if about != nil {
			rec.AboutText = *about
		}
		if len(products) > 0 {
			if err := json.Unmarshal(products, &rec.Products); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal products")
			}
		}
		if len(searchResults) > 0 {
			if err := json.Unmarshal(searchResults, &rec.SearchResults); err != nil {
				return nil, eris.Wrap(err, "postgres: unmarshal search results")
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate research records")
	}
	return records, nil
}

// SaveAnalysisRecord inserts an analysis record. Insert-only: a duplicate
// (run, candidate) pair is a bug upstream and surfaces as a constraint error.
func (s *PostgresStore) SaveAnalysisRecord(ctx context.Context, runID string, rec model.AnalysisRecord) error {
	lists := make([][]byte, 4)
	for i, l := range [][]string{rec.Strengths, rec.Weaknesses, rec.Opportunities, rec.Threats} {
		data, err := json.Marshal(l)
		if err != nil {
			return eris.Wrap(err, "postgres: marshal analysis list")
		}
		lists[i] = data
	}

	_, err := s.pool.Exec(ctx, preparedStatements["insert_analysis"],
		runID, rec.RegNo, rec.BusinessModel, rec.MarketPosition,
		lists[0], lists[1], lists[2], lists[3],
		rec.FitScore, rec.Recommendation, rec.Rationale, rec.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save analysis record %s", rec.RegNo)
	}
	return nil
}

// ListAnalysisRecords returns analysis records for a run joined with the
// company display name, optionally filtered by recommendation, best fit
// first.
func (s *PostgresStore) ListAnalysisRecords(ctx context.Context, runID string, recommendation model.Recommendation) ([]model.AnalysisRecord, error) {
	q := sq.Select("a.reg_no", "COALESCE(c.name, '')", "a.business_model", "a.market_position", "a.strengths", "a.weaknesses", "a.opportunities", "a.threats", "a.fit_score", "a.recommendation", "a.rationale", "a.created_at").
		From("analysis_records a").
		LeftJoin("companies c ON c.reg_no = a.reg_no").
		Where(sq.Eq{"a.run_id": runID}).
		OrderBy("a.fit_score DESC", "a.reg_no ASC").
		PlaceholderFormat(sq.Dollar)
	if recommendation != "" {
		q = q.Where(sq.Eq{"a.recommendation": recommendation})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "postgres: build list analyses")
	}

	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list analysis records")
	}
	defer rows.Close()

	var records []model.AnalysisRecord
	for rows.Next() {
		var (
			rec   model.AnalysisRecord
			lists [4][]byte
		)
		if err := rows.Scan(&rec.RegNo, &rec.CompanyName, &rec.BusinessModel, &rec.MarketPosition, &lists[0], &lists[1], &lists[2], &lists[3], &rec.FitScore, &rec.Recommendation, &rec.Rationale, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan analysis record")
		}
		for i, dst := range []*[]string{&rec.Strengths, &rec.Weaknesses, &rec.Opportunities, &rec.Threats} {
			if len(lists[i]) > 0 {
				if err := json.Unmarshal(lists[i], dst); err != nil {
					return nil, eris.Wrap(err, "postgres: unmarshal analysis list")
				}
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate analysis records")
	}
	return records, nil
}

// QueryKeys executes a filter-stage SELECT returning candidate keys in order.
func (s *PostgresStore) QueryKeys(ctx context.Context, sqlStr string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "postgres: scan key")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate keys")
	}
	return keys, nil
}

// QueryCount executes a filter-stage COUNT.
func (s *PostgresStore) QueryCount(ctx context.Context, sqlStr string, args ...any) (int, error) {
	var count int
	if err := s.pool.QueryRow(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, eris.Wrap(err, "postgres: query count")
	}
	return count, nil
}

// PlaceholderFormat reports the SQL placeholder style for this backend.
func (s *PostgresStore) PlaceholderFormat() sq.PlaceholderFormat {
	return sq.Dollar
}
