package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/sourcing-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. Intended for local
// runs and development; the pipeline itself is backend-agnostic.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := sqlDB.Exec(pragma); err != nil {
			sqlDB.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: sqlDB}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS companies (
	reg_no        TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	website       TEXT,
	industry_code TEXT,
	revenue       REAL NOT NULL DEFAULT 0,
	margin        REAL NOT NULL DEFAULT 0,
	growth        REAL NOT NULL DEFAULT 0,
	employees     INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS runs (
	id           TEXT PRIMARY KEY,
	criteria     TEXT NOT NULL,
	status       TEXT NOT NULL DEFAULT 'pending',
	stage        TEXT,
	stage1_count INTEGER NOT NULL DEFAULT 0,
	stage2_count INTEGER NOT NULL DEFAULT 0,
	stage3_count INTEGER NOT NULL DEFAULT 0,
	initiator    TEXT,
	error        TEXT,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE TABLE IF NOT EXISTS research_records (
	run_id         TEXT NOT NULL REFERENCES runs(id),
	reg_no         TEXT NOT NULL,
	website        TEXT,
	homepage_text  TEXT,
	about_text     TEXT,
	products       TEXT,
	search_results TEXT,
	scrape_ok      INTEGER NOT NULL DEFAULT 0,
	search_ok      INTEGER NOT NULL DEFAULT 0,
	confidence     INTEGER NOT NULL DEFAULT 0,
	created_at     DATETIME NOT NULL,
	PRIMARY KEY (run_id, reg_no)
);

CREATE TABLE IF NOT EXISTS analysis_records (
	run_id          TEXT NOT NULL REFERENCES runs(id),
	reg_no          TEXT NOT NULL,
	business_model  TEXT,
	market_position TEXT,
	strengths       TEXT,
	weaknesses      TEXT,
	opportunities   TEXT,
	threats         TEXT,
	fit_score       INTEGER NOT NULL,
	recommendation  TEXT NOT NULL,
	rationale       TEXT,
	created_at      DATETIME NOT NULL,
	PRIMARY KEY (run_id, reg_no)
);

CREATE INDEX IF NOT EXISTS idx_companies_growth ON companies(growth DESC, revenue DESC);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_analysis_recommendation ON analysis_records(run_id, recommendation);
`

// Migrate creates tables and indexes if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteMigration); err != nil {
		return eris.Wrap(err, "sqlite: migrate")
	}
	return nil
}

// Close closes the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRun inserts a new run in status running with a criteria snapshot.
func (s *SQLiteStore) CreateRun(ctx context.Context, criteria model.FilterCriteria, initiator string) (*model.Run, error) {
	run := &model.Run{
		ID:        uuid.NewString(),
		Criteria:  criteria,
		Status:    model.RunStatusRunning,
		Initiator: initiator,
		StartedAt: time.Now().UTC(),
	}

	snapshot, err := json.Marshal(criteria)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: marshal criteria")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, criteria, status, initiator, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, string(snapshot), run.Status, run.Initiator, run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: create run")
	}
	return run, nil
}

// UpdateRunCounts persists the checkpointed stage and per-stage counters.
func (s *SQLiteStore) UpdateRunCounts(ctx context.Context, runID string, stage model.RunStage, stage1, stage2, stage3 int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET stage = ?, stage1_count = ?, stage2_count = ?, stage3_count = ? WHERE id = ?`,
		stage, stage1, stage2, stage3, runID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: update run counts")
	}
	return nil
}

// FinishRun moves a run into a terminal status.
func (s *SQLiteStore) FinishRun(ctx context.Context, runID string, status model.RunStatus, errSummary string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, completed_at = ? WHERE id = ?`,
		status, errSummary, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: finish run")
	}
	return nil
}

// GetRun fetches a single run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, criteria, status, stage, stage1_count, stage2_count, stage3_count, initiator, error, started_at, completed_at FROM runs WHERE id = ?`,
		runID,
	)
	run, err := scanRunSQL(row.Scan)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run %s", runID)
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error) {
	q := sq.Select("id", "criteria", "status", "stage", "stage1_count", "stage2_count", "stage3_count", "initiator", "error", "started_at", "completed_at").
		From("runs").
		OrderBy("started_at DESC")
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
		return nil, eris.Wrap(err, "sqlite: build list runs")
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		run, err := scanRunSQL(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan run")
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate runs")
	}
	return runs, nil
}

func scanRunSQL(scan func(dest ...any) error) (*model.Run, error) {
	var (
		run       model.Run
		criteria  string
		stage     sql.NullString
		initiator sql.NullString
		errText   sql.NullString
		completed sql.NullTime
	)
	if err := scan(&run.ID, &criteria, &run.Status, &stage, &run.Stage1Count, &run.Stage2Count, &run.Stage3Count, &initiator, &errText, &run.StartedAt, &completed); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(criteria), &run.Criteria); err != nil {
		return nil, eris.Wrap(err, "unmarshal criteria")
	}
	run.Stage = model.RunStage(stage.String)
	run.Initiator = initiator.String
	run.Error = errText.String
	if completed.Valid {
		t := completed.Time
		run.CompletedAt = &t
	}
	return &run, nil
}

// GetCompanies fetches filter/display context for the given candidate keys.
func (s *SQLiteStore) GetCompanies(ctx context.Context, regNos []string) ([]model.Company, error) {
	if len(regNos) == 0 {
		return nil, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(regNos)), ",")
	args := make([]any, len(regNos))
	for i, r := range regNos {
		args[i] = r
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT reg_no, name, website, industry_code, revenue, margin, growth, employees FROM companies WHERE reg_no IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get companies")
	}
	defer rows.Close()

	var companies []model.Company
	for rows.Next() {
		var (
			c        model.Company
			website  sql.NullString
			industry sql.NullString
		)
		if err := rows.Scan(&c.RegNo, &c.Name, &website, &industry, &c.Revenue, &c.Margin, &c.Growth, &c.Employees); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan company")
		}
		c.Website = website.String
		c.IndustryCode = industry.String
		companies = append(companies, c)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate companies")
	}
	return companies, nil
}

// ImportCompanies replaces company rows from a snapshot, one transaction.
func (s *SQLiteStore) ImportCompanies(ctx context.Context, companies []model.Company) (int64, error) {
	if len(companies) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin import")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO companies (reg_no, name, website, industry_code, revenue, margin, growth, employees) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare import")
	}
	defer stmt.Close()

	var n int64
	for _, c := range companies {
		if _, err := stmt.ExecContext(ctx, c.RegNo, c.Name, c.Website, c.IndustryCode, c.Revenue, c.Margin, c.Growth, c.Employees); err != nil {
			return 0, eris.Wrapf(err, "sqlite: import company %s", c.RegNo)
		}
		n++
	}

	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit import")
	}
	return n, nil
}

// SaveResearchRecord upserts a research record for (run, candidate).
func (s *SQLiteStore) SaveResearchRecord(ctx context.Context, runID string, rec model.ResearchRecord) error {
	products, err := json.Marshal(rec.Products)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal products")
	}
	searchResults, err := json.Marshal(rec.SearchResults)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal search results")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO research_records (run_id, reg_no, website, homepage_text, about_text, products, search_results, scrape_ok, search_ok, confidence, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.RegNo, rec.Website, rec.HomepageText, rec.AboutText, string(products), string(searchResults),
		rec.ScrapeOK, rec.SearchOK, rec.Confidence, rec.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save research record %s", rec.RegNo)
	}
	return nil
}

// ListResearchRecords returns all research records for a run.
func (s *SQLiteStore) ListResearchRecords(ctx context.Context, runID string) ([]model.ResearchRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reg_no, website, homepage_text, about_text, products, search_results, scrape_ok, search_ok, confidence, created_at FROM research_records WHERE run_id = ?`,
		runID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list research records")
	}
	defer rows.Close()

	var records []model.ResearchRecord
	for rows.Next() {
		var (
			rec           model.ResearchRecord
			website       sql.NullString
			homepage      sql.NullString
			about         sql.NullString
			products      sql.NullString
			searchResults sql.NullString
		)
		if err := rows.Scan(&rec.RegNo, &website, &homepage, &about, &products, &searchResults, &rec.ScrapeOK, &rec.SearchOK, &rec.Confidence, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan research record")
		}
		rec.Website = website.String
		rec.HomepageText = homepage.String
		rec.AboutText = about.String
		if products.String != "" {
			if err := json.Unmarshal([]byte(products.String), &rec.Products); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal products")
			}
		}
		if searchResults.String != "" {
			if err := json.Unmarshal([]byte(searchResults.String), &rec.SearchResults); err != nil {
				return nil, eris.Wrap(err, "sqlite: unmarshal search results")
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate research records")
	}
	return records, nil
}

// SaveAnalysisRecord inserts an analysis record (insert-only).
func (s *SQLiteStore) SaveAnalysisRecord(ctx context.Context, runID string, rec model.AnalysisRecord) error {
	lists := make([]string, 4)
	for i, l := range [][]string{rec.Strengths, rec.Weaknesses, rec.Opportunities, rec.Threats} {
		data, err := json.Marshal(l)
		if err != nil {
			return eris.Wrap(err, "sqlite: marshal analysis list")
		}
		lists[i] = string(data)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO analysis_records (run_id, reg_no, business_model, market_position, strengths, weaknesses, opportunities, threats, fit_score, recommendation, rationale, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, rec.RegNo, rec.BusinessModel, rec.MarketPosition,
		lists[0], lists[1], lists[2], lists[3],
		rec.FitScore, rec.Recommendation, rec.Rationale, rec.CreatedAt,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save analysis record %s", rec.RegNo)
	}
	return nil
}

// ListAnalysisRecords returns analysis records for a run joined with the
// company display name, optionally filtered by recommendation, best fit
// first.
func (s *SQLiteStore) ListAnalysisRecords(ctx context.Context, runID string, recommendation model.Recommendation) ([]model.AnalysisRecord, error) {
	q := sq.Select("a.reg_no", "COALESCE(c.name, '')", "a.business_model", "a.market_position", "a.strengths", "a.weaknesses", "a.opportunities", "a.threats", "a.fit_score", "a.recommendation", "a.rationale", "a.created_at").
		From("analysis_records a").
		LeftJoin("companies c ON c.reg_no = a.reg_no").
		Where(sq.Eq{"a.run_id": runID}).
		OrderBy("a.fit_score DESC", "a.reg_no ASC")
	if recommendation != "" {
		q = q.Where(sq.Eq{"a.recommendation": recommendation})
	}

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: build list analyses")
	}

	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list analysis records")
	}
	defer rows.Close()

	var records []model.AnalysisRecord
	for rows.Next() {
		var (
			rec   model.AnalysisRecord
			lists [4]sql.NullString
		)
		if err := rows.Scan(&rec.RegNo, &rec.CompanyName, &rec.BusinessModel, &rec.MarketPosition, &lists[0], &lists[1], &lists[2], &lists[3], &rec.FitScore, &rec.Recommendation, &rec.Rationale, &rec.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan analysis record")
		}
		for i, dst := range []*[]string{&rec.Strengths, &rec.Weaknesses, &rec.Opportunities, &rec.Threats} {
			if lists[i].String != "" {
				if err := json.Unmarshal([]byte(lists[i].String), dst); err != nil {
					return nil, eris.Wrap(err, "sqlite: unmarshal analysis list")
				}
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate analysis records")
	}
	return records, nil
}

// QueryKeys executes a filter-stage SELECT returning candidate keys in order.
func (s *SQLiteStore) QueryKeys(ctx context.Context, sqlStr string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: query keys")
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan key")
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: iterate keys")
	}
	return keys, nil
}

// QueryCount executes a filter-stage COUNT.
func (s *SQLiteStore) QueryCount(ctx context.Context, sqlStr string, args ...any) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&count); err != nil {
		return 0, eris.Wrap(err, "sqlite: query count")
	}
	return count, nil
}

// PlaceholderFormat reports the SQL placeholder style for this backend.
func (s *SQLiteStore) PlaceholderFormat() sq.PlaceholderFormat {
	return sq.Question
}
