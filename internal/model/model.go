// Package model defines the core domain types shared across the sourcing
// pipeline: filter criteria, candidates, per-stage records, and the Run
// aggregate.
package model

import "time"

// RunStatus represents the current state of a sourcing run.
type RunStatus string

const (
	RunStatusPending            RunStatus = "pending"
	RunStatusRunning            RunStatus = "running"
	RunStatusComplete           RunStatus = "complete"
	RunStatusCompleteWithErrors RunStatus = "completed_with_errors"
	RunStatusFailed             RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusComplete, RunStatusCompleteWithErrors, RunStatusFailed:
		return true
	}
	return false
}

// RunStage names the pipeline stage a run last checkpointed, so polling
// clients can see mid-flight progress.
type RunStage string

const (
	RunStageFilter   RunStage = "filter"
	RunStageResearch RunStage = "research"
	RunStageAnalysis RunStage = "analysis"
)

// ThresholdUnset marks a margin or growth threshold as not supplied.
// Zero is a legitimate threshold for both, so it cannot double as "unset".
const ThresholdUnset = -1e9

// FilterCriteria is the immutable input to a run. Construct via
// NewFilterCriteria so omitted thresholds normalize to ThresholdUnset.
type FilterCriteria struct {
	MinRevenue    float64  `json:"min_revenue"`
	MinMargin     float64  `json:"min_margin"`
	MinGrowth     float64  `json:"min_growth"`
	IndustryCodes []string `json:"industry_codes,omitempty"`
	Fragments     []string `json:"fragments,omitempty"`
	MaxResults    int      `json:"max_results"`
}

// DefaultMaxResults caps a run when the caller supplies no limit.
const DefaultMaxResults = 100

// NewFilterCriteria builds criteria from raw inputs. Margin and growth
// thresholds of exactly zero are treated as unset; callers that genuinely
// want ">= 0" express it as a fragment.
func NewFilterCriteria(minRevenue, minMargin, minGrowth float64, industryCodes, fragments []string, maxResults int) FilterCriteria {
	if minMargin == 0 {
		minMargin = ThresholdUnset
	}
	if minGrowth == 0 {
		minGrowth = ThresholdUnset
	}
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return FilterCriteria{
		MinRevenue:    minRevenue,
		MinMargin:     minMargin,
		MinGrowth:     minGrowth,
		IndustryCodes: industryCodes,
		Fragments:     fragments,
		MaxResults:    maxResults,
	}
}

// Company is the minimal relational view of a candidate company used for
// filtering and prompt construction. RegNo is the stable join key across
// all per-candidate records.
type Company struct {
	RegNo        string  `json:"reg_no"`
	Name         string  `json:"name"`
	Website      string  `json:"website,omitempty"`
	IndustryCode string  `json:"industry_code,omitempty"`
	Revenue      float64 `json:"revenue"`
	Margin       float64 `json:"margin"`
	Growth       float64 `json:"growth"`
	Employees    int     `json:"employees"`
}

// CandidateIdentity is what the research stage needs to know about a
// candidate: key, display name, and the homepage if one is on file.
type CandidateIdentity struct {
	RegNo   string `json:"reg_no"`
	Name    string `json:"name"`
	Website string `json:"website,omitempty"`
}

// SearchHit is one snippet returned for a templated search query.
type SearchHit struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// ResearchRecord holds the external signal gathered for one candidate in one
// run. Always emitted, success or not; re-runs upsert.
type ResearchRecord struct {
	RegNo         string                 `json:"reg_no"`
	Website       string                 `json:"website,omitempty"`
	HomepageText  string                 `json:"homepage_text,omitempty"`
	AboutText     string                 `json:"about_text,omitempty"`
	Products      []string               `json:"products,omitempty"`
	SearchResults map[string][]SearchHit `json:"search_results,omitempty"`
	ScrapeOK      bool                   `json:"scrape_ok"`
	SearchOK      bool                   `json:"search_ok"`
	Confidence    int                    `json:"confidence"`
	CreatedAt     time.Time              `json:"created_at"`
}

// Recommendation is the analyst verdict for a candidate.
type Recommendation string

const (
	RecommendationPursue Recommendation = "pursue"
	RecommendationWatch  Recommendation = "watch"
	RecommendationPass   Recommendation = "pass"
)

// Valid reports whether the recommendation is one of the known verdicts.
func (r Recommendation) Valid() bool {
	switch r {
	case RecommendationPursue, RecommendationWatch, RecommendationPass:
		return true
	}
	return false
}

// AnalysisRecord is the structured model output for one candidate.
// Insert-only; failed candidates produce no record. CompanyName is joined
// from the companies table on read, never stored with the record.
type AnalysisRecord struct {
	RegNo          string         `json:"reg_no"`
	CompanyName    string         `json:"company_name,omitempty"`
	BusinessModel  string         `json:"business_model"`
	MarketPosition string         `json:"market_position"`
	Strengths      []string       `json:"strengths,omitempty"`
	Weaknesses     []string       `json:"weaknesses,omitempty"`
	Opportunities  []string       `json:"opportunities,omitempty"`
	Threats        []string       `json:"threats,omitempty"`
	FitScore       int            `json:"fit_score"`
	Recommendation Recommendation `json:"recommendation"`
	Rationale      string         `json:"rationale"`
	CreatedAt      time.Time      `json:"created_at"`
}

// CandidateContext bundles everything the analysis stage sees for one
// candidate: identity, financials, and the research record if stage 2
// produced a useful one.
type CandidateContext struct {
	RegNo      string          `json:"reg_no"`
	Name       string          `json:"name"`
	Financials Company         `json:"financials"`
	Research   *ResearchRecord `json:"research,omitempty"`
}

// Run is the aggregate root for one end-to-end pipeline execution. Only the
// orchestrator mutates it, and only at stage checkpoints.
type Run struct {
	ID          string         `json:"id"`
	Criteria    FilterCriteria `json:"criteria"`
	Status      RunStatus      `json:"status"`
	Stage       RunStage       `json:"stage,omitempty"`
	Stage1Count int            `json:"stage1_count"`
	Stage2Count int            `json:"stage2_count"`
	Stage3Count int            `json:"stage3_count"`
	Initiator   string         `json:"initiator,omitempty"`
	Error       string         `json:"error,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
}

// FilterStats is the preview projection for a criteria set: how many rows
// match, and how many a run would actually return under the cap.
type FilterStats struct {
	TotalMatches int `json:"total_matches"`
	WillReturn   int `json:"will_return"`
}
