// Package research implements stage 2 of the sourcing pipeline: concurrent
// external signal gathering (homepage scrape + web search) per candidate,
// bounded by an admission gate. Every candidate yields exactly one record,
// success or not; failures never cross candidate boundaries.
package research

import (
	"context"
	"fmt"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/pkg/jina"
)

// DefaultMaxConcurrent bounds in-flight candidate tasks when the caller
// passes no cap.
const DefaultMaxConcurrent = 10

// searchQueryTemplates are the fixed queries issued per candidate, %s is the
// display name.
var searchQueryTemplates = []string{
	"%s products services",
	"%s business model",
}

// Stage gathers external signals for a batch of candidates.
type Stage struct {
	cfg     config.ResearchConfig
	scraper *scraper
	search  jina.Client // nil disables the search sub-task
	limiter *rate.Limiter
}

// NewStage creates a research stage. searchClient may be nil when no search
// credentials are configured; scraping still runs.
func NewStage(cfg config.ResearchConfig, searchClient jina.Client) *Stage {
	if cfg.FetchTimeoutSecs <= 0 {
		cfg.FetchTimeoutSecs = 10
	}
	if cfg.PageCharBudget <= 0 {
		cfg.PageCharBudget = 4000
	}
	if cfg.SnippetsPerQuery <= 0 {
		cfg.SnippetsPerQuery = 3
	}
	delay := time.Duration(cfg.QueryDelayMillis) * time.Millisecond
	if delay <= 0 {
		delay = time.Second
	}
	return &Stage{
		cfg:     cfg,
		scraper: newScraper(time.Duration(cfg.FetchTimeoutSecs)*time.Second, cfg.PageCharBudget, searchClient),
		search:  searchClient,
		limiter: rate.NewLimiter(rate.Every(delay), 1),
	}
}

// ResearchBatch fans out one task per candidate, at most maxConcurrent in
// flight. Always returns len(candidates) records in input order. The batch
// never fails as a whole; cancel ctx to abandon in-flight work.
func (s *Stage) ResearchBatch(ctx context.Context, candidates []model.CandidateIdentity, maxConcurrent int) []model.ResearchRecord {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	zap.L().Info("research: starting batch",
		zap.Int("candidates", len(candidates)),
		zap.Int("max_concurrent", maxConcurrent),
	)

	records := make([]model.ResearchRecord, len(candidates))

	// Tasks return nil even on failure, so the group context is only
	// cancelled by the caller; each slot writes its own index.
	g := new(errgroup.Group)
	g.SetLimit(maxConcurrent)

	for i, cand := range candidates {
		g.Go(func() error {
			records[i] = s.researchCandidate(ctx, cand)
			return nil
		})
	}
	_ = g.Wait()

	return records
}

// researchCandidate runs the scrape and search sub-tasks concurrently for
// one candidate and scores the gathered signal. A panic in either sub-task
// is recovered here and yields an empty record rather than killing the batch.
func (s *Stage) researchCandidate(ctx context.Context, cand model.CandidateIdentity) (rec model.ResearchRecord) {
	rec = model.ResearchRecord{
		RegNo:     cand.RegNo,
		Website:   cand.Website,
		CreatedAt: time.Now().UTC(),
	}

	defer func() {
		if r := recover(); r != nil {
			zap.L().Error("research: candidate task panicked",
				zap.String("reg_no", cand.RegNo),
				zap.Any("panic", r),
			)
			rec = model.ResearchRecord{
				RegNo:      cand.RegNo,
				Website:    cand.Website,
				CreatedAt:  time.Now().UTC(),
				Confidence: scoreConfidence(model.ResearchRecord{Website: cand.Website}),
			}
		}
	}()

	if err := ctx.Err(); err != nil {
		rec.Confidence = scoreConfidence(rec)
		return rec
	}

	log := zap.L().With(zap.String("reg_no", cand.RegNo), zap.String("name", cand.Name))

	var (
		page    *pageSignals
		hits    map[string][]model.SearchHit
		scrapeE error
		searchE error
	)

	// Scrape and search are independent; run them side by side.
	g := new(errgroup.Group)
	g.Go(func() error {
		page, scrapeE = s.scrapeSubTask(ctx, cand)
		return nil
	})
	g.Go(func() error {
		hits, searchE = s.searchSubTask(ctx, cand)
		return nil
	})
	_ = g.Wait()

	if scrapeE != nil {
		log.Debug("research: scrape sub-task failed", zap.Error(scrapeE))
	} else if page != nil {
		rec.HomepageText = page.Homepage
		rec.AboutText = page.About
		rec.Products = page.Products
		rec.ScrapeOK = true
	}

	if searchE != nil {
		log.Debug("research: search sub-task failed", zap.Error(searchE))
	} else if hits != nil {
		rec.SearchResults = hits
		rec.SearchOK = true
	}

	rec.Confidence = scoreConfidence(rec)

	log.Info("research: candidate done",
		zap.Bool("scrape_ok", rec.ScrapeOK),
		zap.Bool("search_ok", rec.SearchOK),
		zap.Int("confidence", rec.Confidence),
	)
	return rec
}

// scrapeSubTask fetches and extracts the homepage and keyword-matched
// sub-pages. No website on file counts as a failed sub-task.
func (s *Stage) scrapeSubTask(ctx context.Context, cand model.CandidateIdentity) (*pageSignals, error) {
	if cand.Website == "" {
		return nil, eris.New("research: no website on file")
	}
	return s.scraper.Gather(ctx, cand.Website)
}

// searchSubTask issues the templated queries sequentially, paced by the
// stage limiter, and keeps the top snippets per query.
func (s *Stage) searchSubTask(ctx context.Context, cand model.CandidateIdentity) (map[string][]model.SearchHit, error) {
	if s.search == nil {
		return nil, eris.New("research: search not configured")
	}

	hits := make(map[string][]model.SearchHit, len(searchQueryTemplates))
	for _, tmpl := range searchQueryTemplates {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "research: rate limit wait")
		}

		query := fmt.Sprintf(tmpl, cand.Name)
		resp, err := s.search.Search(ctx, query)
		if err != nil {
			return nil, eris.Wrapf(err, "research: search %q", query)
		}

		top := resp.Data
		if len(top) > s.cfg.SnippetsPerQuery {
			top = top[:s.cfg.SnippetsPerQuery]
		}
		results := make([]model.SearchHit, 0, len(top))
		for _, r := range top {
			snippet := r.Description
			if snippet == "" {
				snippet = truncate(r.Content, 300)
			}
			results = append(results, model.SearchHit{
				Title:   r.Title,
				URL:     r.URL,
				Snippet: snippet,
			})
		}
		hits[query] = results
	}
	return hits, nil
}

// scoreConfidence is the additive heuristic for how much external signal a
// record carries. Deterministic, capped at 100.
func scoreConfidence(rec model.ResearchRecord) int {
	score := 0
	if rec.Website != "" {
		score += 10
	}
	if rec.HomepageText != "" {
		score += 25
	}
	if rec.AboutText != "" {
		score += 15
	}
	if len(rec.Products) > 0 {
		score += 15
	}
	for _, results := range rec.SearchResults {
		if len(results) > 0 {
			score += 15
			break
		}
	}
	if rec.ScrapeOK {
		score += 10
	}
	if rec.SearchOK {
		score += 10
	}
	if score > 100 {
		score = 100
	}
	return score
}
