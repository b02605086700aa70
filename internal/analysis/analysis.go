// Package analysis implements stage 3 of the sourcing pipeline: concurrent
// LLM assessment of surviving candidates. Unlike research, failures here
// produce no record; they are reported back to the orchestrator as keyed
// failures.
package analysis

import (
	"context"
	"encoding/json"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/sourcing-cli/internal/config"
	"github.com/sells-group/sourcing-cli/internal/model"
	"github.com/sells-group/sourcing-cli/pkg/anthropic"
)

// DefaultMaxConcurrent bounds in-flight model calls when the caller passes
// no cap. Smaller than the research cap since model calls are the expensive
// resource.
const DefaultMaxConcurrent = 5

// CandidateFailure records an analysis task that produced no record.
type CandidateFailure struct {
	RegNo  string
	Reason string
}

// Stage runs LLM analysis over candidate contexts.
type Stage struct {
	client anthropic.Client
	cfg    config.AnthropicConfig
}

// NewStage creates an analysis stage backed by the given model client.
func NewStage(client anthropic.Client, cfg config.AnthropicConfig) *Stage {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Stage{client: client, cfg: cfg}
}

// AnalyzeBatch fans out one model call per candidate, at most maxConcurrent
// in flight. Returns records in input order (failed slots dropped) plus the
// failures. The batch itself never errors; cancel ctx to abandon it.
func (s *Stage) AnalyzeBatch(ctx context.Context, batch []model.CandidateContext, maxConcurrent int) ([]model.AnalysisRecord, []CandidateFailure) {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	zap.L().Info("analysis: starting batch",
		zap.Int("candidates", len(batch)),
		zap.Int("max_concurrent", maxConcurrent),
		zap.String("model", s.cfg.Model),
	)

	results := make([]*model.AnalysisRecord, len(batch))
	failures := make([]*CandidateFailure, len(batch))
	var failedCount atomic.Int64

	g := new(errgroup.Group)
	g.SetLimit(maxConcurrent)

	for i, cand := range batch {
		g.Go(func() error {
			rec, err := s.analyzeCandidate(ctx, cand)
			if err != nil {
				zap.L().Warn("analysis: candidate failed",
					zap.String("reg_no", cand.RegNo),
					zap.Error(err),
				)
				failures[i] = &CandidateFailure{RegNo: cand.RegNo, Reason: eris.ToString(err, false)}
				failedCount.Add(1)
				return nil
			}
			results[i] = rec
			return nil
		})
	}
	_ = g.Wait()

	records := make([]model.AnalysisRecord, 0, len(batch))
	for _, r := range results {
		if r != nil {
			records = append(records, *r)
		}
	}
	failed := make([]CandidateFailure, 0, failedCount.Load())
	for _, f := range failures {
		if f != nil {
			failed = append(failed, *f)
		}
	}

	zap.L().Info("analysis: batch done",
		zap.Int("succeeded", len(records)),
		zap.Int("failed", len(failed)),
	)
	return records, failed
}

// analyzeCandidate builds the prompt, calls the model, and validates the
// structured output. A panic anywhere in the task is converted to an error.
func (s *Stage) analyzeCandidate(ctx context.Context, cand model.CandidateContext) (rec *model.AnalysisRecord, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec = nil
			err = eris.Errorf("analysis: task panicked: %v", r)
		}
	}()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, eris.Wrap(ctxErr, "analysis: context done")
	}

	resp, err := s.client.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     s.cfg.Model,
		MaxTokens: s.cfg.MaxTokens,
		System:    systemPrompt,
		Messages: []anthropic.Message{
			{Role: "user", Content: BuildPrompt(cand)},
		},
	})
	if err != nil {
		return nil, eris.Wrapf(err, "analysis: model call for %s", cand.RegNo)
	}
	resp.Usage.LogCost(s.cfg.Model, "analysis")

	rec, err = parseAnalysis(cand.RegNo, resp.Text())
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// analysisPayload is the JSON contract the model is instructed to follow.
type analysisPayload struct {
	BusinessModel  string   `json:"business_model"`
	MarketPosition string   `json:"market_position"`
	Strengths      []string `json:"strengths"`
	Weaknesses     []string `json:"weaknesses"`
	Opportunities  []string `json:"opportunities"`
	Threats        []string `json:"threats"`
	FitScore       int      `json:"fit_score"`
	Recommendation string   `json:"recommendation"`
	Rationale      string   `json:"rationale"`
}

// parseAnalysis validates the model output against the contract. Anything
// the model got wrong fails the candidate rather than storing junk.
func parseAnalysis(regNo, raw string) (*model.AnalysisRecord, error) {
	body := extractJSON(raw)
	if body == "" {
		return nil, eris.Errorf("analysis: no JSON object in model output for %s", regNo)
	}

	var p analysisPayload
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return nil, eris.Wrapf(err, "analysis: unmarshal model output for %s", regNo)
	}

	reco := model.Recommendation(strings.ToLower(strings.TrimSpace(p.Recommendation)))
	if !reco.Valid() {
		return nil, eris.Errorf("analysis: invalid recommendation %q for %s", p.Recommendation, regNo)
	}
	if p.BusinessModel == "" || p.Rationale == "" {
		return nil, eris.Errorf("analysis: missing required fields for %s", regNo)
	}

	fit := p.FitScore
	if fit < 1 {
		fit = 1
	}
	if fit > 10 {
		fit = 10
	}

	return &model.AnalysisRecord{
		RegNo:          regNo,
		BusinessModel:  p.BusinessModel,
		MarketPosition: p.MarketPosition,
		Strengths:      p.Strengths,
		Weaknesses:     p.Weaknesses,
		Opportunities:  p.Opportunities,
		Threats:        p.Threats,
		FitScore:       fit,
		Recommendation: reco,
		Rationale:      p.Rationale,
		CreatedAt:      time.Now().UTC(),
	}, nil
}

// extractJSON pulls the outermost JSON object out of model output that may
// be wrapped in prose or a code fence.
func extractJSON(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start < 0 || end <= start {
		return ""
	}
	return raw[start : end+1]
}
