package analysis

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/sells-group/sourcing-cli/internal/model"
)

const systemPrompt = `You are an acquisition analyst screening small and medium businesses for a search fund. Assess each company from its financials and gathered web signal. Respond with a single JSON object and nothing else, following exactly this shape:
{
  "business_model": string,
  "market_position": string,
  "strengths": [string],
  "weaknesses": [string],
  "opportunities": [string],
  "threats": [string],
  "fit_score": integer 1-10,
  "recommendation": "pursue" | "watch" | "pass",
  "rationale": string
}
Be specific and conservative; when the web signal is thin, say so in the rationale and lower the fit score.`

// researchCharBudget bounds how much scraped text goes into the prompt.
const researchCharBudget = 3000

// BuildPrompt renders the candidate context into the user message. The
// rendering is deterministic for a given context, search queries included.
func BuildPrompt(cand model.CandidateContext) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Company: %s (registration %s)\n\n", cand.Name, cand.RegNo)

	f := cand.Financials
	b.WriteString("Financials:\n")
	fmt.Fprintf(&b, "- Revenue: %.0f\n", f.Revenue)
	fmt.Fprintf(&b, "- Margin: %.3f\n", f.Margin)
	fmt.Fprintf(&b, "- Growth: %.3f\n", f.Growth)
	if f.Employees > 0 {
		fmt.Fprintf(&b, "- Employees: %d\n", f.Employees)
	}
	if f.IndustryCode != "" {
		fmt.Fprintf(&b, "- Industry code: %s\n", f.IndustryCode)
	}

	r := cand.Research
	if r == nil || (!r.ScrapeOK && !r.SearchOK) {
		b.WriteString("\nWeb signal: none gathered. Assess from financials alone and note the missing signal.\n")
		return b.String()
	}

	fmt.Fprintf(&b, "\nWeb signal (confidence %d/100):\n", r.Confidence)
	if r.Website != "" {
		fmt.Fprintf(&b, "Website: %s\n", r.Website)
	}
	if r.HomepageText != "" {
		fmt.Fprintf(&b, "\nHomepage excerpt:\n%s\n", clip(r.HomepageText, researchCharBudget))
	}
	if r.AboutText != "" {
		fmt.Fprintf(&b, "\nAbout page excerpt:\n%s\n", clip(r.AboutText, researchCharBudget/2))
	}
	if len(r.Products) > 0 {
		b.WriteString("\nProducts and services:\n")
		for _, p := range r.Products {
			fmt.Fprintf(&b, "- %s\n", p)
		}
	}
	if len(r.SearchResults) > 0 {
		b.WriteString("\nSearch results:\n")
		queries := make([]string, 0, len(r.SearchResults))
		for q := range r.SearchResults {
			queries = append(queries, q)
		}
		sort.Strings(queries)
		for _, q := range queries {
			fmt.Fprintf(&b, "Query %q:\n", q)
			for _, hit := range r.SearchResults[q] {
				fmt.Fprintf(&b, "- %s (%s): %s\n", hit.Title, hit.URL, hit.Snippet)
			}
		}
	}

	return b.String()
}

func clip(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
