package research

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/runes"
	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/sourcing-cli/pkg/jina"
)

const (
	userAgent     = "Mozilla/5.0 (compatible; ResearchBot/1.0)"
	maxBodyBytes  = 512 << 10
	maxProducts   = 20
	productMinLen = 3
	productMaxLen = 120
)

// aboutKeywords and productKeywords match link text and hrefs after diacritic
// folding, covering the markets the company register spans.
var (
	aboutKeywords = []string{
		"about", "about us", "who we are", "company",
		"om os", "om oss", "virksomheden",
		"uber uns", "unternehmen",
		"a propos", "qui sommes-nous",
		"over ons", "tietoa meista",
	}
	productKeywords = []string{
		"products", "services", "solutions", "offerings",
		"produkter", "ydelser", "tjenester", "losninger",
		"produkte", "leistungen",
		"produits", "diensten", "tuotteet",
	}
)

// pageSignals is what a successful scrape yields.
type pageSignals struct {
	Homepage string
	About    string
	Products []string
}

// scraper fetches and extracts candidate websites. A jina reader, when
// configured, serves as the fallback for homepages the direct fetch cannot
// load.
type scraper struct {
	http       *http.Client
	charBudget int
	reader     jina.Client
	timeout    time.Duration
}

func newScraper(timeout time.Duration, charBudget int, reader jina.Client) *scraper {
	return &scraper{
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return eris.New("research: too many redirects")
				}
				return nil
			},
		},
		charBudget: charBudget,
		reader:     reader,
		timeout:    timeout,
	}
}

// Gather fetches the homepage, extracts its visible text, and follows at most
// one about page and one products page discovered by folded-keyword link
// matching. Sub-page failures are non-fatal.
func (s *scraper) Gather(ctx context.Context, website string) (*pageSignals, error) {
	base, err := normalizeURL(website)
	if err != nil {
		return nil, err
	}

	doc, err := s.fetchDoc(ctx, base.String())
	if err != nil {
		// Direct fetch failed; try the reader proxy for the text alone.
		if s.reader != nil {
			if text, rerr := s.readFallback(ctx, base.String()); rerr == nil && text != "" {
				return &pageSignals{Homepage: truncate(text, s.charBudget)}, nil
			}
		}
		return nil, err
	}

	sig := &pageSignals{
		Homepage: truncate(extractText(doc), s.charBudget),
	}

	aboutURL, productsURL := findSubpages(doc, base)

	if aboutURL != "" {
		if sub, err := s.fetchDoc(ctx, aboutURL); err == nil {
			sig.About = truncate(extractText(sub), s.charBudget)
		} else {
			zap.L().Debug("research: about page fetch failed",
				zap.String("url", aboutURL), zap.Error(err))
		}
	}

	if productsURL != "" {
		if sub, err := s.fetchDoc(ctx, productsURL); err == nil {
			sig.Products = extractProducts(sub)
		} else {
			zap.L().Debug("research: products page fetch failed",
				zap.String("url", productsURL), zap.Error(err))
		}
	}

	return sig, nil
}

func (s *scraper) fetchDoc(ctx context.Context, rawURL string) (*goquery.Document, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, eris.Wrapf(err, "research: build request %s", rawURL)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "research: fetch %s", rawURL)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck
		return nil, eris.Errorf("research: fetch %s: status %d", rawURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, eris.Wrapf(err, "research: parse %s", rawURL)
	}
	return doc, nil
}

func (s *scraper) readFallback(ctx context.Context, rawURL string) (string, error) {
	resp, err := s.reader.Read(ctx, rawURL)
	if err != nil {
		return "", eris.Wrapf(err, "research: reader fallback %s", rawURL)
	}
	return resp.Data.Content, nil
}

// normalizeURL accepts bare hostnames and full URLs, defaulting to https.
func normalizeURL(website string) (*url.URL, error) {
	w := strings.TrimSpace(website)
	if w == "" {
		return nil, eris.New("research: empty website")
	}
	if !strings.Contains(w, "://") {
		w = "https://" + w
	}
	u, err := url.Parse(w)
	if err != nil {
		return nil, eris.Wrapf(err, "research: parse website %q", website)
	}
	if u.Host == "" {
		return nil, eris.Errorf("research: website %q has no host", website)
	}
	return u, nil
}

// extractText strips page chrome and returns whitespace-collapsed visible
// text.
func extractText(doc *goquery.Document) string {
	clone := doc.Selection.Clone()
	clone.Find("script, style, nav, header, footer, noscript, iframe, form").Remove()

	text := clone.Find("body").Text()
	if text == "" {
		text = clone.Text()
	}
	return collapseWhitespace(text)
}

// extractProducts pulls short heading and list-item lines off a products
// page, deduplicated, capped at maxProducts.
func extractProducts(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var products []string

	doc.Find("h1, h2, h3, li").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		line := collapseWhitespace(sel.Text())
		if len(line) < productMinLen || len(line) > productMaxLen {
			return true
		}
		key := strings.ToLower(line)
		if _, dup := seen[key]; dup {
			return true
		}
		seen[key] = struct{}{}
		products = append(products, line)
		return len(products) < maxProducts
	})

	return products
}

// findSubpages scans same-host links for about and products pages. The first
// folded-keyword match of each kind wins.
func findSubpages(doc *goquery.Document, base *url.URL) (aboutURL, productsURL string) {
	doc.Find("a[href]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
		href, _ := sel.Attr("href")
		resolved := resolveLink(base, href)
		if resolved == "" {
			return true
		}

		label := foldText(sel.Text() + " " + href)

		if aboutURL == "" && matchesAny(label, aboutKeywords) {
			aboutURL = resolved
		}
		if productsURL == "" && matchesAny(label, productKeywords) {
			productsURL = resolved
		}
		return aboutURL == "" || productsURL == ""
	})
	return aboutURL, productsURL
}

// resolveLink resolves href against base and keeps only http(s) links on the
// same host.
func resolveLink(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "tel:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	if !strings.EqualFold(resolved.Host, base.Host) {
		return ""
	}
	resolved.Fragment = ""
	return resolved.String()
}

func matchesAny(folded string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(folded, kw) {
			return true
		}
	}
	return false
}

// foldTransformer strips combining marks so "über" matches "uber" and
// "løsninger" comparisons work after the ø is left intact but lowered.
var foldTransformer = runes.Remove(runes.In(unicode.Mn))

// foldText lowercases and removes diacritics for keyword matching.
func foldText(s string) string {
	decomposed := norm.NFD.String(strings.ToLower(s))
	stripped := foldTransformer.String(decomposed)
	folded := norm.NFC.String(stripped)
	// Danish/Norwegian ø has no combining-mark decomposition.
	return strings.NewReplacer("ø", "o", "æ", "ae", "å", "a").Replace(folded)
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	cut := s[:limit]
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return cut
}
