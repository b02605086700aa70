package research

import (
	"net/url"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseDoc(t *testing.T, html string) *goquery.Document {
	t.Helper()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	require.NoError(t, err)
	return doc
}

func TestFoldText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Über uns", "uber uns"},
		{"À propos", "a propos"},
		{"Løsninger", "losninger"},
		{"Ydelser", "ydelser"},
		{"OM OSS", "om oss"},
		{"Tietoa meistä", "tietoa meista"},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, foldText(tt.in), tt.in)
	}
}

func TestFindSubpages_LocalizedLabels(t *testing.T) {
	base, _ := url.Parse("https://example.dk")
	doc := parseDoc(t, `<html><body>
		<a href="/om-os">Om os</a>
		<a href="/ydelser">Ydelser</a>
		<a href="https://other.example.com/about">About</a>
	</body></html>`)

	about, products := findSubpages(doc, base)
	assert.Equal(t, "https://example.dk/om-os", about)
	assert.Equal(t, "https://example.dk/ydelser", products)
}

func TestFindSubpages_GermanDiacritics(t *testing.T) {
	base, _ := url.Parse("https://example.de")
	doc := parseDoc(t, `<html><body>
		<a href="/ueber">Über uns</a>
		<a href="/leistungen">Leistungen</a>
	</body></html>`)

	about, products := findSubpages(doc, base)
	assert.Equal(t, "https://example.de/ueber", about)
	assert.Equal(t, "https://example.de/leistungen", products)
}

func TestFindSubpages_HrefKeywordMatch(t *testing.T) {
	// Matches on the href path when the link text is unhelpful.
	base, _ := url.Parse("https://example.com")
	doc := parseDoc(t, `<html><body>
		<a href="/about-us">Learn more</a>
	</body></html>`)

	about, products := findSubpages(doc, base)
	assert.Equal(t, "https://example.com/about-us", about)
	assert.Empty(t, products)
}

func TestFindSubpages_FirstMatchWins(t *testing.T) {
	base, _ := url.Parse("https://example.com")
	doc := parseDoc(t, `<html><body>
		<a href="/about">About</a>
		<a href="/company">About the company</a>
	</body></html>`)

	about, _ := findSubpages(doc, base)
	assert.Equal(t, "https://example.com/about", about)
}

func TestFindSubpages_IgnoresOffHostAndNonHTTP(t *testing.T) {
	base, _ := url.Parse("https://example.com")
	doc := parseDoc(t, `<html><body>
		<a href="mailto:info@example.com">About us by mail</a>
		<a href="tel:+4512345678">Products hotline</a>
		<a href="#about">About anchor</a>
		<a href="https://cdn.example.net/products">Products elsewhere</a>
	</body></html>`)

	about, products := findSubpages(doc, base)
	assert.Empty(t, about)
	assert.Empty(t, products)
}

func TestExtractText_StripsChrome(t *testing.T) {
	doc := parseDoc(t, `<html><head>
		<script>analytics()</script>
		<style>.x{}</style>
	</head><body>
		<nav>Home About Contact</nav>
		<header>Big banner</header>
		<p>Visible   content
		here.</p>
		<form><input name="q"></form>
		<footer>Legal stuff</footer>
		<noscript>Enable JS</noscript>
	</body></html>`)

	text := extractText(doc)
	assert.Equal(t, "Visible content here.", text)
}

func TestExtractProducts(t *testing.T) {
	doc := parseDoc(t, `<html><body>
		<h1>Our products</h1>
		<h2>Ball valves</h2>
		<h2>Ball valves</h2>
		<li>Custom fittings</li>
		<li>ab</li>
	</body></html>`)

	products := extractProducts(doc)
	assert.Equal(t, []string{"Our products", "Ball valves", "Custom fittings"}, products)
}

func TestExtractProducts_Cap(t *testing.T) {
	var b strings.Builder
	b.WriteString("<html><body>")
	for i := 0; i < 30; i++ {
		b.WriteString("<li>Product line ")
		b.WriteByte(byte('A' + i))
		b.WriteString("</li>")
	}
	b.WriteString("</body></html>")

	products := extractProducts(parseDoc(t, b.String()))
	assert.Len(t, products, maxProducts)
}

func TestNormalizeURL(t *testing.T) {
	u, err := normalizeURL("example.com")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", u.String())

	u, err = normalizeURL("http://example.com/path")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/path", u.String())

	_, err = normalizeURL("")
	assert.Error(t, err)

	_, err = normalizeURL("https://")
	assert.Error(t, err)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 100))

	long := strings.Repeat("word ", 100)
	out := truncate(long, 52)
	assert.LessOrEqual(t, len(out), 52)
	// Cuts on a word boundary.
	assert.False(t, strings.HasSuffix(out, "wor"))
}

func TestTruncate_NeverSplitsRunes(t *testing.T) {
	// No spaces, all two-byte runes: an odd byte limit would land mid-rune.
	long := strings.Repeat("æ", 100)
	for _, limit := range []int{25, 50, 51, 199} {
		out := truncate(long, limit)
		assert.True(t, utf8.ValidString(out), "limit %d", limit)
		assert.LessOrEqual(t, len(out), limit)
	}

	// Word-boundary path stays valid too.
	mixed := strings.Repeat("løsninger og ydelser ", 20)
	out := truncate(mixed, 47)
	assert.True(t, utf8.ValidString(out))
}
