package tools

import (
	"encoding/json"
	"regexp"
	"strings"
)

// extractJSON pretty-prints a JSON body; unparseable input passes through
// as raw text.
func extractJSON(body []byte) (string, string) {
	var data interface{}
	if err := json.Unmarshal(body, &data); err == nil {
		formatted, _ := json.MarshalIndent(data, "", "  ")
		return string(formatted), "json"
	}
	return string(body), "raw"
}

var (
	scriptRe       = regexp.MustCompile(`(?is)<script[\s\S]*?</script>`)
	styleRe        = regexp.MustCompile(`(?is)<style[\s\S]*?</style>`)
	commentRe      = regexp.MustCompile(`<!--[\s\S]*?-->`)
	navRe          = regexp.MustCompile(`(?is)<nav[\s\S]*?</nav>`)
	footerRe       = regexp.MustCompile(`(?is)<footer[\s\S]*?</footer>`)
	headerRe       = regexp.MustCompile(`(?is)<header[\s\S]*?</header>`)
	tagRe          = regexp.MustCompile(`<[^>]+>`)
	multiNewlineRe = regexp.MustCompile(`\n{3,}`)
	multiSpaceRe   = regexp.MustCompile(`[ \t]{2,}`)
)

// htmlPass rewrites one element kind into its markdown shape. Passes run
// in declaration order; pre/code must convert before the generic
// tag-strip eats their contents.
type htmlPass struct {
	re   *regexp.Regexp
	repl string
}

var markdownPasses = []htmlPass{
	{regexp.MustCompile(`(?i)<h1[^>]*>([\s\S]*?)</h1>`), "\n# $1\n"},
	{regexp.MustCompile(`(?i)<h2[^>]*>([\s\S]*?)</h2>`), "\n## $1\n"},
	{regexp.MustCompile(`(?i)<h3[^>]*>([\s\S]*?)</h3>`), "\n### $1\n"},
	{regexp.MustCompile(`(?i)<h4[^>]*>([\s\S]*?)</h4>`), "\n#### $1\n"},
	{regexp.MustCompile(`(?i)<h5[^>]*>([\s\S]*?)</h5>`), "\n##### $1\n"},
	{regexp.MustCompile(`(?i)<h6[^>]*>([\s\S]*?)</h6>`), "\n###### $1\n"},
	{regexp.MustCompile(`(?is)<pre[^>]*>([\s\S]*?)</pre>`), "\n```\n$1\n```\n"},
	{regexp.MustCompile(`(?i)<code[^>]*>([\s\S]*?)</code>`), "`$1`"},
}

var (
	blockquoteRe = regexp.MustCompile(`(?is)<blockquote[^>]*>([\s\S]*?)</blockquote>`)
	anchorRe     = regexp.MustCompile(`(?i)<a[^>]*href="([^"]*)"[^>]*>([\s\S]*?)</a>`)
	imageRe      = regexp.MustCompile(`(?i)<img[^>]*alt="([^"]*)"[^>]*/?>`)
	strongRe     = regexp.MustCompile(`(?i)<(?:strong|b)[^>]*>([\s\S]*?)</(?:strong|b)>`)
	emphasisRe   = regexp.MustCompile(`(?i)<(?:em|i)[^>]*>([\s\S]*?)</(?:em|i)>`)
	paragraphRe  = regexp.MustCompile(`(?i)<p[^>]*>([\s\S]*?)</p>`)
	lineBreakRe  = regexp.MustCompile(`(?i)<br\s*/?>`)
	listItemRe   = regexp.MustCompile(`(?i)<li[^>]*>([\s\S]*?)</li>`)
)

// htmlToMarkdown converts HTML to a markdown-like format. Regex passes,
// not a full parser; good enough for article-shaped pages.
func htmlToMarkdown(html string) string {
	s := stripNonContent(html, false)

	for _, p := range markdownPasses {
		s = p.re.ReplaceAllString(s, p.repl)
	}

	s = blockquoteRe.ReplaceAllStringFunc(s, func(match string) string {
		inner := blockquoteRe.FindStringSubmatch(match)
		if len(inner) < 2 {
			return match
		}
		var quoted []string
		for _, l := range strings.Split(strings.TrimSpace(inner[1]), "\n") {
			quoted = append(quoted, "> "+strings.TrimSpace(l))
		}
		return "\n" + strings.Join(quoted, "\n") + "\n"
	})

	s = anchorRe.ReplaceAllString(s, "[$2]($1)")
	s = imageRe.ReplaceAllString(s, "![$1]")
	s = strongRe.ReplaceAllString(s, "**$1**")
	s = emphasisRe.ReplaceAllString(s, "*$1*")
	s = paragraphRe.ReplaceAllString(s, "\n$1\n")
	s = lineBreakRe.ReplaceAllString(s, "\n")
	s = listItemRe.ReplaceAllString(s, "\n- $1")
	s = tagRe.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = multiNewlineRe.ReplaceAllString(s, "\n\n")
	s = multiSpaceRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// htmlToText extracts plain text from HTML content.
func htmlToText(html string) string {
	s := stripNonContent(html, true)

	s = paragraphRe.ReplaceAllString(s, "\n$1\n")
	s = lineBreakRe.ReplaceAllString(s, "\n")
	s = listItemRe.ReplaceAllString(s, "\n- $1")
	s = tagRe.ReplaceAllString(s, "")

	s = decodeHTMLEntities(s)
	s = multiSpaceRe.ReplaceAllString(s, " ")
	s = multiNewlineRe.ReplaceAllString(s, "\n\n")

	var clean []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			clean = append(clean, line)
		}
	}
	return strings.Join(clean, "\n")
}

// stripNonContent removes script, style, comment, nav, and footer blocks.
// Markdown mode keeps <header> since pages put titles there; text mode
// drops it.
func stripNonContent(s string, dropHeader bool) string {
	s = scriptRe.ReplaceAllString(s, "")
	s = styleRe.ReplaceAllString(s, "")
	s = commentRe.ReplaceAllString(s, "")
	s = navRe.ReplaceAllString(s, "")
	s = footerRe.ReplaceAllString(s, "")
	if dropHeader {
		s = headerRe.ReplaceAllString(s, "")
	}
	return s
}

var (
	mdHeadingRe = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdCodeRe    = regexp.MustCompile("`[^`]+`")
	mdLinkRe    = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	mdImageRe   = regexp.MustCompile(`!\[([^\]]*)\]\([^)]+\)`)
)

// markdownToText strips markdown formatting for text mode.
func markdownToText(md string) string {
	s := mdHeadingRe.ReplaceAllString(md, "")
	s = strings.ReplaceAll(s, "**", "")
	s = strings.ReplaceAll(s, "__", "")
	s = mdCodeRe.ReplaceAllStringFunc(s, func(m string) string {
		return strings.Trim(m, "`")
	})
	s = mdLinkRe.ReplaceAllString(s, "$1")
	s = mdImageRe.ReplaceAllString(s, "$1")
	s = multiNewlineRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// decodeHTMLEntities handles the entities that actually show up in
// fetched pages; anything rarer survives as-is.
func decodeHTMLEntities(s string) string {
	replacer := strings.NewReplacer(
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
		"&nbsp;", " ",
		"&mdash;", "—",
		"&ndash;", "–",
		"&laquo;", "«",
		"&raquo;", "»",
		"&bull;", "•",
		"&hellip;", "...",
		"&copy;", "(c)",
		"&reg;", "(R)",
		"&trade;", "(TM)",
	)
	return replacer.Replace(s)
}
