// Package directives strips inline /think and /verbose controls from user
// text and reports the effective per-turn levels.
package directives

import (
	"regexp"
	"strings"
)

// Result is the outcome of parsing one message.
type Result struct {
	CleanText     string
	ThinkLevel    string // "off", "low", "medium", "high", "ultra"; "" when absent
	VerboseLevel  string // "on", "off"; "" when absent
	HasDirectives bool
}

// Directive name, then either a colon or whitespace, then a known argument.
// Only known arguments match; an unknown argument leaves the directive in
// the text untouched.
var (
	thinkRe = regexp.MustCompile(`(?i)(^|\s)/(?:thinking|think|t)(?::\s*|\s+)(off|minimal|min|low|think-hard|thinkharder|thinkhard|medium|mid|med|high|ultrathink|ultra|max)\b`)

	verboseRe = regexp.MustCompile(`(?i)(^|\s)/(?:verbose|v)(?::\s*|\s+)(on|off|true|false|yes|no|0|1|full)\b`)

	spaceRunRe = regexp.MustCompile(`[ \t]{2,}`)
)

var thinkLevels = map[string]string{
	"off":         "off",
	"min":         "low",
	"minimal":     "low",
	"low":         "low",
	"thinkhard":   "medium",
	"think-hard":  "medium",
	"medium":      "medium",
	"mid":         "medium",
	"med":         "medium",
	"thinkharder": "high",
	"high":        "high",
	"ultra":       "ultra",
	"ultrathink":  "ultra",
	"max":         "ultra",
}

var verboseLevels = map[string]string{
	"on":    "on",
	"true":  "on",
	"yes":   "on",
	"1":     "on",
	"full":  "on",
	"off":   "off",
	"false": "off",
	"no":    "off",
	"0":     "off",
}

// NormalizeThinkToken canonicalizes a bare thinking-level token.
func NormalizeThinkToken(tok string) (string, bool) {
	level, ok := thinkLevels[strings.ToLower(strings.TrimSpace(tok))]
	return level, ok
}

// NormalizeVerboseToken canonicalizes a bare verbose token.
func NormalizeVerboseToken(tok string) (string, bool) {
	level, ok := verboseLevels[strings.ToLower(strings.TrimSpace(tok))]
	return level, ok
}

// Parse strips at most one /think and one /verbose directive from text.
// It never fails; text without directives passes through with whitespace
// runs collapsed.
func Parse(text string) Result {
	res := Result{}

	cleaned, arg, found := stripFirst(text, thinkRe)
	if found {
		res.ThinkLevel = thinkLevels[arg]
		res.HasDirectives = true
		text = cleaned
	}

	cleaned, arg, found = stripFirst(text, verboseRe)
	if found {
		res.VerboseLevel = verboseLevels[arg]
		res.HasDirectives = true
		text = cleaned
	}

	res.CleanText = strings.TrimSpace(spaceRunRe.ReplaceAllString(text, " "))
	return res
}

// stripFirst removes the first match of re from text, preserving the
// leading boundary character, and returns the lowercased argument.
func stripFirst(text string, re *regexp.Regexp) (cleaned, arg string, found bool) {
	m := re.FindStringSubmatchIndex(text)
	if m == nil {
		return text, "", false
	}
	arg = strings.ToLower(text[m[4]:m[5]])
	cleaned = text[:m[0]] + text[m[2]:m[3]] + text[m[1]:]
	return cleaned, arg, true
}
