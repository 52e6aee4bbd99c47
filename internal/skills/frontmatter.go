package skills

import "strings"

// parseSkill extracts the frontmatter block between the leading "---" pair.
// It understands the flat subset the skill format uses: scalar fields plus
// dotted metadata keys and inline [a, b] lists. Returns ok=false when the
// document has no frontmatter at all.
func parseSkill(doc string) (Skill, bool) {
	body, ok := frontmatterBlock(doc)
	if !ok {
		return Skill{}, false
	}

	var sk Skill
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		key, value, found := strings.Cut(trimmed, ":")
		if !found {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch strings.ToLower(key) {
		case "name":
			sk.Name = unquote(value)
		case "description":
			sk.Description = unquote(value)
		case "metadata.openclaw.os", "metadata.clawdbot.os", "os":
			sk.OS = parseList(value)
		case "metadata.openclaw.requires.bins", "metadata.clawdbot.requires.bins", "requires.bins":
			sk.RequiredBins = parseList(value)
		case "metadata.openclaw.requires.env", "metadata.clawdbot.requires.env", "requires.env":
			sk.RequiredEnv = parseList(value)
		case "metadata.openclaw.primaryenv", "metadata.clawdbot.primaryenv", "primaryenv", "primary_env":
			sk.PrimaryEnv = unquote(value)
		}
	}

	// A single required env var doubles as the apiKey target when the skill
	// doesn't name one explicitly.
	if sk.PrimaryEnv == "" && len(sk.RequiredEnv) == 1 {
		sk.PrimaryEnv = sk.RequiredEnv[0]
	}
	return sk, true
}

func frontmatterBlock(doc string) (string, bool) {
	rest, ok := strings.CutPrefix(doc, "---")
	if !ok {
		return "", false
	}
	rest = strings.TrimPrefix(rest, "\r")
	rest, ok = strings.CutPrefix(rest, "\n")
	if !ok {
		return "", false
	}
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return "", false
	}
	return rest[:end], true
}

func parseList(value string) []string {
	value = strings.TrimSpace(value)
	value = strings.TrimPrefix(value, "[")
	value = strings.TrimSuffix(value, "]")
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = unquote(strings.TrimSpace(p))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
