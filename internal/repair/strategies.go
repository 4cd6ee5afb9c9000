package repair

import (
	"encoding/json"
	"regexp"
	"sort"
	"strings"
)

var fencePatterns = []*regexp.Regexp{
	regexp.MustCompile("(?s)```[ \\t]*(?:json|JSON|json5|javascript|js)?[ \\t]*\\r?\\n(.*?)```"),
	regexp.MustCompile("(?s)~~~[ \\t]*(?:json|JSON)?[ \\t]*\\r?\\n(.*?)~~~"),
	regexp.MustCompile("(?s)```[ \\t]*(?:json|JSON)?(.*?)```"),
	// unterminated fence, e.g. output cut before the closing marker
	regexp.MustCompile("(?s)```[ \\t]*(?:json|JSON)?[ \\t]*\\r?\\n(.*)$"),
}

var fenceLine = regexp.MustCompile("(?m)^[ \\t]*(?:```|~~~)[A-Za-z0-9_-]*[ \\t]*$")

var smartQuotes = strings.NewReplacer(
	"“", `"`, "”", `"`, "„", `"`, "‟", `"`, "″", `"`,
	"‘", "'", "’", "'", "‚", "'", "‛", "'",
)

func direct(text string) (any, bool) {
	return decode(text)
}

// fenced tries every fenced block, first as-is and then with comma repairs.
func fenced(text string) (any, bool) {
	for _, block := range fencedBlocks(text) {
		if v, ok := decode(block); ok {
			return v, true
		}
		if v, ok := decode(fixCommas(block)); ok {
			return v, true
		}
	}
	return nil, false
}

func commaRepair(text string) (any, bool) {
	return decode(fixCommas(text))
}

// braceCandidates tries every balanced top-level {...} region, longest first.
func braceCandidates(text string) (any, bool) {
	cands := topLevelObjects(text)
	sort.SliceStable(cands, func(i, j int) bool { return len(cands[i]) > len(cands[j]) })
	for _, c := range cands {
		if v, ok := decode(c); ok {
			return v, true
		}
	}
	return nil, false
}

func outerSlice(text string) (any, bool) {
	s, ok := outerBraces(text)
	if !ok {
		return nil, false
	}
	return decode(s)
}

func quoteNormalized(text string) (any, bool) {
	s, ok := outerBraces(smartQuotes.Replace(text))
	if !ok {
		return nil, false
	}
	if v, ok := decode(s); ok {
		return v, true
	}
	if strings.Contains(s, `\"`) {
		return decode(strings.ReplaceAll(s, `\"`, `"`))
	}
	return nil, false
}

func aggressive(text string) (any, bool) {
	s, ok := outerBraces(smartQuotes.Replace(stripFences(text)))
	if !ok {
		return nil, false
	}
	s = quoteBareValues(s)
	return decode(fixCommas(s))
}

func commentStripped(text string) (any, bool) {
	s, ok := outerBraces(stripFences(text))
	if !ok {
		return nil, false
	}
	s = stripComments(s)
	if v, ok := decode(s); ok {
		return v, true
	}
	return decode(fixCommas(s))
}

func fencedBlocks(text string) []string {
	var out []string
	seen := map[string]bool{}
	for _, re := range fencePatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			b := strings.TrimSpace(m[1])
			if b == "" || seen[b] {
				continue
			}
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}

func stripFences(text string) string {
	s := fenceLine.ReplaceAllString(text, "")
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```JSON", "")
	return strings.ReplaceAll(s, "```", "")
}

func outerBraces(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

func fixCommas(s string) string {
	return insertMissingCommas(removeTrailingCommas(s))
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// removeTrailingCommas drops commas that directly precede a closing brace or
// bracket. String literals are left untouched.
func removeTrailingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		if c == '"' {
			inStr = true
		}
		if c == ',' {
			j := i + 1
			for j < len(s) && isSpace(s[j]) {
				j++
			}
			if j < len(s) && (s[j] == '}' || s[j] == ']') {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

// insertMissingCommas adds a comma where a value is followed by the start of
// another value with only whitespace in between.
func insertMissingCommas(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 8)
	inStr, esc := false, false
	var prev byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
				prev = '"'
			}
			continue
		}
		if isSpace(c) {
			b.WriteByte(c)
			continue
		}
		if (c == '"' || c == '{' || c == '[') && endsValue(prev) {
			b.WriteByte(',')
		}
		b.WriteByte(c)
		if c == '"' {
			inStr = true
			continue
		}
		prev = c
	}
	return b.String()
}

func endsValue(c byte) bool {
	switch {
	case c == '}', c == ']', c == '"':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == 'e', c == 'l': // true, false, null
		return true
	}
	return false
}

// topLevelObjects returns every balanced {...} region that starts at brace
// depth zero. Regions nested inside an unterminated object are never returned.
func topLevelObjects(s string) []string {
	var out []string
	inStr, esc := false, false
	depth, start := 0, -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inStr = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 {
				out = append(out, s[start:i+1])
			}
		}
	}
	return out
}

// quoteBareValues wraps unquoted word values that follow a colon in quotes.
// Numbers and the literals true, false and null are kept as they are.
func quoteBareValues(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		b.WriteByte(c)
		if c == '"' {
			inStr = true
			continue
		}
		if c != ':' {
			continue
		}
		j := i + 1
		for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
			b.WriteByte(s[j])
			j++
		}
		if j >= len(s) || !isBareStart(s[j]) {
			i = j - 1
			continue
		}
		k := j
		for k < len(s) && s[k] != ',' && s[k] != '}' && s[k] != ']' && s[k] != '\n' {
			k++
		}
		word := strings.TrimSpace(s[j:k])
		switch word {
		case "true", "false", "null":
			b.WriteString(word)
		default:
			q, _ := json.Marshal(word)
			b.Write(q)
		}
		i = k - 1
	}
	return b.String()
}

func isBareStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// stripComments removes // line comments and /* block */ comments outside
// string literals.
func stripComments(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inStr, esc := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			b.WriteByte(c)
			switch {
			case esc:
				esc = false
			case c == '\\':
				esc = true
			case c == '"':
				inStr = false
			}
			continue
		}
		if c == '/' && i+1 < len(s) {
			switch s[i+1] {
			case '/':
				for i < len(s) && s[i] != '\n' {
					i++
				}
				if i < len(s) {
					b.WriteByte('\n')
				}
				continue
			case '*':
				end := strings.Index(s[i+2:], "*/")
				if end < 0 {
					i = len(s)
					continue
				}
				i = i + 2 + end + 1
				continue
			}
		}
		if c == '"' {
			inStr = true
		}
		b.WriteByte(c)
	}
	return b.String()
}
