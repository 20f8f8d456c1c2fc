package util

import (
	"strconv"
	"strings"
)

// TruncateString shortens s to at most maxLen runes, appending "..." when cut.
// With preserveWords the cut moves back to the last whitespace if there is one.
func TruncateString(s string, maxLen int, preserveWords bool) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."[:maxLen]
	}
	cut := maxLen - 3
	if preserveWords {
		for i := cut - 1; i > 0; i-- {
			if runes[i] == ' ' || runes[i] == '\t' || runes[i] == '\n' {
				cut = i
				break
			}
		}
	}
	return string(runes[:cut]) + "..."
}

// ExtractJSONObject returns the first balanced {...} block in s, or "" when none.
// Model replies often wrap JSON in prose or code fences.
func ExtractJSONObject(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// ParseScore extracts a 0..1 score from free-form text. Values in (1, 10] are
// read as a ten-point scale, values in (10, 100] as percentages.
func ParseScore(text string) (float64, bool) {
	var last float64
	found := false
	for _, field := range strings.Fields(text) {
		token := strings.Trim(field, ".,!?:;()[]\"'%")
		if token == "" {
			continue
		}
		if idx := strings.IndexByte(token, '/'); idx > 0 {
			token = token[:idx]
		}
		v, err := strconv.ParseFloat(token, 64)
		if err != nil {
			continue
		}
		last, found = v, true
	}
	if !found {
		return 0, false
	}
	return ClampScore(NormalizeScore(last)), true
}

// NormalizeScore maps ten-point and percentage scales onto 0..1.
func NormalizeScore(v float64) float64 {
	switch {
	case v > 10:
		return v / 100
	case v > 1:
		return v / 10
	default:
		return v
	}
}

// ClampScore bounds v to [0, 1].
func ClampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
