package schema

import "strings"

// NormalizeStartupCommands turns literal "\n" sequences typed into settings
// into real newlines.
func NormalizeStartupCommands(value string) string {
	if value == "" {
		return value
	}
	return strings.ReplaceAll(value, `\n`, "\n")
}

// ConcatMultiline joins a nbformat multiline string (string or list of
// strings) into one string.
func ConcatMultiline(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case []string:
		return strings.Join(v, "")
	case []any:
		var b strings.Builder
		for _, part := range v {
			if s, ok := part.(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	default:
		return ""
	}
}
