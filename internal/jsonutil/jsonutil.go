// Package jsonutil provides tolerant JSON helpers: multi-alias field
// lookup (a server event may carry "guid", "id" or "responseGuid" for
// the same concept), used by the SSE decoder, and a best-effort fixer
// for slightly malformed JSON.
package jsonutil

import (
	"bytes"

	"github.com/tidwall/gjson"
)

// FirstField returns the first non-empty string value found at any of
// the given top-level-or-nested field names, searched in alias order.
// This grounds spec.md §4.D's "any of {guid, id, message_guid, ...}
// yields an id" rule.
func FirstField(raw string, aliases ...string) (value string, found bool) {
	result := gjson.Parse(raw)
	for _, alias := range aliases {
		if v := result.Get(alias); v.Exists() && v.String() != "" {
			return v.String(), true
		}
	}
	// Fall back to a recursive walk for aliases nested under unknown
	// parents (e.g. processing_content[].event_status).
	for _, alias := range aliases {
		var paths []string
		Walk(result, "", alias, &paths)
		for _, p := range paths {
			if v := gjson.Get(raw, p); v.Exists() && v.String() != "" {
				return v.String(), true
			}
		}
	}
	return "", false
}

// Walk recursively collects every path at which a field named `field`
// appears in a parsed JSON document.
func Walk(value gjson.Result, path, field string, paths *[]string) {
	if value.Type != gjson.JSON {
		return
	}
	value.ForEach(func(key, val gjson.Result) bool {
		childPath := key.String()
		if path != "" {
			childPath = path + "." + childPath
		}
		if key.String() == field {
			*paths = append(*paths, childPath)
		}
		Walk(val, childPath, field, paths)
		return true
	})
}

// FixSingleQuotedStrings converts a non-standard JSON document that uses
// single quotes for strings into RFC 8259-compliant double-quoted JSON.
// Nothing in this module calls it; the SSE decoder handles a data
// segment that is not valid JSON with its regex fallback instead.
func FixSingleQuotedStrings(input string) string {
	var out bytes.Buffer

	inDouble := false
	inSingle := false
	escaped := false

	writeConverted := func(r rune) {
		if r == '"' {
			out.WriteByte('\\')
			out.WriteByte('"')
			return
		}
		out.WriteRune(r)
	}

	runes := []rune(input)
	for i := 0; i < len(runes); i++ {
		r := runes[i]

		if inDouble {
			out.WriteRune(r)
			if escaped {
				escaped = false
				continue
			}
			if r == '\\' {
				escaped = true
				continue
			}
			if r == '"' {
				inDouble = false
			}
			continue
		}

		if inSingle {
			if escaped {
				escaped = false
				switch r {
				case 'n', 'r', 't', 'b', 'f', '/', '"':
					out.WriteByte('\\')
					out.WriteRune(r)
				case '\\':
					out.WriteByte('\\')
					out.WriteByte('\\')
				case '\'':
					out.WriteRune('\'')
				case 'u':
					out.WriteByte('\\')
					out.WriteByte('u')
					for k := 0; k < 4 && i+1 < len(runes); k++ {
						peek := runes[i+1]
						if isHex(peek) {
							out.WriteRune(peek)
							i++
						} else {
							break
						}
					}
				default:
					out.WriteByte('\\')
					out.WriteRune(r)
				}
				continue
			}
			if r == '\\' {
				escaped = true
				continue
			}
			if r == '\'' {
				out.WriteByte('"')
				inSingle = false
				continue
			}
			writeConverted(r)
			continue
		}

		switch r {
		case '"':
			inDouble = true
			out.WriteRune(r)
		case '\'':
			inSingle = true
			out.WriteByte('"')
		default:
			out.WriteRune(r)
		}
	}

	if inSingle {
		out.WriteByte('"')
	}
	return out.String()
}

func isHex(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}
