// Package loosejson decodes the almost-JSON result strings the workflow
// engine sends: single-quoted keys and values, unescaped double quotes
// inside values, Python literals, or truncated objects.
package loosejson

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Stage reports which step of the decoding chain produced the result.
type Stage int

const (
	StageEmpty Stage = iota
	StageStrict
	StageRepaired
	StageExtracted
	StageRaw
)

func (s Stage) String() string {
	switch s {
	case StageStrict:
		return "strict"
	case StageRepaired:
		return "repaired"
	case StageExtracted:
		return "extracted"
	case StageRaw:
		return "raw"
	default:
		return "empty"
	}
}

// Result is the outcome of Parse. When OK is false, Fields holds whatever
// could be extracted and ErrorMessage is the best-effort failure reason.
type Result struct {
	OK           bool
	Fields       map[string]interface{}
	ErrorMessage string
	Stage        Stage
}

// Parse decodes s by trying, in order: strict JSON, quote repair, field
// extraction, and finally treating all of s as the error message. It never
// fails.
func Parse(s string) Result {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Result{Fields: map[string]interface{}{}, Stage: StageEmpty}
	}

	if fields, ok := decodeObject(trimmed); ok {
		return Result{OK: true, Fields: fields, ErrorMessage: stringField(fields, "error_message"), Stage: StageStrict}
	}

	if fields, ok := decodeObject(Repair(trimmed)); ok {
		return Result{OK: true, Fields: fields, ErrorMessage: stringField(fields, "error_message"), Stage: StageRepaired}
	}

	fields := map[string]interface{}{}
	if msg, ok := ExtractString(trimmed, "error_message"); ok {
		fields["error_message"] = msg
		if code, ok := ExtractString(trimmed, "error_code"); ok {
			fields["error_code"] = code
		}
		if v, ok := extractBool(trimmed, "ok"); ok {
			fields["ok"] = v
		}
		return Result{Fields: fields, ErrorMessage: msg, Stage: StageExtracted}
	}

	return Result{Fields: fields, ErrorMessage: trimmed, Stage: StageRaw}
}

func decodeObject(s string) (map[string]interface{}, bool) {
	var fields map[string]interface{}
	if err := json.Unmarshal([]byte(s), &fields); err != nil || fields == nil {
		return nil, false
	}
	return fields, true
}

func stringField(fields map[string]interface{}, key string) string {
	switch v := fields[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Repair rewrites single-quoted strings as double-quoted ones, escapes stray
// double quotes inside values and maps Python literals to JSON. A string
// closes at the first matching quote followed (after optional whitespace) by
// ',', ':', '}', ']' or the end of input, so values may contain raw quotes.
func Repair(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)

	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == '\'' || c == '"':
			end := closingQuote(s, i+1, c)
			b.WriteByte('"')
			writeEscaped(&b, s[i+1:end])
			b.WriteByte('"')
			i = end + 1
		case isWordByte(c):
			j := i
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			switch word := s[i:j]; word {
			case "True":
				b.WriteString("true")
			case "False":
				b.WriteString("false")
			case "None":
				b.WriteString("null")
			default:
				if isBareKey(s, j) {
					b.WriteByte('"')
					b.WriteString(word)
					b.WriteByte('"')
				} else {
					b.WriteString(word)
				}
			}
			i = j
		default:
			b.WriteByte(c)
			i++
		}
	}
	return b.String()
}

// closingQuote returns the index of the quote that closes a string opened
// just before from, or len(s) when the string is unterminated.
func closingQuote(s string, from int, quote byte) int {
	for j := from; j < len(s); j++ {
		switch s[j] {
		case '\\':
			j++
		case quote:
			if endsValue(s, j+1) {
				return j
			}
		}
	}
	return len(s)
}

func endsValue(s string, k int) bool {
	for k < len(s) && isSpace(s[k]) {
		k++
	}
	if k == len(s) {
		return true
	}
	switch s[k] {
	case ',', ':', '}', ']':
		return true
	}
	return false
}

// isBareKey reports whether the word ending at k is an unquoted object key.
func isBareKey(s string, k int) bool {
	for k < len(s) && isSpace(s[k]) {
		k++
	}
	return k < len(s) && s[k] == ':'
}

func writeEscaped(b *strings.Builder, content string) {
	for k := 0; k < len(content); k++ {
		ch := content[k]
		switch {
		case ch == '\\' && k+1 < len(content):
			next := content[k+1]
			switch next {
			case '\'':
				b.WriteByte('\'')
			case '"', '\\', '/', 'b', 'f', 'n', 'r', 't', 'u':
				b.WriteByte('\\')
				b.WriteByte(next)
			default:
				b.WriteString(`\\`)
				b.WriteByte(next)
			}
			k++
		case ch == '\\':
			b.WriteString(`\\`)
		case ch == '"':
			b.WriteString(`\"`)
		case ch == '\n':
			b.WriteString(`\n`)
		case ch == '\r':
			b.WriteString(`\r`)
		case ch == '\t':
			b.WriteString(`\t`)
		case ch < 0x20:
			fmt.Fprintf(b, `\u%04x`, ch)
		default:
			b.WriteByte(ch)
		}
	}
}

// ExtractString pulls a single string-valued field out of text that could
// not be decoded as a whole. Quoted values use the same closing rule as
// Repair; bare values run to the next ',' or '}'.
func ExtractString(s, key string) (string, bool) {
	loc := keyPattern(key).FindStringIndex(s)
	if loc == nil {
		return "", false
	}
	pos := loc[1]
	if pos >= len(s) {
		return "", false
	}

	if q := s[pos]; q == '\'' || q == '"' {
		end := closingQuote(s, pos+1, q)
		return unescape(s[pos+1 : end]), true
	}

	end := strings.IndexAny(s[pos:], ",}")
	if end < 0 {
		end = len(s) - pos
	}
	raw := strings.TrimSpace(s[pos : pos+end])
	switch raw {
	case "", "null", "None":
		return "", false
	}
	return raw, true
}

func extractBool(s, key string) (bool, bool) {
	loc := keyPattern(key).FindStringIndex(s)
	if loc == nil {
		return false, false
	}
	rest := s[loc[1]:]
	switch {
	case strings.HasPrefix(rest, "true"), strings.HasPrefix(rest, "True"):
		return true, true
	case strings.HasPrefix(rest, "false"), strings.HasPrefix(rest, "False"):
		return false, true
	}
	return false, false
}

func keyPattern(key string) *regexp.Regexp {
	return regexp.MustCompile(`(?:^|[{,\s])["']?` + regexp.QuoteMeta(key) + `["']?\s*:\s*`)
}

func unescape(s string) string {
	r := strings.NewReplacer(`\"`, `"`, `\'`, `'`, `\\`, `\`, `\n`, "\n", `\t`, "\t")
	return r.Replace(s)
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
