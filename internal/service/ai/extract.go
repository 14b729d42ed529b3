package ai

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// extractor pulls the assistant text out of one response shape.
type extractor struct {
	name string
	path string
}

// extractors are tried in order; the first present, non-null value wins.
var extractors = []extractor{
	{name: "delta", path: "choices.0.delta.content"},
	{name: "message", path: "choices.0.message.content"},
	{name: "text", path: "choices.0.text"},
	{name: "content", path: "content"},
}

var roleEcho = regexp.MustCompile(`(?i)^\s*assistant[:\s-]*`)

// StripRoleEcho removes a leading "assistant" label some servers prepend.
func StripRoleEcho(text string) string {
	return roleEcho.ReplaceAllString(text, "")
}

// ExtractText returns the assistant text carried by a JSON payload. ok is
// false when no known shape is present.
func ExtractText(payload string) (text string, ok bool) {
	for _, ex := range extractors {
		res := gjson.Get(payload, ex.path)
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		return normalize(res), true
	}
	return "", false
}

// normalize turns a structured value into text: objects use their content
// field, content part arrays concatenate their text fields, anything else
// falls back to its compact JSON.
func normalize(res gjson.Result) string {
	switch {
	case res.Type == gjson.String:
		return res.String()
	case res.Type == gjson.False:
		return ""
	case res.Type == gjson.Number && res.Num == 0:
		return ""
	case res.IsObject():
		if content := res.Get("content"); truthy(content) {
			return normalize(content)
		}
		return compact(res.Raw)
	case res.IsArray():
		var sb strings.Builder
		found := false
		res.ForEach(func(_, part gjson.Result) bool {
			if t := part.Get("text"); t.Exists() {
				sb.WriteString(t.String())
				found = true
			}
			return true
		})
		if found {
			return sb.String()
		}
		return compact(res.Raw)
	default:
		return res.Raw
	}
}

func truthy(res gjson.Result) bool {
	switch res.Type {
	case gjson.Null, gjson.False:
		return false
	case gjson.String:
		return res.Str != ""
	case gjson.Number:
		return res.Num != 0
	}
	return res.Exists()
}

func compact(raw string) string {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return raw
	}
	return buf.String()
}
