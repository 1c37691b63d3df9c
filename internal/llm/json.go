package llm

import (
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"
)

// ParseJSONObject decodes a model reply into v. The reply must be one
// complete JSON object, optionally inside a ```json fence; anything else is a
// MalformedResponseError.
func ParseJSONObject(provider, text string, v any) error {
	body := stripFence(strings.TrimSpace(text))
	if body == "" {
		return &MalformedResponseError{Provider: provider, Body: text, Err: eris.New("empty body")}
	}
	if !strings.HasPrefix(body, "{") || !strings.HasSuffix(body, "}") {
		return &MalformedResponseError{Provider: provider, Body: text, Err: eris.New("not a complete JSON object")}
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return &MalformedResponseError{Provider: provider, Body: text, Err: err}
	}
	return nil
}

// IsEmptyObject reports whether the reply is the bare "{}" used to mean
// "nothing qualifies".
func IsEmptyObject(text string) bool {
	body := strings.Join(strings.Fields(stripFence(strings.TrimSpace(text))), "")
	return body == "{}"
}

func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
