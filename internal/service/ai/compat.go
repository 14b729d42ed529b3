package ai

import (
	"regexp"
	"sync"
)

// compatSignatures recognize 400 bodies from servers that reject the classic
// sampling parameters (newer reasoning models behind OpenAI compatible APIs).
var compatSignatures = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Unsupported parameter:\s*'max_tokens'`),
	regexp.MustCompile(`(?i)Unsupported parameter:\s*'top_p'`),
	regexp.MustCompile(`(?i)Unsupported value:\s*'temperature'`),
	regexp.MustCompile(`(?i)does not support .*temperature`),
}

func needsCompat(body string) bool {
	for _, sig := range compatSignatures {
		if sig.MatchString(body) {
			return true
		}
	}
	return false
}

// requestBody is the chat completions payload. Exactly one of MaxTokens and
// MaxCompletionTokens is set.
type requestBody struct {
	Model               string    `json:"model"`
	Messages            []Message `json:"messages"`
	Stream              bool      `json:"stream"`
	MaxTokens           *int      `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int      `json:"max_completion_tokens,omitempty"`
	Temperature         *float64  `json:"temperature,omitempty"`
	TopP                *float64  `json:"top_p,omitempty"`
}

// compatible returns the body in the shape accepted by servers that only
// take max_completion_tokens, no top_p and the default temperature.
func (b requestBody) compatible() requestBody {
	if b.MaxTokens != nil {
		b.MaxCompletionTokens = b.MaxTokens
		b.MaxTokens = nil
	}
	b.TopP = nil
	if b.Temperature != nil {
		one := 1.0
		b.Temperature = &one
	}
	return b
}

// compatTable remembers, per endpoint, that the compatible shape is needed.
// Entries live as long as the owning Client.
type compatTable struct {
	mu        sync.RWMutex
	endpoints map[string]bool
}

func newCompatTable() *compatTable {
	return &compatTable{endpoints: make(map[string]bool)}
}

func (t *compatTable) enabled(endpoint string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.endpoints[endpoint]
}

func (t *compatTable) enable(endpoint string) {
	t.mu.Lock()
	t.endpoints[endpoint] = true
	t.mu.Unlock()
}
