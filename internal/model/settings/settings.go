package settings

import (
	"encoding/json"
	"strings"
)

const (
	DefaultModel       = "gpt-4o-mini-vision"
	DefaultTemperature = 0.7
	DefaultTopP        = 0.9
	DefaultAPIKey      = "llama.cpp"
	DefaultMaxTokens   = 8192
	DefaultMaxImages   = 6
)

// Settings is the flat endpoint configuration kept next to persona metadata.
// JSON keys match the storage keys used by existing exports.
type Settings struct {
	APIURL      string  `json:"openai_api_url"`
	Model       string  `json:"openai_api_model"`
	Temperature float64 `json:"openai_api_temp"`
	TopP        float64 `json:"openai_api_topp"`
	APIKey      string  `json:"openai_api_key"`
	MaxTokens   int     `json:"openai_api_token"`
	MaxImages   int     `json:"openai_api_img"`
}

// Defaults returns the settings of a fresh installation.
func Defaults() Settings {
	return Settings{
		Model:       DefaultModel,
		Temperature: DefaultTemperature,
		TopP:        DefaultTopP,
		APIKey:      DefaultAPIKey,
		MaxTokens:   DefaultMaxTokens,
		MaxImages:   DefaultMaxImages,
	}
}

// UnmarshalJSON decodes over Defaults, so absent keys keep their default
// while explicit zeros are preserved.
func (s *Settings) UnmarshalJSON(data []byte) error {
	type plain Settings
	decoded := plain(Defaults())
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*s = Settings(decoded)
	return nil
}

// WithDefaults fills empty strings and non-positive counts with their
// defaults. A zero temperature or top_p is a valid choice and is kept; only
// negative values are replaced.
func (s Settings) WithDefaults() Settings {
	d := Defaults()
	s.APIURL = strings.TrimSpace(s.APIURL)
	if strings.TrimSpace(s.Model) == "" {
		s.Model = d.Model
	}
	if s.Temperature < 0 {
		s.Temperature = d.Temperature
	}
	if s.TopP < 0 {
		s.TopP = d.TopP
	}
	if strings.TrimSpace(s.APIKey) == "" {
		s.APIKey = d.APIKey
	}
	if s.MaxTokens <= 0 {
		s.MaxTokens = d.MaxTokens
	}
	if s.MaxImages <= 0 {
		s.MaxImages = d.MaxImages
	}
	return s
}

// Endpoint returns the chat completions URL derived from APIURL.
func (s Settings) Endpoint() string {
	return strings.TrimRight(strings.TrimSpace(s.APIURL), "/") + "/v1/chat/completions"
}
