package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// Chat providers.
const (
	ProviderOpenAI = "openai"
	ProviderArk    = "ark"
)

// Config aggregates the service configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Log     LogConfig
	Chat    ChatConfig
	AI      AIConfig
	Import  ImportConfig
	Capture CaptureConfig
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	chat, err := loadChatConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	imp, err := loadImportConfig()
	if err != nil {
		return nil, err
	}

	capture, err := loadCaptureConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:  server,
		Storage: loadStorageConfig(),
		Log:     LogConfig{Level: strings.TrimSpace(os.Getenv("LOG_LEVEL"))},
		Chat:    chat,
		AI:      ai,
		Import:  imp,
		Capture: capture,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr string
}

func loadServerConfig() (ServerConfig, error) {
	port := strings.TrimSpace(os.Getenv("PORT"))
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// Accept ":8080" or "127.0.0.1:8080" as given.
		return ServerConfig{Addr: port}, nil
	}

	if strings.Contains(port, " ") {
		return ServerConfig{}, fmt.Errorf("invalid PORT value: %q", port)
	}

	return ServerConfig{Addr: ":" + port}, nil
}

// StorageConfig locates the metadata file and the blob database.
type StorageConfig struct {
	DataDir      string
	MetadataPath string
	BlobDBPath   string
}

func loadStorageConfig() StorageConfig {
	dir := getEnvOrDefault("DATA_DIR", "./data")
	return StorageConfig{
		DataDir:      dir,
		MetadataPath: getEnvOrDefault("METADATA_PATH", filepath.Join(dir, "metadata.json")),
		BlobDBPath:   getEnvOrDefault("BLOB_DB_PATH", filepath.Join(dir, "blobs.db")),
	}
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string
}

// ChatConfig describes the chat completions transport.
type ChatConfig struct {
	Provider       string
	HTTPTimeout    time.Duration
	FlushThreshold int
	MaxFrame       int
	HistoryLimit   int
}

func loadChatConfig() (ChatConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("CHAT_PROVIDER", ProviderOpenAI))
	if provider != ProviderOpenAI && provider != ProviderArk {
		return ChatConfig{}, fmt.Errorf("invalid CHAT_PROVIDER value %q: want %s or %s", provider, ProviderOpenAI, ProviderArk)
	}

	timeout, err := parseIntEnv("CHAT_HTTP_TIMEOUT", 0)
	if err != nil {
		return ChatConfig{}, err
	}
	flush, err := parseIntEnv("STREAM_FLUSH_THRESHOLD", 10000)
	if err != nil {
		return ChatConfig{}, err
	}
	maxFrame, err := parseIntEnv("STREAM_MAX_FRAME", 64<<10)
	if err != nil {
		return ChatConfig{}, err
	}
	history, err := parseIntEnv("HISTORY_LIMIT", 6)
	if err != nil {
		return ChatConfig{}, err
	}
	if timeout < 0 || flush <= 0 || maxFrame <= 0 || history < 0 {
		return ChatConfig{}, fmt.Errorf("chat limits must not be negative")
	}

	return ChatConfig{
		Provider:       provider,
		HTTPTimeout:    time.Duration(timeout) * time.Second,
		FlushThreshold: flush,
		MaxFrame:       maxFrame,
		HistoryLimit:   history,
	}, nil
}

// AIConfig describes the Ark model provider.
type AIConfig struct {
	APIKey         string
	AccessKey      string
	SecretKey      string
	Model          string
	BaseURL        string
	Region         string
	Temperature    *float64
	TopP           *float64
	MaxTokens      *int
	StreamResponse bool
}

// Enabled reports whether the required credentials are present.
func (c AIConfig) Enabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// NewChatModel creates an Ark chat model from the configuration.
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark credentials or model missing: set ARK_API_KEY and Model, or the AK/SK pair")
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	temperature, err := parseOptionalFloatEnv("ARK_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("ARK_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("ARK_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	stream, err := parseBoolEnv("ARK_STREAM", true)
	if err != nil {
		return AIConfig{}, err
	}

	return AIConfig{
		APIKey:         strings.TrimSpace(os.Getenv("ARK_API_KEY")),
		AccessKey:      strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY")),
		SecretKey:      strings.TrimSpace(os.Getenv("ARK_SECRET_KEY")),
		Model:          strings.TrimSpace(os.Getenv("Model")),
		BaseURL:        getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3"),
		Region:         getEnvOrDefault("ARK_REGION", "cn-beijing"),
		Temperature:    temperature,
		TopP:           topP,
		MaxTokens:      maxTokens,
		StreamResponse: stream,
	}, nil
}

// ImportConfig paces import blob writes.
type ImportConfig struct {
	WriteInterval time.Duration
}

func loadImportConfig() (ImportConfig, error) {
	ms, err := parseIntEnv("IMPORT_WRITE_INTERVAL_MS", 60)
	if err != nil {
		return ImportConfig{}, err
	}
	if ms < 0 {
		return ImportConfig{}, fmt.Errorf("invalid IMPORT_WRITE_INTERVAL_MS value %d: must not be negative", ms)
	}
	return ImportConfig{WriteInterval: time.Duration(ms) * time.Millisecond}, nil
}

// CaptureConfig drives the headless browser.
type CaptureConfig struct {
	Headless      bool
	Timeout       time.Duration
	MaxImageWidth int
	ControlURL    string
}

func loadCaptureConfig() (CaptureConfig, error) {
	headless, err := parseBoolEnv("CAPTURE_HEADLESS", true)
	if err != nil {
		return CaptureConfig{}, err
	}
	timeout, err := parseIntEnv("CAPTURE_TIMEOUT", 30)
	if err != nil {
		return CaptureConfig{}, err
	}
	width, err := parseIntEnv("CAPTURE_MAX_IMAGE_WIDTH", 1024)
	if err != nil {
		return CaptureConfig{}, err
	}
	if timeout <= 0 || width <= 0 {
		return CaptureConfig{}, fmt.Errorf("CAPTURE_TIMEOUT and CAPTURE_MAX_IMAGE_WIDTH must be positive")
	}
	return CaptureConfig{
		Headless:      headless,
		Timeout:       time.Duration(timeout) * time.Second,
		MaxImageWidth: width,
		ControlURL:    strings.TrimSpace(os.Getenv("CAPTURE_CONTROL_URL")),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

func parseIntEnv(key string, defaultValue int) (int, error) {
	val, err := parseOptionalIntEnv(key)
	if err != nil {
		return 0, err
	}
	if val == nil {
		return defaultValue, nil
	}
	return *val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
