package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is read once from the environment after godotenv.Load.
type Config struct {
	Port        string
	Environment string
	AppHostname string

	RelayDevURL  string
	RelayProdURL string
	// RelayAllowlist mirrors the relay's own RELAY_ALLOWLIST; empty means the
	// relay's default hosts.
	RelayAllowlist []string

	SQLitePath  string
	PostgresURL string

	DashScopeAPIKey  string
	DashScopeBaseURL string
	ASRModel         string
	ASRMaxAttempts   int
	ASRPollInterval  time.Duration

	LLMProvider   string
	LLMGatewayURL string
	LLMAPIKey     string
	LLMModel      string
	VertexProject string
	VertexRegion  string

	FeishuEndpoint    string
	FeishuAppID       string
	FeishuAppSecret   string
	FeishuAppToken    string
	FeishuTableID     string
	FeishuAccessToken string

	UploadBackends      []string
	GCSUploadBucket     string
	UploadRetryInterval time.Duration

	DemoDatasetPath string

	MockTranscribe bool
	MockLLM        bool
}

func Load() *Config {
	return &Config{
		Port:        envOr("PORT", "8080"),
		Environment: envOr("ENVIRONMENT", "local"),
		AppHostname: envOr("APP_HOSTNAME", "localhost"),

		RelayDevURL:  envOr("RELAY_DEV_URL", "http://localhost:3001"),
		RelayProdURL: os.Getenv("RELAY_PROD_URL"),

		RelayAllowlist: SplitList(os.Getenv("RELAY_ALLOWLIST")),

		SQLitePath:  envOr("SQLITE_PATH", "voicememo.db"),
		PostgresURL: os.Getenv("POSTGRES_URL"),

		DashScopeAPIKey:  os.Getenv("DASHSCOPE_API_KEY"),
		DashScopeBaseURL: envOr("DASHSCOPE_BASE_URL", "https://dashscope.aliyuncs.com/api/v1"),
		ASRModel:         envOr("ASR_MODEL", "paraformer-v2"),
		ASRMaxAttempts:   envInt("ASR_MAX_ATTEMPTS", 60),
		ASRPollInterval:  time.Duration(envInt("ASR_POLL_INTERVAL_MS", 2000)) * time.Millisecond,

		LLMProvider:   envOr("LLM_PROVIDER", "gateway"),
		LLMGatewayURL: envOr("LLM_GATEWAY_URL", "https://api.302.ai/v1/chat/completions"),
		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		LLMModel:      envOr("LLM_MODEL", "gemini-2.5-flash"),
		VertexProject: os.Getenv("VERTEX_PROJECT"),
		VertexRegion:  envOr("VERTEX_REGION", "us-central1"),

		FeishuEndpoint:    envOr("FEISHU_ENDPOINT", "https://open.feishu.cn/open-apis"),
		FeishuAppID:       os.Getenv("FEISHU_APP_ID"),
		FeishuAppSecret:   os.Getenv("FEISHU_APP_SECRET"),
		FeishuAppToken:    os.Getenv("FEISHU_APP_TOKEN"),
		FeishuTableID:     os.Getenv("FEISHU_TABLE_ID"),
		FeishuAccessToken: os.Getenv("FEISHU_ACCESS_TOKEN"),

		UploadBackends:      SplitList(os.Getenv("UPLOAD_BACKENDS")),
		GCSUploadBucket:     os.Getenv("GCS_UPLOAD_BUCKET"),
		UploadRetryInterval: envDuration("UPLOAD_RETRY_INTERVAL", 10*time.Minute),

		DemoDatasetPath: os.Getenv("DEMO_DATASET_PATH"),

		MockTranscribe: os.Getenv("USE_MOCK_TRANSCRIBE") == "true",
		MockLLM:        os.Getenv("USE_MOCK_LLM") == "true",
	}
}

// Validate reports settings that cannot work at all. Missing credentials are
// not errors: those components fall back to mock responses.
func (c *Config) Validate() error {
	var problems []error
	if c.SQLitePath == "" {
		problems = append(problems, errors.New("SQLITE_PATH is empty"))
	}
	if c.ASRMaxAttempts <= 0 {
		problems = append(problems, errors.New("ASR_MAX_ATTEMPTS must be positive"))
	}
	if c.ASRPollInterval <= 0 {
		problems = append(problems, errors.New("ASR_POLL_INTERVAL_MS must be positive"))
	}
	if c.UploadRetryInterval <= 0 {
		problems = append(problems, errors.New("UPLOAD_RETRY_INTERVAL must be positive"))
	}
	switch c.LLMProvider {
	case "gateway":
	case "vertex":
		if c.VertexProject == "" && !c.MockLLM {
			problems = append(problems, errors.New("VERTEX_PROJECT is required when LLM_PROVIDER=vertex"))
		}
	default:
		problems = append(problems, fmt.Errorf("unknown LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.RelayDevURL == "" && c.RelayProdURL == "" {
		problems = append(problems, errors.New("no relay candidates configured"))
	}
	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %w", errors.Join(problems...))
	}
	return nil
}

// UseMockASR is true when transcription must not touch the network.
func (c *Config) UseMockASR() bool {
	return c.MockTranscribe || c.DashScopeAPIKey == ""
}

// UseMockLLM is true when analysis must not touch the network.
func (c *Config) UseMockLLM() bool {
	if c.MockLLM {
		return true
	}
	if c.LLMProvider == "vertex" {
		return c.VertexProject == ""
	}
	return c.LLMAPIKey == ""
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return n
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return d
}

// SplitList splits a comma-separated setting, dropping blank entries.
func SplitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
