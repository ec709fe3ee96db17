package profile

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the router server.
type Profile struct {
	Mode    string
	Addr    string
	Port    int
	Data    string
	Driver  string
	DSN     string
	Version string

	// Logging
	LogFormat string // json or text
	LogLevel  string // debug, info, warn, error

	// Unified LLM configuration (OpenAI-compatible protocol), used by the
	// planner and the generative rewrite fallback. Empty API key disables both.
	LLMProvider  string
	LLMAPIKey    string
	LLMBaseURL   string
	LLMModel     string
	LLMTimeout   int     // seconds
	LLMRateLimit float64 // planner calls per second

	// Routing
	Tier1Threshold   float64
	HandlerBudget    time.Duration
	TaskTimeout      time.Duration
	MaxParallelTasks int
	SessionTTL       time.Duration
	MaxTurns         int

	// Capability manifests
	ManifestDir   string
	WatchManifest bool

	// Feedback
	FeedbackQueueSize int
	NATSURL           string

	// HTTP rate limit, requests per second per client
	RateLimit float64
	// Concurrent HTTP connections, 0 for no limit
	MaxConnections int

	// Telegram bot token; empty disables the chat channel
	TelegramBotToken string

	// Builtin modules
	WeatherLocation   string
	WeatherLatitude   float64
	WeatherLongitude  float64
	HomeWebhookURL    string
	HomeWebhookSecret string
}

// Provider default configurations for the LLM.
// Used when the base URL or model is not explicitly set.
var llmProviderDefaults = map[string]struct {
	BaseURL string
	Model   string
}{
	"zai": {
		BaseURL: "https://open.bigmodel.cn/api/paas/v4",
		Model:   "glm-4.7",
	},
	"deepseek": {
		BaseURL: "https://api.deepseek.com",
		Model:   "deepseek-chat",
	},
	"openai": {
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o-mini",
	},
	"siliconflow": {
		BaseURL: "https://api.siliconflow.cn/v1",
		Model:   "Qwen/Qwen2.5-7B-Instruct",
	},
	"ollama": {
		BaseURL: "http://localhost:11434/v1",
		Model:   "llama3.1",
	},
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsLLMEnabled returns true if an LLM API key is configured.
func (p *Profile) IsLLMEnabled() bool {
	return p.LLMAPIKey != "" || p.LLMProvider == "ollama"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvOrDefaultDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// FromEnv loads the settings that are not exposed as command flags.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("DIVINESENSE_ROUTER_LLM_PROVIDER", "zai")
	p.LLMAPIKey = getEnvOrDefault("DIVINESENSE_ROUTER_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("DIVINESENSE_ROUTER_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("DIVINESENSE_ROUTER_LLM_MODEL", "")
	p.LLMTimeout = getEnvOrDefaultInt("DIVINESENSE_ROUTER_LLM_TIMEOUT_SECONDS", 30)
	p.LLMRateLimit = getEnvOrDefaultFloat("DIVINESENSE_ROUTER_LLM_RATE_LIMIT", 2)

	if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
		slog.Warn("Unknown LLM provider, using default: zai", "provider", p.LLMProvider)
		p.LLMProvider = "zai"
	}
	defaults := llmProviderDefaults[p.LLMProvider]
	if p.LLMBaseURL == "" {
		p.LLMBaseURL = defaults.BaseURL
	}
	if p.LLMModel == "" {
		p.LLMModel = defaults.Model
	}

	p.HandlerBudget = getEnvOrDefaultDuration("DIVINESENSE_ROUTER_HANDLER_BUDGET", 2*time.Second)
	p.TaskTimeout = getEnvOrDefaultDuration("DIVINESENSE_ROUTER_TASK_TIMEOUT", 30*time.Second)
	p.MaxParallelTasks = getEnvOrDefaultInt("DIVINESENSE_ROUTER_MAX_PARALLEL_TASKS", 8)
	p.SessionTTL = getEnvOrDefaultDuration("DIVINESENSE_ROUTER_SESSION_TTL", 30*time.Minute)
	p.MaxTurns = getEnvOrDefaultInt("DIVINESENSE_ROUTER_MAX_TURNS", 20)
	p.FeedbackQueueSize = getEnvOrDefaultInt("DIVINESENSE_ROUTER_FEEDBACK_QUEUE_SIZE", 1024)
	p.NATSURL = getEnvOrDefault("DIVINESENSE_ROUTER_NATS_URL", "")
	p.MaxConnections = getEnvOrDefaultInt("DIVINESENSE_ROUTER_MAX_CONNECTIONS", 0)
	p.TelegramBotToken = getEnvOrDefault("DIVINESENSE_ROUTER_TELEGRAM_BOT_TOKEN", "")

	p.WeatherLocation = getEnvOrDefault("DIVINESENSE_ROUTER_WEATHER_LOCATION", "")
	p.WeatherLatitude = getEnvOrDefaultFloat("DIVINESENSE_ROUTER_WEATHER_LATITUDE", 0)
	p.WeatherLongitude = getEnvOrDefaultFloat("DIVINESENSE_ROUTER_WEATHER_LONGITUDE", 0)
	p.HomeWebhookURL = getEnvOrDefault("DIVINESENSE_ROUTER_HOME_WEBHOOK_URL", "")
	p.HomeWebhookSecret = getEnvOrDefault("DIVINESENSE_ROUTER_HOME_WEBHOOK_SECRET", "")
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		absDir, err := filepath.Abs(dataDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

// Validate normalizes the profile and fills in defaults.
func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}
	if p.Mode == "prod" && p.Data == "" {
		p.Data = "/var/opt/divinesense-router"
	}
	if p.Data == "" {
		p.Data = "."
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", p.Data), slog.String("error", err.Error()))
		return err
	}
	p.Data = dataDir

	switch p.Driver {
	case "":
		p.Driver = "sqlite"
	case "sqlite", "postgres":
	default:
		return errors.Errorf("unsupported driver %q", p.Driver)
	}
	if p.Driver == "sqlite" && p.DSN == "" {
		p.DSN = filepath.Join(dataDir, "divinesense_router_"+p.Mode+".db")
	}
	if p.Driver == "postgres" && p.DSN == "" {
		return errors.New("dsn required for postgres driver")
	}

	if p.Tier1Threshold <= 0 || p.Tier1Threshold > 1 {
		p.Tier1Threshold = 0.75
	}
	if p.LogFormat != "json" {
		p.LogFormat = "text"
	}
	if p.LogLevel == "" {
		p.LogLevel = "info"
	}
	if p.ManifestDir != "" {
		if _, err := os.Stat(p.ManifestDir); err != nil {
			return errors.Wrapf(err, "unable to access manifest folder %s", p.ManifestDir)
		}
	}
	return nil
}
