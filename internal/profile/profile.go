package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Profile is configuration to start the main server.
type Profile struct {
	// LLM backend configuration. The provider selects the wire protocol:
	// "ollama" speaks the native Ollama API, everything else goes through the
	// OpenAI-compatible protocol.
	LLMProvider string // ollama, lmstudio, openai, deepseek, openrouter
	LLMAPIKey   string
	LLMBaseURL  string // optional, has a default per provider
	LLMTimeout  int    // request timeout in seconds (default: 120)

	Mode        string
	Addr        string
	Data        string
	Driver      string
	DSN         string
	InstanceURL string
	Version     string
	Port        int
}

// Provider default base URLs, used when LLM_BASE_URL is not explicitly set.
var llmProviderDefaults = map[string]string{
	"ollama":     "http://localhost:11434",
	"lmstudio":   "http://localhost:1234/v1",
	"openai":     "https://api.openai.com/v1",
	"deepseek":   "https://api.deepseek.com",
	"openrouter": "https://openrouter.ai/api/v1",
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsBackendConfigured reports whether an LLM backend was configured at all.
func (p *Profile) IsBackendConfigured() bool {
	return p.LLMProvider != ""
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// FromEnv loads backend configuration from environment variables.
func (p *Profile) FromEnv() {
	p.LLMProvider = getEnvOrDefault("DUET_LLM_PROVIDER", p.LLMProvider)
	p.LLMAPIKey = getEnvOrDefault("DUET_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("DUET_LLM_BASE_URL", "")
	p.LLMTimeout = getEnvOrDefaultInt("DUET_LLM_TIMEOUT_SECONDS", 120)

	if p.LLMProvider != "" {
		if _, ok := llmProviderDefaults[p.LLMProvider]; !ok {
			slog.Warn("unknown LLM provider, treating as OpenAI-compatible", "provider", p.LLMProvider)
		}
		if p.LLMBaseURL == "" {
			p.LLMBaseURL = llmProviderDefaults[p.LLMProvider]
		}
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "duet")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/duet"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check data dir", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.Driver == "sqlite" && p.DSN == "" {
		dbFile := fmt.Sprintf("duet_%s.db", p.Mode)
		p.DSN = filepath.Join(dataDir, dbFile)
	}

	return nil
}
