package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/relay.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// RelayConfig describes runtime options for the relay daemon and CLI.
type RelayConfig struct {
	Environment string
	ListenAddr  string

	// Backend connection
	OllamaBaseURL  string
	OllamaToken    string
	RequestTimeout time.Duration

	// Base log file used when the specific ones are unset
	LogFile       string
	LogFileCLI    string
	LogFileDaemon string
	LogLevel      string

	LedgerPath   string
	IdentityPath string
	AuthSecret   string
	AuthDisabled bool
	AdminEmail   string

	ModelsEnabled    bool
	ModelCatalogPath string
}

// LoadRelayConfig reads the current environment and loads the matching relay
// config file, then applies LLMRELAY_* env overrides.
func LoadRelayConfig(root string) (RelayConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return RelayConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return RelayConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := RelayConfig{
		Environment:      s.Environment,
		ListenAddr:       firstNonEmpty(os.Getenv("LLMRELAY_LISTEN_ADDR"), merged["listen_addr"], ":8084"),
		OllamaBaseURL:    firstNonEmpty(os.Getenv("LLMRELAY_OLLAMA_BASE_URL"), merged["ollama_base_url"]),
		OllamaToken:      firstNonEmpty(os.Getenv("LLMRELAY_OLLAMA_TOKEN"), merged["ollama_token"]),
		LogFile:          firstNonEmpty(os.Getenv("LLMRELAY_LOG_FILE"), merged["log_file"]),
		LogLevel:         firstNonEmpty(os.Getenv("LLMRELAY_LOG_LEVEL"), merged["log_level"], "info"),
		LedgerPath:       firstNonEmpty(os.Getenv("LLMRELAY_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		IdentityPath:     firstNonEmpty(os.Getenv("LLMRELAY_IDENTITY_PATH"), merged["identity_path"], DefaultIdentityPath()),
		AuthSecret:       firstNonEmpty(os.Getenv("LLMRELAY_AUTH_SECRET"), merged["auth_secret"], "llmrelay-dev-secret"),
		AuthDisabled:     parseOptionalBool(firstNonEmpty(os.Getenv("LLMRELAY_AUTH_DISABLED"), merged["auth_disabled"]), true),
		AdminEmail:       firstNonEmpty(os.Getenv("LLMRELAY_ADMIN_EMAIL"), merged["admin_email"], "admin@local"),
		ModelsEnabled:    parseOptionalBool(firstNonEmpty(os.Getenv("LLMRELAY_MODELS_ENABLED"), merged["models_enabled"]), true),
		ModelCatalogPath: firstNonEmpty(os.Getenv("LLMRELAY_MODEL_CATALOG"), merged["model_catalog"]),
	}

	// Separate log files with env override precedence
	cfg.LogFileCLI = firstNonEmpty(os.Getenv("LLMRELAY_LOG_FILE_CLI"), os.Getenv("LLMRELAY_LOG_FILE"), merged["log_file_cli"], merged["log_file"])
	cfg.LogFileDaemon = firstNonEmpty(os.Getenv("LLMRELAY_LOG_FILE_DAEMON"), os.Getenv("LLMRELAY_LOG_FILE"), merged["log_file_daemon"], merged["log_file"])

	if v := firstNonEmpty(os.Getenv("LLMRELAY_REQUEST_TIMEOUT"), merged["request_timeout"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return RelayConfig{}, fmt.Errorf("invalid request_timeout %q: %w", v, err)
		}
		cfg.RequestTimeout = dur
	}

	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// DefaultLedgerPath returns the fallback ledger location under the user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "ledger.db"
	}
	return filepath.Join(home, ".llmrelay", "ledger.db")
}

// DefaultIdentityPath returns the fallback identity database path.
func DefaultIdentityPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "identity.db"
	}
	return filepath.Join(home, ".llmrelay", "identity.db")
}
