package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// envBindings maps viper keys to the environment variables that feed them.
// Every variable in the deployment contract is bound explicitly so that
// renames show up here rather than scattered through the code.
var envBindings = map[string]string{
	"port":                       "PORT",
	"host":                       "HOST",
	"cors-origins":               "CORS_ORIGINS",
	"encryption-key":             "ENCRYPTION_KEY",
	"jwt-secret":                 "JWT_SECRET",
	"session-secret":             "SESSION_SECRET",
	"hipaa-audit-enabled":        "HIPAA_AUDIT_ENABLED",
	"audit-log-level":            "AUDIT_LOG_LEVEL",
	"audit-log-dir":              "AUDIT_LOG_DIR",
	"ai-model-preference":        "AI_MODEL_PREFERENCE",
	"ai-confidence-threshold":    "AI_CONFIDENCE_THRESHOLD",
	"require-medical-disclaimer": "REQUIRE_MEDICAL_DISCLAIMER",
	"max-image-size-mb":          "MAX_IMAGE_SIZE_MB",
	"supported-image-formats":    "SUPPORTED_IMAGE_FORMATS",
	"image-scratch-dir":          "IMAGE_SCRATCH_DIR",
	"image-ttl-minutes":          "IMAGE_TTL_MINUTES",
	"rate-limit-window-ms":       "API_RATE_LIMIT_WINDOW_MS",
	"rate-limit-max-requests":    "API_RATE_LIMIT_MAX_REQUESTS",
	"medical-rate-limit-max":     "MEDICAL_API_RATE_LIMIT_MAX",
	"session-ttl-minutes":        "SESSION_TTL_MINUTES",
	"log-level":                  "LOG_LEVEL",
	"log-dir":                    "LOG_DIR",
	"log-to-file":                "LOG_TO_FILE",
	"openai-api-key":             "OPENAI_API_KEY",
	"openai-base-url":            "OPENAI_BASE_URL",
	"openai-model":               "OPENAI_MODEL",
	"fallback-llm-api-key":       "FALLBACK_LLM_API_KEY",
	"fallback-llm-base-url":      "FALLBACK_LLM_BASE_URL",
	"fallback-llm-model":         "FALLBACK_LLM_MODEL",
	"llm-timeout-seconds":        "LLM_TIMEOUT_SECONDS",
	"phi-field-aliases":          "PHI_FIELD_ALIASES",
}

// toolEnvPrefix converts a tool name to its environment variable prefix,
// e.g. "literature-index" -> "LITERATURE_INDEX".
func toolEnvPrefix(name string) string {
	return strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// Load builds the configuration from environment variables layered over
// DefaultConfig. It does not validate; callers decide whether a partial
// configuration is fatal.
func Load() (*Config, error) {
	v := viper.New()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}
	for _, tool := range ToolNames {
		prefix := toolEnvPrefix(tool)
		if err := v.BindEnv("tool-path-"+tool, prefix+"_TOOL_PATH"); err != nil {
			return nil, fmt.Errorf("bind %s_TOOL_PATH: %w", prefix, err)
		}
		if err := v.BindEnv("tool-args-"+tool, prefix+"_TOOL_ARGS"); err != nil {
			return nil, fmt.Errorf("bind %s_TOOL_ARGS: %w", prefix, err)
		}
		if err := v.BindEnv("tool-env-"+tool, prefix+"_TOOL_ENV"); err != nil {
			return nil, fmt.Errorf("bind %s_TOOL_ENV: %w", prefix, err)
		}
	}

	cfg := DefaultConfig()
	applyEnv(cfg, v)
	return cfg, nil
}

func applyEnv(cfg *Config, v *viper.Viper) {
	host := v.GetString("host")
	port := v.GetString("port")
	if host != "" || port != "" {
		if port == "" {
			port = "8080"
		}
		cfg.Listen = host + ":" + port
	}
	if s := v.GetString("cors-origins"); s != "" {
		cfg.CORSOrigins = splitTrim(s)
	}

	cfg.EncryptionKey = v.GetString("encryption-key")
	cfg.JWTSecret = v.GetString("jwt-secret")
	cfg.SessionSecret = v.GetString("session-secret")

	if m := v.GetInt("session-ttl-minutes"); m > 0 {
		cfg.SessionTTL = time.Duration(m) * time.Minute
	}

	if v.IsSet("hipaa-audit-enabled") {
		cfg.Audit.Enabled = v.GetBool("hipaa-audit-enabled")
	}
	if s := v.GetString("audit-log-level"); s != "" {
		cfg.Audit.Level = s
	}
	if s := v.GetString("audit-log-dir"); s != "" {
		cfg.Audit.Dir = s
	}

	if s := v.GetString("log-level"); s != "" {
		cfg.Logging.Level = s
	}
	if s := v.GetString("log-dir"); s != "" {
		cfg.Logging.LogDir = s
	}
	if v.IsSet("log-to-file") {
		cfg.Logging.EnableFile = v.GetBool("log-to-file")
	}

	if ms := v.GetInt("rate-limit-window-ms"); ms > 0 {
		cfg.RateLimit.Window = time.Duration(ms) * time.Millisecond
	}
	if n := v.GetInt("rate-limit-max-requests"); n > 0 {
		cfg.RateLimit.StandardMax = n
	}
	if n := v.GetInt("medical-rate-limit-max"); n > 0 {
		cfg.RateLimit.MedicalMax = n
	}

	if n := v.GetInt("max-image-size-mb"); n > 0 {
		cfg.Image.MaxSizeMB = n
	}
	if s := v.GetString("supported-image-formats"); s != "" {
		cfg.Image.SupportedFormats = splitTrim(s)
	}
	if s := v.GetString("image-scratch-dir"); s != "" {
		cfg.Image.ScratchDir = s
	}
	if m := v.GetInt("image-ttl-minutes"); m > 0 {
		cfg.Image.TTL = time.Duration(m) * time.Minute
	}

	if s := v.GetString("ai-model-preference"); s != "" {
		cfg.LLM.Preference = s
	}
	if v.IsSet("ai-confidence-threshold") {
		cfg.LLM.ConfidenceThreshold = v.GetFloat64("ai-confidence-threshold")
	}
	if v.IsSet("require-medical-disclaimer") {
		cfg.LLM.RequireDisclaimer = v.GetBool("require-medical-disclaimer")
	}
	if sec := v.GetInt("llm-timeout-seconds"); sec > 0 {
		cfg.LLM.Timeout = time.Duration(sec) * time.Second
	}
	if key := v.GetString("openai-api-key"); key != "" {
		cfg.LLM.Primary = &ProviderConfig{
			APIKey:  key,
			BaseURL: v.GetString("openai-base-url"),
			Model:   v.GetString("openai-model"),
		}
		if cfg.LLM.Primary.Model == "" {
			cfg.LLM.Primary.Model = "gpt-4o"
		}
	}
	if key := v.GetString("fallback-llm-api-key"); key != "" {
		cfg.LLM.Fallback = &ProviderConfig{
			APIKey:  key,
			BaseURL: v.GetString("fallback-llm-base-url"),
			Model:   v.GetString("fallback-llm-model"),
		}
		if cfg.LLM.Fallback.Model == "" {
			cfg.LLM.Fallback.Model = "gpt-4o-mini"
		}
	}

	if s := v.GetString("phi-field-aliases"); s != "" {
		cfg.PHIAliases = splitTrim(s)
	}

	for _, tool := range ToolNames {
		path := v.GetString("tool-path-" + tool)
		if path == "" {
			continue
		}
		tc := &ToolConfig{
			Command:     path,
			MaxAttempts: 3,
			PendingCap:  32,
			CallTimeout: 20 * time.Second,
		}
		if args := v.GetString("tool-args-" + tool); args != "" {
			tc.Args = splitTrim(args)
		}
		if env := v.GetString("tool-env-" + tool); env != "" {
			tc.Env = splitTrim(env)
		}
		cfg.Tools[tool] = tc
	}
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
