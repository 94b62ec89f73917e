package config

import (
	"fmt"
	"time"
)

const (
	defaultListen         = ":8080"
	defaultSessionTTL     = 30 * time.Minute
	defaultSweepInterval  = 5 * time.Minute
	defaultImageTTL       = 15 * time.Minute
	defaultMaxImageSizeMB = 50
	defaultLLMTimeout     = 30 * time.Second
	defaultWindowMS       = 60_000
	defaultStandardMax    = 100
	defaultMedicalMax     = 20
)

// ToolNames is the closed set of tool-provider names the pool may host.
var ToolNames = []string{
	"literature-index",
	"citations",
	"clinical-trials",
	"knowledge-base",
	"imaging",
}

// Config is the root configuration for the gateway, populated from
// environment variables (see Load) and validated at startup.
type Config struct {
	Listen      string   `json:"listen" mapstructure:"listen"`
	CORSOrigins []string `json:"cors_origins" mapstructure:"cors-origins"`

	// Secrets. EncryptionKey and JWTSecret are required; the process
	// refuses to serve medical endpoints without them.
	EncryptionKey string `json:"-" mapstructure:"encryption-key"`
	JWTSecret     string `json:"-" mapstructure:"jwt-secret"`
	SessionSecret string `json:"-" mapstructure:"session-secret"`

	SessionTTL           time.Duration `json:"session_ttl" mapstructure:"session-ttl"`
	SessionSweepInterval time.Duration `json:"session_sweep_interval" mapstructure:"session-sweep-interval"`

	Logging   *LogConfig       `json:"logging,omitempty" mapstructure:"logging"`
	Audit     *AuditConfig     `json:"audit,omitempty" mapstructure:"audit"`
	RateLimit *RateLimitConfig `json:"rate_limit,omitempty" mapstructure:"rate-limit"`
	Image     *ImageConfig     `json:"image,omitempty" mapstructure:"image"`
	LLM       *LLMConfig       `json:"llm,omitempty" mapstructure:"llm"`

	// Tools maps tool-provider name to its launch configuration. Keys are
	// restricted to ToolNames; a tool with no configured path is absent.
	Tools map[string]*ToolConfig `json:"tools,omitempty" mapstructure:"tools"`

	// PHIAliases extends the structured-field denylist of the scrubber.
	PHIAliases []string `json:"phi_aliases,omitempty" mapstructure:"phi-aliases"`

	// ExtraIntents allows additional classifier tags through configuration
	// (keyword list plus tool set); the built-in vocabulary is closed.
	ExtraIntents []IntentConfig `json:"extra_intents,omitempty" mapstructure:"extra-intents"`
}

// LogConfig controls the ordinary (non-audit) log stream.
type LogConfig struct {
	Level         string `json:"level" mapstructure:"level"`
	EnableFile    bool   `json:"enable_file" mapstructure:"enable-file"`
	EnableConsole bool   `json:"enable_console" mapstructure:"enable-console"`
	Filename      string `json:"filename" mapstructure:"filename"`
	LogDir        string `json:"log_dir,omitempty" mapstructure:"log-dir"`
	MaxSize       int    `json:"max_size" mapstructure:"max-size"` // MB
	MaxBackups    int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge        int    `json:"max_age" mapstructure:"max-age"` // days
	Compress      bool   `json:"compress" mapstructure:"compress"`
	JSONFormat    bool   `json:"json_format" mapstructure:"json-format"`
}

// AuditConfig controls the append-only audit streams.
type AuditConfig struct {
	Enabled    bool   `json:"enabled" mapstructure:"enabled"`
	Level      string `json:"level" mapstructure:"level"`
	Dir        string `json:"dir" mapstructure:"dir"`
	QueueSize  int    `json:"queue_size" mapstructure:"queue-size"`
	MaxSize    int    `json:"max_size" mapstructure:"max-size"` // MB per file
	MaxBackups int    `json:"max_backups" mapstructure:"max-backups"`
	MaxAge     int    `json:"max_age" mapstructure:"max-age"` // days
}

// RateLimitConfig holds the sliding-window limiter settings.
type RateLimitConfig struct {
	Window      time.Duration `json:"window" mapstructure:"window"`
	StandardMax int           `json:"standard_max" mapstructure:"standard-max"`
	MedicalMax  int           `json:"medical_max" mapstructure:"medical-max"`
}

// ImageConfig holds upload validation and scratch-storage settings.
type ImageConfig struct {
	MaxSizeMB        int           `json:"max_size_mb" mapstructure:"max-size-mb"`
	SupportedFormats []string      `json:"supported_formats" mapstructure:"supported-formats"`
	ScratchDir       string        `json:"scratch_dir" mapstructure:"scratch-dir"`
	TTL              time.Duration `json:"ttl" mapstructure:"ttl"`
}

// ProviderConfig identifies one OpenAI-compatible LLM endpoint.
type ProviderConfig struct {
	APIKey  string `json:"-" mapstructure:"api-key"`
	BaseURL string `json:"base_url,omitempty" mapstructure:"base-url"`
	Model   string `json:"model" mapstructure:"model"`
}

// LLMConfig holds generation parameters and the primary/fallback providers.
// Generation parameters are configuration, not code.
type LLMConfig struct {
	Preference          string          `json:"preference" mapstructure:"preference"` // primary | fallback
	ConfidenceThreshold float64         `json:"confidence_threshold" mapstructure:"confidence-threshold"`
	RequireDisclaimer   bool            `json:"require_disclaimer" mapstructure:"require-disclaimer"`
	Timeout             time.Duration   `json:"timeout" mapstructure:"timeout"`
	Temperature         float32         `json:"temperature" mapstructure:"temperature"`
	TopP                float32         `json:"top_p" mapstructure:"top-p"`
	MaxTokens           int             `json:"max_tokens" mapstructure:"max-tokens"`
	Primary             *ProviderConfig `json:"primary,omitempty" mapstructure:"primary"`
	Fallback            *ProviderConfig `json:"fallback,omitempty" mapstructure:"fallback"`
}

// ToolConfig describes how to launch one tool-provider subprocess.
type ToolConfig struct {
	Command string   `json:"command" mapstructure:"command"`
	Args    []string `json:"args,omitempty" mapstructure:"args"`
	// Env lists the environment variable names the provider declared it
	// needs; the child environment is filtered down to exactly these.
	Env         []string      `json:"env,omitempty" mapstructure:"env"`
	MaxAttempts int           `json:"max_attempts" mapstructure:"max-attempts"`
	PendingCap  int           `json:"pending_cap" mapstructure:"pending-cap"`
	CallTimeout time.Duration `json:"call_timeout" mapstructure:"call-timeout"`
}

// IntentConfig is a configuration-supplied classifier tag.
type IntentConfig struct {
	Tag       string   `json:"tag" mapstructure:"tag"`
	Keywords  []string `json:"keywords" mapstructure:"keywords"`
	Specialty string   `json:"specialty" mapstructure:"specialty"`
	Urgency   string   `json:"urgency" mapstructure:"urgency"`
	Tools     []string `json:"tools" mapstructure:"tools"`
}

// DefaultConfig returns a configuration with all defaults applied and no
// secrets set.
func DefaultConfig() *Config {
	return &Config{
		Listen:               defaultListen,
		SessionTTL:           defaultSessionTTL,
		SessionSweepInterval: defaultSweepInterval,
		Logging: &LogConfig{
			Level:         "info",
			EnableConsole: true,
			Filename:      "main.log",
			MaxSize:       10,
			MaxBackups:    5,
			MaxAge:        30,
			Compress:      true,
		},
		Audit: &AuditConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        "audit",
			QueueSize:  1024,
			MaxSize:    50,
			MaxBackups: 10,
			MaxAge:     365,
		},
		RateLimit: &RateLimitConfig{
			Window:      defaultWindowMS * time.Millisecond,
			StandardMax: defaultStandardMax,
			MedicalMax:  defaultMedicalMax,
		},
		Image: &ImageConfig{
			MaxSizeMB:        defaultMaxImageSizeMB,
			SupportedFormats: []string{"jpeg", "jpg", "png", "tiff", "tif", "bmp", "gif", "dcm"},
			ScratchDir:       "medical-images",
			TTL:              defaultImageTTL,
		},
		LLM: &LLMConfig{
			Preference:          "primary",
			ConfidenceThreshold: 0.6,
			RequireDisclaimer:   true,
			Timeout:             defaultLLMTimeout,
			Temperature:         0.1,
			TopP:                0.8,
			MaxTokens:           2048,
		},
		Tools: map[string]*ToolConfig{},
	}
}

// Validate checks invariants that must hold before the gateway serves any
// medical endpoint.
func (c *Config) Validate() error {
	if c.EncryptionKey == "" {
		return fmt.Errorf("ENCRYPTION_KEY is required")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("session TTL must be positive, got %v", c.SessionTTL)
	}
	if c.RateLimit != nil {
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive, got %v", c.RateLimit.Window)
		}
		if c.RateLimit.StandardMax <= 0 || c.RateLimit.MedicalMax <= 0 {
			return fmt.Errorf("rate limit caps must be positive")
		}
	}
	if c.Image != nil && c.Image.MaxSizeMB <= 0 {
		return fmt.Errorf("max image size must be positive, got %d MB", c.Image.MaxSizeMB)
	}
	for name := range c.Tools {
		if !IsKnownTool(name) {
			return fmt.Errorf("unknown tool provider %q", name)
		}
		if c.Tools[name].Command == "" {
			return fmt.Errorf("tool provider %q has no command", name)
		}
	}
	return nil
}

// IsKnownTool reports whether name belongs to the closed tool vocabulary.
func IsKnownTool(name string) bool {
	for _, n := range ToolNames {
		if n == name {
			return true
		}
	}
	return false
}
