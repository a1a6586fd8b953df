// Package config loads the orchestrator's configuration surface from the
// environment via viper, mirroring the flat profile-struct-plus-FromEnv
// pattern the rest of the stack uses for its own settings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ContainerConfig controls sandbox process spawning.
type ContainerConfig struct {
	Image                       string
	TimeoutSeconds              int
	MaxOutputSizeBytes          int
	GracefulShutdownDelayMS     int
	IPCDebounceMS               int
	IPCFallbackPollingMultiplier int
	MaxConcurrent               int
}

// RateLimitConfig controls the sliding-window rate limiter.
type RateLimitConfig struct {
	Enabled       bool
	MaxRequests   int
	WindowMinutes int
}

// CleanupConfig controls background media retention.
type CleanupConfig struct {
	MediaMaxAgeDays         int
	MediaCleanupIntervalHrs int
}

// TelegramConfig controls the Telegram chat adapter.
type TelegramConfig struct {
	BotToken       string
	RateLimitDelayMS int
	MaxMessageLength int
}

// AlertsConfig controls error-tracker webhook notification cadence.
type AlertsConfig struct {
	FailureThreshold     int
	AlertCooldownMinutes int
	WebhookURL           string
}

// TaskTrackingConfig bounds sandbox agent turns.
type TaskTrackingConfig struct {
	MaxTurns      int
	StepTimeoutMS int
}

// MemoryConfig controls the memory summariser.
type MemoryConfig struct {
	SummarizeThresholdChars int
	MaxContextMessages      int
	CheckIntervalHours      int
	SummaryPrompt           string
}

// FastPathConfig controls the direct-streamed AI provider call.
type FastPathConfig struct {
	Enabled             bool
	CacheTTLSeconds     int
	MinCacheChars       int
	StreamingIntervalMS int
	MaxHistoryMessages  int
	TimeoutMS           int
}

// Config is the full configuration surface, plus the ambient knobs (data
// directories, AI provider credentials) needed to wire it up.
type Config struct {
	AssistantName    string
	GeminiModel      string
	GeminiAPIKey     string
	MainGroupFolder  string
	Timezone         string
	PollIntervalMS   int
	SchedulerPollMS  int
	IPCPollIntervalMS int

	DataDir   string
	GroupsDir string
	StoreDir  string

	// ProjectDir is mounted read-only into the main group's sandbox so it
	// can inspect (and, via its own tooling, propose changes to) the
	// running codebase. CredentialsDir and GlobalDir are shared across
	// every group's sandbox runs; GlobalDir is optional.
	ProjectDir     string
	CredentialsDir string
	GlobalDir      string

	// MountAllowlistPath points at the mount policy file, kept at a
	// user-configuration path outside any container-writable directory.
	// Empty means the entrypoint resolves it under the OS user config dir.
	MountAllowlistPath string

	AllowedContainerEnvKeys []string

	Container    ContainerConfig
	RateLimit    RateLimitConfig
	Cleanup      CleanupConfig
	Telegram     TelegramConfig
	Alerts       AlertsConfig
	TaskTracking TaskTrackingConfig
	Memory       MemoryConfig
	FastPath     FastPathConfig
}

// requiredEnvKeys must all be present in AllowedContainerEnvKeys.
var requiredEnvKeys = []string{"GEMINI_API_KEY", "GOOGLE_API_KEY", "GEMINI_MODEL", "TZ", "NODE_ENV"}

// forbiddenEnvKeys must never appear in AllowedContainerEnvKeys: passing them
// into the container would leak host secrets or host path layout.
var forbiddenEnvKeys = []string{"TELEGRAM_BOT_TOKEN", "HOME", "PATH"}

// RegisterDefaults sets viper defaults and env bindings for every knob in
// the configuration surface. Call before Load.
func RegisterDefaults(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetEnvPrefix("nanoclaw")
	v.AutomaticEnv()

	v.SetDefault("assistant_name", "Nanoclaw")
	v.SetDefault("gemini_model", "gemini-2.0-flash")
	v.SetDefault("main_group_folder", "main")
	v.SetDefault("timezone", "UTC")
	v.SetDefault("poll_interval_ms", 2000)
	v.SetDefault("scheduler_poll_interval_ms", 30000)
	v.SetDefault("ipc_poll_interval_ms", 5000)

	v.SetDefault("data_dir", "./data")
	v.SetDefault("groups_dir", "./data/groups")
	v.SetDefault("store_dir", "./data")
	v.SetDefault("project_dir", ".")
	v.SetDefault("credentials_dir", "./data/credentials")
	v.SetDefault("global_dir", "")
	v.SetDefault("mount_allowlist_path", "")

	v.SetDefault("allowed_container_env_keys", []string{
		"GEMINI_API_KEY", "GOOGLE_API_KEY", "GEMINI_MODEL", "TZ", "NODE_ENV",
		"WEB_SEARCH_ENABLED", "ASSISTANT_NAME", "SYSTEM_PROMPT", "CONTAINER_TIMEOUT",
	})

	v.SetDefault("container.image", "nanoclaw/sandbox:latest")
	v.SetDefault("container.timeout_seconds", 120)
	v.SetDefault("container.max_output_size_bytes", 1<<20)
	v.SetDefault("container.graceful_shutdown_delay_ms", 5000)
	v.SetDefault("container.ipc_debounce_ms", 300)
	v.SetDefault("container.ipc_fallback_polling_multiplier", 6)
	v.SetDefault("container.max_concurrent", 4)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.max_requests", 20)
	v.SetDefault("rate_limit.window_minutes", 1)

	v.SetDefault("cleanup.media_max_age_days", 7)
	v.SetDefault("cleanup.media_cleanup_interval_hours", 24)

	v.SetDefault("telegram.rate_limit_delay_ms", 35)
	v.SetDefault("telegram.max_message_length", 4096)

	v.SetDefault("alerts.failure_threshold", 3)
	v.SetDefault("alerts.alert_cooldown_minutes", 30)

	v.SetDefault("task_tracking.max_turns", 25)
	v.SetDefault("task_tracking.step_timeout_ms", 30000)

	v.SetDefault("memory.summarize_threshold_chars", 12000)
	v.SetDefault("memory.max_context_messages", 60)
	v.SetDefault("memory.check_interval_hours", 6)
	v.SetDefault("memory.summary_prompt", "Summarise the conversation so far, preserving durable facts and user preferences.")

	v.SetDefault("fast_path.enabled", true)
	v.SetDefault("fast_path.cache_ttl_seconds", 3600)
	v.SetDefault("fast_path.min_cache_chars", 4096)
	v.SetDefault("fast_path.streaming_interval_ms", 400)
	v.SetDefault("fast_path.max_history_messages", 30)
	v.SetDefault("fast_path.timeout_ms", 60000)
}

// Load reads a Config out of viper. Call RegisterDefaults first.
func Load(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		AssistantName:     v.GetString("assistant_name"),
		GeminiModel:       v.GetString("gemini_model"),
		GeminiAPIKey:      v.GetString("gemini_api_key"),
		MainGroupFolder:   v.GetString("main_group_folder"),
		Timezone:          v.GetString("timezone"),
		PollIntervalMS:    v.GetInt("poll_interval_ms"),
		SchedulerPollMS:   v.GetInt("scheduler_poll_interval_ms"),
		IPCPollIntervalMS: v.GetInt("ipc_poll_interval_ms"),

		DataDir:   v.GetString("data_dir"),
		GroupsDir: v.GetString("groups_dir"),
		StoreDir:  v.GetString("store_dir"),

		ProjectDir:     v.GetString("project_dir"),
		CredentialsDir: v.GetString("credentials_dir"),
		GlobalDir:      v.GetString("global_dir"),

		MountAllowlistPath: v.GetString("mount_allowlist_path"),

		AllowedContainerEnvKeys: v.GetStringSlice("allowed_container_env_keys"),

		Container: ContainerConfig{
			Image:                        v.GetString("container.image"),
			TimeoutSeconds:               v.GetInt("container.timeout_seconds"),
			MaxOutputSizeBytes:           v.GetInt("container.max_output_size_bytes"),
			GracefulShutdownDelayMS:      v.GetInt("container.graceful_shutdown_delay_ms"),
			IPCDebounceMS:                v.GetInt("container.ipc_debounce_ms"),
			IPCFallbackPollingMultiplier: v.GetInt("container.ipc_fallback_polling_multiplier"),
			MaxConcurrent:                v.GetInt("container.max_concurrent"),
		},
		RateLimit: RateLimitConfig{
			Enabled:       v.GetBool("rate_limit.enabled"),
			MaxRequests:   v.GetInt("rate_limit.max_requests"),
			WindowMinutes: v.GetInt("rate_limit.window_minutes"),
		},
		Cleanup: CleanupConfig{
			MediaMaxAgeDays:         v.GetInt("cleanup.media_max_age_days"),
			MediaCleanupIntervalHrs: v.GetInt("cleanup.media_cleanup_interval_hours"),
		},
		Telegram: TelegramConfig{
			BotToken:         v.GetString("telegram.bot_token"),
			RateLimitDelayMS: v.GetInt("telegram.rate_limit_delay_ms"),
			MaxMessageLength: v.GetInt("telegram.max_message_length"),
		},
		Alerts: AlertsConfig{
			FailureThreshold:     v.GetInt("alerts.failure_threshold"),
			AlertCooldownMinutes: v.GetInt("alerts.alert_cooldown_minutes"),
			WebhookURL:           v.GetString("alerts.webhook_url"),
		},
		TaskTracking: TaskTrackingConfig{
			MaxTurns:      v.GetInt("task_tracking.max_turns"),
			StepTimeoutMS: v.GetInt("task_tracking.step_timeout_ms"),
		},
		Memory: MemoryConfig{
			SummarizeThresholdChars: v.GetInt("memory.summarize_threshold_chars"),
			MaxContextMessages:      v.GetInt("memory.max_context_messages"),
			CheckIntervalHours:      v.GetInt("memory.check_interval_hours"),
			SummaryPrompt:           v.GetString("memory.summary_prompt"),
		},
		FastPath: FastPathConfig{
			Enabled:             v.GetBool("fast_path.enabled"),
			CacheTTLSeconds:     v.GetInt("fast_path.cache_ttl_seconds"),
			MinCacheChars:       v.GetInt("fast_path.min_cache_chars"),
			StreamingIntervalMS: v.GetInt("fast_path.streaming_interval_ms"),
			MaxHistoryMessages:  v.GetInt("fast_path.max_history_messages"),
			TimeoutMS:           v.GetInt("fast_path.timeout_ms"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the invariants on ALLOWED_CONTAINER_ENV_KEYS: exactly
// nine entries, the five required keys present, none of the three
// forbidden keys present.
func (c *Config) Validate() error {
	if len(c.AllowedContainerEnvKeys) != 9 {
		return errors.Errorf("allowed_container_env_keys must have exactly 9 entries, got %d", len(c.AllowedContainerEnvKeys))
	}

	present := make(map[string]bool, len(c.AllowedContainerEnvKeys))
	for _, k := range c.AllowedContainerEnvKeys {
		present[k] = true
	}
	for _, req := range requiredEnvKeys {
		if !present[req] {
			return errors.Errorf("allowed_container_env_keys missing required key %q", req)
		}
	}
	for _, forbidden := range forbiddenEnvKeys {
		if present[forbidden] {
			return errors.Errorf("allowed_container_env_keys must not include %q", forbidden)
		}
	}

	if c.MainGroupFolder == "" {
		return errors.New("main_group_folder must not be empty")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return errors.Wrapf(err, "invalid timezone %q", c.Timezone)
	}
	return nil
}

// AssistantNamePattern returns the pattern the regex-escaped assistant name
// is embedded into for the trigger match.
func (c *Config) AssistantNamePattern() string {
	return fmt.Sprintf(`(?i)^@%s\b`, regexEscape(c.AssistantName))
}

func regexEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if strings.ContainsRune(`\.+*?()|[]{}^$`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
