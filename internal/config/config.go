package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ServerConfig holds server-related settings.
type ServerConfig struct {
	Addr      string
	AuthToken string
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string
	Format string
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL     string
	Enabled bool
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark       BarkConfig
	WebhookURL string
}

// EngineConfig configures the claude CLI engine.
type EngineConfig struct {
	Binary          string
	ConfigDir       string
	SkipPermissions bool
	Timeout         time.Duration
	Model           string
	MaxTurns        int
	// AttachDelay is waited before an on-demand task run starts so log viewers
	// can attach. Zero disables the wait.
	AttachDelay time.Duration
}

// BrainConfig configures the Brain planning loop.
type BrainConfig struct {
	// Schedules maps user ids to cron expressions.
	Schedules    map[string]string
	MaxTurns     int
	Model        string
	DocumentsDir string
	Capabilities []string
	PolicyPath   string
}

// SchedulerConfig configures the routine sweep.
type SchedulerConfig struct {
	SweepCron  string
	SweepLimit int
}

// AnalyticsConfig points at the metrics endpoint used before Brain cycles.
type AnalyticsConfig struct {
	URL   string
	Token string
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Notification NotificationConfig
	Engine       EngineConfig
	Brain        BrainConfig
	Scheduler    SchedulerConfig
	Analytics    AnalyticsConfig

	StateDir      string
	WorkspaceRoot string
	CatalogPath   string
	// CredentialKey is the base64 AES key that decrypts stored credentials.
	CredentialKey string
	UseUTC        bool
	ShutdownGrace time.Duration
}

// Overrides are command-line values that win over the environment. Zero
// values leave the environment setting in place.
type Overrides struct {
	Addr          string
	StateDir      string
	LogLevel      string
	LogFormat     string
	UseUTC        *bool
	ShutdownGrace time.Duration
}

const (
	defaultAddr          = "127.0.0.1:7070"
	defaultLogLevel      = "info"
	defaultLogFormat     = "text"
	defaultShutdownGrace = 30 * time.Second
	defaultEngineTimeout = 30 * time.Minute
	defaultAttachDelay   = 2 * time.Second
	defaultSweepCron     = "* * * * *"
	defaultSweepLimit    = 50
	appDirName           = "agentcrew"
)

// getEnvString returns the environment variable value or default
func getEnvString(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return val
	}
	return defaultVal
}

// getEnvInt returns the environment variable as int or default
func getEnvInt(key string, defaultVal int) int {
	if val, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// getEnvBool returns the environment variable as bool or default
func getEnvBool(key string, defaultVal bool) bool {
	if val, ok := os.LookupEnv(key); ok {
		lower := strings.ToLower(val)
		return lower == "true" || lower == "1" || lower == "yes"
	}
	return defaultVal
}

// getEnvDuration returns the environment variable as duration or default
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

// getEnvList splits a comma separated variable, dropping blanks.
func getEnvList(key string) []string {
	val, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Load reads .env files and AGENTCREW_* variables into a Config.
// Priority: overrides > environment variables > .env file > defaults
func Load(ov Overrides) (*Config, error) {
	// .env files are optional; the first one to set a key wins.
	envFiles := []string{".env"}
	if configDir, err := os.UserConfigDir(); err == nil {
		envFiles = append(envFiles, filepath.Join(configDir, appDirName, ".env"))
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	schedules, err := parseSchedules(getEnvString("AGENTCREW_BRAIN_SCHEDULES", ""))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:      getEnvString("AGENTCREW_ADDR", defaultAddr),
			AuthToken: getEnvString("AGENTCREW_AUTH_TOKEN", ""),
		},
		Log: LogConfig{
			Level:  getEnvString("AGENTCREW_LOG_LEVEL", defaultLogLevel),
			Format: getEnvString("AGENTCREW_LOG_FORMAT", defaultLogFormat),
		},
		Notification: NotificationConfig{
			Bark: BarkConfig{
				URL:     getEnvString("AGENTCREW_BARK_URL", ""),
				Enabled: getEnvBool("AGENTCREW_BARK_ENABLED", false),
			},
			WebhookURL: getEnvString("AGENTCREW_NOTIFY_WEBHOOK_URL", ""),
		},
		Engine: EngineConfig{
			Binary:          getEnvString("AGENTCREW_CLAUDE_BIN", "claude"),
			ConfigDir:       getEnvString("AGENTCREW_CLAUDE_CONFIG_DIR", ""),
			SkipPermissions: getEnvBool("AGENTCREW_SKIP_PERMISSIONS", true),
			Timeout:         getEnvDuration("AGENTCREW_ENGINE_TIMEOUT", defaultEngineTimeout),
			Model:           getEnvString("AGENTCREW_MODEL", ""),
			MaxTurns:        getEnvInt("AGENTCREW_MAX_TURNS", 0),
			AttachDelay:     getEnvDuration("AGENTCREW_ATTACH_DELAY", defaultAttachDelay),
		},
		Brain: BrainConfig{
			Schedules:    schedules,
			MaxTurns:     getEnvInt("AGENTCREW_BRAIN_MAX_TURNS", 0),
			Model:        getEnvString("AGENTCREW_BRAIN_MODEL", ""),
			DocumentsDir: getEnvString("AGENTCREW_BRAIN_DOCS_DIR", ""),
			Capabilities: getEnvList("AGENTCREW_BRAIN_CAPABILITIES"),
			PolicyPath:   getEnvString("AGENTCREW_BRAIN_POLICY", ""),
		},
		Scheduler: SchedulerConfig{
			SweepCron:  getEnvString("AGENTCREW_SWEEP_CRON", defaultSweepCron),
			SweepLimit: getEnvInt("AGENTCREW_SWEEP_LIMIT", defaultSweepLimit),
		},
		Analytics: AnalyticsConfig{
			URL:   getEnvString("AGENTCREW_ANALYTICS_URL", ""),
			Token: getEnvString("AGENTCREW_ANALYTICS_TOKEN", ""),
		},
		StateDir:      getEnvString("AGENTCREW_STATE_DIR", ""),
		WorkspaceRoot: getEnvString("AGENTCREW_WORKSPACE_ROOT", ""),
		CatalogPath:   getEnvString("AGENTCREW_CATALOG", ""),
		CredentialKey: getEnvString("AGENTCREW_CREDENTIAL_KEY", ""),
		UseUTC:        getEnvBool("AGENTCREW_USE_UTC", false),
		ShutdownGrace: getEnvDuration("AGENTCREW_SHUTDOWN_GRACE", defaultShutdownGrace),
	}

	if ov.Addr != "" {
		cfg.Server.Addr = ov.Addr
	}
	if ov.StateDir != "" {
		cfg.StateDir = ov.StateDir
	}
	if ov.LogLevel != "" {
		cfg.Log.Level = ov.LogLevel
	}
	if ov.LogFormat != "" {
		cfg.Log.Format = ov.LogFormat
	}
	if ov.UseUTC != nil {
		cfg.UseUTC = *ov.UseUTC
	}
	if ov.ShutdownGrace > 0 {
		cfg.ShutdownGrace = ov.ShutdownGrace
	}

	if cfg.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return nil, fmt.Errorf("resolve default state dir: %w", err)
		}
		cfg.StateDir = dir
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = filepath.Join(cfg.StateDir, "workspaces")
	}
	if cfg.CatalogPath == "" {
		cfg.CatalogPath = filepath.Join(cfg.StateDir, "capabilities.yaml")
	}
	if cfg.Scheduler.SweepLimit < 1 {
		cfg.Scheduler.SweepLimit = defaultSweepLimit
	}
	return cfg, nil
}

// Location is the time zone cron expressions are evaluated in.
func (c *Config) Location() *time.Location {
	if c.UseUTC {
		return time.UTC
	}
	return time.Local
}

// parseSchedules reads "user=cron;user2=cron" pairs.
func parseSchedules(raw string) (map[string]string, error) {
	out := map[string]string{}
	for _, pair := range strings.Split(raw, ";") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, expr, ok := strings.Cut(pair, "=")
		user, expr = strings.TrimSpace(user), strings.TrimSpace(expr)
		if !ok || user == "" || expr == "" {
			return nil, fmt.Errorf("invalid brain schedule %q, want user=cron", pair)
		}
		out[user] = expr
	}
	return out, nil
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(baseDir, appDirName)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", err
	}
	return path, nil
}
