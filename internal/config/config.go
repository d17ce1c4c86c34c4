package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	MinBatchSize = 1
	MaxBatchSize = 50
)

type Config struct {
	Port          int    `validate:"min=1,max=65535"`
	WebhookPrefix string `validate:"required"`

	MetaVerifyToken     string `validate:"required"`
	MetaAppSecret       string `validate:"required"`
	MetaGraphHost       string `validate:"required,hostname"`
	MetaGraphVersion    string `validate:"required"`
	MetaPageID          string `validate:"required"`
	MetaPageAccessToken string `validate:"required"`

	DiscordWebhookURL  string `validate:"required,url"`
	DiscordWebhookWait bool
	DiscordDisclaimer  string
	DiscordMentionRole string
	DiscordRateLimit   int `validate:"min=1"`
	ChannelRoutes      map[string]string
	ChannelPriority    []string

	AlertsEnabled     bool
	TriggerTag        string `validate:"required"`
	MaxPostAgeMinutes int    `validate:"min=0"`

	DatabaseURL string `validate:"required"`
	LogLevel    string
	LogFormat   string
	LogFile     string

	WorkerBatchSize     int `validate:"min=1,max=50"`
	PollInterval        time.Duration
	MaintenanceInterval time.Duration
	QueueMaxRetries     int `validate:"min=0"`
	QueueArchiveDays    int `validate:"min=1"`
	QueueStaleAfter     time.Duration
	ReadyzMaxBacklog    int `validate:"min=0"`
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	batchSize := getEnvInt("WORKER_BATCH_SIZE", 5)
	if batchSize > MaxBatchSize {
		slog.Warn("WORKER_BATCH_SIZE exceeds safety limit. Clamping to maximum", "requested", batchSize, "limit", MaxBatchSize)
		batchSize = MaxBatchSize
	} else if batchSize < MinBatchSize {
		batchSize = MinBatchSize
	}

	routes, err := parseChannelRoutes(getEnv("CHANNEL_ROUTES", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid CHANNEL_ROUTES: %w", err)
	}

	cfg := &Config{
		Port:          getEnvInt("PORT", 3000),
		WebhookPrefix: strings.Trim(getEnv("WEBHOOK_PREFIX", "meta"), "/"),

		MetaVerifyToken:     getEnv("META_VERIFY_TOKEN", ""),
		MetaAppSecret:       getEnv("META_APP_SECRET", ""),
		MetaGraphHost:       getEnv("META_GRAPH_HOST", "graph.facebook.com"),
		MetaGraphVersion:    getEnv("META_GRAPH_VERSION", "v21.0"),
		MetaPageID:          getEnv("META_PAGE_ID", ""),
		MetaPageAccessToken: getEnv("META_PAGE_ACCESS_TOKEN", ""),

		DiscordWebhookURL:  getEnv("DISCORD_WEBHOOK_URL", ""),
		DiscordWebhookWait: getEnvBool("DISCORD_WEBHOOK_WAIT", true),
		DiscordDisclaimer:  getEnv("DISCORD_DISCLAIMER", ""),
		DiscordMentionRole: getEnv("DISCORD_MENTION_ROLE_ID", ""),
		DiscordRateLimit:   getEnvInt("DISCORD_RATE_LIMIT", 30),
		ChannelRoutes:      routes,
		ChannelPriority:    parseChannelPriority(getEnv("CHANNEL_PRIORITY", "")),

		AlertsEnabled:     getEnvBool("ALERTS_ENABLED", true),
		TriggerTag:        getEnv("TRIGGER_TAG", "#discord"),
		MaxPostAgeMinutes: getEnvInt("MAX_POST_AGE_MINUTES", 0),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
		LogFormat:   getEnv("LOG_FORMAT", "TEXT"),
		LogFile:     getEnv("LOG_FILE", "relay.log"),

		WorkerBatchSize:     batchSize,
		PollInterval:        time.Duration(getEnvInt("POLL_INTERVAL_SEC", 1)) * time.Second,
		MaintenanceInterval: time.Duration(getEnvInt("MAINTENANCE_INTERVAL_MIN", 5)) * time.Minute,
		QueueMaxRetries:     getEnvInt("QUEUE_MAX_RETRIES", 5),
		QueueArchiveDays:    getEnvInt("QUEUE_ARCHIVE_DAYS", 7),
		QueueStaleAfter:     time.Duration(getEnvInt("QUEUE_STALE_AFTER_MIN", 15)) * time.Minute,
		ReadyzMaxBacklog:    getEnvInt("READYZ_MAX_BACKLOG", 1000),
	}

	cfg.TriggerTag = normalizeTag(cfg.TriggerTag)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// parseChannelRoutes decodes the JSON {tag: webhook_url} routing map.
// Tags are normalized to lowercase with a leading '#'.
func parseChannelRoutes(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var routes map[string]string
	if err := json.Unmarshal([]byte(raw), &routes); err != nil {
		return nil, err
	}

	normalized := make(map[string]string, len(routes))
	for tag, url := range routes {
		normalized[normalizeTag(tag)] = url
	}
	return normalized, nil
}

func parseChannelPriority(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}

	var priority []string
	for _, tag := range strings.Split(raw, ",") {
		if tag = strings.TrimSpace(tag); tag != "" {
			priority = append(priority, normalizeTag(tag))
		}
	}
	return priority
}

func normalizeTag(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if !strings.HasPrefix(tag, "#") {
		tag = "#" + tag
	}
	return tag
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return fallback
}
