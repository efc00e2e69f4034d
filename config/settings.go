// Package config provides application settings loaded from environment
// variables.
//
// Settings are created via New() which handles:
// - Environment variable parsing with validation
// - Default value application

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Settings holds all application configuration.
type Settings struct {
	Storage StorageConfig
	Cache   CacheConfig
}

// StorageConfig holds database location settings.
type StorageConfig struct {
	// DBPath is the SQLite database file path.
	DBPath string
	// LegacyPath is the JSON file of the legacy flat store, if any.
	LegacyPath string
}

// CacheConfig holds cache behavior settings.
type CacheConfig struct {
	// RetentionDays is the age past which cleanup evicts records.
	RetentionDays int
	// FreshWindow is the duration the reactive cache treats restored data
	// as fresh before triggering a background refetch. Plume only surfaces
	// it; the staleness decision belongs to the query client.
	FreshWindow time.Duration
	// MaxRestorePages bounds pages reassembled per feed on restore.
	MaxRestorePages int
	// RestoreNotifications enables notification restore for this instance.
	RestoreNotifications bool
	// FeedTypes are the query tags persisted as feeds.
	FeedTypes []string
}

// New loads settings from environment variables, applying defaults.
// Returns an error if a variable contains an invalid value.
func New() (Settings, error) {
	dbPath := os.Getenv("PLUME_DB_PATH")
	if dbPath == "" {
		dbPath = "plume.db"
	}

	retentionDays, err := getEnvInt("PLUME_RETENTION_DAYS", 30)
	if err != nil {
		return Settings{}, err
	}
	if retentionDays < 1 {
		return Settings{}, fmt.Errorf("PLUME_RETENTION_DAYS must be >= 1, got %d", retentionDays)
	}

	freshMinutes, err := getEnvInt("PLUME_FRESH_WINDOW_MINUTES", 15)
	if err != nil {
		return Settings{}, err
	}
	if freshMinutes < 1 {
		return Settings{}, fmt.Errorf("PLUME_FRESH_WINDOW_MINUTES must be >= 1, got %d", freshMinutes)
	}

	maxRestorePages, err := getEnvInt("PLUME_MAX_RESTORE_PAGES", 3)
	if err != nil {
		return Settings{}, err
	}
	if maxRestorePages < 1 {
		return Settings{}, fmt.Errorf("PLUME_MAX_RESTORE_PAGES must be >= 1, got %d", maxRestorePages)
	}

	restoreNotifications, err := getEnvBool("PLUME_RESTORE_NOTIFICATIONS", true)
	if err != nil {
		return Settings{}, err
	}

	feedTypes := getEnvList("PLUME_FEED_TYPES", []string{"timeline", "following"})

	return Settings{
		Storage: StorageConfig{
			DBPath:     dbPath,
			LegacyPath: os.Getenv("PLUME_LEGACY_PATH"),
		},
		Cache: CacheConfig{
			RetentionDays:        retentionDays,
			FreshWindow:          time.Duration(freshMinutes) * time.Minute,
			MaxRestorePages:      maxRestorePages,
			RestoreNotifications: restoreNotifications,
			FeedTypes:            feedTypes,
		},
	}, nil
}

// MustNew loads settings and panics on invalid values. Use this only when
// configuration errors should be fatal.
func MustNew() Settings {
	settings, err := New()
	if err != nil {
		panic(err)
	}
	return settings
}

func getEnvInt(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", name, raw, err)
	}
	return v, nil
}

func getEnvBool(name string, fallback bool) (bool, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", name, raw, err)
	}
	return v, nil
}

func getEnvList(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
