package config

import (
	"testing"
	"time"
)

// clearEnv blanks every settings variable so the test sees pure defaults
// regardless of the invoking shell.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"PLUME_DB_PATH", "PLUME_LEGACY_PATH", "PLUME_RETENTION_DAYS",
		"PLUME_FRESH_WINDOW_MINUTES", "PLUME_MAX_RESTORE_PAGES",
		"PLUME_RESTORE_NOTIFICATIONS", "PLUME_FEED_TYPES",
	} {
		t.Setenv(name, "")
	}
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.Storage.DBPath != "plume.db" {
		t.Errorf("expected default db path, got %q", s.Storage.DBPath)
	}
	if s.Storage.LegacyPath != "" {
		t.Errorf("expected empty legacy path, got %q", s.Storage.LegacyPath)
	}
	if s.Cache.RetentionDays != 30 {
		t.Errorf("expected retention 30, got %d", s.Cache.RetentionDays)
	}
	if s.Cache.FreshWindow != 15*time.Minute {
		t.Errorf("expected 15m fresh window, got %v", s.Cache.FreshWindow)
	}
	if s.Cache.MaxRestorePages != 3 {
		t.Errorf("expected 3 restore pages, got %d", s.Cache.MaxRestorePages)
	}
	if !s.Cache.RestoreNotifications {
		t.Error("expected notification restore enabled by default")
	}
	if len(s.Cache.FeedTypes) != 2 || s.Cache.FeedTypes[0] != "timeline" || s.Cache.FeedTypes[1] != "following" {
		t.Errorf("unexpected default feed types: %v", s.Cache.FeedTypes)
	}
}

func TestEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PLUME_DB_PATH", "/tmp/other.db")
	t.Setenv("PLUME_LEGACY_PATH", "/tmp/legacy.json")
	t.Setenv("PLUME_RETENTION_DAYS", "7")
	t.Setenv("PLUME_FRESH_WINDOW_MINUTES", "5")
	t.Setenv("PLUME_MAX_RESTORE_PAGES", "10")
	t.Setenv("PLUME_RESTORE_NOTIFICATIONS", "false")
	t.Setenv("PLUME_FEED_TYPES", "timeline, discover ,")

	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.Storage.DBPath != "/tmp/other.db" {
		t.Errorf("expected overridden db path, got %q", s.Storage.DBPath)
	}
	if s.Storage.LegacyPath != "/tmp/legacy.json" {
		t.Errorf("expected overridden legacy path, got %q", s.Storage.LegacyPath)
	}
	if s.Cache.RetentionDays != 7 {
		t.Errorf("expected retention 7, got %d", s.Cache.RetentionDays)
	}
	if s.Cache.FreshWindow != 5*time.Minute {
		t.Errorf("expected 5m fresh window, got %v", s.Cache.FreshWindow)
	}
	if s.Cache.MaxRestorePages != 10 {
		t.Errorf("expected 10 restore pages, got %d", s.Cache.MaxRestorePages)
	}
	if s.Cache.RestoreNotifications {
		t.Error("expected notification restore disabled")
	}
	if len(s.Cache.FeedTypes) != 2 || s.Cache.FeedTypes[0] != "timeline" || s.Cache.FeedTypes[1] != "discover" {
		t.Errorf("expected list trimmed of blanks, got %v", s.Cache.FeedTypes)
	}
}

func TestInvalidValues(t *testing.T) {
	cases := []struct {
		name  string
		value string
	}{
		{"PLUME_RETENTION_DAYS", "not-a-number"},
		{"PLUME_RETENTION_DAYS", "0"},
		{"PLUME_FRESH_WINDOW_MINUTES", "-1"},
		{"PLUME_MAX_RESTORE_PAGES", "0"},
		{"PLUME_RESTORE_NOTIFICATIONS", "maybe"},
	}
	for _, tc := range cases {
		t.Run(tc.name+"="+tc.value, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tc.name, tc.value)
			if _, err := New(); err == nil {
				t.Errorf("expected error for %s=%q", tc.name, tc.value)
			}
		})
	}
}

func TestEmptyFeedTypeListFallsBack(t *testing.T) {
	clearEnv(t)
	t.Setenv("PLUME_FEED_TYPES", " , ,")
	s, err := New()
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if len(s.Cache.FeedTypes) != 2 {
		t.Errorf("expected fallback feed types, got %v", s.Cache.FeedTypes)
	}
}
