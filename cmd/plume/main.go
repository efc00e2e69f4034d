// Package main provides the plume maintenance CLI.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/plumecache/plume/cache"
	"github.com/plumecache/plume/config"
	"github.com/plumecache/plume/legacy"
	"github.com/plumecache/plume/persist"
	"github.com/plumecache/plume/store"
)

// cacheBuster is stamped on restored snapshots; bump it together with
// incompatible snapshot shape changes so the query client discards stale
// persisted state.
const cacheBuster = "plume-v1"

var verbose bool

func main() {
	// Load .env file if present (ignore "file not found" errors)
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			fmt.Fprintf(os.Stderr, "Warning: failed to load .env file: %v\n", err)
		}
	}

	rootCmd := &cobra.Command{
		Use:   "plume",
		Short: "Durable local cache maintenance for a federated social client",
		Long: `plume manages the on-disk cache that backs the client's feeds and
notifications: inspect it, evict old records, migrate a legacy flat store,
or reset it entirely.`,
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show verbose output")

	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(cleanupCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(resetCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env holds the opened cache components a command works against.
type env struct {
	settings config.Settings
	store    *store.Store
	feeds    *cache.FeedCache
	notifs   *cache.NotificationCache
	log      *zap.Logger
}

func openEnv(ctx context.Context) (*env, error) {
	settings, err := config.New()
	if err != nil {
		return nil, err
	}

	logger, err := newLogger()
	if err != nil {
		return nil, err
	}

	s := store.New(settings.Storage.DBPath)
	if err := s.Open(ctx, cache.Schema()); err != nil {
		return nil, fmt.Errorf("failed to open cache database: %w", err)
	}

	return &env{
		settings: settings,
		store:    s,
		feeds:    cache.NewFeedCache(s),
		notifs:   cache.NewNotificationCache(s),
		log:      logger,
	}, nil
}

func (e *env) close() {
	_ = e.log.Sync()
	if err := e.store.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}

func (e *env) persister() *persist.Persister {
	return persist.New(e.store, e.feeds, e.notifs, persist.Options{
		FeedTypes:            e.settings.Cache.FeedTypes,
		MaxRestorePages:      e.settings.Cache.MaxRestorePages,
		RestoreNotifications: e.settings.Cache.RestoreNotifications,
		Buster:               cacheBuster,
	}, e.log)
}

func newLogger() (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache and notification statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			feedStats, err := e.feeds.GetCacheStats(ctx)
			if err != nil {
				return err
			}
			notifStats, err := e.notifs.GetStats(ctx)
			if err != nil {
				return err
			}

			fmt.Printf("Posts:    %d (oldest %s, newest %s)\n",
				feedStats.Posts, formatMillis(feedStats.OldestPost), formatMillis(feedStats.NewestPost))
			fmt.Printf("Pages:    %d across %d feeds\n", feedStats.Pages, feedStats.Feeds)
			fmt.Printf("Notifications: %d total, %d unread\n", notifStats.Total, notifStats.Unread)
			for reason, count := range notifStats.ByReason {
				fmt.Printf("  %-12s %d\n", reason, count)
			}
			return nil
		},
	}
}

func cleanupCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Evict records older than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			if days <= 0 {
				days = e.settings.Cache.RetentionDays
			}
			report, err := e.feeds.CleanupOldData(ctx, days)
			if err != nil {
				return err
			}
			notifDeleted, err := e.notifs.CleanupOldData(ctx, days)
			if err != nil {
				return err
			}

			fmt.Printf("Deleted %d posts, %d pages, %d metadata records, %d notifications (older than %d days)\n",
				report.Posts, report.Pages, report.Metadata, notifDeleted, days)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (default: PLUME_RETENTION_DAYS)")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate [legacy-file]",
		Short: "Import a legacy flat key-value store into the cache",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			path := e.settings.Storage.LegacyPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no legacy store given: pass a file or set PLUME_LEGACY_PATH")
			}

			ls, err := legacy.OpenFile(path)
			if err != nil {
				return err
			}
			report, err := legacy.Migrate(ctx, ls, e.feeds, e.log)
			if err != nil {
				return err
			}
			if err := ls.Flush(); err != nil {
				return err
			}

			fmt.Printf("Migrated %d items from %d of %d keys\n",
				report.MigratedItems, report.MigratedKeys, report.ScannedKeys)
			for _, keyErr := range report.Errors {
				fmt.Fprintf(os.Stderr, "  left in place: %v\n", keyErr)
			}
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Clear all persisted client state (cold start)",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			e, err := openEnv(ctx)
			if err != nil {
				return err
			}
			defer e.close()

			if err := e.persister().RemoveClient(ctx); err != nil {
				return err
			}
			fmt.Println("Cache cleared")
			return nil
		},
	}
}

func formatMillis(millis int64) string {
	if millis == 0 {
		return "-"
	}
	return time.UnixMilli(millis).Format("2006-01-02 15:04")
}
