package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/plumecache/plume/store"
)

// MetadataKeyNotifications is the reserved feed-type key under which the
// notification service keeps its single freshness record.
const MetadataKeyNotifications = "notifications"

// NotificationCache owns the notifications collection: upserts by URI,
// index-scoped reads and read-state bookkeeping.
type NotificationCache struct {
	store *store.Store
}

// NewNotificationCache wraps an opened object store.
func NewNotificationCache(s *store.Store) *NotificationCache {
	return &NotificationCache{store: s}
}

// SaveNotification upserts one notification by URI.
func (n *NotificationCache) SaveNotification(ctx context.Context, notif Notification) error {
	return n.SaveNotifications(ctx, []Notification{notif})
}

// SaveNotifications upserts a batch in one transaction.
func (n *NotificationCache) SaveNotifications(ctx context.Context, notifs []Notification) error {
	if len(notifs) == 0 {
		return nil
	}
	records := make([]any, len(notifs))
	for i, notif := range notifs {
		if notif.URI == "" {
			return fmt.Errorf("notification %d has no uri", i)
		}
		records[i] = notif
	}
	if err := n.store.PutMany(ctx, CollectionNotifications, records); err != nil {
		return fmt.Errorf("failed to save notifications: %w", err)
	}
	return nil
}

// GetNotification returns one notification, or nil if it is not cached.
func (n *NotificationCache) GetNotification(ctx context.Context, uri string) (*Notification, error) {
	var notif Notification
	found, err := n.store.Get(ctx, CollectionNotifications, uri, &notif)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification %q: %w", uri, err)
	}
	if !found {
		return nil, nil
	}
	return &notif, nil
}

// GetAllNotifications returns notifications newest-first via the time index.
func (n *NotificationCache) GetAllNotifications(ctx context.Context, limit, offset int) ([]Notification, error) {
	return n.scan(ctx, store.Query{
		Index:      IndexNotificationsByTime,
		Descending: true,
		Limit:      limit,
		Offset:     offset,
	})
}

// GetNotificationsByReason returns up to limit notifications with the given
// reason code, newest-first.
func (n *NotificationCache) GetNotificationsByReason(ctx context.Context, reason string, limit int) ([]Notification, error) {
	return n.scan(ctx, store.Query{
		Index:      IndexNotificationsReason,
		Match:      []any{reason},
		Descending: true,
		Limit:      limit,
	})
}

// GetUnreadNotifications returns up to limit unread notifications,
// newest-first.
func (n *NotificationCache) GetUnreadNotifications(ctx context.Context, limit int) ([]Notification, error) {
	return n.scan(ctx, store.Query{
		Index:      IndexNotificationsRead,
		Match:      []any{false},
		Descending: true,
		Limit:      limit,
	})
}

func (n *NotificationCache) scan(ctx context.Context, q store.Query) ([]Notification, error) {
	docs, err := n.store.GetAll(ctx, CollectionNotifications, q)
	if err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}
	notifs := make([]Notification, 0, len(docs))
	for _, doc := range docs {
		var notif Notification
		if err := json.Unmarshal(doc, &notif); err != nil {
			return nil, fmt.Errorf("failed to decode notification: %w", err)
		}
		notifs = append(notifs, notif)
	}
	return notifs, nil
}

// MarkAsRead flips one notification's read state to true. Idempotent; a
// missing URI is a no-op.
func (n *NotificationCache) MarkAsRead(ctx context.Context, uri string) error {
	return n.MarkMultipleAsRead(ctx, []string{uri})
}

// MarkMultipleAsRead marks a batch as read. URIs with no stored record are
// skipped; all updates commit in a single write transaction.
func (n *NotificationCache) MarkMultipleAsRead(ctx context.Context, uris []string) error {
	var updated []any
	for _, uri := range uris {
		var notif Notification
		found, err := n.store.Get(ctx, CollectionNotifications, uri, &notif)
		if err != nil {
			return fmt.Errorf("failed to load notification %q: %w", uri, err)
		}
		if !found {
			continue
		}
		notif.IsRead = true
		updated = append(updated, notif)
	}
	if len(updated) == 0 {
		return nil
	}
	if err := n.store.PutMany(ctx, CollectionNotifications, updated); err != nil {
		return fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return nil
}

// GetStats performs one full scan computing totals, a reason histogram and
// the time bounds. Read-only.
func (n *NotificationCache) GetStats(ctx context.Context) (NotificationStats, error) {
	stats := NotificationStats{ByReason: make(map[string]int64)}
	notifs, err := n.scan(ctx, store.Query{Index: IndexNotificationsByTime})
	if err != nil {
		return stats, err
	}
	for _, notif := range notifs {
		stats.Total++
		if !notif.IsRead {
			stats.Unread++
		}
		stats.ByReason[notif.Reason]++
	}
	if len(notifs) > 0 {
		stats.Oldest = notifs[0].IndexedAt
		stats.Newest = notifs[len(notifs)-1].IndexedAt
	}
	return stats, nil
}

// GetMetadata returns the notification freshness record, or nil when
// notifications have never been persisted.
func (n *NotificationCache) GetMetadata(ctx context.Context) (*FeedMetadata, error) {
	var meta FeedMetadata
	found, err := n.store.Get(ctx, CollectionFeedMetadata, MetadataKeyNotifications, &meta)
	if err != nil {
		return nil, fmt.Errorf("failed to load notification metadata: %w", err)
	}
	if !found {
		return nil, nil
	}
	return &meta, nil
}

// SaveMetadata overwrites the notification freshness record.
func (n *NotificationCache) SaveMetadata(ctx context.Context, meta FeedMetadata) error {
	meta.FeedType = MetadataKeyNotifications
	if err := n.store.Put(ctx, CollectionFeedMetadata, meta); err != nil {
		return fmt.Errorf("failed to save notification metadata: %w", err)
	}
	return nil
}

// CleanupOldData evicts notifications older than daysToKeep, returning the
// deleted count.
func (n *NotificationCache) CleanupOldData(ctx context.Context, daysToKeep int) (int64, error) {
	cutoff := time.Now().AddDate(0, 0, -daysToKeep)
	deleted, err := n.store.DeleteOlderThan(ctx, CollectionNotifications, "indexedAt", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up notifications: %w", err)
	}
	return deleted, nil
}

// ClearAll empties the notification collection.
func (n *NotificationCache) ClearAll(ctx context.Context) error {
	if err := n.store.Clear(ctx, CollectionNotifications); err != nil {
		return fmt.Errorf("failed to clear notifications: %w", err)
	}
	return nil
}
