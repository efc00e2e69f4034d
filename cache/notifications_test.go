package cache

import (
	"context"
	"testing"
	"time"
)

func testNotification(uri, reason string, indexedAt int64) Notification {
	return Notification{
		URI:       uri,
		CID:       "cid-" + uri,
		Author:    Author{DID: "did:plc:bob", Handle: "bob.test"},
		Reason:    reason,
		IndexedAt: indexedAt,
	}
}

func TestSaveNotificationUpsertsByURI(t *testing.T) {
	notifs := NewNotificationCache(openTestStore(t))
	ctx := context.Background()

	n := testNotification("at://n1", "like", 100)
	if err := notifs.SaveNotification(ctx, n); err != nil {
		t.Fatalf("SaveNotification failed: %v", err)
	}
	n.Reason = "repost"
	if err := notifs.SaveNotification(ctx, n); err != nil {
		t.Fatalf("SaveNotification failed: %v", err)
	}

	all, err := notifs.GetAllNotifications(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetAllNotifications failed: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 notification after upsert, got %d", len(all))
	}
	if all[0].Reason != "repost" {
		t.Errorf("expected last write to win, got reason %q", all[0].Reason)
	}
}

func TestGetAllNotificationsNewestFirst(t *testing.T) {
	notifs := NewNotificationCache(openTestStore(t))
	ctx := context.Background()

	batch := []Notification{
		testNotification("at://n1", "like", 100),
		testNotification("at://n3", "follow", 300),
		testNotification("at://n2", "reply", 200),
	}
	if err := notifs.SaveNotifications(ctx, batch); err != nil {
		t.Fatalf("SaveNotifications failed: %v", err)
	}

	all, err := notifs.GetAllNotifications(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetAllNotifications failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 notifications, got %d", len(all))
	}
	for i, want := range []string{"at://n3", "at://n2", "at://n1"} {
		if all[i].URI != want {
			t.Errorf("position %d: expected %q, got %q", i, want, all[i].URI)
		}
	}

	// Offset skips from the newest end.
	page, err := notifs.GetAllNotifications(ctx, 1, 1)
	if err != nil {
		t.Fatalf("GetAllNotifications failed: %v", err)
	}
	if len(page) != 1 || page[0].URI != "at://n2" {
		t.Errorf("expected offset page [at://n2], got %+v", page)
	}
}

func TestGetNotificationsByReason(t *testing.T) {
	notifs := NewNotificationCache(openTestStore(t))
	ctx := context.Background()

	batch := []Notification{
		testNotification("at://n1", "like", 100),
		testNotification("at://n2", "follow", 200),
		testNotification("at://n3", "like", 300),
	}
	if err := notifs.SaveNotifications(ctx, batch); err != nil {
		t.Fatalf("SaveNotifications failed: %v", err)
	}

	likes, err := notifs.GetNotificationsByReason(ctx, "like", 10)
	if err != nil {
		t.Fatalf("GetNotificationsByReason failed: %v", err)
	}
	if len(likes) != 2 || likes[0].URI != "at://n3" || likes[1].URI != "at://n1" {
		t.Errorf("expected likes newest-first [n3 n1], got %+v", likes)
	}

	capped, err := notifs.GetNotificationsByReason(ctx, "like", 1)
	if err != nil {
		t.Fatalf("GetNotificationsByReason failed: %v", err)
	}
	if len(capped) != 1 {
		t.Errorf("expected limit to cap results, got %d", len(capped))
	}
}

func TestGetUnreadNotifications(t *testing.T) {
	notifs := NewNotificationCache(openTestStore(t))
	ctx := context.Background()

	read := testNotification("at://n1", "like", 100)
	read.IsRead = true
	batch := []Notification{
		read,
		testNotification("at://n2", "reply", 200),
		testNotification("at://n3", "follow", 300),
	}
	if err := notifs.SaveNotifications(ctx, batch); err != nil {
		t.Fatalf("SaveNotifications failed: %v", err)
	}

	unread, err := notifs.GetUnreadNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnreadNotifications failed: %v", err)
	}
	if len(unread) != 2 || unread[0].URI != "at://n3" || unread[1].URI != "at://n2" {
		t.Errorf("expected unread newest-first [n3 n2], got %+v", unread)
	}
}

func TestMarkAsReadIdempotent(t *testing.T) {
	notifs := NewNotificationCache(openTestStore(t))
	ctx := context.Background()

	if err := notifs.SaveNotification(ctx, testNotification("at://n1", "like", 100)); err != nil {
		t.Fatalf("SaveNotification failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := notifs.MarkAsRead(ctx, "at://n1"); err != nil {
			t.Fatalf("MarkAsRead failed: %v", err)
		}
		got, err := notifs.GetNotification(ctx, "at://n1")
		if err != nil {
			t.Fatalf("GetNotification failed: %v", err)
		}
		if got == nil || !got.IsRead {
			t.Fatalf("pass %d: expected notification to be read", i)
		}
	}

	all, err := notifs.GetAllNotifications(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetAllNotifications failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected no duplicate records, got %d", len(all))
	}
}

func TestMarkMultipleAsReadSkipsMisses(t *testing.T) {
	notifs := NewNotificationCache(openTestStore(t))
	ctx := context.Background()

	batch := []Notification{
		testNotification("at://n1", "like", 100),
		testNotification("at://n2", "reply", 200),
	}
	if err := notifs.SaveNotifications(ctx, batch); err != nil {
		t.Fatalf("SaveNotifications failed: %v", err)
	}

	if err := notifs.MarkMultipleAsRead(ctx, []string{"at://n1", "at://missing", "at://n2"}); err != nil {
		t.Fatalf("MarkMultipleAsRead failed: %v", err)
	}

	unread, err := notifs.GetUnreadNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnreadNotifications failed: %v", err)
	}
	if len(unread) != 0 {
		t.Errorf("expected all found notifications marked read, %d still unread", len(unread))
	}
}

func TestNotificationStats(t *testing.T) {
	notifs := NewNotificationCache(openTestStore(t))
	ctx := context.Background()

	read := testNotification("at://n1", "like", 100)
	read.IsRead = true
	batch := []Notification{
		read,
		testNotification("at://n2", "like", 200),
		testNotification("at://n3", "follow", 300),
	}
	if err := notifs.SaveNotifications(ctx, batch); err != nil {
		t.Fatalf("SaveNotifications failed: %v", err)
	}

	stats, err := notifs.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats failed: %v", err)
	}
	if stats.Total != 3 || stats.Unread != 2 {
		t.Errorf("expected 3 total / 2 unread, got %d/%d", stats.Total, stats.Unread)
	}
	if stats.ByReason["like"] != 2 || stats.ByReason["follow"] != 1 {
		t.Errorf("unexpected reason histogram: %+v", stats.ByReason)
	}
	if stats.Oldest != 100 || stats.Newest != 300 {
		t.Errorf("expected bounds [100 300], got [%d %d]", stats.Oldest, stats.Newest)
	}
}

func TestNotificationMetadata(t *testing.T) {
	notifs := NewNotificationCache(openTestStore(t))
	ctx := context.Background()

	missing, err := notifs.GetMetadata(ctx)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if missing != nil {
		t.Error("expected nil metadata before first persist")
	}

	if err := notifs.SaveMetadata(ctx, FeedMetadata{LastUpdate: 999, ItemCount: 5}); err != nil {
		t.Fatalf("SaveMetadata failed: %v", err)
	}
	got, err := notifs.GetMetadata(ctx)
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got == nil || got.LastUpdate != 999 || got.FeedType != MetadataKeyNotifications {
		t.Errorf("unexpected metadata: %+v", got)
	}
}

func TestNotificationCleanup(t *testing.T) {
	notifs := NewNotificationCache(openTestStore(t))
	ctx := context.Background()
	now := time.Now()

	batch := []Notification{
		testNotification("at://old", "like", now.AddDate(0, 0, -40).UnixMilli()),
		testNotification("at://new", "like", now.AddDate(0, 0, -1).UnixMilli()),
	}
	if err := notifs.SaveNotifications(ctx, batch); err != nil {
		t.Fatalf("SaveNotifications failed: %v", err)
	}

	deleted, err := notifs.CleanupOldData(ctx, 30)
	if err != nil {
		t.Fatalf("CleanupOldData failed: %v", err)
	}
	if deleted != 1 {
		t.Errorf("expected 1 deleted, got %d", deleted)
	}

	remaining, err := notifs.GetAllNotifications(ctx, 0, 0)
	if err != nil {
		t.Fatalf("GetAllNotifications failed: %v", err)
	}
	if len(remaining) != 1 || remaining[0].URI != "at://new" {
		t.Errorf("expected only the recent notification to survive, got %+v", remaining)
	}
}
