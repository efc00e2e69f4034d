package legacy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/plumecache/plume/cache"
	"github.com/plumecache/plume/store"
)

func openTestFeeds(t *testing.T) *cache.FeedCache {
	t.Helper()
	s := store.NewInMemory()
	if err := s.Open(context.Background(), cache.Schema()); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return cache.NewFeedCache(s)
}

func TestMigrateValidKey(t *testing.T) {
	feeds := openTestFeeds(t)
	ls := NewMemoryStore()
	ls.Set("convo-posts:did:plc:alice", `{"posts":[{"uri":"at://a","cid":"c1","indexedAt":100}]}`)

	report, err := Migrate(context.Background(), ls, feeds, nil)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if report.ScannedKeys != 1 || report.MigratedKeys != 1 || report.MigratedItems != 1 {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(report.Errors) != 0 {
		t.Errorf("expected no errors, got %v", report.Errors)
	}

	if _, ok := ls.Get("convo-posts:did:plc:alice"); ok {
		t.Error("expected migrated key to be removed")
	}
	post, err := feeds.GetPost(context.Background(), "at://a")
	if err != nil {
		t.Fatalf("GetPost failed: %v", err)
	}
	if post == nil || post.CID != "c1" {
		t.Errorf("expected migrated post, got %+v", post)
	}
}

func TestMigrateMalformedKeyLeftInPlace(t *testing.T) {
	feeds := openTestFeeds(t)
	ls := NewMemoryStore()
	ls.Set("convo-posts:bad", `{not json`)
	ls.Set("notification-posts:good", `[{"uri":"at://b","indexedAt":200}]`)

	report, err := Migrate(context.Background(), ls, feeds, nil)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if report.ScannedKeys != 2 {
		t.Errorf("expected 2 scanned keys, got %d", report.ScannedKeys)
	}
	if report.MigratedKeys != 1 {
		t.Errorf("expected 1 migrated key, got %d", report.MigratedKeys)
	}
	if len(report.Errors) != 1 || report.Errors[0].Key != "convo-posts:bad" {
		t.Fatalf("expected the malformed key in the error list, got %v", report.Errors)
	}

	// The failed key survives for a retry; the good one is gone.
	if _, ok := ls.Get("convo-posts:bad"); !ok {
		t.Error("expected malformed key to be left in place")
	}
	if _, ok := ls.Get("notification-posts:good"); ok {
		t.Error("expected migrated key to be removed")
	}
}

func TestMigrateIgnoresUnrelatedKeys(t *testing.T) {
	feeds := openTestFeeds(t)
	ls := NewMemoryStore()
	ls.Set("session-token", "abc123")
	ls.Set("preferences", `{"theme":"dark"}`)

	report, err := Migrate(context.Background(), ls, feeds, nil)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if report.ScannedKeys != 0 {
		t.Errorf("expected unrelated keys to be skipped, scanned %d", report.ScannedKeys)
	}
	if _, ok := ls.Get("session-token"); !ok {
		t.Error("expected unrelated key to be untouched")
	}
}

func TestMigrateRerunPicksUpFixedKey(t *testing.T) {
	feeds := openTestFeeds(t)
	ls := NewMemoryStore()
	ls.Set("convo-posts:x", `{not json`)

	if _, err := Migrate(context.Background(), ls, feeds, nil); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	ls.Set("convo-posts:x", `[{"uri":"at://fixed","indexedAt":1}]`)
	report, err := Migrate(context.Background(), ls, feeds, nil)
	if err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	if report.MigratedKeys != 1 || len(report.Errors) != 0 {
		t.Errorf("expected clean second pass, got %+v", report)
	}
}

func TestParsePayloadShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		uris []string
	}{
		{"bare array", `[{"uri":"at://a"},{"uri":"at://b"}]`, []string{"at://a", "at://b"}},
		{"items envelope", `{"items":[{"uri":"at://a"}]}`, []string{"at://a"}},
		{"posts envelope", `{"posts":[{"uri":"at://a"}]}`, []string{"at://a"}},
		{"map keyed by uri", `{"at://a":{"cid":"c1"}}`, []string{"at://a"}},
	}
	for _, tc := range cases {
		posts, err := ParsePayload(tc.raw)
		if err != nil {
			t.Errorf("%s: ParsePayload failed: %v", tc.name, err)
			continue
		}
		if len(posts) != len(tc.uris) {
			t.Errorf("%s: expected %d posts, got %d", tc.name, len(tc.uris), len(posts))
			continue
		}
		got := make(map[string]bool, len(posts))
		for _, p := range posts {
			got[p.URI] = true
		}
		for _, uri := range tc.uris {
			if !got[uri] {
				t.Errorf("%s: missing post %q", tc.name, uri)
			}
		}
	}
}

func TestParsePayloadRejectsBadShapes(t *testing.T) {
	for _, raw := range []string{
		`{not json`,
		`[]`,
		`{"items":[]}`,
		`[{"cid":"no-uri"}]`,
		`"just a string"`,
		`42`,
	} {
		if _, err := ParsePayload(raw); err == nil {
			t.Errorf("expected error for payload %q", raw)
		}
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.json")

	fs, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile on missing file failed: %v", err)
	}
	keys, err := fs.Keys()
	if err != nil {
		t.Fatalf("Keys failed: %v", err)
	}
	if len(keys) != 0 {
		t.Errorf("expected empty store for missing file, got %v", keys)
	}

	fs.Set("convo-posts:a", `[{"uri":"at://a"}]`)
	fs.Set("other", "value")
	if err := fs.Flush(); err != nil {
		t.Fatalf("Flush failed: %v", err)
	}

	reopened, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile failed: %v", err)
	}
	if v, ok := reopened.Get("convo-posts:a"); !ok || v != `[{"uri":"at://a"}]` {
		t.Errorf("unexpected value after reopen: %q (found=%v)", v, ok)
	}
	if v, ok := reopened.Get("other"); !ok || v != "value" {
		t.Errorf("unexpected value after reopen: %q (found=%v)", v, ok)
	}
}

func TestOpenFileRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "legacy.json")
	if err := os.WriteFile(path, []byte("{corrupt"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if _, err := OpenFile(path); err == nil {
		t.Error("expected error for corrupt legacy file")
	}
}
