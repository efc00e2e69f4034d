package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/plumecache/plume/store"
)

// FeedCache is the sole write path for feed data: deduplicated posts, page
// descriptors and per-feed freshness metadata.
type FeedCache struct {
	store *store.Store
}

// NewFeedCache wraps an opened object store.
func NewFeedCache(s *store.Store) *FeedCache {
	return &FeedCache{store: s}
}

// SaveFeedPage writes every item into the items collection (last write wins
// by URI) and then a page descriptor referencing them in the given order.
// Items commit before the descriptor, so a crash between the two can never
// leave a descriptor pointing at posts that were never saved.
//
// An empty pageID gets a generated one; passing the same pageID twice
// supersedes the earlier descriptor. Returns the page id.
func (f *FeedCache) SaveFeedPage(ctx context.Context, feedType string, items []Post, cursor *string, pageID string) (string, error) {
	if feedType == "" {
		return "", fmt.Errorf("feed type is required")
	}
	if pageID == "" {
		pageID = feedType + "-" + uuid.NewString()
	}

	if err := f.SavePosts(ctx, items); err != nil {
		return "", err
	}

	uris := make([]string, len(items))
	for i, item := range items {
		uris[i] = item.URI
	}
	page := FeedPage{
		ID:        pageID,
		FeedType:  feedType,
		Cursor:    cursor,
		FetchedAt: time.Now().UnixMilli(),
		ItemURIs:  uris,
	}
	if err := f.store.Put(ctx, CollectionPages, page); err != nil {
		return "", fmt.Errorf("failed to save page descriptor: %w", err)
	}
	return pageID, nil
}

// GetFeedPages returns page descriptors for a feed type, most recently
// fetched first.
func (f *FeedCache) GetFeedPages(ctx context.Context, feedType string, limit, offset int) ([]FeedPage, error) {
	docs, err := f.store.GetAll(ctx, CollectionPages, store.Query{
		Index:      IndexPagesByFeed,
		Match:      []any{feedType},
		Descending: true,
		Limit:      limit,
		Offset:     offset,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load pages for %q: %w", feedType, err)
	}
	pages := make([]FeedPage, 0, len(docs))
	for _, doc := range docs {
		var page FeedPage
		if err := json.Unmarshal(doc, &page); err != nil {
			return nil, fmt.Errorf("failed to decode page descriptor: %w", err)
		}
		pages = append(pages, page)
	}
	return pages, nil
}

// PrunePages deletes every page descriptor of a feed except the given ids
// and returns the number removed. Posts are untouched; they may be shared
// with other feeds and are evicted by age instead.
func (f *FeedCache) PrunePages(ctx context.Context, feedType string, keepIDs []string) (int64, error) {
	pages, err := f.GetFeedPages(ctx, feedType, 0, 0)
	if err != nil {
		return 0, err
	}
	keep := make(map[string]bool, len(keepIDs))
	for _, id := range keepIDs {
		keep[id] = true
	}
	var stale []string
	for _, page := range pages {
		if !keep[page.ID] {
			stale = append(stale, page.ID)
		}
	}
	if len(stale) == 0 {
		return 0, nil
	}
	if err := f.store.Delete(ctx, CollectionPages, stale...); err != nil {
		return 0, fmt.Errorf("failed to prune pages for %q: %w", feedType, err)
	}
	return int64(len(stale)), nil
}

// GetFeedItemsByURIs resolves a page's reference list back into posts,
// preserving the requested order. URIs with no stored post are silently
// omitted, keeping restore resilient against partial data loss.
func (f *FeedCache) GetFeedItemsByURIs(ctx context.Context, uris []string) ([]Post, error) {
	posts := make([]Post, 0, len(uris))
	for _, uri := range uris {
		var post Post
		found, err := f.store.Get(ctx, CollectionItems, uri, &post)
		if err != nil {
			return nil, fmt.Errorf("failed to load post %q: %w", uri, err)
		}
		if found {
			posts = append(posts, post)
		}
	}
	return posts, nil
}

// GetPostsByURIs is the direct-access form of GetFeedItemsByURIs.
func (f *FeedCache) GetPostsByURIs(ctx context.Context, uris []string) ([]Post, error) {
	return f.GetFeedItemsByURIs(ctx, uris)
}

// GetPost returns a single post, or nil if it is not cached.
func (f *FeedCache) GetPost(ctx context.Context, uri string) (*Post, error) {
	var post Post
	found, err := f.store.Get(ctx, CollectionItems, uri, &post)
	if err != nil {
		return nil, fmt.Errorf("failed to load post %q: %w", uri, err)
	}
	if !found {
		return nil, nil
	}
	return &post, nil
}

// SavePosts upserts posts outside the page-save path, e.g. when one post's
// counters were refreshed.
func (f *FeedCache) SavePosts(ctx context.Context, posts []Post) error {
	if len(posts) == 0 {
		return nil
	}
	records := make([]any, len(posts))
	for i, p := range posts {
		if p.URI == "" {
			return fmt.Errorf("post %d has no uri", i)
		}
		records[i] = p
	}
	if err := f.store.PutMany(ctx, CollectionItems, records); err != nil {
		return fmt.Errorf("failed to save posts: %w", err)
	}
	return nil
}

// GetMetadata returns the freshness record for a feed type, or nil when the
// feed has never been persisted.
func (f *FeedCache) GetMetadata(ctx context.Context, feedType string) (*FeedMetadata, error) {
	var meta FeedMetadata
	found, err := f.store.Get(ctx, CollectionFeedMetadata, feedType, &meta)
	if err != nil {
		return nil, fmt.Errorf("failed to load metadata for %q: %w", feedType, err)
	}
	if !found {
		return nil, nil
	}
	return &meta, nil
}

// SaveMetadata overwrites the freshness record for meta.FeedType.
func (f *FeedCache) SaveMetadata(ctx context.Context, meta FeedMetadata) error {
	if meta.FeedType == "" {
		return fmt.Errorf("metadata has no feed type")
	}
	if err := f.store.Put(ctx, CollectionFeedMetadata, meta); err != nil {
		return fmt.Errorf("failed to save metadata for %q: %w", meta.FeedType, err)
	}
	return nil
}

// CleanupOldData evicts posts, pages and metadata older than daysToKeep.
// Maintenance only; nothing schedules this automatically.
func (f *FeedCache) CleanupOldData(ctx context.Context, daysToKeep int) (CleanupReport, error) {
	cutoff := time.Now().AddDate(0, 0, -daysToKeep)
	var report CleanupReport
	var err error

	if report.Posts, err = f.store.DeleteOlderThan(ctx, CollectionItems, "indexedAt", cutoff); err != nil {
		return report, fmt.Errorf("failed to clean up posts: %w", err)
	}
	if report.Pages, err = f.store.DeleteOlderThan(ctx, CollectionPages, "fetchedAt", cutoff); err != nil {
		return report, fmt.Errorf("failed to clean up pages: %w", err)
	}
	if report.Metadata, err = f.store.DeleteOlderThan(ctx, CollectionFeedMetadata, "lastUpdate", cutoff); err != nil {
		return report, fmt.Errorf("failed to clean up metadata: %w", err)
	}
	return report, nil
}

// GetCacheStats reports aggregate counts and the oldest/newest post
// timestamps. Read-only.
func (f *FeedCache) GetCacheStats(ctx context.Context) (CacheStats, error) {
	var stats CacheStats
	var err error

	if stats.Posts, err = f.store.Count(ctx, CollectionItems); err != nil {
		return stats, fmt.Errorf("failed to count posts: %w", err)
	}
	if stats.Pages, err = f.store.Count(ctx, CollectionPages); err != nil {
		return stats, fmt.Errorf("failed to count pages: %w", err)
	}
	if stats.Feeds, err = f.store.Count(ctx, CollectionFeedMetadata); err != nil {
		return stats, fmt.Errorf("failed to count feeds: %w", err)
	}

	if stats.OldestPost, err = f.boundaryPostTime(ctx, false); err != nil {
		return stats, err
	}
	if stats.NewestPost, err = f.boundaryPostTime(ctx, true); err != nil {
		return stats, err
	}
	return stats, nil
}

func (f *FeedCache) boundaryPostTime(ctx context.Context, newest bool) (int64, error) {
	docs, err := f.store.GetAll(ctx, CollectionItems, store.Query{
		Index:      IndexItemsByTime,
		Descending: newest,
		Limit:      1,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to load boundary post: %w", err)
	}
	if len(docs) == 0 {
		return 0, nil
	}
	var post Post
	if err := json.Unmarshal(docs[0], &post); err != nil {
		return 0, fmt.Errorf("failed to decode boundary post: %w", err)
	}
	return post.IndexedAt, nil
}

// ClearAll empties every feed collection atomically.
func (f *FeedCache) ClearAll(ctx context.Context) error {
	if err := f.store.Clear(ctx, CollectionItems, CollectionPages, CollectionFeedMetadata); err != nil {
		return fmt.Errorf("failed to clear feed collections: %w", err)
	}
	return nil
}
