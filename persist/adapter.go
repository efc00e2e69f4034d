package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/plumecache/plume/cache"
	"github.com/plumecache/plume/store"
)

// NotificationQueryTag is the query-key first segment that marks the
// notification query.
const NotificationQueryTag = "notifications"

// Options configure a Persister.
type Options struct {
	// FeedTypes are the query-key tags treated as feed-shaped.
	FeedTypes []string
	// MaxRestorePages bounds how many page descriptors are reassembled per
	// feed on restore. Zero means 3.
	MaxRestorePages int
	// RestoreNotifications enables notification reconstruction for this
	// application instance.
	RestoreNotifications bool
	// Buster is the version tag stamped on restored snapshots; the reactive
	// cache discards snapshots whose buster it does not recognize.
	Buster string
}

const defaultMaxRestorePages = 3

// Persister implements the reactive cache's persistence contract
// (PersistClient / RestoreClient / RemoveClient) over the collection
// services. Save and restore must not run concurrently against the same
// store; restore runs once at startup, before live query activity persists.
type Persister struct {
	feeds   *cache.FeedCache
	notifs  *cache.NotificationCache
	store   *store.Store
	opts    Options
	feedSet map[string]bool
	log     *zap.Logger
}

// New builds a Persister. logger may be nil.
func New(s *store.Store, feeds *cache.FeedCache, notifs *cache.NotificationCache, opts Options, logger *zap.Logger) *Persister {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxRestorePages <= 0 {
		opts.MaxRestorePages = defaultMaxRestorePages
	}
	feedSet := make(map[string]bool, len(opts.FeedTypes))
	for _, ft := range opts.FeedTypes {
		feedSet[ft] = true
	}
	return &Persister{
		feeds:   feeds,
		notifs:  notifs,
		store:   s,
		opts:    opts,
		feedSet: feedSet,
		log:     logger,
	}
}

// PersistClient routes every query in the snapshot to durable storage in a
// single pass: feed-shaped queries into the feed service page by page,
// notification-shaped queries into the notification service, everything
// else into the opaque queries collection. Errors propagate; nothing is
// retried here.
func (p *Persister) PersistClient(ctx context.Context, snap Snapshot) error {
	now := time.Now().UnixMilli()
	saved := snap.Timestamp
	if saved == 0 {
		saved = now
	}

	for _, q := range snap.Queries {
		if len(q.QueryKey) == 0 {
			continue
		}
		tag := q.QueryKey[0]
		switch {
		case p.feedSet[tag]:
			if err := p.persistFeedQuery(ctx, tag, q, saved); err != nil {
				return fmt.Errorf("failed to persist feed %q: %w", tag, err)
			}
		case tag == NotificationQueryTag:
			if err := p.persistNotificationQuery(ctx, q, saved); err != nil {
				return fmt.Errorf("failed to persist notifications: %w", err)
			}
		default:
			record := QueryRecord{
				Hash:     HashQueryKey(q.QueryKey),
				QueryKey: q.QueryKey,
				State:    q.State,
				SavedAt:  now,
			}
			if err := p.store.Put(ctx, cache.CollectionQueries, record); err != nil {
				return fmt.Errorf("failed to persist query %v: %w", q.QueryKey, err)
			}
		}
	}
	p.log.Debug("persisted client snapshot", zap.Int("queries", len(snap.Queries)))
	return nil
}

func (p *Persister) persistFeedQuery(ctx context.Context, feedType string, q PersistedQuery, savedAt int64) error {
	var state PagedFeedState
	if err := json.Unmarshal(q.State, &state); err != nil {
		return fmt.Errorf("failed to decode paged state: %w", err)
	}

	var total int64
	pageIDs := make([]string, 0, len(state.Pages))
	for i, page := range state.Pages {
		// Deterministic ids make a re-save of the same page supersede the
		// earlier descriptor instead of duplicating it. Zero-padding keeps
		// id order aligned with page order.
		pageID := fmt.Sprintf("%s#page-%03d", feedType, i)
		if _, err := p.feeds.SaveFeedPage(ctx, feedType, page.Items, page.Cursor, pageID); err != nil {
			return err
		}
		pageIDs = append(pageIDs, pageID)
		total += int64(len(page.Items))
	}

	// A persist cycle carries the feed's whole paged state. When it has
	// fewer pages than the previous cycle (the query was refetched from the
	// top), the higher-index descriptors left behind would be pulled back in
	// on restore ahead of the fresh pages.
	if _, err := p.feeds.PrunePages(ctx, feedType, pageIDs); err != nil {
		return err
	}

	lastUpdate := q.DataUpdatedAt
	if lastUpdate == 0 {
		lastUpdate = savedAt
	}
	return p.feeds.SaveMetadata(ctx, cache.FeedMetadata{
		FeedType:      feedType,
		LastUpdate:    lastUpdate,
		ItemCount:     total,
		SchemaVersion: cache.SchemaVersion,
	})
}

func (p *Persister) persistNotificationQuery(ctx context.Context, q PersistedQuery, savedAt int64) error {
	var state PagedNotificationState
	if err := json.Unmarshal(q.State, &state); err != nil {
		return fmt.Errorf("failed to decode paged state: %w", err)
	}

	var flat []cache.Notification
	for _, page := range state.Pages {
		flat = append(flat, page.Notifications...)
	}
	if err := p.notifs.SaveNotifications(ctx, flat); err != nil {
		return err
	}

	lastUpdate := q.DataUpdatedAt
	if lastUpdate == 0 {
		lastUpdate = savedAt
	}
	return p.notifs.SaveMetadata(ctx, cache.FeedMetadata{
		LastUpdate:    lastUpdate,
		ItemCount:     int64(len(flat)),
		SchemaVersion: cache.SchemaVersion,
	})
}

// RestoreClient reassembles a snapshot from durable storage: one paginated
// entry per feed type with persisted metadata, one for notifications when
// enabled, and every opaque record merged in last under its original key.
// Specialized reconstructions take precedence over a stale opaque copy with
// the same hash. Reconstruction is best-effort per feed; a feed that fails
// is logged and skipped. Returns nil when nothing was restored.
func (p *Persister) RestoreClient(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{
		Timestamp: time.Now().UnixMilli(),
		Buster:    p.opts.Buster,
		Queries:   make(map[string]PersistedQuery),
	}

	for _, feedType := range p.opts.FeedTypes {
		entry, err := p.restoreFeed(ctx, feedType)
		if err != nil {
			p.log.Warn("failed to restore feed, skipping",
				zap.String("feedType", feedType), zap.Error(err))
			continue
		}
		if entry != nil {
			snap.Queries[HashQueryKey(entry.QueryKey)] = *entry
		}
	}

	if p.opts.RestoreNotifications {
		entry, err := p.restoreNotifications(ctx)
		if err != nil {
			p.log.Warn("failed to restore notifications, skipping", zap.Error(err))
		} else if entry != nil {
			snap.Queries[HashQueryKey(entry.QueryKey)] = *entry
		}
	}

	if err := p.mergeOpaqueQueries(ctx, snap); err != nil {
		p.log.Warn("failed to restore opaque queries, skipping", zap.Error(err))
	}

	if len(snap.Queries) == 0 {
		return nil, nil
	}
	p.log.Info("restored client snapshot", zap.Int("queries", len(snap.Queries)))
	return snap, nil
}

// restoreFeed returns nil with no error when the feed has no freshness
// metadata: a feed that was never persisted restores as a cold cache, not
// as an empty placeholder.
func (p *Persister) restoreFeed(ctx context.Context, feedType string) (*PersistedQuery, error) {
	meta, err := p.feeds.GetMetadata(ctx, feedType)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	pages, err := p.feeds.GetFeedPages(ctx, feedType, 0, 0)
	if err != nil {
		return nil, err
	}
	// The save path writes zero-padded ordinal ids and prunes descriptors it
	// did not re-write, so id order is page order. The page bound truncates
	// the tail: a partial restore must keep the head of the feed, its newest
	// content.
	sort.Slice(pages, func(i, j int) bool { return pages[i].ID < pages[j].ID })
	if len(pages) > p.opts.MaxRestorePages {
		pages = pages[:p.opts.MaxRestorePages]
	}

	state := PagedFeedState{Pages: make([]FeedPageState, 0, len(pages))}
	for _, page := range pages {
		items, err := p.feeds.GetFeedItemsByURIs(ctx, page.ItemURIs)
		if err != nil {
			return nil, err
		}
		state.Pages = append(state.Pages, FeedPageState{Items: items, Cursor: page.Cursor})
	}

	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode paged state: %w", err)
	}
	return &PersistedQuery{
		QueryKey:      []string{feedType},
		State:         raw,
		DataUpdatedAt: meta.LastUpdate,
	}, nil
}

func (p *Persister) restoreNotifications(ctx context.Context) (*PersistedQuery, error) {
	meta, err := p.notifs.GetMetadata(ctx)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	notifs, err := p.notifs.GetAllNotifications(ctx, 0, 0)
	if err != nil {
		return nil, err
	}
	state := PagedNotificationState{
		Pages: []NotificationPageState{{Notifications: notifs}},
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to encode paged state: %w", err)
	}
	return &PersistedQuery{
		QueryKey:      []string{NotificationQueryTag},
		State:         raw,
		DataUpdatedAt: meta.LastUpdate,
	}, nil
}

func (p *Persister) mergeOpaqueQueries(ctx context.Context, snap *Snapshot) error {
	docs, err := p.store.GetAll(ctx, cache.CollectionQueries, store.Query{})
	if err != nil {
		return err
	}
	for _, doc := range docs {
		var record QueryRecord
		if err := json.Unmarshal(doc, &record); err != nil {
			return fmt.Errorf("failed to decode query record: %w", err)
		}
		if _, taken := snap.Queries[record.Hash]; taken {
			continue
		}
		snap.Queries[record.Hash] = PersistedQuery{
			QueryKey:      record.QueryKey,
			State:         record.State,
			DataUpdatedAt: record.SavedAt,
		}
	}
	return nil
}

// RemoveClient performs a full cold-start reset: the opaque collection and
// both specialized services are cleared.
func (p *Persister) RemoveClient(ctx context.Context) error {
	if err := p.store.Clear(ctx, cache.CollectionQueries); err != nil {
		return fmt.Errorf("failed to clear queries: %w", err)
	}
	if err := p.feeds.ClearAll(ctx); err != nil {
		return err
	}
	if err := p.notifs.ClearAll(ctx); err != nil {
		return err
	}
	p.log.Info("removed persisted client state")
	return nil
}
