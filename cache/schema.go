package cache

import "github.com/plumecache/plume/store"

// SchemaVersion is bumped whenever a collection or index is added. Opening
// an older database with a higher version creates what is missing without
// touching existing data.
const SchemaVersion = 1

// Collection names. One database holds all of them; the queries collection
// is written by the persistence adapter, everything else by the two
// collection services.
const (
	CollectionItems         = "items"
	CollectionPages         = "pages"
	CollectionFeedMetadata  = "feed_metadata"
	CollectionNotifications = "notifications"
	CollectionQueries       = "queries"
)

// Index names, keyed to the key paths in types.go (which must match the
// structs' json tags).
const (
	IndexItemsByTime         = "by_time"
	IndexPagesByFeed         = "by_feed"
	IndexMetadataByUpdate    = "by_update"
	IndexNotificationsByTime = "by_time"
	IndexNotificationsReason = "by_reason"
	IndexNotificationsAuthor = "by_author"
	IndexNotificationsRead   = "by_read"
)

// Schema declares every collection and secondary index of the cache
// database.
func Schema() store.Schema {
	return store.Schema{
		Version: SchemaVersion,
		Collections: []store.Collection{
			{
				Name:    CollectionItems,
				KeyPath: "uri",
				Indexes: []store.Index{
					{Name: IndexItemsByTime, KeyPaths: []string{"indexedAt"}},
				},
			},
			{
				Name:    CollectionPages,
				KeyPath: "id",
				Indexes: []store.Index{
					{Name: IndexPagesByFeed, KeyPaths: []string{"feedType", "fetchedAt"}},
				},
			},
			{
				Name:    CollectionFeedMetadata,
				KeyPath: "feedType",
				Indexes: []store.Index{
					{Name: IndexMetadataByUpdate, KeyPaths: []string{"lastUpdate"}},
				},
			},
			{
				Name:    CollectionNotifications,
				KeyPath: "uri",
				Indexes: []store.Index{
					{Name: IndexNotificationsByTime, KeyPaths: []string{"indexedAt"}},
					{Name: IndexNotificationsReason, KeyPaths: []string{"reason", "indexedAt"}},
					{Name: IndexNotificationsAuthor, KeyPaths: []string{"author.did"}},
					{Name: IndexNotificationsRead, KeyPaths: []string{"isRead", "indexedAt"}},
				},
			},
			{
				Name:    CollectionQueries,
				KeyPath: "hash",
			},
		},
	}
}
