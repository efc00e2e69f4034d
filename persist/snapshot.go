// Package persist bridges the external reactive query cache and durable
// local storage. Feed- and notification-shaped query results are routed
// into the normalized collection services; everything else is stored as an
// opaque blob keyed by a hash of its query key. On startup the process runs
// in reverse, reassembling the cache's snapshot from normalized records.

package persist

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/plumecache/plume/cache"
)

// Snapshot is the payload the reactive cache hands to PersistClient and
// expects back from RestoreClient: queries keyed by hash, a top-level
// timestamp and a buster tag the cache uses to invalidate incompatible
// schemas.
type Snapshot struct {
	Timestamp int64                     `json:"timestamp"` // Unix milliseconds
	Buster    string                    `json:"buster"`
	Queries   map[string]PersistedQuery `json:"queries"`
}

// PersistedQuery is one cached query: its structured key segments, the
// verbatim state blob, and the time its data was last updated.
type PersistedQuery struct {
	QueryKey      []string        `json:"queryKey"`
	State         json.RawMessage `json:"state"`
	DataUpdatedAt int64           `json:"dataUpdatedAt"` // Unix milliseconds
}

// PagedFeedState is the paginated state shape of a feed query.
type PagedFeedState struct {
	Pages []FeedPageState `json:"pages"`
}

// FeedPageState is one page of a feed query: its posts and the opaque
// continuation cursor (nil at end of feed).
type FeedPageState struct {
	Items  []cache.Post `json:"items"`
	Cursor *string      `json:"cursor,omitempty"`
}

// PagedNotificationState is the paginated state shape of the notification
// query.
type PagedNotificationState struct {
	Pages []NotificationPageState `json:"pages"`
}

// NotificationPageState is one page of the notification query.
type NotificationPageState struct {
	Notifications []cache.Notification `json:"notifications"`
	Cursor        *string              `json:"cursor,omitempty"`
}

// QueryRecord is the stored form of a query not recognized as feed- or
// notification-shaped: the hashed key, the original structured key, and the
// verbatim state blob. Keeping the structured key means a hash collision
// can only clobber another opaque entry, never a specialized one.
type QueryRecord struct {
	Hash     string          `json:"hash"`
	QueryKey []string        `json:"queryKey"`
	State    json.RawMessage `json:"state"`
	SavedAt  int64           `json:"savedAt"` // Unix milliseconds
}

// HashQueryKey produces the storage key for a structured query key. xxhash
// is fast and non-cryptographic; collisions between the enumerable,
// low-cardinality keys in practice are an accepted risk.
func HashQueryKey(queryKey []string) string {
	h := xxhash.New()
	for i, seg := range queryKey {
		if i > 0 {
			h.WriteString("\x1f")
		}
		h.WriteString(seg)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
