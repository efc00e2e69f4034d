// Package cache provides the durable collection services for feed and
// notification data, built on the embedded object store.
//
// Information Hiding:
// - Collection names, key paths and index layout encapsulated in schema.go
// - Callers see typed records; the JSON document encoding is internal
// - One logical handle per database, constructed by the composition root

package cache

import (
	"encoding/json"
)

// Author identifies the account that produced a post or notification.
type Author struct {
	DID         string `json:"did"`
	Handle      string `json:"handle,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
}

// Post is a single unit of user-generated content, stored once and
// referenced by every feed page that contains it. Identity is the AT-URI;
// updates replace the whole record.
type Post struct {
	URI         string          `json:"uri"`
	CID         string          `json:"cid"`
	Author      Author          `json:"author"`
	Record      json.RawMessage `json:"record,omitempty"`
	ReplyCount  int64           `json:"replyCount"`
	RepostCount int64           `json:"repostCount"`
	LikeCount   int64           `json:"likeCount"`
	// IndexedAt is the server-assigned ordering key, Unix milliseconds.
	IndexedAt int64 `json:"indexedAt"`
}

// FeedPage records one fetched page of a feed: the ordered URIs of its
// posts and the continuation cursor. Pages are never mutated, only
// superseded by a re-save under the same id.
type FeedPage struct {
	ID       string  `json:"id"`
	FeedType string  `json:"feedType"`
	Cursor   *string `json:"cursor,omitempty"` // nil means end of feed
	// FetchedAt is when the page was saved, Unix milliseconds.
	FetchedAt int64    `json:"fetchedAt"`
	ItemURIs  []string `json:"itemUris"`
}

// FeedMetadata is the per-feed freshness record, overwritten on every
// persistence cycle.
type FeedMetadata struct {
	FeedType      string `json:"feedType"`
	LastUpdate    int64  `json:"lastUpdate"` // Unix milliseconds
	ItemCount     int64  `json:"itemCount"`
	SchemaVersion int    `json:"schemaVersion"`
}

// Notification is a single notification record, keyed by URI and mutated in
// place when its read state changes.
type Notification struct {
	URI           string          `json:"uri"`
	CID           string          `json:"cid"`
	Author        Author          `json:"author"`
	Reason        string          `json:"reason"`
	ReasonSubject string          `json:"reasonSubject,omitempty"`
	IsRead        bool            `json:"isRead"`
	Record        json.RawMessage `json:"record,omitempty"`
	// IndexedAt is the server-assigned ordering key, Unix milliseconds.
	IndexedAt int64    `json:"indexedAt"`
	Labels    []string `json:"labels,omitempty"`
}

// CacheStats summarizes the feed collections. Timestamps are Unix
// milliseconds; zero when the collection is empty.
type CacheStats struct {
	Posts      int64 `json:"posts"`
	Pages      int64 `json:"pages"`
	Feeds      int64 `json:"feeds"`
	OldestPost int64 `json:"oldestPost"`
	NewestPost int64 `json:"newestPost"`
}

// NotificationStats summarizes the notification collection.
type NotificationStats struct {
	Total    int64            `json:"total"`
	Unread   int64            `json:"unread"`
	ByReason map[string]int64 `json:"byReason"`
	Oldest   int64            `json:"oldest"`
	Newest   int64            `json:"newest"`
}

// CleanupReport holds per-collection deleted counts from a feed cleanup run.
type CleanupReport struct {
	Posts    int64 `json:"posts"`
	Pages    int64 `json:"pages"`
	Metadata int64 `json:"metadata"`
}
