package legacy

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/plumecache/plume/cache"
)

// Historical key prefixes recognized by the migrator.
const (
	convoPostsPrefix = "convo-posts:"
	notifPostsPrefix = "notification-posts:"
)

// KeyError records one key that could not be migrated.
type KeyError struct {
	Key string
	Err error
}

func (e KeyError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

// Report summarizes a migration batch.
type Report struct {
	ScannedKeys   int
	MigratedKeys  int
	MigratedItems int
	Errors        []KeyError
}

// Migrate scans the legacy store for recognizable keys, imports their posts
// into the feed cache, and removes each key only after a successful import.
// Individual failures never abort the batch: the key stays in place and is
// recorded in the report, so a rerun picks it up again. Only a failure to
// enumerate the store is returned as an error. logger may be nil.
func Migrate(ctx context.Context, ls Store, feeds *cache.FeedCache, logger *zap.Logger) (Report, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var report Report

	keys, err := ls.Keys()
	if err != nil {
		return report, fmt.Errorf("failed to enumerate legacy store: %w", err)
	}

	for _, key := range keys {
		if !strings.HasPrefix(key, convoPostsPrefix) && !strings.HasPrefix(key, notifPostsPrefix) {
			continue
		}
		report.ScannedKeys++

		raw, ok := ls.Get(key)
		if !ok {
			continue
		}
		posts, err := ParsePayload(raw)
		if err != nil {
			report.Errors = append(report.Errors, KeyError{Key: key, Err: err})
			logger.Warn("skipping unmigratable legacy key",
				zap.String("key", key), zap.Error(err))
			continue
		}
		if err := feeds.SavePosts(ctx, posts); err != nil {
			report.Errors = append(report.Errors, KeyError{Key: key, Err: err})
			logger.Warn("failed to import legacy posts",
				zap.String("key", key), zap.Error(err))
			continue
		}

		ls.Remove(key)
		report.MigratedKeys++
		report.MigratedItems += len(posts)
	}

	logger.Info("legacy migration finished",
		zap.Int("scanned", report.ScannedKeys),
		zap.Int("migratedKeys", report.MigratedKeys),
		zap.Int("migratedItems", report.MigratedItems),
		zap.Int("errors", len(report.Errors)))
	return report, nil
}

// ParsePayload decodes one legacy value, tolerating the payload shapes that
// shipped over the years: a bare array of posts, an envelope with an
// "items" or "posts" field, or an object keyed by URI. Pure function; a
// shape it cannot recognize is an error, never a partial result.
func ParsePayload(raw string) ([]cache.Post, error) {
	data := []byte(raw)

	var asArray []cache.Post
	if err := json.Unmarshal(data, &asArray); err == nil {
		return validatePosts(asArray)
	}

	var envelope struct {
		Items []cache.Post `json:"items"`
		Posts []cache.Post `json:"posts"`
	}
	if err := json.Unmarshal(data, &envelope); err == nil {
		if len(envelope.Items) > 0 {
			return validatePosts(envelope.Items)
		}
		if len(envelope.Posts) > 0 {
			return validatePosts(envelope.Posts)
		}
	}

	var asMap map[string]cache.Post
	if err := json.Unmarshal(data, &asMap); err == nil && len(asMap) > 0 {
		posts := make([]cache.Post, 0, len(asMap))
		for uri, post := range asMap {
			if post.URI == "" {
				post.URI = uri
			}
			posts = append(posts, post)
		}
		return validatePosts(posts)
	}

	return nil, fmt.Errorf("unrecognized legacy payload shape")
}

func validatePosts(posts []cache.Post) ([]cache.Post, error) {
	if len(posts) == 0 {
		return nil, fmt.Errorf("legacy payload contains no posts")
	}
	for i, p := range posts {
		if p.URI == "" {
			return nil, fmt.Errorf("legacy post %d has no uri", i)
		}
	}
	return posts, nil
}
