// Package store provides an embedded indexed object store on SQLite.
//
// Information Hiding:
// - SQLite connection management hidden behind the Store handle
// - Table layout and index-column encoding encapsulated
// - Thread-safe via sql.DB's built-in connection pooling

package store

import (
	"fmt"
	"regexp"
	"strings"
)

// Index declares a secondary index on a collection.
// KeyPaths name the document fields (dotted paths allowed) whose values form
// the index key, in order. Iteration over the index follows these columns.
type Index struct {
	Name     string
	KeyPaths []string
	Unique   bool
}

// Collection declares a named group of records sharing one primary key.
// KeyPath names the document field holding the primary key; its value must
// be a non-empty string.
type Collection struct {
	Name    string
	KeyPath string
	Indexes []Index
}

// Schema declares the desired set of collections and a version number.
// Opening a store with a higher version creates whatever is missing without
// destroying existing data.
type Schema struct {
	Version     int
	Collections []Collection
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// validate checks that every name interpolated into SQL is a safe identifier
// and that declarations are internally consistent.
func (s Schema) validate() error {
	if s.Version < 1 {
		return fmt.Errorf("schema version must be >= 1, got %d", s.Version)
	}
	if len(s.Collections) == 0 {
		return fmt.Errorf("schema declares no collections")
	}
	seen := make(map[string]bool)
	for _, c := range s.Collections {
		if !identRe.MatchString(c.Name) {
			return fmt.Errorf("invalid collection name %q", c.Name)
		}
		if seen[c.Name] {
			return fmt.Errorf("duplicate collection %q", c.Name)
		}
		seen[c.Name] = true
		if c.KeyPath == "" {
			return fmt.Errorf("collection %q has no key path", c.Name)
		}
		idxSeen := make(map[string]bool)
		for _, idx := range c.Indexes {
			if !identRe.MatchString(idx.Name) {
				return fmt.Errorf("collection %q: invalid index name %q", c.Name, idx.Name)
			}
			if idxSeen[idx.Name] {
				return fmt.Errorf("collection %q: duplicate index %q", c.Name, idx.Name)
			}
			idxSeen[idx.Name] = true
			if len(idx.KeyPaths) == 0 {
				return fmt.Errorf("collection %q: index %q has no key paths", c.Name, idx.Name)
			}
		}
	}
	return nil
}

func (c Collection) index(name string) (Index, bool) {
	for _, idx := range c.Indexes {
		if idx.Name == name {
			return idx, true
		}
	}
	return Index{}, false
}

// indexColumns returns the deduplicated set of value columns a collection's
// table needs, in declaration order.
func (c Collection) indexColumns() []string {
	var cols []string
	seen := make(map[string]bool)
	for _, idx := range c.Indexes {
		for _, kp := range idx.KeyPaths {
			col := columnFor(kp)
			if !seen[col] {
				seen[col] = true
				cols = append(cols, col)
			}
		}
	}
	return cols
}

// columnFor maps a document key path to its table column name.
// "author.did" becomes "f_author_did".
func columnFor(keyPath string) string {
	repl := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, keyPath)
	return "f_" + repl
}
