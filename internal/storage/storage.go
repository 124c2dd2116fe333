// Package storage implements the shell's document store: JSON documents in
// named tables over a single embedded bbolt database, with equality-match
// queries. Tables mirror the persistence scopes of the shell (favicons,
// bookmarks, history, formfill, startup tabs, permissions).
package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// Tables enumerates the scopes the store creates at open time.
var Tables = []string{"favicons", "bookmarks", "history", "formfill", "startuptabs", "permissions"}

// Doc is one stored document. Every document carries a generated "_id".
type Doc = map[string]any

// Query matches documents whose fields equal every entry.
type Query = map[string]any

// Store is the embedded document store.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the database file and ensures all table buckets exist.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: mkdir %s: %w", dataDir, err)
	}
	db, err := bolt.Open(filepath.Join(dataDir, "shell.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, table := range Tables {
			if _, err := tx.CreateBucketIfNotExists([]byte(table)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("storage: init tables: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func bucketOf(tx *bolt.Tx, scope string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(scope))
	if b == nil {
		return nil, fmt.Errorf("storage: unknown scope %q", scope)
	}
	return b, nil
}

func matches(doc Doc, query Query) bool {
	for k, want := range query {
		got, ok := doc[k]
		if !ok {
			return false
		}
		// Documents round-trip through JSON, so compare in JSON form to
		// avoid int/float64 mismatches from callers.
		a, _ := json.Marshal(got)
		b, _ := json.Marshal(want)
		if !bytes.Equal(a, b) {
			return false
		}
	}
	return true
}

// Find returns all documents in scope matching the query.
func (s *Store) Find(scope string, query Query) ([]Doc, error) {
	var out []Doc
	err := s.db.View(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, scope)
		if err != nil {
			return err
		}
		return b.ForEach(func(k, v []byte) error {
			var doc Doc
			if err := json.Unmarshal(v, &doc); err != nil {
				return fmt.Errorf("storage: corrupt document %s/%s: %w", scope, k, err)
			}
			if matches(doc, query) {
				out = append(out, doc)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindOne returns the first matching document, or nil when nothing matches.
func (s *Store) FindOne(scope string, query Query) (Doc, error) {
	docs, err := s.Find(scope, query)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		return nil, nil
	}
	return docs[0], nil
}

// Insert stores the item and returns the stored document. The item's "_id"
// is used as the key when set; otherwise a fresh one is generated.
func (s *Store) Insert(scope string, item Doc) (Doc, error) {
	doc := make(Doc, len(item)+1)
	for k, v := range item {
		doc[k] = v
	}
	// Callers may bring their own id; only generate one when absent.
	id, _ := doc["_id"].(string)
	if id == "" {
		id = uuid.NewString()
		doc["_id"] = id
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("storage: marshal insert: %w", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, scope)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), data)
	})
	if err != nil {
		return nil, err
	}
	// Normalize numeric types the same way reads will see them.
	var stored Doc
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("storage: reload insert: %w", err)
	}
	return stored, nil
}

// Update sets the given fields on matching documents and returns the number
// changed. With multi false only the first match is updated.
func (s *Store) Update(scope string, query Query, value Doc, multi bool) (int, error) {
	changed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, scope)
		if err != nil {
			return err
		}
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var doc Doc
			if err := json.Unmarshal(v, &doc); err != nil {
				continue
			}
			if !matches(doc, query) {
				continue
			}
			for field, val := range value {
				doc[field] = val
			}
			data, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("storage: marshal update: %w", err)
			}
			if err := b.Put(k, data); err != nil {
				return err
			}
			changed++
			if !multi {
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return changed, nil
}

// Remove deletes matching documents and returns the number removed. With
// multi false only the first match is removed.
func (s *Store) Remove(scope string, query Query, multi bool) (int, error) {
	removed := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := bucketOf(tx, scope)
		if err != nil {
			return err
		}
		var victims [][]byte
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var doc Doc
			if err := json.Unmarshal(v, &doc); err != nil {
				continue
			}
			if !matches(doc, query) {
				continue
			}
			key := make([]byte, len(k))
			copy(key, k)
			victims = append(victims, key)
			if !multi {
				break
			}
		}
		for _, k := range victims {
			if err := b.Delete(k); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}
