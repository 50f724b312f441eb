// Package index maintains a local inverted index over content fields,
// backed by an embedded badger store. It serves term lookups for the
// auto-filter path and exposes maintenance operations for backup and
// diagnostics.
package index

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
)

// Document is one indexed content item: the stored fields are flattened to
// lowercased terms before writing.
type Document struct {
	NodeID   uint              `json:"nodeId"`
	Path     string            `json:"path"`
	TypeName string            `json:"typeName"`
	Fields   map[string]string `json:"fields"`
}

// Adapter wraps the badger store.
type Adapter struct {
	db     *badger.DB
	logger *slog.Logger
}

// Open creates or opens the index at dir. An empty dir opens an in-memory
// index, used by tests and by installations that rebuild on start.
func Open(dir string, logger *slog.Logger) (*Adapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("index: open failed: %w", err)
	}
	return &Adapter{db: db, logger: logger}, nil
}

// Close releases the store.
func (a *Adapter) Close() error { return a.db.Close() }

func docKey(nodeID uint) []byte {
	key := make([]byte, 4+8)
	copy(key, "doc:")
	binary.BigEndian.PutUint64(key[4:], uint64(nodeID))
	return key
}

func termKey(field, term string, nodeID uint) []byte {
	prefix := termPrefix(field, term)
	key := make([]byte, len(prefix)+8)
	copy(key, prefix)
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(nodeID))
	return key
}

func termPrefix(field, term string) []byte {
	return []byte("idx:" + strings.ToLower(field) + ":" + strings.ToLower(term) + ":")
}

// AddDocument writes the document and its term postings in one transaction,
// replacing any previous postings for the same node.
func (a *Adapter) AddDocument(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if doc == nil || doc.NodeID == 0 {
		return fmt.Errorf("index: document must carry a node id")
	}
	return a.db.Update(func(txn *badger.Txn) error {
		if err := a.removePostings(txn, doc.NodeID); err != nil {
			return err
		}
		payload, err := json.Marshal(doc)
		if err != nil {
			return err
		}
		if err := txn.Set(docKey(doc.NodeID), payload); err != nil {
			return err
		}
		for field, value := range doc.Fields {
			for _, term := range Tokenize(value) {
				if err := txn.Set(termKey(field, term, doc.NodeID), nil); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// DeleteDocument removes the document and all of its postings.
func (a *Adapter) DeleteDocument(ctx context.Context, nodeID uint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.db.Update(func(txn *badger.Txn) error {
		if err := a.removePostings(txn, nodeID); err != nil {
			return err
		}
		err := txn.Delete(docKey(nodeID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

func (a *Adapter) removePostings(txn *badger.Txn, nodeID uint) error {
	item, err := txn.Get(docKey(nodeID))
	if err == badger.ErrKeyNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	var previous Document
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &previous)
	}); err != nil {
		return err
	}
	for field, value := range previous.Fields {
		for _, term := range Tokenize(value) {
			if err := txn.Delete(termKey(field, term, nodeID)); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetIndexDocument loads one stored document. Returns (nil, nil) when the
// node is not indexed.
func (a *Adapter) GetIndexDocument(ctx context.Context, nodeID uint) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var doc *Document
	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(docKey(nodeID))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			doc = &Document{}
			return json.Unmarshal(val, doc)
		})
	})
	return doc, err
}

// Query returns the node ids whose field contains the term, in key order.
func (a *Adapter) Query(ctx context.Context, field, term string) ([]uint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var ids []uint
	prefix := termPrefix(field, term)
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			ids = append(ids, uint(binary.BigEndian.Uint64(key[len(prefix):])))
		}
		return nil
	})
	return ids, err
}

// InvertedIndexDump renders the posting list per field:term, a diagnostic
// surface for index inspection.
func (a *Adapter) InvertedIndexDump(ctx context.Context) (map[string][]uint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dump := make(map[string][]uint)
	prefix := []byte("idx:")
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			key := it.Item().Key()
			// idx:<field>:<term>:<id>
			body := key[len(prefix) : len(key)-8]
			id := binary.BigEndian.Uint64(key[len(key)-8:])
			entry := strings.TrimSuffix(string(body), ":")
			dump[entry] = append(dump[entry], uint(id))
		}
		return nil
	})
	return dump, err
}

// BackupTo streams a full backup to w using badger's native format.
func (a *Adapter) BackupTo(ctx context.Context, w io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := a.db.Backup(w, 0)
	return err
}

// Tokenize lowercases and splits a field value into index terms.
func Tokenize(value string) []string {
	fields := strings.FieldsFunc(strings.ToLower(value), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, term := range fields {
		if seen[term] {
			continue
		}
		seen[term] = true
		out = append(out, term)
	}
	return out
}
