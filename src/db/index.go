package db

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger"
	"github.com/pombredanne/sugar-network-backend-sub001/src/common"
	"github.com/sirupsen/logrus"
)

const (
	recordPrefix = "r/"
	seqnoPrefix  = "s/"
)

// IndexDoc is what the index keeps about a record.
type IndexDoc struct {
	// Seqnos are the distinct seqnos held by the properties of the record.
	Seqnos []int64                `json:"seqnos"`
	State  string                 `json:"state"`
	Props  map[string]interface{} `json:"props"`
}

// Index is the badger database mapping records to their indexed properties,
// and every seqno of the volume to the record holding it.
type Index struct {
	db     *badger.DB
	logger *logrus.Entry
}

// OpenIndex opens, or creates, the index database in dir.
func OpenIndex(dir string, logger *logrus.Entry) (*Index, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	opts := badger.DefaultOptions(dir)
	opts.SyncWrites = false
	opts.Logger = logger.WithField("prefix", "badger")

	handle, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &Index{
		db:     handle,
		logger: logger,
	}, nil
}

// Close ...
func (i *Index) Close() error {
	return i.db.Close()
}

func recordKey(resource, guid string) []byte {
	return []byte(fmt.Sprintf("%s%s/%s", recordPrefix, resource, guid))
}

func seqnoKey(seqno int64) []byte {
	return []byte(fmt.Sprintf("%s%020d", seqnoPrefix, seqno))
}

// Put stores doc and moves the seqno entries of the record to doc.Seqnos.
func (i *Index) Put(resource, guid string, doc *IndexDoc) error {
	value, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	pointer := []byte(resource + "/" + guid)

	return i.db.Update(func(txn *badger.Txn) error {
		old, err := getDoc(txn, recordKey(resource, guid))
		if err != nil && err != badger.ErrKeyNotFound {
			return err
		}

		keep := make(map[int64]bool, len(doc.Seqnos))
		for _, s := range doc.Seqnos {
			keep[s] = true
		}
		if old != nil {
			for _, s := range old.Seqnos {
				if !keep[s] {
					if err := txn.Delete(seqnoKey(s)); err != nil {
						return err
					}
				}
			}
		}
		for _, s := range doc.Seqnos {
			if err := txn.Set(seqnoKey(s), pointer); err != nil {
				return err
			}
		}
		return txn.Set(recordKey(resource, guid), value)
	})
}

// Get ...
func (i *Index) Get(resource, guid string) (*IndexDoc, error) {
	var doc *IndexDoc
	err := i.db.View(func(txn *badger.Txn) error {
		var err error
		doc, err = getDoc(txn, recordKey(resource, guid))
		return err
	})
	if err == badger.ErrKeyNotFound {
		return nil, common.Errorf("index", common.NotFound, "%s/%s", resource, guid)
	}
	return doc, err
}

// Delete drops a record and its seqno entries.
func (i *Index) Delete(resource, guid string) error {
	return i.db.Update(func(txn *badger.Txn) error {
		old, err := getDoc(txn, recordKey(resource, guid))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		for _, s := range old.Seqnos {
			if err := txn.Delete(seqnoKey(s)); err != nil {
				return err
			}
		}
		return txn.Delete(recordKey(resource, guid))
	})
}

// Docs iterates the records of a resource in guid order.
func (i *Index) Docs(resource string, fn func(guid string, doc *IndexDoc) error) error {
	prefix := []byte(recordPrefix + resource + "/")
	return i.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			guid := strings.TrimPrefix(string(item.Key()), string(prefix))
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			doc := new(IndexDoc)
			if err := json.Unmarshal(data, doc); err != nil {
				return err
			}
			if err := fn(guid, doc); err != nil {
				return err
			}
		}
		return nil
	})
}

// SeqnoEntry points a seqno at the record holding it.
type SeqnoEntry struct {
	Seqno    int64
	Resource string
	GUID     string
}

// Seqnos returns, in order, the entries with seqno in [lo, hi].
func (i *Index) Seqnos(lo, hi int64) ([]SeqnoEntry, error) {
	var res []SeqnoEntry
	prefix := []byte(seqnoPrefix)

	err := i.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(seqnoKey(lo)); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			seqno, err := strconv.ParseInt(strings.TrimPrefix(string(item.Key()), seqnoPrefix), 10, 64)
			if err != nil {
				return err
			}
			if seqno > hi {
				break
			}
			pointer, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			parts := strings.SplitN(string(pointer), "/", 2)
			if len(parts) != 2 {
				i.logger.WithField("seqno", seqno).Warn("Malformed seqno entry")
				continue
			}
			res = append(res, SeqnoEntry{seqno, parts[0], parts[1]})
		}
		return nil
	})

	return res, err
}

func getDoc(txn *badger.Txn, key []byte) (*IndexDoc, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	doc := new(IndexDoc)
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, doc)
	})
	if err != nil {
		return nil, err
	}
	return doc, nil
}
