package workercache

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cuemby/maelstrom/pkg/digest"
	"github.com/cuemby/maelstrom/pkg/log"
	bolt "go.etcd.io/bbolt"
)

var bucketArtifacts = []byte("artifacts")

// indexRecord is the persisted form of one cache entry's metadata.
type indexRecord struct {
	Size     int64  `json:"size"`
	LastUsed uint64 `json:"last_used"`
}

type recoveredEntry struct {
	digest   digest.Digest
	size     int64
	lastUsed uint64
}

// index is the bbolt sidecar recording (digest, size, last-used) for every
// present entry so the LRU order survives a worker restart.
type index struct {
	db *bolt.DB
}

func openIndex(root string) (*index, error) {
	db, err := bolt.Open(filepath.Join(root, "index.db"), 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("workercache: opening index: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketArtifacts)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("workercache: creating index bucket: %w", err)
	}
	return &index{db: db}, nil
}

func (i *index) close() error {
	return i.db.Close()
}

func (i *index) load() ([]recoveredEntry, error) {
	var entries []recoveredEntry
	err := i.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).ForEach(func(k, v []byte) error {
			var d digest.Digest
			if err := d.UnmarshalText(k); err != nil {
				// A corrupt key is dropped rather than failing recovery.
				log.Logger.Warn().Str("key", string(k)).Msg("workercache: skipping corrupt index key")
				return nil
			}
			var rec indexRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				log.Logger.Warn().Str("digest", d.String()).Msg("workercache: skipping corrupt index record")
				return nil
			}
			entries = append(entries, recoveredEntry{digest: d, size: rec.Size, lastUsed: rec.LastUsed})
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("workercache: loading index: %w", err)
	}
	return entries, nil
}

func (i *index) touch(d digest.Digest, size int64, lastUsed uint64) {
	err := i.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(indexRecord{Size: size, LastUsed: lastUsed})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketArtifacts).Put([]byte(d.String()), data)
	})
	if err != nil {
		log.Logger.Warn().Err(err).Str("digest", d.String()).Msg("workercache: updating index")
	}
}

func (i *index) remove(d digest.Digest) {
	err := i.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArtifacts).Delete([]byte(d.String()))
	})
	if err != nil {
		log.Logger.Warn().Err(err).Str("digest", d.String()).Msg("workercache: removing index record")
	}
}
