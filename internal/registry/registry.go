// Package registry keeps the small amount of metadata the segment files do
// not carry, in a bbolt database:
//
//   - bucket "topics":  topic → tag hash + creation time
//   - bucket "expired": topic\x00<offset> → expiry time, one key per index
//     record whose delay has already fired
//
// The expired ledger lets a restart skip records that were delivered before
// the process stopped instead of firing them twice.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
)

// FileName is the registry database name inside the data directory.
const FileName = "registry.db"

var (
	bucketTopics  = []byte("topics")
	bucketExpired = []byte("expired")
)

// ErrNotFound is returned when a topic has never been registered.
var ErrNotFound = errors.New("registry: not found")

// Topic is the metadata stored for each registered topic.
type Topic struct {
	Name      string
	TagHash   uint64
	CreatedAt int64 // UTC milliseconds
}

// Registry is the bbolt-backed topic registry and expiry ledger.
// All methods are safe for concurrent use.
type Registry struct {
	db *bbolt.DB
}

// Open opens (or creates) the registry database at path.
func Open(path string) (*Registry, error) {
	db, err := bbolt.Open(path, 0o640, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("registry: open %s: %w", path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketTopics, bucketExpired} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: init buckets: %w", err)
	}
	return &Registry{db: db}, nil
}

// Ensure registers topic if it is new and returns its stored metadata.
// created reports whether this call registered it.
func (r *Registry) Ensure(topic string, tagHash uint64) (t Topic, created bool, err error) {
	err = r.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketTopics)
		if v := b.Get([]byte(topic)); v != nil {
			t, err = decodeTopic(topic, v)
			return err
		}
		t = Topic{Name: topic, TagHash: tagHash, CreatedAt: time.Now().UTC().UnixMilli()}
		created = true
		return b.Put([]byte(topic), encodeTopic(t))
	})
	if err != nil {
		return Topic{}, false, fmt.Errorf("registry: ensure %s: %w", topic, err)
	}
	return t, created, nil
}

// Get returns the metadata for topic, or ErrNotFound.
func (r *Registry) Get(topic string) (Topic, error) {
	var t Topic
	err := r.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketTopics).Get([]byte(topic))
		if v == nil {
			return fmt.Errorf("%w: topic %q", ErrNotFound, topic)
		}
		var err error
		t, err = decodeTopic(topic, v)
		return err
	})
	return t, err
}

// List returns every registered topic sorted by name.
func (r *Registry) List() ([]Topic, error) {
	var out []Topic
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketTopics).ForEach(func(k, v []byte) error {
			t, err := decodeTopic(string(k), v)
			if err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// MarkExpired records that the index record of topic pointing at offset has
// fired. Marking twice is harmless.
func (r *Registry) MarkExpired(topic string, offset uint64) error {
	var at [8]byte
	binary.BigEndian.PutUint64(at[:], uint64(time.Now().UTC().UnixMilli()))
	err := r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketExpired).Put(expiredKey(topic, offset), at[:])
	})
	if err != nil {
		return fmt.Errorf("registry: mark expired %s@%d: %w", topic, offset, err)
	}
	return nil
}

// IsExpired reports whether MarkExpired was called for topic and offset.
func (r *Registry) IsExpired(topic string, offset uint64) (bool, error) {
	var found bool
	err := r.db.View(func(tx *bbolt.Tx) error {
		found = tx.Bucket(bucketExpired).Get(expiredKey(topic, offset)) != nil
		return nil
	})
	return found, err
}

// ExpiredOffsets returns the set of offsets marked expired for topic, read
// in one transaction.
func (r *Registry) ExpiredOffsets(topic string) (map[uint64]struct{}, error) {
	out := make(map[uint64]struct{})
	prefix := append([]byte(topic), 0)
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketExpired).Cursor()
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			if len(k) != len(prefix)+8 {
				continue
			}
			out[binary.BigEndian.Uint64(k[len(prefix):])] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("registry: expired offsets %s: %w", topic, err)
	}
	return out, nil
}

// Close closes the underlying bbolt database.
func (r *Registry) Close() error {
	return r.db.Close()
}

// ---- serialisation helpers -------------------------------------------------
// Topic values are [tag_hash: 8 bytes][created_at: 8 bytes], big-endian.
// Expired keys are topic, a zero byte, then the offset as 8 big-endian bytes,
// so one topic's keys sort together and by offset.

func encodeTopic(t Topic) []byte {
	buf := make([]byte, 16)
	binary.BigEndian.PutUint64(buf[0:], t.TagHash)
	binary.BigEndian.PutUint64(buf[8:], uint64(t.CreatedAt))
	return buf
}

func decodeTopic(name string, v []byte) (Topic, error) {
	if len(v) < 16 {
		return Topic{}, fmt.Errorf("topic %q: value too short (%d bytes)", name, len(v))
	}
	return Topic{
		Name:      name,
		TagHash:   binary.BigEndian.Uint64(v[0:]),
		CreatedAt: int64(binary.BigEndian.Uint64(v[8:])),
	}, nil
}

func expiredKey(topic string, offset uint64) []byte {
	k := make([]byte, 0, len(topic)+1+8)
	k = append(k, topic...)
	k = append(k, 0)
	return binary.BigEndian.AppendUint64(k, offset)
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}
